// Package history writes accepted prices and breaker transitions to InfluxDB.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"go.uber.org/zap"

	"github.com/terminal-bench/settlementrelay/internal/oracle"
)

const (
	MeasurementPrice   = "consensus_price"
	MeasurementBreaker = "price_breaker"
)

type Config struct {
	URL     string
	Token   string
	Org     string
	Bucket  string
	Timeout time.Duration
}

// Writer is an oracle.Recorder backed by a blocking InfluxDB write API.
type Writer struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
	logger *zap.Logger
}

var _ oracle.Recorder = (*Writer)(nil)

func New(cfg Config, logger *zap.Logger) (*Writer, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("influx url, org and bucket are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := influxdb2.DefaultOptions().SetHTTPRequestTimeout(uint(cfg.Timeout / time.Second))
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)
	return &Writer{
		client: client,
		write:  client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		logger: logger,
	}, nil
}

// RecordPrice writes one accepted consensus price.
func (w *Writer) RecordPrice(ctx context.Context, cp oracle.ConsensusPrice) error {
	at := cp.At
	if at.IsZero() {
		at = time.Now()
	}
	single := "false"
	if cp.SingleSource {
		single = "true"
	}
	p := influxdb2.NewPoint(MeasurementPrice,
		map[string]string{"asset": cp.Asset, "single_source": single},
		map[string]interface{}{
			"price":          cp.Price.InexactFloat64(),
			"divergence_pct": cp.DivergencePct.InexactFloat64(),
			"sources":        len(cp.Sources),
		},
		at)
	if err := w.write.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("failed to write price for %s: %w", cp.Asset, err)
	}
	return nil
}

// RecordBreaker writes a breaker transition.
func (w *Writer) RecordBreaker(ctx context.Context, paused bool, failures int) error {
	p := influxdb2.NewPoint(MeasurementBreaker,
		map[string]string{"pipeline": "price"},
		map[string]interface{}{"paused": paused, "failures": failures},
		time.Now())
	if err := w.write.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("failed to write breaker state: %w", err)
	}
	return nil
}

// Ping reports whether the server is reachable.
func (w *Writer) Ping(ctx context.Context) (bool, error) {
	return w.client.Ping(ctx)
}

func (w *Writer) Close() {
	w.client.Close()
}
