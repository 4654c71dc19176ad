package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrPriceDivergence = errors.New("price sources diverge")
	ErrPriceBounds     = errors.New("price out of bounds")
	ErrCircuitOpen     = errors.New("price pipeline paused")
	ErrNoPrice         = errors.New("no price source responded")
	ErrSourceFailed    = errors.New("price source failed")
	ErrUnknownAsset    = errors.New("unknown asset")
	ErrLedgerGuard     = errors.New("ledger refused price movement")
)

// Sample is one source's reading for an asset.
type Sample struct {
	Source     string
	Asset      string
	Price      decimal.Decimal
	ObservedAt time.Time
}

// Source is an external price feed.
type Source interface {
	Name() string
	Fetch(ctx context.Context, asset string) (Sample, error)
}

// ConsensusPrice is the reconciled price for an asset.
type ConsensusPrice struct {
	Asset         string          `json:"asset"`
	Price         decimal.Decimal `json:"price"`
	Sources       []string        `json:"sources"`
	DivergencePct decimal.Decimal `json:"divergence_pct"`
	SingleSource  bool            `json:"single_source"`
	Accepted      bool            `json:"accepted"`
	At            time.Time       `json:"at"`
}

// SourceHealth tracks one source's recent outcomes.
type SourceHealth struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccessAt       time.Time `json:"last_success_at"`
	LastError           string    `json:"last_error,omitempty"`
	Healthy             bool      `json:"healthy"`
}

// Health is a read-only snapshot of the pipeline.
type Health struct {
	Sources          map[string]SourceHealth `json:"sources"`
	Paused           bool                    `json:"paused"`
	PausedAt         time.Time               `json:"paused_at,omitempty"`
	BoundsViolations map[string]int          `json:"bounds_violations"`
}

// PriceError carries the numbers behind a rejected price.
type PriceError struct {
	Kind      error
	Asset     string
	Candidate decimal.Decimal
	Reference decimal.Decimal
	Limit     decimal.Decimal
	Detail    string
}

func (e *PriceError) Error() string {
	return fmt.Sprintf("%s: %v: %s", e.Asset, e.Kind, e.Detail)
}

func (e *PriceError) Unwrap() error { return e.Kind }

// AssetConfig bounds the accepted price of one asset. Every bound is
// required: 0 < MinPrice < MaxPrice and MaxChangePct > 0.
type AssetConfig struct {
	Symbol       string
	MinPrice     decimal.Decimal
	MaxPrice     decimal.Decimal
	MaxChangePct decimal.Decimal
}

// Validate rejects assets with a missing or inverted bound.
func (a AssetConfig) Validate() error {
	switch {
	case a.Symbol == "":
		return errors.New("asset without symbol")
	case !a.MinPrice.IsPositive():
		return fmt.Errorf("asset %s: min price must be positive", a.Symbol)
	case !a.MaxPrice.GreaterThan(a.MinPrice):
		return fmt.Errorf("asset %s: max price must be above min price", a.Symbol)
	case !a.MaxChangePct.IsPositive():
		return fmt.Errorf("asset %s: max change percent must be positive", a.Symbol)
	}
	return nil
}

// Config controls reconciliation and the breaker.
type Config struct {
	Assets               []AssetConfig
	MaxDivergencePct     decimal.Decimal
	ResetAfterViolations int
	BreakerCeiling       int
	SourceTimeout        time.Duration
	// MaxSampleAge rejects readings older than this. Zero disables the check.
	MaxSampleAge time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxDivergencePct.IsZero() {
		c.MaxDivergencePct = decimal.NewFromInt(5)
	}
	if c.ResetAfterViolations <= 0 {
		c.ResetAfterViolations = 3
	}
	if c.BreakerCeiling <= 0 {
		c.BreakerCeiling = 10
	}
	if c.SourceTimeout <= 0 {
		c.SourceTimeout = 10 * time.Second
	}
}

// Pusher writes an accepted price to the ledger.
type Pusher interface {
	Push(ctx context.Context, price ConsensusPrice) error
}

// Recorder stores accepted prices and breaker transitions.
type Recorder interface {
	RecordPrice(ctx context.Context, price ConsensusPrice) error
	RecordBreaker(ctx context.Context, paused bool, failures int) error
}
