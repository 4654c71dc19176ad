// Package keeper holds the auxiliary poll cycles that watch the relay's own
// state and drain inbound bridge requests.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/terminal-bench/settlementrelay/internal/ledger"
	"github.com/terminal-bench/settlementrelay/internal/oracle"
	"github.com/terminal-bench/settlementrelay/internal/replay"
)

var ErrStalePrice = errors.New("accepted price is stale")

// PriceView is the read side of the price engine.
type PriceView interface {
	Assets() []string
	LastAccepted(asset string) (oracle.ConsensusPrice, bool)
}

// StalenessWatchdog fails its cycle when any asset has gone without an
// accepted price for longer than MaxAge.
type StalenessWatchdog struct {
	prices  PriceView
	maxAge  time.Duration
	started time.Time
	logger  *zap.Logger
	now     func() time.Time
}

// NewStalenessWatchdog creates a watchdog. Assets that never had a price are
// measured from the watchdog's creation.
func NewStalenessWatchdog(prices PriceView, maxAge time.Duration, logger *zap.Logger) *StalenessWatchdog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StalenessWatchdog{
		prices:  prices,
		maxAge:  maxAge,
		started: time.Now(),
		logger:  logger,
		now:     time.Now,
	}
}

// Tick checks every asset once.
func (w *StalenessWatchdog) Tick(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := w.now()
	var stale []string
	for _, asset := range w.prices.Assets() {
		last := w.started
		if cp, ok := w.prices.LastAccepted(asset); ok {
			last = cp.At
		}
		if age := now.Sub(last); age > w.maxAge {
			w.logger.Warn("price is stale",
				zap.String("asset", asset),
				zap.Duration("age", age),
				zap.Duration("max_age", w.maxAge))
			stale = append(stale, asset)
		}
	}
	if len(stale) > 0 {
		return fmt.Errorf("%w: %v", ErrStalePrice, stale)
	}
	return nil
}

// Processor consumes one attestation.
type Processor interface {
	Process(ctx context.Context, att replay.Attestation) (ledger.Result, error)
}

// AttestationJournal keeps an audit trail of applied attestations.
type AttestationJournal interface {
	RecordAttestation(ctx context.Context, id string, nonce uint64, updateID string) error
}

// AttestationObserver drains pending inbound bridge requests in nonce order.
type AttestationObserver struct {
	gateway   ledger.Gateway
	processor Processor
	operator  string
	template  ledger.TemplateID
	journal   AttestationJournal
	logger    *zap.Logger
}

// NewAttestationObserver creates an observer over the operator's requests of
// the given template. journal may be nil.
func NewAttestationObserver(gw ledger.Gateway, p Processor, operator string, template ledger.TemplateID, journal AttestationJournal, logger *zap.Logger) *AttestationObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AttestationObserver{
		gateway:   gw,
		processor: p,
		operator:  operator,
		template:  template,
		journal:   journal,
		logger:    logger,
	}
}

// Tick processes every visible request in nonce order. Replayed and
// out-of-sequence requests are logged and skipped; any other failure ends
// the cycle.
func (o *AttestationObserver) Tick(ctx context.Context) error {
	offset, err := o.gateway.LedgerEnd(ctx)
	if err != nil {
		return err
	}
	contracts, err := o.gateway.QueryActive(ctx, o.operator, []ledger.TemplateID{o.template}, offset)
	if err != nil {
		return err
	}

	pending := make([]replay.Attestation, 0, len(contracts))
	for _, c := range contracts {
		att, err := replay.AttestationFromContract(c)
		if err != nil {
			o.logger.Warn("skipping unreadable bridge request", zap.String("contract_id", c.ContractID), zap.Error(err))
			continue
		}
		pending = append(pending, att)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Nonce < pending[j].Nonce })

	for _, att := range pending {
		res, err := o.processor.Process(ctx, att)
		switch {
		case err == nil:
			if o.journal != nil {
				if err := o.journal.RecordAttestation(ctx, att.ID, att.Nonce, res.UpdateID); err != nil {
					o.logger.Error("failed to journal attestation", zap.String("attestation_id", att.ID), zap.Error(err))
				}
			}
		case errors.Is(err, replay.ErrReplay), errors.Is(err, replay.ErrAlreadyProcessed):
			o.logger.Debug("skipping replayed attestation", zap.String("attestation_id", att.ID), zap.Error(err))
		default:
			return fmt.Errorf("attestation %s (nonce %d): %w", att.ID, att.Nonce, err)
		}
	}
	return nil
}
