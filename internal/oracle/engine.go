package oracle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/terminal-bench/settlementrelay/pkg/circuit"
	pdec "github.com/terminal-bench/settlementrelay/pkg/decimal"
	"github.com/terminal-bench/settlementrelay/pkg/messaging"
)

// Engine reconciles independent sources into one accepted price per asset.
// A rejected reading never changes the accepted baseline.
type Engine struct {
	cfg     Config
	assets  map[string]AssetConfig
	sources []Source
	breaker *circuit.Breaker

	pusher    Pusher
	publisher messaging.Publisher
	recorder  Recorder
	listeners []func(ConsensusPrice)
	logger    *zap.Logger
	now       func() time.Time

	mu         sync.Mutex
	baseline   map[string]ConsensusPrice
	violations map[string]int
	health     map[string]*SourceHealth
}

// Option configures an Engine.
type Option func(*Engine)

func WithPusher(p Pusher) Option { return func(e *Engine) { e.pusher = p } }

func WithPublisher(p messaging.Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

func WithRecorder(r Recorder) Option { return func(e *Engine) { e.recorder = r } }

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithListener registers a callback for every accepted price.
func WithListener(fn func(ConsensusPrice)) Option {
	return func(e *Engine) { e.listeners = append(e.listeners, fn) }
}

// NewEngine creates an engine over the given sources.
func NewEngine(cfg Config, sources []Source, opts ...Option) (*Engine, error) {
	cfg.setDefaults()
	if len(sources) == 0 {
		return nil, errors.New("at least one price source is required")
	}
	assets := make(map[string]AssetConfig, len(cfg.Assets))
	for _, a := range cfg.Assets {
		if err := a.Validate(); err != nil {
			return nil, err
		}
		assets[a.Symbol] = a
	}

	e := &Engine{
		cfg:        cfg,
		assets:     assets,
		sources:    sources,
		publisher:  messaging.NopPublisher{},
		logger:     zap.NewNop(),
		now:        time.Now,
		baseline:   make(map[string]ConsensusPrice),
		violations: make(map[string]int),
		health:     make(map[string]*SourceHealth),
	}
	for _, s := range sources {
		e.health[s.Name()] = &SourceHealth{Healthy: true}
	}
	for _, opt := range opts {
		opt(e)
	}
	e.breaker = circuit.NewBreaker(circuit.Config{
		Name:        "price-pipeline",
		MaxFailures: cfg.BreakerCeiling,
	})
	return e, nil
}

// Assets returns the configured symbols in order.
func (e *Engine) Assets() []string {
	out := make([]string, 0, len(e.cfg.Assets))
	for _, a := range e.cfg.Assets {
		out = append(out, a.Symbol)
	}
	return out
}

// Paused reports whether the breaker is tripped.
func (e *Engine) Paused() bool {
	return e.breaker.State() == circuit.StateOpen
}

type fetchResult struct {
	source string
	sample Sample
	err    error
}

// FetchConsensus queries every source and reconciles their readings.
func (e *Engine) FetchConsensus(ctx context.Context, asset string) (ConsensusPrice, error) {
	if e.Paused() {
		return ConsensusPrice{}, ErrCircuitOpen
	}
	ac, ok := e.assets[asset]
	if !ok {
		return ConsensusPrice{}, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}

	results := e.fetchAll(ctx, asset)
	if tripped := e.recordHealth(results); tripped {
		e.onTrip(ctx)
		return ConsensusPrice{}, ErrCircuitOpen
	}

	var (
		samples []Sample
		errs    []error
	)
	for _, r := range results {
		if r.err != nil {
			errs = append(errs, r.err)
			continue
		}
		samples = append(samples, r.sample)
	}
	if len(samples) == 0 {
		return ConsensusPrice{}, fmt.Errorf("%w for %s: %w", ErrNoPrice, asset, errors.Join(errs...))
	}

	cp := ConsensusPrice{Asset: asset, At: e.now(), DivergencePct: decimal.Zero}
	prices := make([]decimal.Decimal, 0, len(samples))
	for _, s := range samples {
		prices = append(prices, s.Price)
		cp.Sources = append(cp.Sources, s.Source)
	}
	sort.Strings(cp.Sources)

	if len(samples) == 1 {
		cp.Price = prices[0]
		cp.SingleSource = true
	} else {
		cp.DivergencePct = pdec.Spread(prices)
		cp.Price = pdec.Mean(prices).Round(pdec.LedgerScale)
		if cp.DivergencePct.GreaterThan(e.cfg.MaxDivergencePct) {
			return cp, &PriceError{
				Kind:      ErrPriceDivergence,
				Asset:     asset,
				Candidate: cp.Price,
				Limit:     e.cfg.MaxDivergencePct,
				Detail:    fmt.Sprintf("spread %s%% exceeds %s%%", cp.DivergencePct.StringFixed(4), e.cfg.MaxDivergencePct),
			}
		}
	}

	if err := e.accept(ac, &cp); err != nil {
		return cp, err
	}
	return cp, nil
}

func (e *Engine) fetchAll(ctx context.Context, asset string) []fetchResult {
	results := make([]fetchResult, len(e.sources))
	var wg sync.WaitGroup
	for i, src := range e.sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[i] = fetchResult{source: src.Name(), err: fmt.Errorf("%w: %s panicked: %v", ErrSourceFailed, src.Name(), r)}
				}
			}()
			sctx, cancel := context.WithTimeout(ctx, e.cfg.SourceTimeout)
			defer cancel()

			sample, err := src.Fetch(sctx, asset)
			if err == nil {
				err = e.checkSample(sample)
			}
			if err != nil {
				results[i] = fetchResult{source: src.Name(), err: fmt.Errorf("%s: %w", src.Name(), err)}
				return
			}
			sample.Source = src.Name()
			sample.Asset = asset
			results[i] = fetchResult{source: src.Name(), sample: sample}
		}(i, src)
	}
	wg.Wait()
	return results
}

func (e *Engine) checkSample(s Sample) error {
	if !s.Price.IsPositive() {
		return fmt.Errorf("%w: non-positive price %s", ErrSourceFailed, s.Price)
	}
	if e.cfg.MaxSampleAge > 0 && !s.ObservedAt.IsZero() {
		if age := e.now().Sub(s.ObservedAt); age > e.cfg.MaxSampleAge {
			return fmt.Errorf("%w: stale sample (%s old)", ErrSourceFailed, age.Round(time.Second))
		}
	}
	return nil
}

// recordHealth updates per-source counters and reports whether the summed
// consecutive failures reached the ceiling.
func (e *Engine) recordHealth(results []fetchResult) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	total := 0
	for _, r := range results {
		h := e.health[r.source]
		if h == nil {
			h = &SourceHealth{}
			e.health[r.source] = h
		}
		if r.err != nil {
			h.ConsecutiveFailures++
			h.LastError = r.err.Error()
			h.Healthy = false
		} else {
			h.ConsecutiveFailures = 0
			h.LastSuccessAt = now
			h.LastError = ""
			h.Healthy = true
		}
	}
	for _, h := range e.health {
		total += h.ConsecutiveFailures
	}
	return total >= e.cfg.BreakerCeiling
}

func (e *Engine) onTrip(ctx context.Context) {
	if e.Paused() {
		return
	}
	e.breaker.ForceOpen()
	failures := e.totalFailures()
	e.logger.Error("price pipeline paused: source failure ceiling reached",
		zap.Int("failures", failures),
		zap.Int("ceiling", e.cfg.BreakerCeiling))
	if err := e.publisher.Publish(ctx, messaging.SubjectBreakerTripped, messaging.BreakerEvent{
		Name:     "price-pipeline",
		State:    circuit.StateOpen.String(),
		Failures: failures,
	}); err != nil {
		e.logger.Warn("failed to publish breaker event", zap.Error(err))
	}
	if e.recorder != nil {
		if err := e.recorder.RecordBreaker(ctx, true, failures); err != nil {
			e.logger.Warn("failed to record breaker state", zap.Error(err))
		}
	}
}

func (e *Engine) totalFailures() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := 0
	for _, h := range e.health {
		total += h.ConsecutiveFailures
	}
	return total
}

// accept applies absolute bounds and the rate-of-change cap, then stores
// the new baseline.
func (e *Engine) accept(ac AssetConfig, cp *ConsensusPrice) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cp.Price.LessThan(ac.MinPrice) || cp.Price.GreaterThan(ac.MaxPrice) {
		return e.violationLocked(&PriceError{
			Kind:      ErrPriceBounds,
			Asset:     ac.Symbol,
			Candidate: cp.Price,
			Detail:    fmt.Sprintf("%s outside [%s, %s]", cp.Price, ac.MinPrice, ac.MaxPrice),
		})
	}

	if base, ok := e.baseline[ac.Symbol]; ok {
		change := pdec.PercentChange(base.Price, cp.Price)
		if change.GreaterThan(ac.MaxChangePct) {
			return e.violationLocked(&PriceError{
				Kind:      ErrPriceBounds,
				Asset:     ac.Symbol,
				Candidate: cp.Price,
				Reference: base.Price,
				Limit:     ac.MaxChangePct,
				Detail:    fmt.Sprintf("move of %s%% from %s exceeds %s%%", change.StringFixed(4), base.Price, ac.MaxChangePct),
			})
		}
	}

	cp.Accepted = true
	e.baseline[ac.Symbol] = *cp
	e.violations[ac.Symbol] = 0
	return nil
}

func (e *Engine) violationLocked(perr *PriceError) error {
	e.violations[perr.Asset]++
	count := e.violations[perr.Asset]
	if count >= e.cfg.ResetAfterViolations {
		delete(e.baseline, perr.Asset)
		e.violations[perr.Asset] = 0
		e.logger.Warn("baseline reset after consecutive violations",
			zap.String("asset", perr.Asset),
			zap.Int("violations", count))
	}
	return perr
}

// Reset clears the breaker and the source failure counters.
func (e *Engine) Reset(ctx context.Context) {
	e.mu.Lock()
	for _, h := range e.health {
		h.ConsecutiveFailures = 0
	}
	e.mu.Unlock()

	wasPaused := e.Paused()
	e.breaker.Reset()
	if !wasPaused {
		return
	}
	e.logger.Info("price pipeline resumed")
	_ = e.publisher.Publish(ctx, messaging.SubjectBreakerReset, messaging.BreakerEvent{
		Name:  "price-pipeline",
		State: circuit.StateClosed.String(),
	})
	if e.recorder != nil {
		if err := e.recorder.RecordBreaker(ctx, false, 0); err != nil {
			e.logger.Warn("failed to record breaker state", zap.Error(err))
		}
	}
}

// Health returns a snapshot of source health and breaker state.
func (e *Engine) Health() Health {
	e.mu.Lock()
	defer e.mu.Unlock()

	h := Health{
		Sources:          make(map[string]SourceHealth, len(e.health)),
		BoundsViolations: make(map[string]int, len(e.violations)),
		Paused:           e.breaker.State() == circuit.StateOpen,
	}
	if h.Paused {
		h.PausedAt = e.breaker.OpenedAt()
	}
	for name, sh := range e.health {
		h.Sources[name] = *sh
	}
	for asset, n := range e.violations {
		h.BoundsViolations[asset] = n
	}
	return h
}

// LastAccepted returns the current baseline for an asset.
func (e *Engine) LastAccepted(asset string) (ConsensusPrice, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp, ok := e.baseline[asset]
	return cp, ok
}

// Tick runs one cycle over every asset: reconcile, push accepted prices to
// the ledger and fan them out. A ledger-side movement guard is an expected
// outcome and is not reported as a failure.
func (e *Engine) Tick(ctx context.Context) error {
	if e.Paused() {
		return ErrCircuitOpen
	}

	var errs []error
	for _, asset := range e.Assets() {
		cp, err := e.FetchConsensus(ctx, asset)
		if errors.Is(err, ErrCircuitOpen) {
			errs = append(errs, err)
			break
		}
		if err != nil {
			e.rejected(ctx, cp, asset, err)
			errs = append(errs, err)
			continue
		}

		if e.pusher != nil {
			if err := e.pusher.Push(ctx, cp); err != nil {
				if errors.Is(err, ErrLedgerGuard) {
					e.logger.Warn("ledger guard rejected price update",
						zap.String("asset", asset),
						zap.String("price", cp.Price.String()),
						zap.Error(err))
					continue
				}
				errs = append(errs, fmt.Errorf("push %s: %w", asset, err))
				continue
			}
		}
		e.accepted(ctx, cp)
	}
	return errors.Join(errs...)
}

func (e *Engine) accepted(ctx context.Context, cp ConsensusPrice) {
	e.logger.Info("price accepted",
		zap.String("asset", cp.Asset),
		zap.String("price", cp.Price.String()),
		zap.Strings("sources", cp.Sources),
		zap.Bool("single_source", cp.SingleSource))

	if err := e.publisher.Publish(ctx, messaging.SubjectPriceAccepted, priceEvent(cp, "")); err != nil {
		e.logger.Warn("failed to publish price", zap.Error(err))
	}
	if e.recorder != nil {
		if err := e.recorder.RecordPrice(ctx, cp); err != nil {
			e.logger.Warn("failed to record price", zap.Error(err))
		}
	}
	for _, fn := range e.listeners {
		fn(cp)
	}
}

func (e *Engine) rejected(ctx context.Context, cp ConsensusPrice, asset string, err error) {
	e.logger.Warn("price rejected", zap.String("asset", asset), zap.Error(err))
	var perr *PriceError
	if !errors.As(err, &perr) {
		return
	}
	cp.Asset = asset
	cp.Price = perr.Candidate
	_ = e.publisher.Publish(ctx, messaging.SubjectPriceRejected, priceEvent(cp, err.Error()))
}

func priceEvent(cp ConsensusPrice, reason string) messaging.PriceEvent {
	return messaging.PriceEvent{
		Asset:         cp.Asset,
		Price:         cp.Price.String(),
		Sources:       cp.Sources,
		DivergencePct: cp.DivergencePct.String(),
		SingleSource:  cp.SingleSource,
		Reason:        reason,
		At:            cp.At,
	}
}
