package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/terminal-bench/settlementrelay/internal/ledger"
	"github.com/terminal-bench/settlementrelay/internal/replay"
	"github.com/terminal-bench/settlementrelay/internal/store"
	"github.com/terminal-bench/settlementrelay/internal/validator"
	pdec "github.com/terminal-bench/settlementrelay/pkg/decimal"
	"github.com/terminal-bench/settlementrelay/pkg/messaging"
)

// Config names the operator and the templates a settlement touches.
type Config struct {
	Operator string
	// Issuer of change tokens. Empty uses the issuer of the consumed tokens.
	Issuer       string
	Token        ledger.TemplateID
	Escrow       ledger.TemplateID
	Service      ledger.TemplateID
	RedeemChoice string
	FeeBps       int64
	// Timeout bounds one settlement once it is shared between callers.
	Timeout time.Duration
}

func (c *Config) validate() error {
	if !validator.IsParty(c.Operator) {
		return fmt.Errorf("invalid operator party %q", c.Operator)
	}
	if c.Token.IsZero() || c.Escrow.IsZero() || c.Service.IsZero() {
		return errors.New("token, escrow and service templates are required")
	}
	if c.RedeemChoice == "" {
		c.RedeemChoice = validator.DefaultChoices().Redeem
	}
	if c.FeeBps < 0 || c.FeeBps > 10000 {
		return fmt.Errorf("fee of %d bps out of range", c.FeeBps)
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Minute
	}
	return nil
}

// Journal keeps a durable audit trail of completed settlements.
type Journal interface {
	RecordSettlement(ctx context.Context, e Entry) error
}

// ReplayGuard reserves a request id for the duration of fn and keeps it
// only if fn succeeds. Relays sharing the guard's processed set never run
// the same id twice.
type ReplayGuard interface {
	Guard(ctx context.Context, id string, fn func(context.Context) error) error
}

// Engine turns redemption requests into one atomic ledger transaction each.
type Engine struct {
	cfg          Config
	gateway      ledger.Gateway
	validator    *validator.Validator
	store        store.IdempotencyStore
	reservations ReservationSource
	journal      Journal
	guard        ReplayGuard
	publisher    messaging.Publisher
	logger       *zap.Logger
	now          func() time.Time

	group singleflight.Group
}

// Option configures an Engine.
type Option func(*Engine)

func WithReservations(r ReservationSource) Option { return func(e *Engine) { e.reservations = r } }

func WithJournal(j Journal) Option { return func(e *Engine) { e.journal = j } }

// WithReplayGuard makes every submission claim its idempotency key first.
func WithReplayGuard(g ReplayGuard) Option { return func(e *Engine) { e.guard = g } }

func WithPublisher(p messaging.Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine creates a settlement engine.
func NewEngine(cfg Config, gw ledger.Gateway, v *validator.Validator, st store.IdempotencyStore, opts ...Option) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if gw == nil || v == nil || st == nil {
		return nil, errors.New("gateway, validator and idempotency store are required")
	}
	e := &Engine{
		cfg:       cfg,
		gateway:   gw,
		validator: v,
		store:     st,
		publisher: messaging.NopPublisher{},
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Operator returns the operator party.
func (e *Engine) Operator() string {
	return e.cfg.Operator
}

// CacheSize reports how many idempotency records are live.
func (e *Engine) CacheSize(ctx context.Context) (int, error) {
	return e.store.Len(ctx)
}

// CacheCapacity reports the idempotency store bound, or 0 for stores that
// only expire records.
func (e *Engine) CacheCapacity() int {
	if b, ok := e.store.(interface{ Capacity() int }); ok {
		return b.Capacity()
	}
	return 0
}

// Settle redeems req.Amount of req.Party's tokens. A settlement whose inputs
// were already settled returns the recorded result without touching the
// ledger. Failures are never recorded.
func (e *Engine) Settle(ctx context.Context, req Request) (*Result, error) {
	if !validator.IsParty(req.Party) {
		return nil, fmt.Errorf("%w: invalid party %q", ErrInvalidRequest, req.Party)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if !req.Amount.Equal(req.Amount.Truncate(pdec.LedgerScale)) {
		return nil, fmt.Errorf("%w: amount has more than %d decimal places", ErrInvalidRequest, pdec.LedgerScale)
	}

	offset, err := e.gateway.LedgerEnd(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger end: %w", err)
	}

	holdings, err := e.tokensOf(ctx, req.Party, offset)
	if err != nil {
		return nil, err
	}
	selected, sum := SelectGreedy(holdings, req.Amount)
	if sum.LessThan(req.Amount) {
		return nil, insufficient(ErrInsufficientBalance, req.Party, req.Amount, sum)
	}

	req.IdempotencyKey = IdempotencyKey(req.Party, req.Amount, contractIDs(selected))

	// The shared run outlives any single caller; each caller still stops
	// waiting when its own context ends.
	ch := e.group.DoChan(req.IdempotencyKey, func() (interface{}, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Timeout)
		defer cancel()
		return e.settle(sctx, req, selected, offset)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		res := *r.Val.(*Result)
		if r.Shared {
			res.Consumed = append([]string(nil), res.Consumed...)
		}
		return &res, nil
	}
}

func (e *Engine) settle(ctx context.Context, req Request, selected []Token, offset int64) (*Result, error) {
	if cached, ok, err := e.cached(ctx, req.IdempotencyKey); err != nil {
		return nil, err
	} else if ok {
		e.logger.Info("settlement served from idempotency store",
			zap.String("party", req.Party),
			zap.String("idempotency_key", req.IdempotencyKey))
		return cached, nil
	}

	reserved := map[string]bool{}
	if e.reservations != nil {
		r, err := e.reservations.Reserved(ctx, offset)
		if err != nil {
			return nil, fmt.Errorf("failed to load reservations: %w", err)
		}
		reserved = r
	}

	inventory, err := e.tokensOf(ctx, e.cfg.Operator, offset)
	if err != nil {
		return nil, err
	}
	callerInputs := make(map[string]bool, len(selected))
	for _, t := range selected {
		callerInputs[t.ContractID] = true
	}
	free := inventory[:0:0]
	for _, t := range inventory {
		t.Reserved = reserved[t.ContractID]
		if t.Reserved || callerInputs[t.ContractID] {
			continue
		}
		free = append(free, t)
	}
	operatorInputs, available := SelectGreedy(free, req.Amount)
	if available.LessThan(req.Amount) {
		return nil, insufficient(ErrInsufficientOperatorInventory, e.cfg.Operator, req.Amount, available)
	}

	service, err := e.service(ctx, offset)
	if err != nil {
		return nil, err
	}

	batch, err := BuildBatch(e.cfg, req, selected, operatorInputs, service.ContractID)
	if err != nil {
		return nil, err
	}
	if err := e.validator.ValidateAll(batch.Commands); err != nil {
		return nil, err
	}

	var submitted ledger.Result
	submit := func(ctx context.Context) error {
		res, err := e.gateway.SubmitAtomic(ctx, ledger.Submission{
			ActAs:     []string{req.Party, e.cfg.Operator},
			CommandID: batch.CommandID,
			Commands:  batch.Commands,
		})
		submitted = res
		return err
	}
	if e.guard != nil {
		err = e.guard.Guard(ctx, "settle:"+req.IdempotencyKey, submit)
	} else {
		err = submit(ctx)
	}
	if errors.Is(err, replay.ErrAlreadyProcessed) {
		// Another relay owns this key; its result is authoritative once recorded.
		if cached, ok, cerr := e.cached(ctx, req.IdempotencyKey); cerr == nil && ok {
			return cached, nil
		}
		e.logger.Info("settlement claimed by another relay",
			zap.String("party", req.Party),
			zap.String("idempotency_key", req.IdempotencyKey))
		return nil, fmt.Errorf("settlement %s: %w", batch.CommandID, err)
	}
	if err != nil {
		e.logger.Warn("settlement submission failed",
			zap.String("party", req.Party),
			zap.String("command_id", batch.CommandID),
			zap.Error(err))
		return nil, fmt.Errorf("settlement %s: %w", batch.CommandID, err)
	}

	fee := pdec.Bps(req.Amount, e.cfg.FeeBps)
	net := req.Amount.Sub(fee)
	result := &Result{
		Success:        true,
		RedeemAmount:   pdec.LedgerString(req.Amount),
		FeeEstimate:    pdec.LedgerString(fee),
		NetAmount:      pdec.LedgerString(net),
		CommandID:      batch.CommandID,
		IdempotencyKey: req.IdempotencyKey,
		UpdateID:       submitted.UpdateID,
		Consumed:       batch.Consumed,
		SettledAt:      e.now().UTC(),
	}
	if batch.Change.IsPositive() {
		result.Change = pdec.LedgerString(batch.Change)
	}

	// The ledger has committed. Recording failures are logged, not returned.
	detached := context.WithoutCancel(ctx)
	if winner, err := e.record(detached, result); err != nil {
		e.logger.Error("failed to record settlement", zap.String("command_id", batch.CommandID), zap.Error(err))
	} else {
		result = winner
	}

	e.logger.Info("settlement committed",
		zap.String("party", req.Party),
		zap.String("amount", result.RedeemAmount),
		zap.String("command_id", result.CommandID),
		zap.String("update_id", result.UpdateID),
		zap.Strings("consumed", result.Consumed))

	if e.journal != nil {
		if err := e.journal.RecordSettlement(detached, Entry{
			IdempotencyKey: req.IdempotencyKey,
			CommandID:      batch.CommandID,
			UpdateID:       submitted.UpdateID,
			Party:          req.Party,
			Amount:         req.Amount,
			Fee:            fee,
			Net:            net,
			Consumed:       batch.Consumed,
			OperatorInputs: batch.OperatorInputs,
			SettledAt:      result.SettledAt,
		}); err != nil {
			e.logger.Error("failed to journal settlement", zap.String("command_id", batch.CommandID), zap.Error(err))
		}
	}

	if err := e.publisher.Publish(detached, messaging.SubjectSettlementCompleted, messaging.SettlementEvent{
		Party:          req.Party,
		CommandID:      result.CommandID,
		IdempotencyKey: result.IdempotencyKey,
		RedeemAmount:   result.RedeemAmount,
		FeeEstimate:    result.FeeEstimate,
		NetAmount:      result.NetAmount,
		Consumed:       result.Consumed,
	}); err != nil {
		e.logger.Warn("failed to publish settlement event", zap.Error(err))
	}
	return result, nil
}

func (e *Engine) cached(ctx context.Context, key string) (*Result, bool, error) {
	rec, ok, err := e.store.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("idempotency lookup: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	var res Result
	if err := json.Unmarshal(rec.Value, &res); err != nil {
		return nil, false, fmt.Errorf("corrupt idempotency record %s: %w", key, err)
	}
	res.Cached = true
	return &res, true, nil
}

// record stores result and returns whichever record holds the key.
func (e *Engine) record(ctx context.Context, result *Result) (*Result, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	stored, err := e.store.Put(ctx, store.Record{
		Key:        result.IdempotencyKey,
		Value:      payload,
		RecordedAt: result.SettledAt,
	})
	if err != nil {
		return nil, err
	}
	if string(stored.Value) == string(payload) {
		return result, nil
	}
	var winner Result
	if err := json.Unmarshal(stored.Value, &winner); err != nil {
		return nil, err
	}
	winner.Cached = true
	return &winner, nil
}

// tokensOf returns the positive holdings owned by party. Unreadable
// contracts are skipped.
func (e *Engine) tokensOf(ctx context.Context, party string, offset int64) ([]Token, error) {
	contracts, err := e.gateway.QueryActive(ctx, party, []ledger.TemplateID{e.cfg.Token}, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query holdings of %s: %w", party, err)
	}
	tokens := make([]Token, 0, len(contracts))
	for _, c := range contracts {
		t, err := TokenFromContract(c)
		if err != nil {
			e.logger.Warn("skipping unreadable token", zap.String("contract_id", c.ContractID), zap.Error(err))
			continue
		}
		if t.Owner != party {
			continue
		}
		tokens = append(tokens, t)
	}
	return tokens, nil
}

func (e *Engine) service(ctx context.Context, offset int64) (ledger.Contract, error) {
	services, err := e.gateway.QueryActive(ctx, e.cfg.Operator, []ledger.TemplateID{e.cfg.Service}, offset)
	if err != nil {
		return ledger.Contract{}, fmt.Errorf("failed to query redemption service: %w", err)
	}
	for _, s := range services {
		if s.Text("operator") == "" || s.Text("operator") == e.cfg.Operator {
			return s, nil
		}
	}
	return ledger.Contract{}, ErrNoService
}

// Balance sums the holdings of party at the current ledger end.
func (e *Engine) Balance(ctx context.Context, party string) (decimal.Decimal, error) {
	offset, err := e.gateway.LedgerEnd(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	tokens, err := e.tokensOf(ctx, party, offset)
	if err != nil {
		return decimal.Zero, err
	}
	return Total(tokens), nil
}
