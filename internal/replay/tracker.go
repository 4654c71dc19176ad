package replay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/terminal-bench/settlementrelay/internal/store"
)

// Direction of a cross-ledger transfer.
type Direction int

const (
	In Direction = iota
	Out
)

func (d Direction) String() string {
	switch d {
	case In:
		return "in"
	case Out:
		return "out"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// ParseDirection parses "in" or "out".
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "in":
		return In, nil
	case "out":
		return Out, nil
	default:
		return 0, fmt.Errorf("unknown direction %q", s)
	}
}

// Mode selects how strictly nonces are sequenced.
type Mode int

const (
	// Strict accepts only last+1 and reports gaps.
	Strict Mode = iota
	// Monotonic accepts any nonce above last.
	Monotonic
)

var (
	ErrReplay           = errors.New("replay rejected")
	ErrAlreadyProcessed = fmt.Errorf("%w: request already processed", ErrReplay)
)

// ReplayError describes a rejected nonce. State is never changed by a
// rejected nonce.
type ReplayError struct {
	Direction Direction
	Got       uint64
	Last      uint64
	Expected  uint64
	Reason    string
}

func (e *ReplayError) Error() string {
	if e.Expected != 0 {
		return fmt.Sprintf("replay rejected (%s): nonce %d, expected %d: %s", e.Direction, e.Got, e.Expected, e.Reason)
	}
	return fmt.Sprintf("replay rejected (%s): nonce %d, last %d: %s", e.Direction, e.Got, e.Last, e.Reason)
}

func (e *ReplayError) Unwrap() error { return ErrReplay }

// Decision is an accepted nonce advance.
type Decision struct {
	Direction Direction
	Nonce     uint64
	Previous  uint64
}

// NonceState is a read-only view of one direction.
type NonceState struct {
	Direction Direction `json:"-"`
	Name      string    `json:"direction"`
	LastNonce uint64    `json:"last_nonce"`
	Mode      string    `json:"mode"`
}

// Tracker owns the per-direction nonces and the processed request set.
// Construct one per process and share it between loops.
type Tracker struct {
	mu        sync.Mutex
	last      map[Direction]uint64
	pending   map[Direction]uint64
	modes     map[Direction]Mode
	processed store.ProcessedSet
	logger    *zap.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithMode sets the sequencing mode for a direction. The default is Strict.
func WithMode(d Direction, m Mode) Option {
	return func(t *Tracker) { t.modes[d] = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTracker creates a tracker backed by the given processed set.
func NewTracker(processed store.ProcessedSet, opts ...Option) *Tracker {
	if processed == nil {
		processed = store.NewMemoryProcessed()
	}
	t := &Tracker{
		last:      map[Direction]uint64{In: 0, Out: 0},
		pending:   make(map[Direction]uint64),
		modes:     map[Direction]Mode{In: Strict, Out: Strict},
		processed: processed,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) checkLocked(d Direction, nonce uint64) error {
	last := t.last[d]
	if held, ok := t.pending[d]; ok {
		if held == nonce {
			return &ReplayError{Direction: d, Got: nonce, Last: last, Reason: "nonce already reserved"}
		}
		return &ReplayError{Direction: d, Got: nonce, Last: last, Reason: fmt.Sprintf("nonce %d in flight", held)}
	}
	switch t.modes[d] {
	case Monotonic:
		if nonce <= last {
			return &ReplayError{Direction: d, Got: nonce, Last: last, Reason: "nonce not above last accepted"}
		}
	default:
		expected := last + 1
		switch {
		case nonce <= last:
			return &ReplayError{Direction: d, Got: nonce, Last: last, Expected: expected, Reason: "nonce already used"}
		case nonce > expected:
			return &ReplayError{Direction: d, Got: nonce, Last: last, Expected: expected, Reason: "nonce gap"}
		}
	}
	return nil
}

// ValidateAndAdvance accepts nonce and records it as the last one, or
// rejects it and leaves state untouched. It is Reserve and Commit in one
// step, for callers with nothing to submit in between.
func (t *Tracker) ValidateAndAdvance(d Direction, nonce uint64) (Decision, error) {
	r, err := t.Reserve(d, nonce)
	if err != nil {
		return Decision{}, err
	}
	return r.Commit(), nil
}

// Reservation holds a nonce between Reserve and Commit or Release.
type Reservation struct {
	t     *Tracker
	d     Direction
	nonce uint64
	done  bool
}

// Reserve claims nonce for a submission that has not happened yet. While the
// reservation is open every other nonce of the direction is rejected, the
// same nonce included, so two claimants can never both submit.
func (t *Tracker) Reserve(d Direction, nonce uint64) (*Reservation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkLocked(d, nonce); err != nil {
		t.logger.Warn("nonce reservation rejected",
			zap.Stringer("direction", d),
			zap.Uint64("nonce", nonce),
			zap.Error(err))
		return nil, err
	}
	t.pending[d] = nonce
	return &Reservation{t: t, d: d, nonce: nonce}, nil
}

// Commit advances the direction to the reserved nonce.
func (r *Reservation) Commit() Decision {
	t := r.t
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.last[r.d]
	if !r.done {
		r.done = true
		delete(t.pending, r.d)
		if r.nonce > prev {
			t.last[r.d] = r.nonce
		}
	}
	return Decision{Direction: r.d, Nonce: r.nonce, Previous: prev}
}

// Release gives the nonce back without advancing. It is a no-op after Commit.
func (r *Reservation) Release() {
	t := r.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if !r.done {
		r.done = true
		delete(t.pending, r.d)
	}
}

// Seed raises the last nonce of a direction, typically from the ledger at
// start-up. It never lowers it and reports whether it changed anything.
func (t *Tracker) Seed(d Direction, last uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if last <= t.last[d] {
		return false
	}
	t.last[d] = last
	return true
}

// Last returns the last accepted nonce of a direction.
func (t *Tracker) Last(d Direction) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last[d]
}

// State returns a snapshot of every direction.
func (t *Tracker) State() []NonceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]NonceState, 0, len(t.last))
	for d, n := range t.last {
		mode := "strict"
		if t.modes[d] == Monotonic {
			mode = "monotonic"
		}
		out = append(out, NonceState{Direction: d, Name: d.String(), LastNonce: n, Mode: mode})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Direction < out[j].Direction })
	return out
}

// MarkProcessed records id. Only the first caller for an id gets true.
func (t *Tracker) MarkProcessed(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, errors.New("empty request id")
	}
	return t.processed.MarkProcessed(ctx, id)
}

// IsProcessed reports whether id was already marked.
func (t *Tracker) IsProcessed(ctx context.Context, id string) (bool, error) {
	return t.processed.Contains(ctx, id)
}

// ProcessedCount returns the size of the processed set.
func (t *Tracker) ProcessedCount(ctx context.Context) (int, error) {
	return t.processed.Len(ctx)
}

// Guard reserves id, then runs fn. If fn fails the reservation is released
// so the request can be retried; on success it stays.
func (t *Tracker) Guard(ctx context.Context, id string, fn func(context.Context) error) error {
	ok, err := t.MarkProcessed(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to reserve %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrAlreadyProcessed)
	}

	if err := fn(ctx); err != nil {
		if relErr := t.processed.Release(context.WithoutCancel(ctx), id); relErr != nil {
			t.logger.Error("failed to release request reservation",
				zap.String("request_id", id),
				zap.Error(relErr))
		}
		return err
	}
	return nil
}
