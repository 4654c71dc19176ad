// Package poller runs fixed-interval loops that survive failing cycles.
package poller

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/settlementrelay/pkg/messaging"
)

var (
	ErrAlreadyRunning = errors.New("loop is already running")
	ErrPanic          = errors.New("tick panicked")
)

// TickFunc is one poll cycle.
type TickFunc func(ctx context.Context) error

// Alert is raised after a run of consecutive failed cycles.
type Alert struct {
	Loop     string
	Failures int
	Err      error
}

// Stats is a snapshot of a loop's history.
type Stats struct {
	Name                string    `json:"name"`
	Interval            string    `json:"interval"`
	Running             bool      `json:"running"`
	Runs                int64     `json:"runs"`
	Failures            int64     `json:"failures"`
	Panics              int64     `json:"panics"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastRunAt           time.Time `json:"last_run_at"`
	LastSuccessAt       time.Time `json:"last_success_at"`
}

// Loop invokes a tick once per interval until stopped. A failing or
// panicking tick is logged and counted; it never ends the loop.
type Loop struct {
	name        string
	interval    time.Duration
	tick        TickFunc
	tickTimeout time.Duration
	alertAfter  int
	onAlert     func(context.Context, Alert)
	logger      *zap.Logger

	running  atomic.Bool
	stopped  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once

	mu    sync.Mutex
	stats Stats
}

// Option configures a Loop.
type Option func(*Loop)

// WithAlert calls fn every time the consecutive failure count reaches a
// multiple of after.
func WithAlert(after int, fn func(context.Context, Alert)) Option {
	return func(l *Loop) {
		if after > 0 {
			l.alertAfter = after
		}
		l.onAlert = fn
	}
}

// WithTickTimeout bounds each cycle.
func WithTickTimeout(d time.Duration) Option {
	return func(l *Loop) { l.tickTimeout = d }
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a loop. The first tick runs as soon as Run is called.
func New(name string, interval time.Duration, tick TickFunc, opts ...Option) *Loop {
	if interval <= 0 {
		interval = time.Second
	}
	l := &Loop{
		name:       name,
		interval:   interval,
		tick:       tick,
		alertAfter: 5,
		logger:     zap.NewNop(),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(zap.String("loop", name))
	l.stats.Name = name
	l.stats.Interval = interval.String()
	return l
}

// Name returns the loop name.
func (l *Loop) Name() string {
	return l.name
}

// Run blocks until Stop is called or ctx is done. A cycle in flight is never
// interrupted: it runs on a context detached from ctx's cancellation.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer l.running.Store(false)

	l.logger.Info("loop started", zap.Duration("interval", l.interval))
	defer l.logger.Info("loop stopped")

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		if l.stopped.Load() || ctx.Err() != nil {
			return nil
		}
		l.runOnce(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-l.stopCh:
			return nil
		case <-ticker.C:
		}
	}
}

// Stop asks the loop to exit before its next cycle.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.stopped.Store(true)
		close(l.stopCh)
	})
}

// Stats returns a snapshot.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stats
	s.Running = l.running.Load()
	return s
}

func (l *Loop) runOnce(parent context.Context) {
	ctx := context.WithoutCancel(parent)
	if l.tickTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.tickTimeout)
		defer cancel()
	}

	started := time.Now()
	err := l.safeTick(ctx)

	l.mu.Lock()
	l.stats.Runs++
	l.stats.LastRunAt = started
	if err == nil {
		l.stats.ConsecutiveFailures = 0
		l.stats.LastSuccessAt = started
		l.stats.LastError = ""
		l.mu.Unlock()
		return
	}
	l.stats.Failures++
	if errors.Is(err, ErrPanic) {
		l.stats.Panics++
	}
	l.stats.ConsecutiveFailures++
	l.stats.LastError = err.Error()
	consecutive := l.stats.ConsecutiveFailures
	l.mu.Unlock()

	l.logger.Warn("tick failed",
		zap.Int("consecutive_failures", consecutive),
		zap.Duration("elapsed", time.Since(started)),
		zap.Error(err))

	if l.onAlert != nil && consecutive%l.alertAfter == 0 {
		l.logger.Error("loop failing repeatedly", zap.Int("consecutive_failures", consecutive))
		l.onAlert(ctx, Alert{Loop: l.name, Failures: consecutive, Err: err})
	}
}

func (l *Loop) safeTick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("tick panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return l.tick(ctx)
}

// PublishAlerts returns an alert handler that publishes to the alert subject.
func PublishAlerts(pub messaging.Publisher, logger *zap.Logger) func(context.Context, Alert) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, a Alert) {
		msg := ""
		if a.Err != nil {
			msg = a.Err.Error()
		}
		if err := pub.Publish(ctx, messaging.SubjectAlert, messaging.AlertEvent{
			Loop:     a.Loop,
			Failures: a.Failures,
			Message:  msg,
		}); err != nil {
			logger.Warn("failed to publish alert", zap.String("loop", a.Loop), zap.Error(err))
		}
	}
}

// Group runs loops as peers.
type Group struct {
	loops []*Loop
}

func NewGroup(loops ...*Loop) *Group {
	return &Group{loops: loops}
}

func (g *Group) Add(l *Loop) {
	g.loops = append(g.loops, l)
}

// Run starts every loop and waits for all of them to return.
func (g *Group) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, l := range g.loops {
		l := l
		eg.Go(func() error { return l.Run(ctx) })
	}
	return eg.Wait()
}

// Stop stops every loop.
func (g *Group) Stop() {
	for _, l := range g.loops {
		l.Stop()
	}
}

// Stats returns a snapshot per loop, in insertion order.
func (g *Group) Stats() []Stats {
	out := make([]Stats, 0, len(g.loops))
	for _, l := range g.loops {
		out = append(out, l.Stats())
	}
	return out
}
