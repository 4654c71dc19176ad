package circuit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errBoom = errors.New("failure")

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg Config) (*Breaker, *clock) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBreaker(cfg)
	b.now = c.Now
	return b, c
}

func fail() error    { return errBoom }
func succeed() error { return nil }

func TestBreakerClosed(t *testing.T) {
	t.Run("should allow requests when closed", func(t *testing.T) {
		b, _ := newTestBreaker(Config{MaxFailures: 3})
		assert.NoError(t, b.Execute(context.Background(), succeed))
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("should track failures and reset them on success", func(t *testing.T) {
		b, _ := newTestBreaker(Config{MaxFailures: 3})
		_ = b.Execute(context.Background(), fail)
		_ = b.Execute(context.Background(), fail)
		assert.Equal(t, 2, b.Failures())

		_ = b.Execute(context.Background(), succeed)
		assert.Equal(t, 0, b.Failures())
	})

	t.Run("should ignore errors that are not failures", func(t *testing.T) {
		rejected := errors.New("rejected by ledger")
		b, _ := newTestBreaker(Config{
			MaxFailures: 1,
			IsFailure:   func(err error) bool { return !errors.Is(err, rejected) },
		})
		err := b.Execute(context.Background(), func() error { return rejected })
		assert.ErrorIs(t, err, rejected)
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("should honour a cancelled context", func(t *testing.T) {
		b, _ := newTestBreaker(Config{MaxFailures: 1})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		called := false
		err := b.Execute(ctx, func() error { called = true; return nil })
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, called)
	})
}

func TestBreakerOpen(t *testing.T) {
	t.Run("should open after max failures and reject requests", func(t *testing.T) {
		b, _ := newTestBreaker(Config{MaxFailures: 3, Timeout: time.Second})
		for i := 0; i < 3; i++ {
			_ = b.Execute(context.Background(), fail)
		}
		assert.Equal(t, StateOpen, b.State())
		assert.Equal(t, ErrCircuitOpen, b.Execute(context.Background(), succeed))
	})

	t.Run("should stay open without timeout until reset", func(t *testing.T) {
		b, c := newTestBreaker(Config{MaxFailures: 1})
		_ = b.Execute(context.Background(), fail)
		c.Advance(24 * time.Hour)
		assert.ErrorIs(t, b.Execute(context.Background(), succeed), ErrCircuitOpen)

		b.Reset()
		assert.Equal(t, StateClosed, b.State())
		assert.NoError(t, b.Execute(context.Background(), succeed))
	})

	t.Run("should open when forced", func(t *testing.T) {
		b, c := newTestBreaker(Config{MaxFailures: 5})
		b.ForceOpen()
		assert.Equal(t, StateOpen, b.State())
		assert.Equal(t, c.Now(), b.OpenedAt())
	})
}

func TestBreakerHalfOpen(t *testing.T) {
	t.Run("should close after successful half-open requests", func(t *testing.T) {
		b, c := newTestBreaker(Config{MaxFailures: 1, Timeout: 100 * time.Millisecond, HalfOpenMax: 2})
		_ = b.Execute(context.Background(), fail)
		c.Advance(150 * time.Millisecond)

		assert.NoError(t, b.Execute(context.Background(), succeed))
		assert.Equal(t, StateHalfOpen, b.State())
		assert.NoError(t, b.Execute(context.Background(), succeed))
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("should re-open on failure in half-open", func(t *testing.T) {
		b, c := newTestBreaker(Config{MaxFailures: 1, Timeout: 100 * time.Millisecond, HalfOpenMax: 2})
		_ = b.Execute(context.Background(), fail)
		c.Advance(150 * time.Millisecond)

		_ = b.Execute(context.Background(), fail)
		assert.Equal(t, StateOpen, b.State())
	})

	t.Run("should limit concurrent half-open probes", func(t *testing.T) {
		b, c := newTestBreaker(Config{MaxFailures: 1, Timeout: time.Millisecond, HalfOpenMax: 1})
		_ = b.Execute(context.Background(), fail)
		c.Advance(time.Second)

		release := make(chan struct{})
		started := make(chan struct{})
		done := make(chan error, 1)
		go func() {
			done <- b.Execute(context.Background(), func() error {
				close(started)
				<-release
				return nil
			})
		}()
		<-started

		assert.ErrorIs(t, b.Execute(context.Background(), succeed), ErrTooManyRequests)
		close(release)
		assert.NoError(t, <-done)
		assert.Equal(t, StateClosed, b.State())
	})
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	b, _ := newTestBreaker(Config{
		Name:        "ledger",
		MaxFailures: 1,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			seen = append(seen, name+":"+from.String()+"->"+to.String())
			mu.Unlock()
		},
	})

	_ = b.Execute(context.Background(), fail)
	b.Reset()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"ledger:closed->open", "ledger:open->closed"}, seen)
}

func TestBreakerGroup(t *testing.T) {
	g := NewBreakerGroup(Config{MaxFailures: 1})
	assert.Same(t, g.Get("submit"), g.Get("submit"))

	_ = g.Execute(context.Background(), "submit", fail)
	_ = g.Execute(context.Background(), "query", succeed)

	states := g.States()
	assert.Equal(t, StateOpen, states["submit"])
	assert.Equal(t, StateClosed, states["query"])
	assert.Equal(t, "submit", g.Get("submit").Name())
}
