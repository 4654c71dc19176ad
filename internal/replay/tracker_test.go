package replay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/terminal-bench/settlementrelay/internal/store"
)

func TestValidateAndAdvanceStrict(t *testing.T) {
	t.Run("should accept the next nonce", func(t *testing.T) {
		tr := NewTracker(nil)
		d, err := tr.ValidateAndAdvance(Out, 1)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), d.Previous)
		assert.Equal(t, uint64(1), tr.Last(Out))
	})

	t.Run("should reject reused nonces without mutating state", func(t *testing.T) {
		tr := NewTracker(nil)
		_, _ = tr.ValidateAndAdvance(Out, 1)
		_, _ = tr.ValidateAndAdvance(Out, 2)

		_, err := tr.ValidateAndAdvance(Out, 2)
		var rerr *ReplayError
		require.True(t, errors.As(err, &rerr))
		assert.ErrorIs(t, err, ErrReplay)
		assert.Equal(t, "nonce already used", rerr.Reason)
		assert.Equal(t, uint64(2), tr.Last(Out))
	})

	t.Run("should reject gaps", func(t *testing.T) {
		tr := NewTracker(nil)
		_, err := tr.ValidateAndAdvance(In, 5)
		var rerr *ReplayError
		require.True(t, errors.As(err, &rerr))
		assert.Equal(t, "nonce gap", rerr.Reason)
		assert.Equal(t, uint64(1), rerr.Expected)
		assert.Zero(t, tr.Last(In))
	})

	t.Run("should keep directions independent", func(t *testing.T) {
		tr := NewTracker(nil)
		_, _ = tr.ValidateAndAdvance(Out, 1)
		_, err := tr.ValidateAndAdvance(In, 1)
		assert.NoError(t, err)
	})
}

func TestValidateAndAdvanceMonotonic(t *testing.T) {
	tr := NewTracker(nil, WithMode(In, Monotonic))

	_, err := tr.ValidateAndAdvance(In, 10)
	require.NoError(t, err)
	_, err = tr.ValidateAndAdvance(In, 10)
	assert.ErrorIs(t, err, ErrReplay)
	_, err = tr.ValidateAndAdvance(In, 7)
	assert.ErrorIs(t, err, ErrReplay)
	_, err = tr.ValidateAndAdvance(In, 25)
	assert.NoError(t, err)
	assert.Equal(t, uint64(25), tr.Last(In))
}

func TestSeedAndState(t *testing.T) {
	tr := NewTracker(nil, WithMode(Out, Monotonic))
	assert.True(t, tr.Seed(In, 41))
	assert.False(t, tr.Seed(In, 3))
	_, err := tr.Reserve(In, 41)
	assert.ErrorIs(t, err, ErrReplay)
	res, err := tr.Reserve(In, 42)
	require.NoError(t, err)
	res.Release()
	assert.Equal(t, uint64(41), tr.Last(In))

	state := tr.State()
	require.Len(t, state, 2)
	assert.Equal(t, "in", state[0].Name)
	assert.Equal(t, uint64(41), state[0].LastNonce)
	assert.Equal(t, "strict", state[0].Mode)
	assert.Equal(t, "monotonic", state[1].Mode)
}

func TestNonceMonotonicityProperty(t *testing.T) {
	for _, mode := range []Mode{Strict, Monotonic} {
		mode := mode
		rapid.Check(t, func(t *rapid.T) {
			tr := NewTracker(nil, WithMode(Out, mode))
			attempts := rapid.SliceOf(rapid.Uint64Range(0, 30)).Draw(t, "nonces")

			var accepted []uint64
			for _, n := range attempts {
				before := tr.Last(Out)
				_, err := tr.ValidateAndAdvance(Out, n)
				if err != nil {
					if tr.Last(Out) != before {
						t.Fatalf("rejected nonce %d changed state from %d to %d", n, before, tr.Last(Out))
					}
					if n > before && mode == Monotonic {
						t.Fatalf("monotonic mode rejected %d above %d", n, before)
					}
					continue
				}
				if n <= before {
					t.Fatalf("accepted nonce %d not above %d", n, before)
				}
				if mode == Strict && n != before+1 {
					t.Fatalf("strict mode accepted %d after %d", n, before)
				}
				accepted = append(accepted, n)
			}
			for i := 1; i < len(accepted); i++ {
				if accepted[i] <= accepted[i-1] {
					t.Fatalf("accepted sequence not increasing: %v", accepted)
				}
			}
		})
	}
}

func TestReserve(t *testing.T) {
	t.Run("should advance only on commit", func(t *testing.T) {
		tr := NewTracker(nil)
		res, err := tr.Reserve(In, 1)
		require.NoError(t, err)
		assert.Zero(t, tr.Last(In))

		d := res.Commit()
		assert.Equal(t, uint64(1), d.Nonce)
		assert.Equal(t, uint64(0), d.Previous)
		assert.Equal(t, uint64(1), tr.Last(In))

		_, err = tr.Reserve(In, 1)
		assert.ErrorIs(t, err, ErrReplay)
	})

	t.Run("should reject a second claimant of a held nonce", func(t *testing.T) {
		tr := NewTracker(nil)
		res, err := tr.Reserve(In, 1)
		require.NoError(t, err)

		_, err = tr.Reserve(In, 1)
		var rerr *ReplayError
		require.True(t, errors.As(err, &rerr))
		assert.Equal(t, "nonce already reserved", rerr.Reason)

		_, err = tr.ValidateAndAdvance(In, 1)
		assert.ErrorIs(t, err, ErrReplay)

		res.Commit()
		assert.Equal(t, uint64(1), tr.Last(In))
	})

	t.Run("should hold the whole direction while a nonce is in flight", func(t *testing.T) {
		tr := NewTracker(nil, WithMode(In, Monotonic))
		res, err := tr.Reserve(In, 3)
		require.NoError(t, err)

		_, err = tr.Reserve(In, 4)
		assert.ErrorIs(t, err, ErrReplay)
		_, err = tr.Reserve(Out, 1)
		assert.NoError(t, err)

		res.Release()
		_, err = tr.Reserve(In, 4)
		assert.NoError(t, err)
	})

	t.Run("should leave state untouched on release", func(t *testing.T) {
		tr := NewTracker(nil)
		res, err := tr.Reserve(In, 1)
		require.NoError(t, err)
		res.Release()
		res.Commit()
		assert.Zero(t, tr.Last(In))

		again, err := tr.Reserve(In, 1)
		require.NoError(t, err)
		again.Commit()
		assert.Equal(t, uint64(1), tr.Last(In))
	})

	t.Run("should grant a nonce to exactly one of many claimants", func(t *testing.T) {
		tr := NewTracker(nil)
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := tr.Reserve(In, 1); err == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})
}

func TestMarkProcessedConcurrent(t *testing.T) {
	tr := NewTracker(store.NewMemoryProcessed())
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := tr.MarkProcessed(context.Background(), "att-1"); err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	_, err := tr.MarkProcessed(context.Background(), "")
	assert.Error(t, err)
}

func TestGuard(t *testing.T) {
	ctx := context.Background()

	t.Run("should keep the reservation after success", func(t *testing.T) {
		tr := NewTracker(nil)
		require.NoError(t, tr.Guard(ctx, "req-1", func(context.Context) error { return nil }))

		called := false
		err := tr.Guard(ctx, "req-1", func(context.Context) error { called = true; return nil })
		assert.ErrorIs(t, err, ErrAlreadyProcessed)
		assert.ErrorIs(t, err, ErrReplay)
		assert.False(t, called)
	})

	t.Run("should release the reservation after failure", func(t *testing.T) {
		tr := NewTracker(nil)
		boom := errors.New("ledger down")
		assert.ErrorIs(t, tr.Guard(ctx, "req-2", func(context.Context) error { return boom }), boom)

		done, err := tr.IsProcessed(ctx, "req-2")
		require.NoError(t, err)
		assert.False(t, done)
		assert.NoError(t, tr.Guard(ctx, "req-2", func(context.Context) error { return nil }))
	})

	t.Run("should run fn once under concurrent duplicates", func(t *testing.T) {
		tr := NewTracker(nil)
		var runs atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = tr.Guard(ctx, "req-3", func(context.Context) error { runs.Add(1); return nil })
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), runs.Load())
	})
}
