package keeper

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/settlementrelay/internal/ledger"
	"github.com/terminal-bench/settlementrelay/internal/ledger/ledgertest"
	"github.com/terminal-bench/settlementrelay/internal/oracle"
	"github.com/terminal-bench/settlementrelay/internal/replay"
	"github.com/terminal-bench/settlementrelay/internal/validator"
)

const operator = "minted-operator::1220ab"

var (
	bridgeT   = ledger.MustTemplateID("pkg:Minted.Protocol.V3:BridgeService")
	bridgeInT = ledger.MustTemplateID("pkg:Minted.Protocol.V3:BridgeInRequest")
)

type priceView struct {
	assets []string
	last   map[string]oracle.ConsensusPrice
}

func (p priceView) Assets() []string { return p.assets }

func (p priceView) LastAccepted(asset string) (oracle.ConsensusPrice, bool) {
	cp, ok := p.last[asset]
	return cp, ok
}

func TestStalenessWatchdog(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	view := priceView{
		assets: []string{"ETH", "BTC"},
		last: map[string]oracle.ConsensusPrice{
			"ETH": {Asset: "ETH", Price: decimal.NewFromInt(3000), At: now.Add(-time.Minute)},
			"BTC": {Asset: "BTC", Price: decimal.NewFromInt(60000), At: now.Add(-10 * time.Minute)},
		},
	}

	t.Run("should flag assets older than the max age", func(t *testing.T) {
		w := NewStalenessWatchdog(view, 5*time.Minute, nil)
		w.now = func() time.Time { return now }
		err := w.Tick(context.Background())
		assert.ErrorIs(t, err, ErrStalePrice)
		assert.Contains(t, err.Error(), "BTC")
		assert.NotContains(t, err.Error(), "ETH")
	})

	t.Run("should pass when every price is fresh", func(t *testing.T) {
		w := NewStalenessWatchdog(view, time.Hour, nil)
		w.now = func() time.Time { return now }
		assert.NoError(t, w.Tick(context.Background()))
	})

	t.Run("should measure never-priced assets from start", func(t *testing.T) {
		w := NewStalenessWatchdog(priceView{assets: []string{"SOL"}}, time.Minute, nil)
		w.started = now
		w.now = func() time.Time { return now.Add(30 * time.Second) }
		assert.NoError(t, w.Tick(context.Background()))

		w.now = func() time.Time { return now.Add(2 * time.Minute) }
		assert.ErrorIs(t, w.Tick(context.Background()), ErrStalePrice)
	})
}

type memJournal struct {
	mu      sync.Mutex
	applied []string
}

func (j *memJournal) RecordAttestation(_ context.Context, id string, nonce uint64, updateID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.applied = append(j.applied, fmt.Sprintf("%s/%d/%s", id, nonce, updateID))
	return nil
}

type observerFixture struct {
	fake     *ledgertest.Fake
	tracker  *replay.Tracker
	journal  *memJournal
	observer *AttestationObserver
}

func newObserverFixture() *observerFixture {
	fake := ledgertest.New()
	fake.Add(ledger.Contract{TemplateID: bridgeT, Arguments: map[string]interface{}{
		"operator":           operator,
		"lastBridgeInNonce":  "0",
		"lastBridgeOutNonce": "0",
	}}, operator)
	v := validator.New(validator.DefaultSchemas(validator.Templates{Bridge: bridgeT, BridgeIn: bridgeInT}, validator.DefaultChoices())...)
	tr := replay.NewTracker(nil)
	p := replay.NewAttestationProcessor(replay.ProcessorConfig{Operator: operator, BridgeService: bridgeT}, tr, fake, v, nil, nil)
	j := &memJournal{}
	return &observerFixture{
		fake:     fake,
		tracker:  tr,
		journal:  j,
		observer: NewAttestationObserver(fake, p, operator, bridgeInT, j, nil),
	}
}

func (f *observerFixture) request(nonce int) {
	f.fake.Add(ledger.Contract{TemplateID: bridgeInT, Arguments: map[string]interface{}{
		"operator":      operator,
		"nonce":         fmt.Sprint(nonce),
		"attestationId": fmt.Sprintf("att-%d", nonce),
	}}, operator)
}

func TestAttestationObserver(t *testing.T) {
	ctx := context.Background()

	t.Run("should process requests in nonce order", func(t *testing.T) {
		f := newObserverFixture()
		f.request(2)
		f.request(1)
		f.request(3)

		require.NoError(t, f.observer.Tick(ctx))
		subs := f.fake.Submissions()
		require.Len(t, subs, 3)
		for i, sub := range subs {
			assert.Equal(t, fmt.Sprintf("att-%d", i+1), sub.Commands[0].Arguments["attestationId"])
		}
		assert.Equal(t, uint64(3), f.tracker.Last(replay.In))
		assert.Equal(t, []string{"att-1/1/update-1", "att-2/2/update-2", "att-3/3/update-3"}, f.journal.applied)
	})

	t.Run("should skip replays on later cycles", func(t *testing.T) {
		f := newObserverFixture()
		f.request(1)
		require.NoError(t, f.observer.Tick(ctx))
		require.NoError(t, f.observer.Tick(ctx))
		assert.Len(t, f.fake.Submissions(), 1)
	})

	t.Run("should skip a gap until it closes", func(t *testing.T) {
		f := newObserverFixture()
		f.request(2)
		require.NoError(t, f.observer.Tick(ctx))
		assert.Empty(t, f.fake.Submissions())

		f.request(1)
		require.NoError(t, f.observer.Tick(ctx))
		assert.Len(t, f.fake.Submissions(), 2)
		assert.Equal(t, uint64(2), f.tracker.Last(replay.In))
	})

	t.Run("should end the cycle on ledger failure and retry later", func(t *testing.T) {
		f := newObserverFixture()
		f.request(1)
		f.request(2)
		f.fake.SubmitErr = fmt.Errorf("%w: 503", ledger.ErrTransient)

		err := f.observer.Tick(ctx)
		assert.ErrorIs(t, err, ledger.ErrTransient)
		assert.Zero(t, f.tracker.Last(replay.In))

		f.fake.SubmitErr = nil
		require.NoError(t, f.observer.Tick(ctx))
		assert.Len(t, f.fake.Submissions(), 2)
	})

	t.Run("should skip unreadable requests", func(t *testing.T) {
		f := newObserverFixture()
		f.fake.Add(ledger.Contract{TemplateID: bridgeInT, Arguments: map[string]interface{}{"nonce": "x"}}, operator)
		f.request(1)
		require.NoError(t, f.observer.Tick(ctx))
		assert.Len(t, f.fake.Submissions(), 1)
	})
}
