package replay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/settlementrelay/internal/ledger"
	"github.com/terminal-bench/settlementrelay/internal/ledger/ledgertest"
	"github.com/terminal-bench/settlementrelay/internal/validator"
	"github.com/terminal-bench/settlementrelay/pkg/messaging"
)

const operator = "minted-operator::1220ab"

var (
	bridgeT   = ledger.MustTemplateID("pkg:Minted.Protocol.V3:BridgeService")
	bridgeInT = ledger.MustTemplateID("pkg:Minted.Protocol.V3:BridgeInRequest")
)

type fixture struct {
	fake      *ledgertest.Fake
	tracker   *Tracker
	pub       *messaging.MemoryPublisher
	processor *AttestationProcessor
	serviceID string
}

func newFixture(t *testing.T, serviceArgs map[string]interface{}) *fixture {
	t.Helper()
	fake := ledgertest.New()
	if serviceArgs == nil {
		serviceArgs = map[string]interface{}{
			"operator":           operator,
			"lastBridgeInNonce":  "0",
			"lastBridgeOutNonce": "0",
			"paused":             false,
		}
	}
	id := fake.Add(ledger.Contract{TemplateID: bridgeT, Arguments: serviceArgs}, operator)

	v := validator.New(validator.DefaultSchemas(validator.Templates{Bridge: bridgeT, BridgeIn: bridgeInT}, validator.DefaultChoices())...)
	tr := NewTracker(nil)
	pub := &messaging.MemoryPublisher{}
	p := NewAttestationProcessor(ProcessorConfig{Operator: operator, BridgeService: bridgeT}, tr, fake, v, pub, nil)
	return &fixture{fake: fake, tracker: tr, pub: pub, processor: p, serviceID: id}
}

// heldGateway parks every submission until release is closed.
type heldGateway struct {
	*ledgertest.Fake
	entered chan struct{}
	release chan struct{}
}

func (g *heldGateway) SubmitAtomic(ctx context.Context, sub ledger.Submission) (ledger.Result, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.Fake.SubmitAtomic(ctx, sub)
}

func TestAttestationFromContract(t *testing.T) {
	att, err := AttestationFromContract(ledger.Contract{
		ContractID: "00req",
		TemplateID: bridgeInT,
		Arguments: map[string]interface{}{
			"nonce":  json.Number("4"),
			"amount": "250.0",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), att.Nonce)
	assert.Equal(t, "00req", att.ID)
	assert.Equal(t, "250", att.Amount.String())

	_, err = AttestationFromContract(ledger.Contract{ContractID: "x", Arguments: map[string]interface{}{}})
	assert.Error(t, err)
}

func TestAttestationProcessor(t *testing.T) {
	ctx := context.Background()

	t.Run("should submit the bridge-in exercise and advance the nonce", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.processor.Process(ctx, Attestation{ContractID: "00req1", ID: "att-1", Nonce: 1})
		require.NoError(t, err)

		subs := f.fake.Submissions()
		require.Len(t, subs, 1)
		cmd := subs[0].Commands[0]
		assert.Equal(t, "ProcessBridgeIn", cmd.Choice)
		assert.Equal(t, f.serviceID, cmd.ContractID)
		assert.Equal(t, "1", cmd.Arguments["nonce"])
		assert.Equal(t, []string{operator}, subs[0].ActAs)
		assert.Equal(t, uint64(1), f.tracker.Last(In))
		assert.Len(t, f.pub.Messages(messaging.SubjectAttestationApplied), 1)
	})

	t.Run("should reject a replayed attestation without ledger calls", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.processor.Process(ctx, Attestation{ContractID: "00req1", ID: "att-1", Nonce: 1})
		require.NoError(t, err)

		_, err = f.processor.Process(ctx, Attestation{ContractID: "00req1", ID: "att-1", Nonce: 2})
		assert.ErrorIs(t, err, ErrAlreadyProcessed)
		assert.Len(t, f.fake.Submissions(), 1)
		assert.Len(t, f.pub.Messages(messaging.SubjectReplayRejected), 1)
	})

	t.Run("should reject out of sequence nonces", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.processor.Process(ctx, Attestation{ContractID: "00req3", ID: "att-3", Nonce: 3})
		var rerr *ReplayError
		require.True(t, errors.As(err, &rerr))
		assert.Empty(t, f.fake.Submissions())
		assert.Zero(t, f.tracker.Last(In))
	})

	t.Run("should release the attestation when the ledger fails", func(t *testing.T) {
		f := newFixture(t, nil)
		f.fake.SubmitErr = ledger.ErrTransient
		_, err := f.processor.Process(ctx, Attestation{ContractID: "00req1", ID: "att-1", Nonce: 1})
		assert.ErrorIs(t, err, ledger.ErrTransient)
		assert.Zero(t, f.tracker.Last(In))

		f.fake.SubmitErr = nil
		_, err = f.processor.Process(ctx, Attestation{ContractID: "00req1", ID: "att-1", Nonce: 1})
		assert.NoError(t, err)
	})

	t.Run("should consume a nonce once when two attestations claim it concurrently", func(t *testing.T) {
		f := newFixture(t, nil)
		gw := &heldGateway{Fake: f.fake, entered: make(chan struct{}, 2), release: make(chan struct{})}
		v := validator.New(validator.DefaultSchemas(validator.Templates{Bridge: bridgeT, BridgeIn: bridgeInT}, validator.DefaultChoices())...)
		p := NewAttestationProcessor(ProcessorConfig{Operator: operator, BridgeService: bridgeT}, f.tracker, gw, v, f.pub, nil)

		var wg sync.WaitGroup
		var firstErr error
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, firstErr = p.Process(ctx, Attestation{ContractID: "00reqA", ID: "att-A", Nonce: 1})
		}()
		<-gw.entered

		_, err := p.Process(ctx, Attestation{ContractID: "00reqB", ID: "att-B", Nonce: 1})
		var rerr *ReplayError
		require.True(t, errors.As(err, &rerr))
		assert.Equal(t, "nonce already reserved", rerr.Reason)
		assert.Len(t, f.pub.Messages(messaging.SubjectReplayRejected), 1)

		close(gw.release)
		wg.Wait()
		require.NoError(t, firstErr)
		assert.Len(t, f.fake.Submissions(), 1)
		assert.Equal(t, uint64(1), f.tracker.Last(In))

		_, err = f.processor.Process(ctx, Attestation{ContractID: "00reqB", ID: "att-B", Nonce: 1})
		assert.ErrorIs(t, err, ErrReplay)
		assert.Len(t, f.fake.Submissions(), 1)
	})

	t.Run("should free the nonce for the next attestation when the ledger fails", func(t *testing.T) {
		f := newFixture(t, nil)
		f.fake.SubmitErr = ledger.ErrTransient
		_, err := f.processor.Process(ctx, Attestation{ContractID: "00reqA", ID: "att-A", Nonce: 1})
		assert.ErrorIs(t, err, ledger.ErrTransient)

		f.fake.SubmitErr = nil
		_, err = f.processor.Process(ctx, Attestation{ContractID: "00reqB", ID: "att-B", Nonce: 1})
		assert.NoError(t, err)
		assert.Equal(t, uint64(1), f.tracker.Last(In))
	})

	t.Run("should refuse to submit while the bridge is paused", func(t *testing.T) {
		f := newFixture(t, map[string]interface{}{"operator": operator, "paused": true})
		_, err := f.processor.Process(ctx, Attestation{ContractID: "00req1", ID: "att-1", Nonce: 1})
		assert.ErrorIs(t, err, ErrBridgePaused)
	})
}

func TestSeedNonces(t *testing.T) {
	f := newFixture(t, map[string]interface{}{
		"operator":           operator,
		"lastBridgeInNonce":  "12",
		"lastBridgeOutNonce": json.Number("30"),
	})
	require.NoError(t, SeedNonces(context.Background(), f.tracker, f.fake, operator, bridgeT))
	assert.Equal(t, uint64(12), f.tracker.Last(In))
	assert.Equal(t, uint64(30), f.tracker.Last(Out))

	empty := ledgertest.New()
	assert.ErrorIs(t, SeedNonces(context.Background(), NewTracker(nil), empty, operator, bridgeT), ErrNoBridge)
}
