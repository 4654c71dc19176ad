package replay

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/terminal-bench/settlementrelay/internal/ledger"
	"github.com/terminal-bench/settlementrelay/internal/validator"
	"github.com/terminal-bench/settlementrelay/pkg/messaging"
)

var (
	ErrBridgePaused = errors.New("bridge service is paused")
	ErrNoBridge     = errors.New("no active bridge service contract")
)

// attestationNamespace derives deterministic command ids from attestation ids.
var attestationNamespace = uuid.MustParse("6f1c1e7a-3b0d-5c4e-9a7b-2d8f4e6a1c30")

// Attestation is a cross-ledger claim that must be consumed exactly once.
type Attestation struct {
	ContractID string
	ID         string
	Nonce      uint64
	Amount     decimal.Decimal
	Recipient  string
}

// AttestationFromContract reads an inbound bridge request contract.
func AttestationFromContract(c ledger.Contract) (Attestation, error) {
	nonce, err := c.Int("nonce")
	if err != nil {
		return Attestation{}, err
	}
	if nonce < 0 {
		return Attestation{}, fmt.Errorf("contract %s: negative nonce %d", c.ContractID, nonce)
	}
	att := Attestation{
		ContractID: c.ContractID,
		ID:         c.Text("attestationId"),
		Nonce:      uint64(nonce),
		Recipient:  c.Text("recipient"),
	}
	if att.ID == "" {
		att.ID = c.ContractID
	}
	if _, ok := c.Arguments["amount"]; ok {
		if att.Amount, err = c.Numeric("amount"); err != nil {
			return Attestation{}, err
		}
	}
	return att, nil
}

// ProcessorConfig names the bridge service the processor exercises.
type ProcessorConfig struct {
	Operator      string
	BridgeService ledger.TemplateID
	Choice        string
}

// AttestationProcessor validates and consumes inbound attestations.
type AttestationProcessor struct {
	cfg       ProcessorConfig
	tracker   *Tracker
	gateway   ledger.Gateway
	validator *validator.Validator
	publisher messaging.Publisher
	logger    *zap.Logger
}

// NewAttestationProcessor creates a processor.
func NewAttestationProcessor(cfg ProcessorConfig, tracker *Tracker, gw ledger.Gateway, v *validator.Validator, pub messaging.Publisher, logger *zap.Logger) *AttestationProcessor {
	if cfg.Choice == "" {
		cfg.Choice = validator.DefaultChoices().BridgeIn
	}
	if pub == nil {
		pub = messaging.NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AttestationProcessor{
		cfg:       cfg,
		tracker:   tracker,
		gateway:   gw,
		validator: v,
		publisher: pub,
		logger:    logger,
	}
}

// Process consumes one attestation: the nonce must be next in sequence and
// the attestation id must not have been processed before. Both the nonce and
// the id are reserved before submission and stay taken only if the ledger
// accepted it.
func (p *AttestationProcessor) Process(ctx context.Context, att Attestation) (ledger.Result, error) {
	reservation, err := p.tracker.Reserve(In, att.Nonce)
	if err != nil {
		p.reject(ctx, att, err)
		return ledger.Result{}, err
	}
	result, err := p.submit(ctx, att)
	if err != nil {
		reservation.Release()
		if errors.Is(err, ErrReplay) {
			p.reject(ctx, att, err)
		}
		return ledger.Result{}, err
	}
	reservation.Commit()

	p.logger.Info("attestation applied",
		zap.String("attestation_id", att.ID),
		zap.Uint64("nonce", att.Nonce),
		zap.String("update_id", result.UpdateID))
	if err := p.publisher.Publish(ctx, messaging.SubjectAttestationApplied, messaging.ReplayEvent{
		Direction: In.String(),
		RequestID: att.ID,
		Nonce:     att.Nonce,
		Reason:    "applied",
	}); err != nil {
		p.logger.Warn("failed to publish attestation event", zap.Error(err))
	}
	return result, nil
}

func (p *AttestationProcessor) submit(ctx context.Context, att Attestation) (ledger.Result, error) {
	if done, err := p.tracker.IsProcessed(ctx, att.ID); err != nil {
		return ledger.Result{}, err
	} else if done {
		return ledger.Result{}, fmt.Errorf("attestation %s: %w", att.ID, ErrAlreadyProcessed)
	}

	service, err := p.bridgeService(ctx)
	if err != nil {
		return ledger.Result{}, err
	}

	cmd := ledger.Exercise(p.cfg.BridgeService, service.ContractID, p.cfg.Choice, map[string]interface{}{
		"requestCid":    att.ContractID,
		"nonce":         strconv.FormatUint(att.Nonce, 10),
		"attestationId": att.ID,
	})
	if err := p.validator.Validate(cmd); err != nil {
		return ledger.Result{}, err
	}

	var result ledger.Result
	err = p.tracker.Guard(ctx, att.ID, func(ctx context.Context) error {
		res, err := p.gateway.SubmitAtomic(ctx, ledger.Submission{
			ActAs:     []string{p.cfg.Operator},
			CommandID: "bridge-in-" + uuid.NewSHA1(attestationNamespace, []byte(att.ID)).String(),
			Commands:  []ledger.Command{cmd},
		})
		result = res
		return err
	})
	return result, err
}

func (p *AttestationProcessor) bridgeService(ctx context.Context) (ledger.Contract, error) {
	offset, err := p.gateway.LedgerEnd(ctx)
	if err != nil {
		return ledger.Contract{}, err
	}
	services, err := p.gateway.QueryActive(ctx, p.cfg.Operator, []ledger.TemplateID{p.cfg.BridgeService}, offset)
	if err != nil {
		return ledger.Contract{}, err
	}
	if len(services) == 0 {
		return ledger.Contract{}, ErrNoBridge
	}
	service := services[0]
	if paused, _ := service.Arguments["paused"].(bool); paused {
		return ledger.Contract{}, ErrBridgePaused
	}
	return service, nil
}

func (p *AttestationProcessor) reject(ctx context.Context, att Attestation, err error) {
	p.logger.Warn("attestation rejected",
		zap.String("attestation_id", att.ID),
		zap.Uint64("nonce", att.Nonce),
		zap.Error(err))
	_ = p.publisher.Publish(ctx, messaging.SubjectReplayRejected, messaging.ReplayEvent{
		Direction: In.String(),
		RequestID: att.ID,
		Nonce:     att.Nonce,
		Reason:    err.Error(),
	})
}

// SeedNonces initialises the tracker from the bridge service contract's
// lastBridgeInNonce and lastBridgeOutNonce fields.
func SeedNonces(ctx context.Context, t *Tracker, gw ledger.Gateway, operator string, bridge ledger.TemplateID) error {
	offset, err := gw.LedgerEnd(ctx)
	if err != nil {
		return err
	}
	services, err := gw.QueryActive(ctx, operator, []ledger.TemplateID{bridge}, offset)
	if err != nil {
		return err
	}
	if len(services) == 0 {
		return ErrNoBridge
	}
	for field, dir := range map[string]Direction{"lastBridgeInNonce": In, "lastBridgeOutNonce": Out} {
		n, err := services[0].Int(field)
		if err != nil {
			return err
		}
		if n > 0 {
			t.Seed(dir, uint64(n))
		}
	}
	return nil
}
