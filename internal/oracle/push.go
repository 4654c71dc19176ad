package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/terminal-bench/settlementrelay/internal/ledger"
	"github.com/terminal-bench/settlementrelay/internal/validator"
	pdec "github.com/terminal-bench/settlementrelay/pkg/decimal"
)

// DefaultGuardMarkers are substrings of ledger rejections raised by the
// on-ledger price movement guard.
var DefaultGuardMarkers = []string{"movement too large", "PRICE_MOVEMENT"}

var ErrNoOracle = errors.New("no active oracle contract")

// PusherConfig configures a LedgerPusher.
type PusherConfig struct {
	Operator     string
	Oracle       ledger.TemplateID
	Choice       string
	GuardMarkers []string
}

// LedgerPusher exercises the price update choice on the operator's oracle
// contract for the asset.
type LedgerPusher struct {
	cfg       PusherConfig
	gateway   ledger.Gateway
	validator *validator.Validator
	logger    *zap.Logger
}

func NewLedgerPusher(cfg PusherConfig, gw ledger.Gateway, v *validator.Validator, logger *zap.Logger) *LedgerPusher {
	if cfg.Choice == "" {
		cfg.Choice = validator.DefaultChoices().UpdatePrice
	}
	if len(cfg.GuardMarkers) == 0 {
		cfg.GuardMarkers = DefaultGuardMarkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerPusher{cfg: cfg, gateway: gw, validator: v, logger: logger}
}

// Push submits one price update. Ledger guard rejections are returned
// wrapped in ErrLedgerGuard.
func (p *LedgerPusher) Push(ctx context.Context, cp ConsensusPrice) error {
	oracle, err := p.findOracle(ctx, cp.Asset)
	if err != nil {
		return err
	}

	cmd := ledger.Exercise(p.cfg.Oracle, oracle.ContractID, p.cfg.Choice, map[string]interface{}{
		"asset":      cp.Asset,
		"newPrice":   pdec.LedgerString(cp.Price),
		"observedAt": cp.At.UTC().Format("2006-01-02T15:04:05.000000Z"),
	})
	if err := p.validator.Validate(cmd); err != nil {
		return err
	}

	res, err := p.gateway.SubmitAtomic(ctx, ledger.Submission{
		ActAs:     []string{p.cfg.Operator},
		CommandID: "price-" + cp.Asset + "-" + uuid.NewString(),
		Commands:  []ledger.Command{cmd},
	})
	if err != nil {
		if p.isGuard(err) {
			return fmt.Errorf("%w: %w", ErrLedgerGuard, err)
		}
		return err
	}
	p.logger.Debug("price pushed",
		zap.String("asset", cp.Asset),
		zap.String("update_id", res.UpdateID))
	return nil
}

func (p *LedgerPusher) isGuard(err error) bool {
	var rej *ledger.RejectedError
	if !errors.As(err, &rej) {
		return false
	}
	text := rej.Code + " " + rej.Message
	for _, marker := range p.cfg.GuardMarkers {
		if marker != "" && strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// findOracle prefers a contract whose asset field matches and falls back to
// a single asset-agnostic oracle.
func (p *LedgerPusher) findOracle(ctx context.Context, asset string) (ledger.Contract, error) {
	offset, err := p.gateway.LedgerEnd(ctx)
	if err != nil {
		return ledger.Contract{}, err
	}
	oracles, err := p.gateway.QueryActive(ctx, p.cfg.Operator, []ledger.TemplateID{p.cfg.Oracle}, offset)
	if err != nil {
		return ledger.Contract{}, err
	}
	var generic []ledger.Contract
	for _, c := range oracles {
		switch c.Text("asset") {
		case asset:
			return c, nil
		case "":
			generic = append(generic, c)
		}
	}
	if len(generic) == 1 {
		return generic[0], nil
	}
	return ledger.Contract{}, fmt.Errorf("%w for %s", ErrNoOracle, asset)
}
