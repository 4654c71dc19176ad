package settlement

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/settlementrelay/internal/ledger"
	pdec "github.com/terminal-bench/settlementrelay/pkg/decimal"
)

// Batch is the ordered command list submitted as one transaction.
type Batch struct {
	Key            string
	CommandID      string
	Commands       []ledger.Command
	Change         decimal.Decimal
	Consumed       []string
	OperatorInputs []string
}

// BuildBatch archives the caller's selected tokens, returns any excess as a
// change token, escrows the requested amount to the operator and exercises
// the redemption over the operator's inputs.
func BuildBatch(cfg Config, req Request, caller, operatorInputs []Token, serviceID string) (Batch, error) {
	if len(caller) == 0 {
		return Batch{}, errors.New("no caller tokens selected")
	}
	if len(operatorInputs) == 0 {
		return Batch{}, errors.New("no operator inventory selected")
	}

	issuer := cfg.Issuer
	if issuer == "" {
		issuer = caller[0].Issuer
	}
	if issuer == "" {
		issuer = cfg.Operator
	}

	b := Batch{
		Key:            req.IdempotencyKey,
		CommandID:      CommandID(req.IdempotencyKey),
		Consumed:       contractIDs(caller),
		OperatorInputs: contractIDs(operatorInputs),
	}

	for _, t := range caller {
		tmpl := t.TemplateID
		if tmpl.IsZero() {
			tmpl = cfg.Token
		}
		b.Commands = append(b.Commands, ledger.Archive(tmpl, t.ContractID))
	}

	b.Change = Total(caller).Sub(req.Amount)
	if b.Change.IsPositive() {
		b.Commands = append(b.Commands, ledger.Create(cfg.Token, map[string]interface{}{
			"issuer": issuer,
			"owner":  req.Party,
			"amount": pdec.LedgerString(b.Change),
		}))
	}

	b.Commands = append(b.Commands, ledger.Create(cfg.Escrow, map[string]interface{}{
		"operator": cfg.Operator,
		"owner":    cfg.Operator,
		"issuer":   issuer,
		"amount":   pdec.LedgerString(req.Amount),
	}))

	inputs := make([]interface{}, 0, len(operatorInputs))
	for _, id := range b.OperatorInputs {
		inputs = append(inputs, id)
	}
	b.Commands = append(b.Commands, ledger.Exercise(cfg.Service, serviceID, cfg.RedeemChoice, map[string]interface{}{
		"user":          req.Party,
		"amount":        pdec.LedgerString(req.Amount),
		"inventoryCids": inputs,
	}))
	return b, nil
}
