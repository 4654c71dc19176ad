package settlement

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/settlementrelay/internal/ledger"
)

var (
	ErrInsufficientBalance           = errors.New("insufficient balance")
	ErrInsufficientOperatorInventory = errors.New("insufficient operator inventory")
	ErrInvalidRequest                = errors.New("invalid settlement request")
	ErrNoService                     = errors.New("no active redemption service contract")
)

// InsufficientError reports how much is missing.
type InsufficientError struct {
	Kind      error
	Party     string
	Requested decimal.Decimal
	Available decimal.Decimal
	Shortfall decimal.Decimal
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("%v for %s: requested %s, available %s, shortfall %s",
		e.Kind, e.Party, e.Requested, e.Available, e.Shortfall)
}

func (e *InsufficientError) Unwrap() error { return e.Kind }

func insufficient(kind error, party string, requested, available decimal.Decimal) *InsufficientError {
	return &InsufficientError{
		Kind:      kind,
		Party:     party,
		Requested: requested,
		Available: available,
		Shortfall: requested.Sub(available),
	}
}

// Token is a holding contract that can be consumed by a settlement.
type Token struct {
	ContractID string
	TemplateID ledger.TemplateID
	Owner      string
	Issuer     string
	Amount     decimal.Decimal
	Reserved   bool
}

// TokenFromContract reads owner, issuer and amount from a token contract.
func TokenFromContract(c ledger.Contract) (Token, error) {
	amount, err := c.Numeric("amount")
	if err != nil {
		return Token{}, err
	}
	if !amount.IsPositive() {
		return Token{}, fmt.Errorf("contract %s: non-positive amount %s", c.ContractID, amount)
	}
	return Token{
		ContractID: c.ContractID,
		TemplateID: c.TemplateID,
		Owner:      c.Text("owner"),
		Issuer:     c.Text("issuer"),
		Amount:     amount,
	}, nil
}

// Request asks to redeem Amount of the party's holdings. IdempotencyKey is
// filled in by the engine from the selected inputs.
type Request struct {
	Party          string
	Amount         decimal.Decimal
	IdempotencyKey string
}

// Result of a settlement, also the cached idempotency value.
type Result struct {
	Success        bool      `json:"success"`
	RedeemAmount   string    `json:"redeemAmount"`
	FeeEstimate    string    `json:"feeEstimate"`
	NetAmount      string    `json:"netAmount"`
	CommandID      string    `json:"commandId"`
	IdempotencyKey string    `json:"idempotencyKey"`
	UpdateID       string    `json:"updateId,omitempty"`
	Consumed       []string  `json:"consumed"`
	Change         string    `json:"change,omitempty"`
	SettledAt      time.Time `json:"settledAt"`
	Cached         bool      `json:"cached,omitempty"`
}

// Entry is the journal form of a completed settlement.
type Entry struct {
	IdempotencyKey string          `json:"idempotencyKey"`
	CommandID      string          `json:"commandId"`
	UpdateID       string          `json:"updateId"`
	Party          string          `json:"party"`
	Amount         decimal.Decimal `json:"amount"`
	Fee            decimal.Decimal `json:"fee"`
	Net            decimal.Decimal `json:"net"`
	Consumed       []string        `json:"consumed"`
	OperatorInputs []string        `json:"operatorInputs"`
	SettledAt      time.Time       `json:"settledAt"`
}
