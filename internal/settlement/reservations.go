package settlement

import (
	"context"
	"fmt"

	"github.com/terminal-bench/settlementrelay/internal/ledger"
)

// ReservationSource reports operator contracts that are already committed
// elsewhere and must not be offered as redemption inventory.
type ReservationSource interface {
	Reserved(ctx context.Context, offset int64) (map[string]bool, error)
}

// DefaultReservationFields are the contract fields read by LedgerReservations.
var DefaultReservationFields = []string{"reservedCids", "lockedCids"}

// LedgerReservations reads reserved contract ids out of active contracts
// visible to a party, typically pending redemption or lending agreements.
//
// The view is only as fresh as offset: a reservation created after it is
// not seen, and the ledger rejects the settlement instead.
type LedgerReservations struct {
	gateway   ledger.Gateway
	party     string
	templates []ledger.TemplateID
	fields    []string
}

// NewLedgerReservations creates a reservation source. Nil fields uses
// DefaultReservationFields.
func NewLedgerReservations(gw ledger.Gateway, party string, templates []ledger.TemplateID, fields []string) *LedgerReservations {
	if len(fields) == 0 {
		fields = DefaultReservationFields
	}
	return &LedgerReservations{gateway: gw, party: party, templates: templates, fields: fields}
}

func (r *LedgerReservations) Reserved(ctx context.Context, offset int64) (map[string]bool, error) {
	reserved := make(map[string]bool)
	if len(r.templates) == 0 {
		return reserved, nil
	}
	contracts, err := r.gateway.QueryActive(ctx, r.party, r.templates, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query reservations: %w", err)
	}
	for _, c := range contracts {
		for _, field := range r.fields {
			switch v := c.Arguments[field].(type) {
			case string:
				if v != "" {
					reserved[v] = true
				}
			case []interface{}:
				for _, item := range v {
					if id, ok := item.(string); ok && id != "" {
						reserved[id] = true
					}
				}
			case []string:
				for _, id := range v {
					reserved[id] = true
				}
			}
		}
	}
	return reserved, nil
}

// StaticReservations is a fixed reservation set.
type StaticReservations map[string]bool

func (s StaticReservations) Reserved(context.Context, int64) (map[string]bool, error) {
	out := make(map[string]bool, len(s))
	for id, ok := range s {
		out[id] = ok
	}
	return out, nil
}
