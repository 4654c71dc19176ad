// Package journal keeps a Postgres audit trail of committed settlements and
// applied bridge attestations.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/settlementrelay/internal/settlement"
)

// Journal writes audit rows. Writes are idempotent on their natural keys.
type Journal struct {
	db           *sql.DB
	settlements  string
	attestations string
}

func New(db *sql.DB) *Journal {
	return &Journal{
		db:           db,
		settlements:  "relay_settlements",
		attestations: "relay_attestations",
	}
}

// EnsureSchema creates the journal tables if needed.
func (j *Journal) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + j.settlements + ` (
			idempotency_key TEXT PRIMARY KEY,
			command_id      TEXT NOT NULL,
			update_id       TEXT NOT NULL,
			party           TEXT NOT NULL,
			amount          NUMERIC(38, 10) NOT NULL,
			fee             NUMERIC(38, 10) NOT NULL,
			net_amount      NUMERIC(38, 10) NOT NULL,
			consumed        TEXT[] NOT NULL,
			operator_inputs TEXT[] NOT NULL,
			settled_at      TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ` + j.settlements + `_party_idx ON ` + j.settlements + ` (party, settled_at DESC)`,
		`CREATE TABLE IF NOT EXISTS ` + j.attestations + ` (
			attestation_id TEXT PRIMARY KEY,
			nonce          BIGINT NOT NULL,
			update_id      TEXT NOT NULL,
			applied_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := j.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create journal schema: %w", err)
		}
	}
	return nil
}

// RecordSettlement stores e. A second write for the same key is ignored.
func (j *Journal) RecordSettlement(ctx context.Context, e settlement.Entry) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO `+j.settlements+`
			(idempotency_key, command_id, update_id, party, amount, fee, net_amount, consumed, operator_inputs, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		e.IdempotencyKey, e.CommandID, e.UpdateID, e.Party,
		e.Amount.String(), e.Fee.String(), e.Net.String(),
		pq.Array(e.Consumed), pq.Array(e.OperatorInputs), e.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("failed to journal settlement %s: %w", e.CommandID, err)
	}
	return nil
}

// RecordAttestation stores an applied attestation.
func (j *Journal) RecordAttestation(ctx context.Context, id string, nonce uint64, updateID string) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO `+j.attestations+` (attestation_id, nonce, update_id) VALUES ($1, $2, $3)
		ON CONFLICT (attestation_id) DO NOTHING`,
		id, int64(nonce), updateID)
	if err != nil {
		return fmt.Errorf("failed to journal attestation %s: %w", id, err)
	}
	return nil
}

// Settlements returns the most recent settlements of party, newest first.
func (j *Journal) Settlements(ctx context.Context, party string, limit int) ([]settlement.Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT idempotency_key, command_id, update_id, party, amount, fee, net_amount, consumed, operator_inputs, settled_at
		FROM `+j.settlements+` WHERE party = $1 ORDER BY settled_at DESC LIMIT $2`, party, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query settlements: %w", err)
	}
	defer rows.Close()

	var out []settlement.Entry
	for rows.Next() {
		var (
			e                 settlement.Entry
			amount, fee, net  string
			consumed, opInput pq.StringArray
			settledAt         time.Time
		)
		if err := rows.Scan(&e.IdempotencyKey, &e.CommandID, &e.UpdateID, &e.Party,
			&amount, &fee, &net, &consumed, &opInput, &settledAt); err != nil {
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		if e.Fee, err = decimal.NewFromString(fee); err != nil {
			return nil, err
		}
		if e.Net, err = decimal.NewFromString(net); err != nil {
			return nil, err
		}
		e.Consumed = consumed
		e.OperatorInputs = opInput
		e.SettledAt = settledAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
