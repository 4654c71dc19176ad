package journal

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/settlementrelay/internal/settlement"
	"github.com/terminal-bench/settlementrelay/internal/store"
)

func openJournal(t *testing.T) *Journal {
	t.Helper()
	dsn := os.Getenv("RELAY_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("RELAY_TEST_DATABASE_URL not set")
	}
	db, err := store.OpenPostgres(context.Background(), dsn)
	require.NoError(t, err)

	j := New(db)
	suffix := time.Now().UnixNano()
	j.settlements = fmt.Sprintf("relay_settlements_test_%d", suffix)
	j.attestations = fmt.Sprintf("relay_attestations_test_%d", suffix)
	require.NoError(t, j.EnsureSchema(context.Background()))
	t.Cleanup(func() {
		_, _ = db.Exec(`DROP TABLE IF EXISTS ` + j.settlements)
		_, _ = db.Exec(`DROP TABLE IF EXISTS ` + j.attestations)
		_ = db.Close()
	})
	return j
}

func TestJournal(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()
	settledAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	entry := settlement.Entry{
		IdempotencyKey: "k1",
		CommandID:      "redeem-1",
		UpdateID:       "update-1",
		Party:          "alice::1220aa",
		Amount:         decimal.NewFromInt(100),
		Fee:            decimal.RequireFromString("0.3"),
		Net:            decimal.RequireFromString("99.7"),
		Consumed:       []string{"00a", "00b"},
		OperatorInputs: []string{"00op"},
		SettledAt:      settledAt,
	}

	t.Run("should record a settlement once", func(t *testing.T) {
		require.NoError(t, j.RecordSettlement(ctx, entry))
		require.NoError(t, j.RecordSettlement(ctx, entry))

		got, err := j.Settlements(ctx, "alice::1220aa", 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "redeem-1", got[0].CommandID)
		assert.True(t, got[0].Net.Equal(entry.Net))
		assert.Equal(t, []string{"00a", "00b"}, got[0].Consumed)
		assert.True(t, settledAt.Equal(got[0].SettledAt))
	})

	t.Run("should record attestations idempotently", func(t *testing.T) {
		require.NoError(t, j.RecordAttestation(ctx, "att-1", 1, "update-2"))
		require.NoError(t, j.RecordAttestation(ctx, "att-1", 1, "update-2"))

		var n int
		require.NoError(t, j.db.QueryRow(`SELECT count(*) FROM `+j.attestations).Scan(&n))
		assert.Equal(t, 1, n)
	})
}
