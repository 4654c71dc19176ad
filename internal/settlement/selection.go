package settlement

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// commandNamespace derives deterministic command ids from idempotency keys.
var commandNamespace = uuid.MustParse("b3c4f1d2-8e7a-5f60-9b1c-4d2e3f5a6b7c")

// SelectGreedy picks tokens largest first, ties by contract id, until the
// running sum covers amount. When the tokens cannot cover amount, all of
// them are returned with their sum.
func SelectGreedy(tokens []Token, amount decimal.Decimal) ([]Token, decimal.Decimal) {
	sorted := append([]Token(nil), tokens...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if c := sorted[i].Amount.Cmp(sorted[j].Amount); c != 0 {
			return c > 0
		}
		return sorted[i].ContractID < sorted[j].ContractID
	})

	sum := decimal.Zero
	var selected []Token
	for _, t := range sorted {
		if sum.GreaterThanOrEqual(amount) {
			break
		}
		selected = append(selected, t)
		sum = sum.Add(t.Amount)
	}
	return selected, sum
}

// Total sums token amounts.
func Total(tokens []Token) decimal.Decimal {
	sum := decimal.Zero
	for _, t := range tokens {
		sum = sum.Add(t.Amount)
	}
	return sum
}

// IdempotencyKey fingerprints the party, the amount and the sorted set of
// consumed contract ids.
func IdempotencyKey(party string, amount decimal.Decimal, contractIDs []string) string {
	ids := append([]string(nil), contractIDs...)
	sort.Strings(ids)
	h := sha256.New()
	h.Write([]byte(party))
	h.Write([]byte{'|'})
	h.Write([]byte(amount.String()))
	h.Write([]byte{'|'})
	h.Write([]byte(strings.Join(ids, ",")))
	return hex.EncodeToString(h.Sum(nil))
}

// CommandID derives the ledger command id for a key.
func CommandID(key string) string {
	return "redeem-" + uuid.NewSHA1(commandNamespace, []byte(key)).String()
}

func contractIDs(tokens []Token) []string {
	ids := make([]string, 0, len(tokens))
	for _, t := range tokens {
		ids = append(ids, t.ContractID)
	}
	return ids
}
