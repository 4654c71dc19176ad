package validator

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/settlementrelay/internal/ledger"
)

var (
	tokenT   = ledger.MustTemplateID("pkg:CantonDirect:CantonMUSD")
	escrowT  = ledger.MustTemplateID("pkg:CantonDirect:RedemptionEscrow")
	serviceT = ledger.MustTemplateID("pkg:CantonDirect:RedemptionService")
	oracleT  = ledger.MustTemplateID("pkg:Minted.Oracle:PriceOracle")
	bridgeT  = ledger.MustTemplateID("pkg:Minted.Protocol.V3:BridgeService")
)

func newValidator() *Validator {
	return New(DefaultSchemas(Templates{
		Token:   tokenT,
		Escrow:  escrowT,
		Service: serviceT,
		Oracle:  oracleT,
		Bridge:  bridgeT,
	}, DefaultChoices())...)
}

func asValidation(t *testing.T, err error) *ValidationError {
	t.Helper()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
	return verr
}

func TestValidateCreate(t *testing.T) {
	v := newValidator()

	t.Run("should accept a well formed token create", func(t *testing.T) {
		err := v.Validate(ledger.Create(tokenT, map[string]interface{}{
			"issuer": "minted-operator::1220ab",
			"owner":  "alice::1220cd",
			"amount": "20.0",
		}))
		assert.NoError(t, err)
	})

	t.Run("should reject missing fields", func(t *testing.T) {
		err := v.Validate(ledger.Create(tokenT, map[string]interface{}{
			"issuer": "minted-operator::1220ab",
			"amount": "20.0",
		}))
		verr := asValidation(t, err)
		assert.Equal(t, "owner", verr.Field)
	})

	t.Run("should reject malformed parties", func(t *testing.T) {
		err := v.Validate(ledger.Create(tokenT, map[string]interface{}{
			"issuer": "minted-operator",
			"owner":  "alice::1220cd",
			"amount": "20.0",
		}))
		assert.Equal(t, "issuer", asValidation(t, err).Field)
	})

	t.Run("should reject non-positive amounts", func(t *testing.T) {
		err := v.Validate(ledger.Create(escrowT, map[string]interface{}{
			"operator": "op::1",
			"owner":    "op::1",
			"issuer":   "op::1",
			"amount":   "0.0",
		}))
		verr := asValidation(t, err)
		assert.Equal(t, "amount", verr.Field)
		assert.Equal(t, "must be positive", verr.Reason)
	})

	t.Run("should reject unexpected fields", func(t *testing.T) {
		err := v.Validate(ledger.Create(tokenT, map[string]interface{}{
			"issuer": "op::1",
			"owner":  "alice::1",
			"amount": "1.0",
			"memo":   "hi",
		}))
		assert.Equal(t, "memo", asValidation(t, err).Field)
	})

	t.Run("should reject unknown templates", func(t *testing.T) {
		err := v.Validate(ledger.Create(ledger.MustTemplateID("pkg:Other:Thing"), nil))
		assert.ErrorIs(t, err, ErrUnknownTemplate)
	})
}

func TestValidateExercise(t *testing.T) {
	v := newValidator()

	t.Run("should accept redeem with contract id list", func(t *testing.T) {
		err := v.Validate(ledger.Exercise(serviceT, "00svc", "Redeem", map[string]interface{}{
			"user":          "alice::1",
			"amount":        "100.0",
			"inventoryCids": []interface{}{"00a", "00b"},
		}))
		assert.NoError(t, err)
	})

	t.Run("should reject duplicate inventory ids", func(t *testing.T) {
		err := v.Validate(ledger.Exercise(serviceT, "00svc", "Redeem", map[string]interface{}{
			"user":          "alice::1",
			"amount":        "100.0",
			"inventoryCids": []string{"00a", "00a"},
		}))
		assert.Equal(t, "inventoryCids", asValidation(t, err).Field)
	})

	t.Run("should allow optional fields to be omitted", func(t *testing.T) {
		err := v.Validate(ledger.Exercise(oracleT, "00or", "UpdatePrice", map[string]interface{}{
			"asset":    "ETH",
			"newPrice": json.Number("3001.5"),
		}))
		assert.NoError(t, err)
	})

	t.Run("should validate integer nonces", func(t *testing.T) {
		args := map[string]interface{}{"requestCid": "00r", "nonce": "7", "attestationId": "att-7"}
		assert.NoError(t, v.Validate(ledger.Exercise(bridgeT, "00br", "ProcessBridgeIn", args)))

		args["nonce"] = "seven"
		assert.Equal(t, "nonce", asValidation(t, v.Validate(ledger.Exercise(bridgeT, "00br", "ProcessBridgeIn", args))).Field)
	})

	t.Run("should reject exercise without contract id", func(t *testing.T) {
		err := v.Validate(ledger.Exercise(oracleT, "", "UpdatePrice", nil))
		assert.Equal(t, "contractId", asValidation(t, err).Field)
	})

	t.Run("should reject unknown choices", func(t *testing.T) {
		err := v.Validate(ledger.Exercise(oracleT, "00or", "Withdraw", nil))
		assert.ErrorIs(t, err, ErrUnknownTemplate)
	})

	t.Run("should accept archive of known templates only", func(t *testing.T) {
		assert.NoError(t, v.Validate(ledger.Archive(tokenT, "00a")))
		assert.ErrorIs(t, v.Validate(ledger.Archive(ledger.MustTemplateID("pkg:X:Y"), "00a")), ErrUnknownTemplate)
	})
}

func TestValidateAll(t *testing.T) {
	v := newValidator()

	t.Run("should report index of first failing command", func(t *testing.T) {
		err := v.ValidateAll([]ledger.Command{
			ledger.Archive(tokenT, "00a"),
			ledger.Create(tokenT, map[string]interface{}{"issuer": "op::1", "owner": "alice::1", "amount": "-1"}),
		})
		verr := asValidation(t, err)
		assert.Equal(t, 1, verr.Index)
		assert.Contains(t, verr.Error(), "command 1")
	})

	t.Run("should reject empty batches", func(t *testing.T) {
		asValidation(t, v.ValidateAll(nil))
	})
}

func TestIsParty(t *testing.T) {
	assert.True(t, IsParty("minted-operator::12203f16"))
	assert.False(t, IsParty("::1220"))
	assert.False(t, IsParty("alice::"))
	assert.False(t, IsParty("alice"))
	assert.False(t, IsParty("al ice::1220"))
}
