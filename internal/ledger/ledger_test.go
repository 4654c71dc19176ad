package ledger

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplateID(t *testing.T) {
	t.Run("should parse package qualified ids", func(t *testing.T) {
		id, err := ParseTemplateID("eff3bf30:Minted.Protocol.V3:BridgeService")
		require.NoError(t, err)
		assert.Equal(t, "eff3bf30", id.PackageID)
		assert.Equal(t, "Minted.Protocol.V3", id.ModuleName)
		assert.Equal(t, "BridgeService", id.EntityName)
		assert.Equal(t, "eff3bf30:Minted.Protocol.V3:BridgeService", id.String())
	})

	t.Run("should parse ids without package", func(t *testing.T) {
		id, err := ParseTemplateID("CantonDirect:CantonMUSD")
		require.NoError(t, err)
		assert.Empty(t, id.PackageID)
		assert.Equal(t, "CantonDirect:CantonMUSD", id.String())
	})

	t.Run("should reject malformed ids", func(t *testing.T) {
		_, err := ParseTemplateID("CantonMUSD")
		assert.ErrorIs(t, err, ErrBadTemplate)
		_, err = ParseTemplateID("pkg::Entity")
		assert.ErrorIs(t, err, ErrBadTemplate)
	})

	t.Run("should match across package references", func(t *testing.T) {
		cfg := MustTemplateID("#minted:CantonDirect:CantonMUSD")
		assert.True(t, cfg.Matches(MustTemplateID("abc123:CantonDirect:CantonMUSD")))
		assert.True(t, MustTemplateID("CantonDirect:CantonMUSD").Matches(MustTemplateID("abc:CantonDirect:CantonMUSD")))
		assert.False(t, MustTemplateID("abc:CantonDirect:CantonMUSD").Matches(MustTemplateID("def:CantonDirect:CantonMUSD")))
		assert.False(t, cfg.Matches(MustTemplateID("abc:CantonDirect:Escrow")))
	})

	t.Run("should decode string and object forms", func(t *testing.T) {
		var a, b TemplateID
		require.NoError(t, json.Unmarshal([]byte(`"pkg:Mod:Ent"`), &a))
		require.NoError(t, json.Unmarshal([]byte(`{"packageId":"pkg","moduleName":"Mod","entityName":"Ent"}`), &b))
		assert.Equal(t, a, b)
	})
}

func TestCommandJSON(t *testing.T) {
	tmpl := MustTemplateID("pkg:CantonDirect:CantonMUSD")

	t.Run("should encode create commands", func(t *testing.T) {
		data, err := json.Marshal(Create(tmpl, map[string]interface{}{"amount": "20.0"}))
		require.NoError(t, err)
		assert.JSONEq(t, `{"CreateCommand":{"templateId":"pkg:CantonDirect:CantonMUSD","createArguments":{"amount":"20.0"}}}`, string(data))
	})

	t.Run("should encode archive as an exercise with empty argument", func(t *testing.T) {
		cmd := Archive(tmpl, "00abc")
		assert.True(t, cmd.IsArchive())
		data, err := json.Marshal(cmd)
		require.NoError(t, err)
		assert.JSONEq(t, `{"ExerciseCommand":{"templateId":"pkg:CantonDirect:CantonMUSD","contractId":"00abc","choice":"Archive","choiceArgument":{}}}`, string(data))
	})
}

func TestContractAccessors(t *testing.T) {
	c := Contract{
		ContractID: "00a",
		Arguments: map[string]interface{}{
			"owner":  "alice::1220",
			"amount": json.Number("70.5"),
			"nonce":  "12",
		},
	}
	assert.Equal(t, "alice::1220", c.Text("owner"))
	assert.Equal(t, "", c.Text("missing"))

	amount, err := c.Numeric("amount")
	require.NoError(t, err)
	assert.Equal(t, "70.5", amount.String())

	nonce, err := c.Int("nonce")
	require.NoError(t, err)
	assert.Equal(t, int64(12), nonce)

	_, err = c.Numeric("missing")
	assert.Error(t, err)
}

func TestDecodeActiveContracts(t *testing.T) {
	entry := `{"contractEntry":{"JsActiveContract":{"createdEvent":{"contractId":"00a","templateId":"pkg:CantonDirect:CantonMUSD","createArgument":{"owner":"alice::1","amount":"100.0"}}}}}`

	t.Run("should decode arrays", func(t *testing.T) {
		contracts, err := decodeActiveContracts([]byte("[" + entry + "]"))
		require.NoError(t, err)
		require.Len(t, contracts, 1)
		assert.Equal(t, "00a", contracts[0].ContractID)
		assert.Equal(t, "CantonMUSD", contracts[0].TemplateID.EntityName)
	})

	t.Run("should decode result wrappers", func(t *testing.T) {
		contracts, err := decodeActiveContracts([]byte(`{"result":[` + entry + `]}`))
		require.NoError(t, err)
		assert.Len(t, contracts, 1)
	})

	t.Run("should decode newline delimited entries", func(t *testing.T) {
		ndjson := entry + "\n" + `{"contractEntry":{"createdEvent":{"contractId":"00b","templateId":"pkg:M:E","createArguments":{"x":"1"}}}}` + "\n"
		contracts, err := decodeActiveContracts([]byte(ndjson))
		require.NoError(t, err)
		require.Len(t, contracts, 2)
		assert.Equal(t, "1", contracts[1].Text("x"))
	})

	t.Run("should skip entries without a created event", func(t *testing.T) {
		contracts, err := decodeActiveContracts([]byte(`[{"contractEntry":{"JsEmpty":{}}},` + entry + `]`))
		require.NoError(t, err)
		assert.Len(t, contracts, 1)
	})

	t.Run("should treat empty body as no contracts", func(t *testing.T) {
		contracts, err := decodeActiveContracts([]byte("  "))
		require.NoError(t, err)
		assert.Empty(t, contracts)
	})
}
