package validator

import "github.com/terminal-bench/settlementrelay/internal/ledger"

// Templates names the ledger templates the relay writes to.
type Templates struct {
	Token    ledger.TemplateID
	Escrow   ledger.TemplateID
	Service  ledger.TemplateID
	Oracle   ledger.TemplateID
	Bridge   ledger.TemplateID
	BridgeIn ledger.TemplateID
}

// Choices names the exercised choices.
type Choices struct {
	Redeem      string
	UpdatePrice string
	BridgeIn    string
}

// DefaultChoices matches the protocol's choice names.
func DefaultChoices() Choices {
	return Choices{
		Redeem:      "Redeem",
		UpdatePrice: "UpdatePrice",
		BridgeIn:    "ProcessBridgeIn",
	}
}

// DefaultSchemas returns the schemas for every command the relay builds.
// Templates left zero are skipped.
func DefaultSchemas(t Templates, c Choices) []Schema {
	var schemas []Schema
	add := func(tmpl ledger.TemplateID, s Schema) {
		if tmpl.IsZero() {
			return
		}
		s.Template = tmpl
		schemas = append(schemas, s)
	}

	add(t.Token, Schema{
		Name: "token create",
		Fields: []Field{
			{Name: "issuer", Kind: KindParty},
			{Name: "owner", Kind: KindParty},
			{Name: "amount", Kind: KindPositiveNumeric},
		},
	})
	add(t.Escrow, Schema{
		Name: "escrow create",
		Fields: []Field{
			{Name: "operator", Kind: KindParty},
			{Name: "owner", Kind: KindParty},
			{Name: "issuer", Kind: KindParty},
			{Name: "amount", Kind: KindPositiveNumeric},
		},
	})
	add(t.Service, Schema{
		Name:   "redeem",
		Choice: c.Redeem,
		Fields: []Field{
			{Name: "user", Kind: KindParty},
			{Name: "amount", Kind: KindPositiveNumeric},
			{Name: "inventoryCids", Kind: KindContractIDList},
		},
	})
	add(t.Oracle, Schema{
		Name:   "price update",
		Choice: c.UpdatePrice,
		Fields: []Field{
			{Name: "asset", Kind: KindText},
			{Name: "newPrice", Kind: KindPositiveNumeric},
			{Name: "observedAt", Kind: KindTimestamp, Optional: true},
		},
	})
	add(t.Bridge, Schema{
		Name:   "bridge in",
		Choice: c.BridgeIn,
		Fields: []Field{
			{Name: "requestCid", Kind: KindContractID},
			{Name: "nonce", Kind: KindInt},
			{Name: "attestationId", Kind: KindText},
		},
	})
	if !t.BridgeIn.IsZero() {
		// Registered so archives of attestation requests validate.
		schemas = append(schemas, Schema{Name: "bridge in request", Template: t.BridgeIn, Choice: ledger.ArchiveChoice})
	}
	return schemas
}
