package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

type createdEvent struct {
	ContractID      string                 `json:"contractId"`
	TemplateID      TemplateID             `json:"templateId"`
	CreateArgument  map[string]interface{} `json:"createArgument"`
	CreateArguments map[string]interface{} `json:"createArguments"`
	Signatories     []string               `json:"signatories"`
	Observers       []string               `json:"observers"`
}

type activeEntry struct {
	ContractEntry struct {
		JsActiveContract *struct {
			CreatedEvent createdEvent `json:"createdEvent"`
		} `json:"JsActiveContract"`
		CreatedEvent *createdEvent `json:"createdEvent"`
	} `json:"contractEntry"`
}

// decodeActiveContracts accepts the three shapes participants return: a JSON
// array, an object with a result array, or newline-delimited entries.
func decodeActiveContracts(body []byte) ([]Contract, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}

	var raw []json.RawMessage
	switch body[0] {
	case '[':
		if err := unmarshalNumbers(body, &raw); err != nil {
			return nil, fmt.Errorf("failed to decode active contracts: %w", err)
		}
	case '{':
		var wrapper struct {
			Result []json.RawMessage `json:"result"`
		}
		if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Result != nil {
			raw = wrapper.Result
			break
		}
		dec := json.NewDecoder(bytes.NewReader(body))
		for {
			var item json.RawMessage
			err := dec.Decode(&item)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("failed to read active contracts: %w", err)
			}
			raw = append(raw, item)
		}
	default:
		return nil, errors.New("unexpected active contracts payload")
	}

	contracts := make([]Contract, 0, len(raw))
	for _, item := range raw {
		var entry activeEntry
		if err := unmarshalNumbers(item, &entry); err != nil {
			return nil, fmt.Errorf("failed to decode contract entry: %w", err)
		}
		ev := entry.ContractEntry.CreatedEvent
		if entry.ContractEntry.JsActiveContract != nil {
			ev = &entry.ContractEntry.JsActiveContract.CreatedEvent
		}
		if ev == nil || ev.ContractID == "" {
			continue
		}
		args := ev.CreateArgument
		if args == nil {
			args = ev.CreateArguments
		}
		contracts = append(contracts, Contract{
			ContractID:  ev.ContractID,
			TemplateID:  ev.TemplateID,
			Arguments:   args,
			Signatories: ev.Signatories,
			Observers:   ev.Observers,
		})
	}
	return contracts, nil
}

func unmarshalNumbers(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
