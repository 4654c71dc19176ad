package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Subjects published by the relay.
const (
	SubjectPriceAccepted       = "relay.price.accepted"
	SubjectPriceRejected       = "relay.price.rejected"
	SubjectBreakerTripped      = "relay.breaker.tripped"
	SubjectBreakerReset        = "relay.breaker.reset"
	SubjectSettlementCompleted = "relay.settlement.completed"
	SubjectReplayRejected      = "relay.replay.rejected"
	SubjectAttestationApplied  = "relay.attestation.applied"
	SubjectAlert               = "relay.alert"
)

// Event is the envelope for every relay message.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
	Data      json.RawMessage `json:"data"`
}

// PriceEvent carries an accepted or rejected consensus price.
type PriceEvent struct {
	Asset         string    `json:"asset"`
	Price         string    `json:"price"`
	Sources       []string  `json:"sources"`
	DivergencePct string    `json:"divergence_pct"`
	SingleSource  bool      `json:"single_source"`
	Reason        string    `json:"reason,omitempty"`
	At            time.Time `json:"at"`
}

// BreakerEvent reports a price pipeline pause or resume.
type BreakerEvent struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Failures int    `json:"failures"`
}

// SettlementEvent describes a completed redemption.
type SettlementEvent struct {
	Party          string   `json:"party"`
	CommandID      string   `json:"command_id"`
	IdempotencyKey string   `json:"idempotency_key"`
	RedeemAmount   string   `json:"redeem_amount"`
	FeeEstimate    string   `json:"fee_estimate"`
	NetAmount      string   `json:"net_amount"`
	Consumed       []string `json:"consumed"`
}

// ReplayEvent reports a rejected nonce or duplicate request.
type ReplayEvent struct {
	Direction string `json:"direction"`
	RequestID string `json:"request_id,omitempty"`
	Nonce     uint64 `json:"nonce,omitempty"`
	Reason    string `json:"reason"`
}

// AlertEvent is raised by loops that keep failing.
type AlertEvent struct {
	Loop     string `json:"loop"`
	Failures int    `json:"failures"`
	Message  string `json:"message"`
}

// NewEvent creates a new event
func NewEvent(eventType, source string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:        uuid.New(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Data:      dataBytes,
	}, nil
}

// ParseEventData parses event data into the specified type
func ParseEventData[T any](event *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return nil, err
	}
	return &data, nil
}
