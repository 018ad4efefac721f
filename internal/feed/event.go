package feed

import (
	"encoding/json"
	"fmt"
)

// eventWire tolerates the upstream's mixed encoding: identifiers arrive as
// JSON strings or bare numbers depending on field and broker version.
type eventWire struct {
	ID        json.Number `json:"id"`
	Type      string      `json:"type"`
	Time      string      `json:"time"`
	AccountID string      `json:"accountID"`
	BatchID   json.Number `json:"batchID"`
	RequestID json.Number `json:"requestID"`
	UserID    json.Number `json:"userID"`
}

// DecodeEvent parses one upstream JSON document into an Event, keeping the
// original bytes as the event payload.
func DecodeEvent(raw []byte) (Event, error) {
	var wire eventWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Event{}, fmt.Errorf("feed: decode event: %w", err)
	}
	return Event{
		ID:        wire.ID.String(),
		Type:      wire.Type,
		Time:      wire.Time,
		AccountID: wire.AccountID,
		BatchID:   wire.BatchID.String(),
		RequestID: wire.RequestID.String(),
		UserID:    wire.UserID.String(),
		Raw:       append(json.RawMessage(nil), raw...),
	}, nil
}
