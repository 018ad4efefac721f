// Package relay implements the streaming-and-publication engine: the
// publisher that writes TTL-bounded records into the shared store, the
// reconciler that prunes the advisory index, and the supervisor state
// machine that drives the upstream feed with bounded retries.
package relay

import (
	"encoding/json"
	"fmt"

	"github.com/surgelove/aia-transactions/internal/feed"
	"github.com/surgelove/aia-transactions/internal/jsonutil"
	"github.com/surgelove/aia-transactions/internal/keys"
)

// Record is one immutable publication: the identifiers the relay indexes by
// plus the full untouched upstream payload. The wire shape matches what
// downstream readers already consume.
type Record struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Time      string          `json:"time"`
	AccountID string          `json:"accountID"`
	BatchID   string          `json:"batchID"`
	RequestID string          `json:"requestID"`
	UserID    string          `json:"userID"`
	Data      json.RawMessage `json:"data"`
}

// RecordFromEvent normalizes a feed event into a publishable record.
func RecordFromEvent(ev feed.Event) Record {
	return Record{
		ID:        ev.ID,
		Type:      ev.Type,
		Time:      ev.Time,
		AccountID: ev.AccountID,
		BatchID:   ev.BatchID,
		RequestID: ev.RequestID,
		UserID:    ev.UserID,
		Data:      ev.Raw,
	}
}

// encode compacts the upstream payload, enforces the byte budget and
// marshals the record for storage.
func (r Record) encode(maxBytes int64) ([]byte, error) {
	clone := r
	if len(r.Data) > 0 {
		data, err := jsonutil.CompactPayload(r.Data, maxBytes)
		if err != nil {
			return nil, fmt.Errorf("relay: record %s: %w", r.ID, err)
		}
		clone.Data = data
	}
	payload, err := json.Marshal(clone)
	if err != nil {
		return nil, fmt.Errorf("relay: encode record %s: %w", r.ID, err)
	}
	return payload, nil
}

// accountStatePayload wraps an opaque account-state snapshot in the fixed
// record shape downstream readers expect.
func accountStatePayload(state json.RawMessage, maxBytes int64) ([]byte, error) {
	compacted, err := jsonutil.CompactPayload(state, maxBytes)
	if err != nil {
		return nil, fmt.Errorf("relay: account state: %w", err)
	}
	payload, err := json.Marshal(struct {
		Type  string          `json:"type"`
		State json.RawMessage `json:"state"`
	}{
		Type:  keys.AccountStateType,
		State: compacted,
	})
	if err != nil {
		return nil, fmt.Errorf("relay: encode account state: %w", err)
	}
	return payload, nil
}
