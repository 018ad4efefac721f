package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/surgelove/aia-transactions/internal/clock"
	"github.com/surgelove/aia-transactions/internal/jsonutil"
	"github.com/surgelove/aia-transactions/internal/keys"
	"github.com/surgelove/aia-transactions/internal/store/memory"
)

func newTestPublisher(t *testing.T, b *testBackend, clk clock.Clock) *Publisher {
	t.Helper()
	p, err := NewPublisher(PublisherConfig{
		Connector: b.connector(t, clk),
		RecordTTL: 300 * time.Second,
		IndexTTL:  600 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	return p
}

func recordKeys(t *testing.T, b *testBackend) []string {
	t.Helper()
	found, err := b.backing.KeysByPrefix(context.Background(), keys.Prefix)
	if err != nil {
		t.Fatalf("KeysByPrefix: %v", err)
	}
	return found
}

func TestPublisherWritesRecordAndIndex(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	b := newTestBackend(clk)
	p := newTestPublisher(t, b, clk)
	ctx := context.Background()

	rec := RecordFromEvent(txEvent("42", "ORDER_FILL"))
	count, err := p.Publish(ctx, rec)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}

	found := recordKeys(t, b)
	if len(found) != 1 {
		t.Fatalf("record keys = %v, want exactly one", found)
	}
	parts, ok := keys.Parse(found[0])
	if !ok {
		t.Fatalf("key %q did not parse", found[0])
	}
	if parts.Type != "ORDER_FILL" || parts.NaturalID != "42" {
		t.Fatalf("key parts = %+v", parts)
	}

	payload, err := b.backing.Get(ctx, found[0])
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var stored Record
	if err := json.Unmarshal(payload, &stored); err != nil {
		t.Fatalf("unmarshal stored record: %v", err)
	}
	if stored.ID != "42" || stored.Type != "ORDER_FILL" || stored.AccountID != "001-001-1234567-001" {
		t.Fatalf("stored record = %+v", stored)
	}
	if stored.UserID != "1411" {
		t.Fatalf("stored userID = %q, want 1411", stored.UserID)
	}
	var data map[string]any
	if err := json.Unmarshal(stored.Data, &data); err != nil {
		t.Fatalf("unmarshal stored data: %v", err)
	}
	if data["units"] != "100" {
		t.Fatalf("stored data = %v, lost upstream field", data)
	}

	members, err := b.backing.SetMembers(ctx, keys.Index)
	if err != nil {
		t.Fatalf("SetMembers: %v", err)
	}
	if len(members) != 1 || members[0] != found[0] {
		t.Fatalf("index members = %v, want [%s]", members, found[0])
	}

	clk.Advance(299 * time.Second)
	if ok, _ := b.backing.Exists(ctx, found[0]); !ok {
		t.Fatalf("record expired before its TTL elapsed")
	}
	clk.Advance(2 * time.Second)
	if ok, _ := b.backing.Exists(ctx, found[0]); ok {
		t.Fatalf("record still visible after its TTL elapsed")
	}
	members, err = b.backing.SetMembers(ctx, keys.Index)
	if err != nil {
		t.Fatalf("SetMembers after expiry: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("index should keep the stale member until reconciled, got %v", members)
	}
}

func TestPublisherCountsAccumulate(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	b := newTestBackend(clk)
	p := newTestPublisher(t, b, clk)
	ctx := context.Background()

	if count, err := p.Publish(ctx, RecordFromEvent(txEvent("1", "ORDER_FILL"))); err != nil || count != 1 {
		t.Fatalf("first publish: count=%d err=%v", count, err)
	}
	if count, err := p.Publish(ctx, RecordFromEvent(txEvent("2", "ORDER_CANCEL"))); err != nil || count != 2 {
		t.Fatalf("second publish: count=%d err=%v", count, err)
	}
}

func TestPublisherReconnectsOnceOnConnectionLoss(t *testing.T) {
	clk := newImmediateClock()
	b := newTestBackend(clk)
	p := newTestPublisher(t, b, clk)
	ctx := context.Background()

	b.failNextWrites(1)
	count, err := p.Publish(ctx, RecordFromEvent(txEvent("7", "ORDER_FILL")))
	if err != nil {
		t.Fatalf("Publish after injected failure: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
	if got := b.openCount(); got != 2 {
		t.Fatalf("store opened %d times, want 2 (initial + reconnect)", got)
	}
	if got := b.writeCount(); got != 2 {
		t.Fatalf("write attempts = %d, want 2", got)
	}
	found := recordKeys(t, b)
	if len(found) != 1 {
		t.Fatalf("record keys = %v, want the record exactly once", found)
	}
}

func TestPublisherRetryUsesFreshKey(t *testing.T) {
	clk := newImmediateClock()
	b := newTestBackend(clk)
	p := newTestPublisher(t, b, clk)
	ctx := context.Background()

	// Fail after the record and index writes landed: the replay must not
	// reuse the half-applied attempt's key.
	b.failNextCardReads(1)
	count, err := p.Publish(ctx, RecordFromEvent(txEvent("9", "ORDER_FILL")))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	found := recordKeys(t, b)
	if len(found) != 2 {
		t.Fatalf("record keys = %v, want two distinct keys", found)
	}
	if found[0] == found[1] {
		t.Fatalf("retry reused key %q", found[0])
	}
	for _, key := range found {
		parts, ok := keys.Parse(key)
		if !ok || parts.NaturalID != "9" {
			t.Fatalf("unexpected key %q", key)
		}
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2 (both attempts indexed)", count)
	}
}

func TestPublisherSecondFailurePropagates(t *testing.T) {
	clk := newImmediateClock()
	b := newTestBackend(clk)
	p := newTestPublisher(t, b, clk)
	ctx := context.Background()

	b.failNextWrites(2)
	_, err := p.Publish(ctx, RecordFromEvent(txEvent("13", "ORDER_FILL")))
	if err == nil {
		t.Fatalf("Publish succeeded despite failure after reconnect")
	}
	if !strings.Contains(err.Error(), "publish after reconnect") {
		t.Fatalf("error = %v, want the post-reconnect failure surfaced", err)
	}
	if got := b.openCount(); got != 2 {
		t.Fatalf("store opened %d times, want 2 (exactly one reconnect)", got)
	}
	if found := recordKeys(t, b); len(found) != 0 {
		t.Fatalf("record keys = %v, want none", found)
	}
}

func TestPublisherRejectsIndexTTLAtOrBelowRecordTTL(t *testing.T) {
	clk := newImmediateClock()
	b := newTestBackend(clk)
	_, err := NewPublisher(PublisherConfig{
		Connector: b.connector(t, clk),
		RecordTTL: 300 * time.Second,
		IndexTTL:  300 * time.Second,
	})
	if err == nil {
		t.Fatalf("NewPublisher accepted index TTL equal to record TTL")
	}
}

func TestPublisherAccountState(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	b := newTestBackend(clk)
	p := newTestPublisher(t, b, clk)
	ctx := context.Background()

	state := json.RawMessage(`{"balance": "100.5", "openTradeCount": 2}`)
	count, err := p.PublishAccountState(ctx, "001-001-1234567-001", state)
	if err != nil {
		t.Fatalf("PublishAccountState: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}

	found := recordKeys(t, b)
	if len(found) != 1 {
		t.Fatalf("record keys = %v, want one", found)
	}
	parts, ok := keys.Parse(found[0])
	if !ok || parts.Type != keys.AccountStateType || parts.NaturalID != "001-001-1234567-001" {
		t.Fatalf("key parts = %+v ok=%v", parts, ok)
	}

	payload, err := b.backing.Get(ctx, found[0])
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var stored struct {
		Type  string          `json:"type"`
		State json.RawMessage `json:"state"`
	}
	if err := json.Unmarshal(payload, &stored); err != nil {
		t.Fatalf("unmarshal stored snapshot: %v", err)
	}
	if stored.Type != keys.AccountStateType {
		t.Fatalf("stored type = %q", stored.Type)
	}
	if string(stored.State) != `{"balance":"100.5","openTradeCount":2}` {
		t.Fatalf("stored state = %s, want compacted snapshot", stored.State)
	}

	entries := b.backing.StreamEntries(keys.Stream)
	if len(entries) != 1 {
		t.Fatalf("stream entries = %d, want 1", len(entries))
	}
	if entries[0].Fields["state"] != string(state) {
		t.Fatalf("stream state field = %q", entries[0].Fields["state"])
	}
}

func TestPublisherToleratesMissingStreamSupport(t *testing.T) {
	clk := newImmediateClock()
	backing := memory.NewWithConfig(memory.Config{Clock: clk, DisableStreams: true})
	b := &testBackend{backing: backing}
	p := newTestPublisher(t, b, clk)

	count, err := p.PublishAccountState(context.Background(), "acct", json.RawMessage(`{"balance":"1"}`))
	if err != nil {
		t.Fatalf("PublishAccountState without stream support: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestPublisherOversizePayloadDoesNotReconnect(t *testing.T) {
	clk := newImmediateClock()
	b := newTestBackend(clk)
	connector := b.connector(t, clk)
	p, err := NewPublisher(PublisherConfig{
		Connector:  connector,
		RecordTTL:  300 * time.Second,
		IndexTTL:   600 * time.Second,
		PayloadMax: 8,
	})
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}

	_, err = p.Publish(context.Background(), RecordFromEvent(txEvent("21", "ORDER_FILL")))
	if !errors.Is(err, jsonutil.ErrOversizePayload) {
		t.Fatalf("error = %v, want oversize payload", err)
	}
	if got := b.openCount(); got != 1 {
		t.Fatalf("store opened %d times, want 1 (no reconnect for payload errors)", got)
	}
}
