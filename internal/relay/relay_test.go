package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/surgelove/aia-transactions/internal/clock"
	"github.com/surgelove/aia-transactions/internal/feed"
	"github.com/surgelove/aia-transactions/internal/store"
	"github.com/surgelove/aia-transactions/internal/store/memory"
)

// testBackend owns one in-memory keyspace and hands out store handles that
// share it, like fresh client connections to a single server. Handles close
// without touching the backing data, and failure injection lives on the
// backend so a planned fault hits whichever handle issues the next call.
type testBackend struct {
	backing *memory.Store

	mu         sync.Mutex
	opens      int
	openFails  int
	writeFails int
	cardFails  int
	writes     int
}

func newTestBackend(clk clock.Clock) *testBackend {
	return &testBackend{backing: memory.NewWithConfig(memory.Config{Clock: clk})}
}

func (b *testBackend) open(context.Context) (store.Store, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openFails > 0 {
		b.openFails--
		return nil, errors.New("dial tcp: connection refused")
	}
	b.opens++
	return &backendHandle{b: b}, nil
}

func (b *testBackend) openCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens
}

func (b *testBackend) writeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writes
}

func (b *testBackend) failNextWrites(n int) {
	b.mu.Lock()
	b.writeFails = n
	b.mu.Unlock()
}

func (b *testBackend) failNextCardReads(n int) {
	b.mu.Lock()
	b.cardFails = n
	b.mu.Unlock()
}

func (b *testBackend) connector(t *testing.T, clk clock.Clock) *store.Connector {
	t.Helper()
	c, err := store.NewConnector(store.ConnectorConfig{Open: b.open, Clock: clk})
	if err != nil {
		t.Fatalf("NewConnector: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return c
}

type backendHandle struct {
	b *testBackend
}

func (h *backendHandle) Ping(ctx context.Context) error {
	return h.b.backing.Ping(ctx)
}

func (h *backendHandle) DisablePersistence(ctx context.Context) error {
	return h.b.backing.DisablePersistence(ctx)
}

func (h *backendHandle) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	h.b.mu.Lock()
	h.b.writes++
	fail := h.b.writeFails > 0
	if fail {
		h.b.writeFails--
	}
	h.b.mu.Unlock()
	if fail {
		return store.NewUnavailable(errors.New("write: connection reset by peer"))
	}
	return h.b.backing.SetWithTTL(ctx, key, value, ttl)
}

func (h *backendHandle) SetAdd(ctx context.Context, set, member string) error {
	return h.b.backing.SetAdd(ctx, set, member)
}

func (h *backendHandle) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return h.b.backing.Expire(ctx, key, ttl)
}

func (h *backendHandle) SetCard(ctx context.Context, set string) (int64, error) {
	h.b.mu.Lock()
	fail := h.b.cardFails > 0
	if fail {
		h.b.cardFails--
	}
	h.b.mu.Unlock()
	if fail {
		return 0, store.NewUnavailable(errors.New("scard: connection reset by peer"))
	}
	return h.b.backing.SetCard(ctx, set)
}

func (h *backendHandle) SetMembers(ctx context.Context, set string) ([]string, error) {
	return h.b.backing.SetMembers(ctx, set)
}

func (h *backendHandle) Exists(ctx context.Context, key string) (bool, error) {
	return h.b.backing.Exists(ctx, key)
}

func (h *backendHandle) SetRemove(ctx context.Context, set string, members ...string) error {
	return h.b.backing.SetRemove(ctx, set, members...)
}

func (h *backendHandle) KeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	return h.b.backing.KeysByPrefix(ctx, prefix)
}

func (h *backendHandle) Del(ctx context.Context, keys ...string) error {
	return h.b.backing.Del(ctx, keys...)
}

func (h *backendHandle) StreamAppend(ctx context.Context, stream string, fields map[string]string) error {
	return h.b.backing.StreamAppend(ctx, stream, fields)
}

func (h *backendHandle) Close() error { return nil }

// immediateClock records every requested sleep and returns immediately, so
// control loops run to completion synchronously under test.
type immediateClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

func newImmediateClock() *immediateClock {
	return &immediateClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *immediateClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *immediateClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func (c *immediateClock) Sleep(d time.Duration) { <-c.After(d) }

func (c *immediateClock) recordedWaits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.waits))
	copy(out, c.waits)
	return out
}

// scriptedFeed hands out prepared streams in order; once they run out every
// Stream call fails, which is how tests drain a supervisor's retry budget.
type scriptedFeed struct {
	account  string
	state    json.RawMessage
	stateErr error

	mu      sync.Mutex
	streams []*scriptedStream
	opened  int
}

func (f *scriptedFeed) AccountID() string { return f.account }

func (f *scriptedFeed) AccountState(context.Context) (json.RawMessage, error) {
	if f.stateErr != nil {
		return nil, f.stateErr
	}
	return f.state, nil
}

func (f *scriptedFeed) Stream(context.Context) (feed.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	if f.opened <= len(f.streams) {
		return f.streams[f.opened-1], nil
	}
	return nil, errors.New("stream: connection refused")
}

func (f *scriptedFeed) openedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

type streamStep struct {
	ev   feed.Event
	err  error
	hook func()
}

type scriptedStream struct {
	mu     sync.Mutex
	steps  []streamStep
	pos    int
	closed bool
}

func (s *scriptedStream) Recv() (feed.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.steps) {
		return feed.Event{}, io.EOF
	}
	step := s.steps[s.pos]
	s.pos++
	if step.hook != nil {
		step.hook()
	}
	return step.ev, step.err
}

func (s *scriptedStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *scriptedStream) wasClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func txEvent(id, typ string) feed.Event {
	raw := fmt.Sprintf(`{"id":%q,"type":%q,"time":"2024-06-01T12:00:00.000000000Z","accountID":"001-001-1234567-001","batchID":%q,"userID":1411,"units":"100"}`,
		id, typ, id)
	ev, err := feed.DecodeEvent([]byte(raw))
	if err != nil {
		panic(err)
	}
	return ev
}

func heartbeatEvent() feed.Event {
	raw := `{"type":"HEARTBEAT","time":"2024-06-01T12:00:00.000000000Z","lastTransactionID":"99"}`
	ev, err := feed.DecodeEvent([]byte(raw))
	if err != nil {
		panic(err)
	}
	return ev
}
