// Package memory implements store.Store in memory; intended for tests and
// local development. Expiry is evaluated lazily against an injectable clock
// so TTL behaviour is deterministic under test.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/surgelove/aia-transactions/internal/clock"
	"github.com/surgelove/aia-transactions/internal/store"
)

type kind int

const (
	kindValue kind = iota
	kindSet
	kindStream
)

// Config configures the in-memory store behaviour.
type Config struct {
	// Clock drives expiry; defaults to the real clock.
	Clock clock.Clock
	// DisableStreams makes StreamAppend return ErrStreamUnsupported,
	// emulating a store without log-style streams.
	DisableStreams bool
}

// StreamEntry is one appended stream element, exposed for test inspection.
type StreamEntry struct {
	ID     string
	Fields map[string]string
}

type entry struct {
	kind     kind
	value    []byte
	members  map[string]struct{}
	stream   []StreamEntry
	deadline time.Time
}

// Store keeps every key in a single keyspace, like the store it stands in
// for: values, sets and streams share names, and expiry applies to any kind.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	seq     int64
	closed  bool

	clk       clock.Clock
	noStreams bool

	persistenceDisabled bool
}

// New returns a ready to use in-memory store on the real clock.
func New() *Store {
	return NewWithConfig(Config{})
}

// NewWithConfig returns a ready to use in-memory store wired according to cfg.
func NewWithConfig(cfg Config) *Store {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{
		entries:   make(map[string]*entry),
		clk:       clk,
		noStreams: cfg.DisableStreams,
	}
}

func (s *Store) live(key string) *entry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if !e.deadline.IsZero() && !s.clk.Now().Before(e.deadline) {
		delete(s.entries, key)
		return nil
	}
	return e
}

func (s *Store) guard() error {
	if s.closed {
		return store.NewUnavailable(store.ErrClosed)
	}
	return nil
}

// Ping verifies the handle is still open.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.guard()
}

// DisablePersistence records the request; the in-memory store never persists.
func (s *Store) DisablePersistence(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	s.persistenceDisabled = true
	return nil
}

// PersistenceDisabled reports whether DisablePersistence was called.
func (s *Store) PersistenceDisabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.persistenceDisabled
}

// SetWithTTL writes value under key with the given lifetime.
func (s *Store) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("memory: ttl must be positive, got %v", ttl)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	s.entries[key] = &entry{
		kind:     kindValue,
		value:    append([]byte(nil), value...),
		deadline: s.clk.Now().Add(ttl),
	}
	return nil
}

// Get returns the live value under key, for test inspection.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	e := s.live(key)
	if e == nil || e.kind != kindValue {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

// SetAdd inserts member into the named set, creating it without expiry when
// absent.
func (s *Store) SetAdd(ctx context.Context, set, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	e := s.live(set)
	if e == nil {
		e = &entry{kind: kindSet, members: make(map[string]struct{})}
		s.entries[set] = e
	}
	if e.kind != kindSet {
		return fmt.Errorf("memory: key %q holds the wrong kind", set)
	}
	e.members[member] = struct{}{}
	return nil
}

// Expire refreshes the lifetime of an existing key of any kind.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("memory: ttl must be positive, got %v", ttl)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	e := s.live(key)
	if e == nil {
		return store.ErrNotFound
	}
	e.deadline = s.clk.Now().Add(ttl)
	return nil
}

// SetCard returns the member count of the named set; zero when absent.
func (s *Store) SetCard(ctx context.Context, set string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return 0, err
	}
	e := s.live(set)
	if e == nil {
		return 0, nil
	}
	if e.kind != kindSet {
		return 0, fmt.Errorf("memory: key %q holds the wrong kind", set)
	}
	return int64(len(e.members)), nil
}

// SetMembers enumerates the named set in sorted order; empty when absent.
func (s *Store) SetMembers(ctx context.Context, set string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	e := s.live(set)
	if e == nil {
		return nil, nil
	}
	if e.kind != kindSet {
		return nil, fmt.Errorf("memory: key %q holds the wrong kind", set)
	}
	members := make([]string, 0, len(e.members))
	for m := range e.members {
		members = append(members, m)
	}
	sort.Strings(members)
	return members, nil
}

// Exists reports whether key currently exists, expiring it lazily.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return false, err
	}
	return s.live(key) != nil, nil
}

// SetRemove removes members from the named set.
func (s *Store) SetRemove(ctx context.Context, set string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	e := s.live(set)
	if e == nil {
		return nil
	}
	if e.kind != kindSet {
		return fmt.Errorf("memory: key %q holds the wrong kind", set)
	}
	for _, m := range members {
		delete(e.members, m)
	}
	return nil
}

// KeysByPrefix enumerates live keys under prefix in sorted order.
func (s *Store) KeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	var keys []string
	for key := range s.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if s.live(key) == nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Del removes keys outright.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	for _, key := range keys {
		delete(s.entries, key)
	}
	return nil
}

// StreamAppend appends fields to a log-style stream.
func (s *Store) StreamAppend(ctx context.Context, stream string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	if s.noStreams {
		return store.ErrStreamUnsupported
	}
	e := s.live(stream)
	if e == nil {
		e = &entry{kind: kindStream}
		s.entries[stream] = e
	}
	if e.kind != kindStream {
		return fmt.Errorf("memory: key %q holds the wrong kind", stream)
	}
	s.seq++
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	e.stream = append(e.stream, StreamEntry{
		ID:     fmt.Sprintf("%d-%d", s.clk.Now().UnixMilli(), s.seq),
		Fields: copied,
	})
	return nil
}

// StreamEntries returns the appended entries of a stream, for test
// inspection.
func (s *Store) StreamEntries(stream string) []StreamEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[stream]
	if !ok || e.kind != kindStream {
		return nil
	}
	return append([]StreamEntry(nil), e.stream...)
}

// Close marks the handle closed; every later operation reports an
// unavailable store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Handle returns a view sharing the backing keyspace whose Close is a no-op,
// modelling one client connection to a shared server. Reconnect flows can
// close the handle and open another without losing data.
func (s *Store) Handle() store.Store { return handle{s} }

type handle struct{ *Store }

func (handle) Close() error { return nil }

var _ store.Store = (*Store)(nil)
