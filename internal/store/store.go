// Package store defines the relay's view of the shared expiring store and
// the connector that owns the live connection to it. Implementations map the
// operations onto the store's native commands; records live and die by their
// TTL, the index set is advisory.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the requested key is missing or expired.
	ErrNotFound = errors.New("store: not found")
	// ErrStreamUnsupported indicates the store lacks log-style streams. The
	// stream append path is optional and callers must tolerate this error.
	ErrStreamUnsupported = errors.New("store: stream append not supported")
	// ErrClosed indicates the store handle has been closed.
	ErrClosed = errors.New("store: closed")
	// ErrNoConnection indicates no connection has been established yet.
	ErrNoConnection = errors.New("store: not connected")
)

// Store is the set of operations the relay needs from the shared store.
type Store interface {
	// Ping verifies liveness with an explicit round trip.
	Ping(ctx context.Context) error
	// DisablePersistence best-effort disables durable snapshotting on the
	// store so relay traffic never hits disk. Failures are advisory.
	DisablePersistence(ctx context.Context) error
	// SetWithTTL writes value under key with the given lifetime.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetAdd inserts member into the named set.
	SetAdd(ctx context.Context, set, member string) error
	// Expire refreshes the lifetime of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// SetCard returns the member count of the named set.
	SetCard(ctx context.Context, set string) (int64, error)
	// SetMembers enumerates the named set.
	SetMembers(ctx context.Context, set string) ([]string, error)
	// Exists reports whether key currently exists.
	Exists(ctx context.Context, key string) (bool, error)
	// SetRemove removes members from the named set.
	SetRemove(ctx context.Context, set string, members ...string) error
	// KeysByPrefix enumerates every key under the given prefix.
	KeysByPrefix(ctx context.Context, prefix string) ([]string, error)
	// Del removes keys outright.
	Del(ctx context.Context, keys ...string) error
	// StreamAppend appends fields to a log-style stream for secondary
	// consumers. Optional; implementations without streams return
	// ErrStreamUnsupported.
	StreamAppend(ctx context.Context, stream string, fields map[string]string) error
	// Close releases the connection.
	Close() error
}

type unavailableError struct {
	err error
}

func (u unavailableError) Error() string { return u.err.Error() }
func (u unavailableError) Unwrap() error { return u.err }

// NewUnavailable marks err as a connector-level failure: the connection is
// gone or unusable and the caller may reconnect and retry.
func NewUnavailable(err error) error {
	if err == nil {
		return nil
	}
	return unavailableError{err: err}
}

// IsUnavailable reports whether err was marked as a connector-level failure.
func IsUnavailable(err error) bool {
	var ue unavailableError
	return errors.As(err, &ue)
}
