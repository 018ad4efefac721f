package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/surgelove/aia-transactions/internal/clock"
)

const (
	defaultConnectAttempts = 5
	defaultConnectDelay    = 2 * time.Second
)

// Opener dials the shared store and returns a live handle.
type Opener func(ctx context.Context) (Store, error)

// ConnectorConfig tunes connection establishment.
type ConnectorConfig struct {
	// Open dials the store. Required.
	Open Opener
	// Attempts bounds connection attempts per Connect call (default 5).
	Attempts int
	// Delay is the fixed pause between attempts (default 2s). No growth.
	Delay time.Duration
	// Clock defaults to the real clock.
	Clock clock.Clock
	// Logger defaults to a noop logger.
	Logger pslog.Logger
}

func (c ConnectorConfig) normalized() ConnectorConfig {
	if c.Attempts <= 0 {
		c.Attempts = defaultConnectAttempts
	}
	if c.Delay <= 0 {
		c.Delay = defaultConnectDelay
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
	if c.Logger == nil {
		c.Logger = pslog.NoopLogger()
	}
	return c
}

// Connector owns the live connection to the shared store. Connect replaces
// the current handle; consumers re-request the handle via Current after any
// detected failure rather than assuming an old one remains valid.
type Connector struct {
	mu  sync.RWMutex
	cur Store

	cfg ConnectorConfig
}

// NewConnector builds a Connector around the supplied opener. No connection
// is dialled until Connect is called.
func NewConnector(cfg ConnectorConfig) (*Connector, error) {
	if cfg.Open == nil {
		return nil, fmt.Errorf("store: connector requires an opener")
	}
	return &Connector{cfg: cfg.normalized()}, nil
}

// Connect establishes a fresh connection: dial, verify with a ping, then
// best-effort disable store persistence. It tries up to the configured
// attempt budget with a fixed delay between attempts and returns the last
// error once the budget is spent. The Connector never retries beyond that;
// re-invoking Connect is the caller's decision.
func (c *Connector) Connect(ctx context.Context) error {
	cfg := c.cfg
	var lastErr error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		st, err := c.attempt(ctx)
		if err == nil {
			c.swap(st)
			cfg.Logger.Info("store.connector.connected", "attempt", attempt)
			return nil
		}
		lastErr = err
		cfg.Logger.Warn("store.connector.attempt_failed",
			"attempt", attempt,
			"attempts", cfg.Attempts,
			"error", err)
		if attempt < cfg.Attempts {
			cfg.Logger.Debug("store.connector.retrying", "delay", cfg.Delay)
			if err := clock.Wait(ctx, cfg.Clock, cfg.Delay); err != nil {
				return err
			}
		}
	}
	cfg.Logger.Error("store.connector.exhausted", "attempts", cfg.Attempts, "error", lastErr)
	return fmt.Errorf("store: connect failed after %d attempts: %w", cfg.Attempts, lastErr)
}

func (c *Connector) attempt(ctx context.Context) (Store, error) {
	st, err := c.cfg.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	if err := st.Ping(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if err := st.DisablePersistence(ctx); err != nil {
		c.cfg.Logger.Warn("store.connector.persistence_disable_failed", "error", err)
	} else {
		c.cfg.Logger.Debug("store.connector.persistence_disabled")
	}
	return st, nil
}

func (c *Connector) swap(st Store) {
	c.mu.Lock()
	old := c.cur
	c.cur = st
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

// Current returns the live store handle, or ErrNoConnection before the first
// successful Connect.
func (c *Connector) Current() (Store, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cur == nil {
		return nil, ErrNoConnection
	}
	return c.cur, nil
}

// Close releases the current connection, if any.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return nil
	}
	err := c.cur.Close()
	c.cur = nil
	return err
}
