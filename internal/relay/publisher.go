package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"github.com/surgelove/aia-transactions/internal/keys"
	"github.com/surgelove/aia-transactions/internal/store"
)

const (
	defaultRecordTTL = 300 * time.Second
	defaultIndexTTL  = 600 * time.Second
)

// PublisherConfig wires a Publisher to the store connector and the TTLs it
// publishes with.
type PublisherConfig struct {
	// Connector owns the store connection. Required.
	Connector *store.Connector
	// RecordTTL bounds each record's lifetime (default 300s).
	RecordTTL time.Duration
	// IndexTTL is the index set's refreshed lifetime (default 600s). Must
	// exceed RecordTTL so the index never vanishes under live records.
	IndexTTL time.Duration
	// PayloadMax bounds upstream payload bytes (<=0 disables the limit).
	PayloadMax int64
	// Logger defaults to a noop logger.
	Logger pslog.Logger
}

// Publisher writes records into the shared store: value with TTL, index
// membership, index TTL refresh, in that order. On a connector-level failure
// it reconnects once and replays the sequence exactly once more with a fresh
// key; a second failure propagates to the caller as a stream-level error.
type Publisher struct {
	cfg     PublisherConfig
	metrics *publisherMetrics
}

// NewPublisher validates cfg and builds a Publisher.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.Connector == nil {
		return nil, fmt.Errorf("relay: publisher requires a connector")
	}
	if cfg.RecordTTL <= 0 {
		cfg.RecordTTL = defaultRecordTTL
	}
	if cfg.IndexTTL <= 0 {
		cfg.IndexTTL = defaultIndexTTL
	}
	if cfg.IndexTTL <= cfg.RecordTTL {
		return nil, fmt.Errorf("relay: index TTL %v must exceed record TTL %v", cfg.IndexTTL, cfg.RecordTTL)
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	p := &Publisher{cfg: cfg}
	p.metrics = newPublisherMetrics(cfg.Logger)
	return p, nil
}

// RecordTTL exposes the configured record lifetime.
func (p *Publisher) RecordTTL() time.Duration { return p.cfg.RecordTTL }

// Publish writes one transaction record and registers it in the index.
// It returns the index cardinality after the write, for observability only.
func (p *Publisher) Publish(ctx context.Context, rec Record) (int64, error) {
	payload, err := rec.encode(p.cfg.PayloadMax)
	if err != nil {
		p.metrics.addRejected(ctx)
		return 0, err
	}
	count, key, err := p.publishWithRetry(ctx, rec.Type, rec.ID, payload)
	if err != nil {
		return 0, err
	}
	p.metrics.addPublished(ctx, "transaction")
	p.metrics.recordIndexCount(ctx, count)
	p.cfg.Logger.Debug("relay.publisher.stored",
		"key", key,
		"ttl", p.cfg.RecordTTL,
		"active", count)
	return count, nil
}

// PublishAccountState writes an account-state snapshot through the same
// write path and then best-effort appends it to the secondary stream. Stream
// failures never affect the primary result.
func (p *Publisher) PublishAccountState(ctx context.Context, accountID string, state json.RawMessage) (int64, error) {
	payload, err := accountStatePayload(state, p.cfg.PayloadMax)
	if err != nil {
		p.metrics.addRejected(ctx)
		return 0, err
	}
	count, key, err := p.publishWithRetry(ctx, keys.AccountStateType, accountID, payload)
	if err != nil {
		return 0, err
	}
	p.metrics.addPublished(ctx, "account_state")
	p.metrics.recordIndexCount(ctx, count)
	p.cfg.Logger.Debug("relay.publisher.stored",
		"key", key,
		"ttl", p.cfg.RecordTTL,
		"active", count)
	p.appendToStream(ctx, state)
	return count, nil
}

// publishWithRetry runs the write sequence, tolerating one connector-level
// failure with a reconnect and a single replay. Each attempt generates a
// fresh key so a half-applied first attempt can never be confused with the
// retry.
func (p *Publisher) publishWithRetry(ctx context.Context, recordType, naturalID string, payload []byte) (int64, string, error) {
	st, err := p.cfg.Connector.Current()
	if err == nil {
		var count int64
		var key string
		count, key, err = p.write(ctx, st, recordType, naturalID, payload)
		if err == nil {
			return count, key, nil
		}
	}
	if !connectorLevel(err) {
		return 0, "", err
	}

	p.metrics.addRetry(ctx)
	p.cfg.Logger.Warn("relay.publisher.connection_lost", "error", err)
	if cerr := p.cfg.Connector.Connect(ctx); cerr != nil {
		return 0, "", fmt.Errorf("relay: reconnect: %w", cerr)
	}
	st, err = p.cfg.Connector.Current()
	if err != nil {
		return 0, "", err
	}
	count, key, err := p.write(ctx, st, recordType, naturalID, payload)
	if err != nil {
		return 0, "", fmt.Errorf("relay: publish after reconnect: %w", err)
	}
	p.cfg.Logger.Info("relay.publisher.published_after_reconnect", "key", key, "active", count)
	return count, key, nil
}

// write performs one attempt of the full sequence: record write, index
// insert, index TTL refresh, cardinality read. The index refresh always
// happens after the record write.
func (p *Publisher) write(ctx context.Context, st store.Store, recordType, naturalID string, payload []byte) (int64, string, error) {
	key := keys.ForRecord(recordType, naturalID)
	if err := st.SetWithTTL(ctx, key, payload, p.cfg.RecordTTL); err != nil {
		return 0, "", fmt.Errorf("write record: %w", err)
	}
	if err := st.SetAdd(ctx, keys.Index, key); err != nil {
		return 0, "", fmt.Errorf("index record: %w", err)
	}
	if err := st.Expire(ctx, keys.Index, p.cfg.IndexTTL); err != nil {
		return 0, "", fmt.Errorf("refresh index ttl: %w", err)
	}
	count, err := st.SetCard(ctx, keys.Index)
	if err != nil {
		return 0, "", fmt.Errorf("count index: %w", err)
	}
	return count, key, nil
}

// appendToStream publishes the snapshot to the optional log-style stream.
func (p *Publisher) appendToStream(ctx context.Context, state json.RawMessage) {
	st, err := p.cfg.Connector.Current()
	if err != nil {
		p.cfg.Logger.Warn("relay.publisher.stream_append_skipped", "error", err)
		return
	}
	err = st.StreamAppend(ctx, keys.Stream, map[string]string{"state": string(state)})
	switch {
	case err == nil:
	case errors.Is(err, store.ErrStreamUnsupported):
		p.cfg.Logger.Debug("relay.publisher.stream_unsupported")
	default:
		p.metrics.addStreamFailure(ctx)
		p.cfg.Logger.Warn("relay.publisher.stream_append_failed", "error", err)
	}
}

// connectorLevel reports whether err means the connection itself is gone and
// a reconnect-then-retry is worthwhile.
func connectorLevel(err error) bool {
	return store.IsUnavailable(err) || errors.Is(err, store.ErrNoConnection)
}
