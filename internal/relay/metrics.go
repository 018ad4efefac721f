package relay

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

const meterName = "github.com/surgelove/aia-transactions/relay"

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

type publisherMetrics struct {
	published      metric.Int64Counter
	retries        metric.Int64Counter
	streamFailures metric.Int64Counter
	rejected       metric.Int64Counter
	indexCount     metric.Int64Gauge
}

func newPublisherMetrics(logger pslog.Logger) *publisherMetrics {
	meter := otel.Meter(meterName)
	m := &publisherMetrics{}
	var err error
	m.published, err = meter.Int64Counter("txrelay.publisher.published",
		metric.WithDescription("Records written to the store, by kind."))
	if err != nil {
		logMetricInitError(logger, "txrelay.publisher.published", err)
	}
	m.retries, err = meter.Int64Counter("txrelay.publisher.reconnect_retries",
		metric.WithDescription("Publishes replayed after a store reconnect."))
	if err != nil {
		logMetricInitError(logger, "txrelay.publisher.reconnect_retries", err)
	}
	m.streamFailures, err = meter.Int64Counter("txrelay.publisher.stream_append_failures",
		metric.WithDescription("Failed best-effort snapshot appends to the store stream."))
	if err != nil {
		logMetricInitError(logger, "txrelay.publisher.stream_append_failures", err)
	}
	m.rejected, err = meter.Int64Counter("txrelay.publisher.rejected_payloads",
		metric.WithDescription("Publishes rejected before any store write, e.g. over the payload budget."))
	if err != nil {
		logMetricInitError(logger, "txrelay.publisher.rejected_payloads", err)
	}
	m.indexCount, err = meter.Int64Gauge("txrelay.index.count",
		metric.WithDescription("Index cardinality reported by the most recent publish."))
	if err != nil {
		logMetricInitError(logger, "txrelay.index.count", err)
	}
	return m
}

func (m *publisherMetrics) addPublished(ctx context.Context, kind string) {
	if m == nil || m.published == nil {
		return
	}
	m.published.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *publisherMetrics) addRetry(ctx context.Context) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.Add(ctx, 1)
}

func (m *publisherMetrics) addStreamFailure(ctx context.Context) {
	if m == nil || m.streamFailures == nil {
		return
	}
	m.streamFailures.Add(ctx, 1)
}

func (m *publisherMetrics) addRejected(ctx context.Context) {
	if m == nil || m.rejected == nil {
		return
	}
	m.rejected.Add(ctx, 1)
}

func (m *publisherMetrics) recordIndexCount(ctx context.Context, n int64) {
	if m == nil || m.indexCount == nil {
		return
	}
	m.indexCount.Record(ctx, n)
}

type reconcilerMetrics struct {
	pruned metric.Int64Counter
}

func newReconcilerMetrics(logger pslog.Logger) *reconcilerMetrics {
	meter := otel.Meter(meterName)
	m := &reconcilerMetrics{}
	var err error
	m.pruned, err = meter.Int64Counter("txrelay.reconciler.pruned",
		metric.WithDescription("Index members removed because their record expired."))
	if err != nil {
		logMetricInitError(logger, "txrelay.reconciler.pruned", err)
	}
	return m
}

func (m *reconcilerMetrics) addPruned(ctx context.Context, n int) {
	if m == nil || m.pruned == nil || n <= 0 {
		return
	}
	m.pruned.Add(ctx, int64(n))
}

type supervisorMetrics struct {
	transitions metric.Int64Counter
	heartbeats  metric.Int64Counter
	restarts    metric.Int64Counter
	state       metric.Int64ObservableGauge
	failures    metric.Int64ObservableGauge
	backoff     metric.Float64ObservableGauge
}

func newSupervisorMetrics(logger pslog.Logger, s *Supervisor) *supervisorMetrics {
	meter := otel.Meter(meterName)
	m := &supervisorMetrics{}
	var err error
	m.transitions, err = meter.Int64Counter("txrelay.supervisor.transitions",
		metric.WithDescription("Supervisor state transitions."))
	if err != nil {
		logMetricInitError(logger, "txrelay.supervisor.transitions", err)
	}
	m.heartbeats, err = meter.Int64Counter("txrelay.supervisor.heartbeats_filtered",
		metric.WithDescription("Heartbeat probes dropped before publication."))
	if err != nil {
		logMetricInitError(logger, "txrelay.supervisor.heartbeats_filtered", err)
	}
	m.restarts, err = meter.Int64Counter("txrelay.supervisor.restarts",
		metric.WithDescription("Stream cycles that ended in failure."))
	if err != nil {
		logMetricInitError(logger, "txrelay.supervisor.restarts", err)
	}
	m.state, err = meter.Int64ObservableGauge("txrelay.supervisor.state",
		metric.WithDescription("Current supervisor state (0=idle 1=connecting 2=streaming 3=backoff 4=given_up)."))
	if err != nil {
		logMetricInitError(logger, "txrelay.supervisor.state", err)
	}
	m.failures, err = meter.Int64ObservableGauge("txrelay.supervisor.consecutive_failures",
		metric.WithDescription("Consecutive failed cycles since the last successful publish."))
	if err != nil {
		logMetricInitError(logger, "txrelay.supervisor.consecutive_failures", err)
	}
	m.backoff, err = meter.Float64ObservableGauge("txrelay.supervisor.backoff_seconds",
		metric.WithDescription("Delay the next failed cycle will sleep."))
	if err != nil {
		logMetricInitError(logger, "txrelay.supervisor.backoff_seconds", err)
	}
	if s != nil && m.state != nil && m.failures != nil && m.backoff != nil {
		_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.state, int64(s.State()))
			o.ObserveInt64(m.failures, int64(s.retrySnapshot()))
			o.ObserveFloat64(m.backoff, s.delaySnapshot().Seconds())
			return nil
		}, m.state, m.failures, m.backoff)
		if err != nil {
			logMetricInitError(logger, "txrelay.supervisor.observer", err)
		}
	}
	return m
}

func (m *supervisorMetrics) addTransition(ctx context.Context, from, to State) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
}

func (m *supervisorMetrics) addHeartbeat(ctx context.Context) {
	if m == nil || m.heartbeats == nil {
		return
	}
	m.heartbeats.Add(ctx, 1)
}

func (m *supervisorMetrics) addRestart(ctx context.Context) {
	if m == nil || m.restarts == nil {
		return
	}
	m.restarts.Add(ctx, 1)
}
