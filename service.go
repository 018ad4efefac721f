package transactions

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/process"
	"pkt.systems/pslog"

	"github.com/surgelove/aia-transactions/internal/clock"
	"github.com/surgelove/aia-transactions/internal/feed"
	"github.com/surgelove/aia-transactions/internal/feed/oanda"
	"github.com/surgelove/aia-transactions/internal/keys"
	"github.com/surgelove/aia-transactions/internal/relay"
	"github.com/surgelove/aia-transactions/internal/store"
	"github.com/surgelove/aia-transactions/internal/svcfields"
)

// Service wires the feed, the relay pipeline and the store together and runs
// the foreground liveness loop.
type Service struct {
	cfg        Config
	logger     pslog.Logger
	clk        clock.Clock
	connector  *store.Connector
	publisher  *relay.Publisher
	reconciler *relay.Reconciler
	supervisor *relay.Supervisor
	feed       feed.Adapter
	creds      *feed.CredentialsWatcher
	proc       *process.Process

	mu        sync.Mutex
	shutdown  bool
	supErr    error
	telemetry *telemetryBundle
	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures service instances.
type Option func(*options)

type options struct {
	Logger      pslog.Logger
	Clock       clock.Clock
	Feed        feed.Adapter
	OpenStore   store.Opener
	configHooks []func(*Config)
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithFeed injects a pre-built feed adapter, bypassing broker dispatch and
// credential loading (useful for tests).
func WithFeed(f feed.Adapter) Option {
	return func(o *options) {
		o.Feed = f
	}
}

// WithStoreOpener injects a store opener, bypassing the Store DSN (useful
// for tests).
func WithStoreOpener(open store.Opener) Option {
	return func(o *options) {
		o.OpenStore = open
	}
}

// WithRetryBudget overrides the supervisor retry budget.
func WithRetryBudget(budget int) Option {
	return func(o *options) {
		o.configHooks = append(o.configHooks, func(cfg *Config) {
			cfg.RetryBudget = budget
		})
	}
}

// NewService constructs a transaction relay service according to cfg.
// Example:
//
//	cfg := transactions.Config{Broker: "oanda", Store: "redis://localhost:6379/0"}
//	svc, err := transactions.NewService(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = svc.Run(ctx)
func NewService(cfg Config, opts ...Option) (*Service, error) {
	cfgCopy := cfg
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	for _, hook := range o.configHooks {
		hook(&cfgCopy)
	}
	if err := cfgCopy.Validate(); err != nil {
		return nil, err
	}
	cfg = cfgCopy
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	svcClock := o.Clock
	if svcClock == nil {
		svcClock = clock.Real{}
	}

	adapter := o.Feed
	var creds *feed.CredentialsWatcher
	if adapter == nil {
		var err error
		adapter, creds, err = buildFeed(cfg, logger)
		if err != nil {
			return nil, err
		}
	}

	open := o.OpenStore
	if open == nil {
		var err error
		open, err = openStore(cfg)
		if err != nil {
			if creds != nil {
				_ = creds.Close()
			}
			return nil, err
		}
	}
	connector, err := store.NewConnector(store.ConnectorConfig{
		Open:     open,
		Attempts: cfg.ConnectAttempts,
		Delay:    cfg.ConnectDelay,
		Clock:    svcClock,
		Logger:   svcfields.WithSubsystem(logger, "store"),
	})
	if err != nil {
		if creds != nil {
			_ = creds.Close()
		}
		return nil, err
	}
	publisher, err := relay.NewPublisher(relay.PublisherConfig{
		Connector:  connector,
		RecordTTL:  cfg.RecordTTL,
		IndexTTL:   cfg.IndexTTL,
		PayloadMax: cfg.PayloadMax,
		Logger:     svcfields.WithSubsystem(logger, "relay"),
	})
	if err != nil {
		if creds != nil {
			_ = creds.Close()
		}
		return nil, err
	}
	reconciler, err := relay.NewReconciler(relay.ReconcilerConfig{
		Connector: connector,
		Logger:    svcfields.WithSubsystem(logger, "relay"),
	})
	if err != nil {
		if creds != nil {
			_ = creds.Close()
		}
		return nil, err
	}
	supervisor, err := relay.NewSupervisor(relay.SupervisorConfig{
		Feed:              adapter,
		Publisher:         publisher,
		Reconciler:        reconciler,
		RetryBudget:       cfg.RetryBudget,
		BackoffFloor:      cfg.BackoffFloor,
		BackoffCap:        cfg.BackoffCap,
		BackoffMultiplier: cfg.BackoffMultiplier,
		Clock:             svcClock,
		Logger:            svcfields.WithSubsystem(logger, "relay"),
	})
	if err != nil {
		if creds != nil {
			_ = creds.Close()
		}
		return nil, err
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Debug("service.process_stats_unavailable", "error", err)
		proc = nil
	}

	return &Service{
		cfg:        cfg,
		logger:     svcfields.WithSubsystem(logger, "service"),
		clk:        svcClock,
		connector:  connector,
		publisher:  publisher,
		reconciler: reconciler,
		supervisor: supervisor,
		feed:       adapter,
		creds:      creds,
		proc:       proc,
		readyCh:    make(chan struct{}),
	}, nil
}

func buildFeed(cfg Config, logger pslog.Logger) (feed.Adapter, *feed.CredentialsWatcher, error) {
	switch cfg.Broker {
	case BrokerOanda:
		var source feed.CredentialSource
		var watcher *feed.CredentialsWatcher
		if cfg.WatchCredentials {
			w, err := feed.WatchCredentials(cfg.CredentialsFile, cfg.Broker, svcfields.WithSubsystem(logger, "feed"))
			if err != nil {
				return nil, nil, err
			}
			watcher = w
			source = w
		} else {
			creds, err := feed.LoadCredentials(cfg.CredentialsFile, cfg.Broker)
			if err != nil {
				return nil, nil, err
			}
			source = feed.StaticCredentials(creds)
		}
		adapter, err := oanda.New(oanda.Config{
			Credentials: source,
			Logger:      svcfields.WithSubsystem(logger, "feed.oanda"),
		})
		if err != nil {
			if watcher != nil {
				_ = watcher.Close()
			}
			return nil, nil, err
		}
		return adapter, watcher, nil
	default:
		return nil, nil, fmt.Errorf("config: broker %q is not supported yet", cfg.Broker)
	}
}

// Run connects the store, wipes leftover records, starts the stream
// supervisor and blocks in the liveness loop until ctx is cancelled. The
// supervisor goroutine is detached: cancellation is best-effort and no drain
// is attempted, so an in-flight event can be lost at shutdown.
func (s *Service) Run(ctx context.Context) error {
	telemetry, err := setupTelemetry(ctx, s.cfg.Telemetry, s.logger)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.telemetry = telemetry
	s.mu.Unlock()
	defer s.teardown()

	if err := s.connector.Connect(ctx); err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	s.wipe(ctx)
	s.logger.Info("service.started",
		"broker", s.cfg.Broker,
		"account", s.feed.AccountID(),
		"store", redactedStore(s.cfg.Store),
		"record_ttl", s.cfg.RecordTTL,
		"index_ttl", s.cfg.IndexTTL,
	)
	s.signalReady()

	go s.supervise(ctx)

	return s.livenessLoop(ctx)
}

// supervise runs the stream supervisor on its own goroutine. Nothing joins
// it; the liveness loop keeps reporting whether it is streaming, backing off
// or permanently done.
func (s *Service) supervise(ctx context.Context) {
	err := s.supervisor.Run(ctx)
	s.mu.Lock()
	s.supErr = err
	s.mu.Unlock()
	switch {
	case errors.Is(err, relay.ErrGivenUp):
		s.logger.Error("service.supervisor.gave_up", "budget", s.cfg.RetryBudget)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		s.logger.Debug("service.supervisor.stopped")
	case err != nil:
		s.logger.Error("service.supervisor.failed", "error", err)
	}
}

// wipe clears records and the index left over from a previous run. Failures
// are logged, not fatal: the relay can operate against a dirty namespace.
func (s *Service) wipe(ctx context.Context) {
	st, err := s.connector.Current()
	if err != nil {
		s.logger.Warn("service.wipe.skipped", "error", err)
		return
	}
	stale, err := st.KeysByPrefix(ctx, keys.Prefix)
	if err != nil {
		s.logger.Warn("service.wipe.enumerate_failed", "error", err)
		return
	}
	if len(stale) > 0 {
		if err := st.Del(ctx, stale...); err != nil {
			s.logger.Warn("service.wipe.delete_failed", "keys", len(stale), "error", err)
			return
		}
	}
	if err := st.Del(ctx, keys.Index); err != nil {
		s.logger.Warn("service.wipe.index_delete_failed", "error", err)
		return
	}
	s.logger.Info("service.wipe.complete", "removed", len(stale))
}

func (s *Service) livenessLoop(ctx context.Context) error {
	for {
		if err := clock.Wait(ctx, s.clk, s.cfg.LivenessInterval); err != nil {
			s.logger.Info("service.stopping")
			return nil
		}
		s.reportLiveness(ctx)
	}
}

func (s *Service) reportLiveness(ctx context.Context) {
	state := s.supervisor.State()
	count, err := s.activeCount(ctx)
	if err != nil {
		s.logger.Warn("service.liveness.count_failed", "state", state.String(), "error", err)
		return
	}
	fields := []any{"active", count, "state", state.String()}
	if s.proc != nil {
		if mem, err := s.proc.MemoryInfo(); err == nil && mem != nil {
			fields = append(fields, "rss", humanize.IBytes(mem.RSS))
		}
		if cpu, err := s.proc.CPUPercent(); err == nil {
			fields = append(fields, "cpu_percent", math.Round(cpu*10)/10)
		}
	}
	s.logger.Info("service.liveness", fields...)
}

func (s *Service) activeCount(ctx context.Context) (int64, error) {
	st, err := s.connector.Current()
	if err != nil {
		return 0, err
	}
	return st.SetCard(ctx, keys.Index)
}

func (s *Service) teardown() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	creds := s.creds
	s.creds = nil
	telemetry := s.telemetry
	s.telemetry = nil
	s.mu.Unlock()

	if err := s.connector.Close(); err != nil {
		s.logger.Warn("service.store.close_failed", "error", err)
	}
	if creds != nil {
		if err := creds.Close(); err != nil {
			s.logger.Warn("service.credentials.close_failed", "error", err)
		}
	}
	if telemetry != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("service.telemetry.shutdown_failed", "error", err)
		}
	}
}

// Close releases everything the service holds. Run arranges this on return;
// Close covers services that never ran.
func (s *Service) Close() error {
	s.teardown()
	return nil
}

func (s *Service) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the startup wipe finished and the supervisor
// is about to start, or the context ends.
func (s *Service) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SupervisorState reports the current stream supervisor state.
func (s *Service) SupervisorState() relay.State {
	return s.supervisor.State()
}

// SupervisorErr returns the error the supervisor goroutine finished with,
// nil while it is still running.
func (s *Service) SupervisorErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.supErr
}

func redactedStore(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Redacted()
}
