package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/surgelove/aia-transactions/internal/clock"
	"github.com/surgelove/aia-transactions/internal/correlation"
	"github.com/surgelove/aia-transactions/internal/feed"
)

// ErrGivenUp is returned by Run once the retry budget is exhausted with no
// intervening success. The supervisor performs no further feed or publish
// activity after returning it; recovery requires a process restart.
var ErrGivenUp = errors.New("relay: retry budget exhausted")

// State identifies the supervisor's position in its control loop.
type State int

const (
	// StateIdle means Run has not been called yet.
	StateIdle State = iota
	// StateConnecting covers snapshot publication and stream opening.
	StateConnecting
	// StateStreaming means events are being consumed and published.
	StateStreaming
	// StateBackoff means the last cycle failed and the supervisor is
	// waiting out the current delay.
	StateBackoff
	// StateGivenUp is terminal.
	StateGivenUp
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateBackoff:
		return "backoff"
	case StateGivenUp:
		return "given_up"
	default:
		return "unknown"
	}
}

const (
	defaultRetryBudget       = 10
	defaultBackoffFloor      = 5 * time.Second
	defaultBackoffCap        = 60 * time.Second
	defaultBackoffMultiplier = 1.5
)

// SupervisorConfig wires the supervisor to its collaborators and retry
// policy.
type SupervisorConfig struct {
	// Feed yields the account snapshot and event stream. Required.
	Feed feed.Adapter
	// Publisher writes records. Required.
	Publisher *Publisher
	// Reconciler prunes the index after each publish. Optional.
	Reconciler *Reconciler
	// RetryBudget bounds consecutive failed cycles (default 10).
	RetryBudget int
	// BackoffFloor is the delay after the first failure (default 5s).
	BackoffFloor time.Duration
	// BackoffCap bounds delay growth (default 60s).
	BackoffCap time.Duration
	// BackoffMultiplier grows the delay after each slept failure
	// (default 1.5).
	BackoffMultiplier float64
	// Clock defaults to the real clock.
	Clock clock.Clock
	// Logger defaults to a noop logger.
	Logger pslog.Logger
}

// Supervisor drives the upstream feed: per cycle it best-effort publishes an
// account-state snapshot, consumes the stream event by event, filters
// heartbeat probes and hands every substantive event to the Publisher. Any
// failure moves it through a capped exponential backoff; any publish success
// forgives all prior failures. Retry counter and delay are first-class state,
// inspected by metrics callbacks and tests.
type Supervisor struct {
	cfg SupervisorConfig

	mu         sync.Mutex
	state      State
	retryCount int
	delay      time.Duration

	metrics      *supervisorMetrics
	onTransition func(from, to State)
}

// NewSupervisor validates cfg and builds a Supervisor in StateIdle.
func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	if cfg.Feed == nil {
		return nil, fmt.Errorf("relay: supervisor requires a feed adapter")
	}
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("relay: supervisor requires a publisher")
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = defaultRetryBudget
	}
	if cfg.BackoffFloor <= 0 {
		cfg.BackoffFloor = defaultBackoffFloor
	}
	if cfg.BackoffCap < cfg.BackoffFloor {
		cfg.BackoffCap = defaultBackoffCap
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = defaultBackoffMultiplier
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	s := &Supervisor{
		cfg:   cfg,
		state: StateIdle,
		delay: cfg.BackoffFloor,
	}
	s.metrics = newSupervisorMetrics(cfg.Logger, s)
	return s, nil
}

// State returns the supervisor's current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) retrySnapshot() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryCount
}

func (s *Supervisor) delaySnapshot() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delay
}

// Run blocks until the retry budget is exhausted (ErrGivenUp) or ctx is
// cancelled. Callers run it as a detached background activity; cancellation
// is best-effort and in-flight events are not drained.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx = correlation.Ensure(ctx)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		correlation.Set(ctx, correlation.Generate())
		s.transition(ctx, StateConnecting)
		s.cfg.Logger.Info("relay.supervisor.cycle_start",
			"attempt", s.retrySnapshot()+1,
			"cycle", correlation.ID(ctx))

		s.publishAccountState(ctx)

		var cause error
		stream, err := s.cfg.Feed.Stream(ctx)
		if err != nil {
			cause = fmt.Errorf("open stream: %w", err)
		} else {
			s.transition(ctx, StateStreaming)
			cause = s.consume(ctx, stream)
			if cerr := stream.Close(); cerr != nil {
				s.cfg.Logger.Debug("relay.supervisor.stream_close_failed", "error", cerr)
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		gaveUp, err := s.backoff(ctx, cause)
		if err != nil {
			return err
		}
		if gaveUp {
			return ErrGivenUp
		}
	}
}

// consume drains one stream. A nil return means the upstream ended the
// stream cleanly; the caller still counts that as a failed cycle.
func (s *Supervisor) consume(ctx context.Context, stream feed.Stream) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			s.cfg.Logger.Warn("relay.supervisor.stream_ended")
			return nil
		}
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}
		if ev.Heartbeat() {
			s.metrics.addHeartbeat(ctx)
			s.cfg.Logger.Debug("relay.supervisor.heartbeat_filtered", "time", ev.Time)
			continue
		}
		rec := RecordFromEvent(ev)
		s.cfg.Logger.Info("relay.supervisor.transaction",
			"id", rec.ID,
			"type", rec.Type,
			"time", rec.Time)
		count, err := s.cfg.Publisher.Publish(ctx, rec)
		if err != nil {
			return fmt.Errorf("publish transaction %s: %w", rec.ID, err)
		}
		s.resetBudget()
		s.cfg.Logger.Info("relay.supervisor.published",
			"id", rec.ID,
			"active", count)
		if s.cfg.Reconciler != nil {
			s.cfg.Reconciler.Reconcile(ctx)
		}
	}
}

// publishAccountState fetches and publishes the current snapshot. Failures
// are logged and never touch the retry budget.
func (s *Supervisor) publishAccountState(ctx context.Context) {
	state, err := s.cfg.Feed.AccountState(ctx)
	if err != nil {
		s.cfg.Logger.Warn("relay.supervisor.account_state_unavailable", "error", err)
		return
	}
	if len(state) == 0 {
		s.cfg.Logger.Warn("relay.supervisor.account_state_empty")
		return
	}
	count, err := s.cfg.Publisher.PublishAccountState(ctx, s.cfg.Feed.AccountID(), state)
	if err != nil {
		s.cfg.Logger.Warn("relay.supervisor.account_state_publish_failed", "error", err)
		return
	}
	s.cfg.Logger.Info("relay.supervisor.account_state_published", "active", count)
}

// resetBudget forgives all prior failures after a successful publish.
func (s *Supervisor) resetBudget() {
	s.mu.Lock()
	changed := s.retryCount != 0 || s.delay != s.cfg.BackoffFloor
	s.retryCount = 0
	s.delay = s.cfg.BackoffFloor
	s.mu.Unlock()
	if changed {
		s.cfg.Logger.Debug("relay.supervisor.budget_reset")
	}
}

// backoff records a failed cycle. It gives up once the budget is reached,
// otherwise sleeps the current delay and grows it toward the cap.
func (s *Supervisor) backoff(ctx context.Context, cause error) (bool, error) {
	s.transition(ctx, StateBackoff)
	s.metrics.addRestart(ctx)

	s.mu.Lock()
	s.retryCount++
	count := s.retryCount
	delay := s.delay
	s.mu.Unlock()

	if cause != nil {
		s.cfg.Logger.Warn("relay.supervisor.stream_error",
			"error", cause,
			"failures", count)
	}
	if count >= s.cfg.RetryBudget {
		s.transition(ctx, StateGivenUp)
		return true, nil
	}
	s.cfg.Logger.Warn("relay.supervisor.backoff",
		"delay", delay,
		"failures", count,
		"budget", s.cfg.RetryBudget)
	if err := clock.Wait(ctx, s.cfg.Clock, delay); err != nil {
		return false, err
	}
	s.mu.Lock()
	next := time.Duration(float64(s.delay) * s.cfg.BackoffMultiplier)
	if next > s.cfg.BackoffCap {
		next = s.cfg.BackoffCap
	}
	s.delay = next
	s.mu.Unlock()
	return false, nil
}

func (s *Supervisor) transition(ctx context.Context, to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from == to {
		return
	}
	s.metrics.addTransition(ctx, from, to)
	s.logTransition(from, to)
	if s.onTransition != nil {
		s.onTransition(from, to)
	}
}

func (s *Supervisor) logTransition(from, to State) {
	switch to {
	case StateGivenUp:
		s.cfg.Logger.Error("relay.supervisor.gave_up",
			"from", from.String(),
			"failures", s.retrySnapshot(),
			"budget", s.cfg.RetryBudget)
	case StateBackoff:
		s.cfg.Logger.Debug("relay.supervisor.state",
			"from", from.String(),
			"to", to.String())
	default:
		s.cfg.Logger.Info("relay.supervisor.state",
			"from", from.String(),
			"to", to.String())
	}
}
