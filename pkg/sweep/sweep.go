package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/roomsync/internal/observability"
	"github.com/harun/roomsync/internal/tracing"
	"github.com/harun/roomsync/pkg/assignment"
	"github.com/harun/roomsync/pkg/commandqueue"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "roomsync.sweep"

// DefaultSchedule runs the sweep every 15 minutes
const DefaultSchedule = "*/15 * * * *"

// SessionLister lists the sessions a sweep visits
type SessionLister interface {
	ListInProgress(ctx context.Context) ([]*assignment.Session, error)
}

// SessionReconciler narrows the rooms of one session
type SessionReconciler interface {
	ReconcileSession(ctx context.Context, sessionID, keepCounselorID string) (assignment.SessionReport, error)
}

// LaneRunner serializes work per lane, shared with the post-assignment background pass
type LaneRunner interface {
	Enqueue(ctx context.Context, lane string, task commandqueue.Task) error
}

// Failure is one session the sweep could not reconcile
type Failure struct {
	SessionID string
	Err       error
}

// Report summarizes one sweep
type Report struct {
	StartedAt time.Time
	Sessions  int
	Removed   int
	Failures  []Failure
}

// ParseSchedule parses a standard five-field cron expression
func ParseSchedule(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// Sweeper periodically re-runs room reconciliation for every session in progress,
// so revoked authorities and team changes reach rooms without a new assignment.
type Sweeper struct {
	sessions   SessionLister
	reconciler SessionReconciler
	lanes      LaneRunner
	schedule   cron.Schedule
	now        func() time.Time

	mu      sync.Mutex
	timer   *time.Timer
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option is a functional option for configuring the Sweeper
type Option func(*Sweeper)

// WithLanes routes every session through runner on lane "session:<id>"
func WithLanes(runner LaneRunner) Option {
	return func(s *Sweeper) {
		s.lanes = runner
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		s.now = now
	}
}

// New creates a sweeper running on the cron expression expr
func New(sessions SessionLister, reconciler SessionReconciler, expr string, opts ...Option) (*Sweeper, error) {
	if expr == "" {
		expr = DefaultSchedule
	}
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}

	s := &Sweeper{
		sessions:   sessions,
		reconciler: reconciler,
		schedule:   schedule,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// NextRun returns the first scheduled run after t
func (s *Sweeper) NextRun(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// RunOnce sweeps every in-progress session once. Per-session failures are
// collected in the report; only a failure to list sessions is returned as error.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "sweep.run")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	report := Report{StartedAt: s.now()}

	sessions, err := s.sessions.ListInProgress(ctx)
	if err != nil {
		err = fmt.Errorf("failed to list sessions in progress: %w", err)
		tracing.FailSpan(span, err)
		observability.RecordSweep(0, false)
		return report, err
	}
	report.Sessions = len(sessions)
	span.SetAttributes(attribute.Int("sessions", len(sessions)))

	for _, session := range sessions {
		if ctx.Err() != nil {
			report.Failures = append(report.Failures, Failure{SessionID: session.ID, Err: ctx.Err()})
			continue
		}

		removed, err := s.reconcile(ctx, session.ID)
		report.Removed += removed
		if err != nil {
			logger.Warn().Err(err).Str("session_id", session.ID).Msg("Sweep could not reconcile session")
			report.Failures = append(report.Failures, Failure{SessionID: session.ID, Err: err})
		}
	}

	observability.RecordSweep(report.Sessions, len(report.Failures) == 0)
	logger.Info().
		Int("sessions", report.Sessions).
		Int("removed", report.Removed).
		Int("failed", len(report.Failures)).
		Msg("Sweep finished")

	return report, nil
}

func (s *Sweeper) reconcile(ctx context.Context, sessionID string) (int, error) {
	var removed int
	task := func(ctx context.Context) error {
		report, err := s.reconciler.ReconcileSession(ctx, sessionID, "")
		removed = len(report.Primary.Removed) + len(report.Feedback.Removed)
		return err
	}

	if s.lanes == nil {
		err := task(tracing.WithSessionID(ctx, sessionID))
		return removed, err
	}
	err := s.lanes.Enqueue(tracing.WithSessionID(ctx, sessionID), "session:"+sessionID, task)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// the task may still be running; its count is not reliable
		return 0, err
	}
	return removed, err
}

// Start runs the sweep on schedule until ctx ends or Stop is called
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.running = true
	s.scheduleNextLocked()

	go func(ctx context.Context, done chan struct{}) {
		<-ctx.Done()
		s.mu.Lock()
		if s.timer != nil {
			s.timer.Stop()
		}
		s.running = false
		s.mu.Unlock()
		close(done)
	}(s.ctx, s.done)

	log.Info().Time("next_run", s.NextRun(s.now())).Msg("Sweep scheduled")
}

func (s *Sweeper) scheduleNextLocked() {
	delay := s.NextRun(s.now()).Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	ctx := s.ctx
	s.timer = time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.RunOnce(ctx); err != nil {
			log.Error().Err(err).Msg("Sweep failed")
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.running && ctx.Err() == nil {
			s.scheduleNextLocked()
		}
	})
}

// Stop cancels the schedule and waits until no new run can start
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}
