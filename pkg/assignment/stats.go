package assignment

import (
	"context"
	"time"

	"github.com/harun/roomsync/internal/observability"
	"github.com/harun/roomsync/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// assignmentRun is what the post-assignment steps see of a completed assignment
type assignmentRun struct {
	request   AssignRequest
	session   Session
	counselor Counselor
	outcome   Outcome
}

// step is one side effect run after the assignment has been committed.
// Failures come back as warnings and never undo the assignment.
type step func(ctx context.Context, run *assignmentRun) []error

func (o *Orchestrator) notifyReassignment(ctx context.Context, run *assignmentRun) []error {
	if o.notifier == nil {
		return nil
	}
	requester := run.request.RequesterID
	if requester == "" || requester == run.counselor.ID || requester == run.session.VisitorID {
		return nil
	}

	if err := o.notifier.SessionReassigned(ctx, run.session, run.counselor, requester); err != nil {
		logger := tracing.LoggerFromContext(ctx, log.Logger)
		logger.Warn().Err(err).Msg("Failed to send reassignment notification")
		return []error{external("notify session reassigned", err)}
	}
	return nil
}

func (o *Orchestrator) emitStatistics(ctx context.Context, run *assignmentRun) []error {
	if o.stats == nil {
		return nil
	}

	event := AssignmentEvent{
		SessionID:   run.session.ID,
		CounselorID: run.counselor.ID,
		RequesterID: run.request.RequesterID,
		Outcome:     run.outcome,
		At:          o.now(),
	}
	if err := o.stats.AssignmentRecorded(ctx, event); err != nil {
		logger := tracing.LoggerFromContext(ctx, log.Logger)
		logger.Warn().Err(err).Msg("Failed to emit assignment statistics")
		return []error{external("emit assignment statistics", err)}
	}
	return nil
}

// AuditStatistics writes assignment events to the audit log
type AuditStatistics struct{}

// AssignmentRecorded implements StatisticsEmitter
func (AuditStatistics) AssignmentRecorded(ctx context.Context, event AssignmentEvent) error {
	observability.RecordAssignmentAudit(ctx, event.SessionID, event.CounselorID, event.RequesterID, string(event.Outcome))
	return nil
}

// LogNotifier emits reassignment notifications as structured log lines.
// It stands in where no mail gateway is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a notifier writing to logger
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// SessionReassigned implements Notifier
func (n *LogNotifier) SessionReassigned(ctx context.Context, session Session, counselor Counselor, requesterID string) error {
	logger := tracing.PropagateToLogger(ctx, n.logger)
	logger.Info().
		Str("session_id", session.ID).
		Str("counselor_id", counselor.ID).
		Str("requester_id", requesterID).
		Time("notified_at", time.Now()).
		Msg("Session reassigned")
	return nil
}
