package assignment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/roomsync/internal/observability"
	"github.com/harun/roomsync/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "roomsync.assignment"

// ReconcileReport describes one reconciliation pass over a room
type ReconcileReport struct {
	RoomID   string
	Role     RoomRole
	Snapshot []string
	Removed  []string
	// Restored lists members re-added after an aborted feedback pass
	Restored []string
}

// Reconciler shrinks a room's membership to an authorized set.
// It never adds a principal other than re-adding one it removed itself in the
// same aborted pass, so a crash mid-way cannot grant access that did not exist.
type Reconciler struct {
	rooms RoomClient
}

// NewReconciler creates a reconciler over the given room client
func NewReconciler(rooms RoomClient) *Reconciler {
	return &Reconciler{rooms: rooms}
}

// Reconcile removes every member of roomID that is not in authorized.
//
// Primary rooms are best effort: every surplus member is attempted, failures are
// returned together as a *RemovalError and successful removals stay in place.
// Feedback rooms are all or nothing: the first failure stops the pass, members
// removed so far are re-added and ErrFeedbackReconcileFailed is returned.
func (r *Reconciler) Reconcile(ctx context.Context, roomID string, role RoomRole, authorized PrincipalSet) (ReconcileReport, error) {
	report := ReconcileReport{RoomID: roomID, Role: role}
	if roomID == "" {
		return report, nil
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "assignment.reconcile",
		attribute.String("room_id", roomID),
		attribute.String("room_role", string(role)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().
		Str("room_id", roomID).
		Str("room_role", string(role)).
		Logger()

	start := time.Now()
	defer func() {
		observability.RecordReconcile(string(role), time.Since(start))
	}()

	members, err := r.rooms.ListMembers(ctx, roomID)
	if err != nil {
		err = external(fmt.Sprintf("list members of room %s", roomID), err)
		tracing.FailSpan(span, err)
		return report, err
	}
	report.Snapshot = members

	var surplus []string
	for _, member := range members {
		if !authorized.Contains(member) {
			surplus = append(surplus, member)
		}
	}
	span.SetAttributes(attribute.Int("surplus", len(surplus)))
	if len(surplus) == 0 {
		logger.Debug().Int("members", len(members)).Msg("Room membership already converged")
		return report, nil
	}

	var failures []RemovalFailure
	for _, principalID := range surplus {
		removeErr := r.rooms.RemoveMember(ctx, principalID, roomID)
		observability.RecordMemberRemoval(string(role), removeErr == nil)
		if removeErr == nil {
			report.Removed = append(report.Removed, principalID)
			logger.Info().Str("principal_id", principalID).Msg("Removed unauthorized room member")
			continue
		}

		failures = append(failures, RemovalFailure{PrincipalID: principalID, Err: external("remove member", removeErr)})
		logger.Warn().Err(removeErr).Str("principal_id", principalID).Msg("Failed to remove room member")

		if role == RoleFeedback {
			break
		}
	}

	if len(failures) == 0 {
		return report, nil
	}

	removalErr := &RemovalError{RoomID: roomID, Role: role, Failures: failures}
	if role != RoleFeedback {
		tracing.FailSpan(span, removalErr)
		return report, removalErr
	}

	restoreErr := r.restore(ctx, roomID, &report)
	err = fmt.Errorf("%w: %w", ErrFeedbackReconcileFailed, removalErr)
	if restoreErr != nil {
		err = errors.Join(err, restoreErr)
	}
	tracing.FailSpan(span, err)
	return report, err
}

// restore re-adds the members removed by an aborted feedback pass
func (r *Reconciler) restore(ctx context.Context, roomID string, report *ReconcileReport) error {
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	var errs []error
	for _, principalID := range report.Removed {
		if err := r.rooms.AddMember(ctx, principalID, roomID); err != nil {
			logger.Error().Err(err).
				Str("room_id", roomID).
				Str("principal_id", principalID).
				Msg("Failed to restore feedback room member")
			errs = append(errs, external(fmt.Sprintf("restore member %s", principalID), err))
			continue
		}
		report.Restored = append(report.Restored, principalID)
	}
	return errors.Join(errs...)
}
