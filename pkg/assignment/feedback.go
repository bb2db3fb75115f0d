package assignment

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/harun/roomsync/internal/observability"
	"github.com/harun/roomsync/internal/tracing"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const roomNameAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// FeedbackRoomName builds a unique feedback room name for a session
func FeedbackRoomName(sessionID string) (string, error) {
	suffix, err := gonanoid.Generate(roomNameAlphabet, 10)
	if err != nil {
		return "", fmt.Errorf("failed to generate room name: %w", err)
	}
	return fmt.Sprintf("%s-feedback-%s", sessionID, suffix), nil
}

// FeedbackOutcome reports what the lifecycle did for one assignment
type FeedbackOutcome struct {
	RetiredRoomID string
	// RoomID is set only for a room opened by this assignment.
	RoomID string
	// KeptRoomID is the previous room when it could not be retired and was
	// handed over to the assigned counselor instead.
	KeptRoomID string
	Report     ReconcileReport
}

// FeedbackRooms owns the feedback room of a session across assignments.
// Every assignment retires the previous room and, when the consulting type has
// feedback chat enabled, opens a fresh one.
type FeedbackRooms struct {
	rooms      RoomClient
	store      SessionStore
	directory  AgencyDirectory
	members    *MemberSetComputer
	reconciler *Reconciler
	accounts   ServiceAccounts
	now        func() time.Time
	roomName   func(sessionID string) (string, error)
}

// NewFeedbackRooms creates the feedback room lifecycle
func NewFeedbackRooms(rooms RoomClient, store SessionStore, directory AgencyDirectory,
	members *MemberSetComputer, reconciler *Reconciler, accounts ServiceAccounts) *FeedbackRooms {
	return &FeedbackRooms{
		rooms:      rooms,
		store:      store,
		directory:  directory,
		members:    members,
		reconciler: reconciler,
		accounts:   accounts,
		now:        time.Now,
		roomName:   FeedbackRoomName,
	}
}

// Renew runs the lifecycle for a session that has just been assigned to
// assigned. session.FeedbackRoomID is kept in sync with what was persisted.
//
// Errors wrapping ErrFeedbackRoomCreationFailed leave the assignment valid.
// Errors wrapping ErrFeedbackReconcileFailed are fatal for the assignment.
func (f *FeedbackRooms) Renew(ctx context.Context, session *Session, assigned, keep *Counselor) (FeedbackOutcome, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "assignment.feedback_renew",
		attribute.String("session_id", session.ID),
	)
	defer span.End()

	var outcome FeedbackOutcome
	if session.HasFeedbackRoom() {
		retired, err := f.Retire(ctx, session)
		if err != nil {
			tracing.FailSpan(span, err)
			if errors.Is(err, ErrExternalService) {
				return f.handOver(ctx, session, assigned, keep, err)
			}
			// The room is gone, only its id is still on record.
			return outcome, fmt.Errorf("%w: %w", ErrFeedbackRoomCreationFailed, err)
		}
		outcome.RetiredRoomID = retired
	}

	settings, err := f.directory.ConsultingTypeSettings(ctx, session.ConsultingTypeID)
	if err != nil {
		err = external(fmt.Sprintf("load settings of consulting type %s", session.ConsultingTypeID), err)
		tracing.FailSpan(span, err)
		return outcome, fmt.Errorf("%w: %w", ErrFeedbackRoomCreationFailed, err)
	}
	if !settings.FeedbackChatEnabled {
		return outcome, nil
	}

	roomID, err := f.create(ctx, session, assigned)
	if err != nil {
		observability.RecordFeedbackRoom("create", false)
		tracing.FailSpan(span, err)
		return outcome, fmt.Errorf("%w: %w", ErrFeedbackRoomCreationFailed, err)
	}
	observability.RecordFeedbackRoom("create", true)
	outcome.RoomID = roomID
	span.SetAttributes(attribute.String("feedback_room_id", roomID))

	report, err := f.Reconcile(ctx, session, assigned, keep)
	outcome.Report = report
	if err != nil {
		tracing.FailSpan(span, err)
		return outcome, err
	}

	return outcome, nil
}

// Reconcile narrows the session's feedback room to its authorized set.
// Any failure, including a failed authority lookup, wraps ErrFeedbackReconcileFailed.
func (f *FeedbackRooms) Reconcile(ctx context.Context, session *Session, assigned, keep *Counselor) (ReconcileReport, error) {
	if !session.HasFeedbackRoom() {
		return ReconcileReport{Role: RoleFeedback}, nil
	}

	authorized, err := f.members.Compute(ctx, MemberSetInput{
		Role:     RoleFeedback,
		Session:  session,
		Assigned: assigned,
		Keep:     keep,
	})
	if err != nil {
		return ReconcileReport{RoomID: session.FeedbackRoomID, Role: RoleFeedback},
			fmt.Errorf("%w: %w", ErrFeedbackReconcileFailed, err)
	}

	report, err := f.reconciler.Reconcile(ctx, session.FeedbackRoomID, RoleFeedback, authorized)
	if err != nil && !errors.Is(err, ErrFeedbackReconcileFailed) {
		err = fmt.Errorf("%w: %w", ErrFeedbackReconcileFailed, err)
	}
	return report, err
}

// handOver keeps a feedback room that could not be retired and narrows it to
// the new assignment. The assigned counselor joins the room and everyone else
// the feedback rule does not admit is removed. The retirement failure is
// returned as ErrFeedbackRoomCreationFailed once the room is safe; a failure
// while narrowing is fatal and leaves the room as it was found.
func (f *FeedbackRooms) handOver(ctx context.Context, session *Session, assigned, keep *Counselor, cause error) (FeedbackOutcome, error) {
	roomID := session.FeedbackRoomID
	outcome := FeedbackOutcome{KeptRoomID: roomID}
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("feedback_room_id", roomID).Logger()
	logger.Warn().Err(cause).Msg("Feedback room could not be retired, handing it over")

	members, err := f.rooms.ListMembers(ctx, roomID)
	if err != nil {
		err = external(fmt.Sprintf("list members of feedback room %s", roomID), err)
		return outcome, fmt.Errorf("%w: %w", ErrFeedbackReconcileFailed, err)
	}

	joined := !slices.Contains(members, assigned.PrincipalID)
	if joined {
		if err := f.rooms.AddMember(ctx, assigned.PrincipalID, roomID); err != nil {
			err = external(fmt.Sprintf("add %s to feedback room", assigned.PrincipalID), err)
			return outcome, fmt.Errorf("%w: %w", ErrFeedbackReconcileFailed, err)
		}
	}

	report, err := f.Reconcile(ctx, session, assigned, keep)
	outcome.Report = report
	if err != nil {
		if joined {
			if removeErr := f.rooms.RemoveMember(ctx, assigned.PrincipalID, roomID); removeErr != nil {
				logger.Error().Err(removeErr).Str("principal_id", assigned.PrincipalID).Msg("Failed to withdraw counselor from feedback room")
				err = errors.Join(err, external(fmt.Sprintf("withdraw %s from feedback room", assigned.PrincipalID), removeErr))
			}
		}
		return outcome, err
	}

	return outcome, fmt.Errorf("%w: %w", ErrFeedbackRoomCreationFailed, cause)
}

// Retire deletes the session's feedback room and clears the persisted id.
// It returns the id of the retired room.
func (f *FeedbackRooms) Retire(ctx context.Context, session *Session) (string, error) {
	roomID := session.FeedbackRoomID
	if roomID == "" {
		return "", nil
	}
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("feedback_room_id", roomID).Logger()

	if err := f.rooms.DeleteRoom(ctx, roomID); err != nil {
		observability.RecordFeedbackRoom("delete", false)
		return "", external(fmt.Sprintf("delete feedback room %s", roomID), err)
	}
	observability.RecordFeedbackRoom("delete", true)

	if err := f.store.SetFeedbackRoom(ctx, session.ID, ""); err != nil {
		return "", fmt.Errorf("failed to clear feedback room of session %s: %w", session.ID, err)
	}
	session.FeedbackRoomID = ""

	logger.Info().Msg("Feedback room retired")
	return roomID, nil
}

// create opens a fresh feedback room, seeds it and persists its id.
// A half-built room is deleted again before returning an error.
func (f *FeedbackRooms) create(ctx context.Context, session *Session, assigned *Counselor) (string, error) {
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	name, err := f.roomName(session.ID)
	if err != nil {
		return "", err
	}

	roomID, err := f.rooms.CreateRoom(ctx, name)
	if err != nil {
		return "", external(fmt.Sprintf("create room %s", name), err)
	}

	if err := f.seed(ctx, session, assigned, roomID); err != nil {
		if deleteErr := f.rooms.DeleteRoom(ctx, roomID); deleteErr != nil {
			logger.Error().Err(deleteErr).Str("feedback_room_id", roomID).Msg("Failed to delete half-created feedback room")
		}
		return "", err
	}

	logger.Info().Str("feedback_room_id", roomID).Str("room_name", name).Msg("Feedback room created")
	return roomID, nil
}

func (f *FeedbackRooms) seed(ctx context.Context, session *Session, assigned *Counselor, roomID string) error {
	candidate := *session
	candidate.FeedbackRoomID = roomID

	extension, err := f.members.TeamExtension(ctx, MemberSetInput{
		Role:     RoleFeedback,
		Session:  &candidate,
		Assigned: assigned,
	})
	if err != nil {
		return err
	}

	seeds := NewPrincipalSet(f.accounts.SystemPrincipalID, assigned.PrincipalID)
	for _, id := range extension {
		seeds.Add(id)
	}
	for _, principalID := range seeds.Sorted() {
		if err := f.rooms.AddMember(ctx, principalID, roomID); err != nil {
			return external(fmt.Sprintf("add %s to feedback room", principalID), err)
		}
	}

	if err := f.rooms.PurgeSystemMessages(ctx, roomID, f.now().Add(-systemMessageWindow)); err != nil {
		return external("purge system messages of feedback room", err)
	}

	if err := f.store.SetFeedbackRoom(ctx, session.ID, roomID); err != nil {
		return fmt.Errorf("failed to persist feedback room of session %s: %w", session.ID, err)
	}
	session.FeedbackRoomID = roomID
	return nil
}
