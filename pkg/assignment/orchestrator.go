package assignment

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/harun/roomsync/internal/observability"
	"github.com/harun/roomsync/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Dependencies are the collaborators an Orchestrator cannot work without
type Dependencies struct {
	Store      SessionStore
	Counselors CounselorDirectory
	Rooms      RoomClient
	Directory  AgencyDirectory
	Identity   IdentityFacts
	Accounts   ServiceAccounts
}

// Orchestrator is the entry point for assigning sessions to counselors.
// It sequences verification, persistence, room membership and the feedback room,
// and compensates the persisted assignment when the chat side fails fatally.
type Orchestrator struct {
	store      SessionStore
	counselors CounselorDirectory
	rooms      RoomClient
	verifier   *Verifier
	members    *MemberSetComputer
	reconciler *Reconciler
	feedback   *FeedbackRooms
	notifier   Notifier
	stats      StatisticsEmitter
	background BackgroundRunner
	now        func() time.Time
	steps      []step
}

// Option is a functional option for configuring the Orchestrator
type Option func(*Orchestrator)

// WithNotifier sets the reassignment notifier
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) {
		o.notifier = n
	}
}

// WithStatistics sets the statistics emitter
func WithStatistics(s StatisticsEmitter) Option {
	return func(o *Orchestrator) {
		o.stats = s
	}
}

// WithBackground sets the runner of the background reconciliation pass.
// Without one, registered sessions get no second pass.
func WithBackground(r BackgroundRunner) Option {
	return func(o *Orchestrator) {
		o.background = r
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
		o.feedback.now = now
	}
}

// WithRoomNamer overrides how feedback room names are generated
func WithRoomNamer(namer func(sessionID string) (string, error)) Option {
	return func(o *Orchestrator) {
		o.feedback.roomName = namer
	}
}

// New creates an Orchestrator
func New(deps Dependencies, opts ...Option) *Orchestrator {
	observability.EnsureRegistered()

	members := NewMemberSetComputer(deps.Accounts, deps.Directory, deps.Identity)
	reconciler := NewReconciler(deps.Rooms)

	o := &Orchestrator{
		store:      deps.Store,
		counselors: deps.Counselors,
		rooms:      deps.Rooms,
		verifier:   NewVerifier(),
		members:    members,
		reconciler: reconciler,
		feedback:   NewFeedbackRooms(deps.Rooms, deps.Store, deps.Directory, members, reconciler, deps.Accounts),
		now:        time.Now,
	}
	o.steps = []step{o.notifyReassignment, o.emitStatistics}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// AssignSession assigns req.CounselorID to req.SessionID.
//
// A rejected or failed assignment returns a non-nil error together with a result
// whose Outcome tells which. A successful assignment may still carry Warnings
// (Outcome partial) for failures that did not invalidate it.
func (o *Orchestrator) AssignSession(ctx context.Context, req AssignRequest) (AssignmentResult, error) {
	ctx = tracing.NewAssignmentContext(ctx, req.SessionID, req.RequesterID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "assignment.assign_session",
		attribute.String("session_id", req.SessionID),
		attribute.String("counselor_id", req.CounselorID),
		attribute.Bool("allow_reassign", req.AllowReassignInProgress),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("counselor_id", req.CounselorID).Logger()

	start := o.now()
	result, err := o.assign(ctx, req)
	observability.RecordAssignment(string(result.Outcome), time.Since(start))
	span.SetAttributes(attribute.String("outcome", string(result.Outcome)))

	switch {
	case err != nil && result.Outcome == OutcomeRejected:
		logger.Warn().Err(err).Msg("Assignment rejected")
	case err != nil:
		tracing.FailSpan(span, err)
		logger.Error().Err(err).Msg("Assignment failed")
	case len(result.Warnings) > 0:
		logger.Warn().Errs("warnings", result.Warnings).Msg("Session assigned with warnings")
	default:
		logger.Info().Strs("removed", result.Removed).Msg("Session assigned")
	}

	return result, err
}

func (o *Orchestrator) assign(ctx context.Context, req AssignRequest) (AssignmentResult, error) {
	result := AssignmentResult{Outcome: OutcomeFailed}

	session, err := o.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return result, fmt.Errorf("failed to load session %s: %w", req.SessionID, err)
	}
	result.Session = *session

	counselor, err := o.counselors.GetCounselor(ctx, req.CounselorID)
	if err != nil {
		return result, fmt.Errorf("failed to load counselor %s: %w", req.CounselorID, err)
	}

	if violation := o.verifier.Verify(session, counselor, req.AllowReassignInProgress); violation != nil {
		result.Outcome = OutcomeRejected
		return result, violation
	}

	keep := o.resolveKeep(ctx, req, counselor)
	prior := *session

	status := session.Status
	if status == StatusNew {
		status = StatusInProgress
	}
	if err := o.store.SaveAssignment(ctx, session.ID, counselor.ID, status); err != nil {
		return result, fmt.Errorf("%w: failed to persist assignment: %w", ErrAssignmentFailed, err)
	}
	session.AssignedCounselorID = counselor.ID
	session.Status = status

	var changes primaryChanges
	joined, err := o.joinPrimary(ctx, session, counselor)
	if err != nil {
		compensateErr := o.compensate(ctx, session, prior, changes, "", err)
		result.Session = *session
		return result, errors.Join(fmt.Errorf("%w: %w", ErrAssignmentFailed, err), compensateErr)
	}
	if joined {
		changes.joined = counselor.PrincipalID
	}

	var warnings []error
	if err := o.rooms.PurgeSystemMessages(ctx, session.PrimaryRoomID, o.now().Add(-systemMessageWindow)); err != nil {
		warnings = append(warnings, external("purge system messages of primary room", err))
	}

	hadFeedbackRoom := session.HasFeedbackRoom()
	report, err := o.reconcilePrimary(ctx, session, counselor, keep)
	changes.removed = report.Removed
	if err != nil {
		warnings = append(warnings, err)
	}

	feedback, err := o.feedback.Renew(ctx, session, counselor, keep)
	if err != nil {
		if errors.Is(err, ErrFeedbackReconcileFailed) {
			compensateErr := o.compensate(ctx, session, prior, changes, feedback.RoomID, err)
			result.Session = *session
			return result, errors.Join(fmt.Errorf("%w: %w", ErrAssignmentFailed, err), compensateErr)
		}
		warnings = append(warnings, err)
	}

	removed := report.Removed
	if session.TeamSession && hadFeedbackRoom != session.HasFeedbackRoom() {
		realigned, err := o.realignPrimary(ctx, session, counselor, keep, removed)
		removed = realigned
		if err != nil {
			warnings = append(warnings, err)
		}
	}
	result.Removed = append(result.Removed, removed...)
	result.Removed = append(result.Removed, feedback.Report.Removed...)

	result.Session = *session
	result.FeedbackRoomID = session.FeedbackRoomID
	result.Outcome = OutcomeAssigned
	if len(warnings) > 0 {
		result.Outcome = OutcomePartial
	}

	run := &assignmentRun{request: req, session: *session, counselor: *counselor, outcome: result.Outcome}
	for _, s := range o.steps {
		warnings = append(warnings, s(ctx, run)...)
	}
	result.Warnings = warnings

	if !session.IsAnonymous() {
		keepID := ""
		if keep != nil {
			keepID = keep.ID
		}
		o.scheduleBackgroundPass(ctx, session.ID, keepID)
	}

	return result, nil
}

// resolveKeep returns the requester when they are a counselor handing the
// session to someone else on the reassignment path.
func (o *Orchestrator) resolveKeep(ctx context.Context, req AssignRequest, assigned *Counselor) *Counselor {
	if !req.AllowReassignInProgress || req.RequesterID == "" || req.RequesterID == assigned.ID {
		return nil
	}

	keep, err := o.counselors.GetCounselor(ctx, req.RequesterID)
	if err != nil {
		if !errors.Is(err, ErrCounselorNotFound) {
			logger := tracing.LoggerFromContext(ctx, log.Logger)
			logger.Warn().Err(err).Msg("Failed to resolve requesting counselor")
		}
		return nil
	}
	return keep
}

// joinPrimary adds the counselor to the primary room and reports whether this
// request made them a member.
func (o *Orchestrator) joinPrimary(ctx context.Context, session *Session, counselor *Counselor) (bool, error) {
	members, err := o.rooms.ListMembers(ctx, session.PrimaryRoomID)
	if err != nil {
		return false, external(fmt.Sprintf("list members of room %s", session.PrimaryRoomID), err)
	}
	if slices.Contains(members, counselor.PrincipalID) {
		return false, nil
	}
	if err := o.rooms.AddMember(ctx, counselor.PrincipalID, session.PrimaryRoomID); err != nil {
		return false, external(fmt.Sprintf("add counselor %s to room %s", counselor.ID, session.PrimaryRoomID), err)
	}
	return true, nil
}

// realignPrimary applies the primary rule again after the feedback lifecycle
// opened or closed the session's feedback room, which switches the team rule.
// Members this request removed under the old rule and the new rule admits are
// added back; members the new rule no longer admits are removed. It returns
// the principals that stay removed.
func (o *Orchestrator) realignPrimary(ctx context.Context, session *Session, assigned, keep *Counselor, removed []string) ([]string, error) {
	authorized, err := o.members.Compute(ctx, MemberSetInput{
		Role:     RolePrimary,
		Session:  session,
		Assigned: assigned,
		Keep:     keep,
	})
	if err != nil {
		return removed, err
	}

	var errs []error
	var stillRemoved []string
	for _, principalID := range removed {
		if !authorized.Contains(principalID) {
			stillRemoved = append(stillRemoved, principalID)
			continue
		}
		if err := o.rooms.AddMember(ctx, principalID, session.PrimaryRoomID); err != nil {
			errs = append(errs, external(fmt.Sprintf("readmit %s to room %s", principalID, session.PrimaryRoomID), err))
			stillRemoved = append(stillRemoved, principalID)
		}
	}

	report, err := o.reconciler.Reconcile(ctx, session.PrimaryRoomID, RolePrimary, authorized)
	stillRemoved = append(stillRemoved, report.Removed...)
	if err != nil {
		errs = append(errs, err)
	}
	return stillRemoved, errors.Join(errs...)
}

func (o *Orchestrator) reconcilePrimary(ctx context.Context, session *Session, assigned, keep *Counselor) (ReconcileReport, error) {
	authorized, err := o.members.Compute(ctx, MemberSetInput{
		Role:     RolePrimary,
		Session:  session,
		Assigned: assigned,
		Keep:     keep,
	})
	if err != nil {
		return ReconcileReport{RoomID: session.PrimaryRoomID, Role: RolePrimary}, err
	}
	return o.reconciler.Reconcile(ctx, session.PrimaryRoomID, RolePrimary, authorized)
}

// primaryChanges is what an assignment did to the primary room
type primaryChanges struct {
	joined  string
	removed []string
}

// compensate reverts the persisted assignment to prior after a fatal chat-side
// failure. A feedback room opened by this request is retired and the primary
// room gets back the members it had before the request.
func (o *Orchestrator) compensate(ctx context.Context, session *Session, prior Session, changes primaryChanges, freshFeedbackRoomID string, cause error) error {
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	observability.RecordAssignmentRollback()
	observability.RecordRollbackAudit(ctx, session.ID, tracing.GetRequesterID(ctx), cause.Error())

	var errs []error
	if freshFeedbackRoomID != "" {
		if _, err := o.feedback.Retire(ctx, session); err != nil {
			logger.Error().Err(err).Str("feedback_room_id", freshFeedbackRoomID).Msg("Failed to retire feedback room during rollback")
			errs = append(errs, err)
		}
	}
	errs = append(errs, o.revertPrimary(ctx, session.PrimaryRoomID, changes)...)

	if err := o.store.SaveAssignment(ctx, session.ID, prior.AssignedCounselorID, prior.Status); err != nil {
		logger.Error().Err(err).
			Str("prior_counselor_id", prior.AssignedCounselorID).
			Str("prior_status", string(prior.Status)).
			Msg("Failed to roll back assignment")
		errs = append(errs, fmt.Errorf("failed to roll back assignment of session %s: %w", session.ID, err))
		return errors.Join(errs...)
	}
	session.AssignedCounselorID = prior.AssignedCounselorID
	session.Status = prior.Status

	logger.Warn().Err(cause).Str("status", string(prior.Status)).Msg("Assignment rolled back")
	return errors.Join(errs...)
}

func (o *Orchestrator) revertPrimary(ctx context.Context, roomID string, changes primaryChanges) []error {
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("room_id", roomID).Logger()

	var errs []error
	for _, principalID := range changes.removed {
		if err := o.rooms.AddMember(ctx, principalID, roomID); err != nil {
			logger.Error().Err(err).Str("principal_id", principalID).Msg("Failed to restore primary room member")
			errs = append(errs, external(fmt.Sprintf("restore member %s", principalID), err))
		}
	}
	if changes.joined != "" {
		if err := o.rooms.RemoveMember(ctx, changes.joined, roomID); err != nil {
			logger.Error().Err(err).Str("principal_id", changes.joined).Msg("Failed to withdraw counselor from primary room")
			errs = append(errs, external(fmt.Sprintf("withdraw %s", changes.joined), err))
		}
	}
	return errs
}

func (o *Orchestrator) scheduleBackgroundPass(ctx context.Context, sessionID, keepID string) {
	if o.background == nil {
		return
	}
	o.background.Submit(tracing.Detach(ctx), "session:"+sessionID, func(ctx context.Context) error {
		_, err := o.ReconcileSession(ctx, sessionID, keepID)
		if err != nil {
			logger := tracing.LoggerFromContext(ctx, log.Logger)
			logger.Warn().Err(err).Msg("Background reconciliation incomplete")
		}
		return err
	})
}

// SessionReport is the result of reconciling both rooms of a session
type SessionReport struct {
	SessionID string
	Primary   ReconcileReport
	Feedback  ReconcileReport
}

// ReconcileSession re-reads a session and narrows its rooms to the currently
// authorized sets. It never touches the persisted assignment; a failed feedback
// pass is compensated at room level only. Sessions without a counselor are skipped.
func (o *Orchestrator) ReconcileSession(ctx context.Context, sessionID, keepCounselorID string) (SessionReport, error) {
	if tracing.GetSessionID(ctx) == "" {
		ctx = tracing.WithSessionID(ctx, sessionID)
	}
	ctx, span := tracing.StartSpan(ctx, tracerName, "assignment.reconcile_session",
		attribute.String("session_id", sessionID),
	)
	defer span.End()

	report := SessionReport{SessionID: sessionID}

	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		err = fmt.Errorf("failed to load session %s: %w", sessionID, err)
		tracing.FailSpan(span, err)
		return report, err
	}
	if session.AssignedCounselorID == "" {
		return report, nil
	}

	counselor, err := o.counselors.GetCounselor(ctx, session.AssignedCounselorID)
	if err != nil {
		err = fmt.Errorf("failed to load counselor %s: %w", session.AssignedCounselorID, err)
		tracing.FailSpan(span, err)
		return report, err
	}

	var keep *Counselor
	if keepCounselorID != "" && keepCounselorID != counselor.ID {
		if k, err := o.counselors.GetCounselor(ctx, keepCounselorID); err == nil {
			keep = k
		}
	}

	var errs []error
	report.Primary, err = o.reconcilePrimary(ctx, session, counselor, keep)
	if err != nil {
		errs = append(errs, err)
	}
	report.Feedback, err = o.feedback.Reconcile(ctx, session, counselor, keep)
	if err != nil {
		errs = append(errs, err)
	}

	err = errors.Join(errs...)
	tracing.FailSpan(span, err)
	return report, err
}
