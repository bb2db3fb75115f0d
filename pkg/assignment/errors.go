package assignment

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPreconditionViolation is matched by every *Violation
	ErrPreconditionViolation = errors.New("assignment precondition violated")

	ErrAlreadyAssigned             = errors.New("session is already assigned")
	ErrMissingExternalIdentity     = errors.New("missing chat service identity")
	ErrAgencyNotAuthorized         = errors.New("counselor is not affiliated with the session agency")
	ErrConsultingTypeNotAuthorized = errors.New("counselor does not serve the session consulting type")

	// ErrExternalService is matched by every *ExternalError
	ErrExternalService = errors.New("external service failure")

	ErrAssignmentFailed           = errors.New("assignment failed")
	ErrFeedbackRoomCreationFailed = errors.New("feedback room creation failed")
	ErrFeedbackReconcileFailed    = errors.New("feedback room reconciliation failed")

	ErrSessionNotFound   = errors.New("session not found")
	ErrCounselorNotFound = errors.New("counselor not found")
)

// ViolationKind names the precondition that failed
type ViolationKind string

const (
	KindAlreadyAssigned             ViolationKind = "already_assigned"
	KindMissingExternalIdentity     ViolationKind = "missing_external_identity"
	KindAgencyNotAuthorized         ViolationKind = "agency_not_authorized"
	KindConsultingTypeNotAuthorized ViolationKind = "consulting_type_not_authorized"
)

var kindErrors = map[ViolationKind]error{
	KindAlreadyAssigned:             ErrAlreadyAssigned,
	KindMissingExternalIdentity:     ErrMissingExternalIdentity,
	KindAgencyNotAuthorized:         ErrAgencyNotAuthorized,
	KindConsultingTypeNotAuthorized: ErrConsultingTypeNotAuthorized,
}

// Violation is the tagged result of a failed precondition check
type Violation struct {
	Kind   ViolationKind
	Detail string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s: %s", kindErrors[v.Kind], v.Detail)
}

// Unwrap exposes the kind sentinel so errors.Is(err, ErrAlreadyAssigned) works
func (v *Violation) Unwrap() error {
	return kindErrors[v.Kind]
}

// Is matches ErrPreconditionViolation for every kind
func (v *Violation) Is(target error) bool {
	return target == ErrPreconditionViolation
}

func violation(kind ViolationKind, format string, args ...interface{}) *Violation {
	return &Violation{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// ExternalError wraps a failed call into the chat service or a directory
type ExternalError struct {
	Op  string
	Err error
}

func (e *ExternalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ExternalError) Unwrap() error {
	return e.Err
}

func (e *ExternalError) Is(target error) bool {
	return target == ErrExternalService
}

func external(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ExternalError{Op: op, Err: err}
}

// RemovalFailure is one member that could not be removed from a room
type RemovalFailure struct {
	PrincipalID string
	Err         error
}

// RemovalError aggregates the failed removals of one reconciliation pass
type RemovalError struct {
	RoomID   string
	Role     RoomRole
	Failures []RemovalFailure
}

func (e *RemovalError) Error() string {
	ids := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		ids = append(ids, f.PrincipalID)
	}
	return fmt.Sprintf("failed to remove %d member(s) from %s room %s: %s",
		len(e.Failures), e.Role, e.RoomID, strings.Join(ids, ", "))
}

// Unwrap returns the individual removal errors
func (e *RemovalError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}
