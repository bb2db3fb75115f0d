package assignment

import (
	"context"
	"time"
)

// RoomClient is the chat-service membership API this package drives.
// Every method is a blocking remote call; timeouts belong to the implementation.
type RoomClient interface {
	AddMember(ctx context.Context, principalID, roomID string) error
	RemoveMember(ctx context.Context, principalID, roomID string) error
	ListMembers(ctx context.Context, roomID string) ([]string, error)
	CreateRoom(ctx context.Context, name string) (string, error)
	DeleteRoom(ctx context.Context, roomID string) error
	PurgeSystemMessages(ctx context.Context, roomID string, since time.Time) error
}

// IdentityFacts answers live authority questions about a user
type IdentityFacts interface {
	HasAuthority(ctx context.Context, userID, authority string) (bool, error)
}

// AgencyDirectory resolves agency teams and consulting type settings
type AgencyDirectory interface {
	TeamMembersOf(ctx context.Context, agencyID string) ([]Counselor, error)
	ConsultingTypeSettings(ctx context.Context, typeID string) (ConsultingTypeSettings, error)
}

// SessionStore persists the fields of a session this package mutates.
// Writes are row-level; the last writer wins.
type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	SaveAssignment(ctx context.Context, sessionID, counselorID string, status Status) error
	SetFeedbackRoom(ctx context.Context, sessionID, roomID string) error
	ListInProgress(ctx context.Context) ([]*Session, error)
}

// CounselorDirectory loads counselor accounts
type CounselorDirectory interface {
	GetCounselor(ctx context.Context, counselorID string) (*Counselor, error)
}

// Notifier delivers the "session reassigned" notification
type Notifier interface {
	SessionReassigned(ctx context.Context, session Session, counselor Counselor, requesterID string) error
}

// AssignmentEvent is the statistics record of a completed assignment
type AssignmentEvent struct {
	SessionID   string
	CounselorID string
	RequesterID string
	Outcome     Outcome
	At          time.Time
}

// StatisticsEmitter receives assignment statistics events
type StatisticsEmitter interface {
	AssignmentRecorded(ctx context.Context, event AssignmentEvent) error
}

// BackgroundRunner runs fire-and-forget work serialized per lane
type BackgroundRunner interface {
	Submit(ctx context.Context, lane string, task func(ctx context.Context) error)
}

// ServiceAccounts are the non-human principals that always stay in every room
type ServiceAccounts struct {
	TechnicalPrincipalID string
	SystemPrincipalID    string
}
