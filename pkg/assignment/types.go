package assignment

import (
	"sort"
	"time"
)

// Status is the lifecycle state of a counseling session
type Status string

const (
	StatusNew        Status = "NEW"
	StatusInProgress Status = "IN_PROGRESS"
	StatusDone       Status = "DONE"
)

// RegistrationType tells how the visitor entered the platform
type RegistrationType string

const (
	Registered RegistrationType = "REGISTERED"
	Anonymous  RegistrationType = "ANONYMOUS"
)

// RoomRole distinguishes the two chat rooms a session can own
type RoomRole string

const (
	RolePrimary  RoomRole = "primary"
	RoleFeedback RoomRole = "feedback"
)

// Authority names checked through IdentityFacts
const (
	AuthorityViewAllPeerSessions     = "VIEW_ALL_PEER_SESSIONS"
	AuthorityViewAllFeedbackSessions = "VIEW_ALL_FEEDBACK_SESSIONS"
)

// systemMessageWindow is how far back stale system messages are purged
const systemMessageWindow = 24 * time.Hour

// Session is the durable record of one counseling session.
// Empty strings stand for absent optional ids.
type Session struct {
	ID                  string
	Status              Status
	AssignedCounselorID string
	VisitorID           string
	VisitorPrincipalID  string
	AgencyID            string
	ConsultingTypeID    string
	PrimaryRoomID       string
	FeedbackRoomID      string
	TeamSession         bool
	RegistrationType    RegistrationType
}

// HasFeedbackRoom reports whether the session currently owns a feedback room
func (s *Session) HasFeedbackRoom() bool {
	return s.FeedbackRoomID != ""
}

// IsAnonymous reports whether the session belongs to an anonymous enquiry
func (s *Session) IsAnonymous() bool {
	return s.RegistrationType == Anonymous
}

// RoomID returns the room id for the given role
func (s *Session) RoomID(role RoomRole) string {
	if role == RoleFeedback {
		return s.FeedbackRoomID
	}
	return s.PrimaryRoomID
}

// Counselor is the read-only view of a counselor account used for assignment
type Counselor struct {
	ID                string
	PrincipalID       string
	TeamMember        bool
	AgencyIDs         []string
	ConsultingTypeIDs []string
}

func (c *Counselor) hasAgency(agencyID string) bool {
	for _, id := range c.AgencyIDs {
		if id == agencyID {
			return true
		}
	}
	return false
}

func (c *Counselor) hasConsultingType(typeID string) bool {
	for _, id := range c.ConsultingTypeIDs {
		if id == typeID {
			return true
		}
	}
	return false
}

// ConsultingTypeSettings is the subset of consulting type configuration this package reads
type ConsultingTypeSettings struct {
	FeedbackChatEnabled bool
}

// PrincipalSet is a set of chat-service principal ids
type PrincipalSet map[string]struct{}

// NewPrincipalSet builds a set from ids, ignoring empty ones
func NewPrincipalSet(ids ...string) PrincipalSet {
	s := make(PrincipalSet, len(ids))
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add inserts id unless it is empty
func (s PrincipalSet) Add(id string) {
	if id == "" {
		return
	}
	s[id] = struct{}{}
}

// Contains reports whether id is in the set
func (s PrincipalSet) Contains(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members in ascending order
func (s PrincipalSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Outcome is the coarse result of an assignment request
type Outcome string

const (
	OutcomeAssigned Outcome = "assigned"
	OutcomePartial  Outcome = "partial"
	OutcomeRejected Outcome = "rejected"
	OutcomeFailed   Outcome = "failed"
)

// AssignRequest is the input of Orchestrator.AssignSession
type AssignRequest struct {
	SessionID   string
	CounselorID string
	RequesterID string
	// AllowReassignInProgress opens the reassignment path: a session already in
	// progress with another counselor may be handed over.
	AllowReassignInProgress bool
}

// AssignmentResult describes what happened to an assignment request.
// Warnings carry non-fatal failures (primary room removals, system message purge,
// feedback room creation, side effects) the caller may want to alert on.
type AssignmentResult struct {
	Outcome        Outcome
	Session        Session
	Removed        []string
	FeedbackRoomID string
	Warnings       []error
}
