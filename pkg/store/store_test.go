package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harun/roomsync/pkg/assignment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "roomsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testSession(id string) assignment.Session {
	return assignment.Session{
		ID:                 id,
		Status:             assignment.StatusNew,
		VisitorID:          "visitor-" + id,
		VisitorPrincipalID: "rc-visitor-" + id,
		AgencyID:           "agency-1",
		ConsultingTypeID:   "ct-1",
		PrimaryRoomID:      "room-" + id,
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}

func TestStore_SessionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	session := testSession("s1")
	session.TeamSession = true
	require.NoError(t, s.UpsertSession(ctx, session))

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	session.RegistrationType = assignment.Registered
	assert.Equal(t, session, *got)
	assert.Empty(t, got.AssignedCounselorID)
	assert.Empty(t, got.FeedbackRoomID)
}

func TestStore_GetSessionNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetSession(context.Background(), "missing")

	assert.ErrorIs(t, err, assignment.ErrSessionNotFound)
}

func TestStore_SaveAssignmentAndFeedbackRoom(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertSession(ctx, testSession("s1")))

	require.NoError(t, s.SaveAssignment(ctx, "s1", "c1", assignment.StatusInProgress))
	require.NoError(t, s.SetFeedbackRoom(ctx, "s1", "fb-1"))

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.AssignedCounselorID)
	assert.Equal(t, assignment.StatusInProgress, got.Status)
	assert.Equal(t, "fb-1", got.FeedbackRoomID)

	// Clearing writes NULL back.
	require.NoError(t, s.SaveAssignment(ctx, "s1", "", assignment.StatusNew))
	require.NoError(t, s.SetFeedbackRoom(ctx, "s1", ""))
	got, err = s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, got.AssignedCounselorID)
	assert.Equal(t, assignment.StatusNew, got.Status)
	assert.Empty(t, got.FeedbackRoomID)

	assert.ErrorIs(t, s.SaveAssignment(ctx, "missing", "c1", assignment.StatusInProgress), assignment.ErrSessionNotFound)
	assert.ErrorIs(t, s.SetFeedbackRoom(ctx, "missing", "fb"), assignment.ErrSessionNotFound)
}

func TestStore_ListInProgress(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"s3", "s1", "s2"} {
		require.NoError(t, s.UpsertSession(ctx, testSession(id)))
	}
	require.NoError(t, s.SaveAssignment(ctx, "s3", "c1", assignment.StatusInProgress))
	require.NoError(t, s.SaveAssignment(ctx, "s1", "c2", assignment.StatusInProgress))

	sessions, err := s.ListInProgress(ctx)

	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "s1", sessions[0].ID)
	assert.Equal(t, "s3", sessions[1].ID)
}

func TestStore_Counselors(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertCounselor(ctx, assignment.Counselor{
		ID: "c1", PrincipalID: "rc-c1", TeamMember: true, AgencyIDs: []string{"agency-2", "agency-1"},
	}))
	require.NoError(t, s.UpsertCounselor(ctx, assignment.Counselor{
		ID: "c2", AgencyIDs: []string{"agency-1"},
	}))
	require.NoError(t, s.LinkConsultingType(ctx, "agency-1", "ct-1"))
	require.NoError(t, s.LinkConsultingType(ctx, "agency-2", "ct-2"))
	require.NoError(t, s.LinkConsultingType(ctx, "agency-2", "ct-1"))

	c1, err := s.GetCounselor(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "rc-c1", c1.PrincipalID)
	assert.True(t, c1.TeamMember)
	assert.Equal(t, []string{"agency-1", "agency-2"}, c1.AgencyIDs)
	assert.Equal(t, []string{"ct-1", "ct-2"}, c1.ConsultingTypeIDs)

	c2, err := s.GetCounselor(ctx, "c2")
	require.NoError(t, err)
	assert.Empty(t, c2.PrincipalID)
	assert.False(t, c2.TeamMember)

	team, err := s.TeamMembersOf(ctx, "agency-1")
	require.NoError(t, err)
	require.Len(t, team, 2)
	assert.Equal(t, "c1", team[0].ID)
	assert.Equal(t, "c2", team[1].ID)

	// Re-saving replaces agency links.
	require.NoError(t, s.UpsertCounselor(ctx, assignment.Counselor{ID: "c1", PrincipalID: "rc-c1", AgencyIDs: []string{"agency-2"}}))
	team, err = s.TeamMembersOf(ctx, "agency-1")
	require.NoError(t, err)
	require.Len(t, team, 1)

	_, err = s.GetCounselor(ctx, "missing")
	assert.ErrorIs(t, err, assignment.ErrCounselorNotFound)
}

func TestStore_ConsultingTypeSettings(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	settings, err := s.ConsultingTypeSettings(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, settings.FeedbackChatEnabled)

	require.NoError(t, s.UpsertConsultingType(ctx, "ct-1", assignment.ConsultingTypeSettings{FeedbackChatEnabled: true}))
	settings, err = s.ConsultingTypeSettings(ctx, "ct-1")
	require.NoError(t, err)
	assert.True(t, settings.FeedbackChatEnabled)
}

func TestStore_Authorities(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	granted, err := s.HasAuthority(ctx, "c1", assignment.AuthorityViewAllPeerSessions)
	require.NoError(t, err)
	assert.False(t, granted)

	require.NoError(t, s.GrantAuthority(ctx, "c1", assignment.AuthorityViewAllPeerSessions))
	require.NoError(t, s.GrantAuthority(ctx, "c1", assignment.AuthorityViewAllPeerSessions))
	granted, err = s.HasAuthority(ctx, "c1", assignment.AuthorityViewAllPeerSessions)
	require.NoError(t, err)
	assert.True(t, granted)

	require.NoError(t, s.RevokeAuthority(ctx, "c1", assignment.AuthorityViewAllPeerSessions))
	granted, err = s.HasAuthority(ctx, "c1", assignment.AuthorityViewAllPeerSessions)
	require.NoError(t, err)
	assert.False(t, granted)
}

type countingDirectory struct {
	mu       sync.Mutex
	calls    int
	settings assignment.ConsultingTypeSettings
	err      error
}

func (d *countingDirectory) TeamMembersOf(context.Context, string) ([]assignment.Counselor, error) {
	return []assignment.Counselor{{ID: "c1"}}, nil
}

func (d *countingDirectory) ConsultingTypeSettings(context.Context, string) (assignment.ConsultingTypeSettings, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return d.settings, d.err
}

func TestCachedSettings(t *testing.T) {
	ctx := context.Background()
	inner := &countingDirectory{settings: assignment.ConsultingTypeSettings{FeedbackChatEnabled: true}}
	cached := NewCachedSettings(inner, time.Minute, time.Minute)

	for i := 0; i < 3; i++ {
		settings, err := cached.ConsultingTypeSettings(ctx, "ct-1")
		require.NoError(t, err)
		assert.True(t, settings.FeedbackChatEnabled)
	}
	assert.Equal(t, 1, inner.calls)

	cached.Invalidate("ct-1")
	_, err := cached.ConsultingTypeSettings(ctx, "ct-1")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)

	team, err := cached.TeamMembersOf(ctx, "agency-1")
	require.NoError(t, err)
	assert.Len(t, team, 1)
}

func TestCachedSettings_ErrorsAreNotCached(t *testing.T) {
	ctx := context.Background()
	inner := &countingDirectory{err: errors.New("unavailable")}
	cached := NewCachedSettings(inner, 0, 0)

	_, err := cached.ConsultingTypeSettings(ctx, "ct-1")
	require.Error(t, err)
	_, err = cached.ConsultingTypeSettings(ctx, "ct-1")
	require.Error(t, err)

	assert.Equal(t, 2, inner.calls)
}

// The store satisfies every port the orchestrator reads through.
var (
	_ assignment.SessionStore       = (*Store)(nil)
	_ assignment.CounselorDirectory = (*Store)(nil)
	_ assignment.AgencyDirectory    = (*Store)(nil)
	_ assignment.IdentityFacts      = (*Store)(nil)
	_ assignment.AgencyDirectory    = (*CachedSettings)(nil)
)
