package assignment

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
)

const (
	technicalPrincipal = "rc-technical"
	systemPrincipal    = "rc-system"
)

var testAccounts = ServiceAccounts{
	TechnicalPrincipalID: technicalPrincipal,
	SystemPrincipalID:    systemPrincipal,
}

// fakeRooms is an in-memory chat service with per-call failure injection
type fakeRooms struct {
	mu         sync.Mutex
	rooms      map[string]map[string]bool
	created    []string
	deleted    []string
	purged     map[string]time.Time
	nextID     int
	failAdd    map[string]error // keyed by principal@room
	failRemove map[string]error // keyed by principal@room
	failList   map[string]error // keyed by room
	failCreate error
	failDelete error
	failPurge  error
}

func newFakeRooms() *fakeRooms {
	return &fakeRooms{
		rooms:      make(map[string]map[string]bool),
		purged:     make(map[string]time.Time),
		failAdd:    make(map[string]error),
		failRemove: make(map[string]error),
		failList:   make(map[string]error),
	}
}

func (f *fakeRooms) seed(roomID string, principals ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room := make(map[string]bool)
	for _, p := range principals {
		room[p] = true
	}
	f.rooms[roomID] = room
}

func (f *fakeRooms) membersOf(roomID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for p := range f.rooms[roomID] {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (f *fakeRooms) exists(roomID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rooms[roomID]
	return ok
}

func (f *fakeRooms) AddMember(_ context.Context, principalID, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failAdd[principalID+"@"+roomID]; err != nil {
		return err
	}
	room, ok := f.rooms[roomID]
	if !ok {
		return fmt.Errorf("room %s not found", roomID)
	}
	room[principalID] = true
	return nil
}

func (f *fakeRooms) RemoveMember(_ context.Context, principalID, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failRemove[principalID+"@"+roomID]; err != nil {
		return err
	}
	delete(f.rooms[roomID], principalID)
	return nil
}

func (f *fakeRooms) ListMembers(_ context.Context, roomID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failList[roomID]; err != nil {
		return nil, err
	}
	var out []string
	for p := range f.rooms[roomID] {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeRooms) CreateRoom(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate != nil {
		return "", f.failCreate
	}
	f.nextID++
	id := fmt.Sprintf("group-%d", f.nextID)
	f.rooms[id] = make(map[string]bool)
	f.created = append(f.created, id)
	return id, nil
}

func (f *fakeRooms) DeleteRoom(_ context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDelete != nil {
		return f.failDelete
	}
	delete(f.rooms, roomID)
	f.deleted = append(f.deleted, roomID)
	return nil
}

func (f *fakeRooms) PurgeSystemMessages(_ context.Context, roomID string, since time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPurge != nil {
		return f.failPurge
	}
	f.purged[roomID] = since
	return nil
}

// fakeStore keeps sessions in memory and records every assignment write
type fakeStore struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	saves       []string
	failSave    error
	failSaveNth int // fail only the nth save (1-based) when > 0
}

func newFakeStore(sessions ...*Session) *fakeStore {
	s := &fakeStore{sessions: make(map[string]*Session)}
	for _, session := range sessions {
		copied := *session
		s.sessions[session.ID] = &copied
	}
	return s
}

func (s *fakeStore) get(id string) Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.sessions[id]
}

func (s *fakeStore) GetSession(_ context.Context, sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	copied := *session
	return &copied, nil
}

func (s *fakeStore) SaveAssignment(_ context.Context, sessionID, counselorID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, fmt.Sprintf("%s:%s", counselorID, status))
	if s.failSave != nil && (s.failSaveNth == 0 || s.failSaveNth == len(s.saves)) {
		return s.failSave
	}
	session, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	session.AssignedCounselorID = counselorID
	session.Status = status
	return nil
}

func (s *fakeStore) SetFeedbackRoom(_ context.Context, sessionID, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	session.FeedbackRoomID = roomID
	return nil
}

func (s *fakeStore) ListInProgress(_ context.Context) ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Session
	for _, session := range s.sessions {
		if session.Status == StatusInProgress {
			copied := *session
			out = append(out, &copied)
		}
	}
	return out, nil
}

// fakeDirectory serves counselors, agency teams and consulting type settings
type fakeDirectory struct {
	mu          sync.Mutex
	counselors  map[string]*Counselor
	settings    map[string]ConsultingTypeSettings
	teamErr     error
	settingsErr error
}

func newFakeDirectory(counselors ...*Counselor) *fakeDirectory {
	d := &fakeDirectory{
		counselors: make(map[string]*Counselor),
		settings:   make(map[string]ConsultingTypeSettings),
	}
	for _, c := range counselors {
		d.counselors[c.ID] = c
	}
	return d
}

func (d *fakeDirectory) GetCounselor(_ context.Context, counselorID string) (*Counselor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.counselors[counselorID]
	if !ok {
		return nil, ErrCounselorNotFound
	}
	copied := *c
	return &copied, nil
}

func (d *fakeDirectory) TeamMembersOf(_ context.Context, agencyID string) ([]Counselor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.teamErr != nil {
		return nil, d.teamErr
	}
	var out []Counselor
	for _, c := range d.counselors {
		if c.hasAgency(agencyID) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *fakeDirectory) ConsultingTypeSettings(_ context.Context, typeID string) (ConsultingTypeSettings, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settingsErr != nil {
		return ConsultingTypeSettings{}, d.settingsErr
	}
	return d.settings[typeID], nil
}

// fakeIdentity answers authority lookups from a static grant table
type fakeIdentity struct {
	mu     sync.Mutex
	grants map[string]map[string]bool
	err    error
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{grants: make(map[string]map[string]bool)}
}

func (i *fakeIdentity) grant(userID, authority string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.grants[userID] == nil {
		i.grants[userID] = make(map[string]bool)
	}
	i.grants[userID][authority] = true
}

func (i *fakeIdentity) revoke(userID, authority string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.grants[userID], authority)
}

func (i *fakeIdentity) HasAuthority(_ context.Context, userID, authority string) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.err != nil {
		return false, i.err
	}
	return i.grants[userID][authority], nil
}

// MockNotifier is a mock implementation of Notifier
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) SessionReassigned(ctx context.Context, session Session, counselor Counselor, requesterID string) error {
	args := m.Called(ctx, session, counselor, requesterID)
	return args.Error(0)
}

// MockStatistics is a mock implementation of StatisticsEmitter
type MockStatistics struct {
	mock.Mock
}

func (m *MockStatistics) AssignmentRecorded(ctx context.Context, event AssignmentEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

// inlineRunner runs submitted tasks immediately and records their lanes
type inlineRunner struct {
	mu    sync.Mutex
	lanes []string
	errs  []error
}

func (r *inlineRunner) Submit(ctx context.Context, lane string, task func(ctx context.Context) error) {
	err := task(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lanes = append(r.lanes, lane)
	r.errs = append(r.errs, err)
}

// fixture wires an Orchestrator against the fakes
type fixture struct {
	rooms     *fakeRooms
	store     *fakeStore
	directory *fakeDirectory
	identity  *fakeIdentity
	now       time.Time
}

func newFixture(sessions []*Session, counselors ...*Counselor) *fixture {
	return &fixture{
		rooms:     newFakeRooms(),
		store:     newFakeStore(sessions...),
		directory: newFakeDirectory(counselors...),
		identity:  newFakeIdentity(),
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) orchestrator(opts ...Option) *Orchestrator {
	base := []Option{
		WithClock(func() time.Time { return f.now }),
		WithRoomNamer(func(sessionID string) (string, error) { return sessionID + "-feedback-test", nil }),
	}
	return New(Dependencies{
		Store:      f.store,
		Counselors: f.directory,
		Rooms:      f.rooms,
		Directory:  f.directory,
		Identity:   f.identity,
		Accounts:   testAccounts,
	}, append(base, opts...)...)
}

func counselor(id string, teamMember bool, agencies ...string) *Counselor {
	return &Counselor{
		ID:                id,
		PrincipalID:       "rc-" + id,
		TeamMember:        teamMember,
		AgencyIDs:         agencies,
		ConsultingTypeIDs: []string{"ct-1"},
	}
}

func newSession(id string) *Session {
	return &Session{
		ID:                 id,
		Status:             StatusNew,
		VisitorID:          "visitor-" + id,
		VisitorPrincipalID: "rc-visitor-" + id,
		AgencyID:           "agency-1",
		ConsultingTypeID:   "ct-1",
		PrimaryRoomID:      "room-" + id,
		RegistrationType:   Registered,
	}
}
