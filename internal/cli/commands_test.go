package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/harun/roomsync/pkg/assignment"
	"github.com/harun/roomsync/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chatServer is an in-memory Rocket.Chat speaking the group endpoints
type chatServer struct {
	mu     sync.Mutex
	rooms  map[string]map[string]bool
	nextID int
}

func newChatServer(t *testing.T) (*chatServer, string) {
	t.Helper()
	cs := &chatServer{rooms: map[string]map[string]bool{}}
	server := httptest.NewServer(http.HandlerFunc(cs.serve))
	t.Cleanup(server.Close)
	return cs, server.URL
}

func (cs *chatServer) serve(w http.ResponseWriter, r *http.Request) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	var body map[string]interface{}
	if r.Method == http.MethodPost {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	str := func(key string) string {
		v, _ := body[key].(string)
		return v
	}
	reply := func(v map[string]interface{}) {
		v["success"] = true
		_ = json.NewEncoder(w).Encode(v)
	}

	switch r.URL.Path {
	case "/api/v1/groups.invite":
		room, ok := cs.rooms[str("roomId")]
		if !ok {
			http.Error(w, `{"success":false,"error":"error-room-not-found"}`, http.StatusBadRequest)
			return
		}
		room[str("userId")] = true
		reply(map[string]interface{}{})
	case "/api/v1/groups.kick":
		delete(cs.rooms[str("roomId")], str("userId"))
		reply(map[string]interface{}{})
	case "/api/v1/groups.members":
		var members []map[string]string
		for _, id := range cs.sortedMembers(r.URL.Query().Get("roomId")) {
			members = append(members, map[string]string{"_id": id})
		}
		reply(map[string]interface{}{"members": members})
	case "/api/v1/groups.create":
		cs.nextID++
		id := fmt.Sprintf("grp-%d", cs.nextID)
		cs.rooms[id] = map[string]bool{}
		reply(map[string]interface{}{"group": map[string]string{"_id": id}})
	case "/api/v1/groups.delete":
		delete(cs.rooms, str("roomId"))
		reply(map[string]interface{}{})
	case "/api/v1/rooms.cleanHistory":
		reply(map[string]interface{}{})
	default:
		http.NotFound(w, r)
	}
}

func (cs *chatServer) sortedMembers(roomID string) []string {
	var ids []string
	for id := range cs.rooms[roomID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (cs *chatServer) seed(roomID string, members ...string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	room := map[string]bool{}
	for _, m := range members {
		room[m] = true
	}
	cs.rooms[roomID] = room
}

func (cs *chatServer) members(roomID string) []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.sortedMembers(roomID)
}

type testEnv struct {
	chat       *chatServer
	dir        string
	dbPath     string
	configPath string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	chat, url := newChatServer(t)
	dir := t.TempDir()
	env := &testEnv{
		chat:       chat,
		dir:        dir,
		dbPath:     filepath.Join(dir, "roomsync.db"),
		configPath: filepath.Join(dir, "roomsync.json"),
	}

	cfg := map[string]interface{}{
		"data_dir": dir,
		"database": map[string]interface{}{"path": env.dbPath},
		"logging": map[string]interface{}{
			"level":      "debug",
			"file":       filepath.Join(dir, "roomsync.log"),
			"audit_file": filepath.Join(dir, "audit.log"),
			"console":    false,
		},
		"rocketchat": map[string]interface{}{
			"url":        url,
			"user_id":    "tech-id",
			"auth_token": "tech-token",
			"username":   "technical",
		},
		"accounts": map[string]interface{}{
			"technical_principal_id": "rc-technical",
			"system_principal_id":    "rc-system",
		},
		"assignment": map[string]interface{}{
			"background_reconcile": true,
		},
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(env.configPath, data, 0644))

	env.withStore(t, func(ctx context.Context, s *store.Store) {
		require.NoError(t, s.UpsertSession(ctx, assignment.Session{
			ID:                 "s1",
			Status:             assignment.StatusNew,
			VisitorID:          "visitor-1",
			VisitorPrincipalID: "rc-visitor",
			AgencyID:           "agency-1",
			ConsultingTypeID:   "ct-1",
			PrimaryRoomID:      "room-s1",
		}))
		require.NoError(t, s.UpsertCounselor(ctx, assignment.Counselor{
			ID: "c1", PrincipalID: "rc-c1", AgencyIDs: []string{"agency-1"},
		}))
		require.NoError(t, s.UpsertCounselor(ctx, assignment.Counselor{
			ID: "c2", PrincipalID: "rc-c2", AgencyIDs: []string{"agency-2"},
		}))
		require.NoError(t, s.LinkConsultingType(ctx, "agency-1", "ct-1"))
	})
	chat.seed("room-s1", "rc-technical", "rc-system", "rc-visitor", "rc-stray")

	return env
}

func (env *testEnv) withStore(t *testing.T, fn func(ctx context.Context, s *store.Store)) {
	t.Helper()
	s, err := store.Open(env.dbPath)
	require.NoError(t, err)
	defer s.Close()
	fn(context.Background(), s)
}

func (env *testEnv) seedAssigned(t *testing.T) {
	env.withStore(t, func(ctx context.Context, s *store.Store) {
		require.NoError(t, s.SaveAssignment(ctx, "s1", "c1", assignment.StatusInProgress))
	})
}

func TestAssignCommand(t *testing.T) {
	env := newTestEnv(t)

	output, err := executeCommand(t, "assign", "--config", env.configPath,
		"--session", "s1", "--counselor", "c1", "--requester", "c1")

	require.NoError(t, err)
	assert.Contains(t, output, "Outcome: assigned")
	assert.Contains(t, output, "Session: s1 (IN_PROGRESS, counselor c1)")
	assert.Contains(t, output, "Removed: rc-stray")
	assert.Equal(t, []string{"rc-c1", "rc-system", "rc-technical", "rc-visitor"}, env.chat.members("room-s1"))

	env.withStore(t, func(ctx context.Context, s *store.Store) {
		session, err := s.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "c1", session.AssignedCounselorID)
		assert.Equal(t, assignment.StatusInProgress, session.Status)
	})

	audit, err := os.ReadFile(filepath.Join(env.dir, "audit.log"))
	require.NoError(t, err)
	assert.Contains(t, string(audit), `"subject":"s1"`)
}

func TestAssignCommand_Rejected(t *testing.T) {
	env := newTestEnv(t)

	output, err := executeCommand(t, "assign", "--config", env.configPath,
		"--session", "s1", "--counselor", "c2")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "assignment rejected")
	assert.Contains(t, output, "Outcome: rejected")
	assert.Contains(t, env.chat.members("room-s1"), "rc-stray")
}

func TestAssignCommand_RequiresFlags(t *testing.T) {
	env := newTestEnv(t)

	_, err := executeCommand(t, "assign", "--config", env.configPath, "--session", "s1")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "counselor")
}

func TestReconcileCommand(t *testing.T) {
	env := newTestEnv(t)
	env.seedAssigned(t)
	env.chat.seed("room-s1", "rc-c1", "rc-technical", "rc-system", "rc-visitor", "rc-stray", "rc-old")

	output, err := executeCommand(t, "reconcile", "--config", env.configPath, "--session", "s1")

	require.NoError(t, err)
	assert.Contains(t, output, "Session: s1")
	assert.Contains(t, output, "Primary room room-s1: removed rc-old, rc-stray")
	assert.Equal(t, []string{"rc-c1", "rc-system", "rc-technical", "rc-visitor"}, env.chat.members("room-s1"))
}

func TestSweepCommand(t *testing.T) {
	env := newTestEnv(t)
	env.seedAssigned(t)

	output, err := executeCommand(t, "sweep", "--config", env.configPath)

	require.NoError(t, err)
	assert.Contains(t, output, "Sessions: 1")
	assert.Contains(t, output, "Removed: 1")
	assert.NotContains(t, env.chat.members("room-s1"), "rc-stray")
}

func TestCommandsRejectInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roomsync.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"database": {"path": "/tmp/x.db"}}`), 0644))

	_, err := executeCommand(t, "sweep", "--config", path)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}
