package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/harun/roomsync/pkg/assignment"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// Store keeps sessions, counselors, agency teams, consulting types and
// authority grants in a sqlite database.
type Store struct {
	db *sql.DB
}

// Open opens (and if needed creates) the database at path
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Debug().Str("path", path).Msg("Store opened")
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			counselor_id TEXT,
			visitor_id TEXT NOT NULL,
			visitor_principal_id TEXT,
			agency_id TEXT NOT NULL,
			consulting_type_id TEXT NOT NULL,
			primary_room_id TEXT,
			feedback_room_id TEXT,
			team_session INTEGER NOT NULL DEFAULT 0,
			registration_type TEXT NOT NULL DEFAULT 'REGISTERED',
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

		CREATE TABLE IF NOT EXISTS counselors (
			id TEXT PRIMARY KEY,
			principal_id TEXT,
			team_member INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS counselor_agencies (
			counselor_id TEXT NOT NULL,
			agency_id TEXT NOT NULL,
			PRIMARY KEY (counselor_id, agency_id),
			FOREIGN KEY (counselor_id) REFERENCES counselors(id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_counselor_agencies_agency ON counselor_agencies(agency_id);

		CREATE TABLE IF NOT EXISTS agency_consulting_types (
			agency_id TEXT NOT NULL,
			consulting_type_id TEXT NOT NULL,
			PRIMARY KEY (agency_id, consulting_type_id)
		);

		CREATE TABLE IF NOT EXISTS consulting_types (
			id TEXT PRIMARY KEY,
			feedback_chat_enabled INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS authorities (
			user_id TEXT NOT NULL,
			authority TEXT NOT NULL,
			PRIMARY KEY (user_id, authority)
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

func nullable(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

// GetSession implements assignment.SessionStore
func (s *Store) GetSession(ctx context.Context, sessionID string) (*assignment.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, counselor_id, visitor_id, visitor_principal_id, agency_id,
			consulting_type_id, primary_room_id, feedback_room_id, team_session, registration_type
		FROM sessions WHERE id = ?`, sessionID)

	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", assignment.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	return session, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (*assignment.Session, error) {
	var (
		session              assignment.Session
		status, registration string
		counselorID          sql.NullString
		visitorPrincipal     sql.NullString
		primaryRoom          sql.NullString
		feedbackRoom         sql.NullString
	)
	err := row.Scan(
		&session.ID,
		&status,
		&counselorID,
		&session.VisitorID,
		&visitorPrincipal,
		&session.AgencyID,
		&session.ConsultingTypeID,
		&primaryRoom,
		&feedbackRoom,
		&session.TeamSession,
		&registration,
	)
	if err != nil {
		return nil, err
	}

	session.Status = assignment.Status(status)
	session.RegistrationType = assignment.RegistrationType(registration)
	session.AssignedCounselorID = counselorID.String
	session.VisitorPrincipalID = visitorPrincipal.String
	session.PrimaryRoomID = primaryRoom.String
	session.FeedbackRoomID = feedbackRoom.String
	return &session, nil
}

// SaveAssignment implements assignment.SessionStore. An empty counselorID clears the assignment.
func (s *Store) SaveAssignment(ctx context.Context, sessionID, counselorID string, status assignment.Status) error {
	return s.updateSession(ctx, sessionID,
		`UPDATE sessions SET counselor_id = ?, status = ?, updated_at = ? WHERE id = ?`,
		nullable(counselorID), string(status), time.Now().UnixMilli(), sessionID)
}

// SetFeedbackRoom implements assignment.SessionStore. An empty roomID clears the reference.
func (s *Store) SetFeedbackRoom(ctx context.Context, sessionID, roomID string) error {
	return s.updateSession(ctx, sessionID,
		`UPDATE sessions SET feedback_room_id = ?, updated_at = ? WHERE id = ?`,
		nullable(roomID), time.Now().UnixMilli(), sessionID)
}

func (s *Store) updateSession(ctx context.Context, sessionID, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", sessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", sessionID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", assignment.ErrSessionNotFound, sessionID)
	}
	return nil
}

// ListInProgress implements assignment.SessionStore
func (s *Store) ListInProgress(ctx context.Context) ([]*assignment.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, counselor_id, visitor_id, visitor_principal_id, agency_id,
			consulting_type_id, primary_room_id, feedback_room_id, team_session, registration_type
		FROM sessions WHERE status = ? ORDER BY id`, string(assignment.StatusInProgress))
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*assignment.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// UpsertSession writes every field of session
func (s *Store) UpsertSession(ctx context.Context, session assignment.Session) error {
	if session.RegistrationType == "" {
		session.RegistrationType = assignment.Registered
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, status, counselor_id, visitor_id, visitor_principal_id, agency_id,
			consulting_type_id, primary_room_id, feedback_room_id, team_session, registration_type, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			counselor_id = excluded.counselor_id,
			visitor_id = excluded.visitor_id,
			visitor_principal_id = excluded.visitor_principal_id,
			agency_id = excluded.agency_id,
			consulting_type_id = excluded.consulting_type_id,
			primary_room_id = excluded.primary_room_id,
			feedback_room_id = excluded.feedback_room_id,
			team_session = excluded.team_session,
			registration_type = excluded.registration_type,
			updated_at = excluded.updated_at`,
		session.ID,
		string(session.Status),
		nullable(session.AssignedCounselorID),
		session.VisitorID,
		nullable(session.VisitorPrincipalID),
		session.AgencyID,
		session.ConsultingTypeID,
		nullable(session.PrimaryRoomID),
		nullable(session.FeedbackRoomID),
		session.TeamSession,
		string(session.RegistrationType),
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", session.ID, err)
	}
	return nil
}

// GetCounselor implements assignment.CounselorDirectory
func (s *Store) GetCounselor(ctx context.Context, counselorID string) (*assignment.Counselor, error) {
	var (
		counselor assignment.Counselor
		principal sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, principal_id, team_member FROM counselors WHERE id = ?`, counselorID).
		Scan(&counselor.ID, &principal, &counselor.TeamMember)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", assignment.ErrCounselorNotFound, counselorID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load counselor %s: %w", counselorID, err)
	}
	counselor.PrincipalID = principal.String

	counselor.AgencyIDs, err = s.queryStrings(ctx,
		`SELECT agency_id FROM counselor_agencies WHERE counselor_id = ? ORDER BY agency_id`, counselorID)
	if err != nil {
		return nil, fmt.Errorf("failed to load agencies of counselor %s: %w", counselorID, err)
	}

	counselor.ConsultingTypeIDs, err = s.queryStrings(ctx, `
		SELECT DISTINCT act.consulting_type_id
		FROM counselor_agencies ca
		JOIN agency_consulting_types act ON act.agency_id = ca.agency_id
		WHERE ca.counselor_id = ?
		ORDER BY act.consulting_type_id`, counselorID)
	if err != nil {
		return nil, fmt.Errorf("failed to load consulting types of counselor %s: %w", counselorID, err)
	}

	return &counselor, nil
}

// UpsertCounselor writes a counselor and replaces its agency links
func (s *Store) UpsertCounselor(ctx context.Context, counselor assignment.Counselor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO counselors (id, principal_id, team_member) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET principal_id = excluded.principal_id, team_member = excluded.team_member`,
		counselor.ID, nullable(counselor.PrincipalID), counselor.TeamMember); err != nil {
		return fmt.Errorf("failed to save counselor %s: %w", counselor.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM counselor_agencies WHERE counselor_id = ?`, counselor.ID); err != nil {
		return fmt.Errorf("failed to clear agencies of counselor %s: %w", counselor.ID, err)
	}
	for _, agencyID := range counselor.AgencyIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO counselor_agencies (counselor_id, agency_id) VALUES (?, ?)`, counselor.ID, agencyID); err != nil {
			return fmt.Errorf("failed to link counselor %s to agency %s: %w", counselor.ID, agencyID, err)
		}
	}

	return tx.Commit()
}

// TeamMembersOf implements assignment.AgencyDirectory. It returns every counselor
// of the agency; filtering on the team flag is left to the caller.
func (s *Store) TeamMembersOf(ctx context.Context, agencyID string) ([]assignment.Counselor, error) {
	ids, err := s.queryStrings(ctx,
		`SELECT counselor_id FROM counselor_agencies WHERE agency_id = ? ORDER BY counselor_id`, agencyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load team of agency %s: %w", agencyID, err)
	}

	members := make([]assignment.Counselor, 0, len(ids))
	for _, id := range ids {
		counselor, err := s.GetCounselor(ctx, id)
		if err != nil {
			return nil, err
		}
		members = append(members, *counselor)
	}
	return members, nil
}

// LinkConsultingType makes a consulting type available through an agency
func (s *Store) LinkConsultingType(ctx context.Context, agencyID, typeID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO agency_consulting_types (agency_id, consulting_type_id) VALUES (?, ?)`, agencyID, typeID)
	if err != nil {
		return fmt.Errorf("failed to link consulting type %s to agency %s: %w", typeID, agencyID, err)
	}
	return nil
}

// ConsultingTypeSettings implements assignment.AgencyDirectory.
// Unknown consulting types have every feature disabled.
func (s *Store) ConsultingTypeSettings(ctx context.Context, typeID string) (assignment.ConsultingTypeSettings, error) {
	var settings assignment.ConsultingTypeSettings
	err := s.db.QueryRowContext(ctx,
		`SELECT feedback_chat_enabled FROM consulting_types WHERE id = ?`, typeID).
		Scan(&settings.FeedbackChatEnabled)
	if errors.Is(err, sql.ErrNoRows) {
		return settings, nil
	}
	if err != nil {
		return settings, fmt.Errorf("failed to load consulting type %s: %w", typeID, err)
	}
	return settings, nil
}

// UpsertConsultingType writes the settings of a consulting type
func (s *Store) UpsertConsultingType(ctx context.Context, typeID string, settings assignment.ConsultingTypeSettings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO consulting_types (id, feedback_chat_enabled) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET feedback_chat_enabled = excluded.feedback_chat_enabled`,
		typeID, settings.FeedbackChatEnabled)
	if err != nil {
		return fmt.Errorf("failed to save consulting type %s: %w", typeID, err)
	}
	return nil
}

// HasAuthority implements assignment.IdentityFacts
func (s *Store) HasAuthority(ctx context.Context, userID, authority string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM authorities WHERE user_id = ? AND authority = ?`, userID, authority).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check %s of user %s: %w", authority, userID, err)
	}
	return n > 0, nil
}

// GrantAuthority grants authority to userID
func (s *Store) GrantAuthority(ctx context.Context, userID, authority string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO authorities (user_id, authority) VALUES (?, ?)`, userID, authority)
	if err != nil {
		return fmt.Errorf("failed to grant %s to user %s: %w", authority, userID, err)
	}
	return nil
}

// RevokeAuthority removes authority from userID
func (s *Store) RevokeAuthority(ctx context.Context, userID, authority string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM authorities WHERE user_id = ? AND authority = ?`, userID, authority)
	if err != nil {
		return fmt.Errorf("failed to revoke %s from user %s: %w", authority, userID, err)
	}
	return nil
}

func (s *Store) queryStrings(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
