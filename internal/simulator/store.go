package simulator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/practice-dashboard/realtime/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	scheduled_at TIMESTAMP NOT NULL,
	estimated_duration INTEGER NOT NULL DEFAULT 60,
	started_at TIMESTAMP,
	patient_name TEXT NOT NULL DEFAULT '',
	provider_name TEXT NOT NULL DEFAULT '',
	last_update TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS session_notes (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	note TEXT NOT NULL,
	note_type TEXT NOT NULL DEFAULT 'general',
	created_at TIMESTAMP NOT NULL,
	FOREIGN KEY (session_id) REFERENCES sessions(id)
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_notes_session ON session_notes(session_id);
`

// Store persists sessions and notes in sqlite.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the sqlite database at path.
// Use ":memory:" for an ephemeral store.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite allows a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess *model.Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Status == "" {
		sess.Status = model.StatusScheduled
	}
	if sess.LastUpdate.IsZero() {
		sess.LastUpdate = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, status, scheduled_at, estimated_duration, started_at, patient_name, provider_name, last_update)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, string(sess.Status), sess.ScheduledAt, sess.EstimatedDuration,
		sess.StartedAt, sess.PatientName, sess.ProviderName, sess.LastUpdate,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession fetches one session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, scheduled_at, estimated_duration, started_at, patient_name, provider_name, last_update
		FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	return sess, nil
}

// UpdateSessionStatus sets the status, started-at and last-update columns.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status model.SessionStatus, startedAt *time.Time, lastUpdate time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, started_at = COALESCE(?, started_at), last_update = ?
		WHERE id = ?`,
		string(status), startedAt, lastUpdate, id)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return requireRow(res)
}

// ExtendSession adds minutes to the session's estimated duration.
func (s *Store) ExtendSession(ctx context.Context, id string, minutes int, lastUpdate time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET estimated_duration = estimated_duration + ?, last_update = ?
		WHERE id = ?`,
		minutes, lastUpdate, id)
	if err != nil {
		return fmt.Errorf("extend session: %w", err)
	}
	return requireRow(res)
}

// ListSessions returns sessions matching any of the given statuses, or all
// sessions when statuses is empty. Results are ordered by scheduled time.
func (s *Store) ListSessions(ctx context.Context, statuses ...model.SessionStatus) ([]*model.Session, error) {
	query := `
		SELECT id, status, scheduled_at, estimated_duration, started_at, patient_name, provider_name, last_update
		FROM sessions`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += " WHERE status IN (?" + strings.Repeat(",?", len(statuses)-1) + ")"
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += " ORDER BY scheduled_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ListToday returns sessions scheduled within the given day.
func (s *Store) ListToday(ctx context.Context, day time.Time) ([]*model.Session, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.Add(24 * time.Hour)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, scheduled_at, estimated_duration, started_at, patient_name, provider_name, last_update
		FROM sessions WHERE scheduled_at >= ? AND scheduled_at < ?
		ORDER BY scheduled_at`, start, end)
	if err != nil {
		return nil, fmt.Errorf("list today's sessions: %w", err)
	}
	defer rows.Close()

	var out []*model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// AddNote appends a note to a session.
func (s *Store) AddNote(ctx context.Context, sessionID, note, noteType string) (*model.SessionNote, error) {
	if noteType == "" {
		noteType = "general"
	}
	n := &model.SessionNote{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Note:      note,
		Type:      noteType,
		CreatedAt: time.Now(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_notes (id, session_id, note, note_type, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		n.ID, n.SessionID, n.Note, n.Type, n.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert note: %w", err)
	}
	return n, nil
}

// NotesBySession returns a session's notes, newest first.
func (s *Store) NotesBySession(ctx context.Context, sessionID string) ([]model.SessionNote, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, note, note_type, created_at
		FROM session_notes WHERE session_id = ?
		ORDER BY created_at DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	notes := []model.SessionNote{}
	for rows.Next() {
		var n model.SessionNote
		if err := rows.Scan(&n.ID, &n.SessionID, &n.Note, &n.Type, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.Session, error) {
	var (
		sess      model.Session
		status    string
		startedAt sql.NullTime
	)
	err := row.Scan(&sess.ID, &status, &sess.ScheduledAt, &sess.EstimatedDuration,
		&startedAt, &sess.PatientName, &sess.ProviderName, &sess.LastUpdate)
	if err != nil {
		return nil, err
	}
	sess.Status = model.SessionStatus(status)
	if startedAt.Valid {
		t := startedAt.Time
		sess.StartedAt = &t
	}
	return &sess, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrSessionNotFound
	}
	return nil
}
