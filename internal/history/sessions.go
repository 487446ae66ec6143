package history

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Session is one archived leader session.
type Session struct {
	ID             int64
	GUID           string
	Project        string
	Team           string
	StartedAt      time.Time
	EndedAt        *time.Time
	EventCount     int
	TaskCount      int
	TasksCompleted int
}

// NotFoundError reports a guid absent from the archive.
type NotFoundError struct {
	GUID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session %s not found in history", e.GUID)
}

const sessionColumns = `id, guid, project, team, started_at, ended_at,
	event_count, task_count, tasks_completed`

// SessionRepository reads and writes archived sessions.
type SessionRepository struct {
	conn *sql.DB
}

// sessionRow is the sessions table row shape: Unix timestamps, nullable
// ended_at.
type sessionRow struct {
	ID             int64
	GUID           string
	Project        string
	Team           string
	StartedAt      int64
	EndedAt        *int64
	EventCount     int
	TaskCount      int
	TasksCompleted int
}

func toRow(s *Session) *sessionRow {
	row := &sessionRow{
		ID:             s.ID,
		GUID:           s.GUID,
		Project:        s.Project,
		Team:           s.Team,
		StartedAt:      s.StartedAt.Unix(),
		EventCount:     s.EventCount,
		TaskCount:      s.TaskCount,
		TasksCompleted: s.TasksCompleted,
	}
	if s.EndedAt != nil {
		endedAt := s.EndedAt.Unix()
		row.EndedAt = &endedAt
	}
	return row
}

func (row *sessionRow) toSession() *Session {
	s := &Session{
		ID:             row.ID,
		GUID:           row.GUID,
		Project:        row.Project,
		Team:           row.Team,
		StartedAt:      time.Unix(row.StartedAt, 0).UTC(),
		EventCount:     row.EventCount,
		TaskCount:      row.TaskCount,
		TasksCompleted: row.TasksCompleted,
	}
	if row.EndedAt != nil {
		endedAt := time.Unix(*row.EndedAt, 0).UTC()
		s.EndedAt = &endedAt
	}
	return s
}

func scanSession(scanner interface{ Scan(...any) error }) (*sessionRow, error) {
	var row sessionRow
	err := scanner.Scan(
		&row.ID, &row.GUID, &row.Project, &row.Team,
		&row.StartedAt, &row.EndedAt,
		&row.EventCount, &row.TaskCount, &row.TasksCompleted,
	)
	return &row, err
}

// Save persists a session. A zero ID inserts a new row and back-fills the
// generated ID; a non-zero ID updates the existing row.
func (r *SessionRepository) Save(s *Session) error {
	row := toRow(s)
	now := time.Now().Unix()

	if s.ID == 0 {
		result, err := r.conn.Exec(
			`INSERT INTO sessions (
				guid, project, team, started_at, ended_at,
				event_count, task_count, tasks_completed, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			row.GUID, row.Project, row.Team, row.StartedAt, row.EndedAt,
			row.EventCount, row.TaskCount, row.TasksCompleted, now, now,
		)
		if err != nil {
			return fmt.Errorf("inserting session: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading inserted session id: %w", err)
		}
		s.ID = id
		return nil
	}

	_, err := r.conn.Exec(
		`UPDATE sessions SET
			team = ?, started_at = ?, ended_at = ?,
			event_count = ?, task_count = ?, tasks_completed = ?, updated_at = ?
		WHERE id = ?`,
		row.Team, row.StartedAt, row.EndedAt,
		row.EventCount, row.TaskCount, row.TasksCompleted, now,
		row.ID,
	)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	return nil
}

// FindByGUID returns the archived session for a project, or NotFoundError.
func (r *SessionRepository) FindByGUID(project, guid string) (*Session, error) {
	row, err := scanSession(r.conn.QueryRow(
		`SELECT `+sessionColumns+` FROM sessions WHERE project = ? AND guid = ?`,
		project, guid,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{GUID: guid}
	}
	if err != nil {
		return nil, fmt.Errorf("finding session by guid: %w", err)
	}
	return row.toSession(), nil
}

// List returns a project's archived sessions newest-first. A limit of zero
// returns everything.
func (r *SessionRepository) List(project string, limit int) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE project = ? ORDER BY started_at DESC`
	args := []any{project}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*Session
	for rows.Next() {
		row, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sessions = append(sessions, row.toSession())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

// Archive opens the archive at path, saves one finished session, and closes
// the database again. Post-launch cleanup calls this once per session.
func Archive(path string, s *Session) error {
	db, err := NewDB(path)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	return db.Sessions().Save(s)
}
