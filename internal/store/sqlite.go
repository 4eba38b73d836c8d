package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when an update targets a missing row.
var ErrNotFound = errors.New("store: not found")

// Store represents the SQLite exam store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at the given path and runs migrations.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the handle for migration tooling.
func (s *Store) DB() *sql.DB { return s.db }

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func nullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

// =============================================================================
// Sessions
// =============================================================================

// CreateSession inserts a new session.
func (s *Store) CreateSession(sess *Session) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, student_name, student_class, status, started_at, ends_at, ended_at, last_activity, last_code, termination, suspicion_score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.StudentName, sess.StudentClass, string(sess.Status),
		millis(sess.StartedAt), millis(sess.EndsAt), nullMillis(sess.EndedAt), millis(sess.LastActivity),
		sess.LastCode, string(sess.Termination), sess.SuspicionScore,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

const sessionColumns = `id, student_name, student_class, status, started_at, ends_at, ended_at, last_activity, last_code, termination, suspicion_score`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var status, termination string
	var startedAt, endsAt, lastActivity int64
	var endedAt sql.NullInt64

	if err := row.Scan(&sess.ID, &sess.StudentName, &sess.StudentClass, &status,
		&startedAt, &endsAt, &endedAt, &lastActivity, &sess.LastCode, &termination, &sess.SuspicionScore); err != nil {
		return nil, err
	}
	sess.Status = Status(status)
	sess.Termination = Termination(termination)
	sess.StartedAt = fromMillis(startedAt)
	sess.EndsAt = fromMillis(endsAt)
	sess.LastActivity = fromMillis(lastActivity)
	if endedAt.Valid {
		sess.EndedAt = fromMillis(endedAt.Int64)
	}
	return &sess, nil
}

// GetSession retrieves a session by ID. It returns nil, nil when absent.
func (s *Store) GetSession(id string) (*Session, error) {
	sess, err := scanSession(s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// FindOpenSession returns the newest active or disconnected session for a
// student, or nil.
func (s *Store) FindOpenSession(studentName, studentClass string) (*Session, error) {
	sess, err := scanSession(s.db.QueryRow(`
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE student_name = ? AND student_class = ? AND status IN (?, ?)
		ORDER BY started_at DESC
		LIMIT 1`,
		studentName, studentClass, string(StatusActive), string(StatusDisconnected),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find open session: %w", err)
	}
	return sess, nil
}

// FindLatestSession returns the newest session for a student in any
// state, or nil.
func (s *Store) FindLatestSession(studentName, studentClass string) (*Session, error) {
	sess, err := scanSession(s.db.QueryRow(`
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE student_name = ? AND student_class = ?
		ORDER BY started_at DESC
		LIMIT 1`,
		studentName, studentClass,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find latest session: %w", err)
	}
	return sess, nil
}

// OpenSessions lists active and disconnected sessions, oldest first.
func (s *Store) OpenSessions() ([]Session, error) {
	return s.querySessions(`
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE status IN (?, ?)
		ORDER BY started_at ASC`,
		string(StatusActive), string(StatusDisconnected),
	)
}

// SessionsSince lists sessions started at or after t.
func (s *Store) SessionsSince(t time.Time) ([]Session, error) {
	return s.querySessions(`
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE started_at >= ?
		ORDER BY started_at ASC`, millis(t),
	)
}

func (s *Store) querySessions(query string, args ...any) ([]Session, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// TouchSession sets the status of an open session and its last activity.
func (s *Store) TouchSession(id string, status Status, at time.Time) error {
	return s.execOne("touch session", `
		UPDATE sessions SET status = ?, last_activity = ?
		WHERE id = ?`, string(status), millis(at), id)
}

// EndSession closes a session with a final status and termination reason.
func (s *Store) EndSession(id string, status Status, termination Termination, at time.Time) error {
	return s.execOne("end session", `
		UPDATE sessions SET status = ?, termination = ?, ended_at = ?, last_activity = ?
		WHERE id = ?`, string(status), string(termination), millis(at), millis(at), id)
}

// SetSuspicionScore stores the latest suspicion score for a session.
func (s *Store) SetSuspicionScore(id string, score int) error {
	return s.execOne("set suspicion score",
		`UPDATE sessions SET suspicion_score = ? WHERE id = ?`, score, id)
}

func (s *Store) execOne(op, query string, args ...any) error {
	result, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

// =============================================================================
// Code snapshots
// =============================================================================

// SaveCode records a snapshot and makes it the session's last code.
func (s *Store) SaveCode(snap *CodeSnapshot) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		INSERT INTO code_snapshots (session_id, filename, code, created_at)
		VALUES (?, ?, ?, ?)`,
		snap.SessionID, snap.Filename, snap.Code, millis(snap.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert code snapshot: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}

	if _, err := tx.Exec(`
		UPDATE sessions SET last_code = ?, last_activity = ? WHERE id = ?`,
		snap.Code, millis(snap.CreatedAt), snap.SessionID,
	); err != nil {
		return 0, fmt.Errorf("update last code: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return id, nil
}

// CodeHistory returns up to limit snapshots for a session, newest first.
// A non-positive limit returns all of them.
func (s *Store) CodeHistory(sessionID string, limit int) ([]CodeSnapshot, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT id, session_id, filename, code, created_at
		FROM code_snapshots
		WHERE session_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query code history: %w", err)
	}
	defer rows.Close()

	var snaps []CodeSnapshot
	for rows.Next() {
		var c CodeSnapshot
		var createdAt int64
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Filename, &c.Code, &createdAt); err != nil {
			return nil, fmt.Errorf("scan code snapshot: %w", err)
		}
		c.CreatedAt = fromMillis(createdAt)
		snaps = append(snaps, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate code history: %w", err)
	}
	return snaps, nil
}

// =============================================================================
// Violations
// =============================================================================

// InsertViolation records a violation and returns its ID.
func (s *Store) InsertViolation(v *Violation) (int64, error) {
	var data sql.NullString
	if len(v.Data) > 0 {
		data = sql.NullString{String: string(v.Data), Valid: true}
	}
	result, err := s.db.Exec(`
		INSERT INTO violations (session_id, kind, severity, data, score, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		v.SessionID, v.Kind, v.Severity, data, v.Score, millis(v.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert violation: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	return id, nil
}

// Violations lists a session's violations in the order they were recorded.
func (s *Store) Violations(sessionID string) ([]Violation, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, kind, severity, data, score, created_at
		FROM violations
		WHERE session_id = ?
		ORDER BY created_at ASC, id ASC`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query violations: %w", err)
	}
	defer rows.Close()

	var out []Violation
	for rows.Next() {
		var v Violation
		var data sql.NullString
		var createdAt int64
		if err := rows.Scan(&v.ID, &v.SessionID, &v.Kind, &v.Severity, &data, &v.Score, &createdAt); err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		if data.Valid {
			v.Data = json.RawMessage(data.String)
		}
		v.CreatedAt = fromMillis(createdAt)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate violations: %w", err)
	}
	return out, nil
}

// ViolationCounts returns the number of violations per kind for a session.
func (s *Store) ViolationCounts(sessionID string) (map[string]int, error) {
	rows, err := s.db.Query(`
		SELECT kind, COUNT(*) FROM violations WHERE session_id = ? GROUP BY kind`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("count violations: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan violation count: %w", err)
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}

// =============================================================================
// Heartbeats
// =============================================================================

// RecordHeartbeat stores the latest heartbeat for a session.
func (s *Store) RecordHeartbeat(hb *Heartbeat) error {
	var state sql.NullString
	if len(hb.State) > 0 {
		state = sql.NullString{String: string(hb.State), Valid: true}
	}
	_, err := s.db.Exec(`
		INSERT INTO heartbeats (session_id, received_at, state) VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET received_at = excluded.received_at, state = excluded.state`,
		hb.SessionID, millis(hb.ReceivedAt), state,
	)
	if err != nil {
		return fmt.Errorf("record heartbeat: %w", err)
	}
	return nil
}

// LastHeartbeat returns the latest heartbeat for a session, or nil.
func (s *Store) LastHeartbeat(sessionID string) (*Heartbeat, error) {
	var hb Heartbeat
	var receivedAt int64
	var state sql.NullString
	err := s.db.QueryRow(`
		SELECT session_id, received_at, state FROM heartbeats WHERE session_id = ?`, sessionID,
	).Scan(&hb.SessionID, &receivedAt, &state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get heartbeat: %w", err)
	}
	hb.ReceivedAt = fromMillis(receivedAt)
	if state.Valid {
		hb.State = json.RawMessage(state.String)
	}
	return &hb, nil
}

// =============================================================================
// Key-value
// =============================================================================

// Get returns the value stored under key.
func (s *Store) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	return value, true, nil
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(key string, value []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// =============================================================================
// Stats
// =============================================================================

// GetStats returns row counts.
func (s *Store) GetStats() (*Stats, error) {
	var st Stats
	err := s.db.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM sessions),
			(SELECT COUNT(*) FROM sessions WHERE status IN (?, ?)),
			(SELECT COUNT(*) FROM violations),
			(SELECT COUNT(*) FROM code_snapshots)`,
		string(StatusActive), string(StatusDisconnected),
	).Scan(&st.Sessions, &st.OpenSessions, &st.Violations, &st.CodeSnapshots)
	if err != nil {
		return nil, fmt.Errorf("get stats: %w", err)
	}
	return &st, nil
}
