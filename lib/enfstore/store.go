package enfstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

var (
	// ErrDuplicate is returned when a uniqueness constraint rejects a
	// create. For cases this means the (source, regulator_id) pair has
	// already been persisted; callers should count it as existing, not
	// as a failure.
	ErrDuplicate = errors.New("enfstore: duplicate record")
	ErrNotFound  = errors.New("enfstore: not found")
	// ErrSessionNotRunning is returned by mutations that are only legal
	// while a session is in the running state.
	ErrSessionNotRunning = errors.New("enfstore: session is not running")
)

type Store struct {
	db *sql.DB
}

func NewStore(database *sql.DB) Store {
	return Store{db: database}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// bounded length of the recent-errors list kept per session
const maxRecentErrors = 20

type Session struct {
	ID              string
	Source          string
	EnforcementType string
	Params          json.RawMessage
	Status          Status
	Cursor          json.RawMessage
	UnitsProcessed  int64
	RecordsFound    int64
	RecordsCreated  int64
	RecordsExisting int64
	ErrorCount      int64
	RecentErrors    []string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (s Store) CreateSession(ctx context.Context, sess Session) error {
	params := sess.Params
	if params == nil {
		params = json.RawMessage("{}")
	}
	cursor := sess.Cursor
	if cursor == nil {
		cursor = json.RawMessage("{}")
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO sessions (
			id, source, enforcement_type, params, status, cursor,
			recent_errors, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, '[]', ?, ?)`,
		sess.ID, sess.Source, sess.EnforcementType,
		string(params), string(sess.Status), string(cursor),
		sess.CreatedAt.Unix(), sess.CreatedAt.Unix(),
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s Store) GetSession(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, source, enforcement_type, params, status, cursor,
			units_processed, records_found, records_created,
			records_existing, error_count, recent_errors,
			created_at, updated_at
		FROM sessions WHERE id = ?`,
		id,
	)
	return scanSession(row)
}

func (s Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, source, enforcement_type, params, status, cursor,
			units_processed, records_found, records_created,
			records_existing, error_count, recent_errors,
			created_at, updated_at
		FROM sessions ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var params, status, cursor, recentErrors string
	var createdAt, updatedAt int64

	err := row.Scan(
		&sess.ID, &sess.Source, &sess.EnforcementType, &params,
		&status, &cursor,
		&sess.UnitsProcessed, &sess.RecordsFound, &sess.RecordsCreated,
		&sess.RecordsExisting, &sess.ErrorCount, &recentErrors,
		&createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}

	sess.Params = json.RawMessage(params)
	sess.Status = Status(status)
	sess.Cursor = json.RawMessage(cursor)
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)
	err = json.Unmarshal([]byte(recentErrors), &sess.RecentErrors)
	if err != nil {
		return Session{}, err
	}
	return sess, nil
}

// UpdateSessionStatus transitions a session to the given status.
// Terminal sessions are never mutated: the update carries a guard on the
// current status and the stale transition is reported via ErrNotFound.
func (s Store) UpdateSessionStatus(ctx context.Context, id string, status Status) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE sessions SET status = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'stopped')`,
		string(status), time.Now().Unix(), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SessionAdvance moves a running session's cursor forward and bumps its
// counters. All increments apply in a single UPDATE so concurrent
// readers never observe torn counter pairs.
type SessionAdvance struct {
	ID             string
	Cursor         json.RawMessage
	UnitsDelta     int64
	FoundDelta     int64
	CreatedDelta   int64
	ExistingDelta  int64
}

func (s Store) AdvanceSession(ctx context.Context, adv SessionAdvance) error {
	cursor := adv.Cursor
	if cursor == nil {
		cursor = json.RawMessage("{}")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE sessions SET
			cursor = ?,
			units_processed = units_processed + ?,
			records_found = records_found + ?,
			records_created = records_created + ?,
			records_existing = records_existing + ?,
			updated_at = ?
		WHERE id = ? AND status = 'running'`,
		string(cursor),
		adv.UnitsDelta, adv.FoundDelta, adv.CreatedDelta, adv.ExistingDelta,
		time.Now().Unix(), adv.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotRunning
	}
	return nil
}

// AppendSessionError records one error against a session: bumps the
// error count and pushes the message onto the bounded recent-errors
// list, dropping the oldest entries past the cap. Like AdvanceSession,
// appending is only legal while the session is running, so a session
// that reached a terminal state is never mutated.
func (s Store) AppendSessionError(ctx context.Context, id string, message string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var raw, status string
	err = tx.QueryRowContext(
		ctx, `SELECT recent_errors, status FROM sessions WHERE id = ?`, id,
	).Scan(&raw, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if Status(status) != StatusRunning {
		return ErrSessionNotRunning
	}

	var recent []string
	err = json.Unmarshal([]byte(raw), &recent)
	if err != nil {
		return err
	}
	recent = append(recent, message)
	if len(recent) > maxRecentErrors {
		recent = recent[len(recent)-maxRecentErrors:]
	}
	encoded, err := json.Marshal(recent)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(
		ctx,
		`UPDATE sessions SET
			error_count = error_count + 1,
			recent_errors = ?,
			updated_at = ?
		WHERE id = ? AND status = 'running'`,
		string(encoded), time.Now().Unix(), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotRunning
	}
	return tx.Commit()
}
