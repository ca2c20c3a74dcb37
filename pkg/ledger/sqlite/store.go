// Package sqlite is the durable Ledger backed by an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/harunnryd/scribe/pkg/diarize"
	"github.com/harunnryd/scribe/pkg/errorsx"
	"github.com/harunnryd/scribe/pkg/ledger"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	backend_id  TEXT NOT NULL DEFAULT '',
	state       TEXT NOT NULL,
	source      TEXT NOT NULL DEFAULT '',
	language    TEXT NOT NULL DEFAULT '',
	timezone    TEXT NOT NULL DEFAULT '',
	device_name TEXT NOT NULL DEFAULT '',
	upload_key  TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	finished_at INTEGER,
	updated_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state, created_at);

CREATE TABLE IF NOT EXISTS segments (
	session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	speaker    INTEGER NOT NULL,
	text       TEXT NOT NULL,
	start_time REAL NOT NULL,
	end_time   REAL NOT NULL,
	PRIMARY KEY (session_id, speaker, start_time)
);

CREATE INDEX IF NOT EXISTS idx_segments_order ON segments(session_id, start_time);
`

// Store implements ledger.Ledger. It holds a single connection so writes are
// serialised and every pragma applies to it.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// DefaultPath returns the default database location.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "scribe", "ledger.sqlite")
}

// Open opens (or creates) the ledger at path. ":memory:" is accepted.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock overrides the time source.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func writeErr(op string, err error) error {
	return errorsx.Wrapf(errorsx.ReasonPersistenceWrite, "%s: %w", op, err)
}

func readErr(op string, err error) error {
	return errorsx.Wrapf(errorsx.ReasonPersistenceRead, "%s: %w", op, err)
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func (s *Store) StartSession(ctx context.Context, p ledger.StartParams) (int64, error) {
	now := s.now()
	created := p.StartedAt
	if created.IsZero() {
		created = now
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (state, source, language, timezone, device_name, upload_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, string(ledger.StateRecording), p.Source, p.Language, p.Timezone, p.InputDeviceName, p.UploadKey,
		toMillis(created), toMillis(now))
	if err != nil {
		return 0, writeErr("insert session", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, writeErr("session id", err)
	}
	return id, nil
}

func (s *Store) AppendSegment(ctx context.Context, id int64, seg diarize.Segment) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := currentState(ctx, tx, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO segments (session_id, speaker, text, start_time, end_time)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (session_id, speaker, start_time)
			DO UPDATE SET text = excluded.text, end_time = excluded.end_time
		`, id, seg.Speaker, seg.Text, seg.Start, seg.End)
		if err != nil {
			return writeErr("upsert segment", err)
		}
		return nil
	})
}

func (s *Store) Segments(ctx context.Context, id int64) ([]diarize.Segment, error) {
	if _, err := s.Session(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT speaker, text, start_time, end_time
		FROM segments
		WHERE session_id = ?
		ORDER BY start_time ASC, speaker ASC
	`, id)
	if err != nil {
		return nil, readErr("query segments", err)
	}
	defer rows.Close()

	var segs []diarize.Segment
	for rows.Next() {
		var seg diarize.Segment
		if err := rows.Scan(&seg.Speaker, &seg.Text, &seg.Start, &seg.End); err != nil {
			return nil, readErr("scan segment", err)
		}
		segs = append(segs, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, readErr("iterate segments", err)
	}
	return segs, nil
}

const sessionColumns = `id, backend_id, state, source, language, timezone, device_name, upload_key,
	retry_count, last_error, created_at, finished_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (ledger.Session, error) {
	var sess ledger.Session
	var state string
	var created, updated int64
	var finished sql.NullInt64
	if err := row.Scan(&sess.ID, &sess.BackendID, &state, &sess.Source, &sess.Language, &sess.Timezone,
		&sess.InputDeviceName, &sess.UploadKey, &sess.RetryCount, &sess.LastError,
		&created, &finished, &updated); err != nil {
		return ledger.Session{}, err
	}
	sess.State = ledger.State(state)
	sess.CreatedAt = fromMillis(created)
	sess.UpdatedAt = fromMillis(updated)
	if finished.Valid {
		sess.FinishedAt = fromMillis(finished.Int64)
	}
	return sess, nil
}

func (s *Store) Session(ctx context.Context, id int64) (ledger.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Session{}, fmt.Errorf("session %d: %w", id, ledger.ErrSessionNotFound)
		}
		return ledger.Session{}, readErr("scan session", err)
	}
	return sess, nil
}

func (s *Store) FinishSession(ctx context.Context, id int64, at time.Time) error {
	return s.transition(ctx, id, ledger.StateFinished, `finished_at = ?`, toMillis(at))
}

func (s *Store) MarkUploading(ctx context.Context, id int64) error {
	return s.transition(ctx, id, ledger.StateUploading, "")
}

func (s *Store) MarkCompleted(ctx context.Context, id int64, backendID string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		var state, current string
		err := tx.QueryRowContext(ctx, `SELECT state, backend_id FROM sessions WHERE id = ?`, id).Scan(&state, &current)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("session %d: %w", id, ledger.ErrSessionNotFound)
			}
			return readErr("read session", err)
		}
		if ledger.State(state) == ledger.StateCompleted && current == backendID {
			return nil
		}
		return s.apply(ctx, tx, id, ledger.State(state), ledger.StateCompleted,
			`backend_id = ?, last_error = ''`, backendID)
	})
}

func (s *Store) MarkFailed(ctx context.Context, id int64, errText string) error {
	return s.transition(ctx, id, ledger.StateFailed, `last_error = ?`, errText)
}

func (s *Store) DeleteSession(ctx context.Context, id int64) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM segments WHERE session_id = ?`, id); err != nil {
			return writeErr("delete segments", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
			return writeErr("delete session", err)
		}
		return nil
	})
}

func (s *Store) SessionsInStates(ctx context.Context, states ...ledger.State) ([]ledger.Session, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(states)), ",")
	args := make([]any, len(states))
	for i, st := range states {
		args[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE state IN (`+placeholders+`)
		ORDER BY created_at ASC, id ASC
	`, args...)
	if err != nil {
		return nil, readErr("query sessions", err)
	}
	defer rows.Close()

	var out []ledger.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, readErr("scan session", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, readErr("iterate sessions", err)
	}
	return out, nil
}

func (s *Store) IncrementRetry(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET retry_count = retry_count + 1, updated_at = ? WHERE id = ?
	`, toMillis(s.now()), id)
	if err != nil {
		return writeErr("increment retry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %d: %w", id, ledger.ErrSessionNotFound)
	}
	return nil
}

func (s *Store) Stats(ctx context.Context) (ledger.Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM sessions GROUP BY state`)
	if err != nil {
		return ledger.Stats{}, readErr("query stats", err)
	}
	defer rows.Close()

	var st ledger.Stats
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return ledger.Stats{}, readErr("scan stats", err)
		}
		st.Total += n
		switch ledger.State(state) {
		case ledger.StateRecording:
			st.Recording += n
		case ledger.StateFinished, ledger.StateUploading:
			st.Pending += n
		case ledger.StateFailed:
			st.Failed += n
		case ledger.StateCompleted:
			st.Completed += n
		}
	}
	return st, rows.Err()
}

// transition validates and applies a state change inside one transaction.
// set is an optional extra SET clause with its args.
func (s *Store) transition(ctx context.Context, id int64, to ledger.State, set string, args ...any) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		from, err := currentState(ctx, tx, id)
		if err != nil {
			return err
		}
		return s.apply(ctx, tx, id, from, to, set, args...)
	})
}

func (s *Store) apply(ctx context.Context, tx *sql.Tx, id int64, from, to ledger.State, set string, args ...any) error {
	if !ledger.CanTransition(from, to) {
		return errorsx.Wrap(&ledger.InvalidTransitionError{SessionID: id, From: from, To: to}, errorsx.ReasonInvalidTransition)
	}
	q := `UPDATE sessions SET state = ?, updated_at = ?`
	params := []any{string(to), toMillis(s.now())}
	if set != "" {
		q += ", " + set
		params = append(params, args...)
	}
	q += ` WHERE id = ?`
	params = append(params, id)
	if _, err := tx.ExecContext(ctx, q, params...); err != nil {
		return writeErr("update session state", err)
	}
	return nil
}

func currentState(ctx context.Context, tx *sql.Tx, id int64) (ledger.State, error) {
	var state string
	err := tx.QueryRowContext(ctx, `SELECT state FROM sessions WHERE id = ?`, id).Scan(&state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("session %d: %w", id, ledger.ErrSessionNotFound)
		}
		return "", readErr("read session state", err)
	}
	return ledger.State(state), nil
}

func (s *Store) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return writeErr("begin", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return writeErr("commit", err)
	}
	return nil
}

var _ ledger.Ledger = (*Store)(nil)
