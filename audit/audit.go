// Package audit keeps a SQLite log of every call the relay executed.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"winspec-relay/message"
	"winspec-relay/middleware"
)

// Entry is one executed call.
type Entry struct {
	ID       string
	At       time.Time
	Session  string
	Remote   string
	Kind     message.Kind
	Path     string
	OK       bool
	Category message.Category // empty for successful calls
	Code     string
	Message  string
	Took     time.Duration
}

type row struct {
	ID       string `db:"id"`
	AtNanos  int64  `db:"at_ns"`
	Session  string `db:"session_id"`
	Remote   string `db:"remote"`
	Kind     string `db:"kind"`
	Path     string `db:"path"`
	OK       bool   `db:"ok"`
	Category string `db:"category"`
	Code     string `db:"code"`
	Message  string `db:"message"`
	TookNs   int64  `db:"took_ns"`
}

func (r row) entry() Entry {
	return Entry{
		ID:       r.ID,
		At:       time.Unix(0, r.AtNanos).UTC(),
		Session:  r.Session,
		Remote:   r.Remote,
		Kind:     message.Kind(r.Kind),
		Path:     r.Path,
		OK:       r.OK,
		Category: message.Category(r.Category),
		Code:     r.Code,
		Message:  r.Message,
		Took:     time.Duration(r.TookNs),
	}
}

// Log is the call log. It implements middleware.Recorder.
type Log struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ middleware.Recorder = (*Log)(nil)

// Open opens or creates the log database at path.
func Open(path string) (*Log, error) {
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit log %s: %w", path, err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init audit log %s: %w", path, err)
	}
	return &Log{db: db, now: time.Now}, nil
}

func initSchema(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS call_log (
		id TEXT PRIMARY KEY,
		at_ns INTEGER NOT NULL,
		session_id TEXT NOT NULL,
		remote TEXT NOT NULL,
		kind TEXT NOT NULL,
		path TEXT NOT NULL,
		ok BOOLEAN NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		code TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		took_ns INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS call_log_at ON call_log(at_ns);
	`)
	return err
}

// Record stores one finished call.
func (l *Log) Record(ctx context.Context, session middleware.Session, call *message.Call, result *message.Result, took time.Duration) error {
	r := row{
		ID:      uuid.NewString(),
		AtNanos: l.now().UnixNano(),
		Session: session.ID,
		Remote:  session.Remote,
		Kind:    string(call.Kind),
		Path:    call.Target(),
		OK:      result.OK,
		TookNs:  int64(took),
	}
	if result.Error != nil {
		r.Category = string(result.Error.Category)
		r.Code = result.Error.Code
		r.Message = result.Error.Message
	}

	_, err := l.db.NamedExecContext(ctx, `
	INSERT INTO call_log (id, at_ns, session_id, remote, kind, path, ok, category, code, message, took_ns)
	VALUES (:id, :at_ns, :session_id, :remote, :kind, :path, :ok, :category, :code, :message, :took_ns)
	`, r)
	if err != nil {
		return fmt.Errorf("record %s: %w", r.Path, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]Entry, error) {
	var rows []row
	err := l.db.SelectContext(ctx, &rows, "SELECT * FROM call_log ORDER BY at_ns DESC, rowid DESC LIMIT $1", limit)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, len(rows))
	for i, r := range rows {
		entries[i] = r.entry()
	}
	return entries, nil
}

// DeleteOlderThan removes entries older than age and reports how many were removed.
func (l *Log) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := l.now().Add(-age).UnixNano()
	res, err := l.db.ExecContext(ctx, "DELETE FROM call_log WHERE at_ns < $1", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close closes the database.
func (l *Log) Close() error {
	return l.db.Close()
}
