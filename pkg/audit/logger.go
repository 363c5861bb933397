// Package audit keeps the operator-facing pool event log.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/keypool/pkg/models"
)

// Recorder accepts pool events.
type Recorder interface {
	Record(ctx context.Context, ev models.PoolEvent) error
}

// Discard is a Recorder that drops every event.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(context.Context, models.PoolEvent) error { return nil }

// Logger writes and queries pool events in a SQLite database.
type Logger struct {
	db  *sql.DB
	cfg models.EventConfig
}

var _ Recorder = (*Logger)(nil)

// New opens the event database. Old events are removed by Cleanup, which
// the scheduler runs on the retention schedule.
func New(cfg models.EventConfig) (*Logger, error) {
	db, err := sql.Open("sqlite", cfg.DBPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open event db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate event db: %w", err)
	}

	return &Logger{db: db, cfg: cfg}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS pool_events (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		kind          TEXT NOT NULL,
		credential_id TEXT NOT NULL DEFAULT '',
		detail        TEXT NOT NULL DEFAULT '',
		created_at    INTEGER NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_created ON pool_events(created_at)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_credential ON pool_events(credential_id, created_at)`)
	return err
}

// Record appends an event. A nil Logger drops it.
func (l *Logger) Record(ctx context.Context, ev models.PoolEvent) error {
	if l == nil || l.db == nil {
		return nil
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO pool_events (kind, credential_id, detail, created_at) VALUES (?, ?, ?, ?)`,
		string(ev.Kind), ev.CredentialID, ev.Detail, ev.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// Query returns events matching opts, newest first.
func (l *Logger) Query(ctx context.Context, opts models.EventQueryOpts) ([]models.PoolEvent, error) {
	q := `SELECT id, kind, credential_id, detail, created_at FROM pool_events WHERE 1=1`
	var args []any

	if opts.Kind != "" {
		q += " AND kind = ?"
		args = append(args, string(opts.Kind))
	}
	if opts.CredentialID != "" {
		q += " AND credential_id = ?"
		args = append(args, opts.CredentialID)
	}
	if !opts.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, opts.Since.UnixMilli())
	}

	q += " ORDER BY created_at DESC, id DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []models.PoolEvent
	for rows.Next() {
		var (
			ev      models.PoolEvent
			kind    string
			created int64
		)
		if err := rows.Scan(&ev.ID, &kind, &ev.CredentialID, &ev.Detail, &created); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		ev.Kind = models.EventKind(kind)
		ev.CreatedAt = time.UnixMilli(created).UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Stats returns event counts grouped by kind and day.
func (l *Logger) Stats(ctx context.Context) ([]models.EventStat, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT kind, date(created_at / 1000, 'unixepoch') AS day, count(*) AS cnt
		 FROM pool_events GROUP BY kind, day ORDER BY day DESC, kind`)
	if err != nil {
		return nil, fmt.Errorf("event stats: %w", err)
	}
	defer rows.Close()

	var stats []models.EventStat
	for rows.Next() {
		var (
			s    models.EventStat
			kind string
			day  sql.NullString
		)
		if err := rows.Scan(&kind, &day, &s.Count); err != nil {
			return nil, fmt.Errorf("scan event stat: %w", err)
		}
		s.Kind = models.EventKind(kind)
		s.Day = day.String
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Cleanup deletes events older than the configured retention period.
// A non-positive retention keeps everything.
func (l *Logger) Cleanup(ctx context.Context) (int64, error) {
	if l.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -l.cfg.RetentionDays)
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM pool_events WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("event cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (l *Logger) Close() error {
	return l.db.Close()
}
