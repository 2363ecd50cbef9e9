// Package audit journals every adapter attempt the router makes.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/genroute/pkg/models"
)

// Logger writes and queries attempt entries in a dedicated SQLite database.
type Logger struct {
	db   *sql.DB
	cfg  models.AuditConfig
	done chan struct{}
	wg   sync.WaitGroup
}

// New opens the audit SQLite database and creates the schema.
func New(cfg models.AuditConfig) (*Logger, error) {
	db, err := sql.Open("sqlite", cfg.DBPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}

	l := &Logger{
		db:   db,
		cfg:  cfg,
		done: make(chan struct{}),
	}

	l.wg.Add(1)
	go l.retentionLoop()

	return l, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS attempt_log (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id      TEXT NOT NULL,
		idempotency_key TEXT,
		account_id      TEXT NOT NULL,
		capability      TEXT NOT NULL,
		attempt         INTEGER NOT NULL,
		kind            TEXT,
		message         TEXT,
		credits         INTEGER NOT NULL DEFAULT 0,
		latency_ms      INTEGER NOT NULL DEFAULT 0,
		created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_attempt_account ON attempt_log(account_id)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_attempt_created ON attempt_log(created_at)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_attempt_request ON attempt_log(request_id)`)
	return err
}

// Log inserts an attempt entry. A nil Logger discards entries.
func (l *Logger) Log(ctx context.Context, entry models.AttemptEntry) error {
	if l == nil || l.db == nil {
		return nil
	}

	msg := entry.Message
	if l.cfg.MaxMessage > 0 && len(msg) > l.cfg.MaxMessage {
		msg = msg[:l.cfg.MaxMessage]
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO attempt_log
		(request_id, idempotency_key, account_id, capability, attempt,
		 kind, message, credits, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RequestID, entry.IdempotencyKey, entry.AccountID,
		string(entry.Capability), entry.Attempt,
		entry.Kind, msg, entry.Credits, entry.LatencyMs, entry.CreatedAt.UTC(),
	)
	return err
}

// Query returns attempt entries matching the given options, newest first.
func (l *Logger) Query(ctx context.Context, opts models.AuditQueryOpts) ([]models.AttemptEntry, error) {
	q := `SELECT request_id, idempotency_key, account_id, capability, attempt,
		kind, message, credits, latency_ms, created_at
		FROM attempt_log WHERE 1=1`
	var args []any

	if opts.RequestID != "" {
		q += " AND request_id = ?"
		args = append(args, opts.RequestID)
	}
	if opts.IdempotencyKey != "" {
		q += " AND idempotency_key = ?"
		args = append(args, opts.IdempotencyKey)
	}
	if opts.AccountID != "" {
		q += " AND account_id = ?"
		args = append(args, opts.AccountID)
	}
	if opts.Kind != "" {
		q += " AND kind = ?"
		args = append(args, opts.Kind)
	}
	if !opts.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, opts.Since.UTC())
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
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var entries []models.AttemptEntry
	for rows.Next() {
		var e models.AttemptEntry
		var capability string
		var key, kind, msg sql.NullString
		if err := rows.Scan(
			&e.RequestID, &key, &e.AccountID, &capability, &e.Attempt,
			&kind, &msg, &e.Credits, &e.LatencyMs, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		e.Capability = models.Capability(capability)
		e.IdempotencyKey = key.String
		e.Kind = kind.String
		e.Message = msg.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats returns attempt counts grouped by account, outcome kind and day.
// Successful attempts are reported with kind "ok".
func (l *Logger) Stats(ctx context.Context) ([]models.AuditStat, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT account_id, COALESCE(NULLIF(kind, ''), 'ok') AS k, date(created_at) AS day, count(*) AS cnt
		 FROM attempt_log GROUP BY account_id, k, day ORDER BY day DESC, account_id, k`)
	if err != nil {
		return nil, fmt.Errorf("audit stats: %w", err)
	}
	defer rows.Close()

	var stats []models.AuditStat
	for rows.Next() {
		var s models.AuditStat
		var day sql.NullString
		if err := rows.Scan(&s.AccountID, &s.Kind, &day, &s.Count); err != nil {
			return nil, fmt.Errorf("scan audit stat: %w", err)
		}
		s.Day = day.String
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Cleanup deletes entries older than the configured retention period.
func (l *Logger) Cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -l.cfg.RetentionDays)
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM attempt_log WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (l *Logger) Close() error {
	close(l.done)
	l.wg.Wait()
	return l.db.Close()
}

func (l *Logger) retentionLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			if l.cfg.RetentionDays > 0 {
				_, _ = l.Cleanup(context.Background())
			}
		}
	}
}
