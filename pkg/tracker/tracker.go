// Package tracker persists account state and dispatch history in SQLite.
package tracker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/genroute/pkg/models"
)

// Tracker persists what must survive a restart and what reports read.
type Tracker interface {
	// Record stores a successful dispatch.
	Record(ctx context.Context, rec models.DispatchRecord) error
	// QueryByAccount returns dispatches for an account since a given time.
	QueryByAccount(ctx context.Context, accountID string, since time.Time) ([]models.DispatchRecord, error)
	// TotalByAccount returns credits consumed by an account since a given time.
	TotalByAccount(ctx context.Context, accountID string, since time.Time) (int64, error)
	// Summary aggregates dispatches per account and tier, optionally for one account.
	Summary(ctx context.Context, accountID string) ([]models.UsageSummary, error)
	// Daily aggregates dispatches per UTC day and tier since a given time.
	Daily(ctx context.Context, since time.Time) ([]models.DailyUsage, error)
	// SaveAccount stores a runtime-added account.
	SaveAccount(ctx context.Context, spec models.AccountSpec) error
	// DeleteAccount forgets a runtime-added account.
	DeleteAccount(ctx context.Context, id string) error
	// LoadAccounts returns all runtime-added accounts.
	LoadAccounts(ctx context.Context) ([]models.AccountSpec, error)
	// SaveSnapshots upserts budget snapshots.
	SaveSnapshots(ctx context.Context, snaps []models.BudgetSnapshot) error
	// LoadSnapshots returns the last saved snapshot per account.
	LoadSnapshots(ctx context.Context) ([]models.BudgetSnapshot, error)
	// Close releases resources.
	Close() error
}

// SQLiteTracker implements Tracker with a SQLite database.
type SQLiteTracker struct {
	db *sql.DB
}

const createDispatchTable = `
CREATE TABLE IF NOT EXISTS dispatch_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	account_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	capability_requested TEXT NOT NULL,
	capability_served TEXT NOT NULL,
	credits INTEGER NOT NULL,
	attempts INTEGER NOT NULL,
	downgraded INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_dispatch_account_time ON dispatch_records(account_id, created_at);
`

const createAccountsTable = `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	spec TEXT NOT NULL,
	api_key TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL
);
`

const createSnapshotsTable = `
CREATE TABLE IF NOT EXISTS budget_snapshots (
	account_id TEXT PRIMARY KEY,
	remaining INTEGER,
	consumed_today INTEGER NOT NULL,
	day TEXT NOT NULL,
	last_refreshed DATETIME,
	stale INTEGER NOT NULL DEFAULT 0,
	saved_at DATETIME NOT NULL
);
`

// New creates a SQLiteTracker and runs auto-migration.
func New(dbPath string) (*SQLiteTracker, error) {
	db, err := sql.Open("sqlite", dbPath+"?_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("open tracker db: %w", err)
	}

	for _, stmt := range []string{createDispatchTable, createAccountsTable, createSnapshotsTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate tracker db: %w", err)
		}
	}

	// platform was added after the first release.
	if !columnExists(db, "dispatch_records", "platform") {
		if _, err := db.Exec(`ALTER TABLE dispatch_records ADD COLUMN platform TEXT NOT NULL DEFAULT 'generic'`); err != nil {
			db.Close()
			return nil, fmt.Errorf("add platform column: %w", err)
		}
	}

	return &SQLiteTracker{db: db}, nil
}

func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dflt sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false
		}
		if name == column {
			return true
		}
	}
	return false
}

// Record stores a successful dispatch.
func (t *SQLiteTracker) Record(ctx context.Context, rec models.DispatchRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Platform == "" {
		rec.Platform = models.PlatformGeneric
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO dispatch_records (request_id, idempotency_key, account_id, provider, platform,
		 capability_requested, capability_served, credits, attempts, downgraded, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.IdempotencyKey, rec.AccountID, rec.Provider, rec.Platform,
		rec.Requested, rec.Served, rec.Credits, rec.Attempts, rec.Downgraded, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record dispatch: %w", err)
	}
	return nil
}

// QueryByAccount returns dispatches for an account since a given time.
func (t *SQLiteTracker) QueryByAccount(ctx context.Context, accountID string, since time.Time) ([]models.DispatchRecord, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT id, request_id, idempotency_key, account_id, provider, platform,
		 capability_requested, capability_served, credits, attempts, downgraded, created_at
		 FROM dispatch_records WHERE account_id = ? AND created_at >= ? ORDER BY created_at DESC`,
		accountID, since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("query dispatches: %w", err)
	}
	defer rows.Close()

	var records []models.DispatchRecord
	for rows.Next() {
		var r models.DispatchRecord
		if err := rows.Scan(&r.ID, &r.RequestID, &r.IdempotencyKey, &r.AccountID, &r.Provider, &r.Platform,
			&r.Requested, &r.Served, &r.Credits, &r.Attempts, &r.Downgraded, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dispatch: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// TotalByAccount returns credits consumed by an account since a given time.
func (t *SQLiteTracker) TotalByAccount(ctx context.Context, accountID string, since time.Time) (int64, error) {
	var total int64
	err := t.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(credits), 0) FROM dispatch_records WHERE account_id = ? AND created_at >= ?`,
		accountID, since.UTC(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("total credits: %w", err)
	}
	return total, nil
}

// Summary aggregates dispatches grouped by account and served tier.
func (t *SQLiteTracker) Summary(ctx context.Context, accountID string) ([]models.UsageSummary, error) {
	query := `SELECT account_id, capability_served, COUNT(*), SUM(credits), SUM(downgraded)
		 FROM dispatch_records`
	var args []any
	if accountID != "" {
		query += ` WHERE account_id = ?`
		args = append(args, accountID)
	}
	query += ` GROUP BY account_id, capability_served ORDER BY account_id, capability_served`

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var summaries []models.UsageSummary
	for rows.Next() {
		var s models.UsageSummary
		if err := rows.Scan(&s.AccountID, &s.Capability, &s.RequestCount, &s.Credits, &s.Downgraded); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// Daily aggregates dispatches per UTC day and served tier.
func (t *SQLiteTracker) Daily(ctx context.Context, since time.Time) ([]models.DailyUsage, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT date(created_at) AS day, capability_served, COUNT(*), SUM(credits)
		 FROM dispatch_records WHERE created_at >= ?
		 GROUP BY day, capability_served ORDER BY day DESC, capability_served`,
		since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("daily usage: %w", err)
	}
	defer rows.Close()

	var out []models.DailyUsage
	for rows.Next() {
		var d models.DailyUsage
		if err := rows.Scan(&d.Day, &d.Capability, &d.RequestCount, &d.Credits); err != nil {
			return nil, fmt.Errorf("scan daily usage: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SaveAccount stores a runtime-added account, replacing any previous spec.
func (t *SQLiteTracker) SaveAccount(ctx context.Context, spec models.AccountSpec) error {
	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("encode account: %w", err)
	}
	_, err = t.db.ExecContext(ctx,
		`INSERT INTO accounts (id, spec, api_key, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET spec = excluded.spec, api_key = excluded.api_key, updated_at = excluded.updated_at`,
		spec.ID, string(data), spec.APIKey, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return nil
}

// DeleteAccount forgets a runtime-added account.
func (t *SQLiteTracker) DeleteAccount(ctx context.Context, id string) error {
	if _, err := t.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}

// LoadAccounts returns all runtime-added accounts ordered by id.
func (t *SQLiteTracker) LoadAccounts(ctx context.Context) ([]models.AccountSpec, error) {
	rows, err := t.db.QueryContext(ctx, `SELECT spec, api_key FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	defer rows.Close()

	var specs []models.AccountSpec
	for rows.Next() {
		var data, key string
		if err := rows.Scan(&data, &key); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		var spec models.AccountSpec
		if err := json.Unmarshal([]byte(data), &spec); err != nil {
			return nil, fmt.Errorf("decode account: %w", err)
		}
		spec.APIKey = key
		specs = append(specs, spec)
	}
	return specs, rows.Err()
}

// SaveSnapshots upserts budget snapshots in one transaction.
func (t *SQLiteTracker) SaveSnapshots(ctx context.Context, snaps []models.BudgetSnapshot) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	for _, s := range snaps {
		if s.SavedAt.IsZero() {
			s.SavedAt = time.Now().UTC()
		}
		var refreshed any
		if !s.LastRefreshed.IsZero() {
			refreshed = s.LastRefreshed.UTC()
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO budget_snapshots (account_id, remaining, consumed_today, day, last_refreshed, stale, saved_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(account_id) DO UPDATE SET remaining = excluded.remaining,
			 consumed_today = excluded.consumed_today, day = excluded.day,
			 last_refreshed = excluded.last_refreshed, stale = excluded.stale, saved_at = excluded.saved_at`,
			s.AccountID, s.Remaining, s.ConsumedToday, s.Day, refreshed, s.Stale, s.SavedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("save snapshot %s: %w", s.AccountID, err)
		}
	}
	return tx.Commit()
}

// LoadSnapshots returns the last saved snapshot per account.
func (t *SQLiteTracker) LoadSnapshots(ctx context.Context) ([]models.BudgetSnapshot, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT account_id, remaining, consumed_today, day, last_refreshed, stale, saved_at
		 FROM budget_snapshots ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	defer rows.Close()

	var out []models.BudgetSnapshot
	for rows.Next() {
		var s models.BudgetSnapshot
		var remaining sql.NullInt64
		var refreshed sql.NullTime
		if err := rows.Scan(&s.AccountID, &remaining, &s.ConsumedToday, &s.Day, &refreshed, &s.Stale, &s.SavedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		if remaining.Valid {
			s.Remaining = models.Int64(remaining.Int64)
		}
		if refreshed.Valid {
			s.LastRefreshed = refreshed.Time
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close releases the database connection.
func (t *SQLiteTracker) Close() error {
	return t.db.Close()
}
