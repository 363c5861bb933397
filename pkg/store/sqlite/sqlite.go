// Package sqlite implements store.Store on SQLite.
//
// Timestamps are stored as unix milliseconds. Every state transition is a
// conditional UPDATE or an IMMEDIATE transaction, so several processes can
// share one database file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/keypool/pkg/models"
	"github.com/pario-ai/keypool/pkg/secrets"
	"github.com/pario-ai/keypool/pkg/store"
)

const createCredentials = `
CREATE TABLE IF NOT EXISTS credentials (
	id TEXT PRIMARY KEY,
	secret TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'healthy',
	tokens_used INTEGER NOT NULL DEFAULT 0,
	requests_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	cooldown_until INTEGER,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credentials_status ON credentials(status);
CREATE INDEX IF NOT EXISTS idx_credentials_cooldown ON credentials(cooldown_until);
`

const createBackups = `
CREATE TABLE IF NOT EXISTS backup_credentials (
	id TEXT PRIMARY KEY,
	secret TEXT NOT NULL,
	is_used INTEGER NOT NULL DEFAULT 0,
	activated INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	used_at INTEGER,
	used_for TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_backups_stock ON backup_credentials(is_used, created_at, id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_backups_used_for ON backup_credentials(used_for) WHERE used_for != '';
`

const createBindings = `
CREATE TABLE IF NOT EXISTS proxy_bindings (
	proxy_id TEXT NOT NULL,
	credential_id TEXT NOT NULL,
	priority INTEGER NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (proxy_id, credential_id)
);
CREATE INDEX IF NOT EXISTS idx_bindings_proxy_active ON proxy_bindings(proxy_id, is_active);
CREATE INDEX IF NOT EXISTS idx_bindings_credential ON proxy_bindings(credential_id);
`

const createSamples = `
CREATE TABLE IF NOT EXISTS usage_samples (
	id TEXT PRIMARY KEY,
	credential_id TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	tokens INTEGER NOT NULL,
	latency_ms INTEGER NOT NULL,
	success INTEGER NOT NULL,
	status_code INTEGER NOT NULL DEFAULT 0,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_samples_credential_time ON usage_samples(credential_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_samples_time ON usage_samples(timestamp);
`

const createQuotas = `
CREATE TABLE IF NOT EXISTS quota_accounts (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	tier TEXT NOT NULL DEFAULT 'dev',
	total_tokens INTEGER NOT NULL,
	tokens_used INTEGER NOT NULL DEFAULT 0,
	requests_count INTEGER NOT NULL DEFAULT 0,
	is_active INTEGER NOT NULL DEFAULT 1,
	plan_expires_at INTEGER,
	created_at INTEGER NOT NULL,
	last_used_at INTEGER
);
`

// Store implements store.Store with a SQLite database.
type Store struct {
	db  *sql.DB
	box *secrets.Box
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithSecrets encrypts secret material with box before it is written.
func WithSecrets(box *secrets.Box) Option {
	return func(s *Store) { s.box = box }
}

func dsn(dbPath string) string {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
}

// New opens the database at dbPath and runs auto-migration.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open keypool db: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, ddl := range []string{createCredentials, createBackups, createBindings, createSamples, createQuotas} {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate keypool db: %w", err)
		}
	}

	s := &Store{db: db}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func nowOr(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

type scanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func exists(ctx context.Context, q queryer, query string, args ...any) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// --- credentials ---

const credentialColumns = `id, secret, status, tokens_used, requests_count, last_error, cooldown_until, created_at`

func (s *Store) scanCredential(row scanner) (models.Credential, error) {
	var (
		c        models.Credential
		secret   string
		cooldown sql.NullInt64
		created  int64
	)
	if err := row.Scan(&c.ID, &secret, &c.Status, &c.TokensUsed, &c.RequestsCount, &c.LastError, &cooldown, &created); err != nil {
		return c, err
	}
	plain, err := s.box.Decrypt(secret)
	if err != nil {
		return c, fmt.Errorf("credential %s: %w", c.ID, err)
	}
	c.Secret = plain
	c.CooldownUntil = timePtr(cooldown)
	c.CreatedAt = fromMillis(created)
	return c, nil
}

// CreateCredential inserts a credential.
func (s *Store) CreateCredential(ctx context.Context, c models.Credential) error {
	secret, err := s.box.Encrypt(c.Secret)
	if err != nil {
		return err
	}
	if c.Status == "" {
		c.Status = models.StatusHealthy
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		retired, err := exists(ctx, tx, `SELECT 1 FROM backup_credentials WHERE used_for = ? AND used_for != ''`, c.ID)
		if err != nil {
			return fmt.Errorf("lookup retired: %w", err)
		}
		if retired {
			return store.ErrRetired
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO credentials (`+credentialColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
			c.ID, secret, string(c.Status), c.TokensUsed, c.RequestsCount, c.LastError, nullMillis(c.CooldownUntil), millis(nowOr(c.CreatedAt)))
		if err != nil {
			return fmt.Errorf("insert credential: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrConflict
		}
		return nil
	})
}

// GetCredential returns a credential by id.
func (s *Store) GetCredential(ctx context.Context, id string) (models.Credential, error) {
	c, err := s.scanCredential(s.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return c, store.ErrNotFound
	}
	if err != nil {
		return c, fmt.Errorf("get credential: %w", err)
	}
	return c, nil
}

// ListCredentials returns every credential ordered by id.
func (s *Store) ListCredentials(ctx context.Context) ([]models.Credential, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+credentialColumns+` FROM credentials ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []models.Credential
	for rows.Next() {
		c, err := s.scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteCredential removes a credential and its bindings.
func (s *Store) DeleteCredential(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete credential: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM proxy_bindings WHERE credential_id = ?`, id); err != nil {
			return fmt.Errorf("delete bindings: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE backup_credentials SET activated = 1 WHERE id = ? AND is_used = 1 AND activated = 0`, id); err != nil {
			return fmt.Errorf("settle backup: %w", err)
		}
		return nil
	})
}

// affectedOrMissing turns a zero-row conditional update into ErrNotFound
// when the credential does not exist, and into a no-op otherwise.
func (s *Store) affectedOrMissing(ctx context.Context, res sql.Result, id string) (bool, error) {
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	ok, err := exists(ctx, s.db, `SELECT 1 FROM credentials WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("lookup credential: %w", err)
	}
	if !ok {
		return false, store.ErrNotFound
	}
	return false, nil
}

func (s *Store) markCooling(ctx context.Context, id string, status models.CredentialStatus, until time.Time, reason string) error {
	u := millis(until)
	res, err := s.db.ExecContext(ctx, `
		UPDATE credentials
		SET status = ?, last_error = ?,
			cooldown_until = CASE WHEN cooldown_until IS NOT NULL AND cooldown_until > ? THEN cooldown_until ELSE ? END
		WHERE id = ? AND status != ?`,
		string(status), reason, u, u, id, string(models.StatusExhausted))
	if err != nil {
		return fmt.Errorf("mark %s: %w", status, err)
	}
	_, err = s.affectedOrMissing(ctx, res, id)
	return err
}

// MarkRateLimited implements store.Credentials.
func (s *Store) MarkRateLimited(ctx context.Context, id string, until time.Time, reason string) error {
	return s.markCooling(ctx, id, models.StatusRateLimited, until, reason)
}

// MarkError implements store.Credentials.
func (s *Store) MarkError(ctx context.Context, id string, until time.Time, reason string) error {
	return s.markCooling(ctx, id, models.StatusError, until, reason)
}

// MarkExhausted implements store.Credentials.
func (s *Store) MarkExhausted(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET status = ?, last_error = ?, cooldown_until = NULL WHERE id = ?`,
		string(models.StatusExhausted), reason, id)
	if err != nil {
		return fmt.Errorf("mark exhausted: %w", err)
	}
	_, err = s.affectedOrMissing(ctx, res, id)
	return err
}

// MarkRecovered implements store.Credentials.
func (s *Store) MarkRecovered(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credentials SET status = ?, last_error = '', cooldown_until = NULL
		WHERE id = ? AND status IN (?, ?) AND (cooldown_until IS NULL OR cooldown_until <= ?)`,
		string(models.StatusHealthy), id, string(models.StatusRateLimited), string(models.StatusError), millis(now))
	if err != nil {
		return false, fmt.Errorf("mark recovered: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}

	res, err = s.db.ExecContext(ctx,
		`UPDATE credentials SET last_error = '', cooldown_until = NULL WHERE id = ? AND status = ?`,
		id, string(models.StatusHealthy))
	if err != nil {
		return false, fmt.Errorf("clear last error: %w", err)
	}
	if _, err := s.affectedOrMissing(ctx, res, id); err != nil {
		return false, err
	}
	return false, nil
}

// ResetCredential implements store.Credentials.
func (s *Store) ResetCredential(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credentials
		SET status = ?, last_error = '', cooldown_until = NULL, tokens_used = 0, requests_count = 0
		WHERE id = ?`, string(models.StatusHealthy), id)
	if err != nil {
		return fmt.Errorf("reset credential: %w", err)
	}
	_, err = s.affectedOrMissing(ctx, res, id)
	return err
}

// --- backups ---

const backupColumns = `id, secret, is_used, activated, created_at, used_at, used_for`

func (s *Store) scanBackup(row scanner) (models.BackupCredential, error) {
	var (
		b       models.BackupCredential
		secret  string
		created int64
		usedAt  sql.NullInt64
	)
	if err := row.Scan(&b.ID, &secret, &b.IsUsed, &b.Activated, &created, &usedAt, &b.UsedFor); err != nil {
		return b, err
	}
	plain, err := s.box.Decrypt(secret)
	if err != nil {
		return b, fmt.Errorf("backup %s: %w", b.ID, err)
	}
	b.Secret = plain
	b.CreatedAt = fromMillis(created)
	b.UsedAt = timePtr(usedAt)
	return b, nil
}

func (s *Store) queryBackups(ctx context.Context, where string, args ...any) ([]models.BackupCredential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+backupColumns+` FROM backup_credentials `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	defer rows.Close()

	var out []models.BackupCredential
	for rows.Next() {
		b, err := s.scanBackup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backup: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CreateBackup inserts an unused backup credential.
func (s *Store) CreateBackup(ctx context.Context, b models.BackupCredential) error {
	secret, err := s.box.Encrypt(b.Secret)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO backup_credentials (`+backupColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		b.ID, secret, b.IsUsed, b.Activated, millis(nowOr(b.CreatedAt)), nullMillis(b.UsedAt), b.UsedFor)
	if err != nil {
		return fmt.Errorf("insert backup: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrConflict
	}
	return nil
}

// GetBackup returns a backup by id.
func (s *Store) GetBackup(ctx context.Context, id string) (models.BackupCredential, error) {
	b, err := s.scanBackup(s.db.QueryRowContext(ctx,
		`SELECT `+backupColumns+` FROM backup_credentials WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return b, store.ErrNotFound
	}
	if err != nil {
		return b, fmt.Errorf("get backup: %w", err)
	}
	return b, nil
}

// ListBackups returns backups oldest first.
func (s *Store) ListBackups(ctx context.Context) ([]models.BackupCredential, error) {
	return s.queryBackups(ctx, "")
}

// DeleteBackup implements store.Backups.
func (s *Store) DeleteBackup(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var used, activated bool
		err := tx.QueryRowContext(ctx,
			`SELECT is_used, activated FROM backup_credentials WHERE id = ?`, id).Scan(&used, &activated)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get backup: %w", err)
		}
		if used && !activated {
			return store.ErrBackupState
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM backup_credentials WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete backup: %w", err)
		}
		return nil
	})
}

// CountAvailableBackups returns the number of unused backups.
func (s *Store) CountAvailableBackups(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM backup_credentials WHERE is_used = 0 AND id NOT IN (SELECT id FROM credentials)`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count backups: %w", err)
	}
	return n, nil
}

// PromoteBackup implements store.Backups.
func (s *Store) PromoteBackup(ctx context.Context, retiredID string, now time.Time) (store.Promotion, error) {
	var p store.Promotion
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		claimed, err := s.scanBackup(tx.QueryRowContext(ctx,
			`SELECT `+backupColumns+` FROM backup_credentials WHERE is_used = 1 AND used_for = ?`, retiredID))
		switch {
		case err == nil:
			p = store.Promotion{Backup: claimed, Existing: true}
			c, err := s.scanCredential(tx.QueryRowContext(ctx,
				`SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, claimed.ID))
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("get promoted credential: %w", err)
			}
			if err == nil {
				p.Credential = c
			}
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("lookup promotion: %w", err)
		}

		ok, err := exists(ctx, tx, `SELECT 1 FROM credentials WHERE id = ?`, retiredID)
		if err != nil {
			return fmt.Errorf("lookup credential: %w", err)
		}
		if !ok {
			return store.ErrNotFound
		}

		var (
			backupID, cipher string
		)
		err = tx.QueryRowContext(ctx,
			`SELECT id, secret FROM backup_credentials
			 WHERE is_used = 0 AND id NOT IN (SELECT id FROM credentials)
			 ORDER BY created_at, id LIMIT 1`).Scan(&backupID, &cipher)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNoBackup
		}
		if err != nil {
			return fmt.Errorf("select backup: %w", err)
		}

		ts := millis(now)
		res, err := tx.ExecContext(ctx,
			`UPDATE backup_credentials SET is_used = 1, used_at = ?, used_for = ? WHERE id = ? AND is_used = 0`,
			ts, retiredID, backupID)
		if err != nil {
			return fmt.Errorf("claim backup: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return store.ErrConflict
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT proxy_id, priority, is_active FROM proxy_bindings WHERE credential_id = ? ORDER BY proxy_id`, retiredID)
		if err != nil {
			return fmt.Errorf("list bindings: %w", err)
		}
		var moved []models.ProxyBinding
		for rows.Next() {
			b := models.ProxyBinding{CredentialID: backupID, CreatedAt: fromMillis(ts)}
			if err := rows.Scan(&b.ProxyID, &b.Priority, &b.IsActive); err != nil {
				rows.Close()
				return fmt.Errorf("scan binding: %w", err)
			}
			moved = append(moved, b)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("list bindings: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM proxy_bindings WHERE credential_id = ?`, retiredID); err != nil {
			return fmt.Errorf("delete bindings: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, retiredID); err != nil {
			return fmt.Errorf("retire credential: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO credentials (id, secret, status, tokens_used, requests_count, last_error, cooldown_until, created_at)
			VALUES (?, ?, ?, 0, 0, '', NULL, ?)`,
			backupID, cipher, string(models.StatusHealthy), ts); err != nil {
			return fmt.Errorf("insert promoted credential: %w", err)
		}
		for _, b := range moved {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO proxy_bindings (proxy_id, credential_id, priority, is_active, created_at) VALUES (?, ?, ?, ?, ?)`,
				b.ProxyID, b.CredentialID, b.Priority, b.IsActive, ts); err != nil {
				return fmt.Errorf("rebind %s: %w", b.ProxyID, err)
			}
			p.Rebound = append(p.Rebound, b.ProxyID)
		}

		p.Backup, err = s.scanBackup(tx.QueryRowContext(ctx,
			`SELECT `+backupColumns+` FROM backup_credentials WHERE id = ?`, backupID))
		if err != nil {
			return fmt.Errorf("reload backup: %w", err)
		}
		p.Credential = models.Credential{
			ID:        backupID,
			Secret:    p.Backup.Secret,
			Status:    models.StatusHealthy,
			CreatedAt: fromMillis(ts),
		}
		return nil
	})
	if err != nil {
		return store.Promotion{}, err
	}
	return p, nil
}

func (s *Store) backupTransition(ctx context.Context, id string, fn func(tx *sql.Tx, used, activated bool) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var used, activated bool
		err := tx.QueryRowContext(ctx,
			`SELECT is_used, activated FROM backup_credentials WHERE id = ?`, id).Scan(&used, &activated)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get backup: %w", err)
		}
		return fn(tx, used, activated)
	})
}

// ActivateBackup implements store.Backups.
func (s *Store) ActivateBackup(ctx context.Context, id string) error {
	return s.backupTransition(ctx, id, func(tx *sql.Tx, used, _ bool) error {
		if !used {
			return store.ErrBackupState
		}
		if _, err := tx.ExecContext(ctx, `UPDATE backup_credentials SET activated = 1 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("activate backup: %w", err)
		}
		return nil
	})
}

// ReleaseBackup implements store.Backups.
func (s *Store) ReleaseBackup(ctx context.Context, id string, force bool) error {
	return s.backupTransition(ctx, id, func(tx *sql.Tx, used, activated bool) error {
		if activated && !force {
			return store.ErrBackupState
		}
		if !used {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE backup_credentials SET is_used = 0, activated = 0, used_at = NULL, used_for = '' WHERE id = ?`, id); err != nil {
			return fmt.Errorf("release backup: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM proxy_bindings WHERE credential_id = ?`, id); err != nil {
			return fmt.Errorf("delete bindings: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id); err != nil {
			return fmt.Errorf("remove promoted credential: %w", err)
		}
		return nil
	})
}

// PendingPromotions implements store.Backups.
func (s *Store) PendingPromotions(ctx context.Context) ([]models.BackupCredential, error) {
	return s.queryBackups(ctx, `WHERE is_used = 1 AND activated = 0`)
}

// RestorePromoted implements store.Backups.
func (s *Store) RestorePromoted(ctx context.Context, backupID string, now time.Time) (bool, error) {
	var created bool
	err := s.backupTransition(ctx, backupID, func(tx *sql.Tx, used, activated bool) error {
		if !used || activated {
			return store.ErrBackupState
		}
		retired, err := exists(ctx, tx, `SELECT 1 FROM backup_credentials WHERE used_for = ?`, backupID)
		if err != nil {
			return fmt.Errorf("lookup retired: %w", err)
		}
		if retired {
			return nil
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO credentials (id, secret, status, tokens_used, requests_count, last_error, cooldown_until, created_at)
			SELECT id, secret, ?, 0, 0, '', NULL, ? FROM backup_credentials WHERE id = ?
			ON CONFLICT(id) DO NOTHING`,
			string(models.StatusHealthy), millis(now), backupID)
		if err != nil {
			return fmt.Errorf("restore credential: %w", err)
		}
		n, _ := res.RowsAffected()
		created = n > 0
		return nil
	})
	return created, err
}

// --- bindings ---

// CreateBinding inserts a binding. The credential must exist.
func (s *Store) CreateBinding(ctx context.Context, b models.ProxyBinding) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := exists(ctx, tx, `SELECT 1 FROM credentials WHERE id = ?`, b.CredentialID)
		if err != nil {
			return fmt.Errorf("lookup credential: %w", err)
		}
		if !ok {
			return store.ErrNotFound
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO proxy_bindings (proxy_id, credential_id, priority, is_active, created_at)
			VALUES (?, ?, ?, ?, ?) ON CONFLICT(proxy_id, credential_id) DO NOTHING`,
			b.ProxyID, b.CredentialID, b.Priority, b.IsActive, millis(nowOr(b.CreatedAt)))
		if err != nil {
			return fmt.Errorf("insert binding: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrConflict
		}
		return nil
	})
}

// DeleteBinding removes a binding.
func (s *Store) DeleteBinding(ctx context.Context, proxyID, credentialID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM proxy_bindings WHERE proxy_id = ? AND credential_id = ?`, proxyID, credentialID)
	if err != nil {
		return fmt.Errorf("delete binding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SetBindingActive toggles a binding.
func (s *Store) SetBindingActive(ctx context.Context, proxyID, credentialID string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE proxy_bindings SET is_active = ? WHERE proxy_id = ? AND credential_id = ?`, active, proxyID, credentialID)
	if err != nil {
		return fmt.Errorf("update binding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListBindings returns bindings ordered by proxy, priority and credential id.
func (s *Store) ListBindings(ctx context.Context, proxyID string, activeOnly bool) ([]models.ProxyBinding, error) {
	query := `SELECT proxy_id, credential_id, priority, is_active, created_at FROM proxy_bindings WHERE 1 = 1`
	var args []any
	if proxyID != "" {
		query += ` AND proxy_id = ?`
		args = append(args, proxyID)
	}
	if activeOnly {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY proxy_id, priority, credential_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	defer rows.Close()

	var out []models.ProxyBinding
	for rows.Next() {
		var (
			b       models.ProxyBinding
			created int64
		)
		if err := rows.Scan(&b.ProxyID, &b.CredentialID, &b.Priority, &b.IsActive, &created); err != nil {
			return nil, fmt.Errorf("scan binding: %w", err)
		}
		b.CreatedAt = fromMillis(created)
		out = append(out, b)
	}
	return out, rows.Err()
}

// --- usage ---

// RecordUsage implements store.Usage.
func (s *Store) RecordUsage(ctx context.Context, sample models.UsageSample) error {
	if sample.ID == "" {
		sample.ID = uuid.NewString()
	}
	ts := millis(nowOr(sample.Timestamp))
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO usage_samples (id, credential_id, user_id, model, tokens, latency_ms, success, status_code, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sample.ID, sample.CredentialID, sample.UserID, sample.Model, sample.Tokens,
			sample.LatencyMs, sample.Success, sample.StatusCode, ts); err != nil {
			return fmt.Errorf("insert usage sample: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE credentials SET tokens_used = tokens_used + ?, requests_count = requests_count + 1 WHERE id = ?`,
			sample.Tokens, sample.CredentialID); err != nil {
			return fmt.Errorf("count credential usage: %w", err)
		}
		if sample.UserID == "" {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE quota_accounts
			SET tokens_used = tokens_used + ?, requests_count = requests_count + 1, last_used_at = ?
			WHERE id = ?`, sample.Tokens, ts, sample.UserID); err != nil {
			return fmt.Errorf("count quota usage: %w", err)
		}
		return nil
	})
}

func sampleFilter(since *time.Time, credentialID string) (string, []any) {
	where := ` WHERE 1 = 1`
	var args []any
	if since != nil {
		where += ` AND timestamp >= ?`
		args = append(args, millis(*since))
	}
	if credentialID != "" {
		where += ` AND credential_id = ?`
		args = append(args, credentialID)
	}
	return where, args
}

// AggregateUsage implements store.Usage.
func (s *Store) AggregateUsage(ctx context.Context, since *time.Time, credentialID string) (models.UsageAggregate, error) {
	where, args := sampleFilter(since, credentialID)
	var agg models.UsageAggregate
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(tokens), 0),
			COALESCE(SUM(success), 0),
			COALESCE(SUM(CASE WHEN success = 1 THEN latency_ms ELSE 0 END), 0)
		FROM usage_samples`+where, args...).
		Scan(&agg.TotalRequests, &agg.TokensUsed, &agg.SuccessCount, &agg.SuccessLatency)
	if err != nil {
		return agg, fmt.Errorf("aggregate usage: %w", err)
	}
	return agg, nil
}

// HourlyUsage implements store.Usage.
func (s *Store) HourlyUsage(ctx context.Context, since time.Time, credentialID string) ([]models.HourlyCount, error) {
	where, args := sampleFilter(&since, credentialID)
	rows, err := s.db.QueryContext(ctx, `
		SELECT (timestamp / 3600000) * 3600000 AS hour, COUNT(*), COALESCE(SUM(tokens), 0)
		FROM usage_samples`+where+`
		GROUP BY hour ORDER BY hour`, args...)
	if err != nil {
		return nil, fmt.Errorf("hourly usage: %w", err)
	}
	defer rows.Close()

	var out []models.HourlyCount
	for rows.Next() {
		var (
			h    models.HourlyCount
			hour int64
		)
		if err := rows.Scan(&hour, &h.Requests, &h.Tokens); err != nil {
			return nil, fmt.Errorf("scan hourly usage: %w", err)
		}
		h.Hour = fromMillis(hour)
		out = append(out, h)
	}
	return out, rows.Err()
}

// --- quota accounts ---

const quotaColumns = `id, name, tier, total_tokens, tokens_used, requests_count, is_active, plan_expires_at, created_at, last_used_at`

func scanQuota(row scanner) (models.QuotaAccount, error) {
	var (
		a                 models.QuotaAccount
		expires, lastUsed sql.NullInt64
		created           int64
	)
	if err := row.Scan(&a.ID, &a.Name, &a.Tier, &a.TotalTokens, &a.TokensUsed, &a.RequestsCount,
		&a.IsActive, &expires, &created, &lastUsed); err != nil {
		return a, err
	}
	a.PlanExpiresAt = timePtr(expires)
	a.LastUsedAt = timePtr(lastUsed)
	a.CreatedAt = fromMillis(created)
	return a, nil
}

// CreateQuotaAccount inserts a quota account.
func (s *Store) CreateQuotaAccount(ctx context.Context, a models.QuotaAccount) error {
	if a.Tier == "" {
		a.Tier = models.TierDev
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO quota_accounts (`+quotaColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		a.ID, a.Name, string(a.Tier), a.TotalTokens, a.TokensUsed, a.RequestsCount, a.IsActive,
		nullMillis(a.PlanExpiresAt), millis(nowOr(a.CreatedAt)), nullMillis(a.LastUsedAt))
	if err != nil {
		return fmt.Errorf("insert quota account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrConflict
	}
	return nil
}

// GetQuotaAccount returns a quota account by id.
func (s *Store) GetQuotaAccount(ctx context.Context, id string) (models.QuotaAccount, error) {
	a, err := scanQuota(s.db.QueryRowContext(ctx, `SELECT `+quotaColumns+` FROM quota_accounts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return a, store.ErrNotFound
	}
	if err != nil {
		return a, fmt.Errorf("get quota account: %w", err)
	}
	return a, nil
}

// ListQuotaAccounts returns every account ordered by id.
func (s *Store) ListQuotaAccounts(ctx context.Context) ([]models.QuotaAccount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+quotaColumns+` FROM quota_accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list quota accounts: %w", err)
	}
	defer rows.Close()

	var out []models.QuotaAccount
	for rows.Next() {
		a, err := scanQuota(rows)
		if err != nil {
			return nil, fmt.Errorf("scan quota account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) updateQuota(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update quota account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SetQuotaActive toggles an account.
func (s *Store) SetQuotaActive(ctx context.Context, id string, active bool) error {
	return s.updateQuota(ctx, `UPDATE quota_accounts SET is_active = ? WHERE id = ?`, active, id)
}

// ResetQuotaUsage zeroes an account's counters.
func (s *Store) ResetQuotaUsage(ctx context.Context, id string) error {
	return s.updateQuota(ctx, `UPDATE quota_accounts SET tokens_used = 0, requests_count = 0 WHERE id = ?`, id)
}
