// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides user/session persistence and the two control-plane singletons

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// Pragmas ride the DSN so every pooled connection gets them. The busy
	// timeout makes concurrent writers queue instead of surfacing
	// SQLITE_BUSY; without it two simultaneous claims can both error.
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			picture TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS user_sessions (
			token TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(user_id)
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_user_id
			ON user_sessions(user_id);

		CREATE INDEX IF NOT EXISTS idx_sessions_expires_at
			ON user_sessions(expires_at);

		-- Singleton: the row with id=1 is the instance lock record.
		CREATE TABLE IF NOT EXISTS instance_owner (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			user_id TEXT NOT NULL,
			email TEXT NOT NULL,
			name TEXT NOT NULL,
			locked_at DATETIME NOT NULL
		);

		-- Singleton: the row with id=1 is the gateway desired state.
		CREATE TABLE IF NOT EXISTS gateway_config (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			should_run INTEGER NOT NULL DEFAULT 0,
			owner_user_id TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			token_digest TEXT NOT NULL DEFAULT '',
			started_at DATETIME,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS status_checks (
			id TEXT PRIMARY KEY,
			client_name TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// UpsertUserByEmail creates a user keyed by email, or refreshes the mutable
// profile fields if the email already exists. The generated user_id is only
// applied on insert, matching insert-if-absent semantics under concurrent
// first logins.
func (s *SQLiteStore) UpsertUserByEmail(ctx context.Context, email, name, picture string) (*User, error) {
	userID := "user_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, email, name, picture, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET name = excluded.name, picture = excluded.picture
	`, userID, email, name, picture, now)
	if err != nil {
		return nil, fmt.Errorf("upserting user: %w", err)
	}

	return s.getUserByEmail(ctx, email)
}

func (s *SQLiteStore) getUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, email, name, picture, created_at FROM users WHERE email = ?
	`, email)
	return scanUser(row)
}

// GetUser retrieves a user by ID. Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, email, name, picture, created_at FROM users WHERE user_id = ?
	`, userID)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Picture, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	return &u, nil
}

// CreateSession stores a new session token.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_sessions (token, user_id, created_at, expires_at)
		VALUES (?, ?, ?, ?)
	`, session.Token, session.UserID, session.CreatedAt, session.ExpiresAt)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by token. Returns ErrNotFound if missing.
// Expiry is the caller's concern; expired rows are still returned.
func (s *SQLiteStore) GetSession(ctx context.Context, token string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token, user_id, created_at, expires_at FROM user_sessions WHERE token = ?
	`, token)

	var sess Session
	err := row.Scan(&sess.Token, &sess.UserID, &sess.CreatedAt, &sess.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	return &sess, nil
}

// DeleteSession removes a single session token.
func (s *SQLiteStore) DeleteSession(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM user_sessions WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// DeleteUserSessions invalidates every session belonging to a user.
func (s *SQLiteStore) DeleteUserSessions(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM user_sessions WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("deleting user sessions: %w", err)
	}
	return nil
}

// DeleteExpiredSessions removes sessions that expired before now.
func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_sessions WHERE expires_at < ?`, now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ClaimInstanceOwner performs an atomic insert-if-absent of the lock
// singleton. When a row already exists the statement is a no-op; the return
// value says nothing about who owns the lock. Callers must re-read the
// record and compare because a concurrent first-claim may have won.
func (s *SQLiteStore) ClaimInstanceOwner(ctx context.Context, owner *InstanceOwner) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instance_owner (id, user_id, email, name, locked_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, owner.UserID, owner.Email, owner.Name, owner.LockedAt)
	if err != nil {
		return fmt.Errorf("claiming instance owner: %w", err)
	}
	return nil
}

// GetInstanceOwner returns the lock record, or ErrNotFound if the instance
// has never been claimed.
func (s *SQLiteStore) GetInstanceOwner(ctx context.Context) (*InstanceOwner, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, email, name, locked_at FROM instance_owner WHERE id = 1
	`)

	var o InstanceOwner
	err := row.Scan(&o.UserID, &o.Email, &o.Name, &o.LockedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning instance owner: %w", err)
	}
	return &o, nil
}

// SaveGatewayConfig writes the full desired-state singleton in one atomic
// upsert. No multi-row transaction is needed: the record's invariants are
// self-contained.
func (s *SQLiteStore) SaveGatewayConfig(ctx context.Context, cfg *GatewayConfig) error {
	shouldRun := 0
	if cfg.ShouldRun {
		shouldRun = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gateway_config (id, should_run, owner_user_id, provider, token_digest, started_at, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			should_run = excluded.should_run,
			owner_user_id = excluded.owner_user_id,
			provider = excluded.provider,
			token_digest = excluded.token_digest,
			started_at = excluded.started_at,
			updated_at = excluded.updated_at
	`, shouldRun, cfg.OwnerUserID, cfg.Provider, cfg.TokenDigest, cfg.StartedAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving gateway config: %w", err)
	}
	return nil
}

// SetGatewayShouldRun flips only the should_run intent, preserving the rest
// of the record (used by the idempotent stop path).
func (s *SQLiteStore) SetGatewayShouldRun(ctx context.Context, shouldRun bool) error {
	v := 0
	if shouldRun {
		v = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gateway_config (id, should_run, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			should_run = excluded.should_run,
			updated_at = excluded.updated_at
	`, v, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("updating gateway should_run: %w", err)
	}
	return nil
}

// GetGatewayConfig returns the desired-state singleton, or ErrNotFound if
// the gateway has never been configured.
func (s *SQLiteStore) GetGatewayConfig(ctx context.Context) (*GatewayConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT should_run, owner_user_id, provider, token_digest, started_at, updated_at
		FROM gateway_config WHERE id = 1
	`)

	var cfg GatewayConfig
	var shouldRun int
	err := row.Scan(&shouldRun, &cfg.OwnerUserID, &cfg.Provider, &cfg.TokenDigest, &cfg.StartedAt, &cfg.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning gateway config: %w", err)
	}
	cfg.ShouldRun = shouldRun != 0
	return &cfg, nil
}

// CreateStatusCheck stores a client status check.
func (s *SQLiteStore) CreateStatusCheck(ctx context.Context, check *StatusCheck) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO status_checks (id, client_name, created_at)
		VALUES (?, ?, ?)
	`, check.ID, check.ClientName, check.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating status check: %w", err)
	}
	return nil
}

// ListStatusChecks returns status checks ordered oldest-first with
// limit/offset pagination.
func (s *SQLiteStore) ListStatusChecks(ctx context.Context, limit, offset int) ([]*StatusCheck, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_name, created_at FROM status_checks
		ORDER BY created_at LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing status checks: %w", err)
	}
	defer rows.Close()

	var checks []*StatusCheck
	for rows.Next() {
		var c StatusCheck
		if err := rows.Scan(&c.ID, &c.ClientName, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning status check: %w", err)
		}
		checks = append(checks, &c)
	}
	return checks, rows.Err()
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
