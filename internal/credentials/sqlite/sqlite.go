// Package sqlite implements the credentials.Store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/naniwallet/authgate/internal/credentials"
	"github.com/naniwallet/authgate/internal/models"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a SQLite credentials store.
type Store struct {
	db *sql.DB
}

const cols = `id, kind, email, username, password_hash, full_name, phone,
	wallet_address, role, permissions, is_active, email_verified,
	phone_verified, created_by, login_attempts, lock_until, last_login,
	created_at, updated_at`

// New opens (and if necessary creates) the SQLite database at the given
// DSN and applies pending migrations.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// SQLite serializes writes; a single connection avoids
	// table-lock errors under concurrent request handling.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// migrate applies the embedded schema migrations.
func (s *Store) migrate() error {
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return err
	}
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks if the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create inserts a new principal. Duplicate e-mails (or admin
// usernames) return credentials.ErrExists.
func (s *Store) Create(ctx context.Context, p models.Principal) (models.Principal, error) {
	perms, err := json.Marshal(p.Permissions)
	if err != nil {
		return p, err
	}
	if p.Permissions == nil {
		perms = []byte(`{}`)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO principals (`+cols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, string(p.Kind), strings.ToLower(p.Email), nullString(p.Username),
		p.PasswordHash, p.FullName, p.Phone, p.WalletAddress, p.Role,
		string(perms), p.IsActive, p.EmailVerified, p.PhoneVerified,
		p.CreatedBy, p.LoginAttempts, nullTime(p.LockUntil),
		nullTime(p.LastLogin), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return p, credentials.ErrExists
		}
		return p, err
	}
	return p, nil
}

// GetByID fetches a principal by ID.
func (s *Store) GetByID(ctx context.Context, id string) (models.Principal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+cols+` FROM principals WHERE id = ?`, id)
	return scanPrincipal(row)
}

// GetByIdentifier fetches a principal by its e-mail (case-insensitive)
// or, for admins, by username.
func (s *Store) GetByIdentifier(ctx context.Context, kind models.Kind, identifier string) (models.Principal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+cols+` FROM principals
		WHERE kind = ? AND (lower(email) = lower(?) OR username = ?)`,
		string(kind), identifier, identifier)
	return scanPrincipal(row)
}

// UpdateLockState persists lockout counters iff the stored attempt
// count hasn't moved since it was read. A single conditional UPDATE is
// atomic per row, so concurrent logins can't lose each other's counts.
func (s *Store) UpdateLockState(ctx context.Context, id string, prevAttempts, attempts int, lockUntil *time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE principals
		SET login_attempts = ?, lock_until = ?, updated_at = ?
		WHERE id = ? AND login_attempts = ?`,
		attempts, nullTime(lockUntil), time.Now(), id, prevAttempts)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateLastLogin stamps the last successful login time.
func (s *Store) UpdateLastLogin(ctx context.Context, id string, t time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE principals SET last_login = ?, updated_at = ? WHERE id = ?`,
		t, time.Now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return credentials.ErrNotFound
	}
	return nil
}

// Count returns the number of principals of a kind.
func (s *Store) Count(ctx context.Context, kind models.Kind) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM principals WHERE kind = ?`, string(kind)).Scan(&n)
	return n, err
}

func scanPrincipal(row *sql.Row) (models.Principal, error) {
	var (
		p         models.Principal
		kind      string
		username  sql.NullString
		perms     string
		lockUntil sql.NullTime
		lastLogin sql.NullTime
	)
	err := row.Scan(&p.ID, &kind, &p.Email, &username, &p.PasswordHash,
		&p.FullName, &p.Phone, &p.WalletAddress, &p.Role, &perms,
		&p.IsActive, &p.EmailVerified, &p.PhoneVerified, &p.CreatedBy,
		&p.LoginAttempts, &lockUntil, &lastLogin, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, credentials.ErrNotFound
		}
		return p, err
	}

	p.Kind = models.Kind(kind)
	if username.Valid {
		p.Username = username.String
	}
	if lockUntil.Valid {
		t := lockUntil.Time
		p.LockUntil = &t
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		p.LastLogin = &t
	}
	if err := json.Unmarshal([]byte(perms), &p.Permissions); err != nil {
		return p, fmt.Errorf("error decoding permissions for %s: %w", p.ID, err)
	}
	return p, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
