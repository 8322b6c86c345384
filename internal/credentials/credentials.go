// Package credentials defines the storage contract for credential
// principals (users and admins) and their lockout state.
package credentials

import (
	"context"
	"errors"
	"time"

	"github.com/naniwallet/authgate/internal/models"
)

var (
	// ErrNotFound is returned when no principal matches the lookup.
	ErrNotFound = errors.New("principal not found")

	// ErrExists is returned on a duplicate natural key (e-mail or
	// username) at creation.
	ErrExists = errors.New("principal already exists")
)

// Store persists credential principals. Implementations must provide
// per-record atomic updates; no cross-record transactions are required.
type Store interface {
	// Create inserts a new principal. The e-mail (and username, for
	// admins) act as natural keys; duplicates return ErrExists.
	Create(ctx context.Context, p models.Principal) (models.Principal, error)

	// GetByID fetches a principal by its ID.
	GetByID(ctx context.Context, id string) (models.Principal, error)

	// GetByIdentifier fetches a principal of the given kind by its
	// identifier. E-mail shaped identifiers match case-insensitively;
	// admin identifiers additionally match the username.
	GetByIdentifier(ctx context.Context, kind models.Kind, identifier string) (models.Principal, error)

	// UpdateLockState persists the lockout counters computed by the
	// lockout policy. The update only applies if the stored attempt
	// count still equals prevAttempts; it reports whether it applied.
	// This is the optimistic-concurrency guard against lost updates
	// between concurrent logins.
	UpdateLockState(ctx context.Context, id string, prevAttempts, attempts int, lockUntil *time.Time) (bool, error)

	// UpdateLastLogin stamps the last successful login time.
	UpdateLastLogin(ctx context.Context, id string, t time.Time) error

	// Count returns the number of principals of a kind. Used to gate
	// first-admin bootstrap.
	Count(ctx context.Context, kind models.Kind) (int, error)

	// Ping checks if the store is reachable.
	Ping(ctx context.Context) error
}
