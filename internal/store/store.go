package store

import (
	"context"
	"errors"
	"time"

	"github.com/naniwallet/authgate/internal/models"
)

// ErrNotExist is thrown when a challenge (requested by identifier)
// does not exist.
var ErrNotExist = errors.New("the challenge does not exist")

// Store represents a storage backend where OTP challenges are stored.
// Terminal challenge states (expired, exhausted, consumed) are
// represented by deletion of the record.
type Store interface {
	// Set stores a challenge against its identifier, superseding any
	// existing challenge for the same identifier.
	Set(ctx context.Context, ch models.Challenge) (models.Challenge, error)

	// Get fetches the challenge for an identifier.
	Get(ctx context.Context, identifier string) (models.Challenge, error)

	// IncrAttempts atomically increments the attempt counter and
	// returns the new count. The increment and the returned value are
	// a single store-side operation, never a read followed by a write.
	IncrAttempts(ctx context.Context, identifier string) (int, error)

	// MarkVerified flags the challenge as verified. The record remains
	// until it expires or is deleted by a downstream consumer.
	MarkVerified(ctx context.Context, identifier string) error

	// Delete deletes the challenge saved against an identifier.
	// Deleting an absent challenge is not an error.
	Delete(ctx context.Context, identifier string) error

	// RateLimit records a send for the identifier and reports whether
	// it is allowed, ie. whether no other send happened within the
	// window. The check-and-record is atomic across service instances.
	RateLimit(ctx context.Context, identifier string, window time.Duration) (bool, error)

	// Ping checks if the store is reachable.
	Ping(ctx context.Context) error
}
