// Package lockout implements the failed-login lockout policy shared by
// user and admin principals. All transformations are pure; callers
// persist the returned state.
package lockout

import (
	"time"

	"github.com/naniwallet/authgate/internal/models"
)

// Policy holds the per-principal-class lockout knobs.
type Policy struct {
	// Threshold is the failed attempt count at which the account locks.
	Threshold int `json:"threshold"`

	// LockDuration is how long the account stays locked.
	LockDuration time.Duration `json:"lock_duration"`
}

// IsLocked reports whether the principal is currently locked, ie. its
// lock timestamp is set and still in the future.
func IsLocked(p models.Principal, now time.Time) bool {
	return p.LockUntil != nil && p.LockUntil.After(now)
}

// Fail records a failed password attempt and returns the updated
// principal. An expired lock starts a fresh window at one attempt.
// Reaching the threshold sets the lock.
func Fail(p models.Principal, pol Policy, now time.Time) models.Principal {
	// A previous lock that has expired restarts the window instead of
	// escalating forever.
	if p.LockUntil != nil && !p.LockUntil.After(now) {
		p.LoginAttempts = 1
		p.LockUntil = nil
		return p
	}

	p.LoginAttempts++
	if p.LoginAttempts >= pol.Threshold && !IsLocked(p, now) {
		until := now.Add(pol.LockDuration)
		p.LockUntil = &until
	}
	return p
}

// Succeed clears the attempt counter and any lock. Only called after a
// verified password match.
func Succeed(p models.Principal) models.Principal {
	p.LoginAttempts = 0
	p.LockUntil = nil
	return p
}
