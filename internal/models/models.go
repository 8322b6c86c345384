package models

import (
	"time"
)

// Channel identifies the delivery channel of an OTP challenge.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Kind identifies the class of a credential principal. User and admin
// principals share the same lifecycle but carry distinct lockout and
// token policies.
type Kind string

const (
	KindUser  Kind = "user"
	KindAdmin Kind = "admin"
)

// Challenge is a single OTP challenge keyed by its identifier (a
// lowercased e-mail address or a sanitized phone key). At most one
// challenge is authoritative per identifier; issuing a new one
// supersedes any prior challenge.
type Challenge struct {
	Identifier  string        `json:"identifier"`
	Channel     Channel       `json:"channel"`
	To          string        `json:"to"`
	Code        string        `json:"-"`
	Verified    bool          `json:"verified"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"max_attempts"`
	ExpiresAt   time.Time     `json:"expires_at"`
	CreatedAt   time.Time     `json:"created_at"`
	TTL         time.Duration `json:"-"`
}

// Expired reports whether the challenge has passed its expiry.
func (c Challenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Remaining returns the number of verification attempts left.
func (c Challenge) Remaining() int {
	n := c.MaxAttempts - c.Attempts
	if n < 0 {
		return 0
	}
	return n
}

// Permissions is a resource -> action -> allowed map, eg.
// {"kyc": {"approve": true}}. The super_admin role implies every
// permission irrespective of the map.
type Permissions map[string]map[string]bool

// Principal is an authenticable identity, either an end user or an
// admin, subject to the lockout policy.
type Principal struct {
	ID            string      `json:"id"`
	Kind          Kind        `json:"kind"`
	Email         string      `json:"email"`
	Username      string      `json:"username,omitempty"`
	PasswordHash  string      `json:"-"`
	FullName      string      `json:"full_name"`
	Phone         string      `json:"phone,omitempty"`
	WalletAddress string      `json:"wallet_address,omitempty"`
	Role          string      `json:"role,omitempty"`
	Permissions   Permissions `json:"permissions,omitempty"`
	IsActive      bool        `json:"is_active"`
	EmailVerified bool        `json:"email_verified"`
	PhoneVerified bool        `json:"phone_verified"`
	CreatedBy     string      `json:"created_by,omitempty"`

	// Lockout state. Mutated only through the lockout policy.
	LoginAttempts int        `json:"-"`
	LockUntil     *time.Time `json:"-"`

	LastLogin *time.Time `json:"last_login,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// RoleSuperAdmin short-circuits all permission checks.
const RoleSuperAdmin = "super_admin"

// HasPermission reports whether the principal may perform action on
// resource.
func (p Principal) HasPermission(resource, action string) bool {
	if p.Role == RoleSuperAdmin {
		return true
	}
	res, ok := p.Permissions[resource]
	if !ok {
		return false
	}
	return res[action]
}

// Provider is an interface for a generic messaging backend,
// for instance, e-mail, SMS etc.
type Provider interface {
	// ID returns the name of the Provider.
	ID() string

	// Channel returns the delivery channel the provider serves.
	Channel() Channel

	// ChannelName returns the human name of the channel, for example
	// "SMS" or "E-mail".
	ChannelName() string

	// ValidateAddress validates the 'to' address the Provider is
	// supposed to send the OTP to, for instance, an e-mail or a
	// phone number.
	ValidateAddress(to string) error

	// Push pushes a message. Implementations must apply their own
	// bounded timeouts and never retry.
	Push(ch Challenge, subject string, body []byte) error

	// MaxAddressLen returns the maximum allowed length of the 'to' address.
	MaxAddressLen() int

	// MaxOTPLen returns the maximum allowed length of the OTP value.
	MaxOTPLen() int

	// MaxBodyLen returns the maximum permitted length of the text
	// that can be sent by the Provider.
	MaxBodyLen() int
}
