// Package token mints and validates the signed session tokens carried
// by API clients. Tokens are HS256 JWTs over a shared secret; there is
// no server-side session state.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/naniwallet/authgate/internal/models"
)

var (
	// ErrExpired is returned for structurally valid tokens past their
	// expiry.
	ErrExpired = errors.New("token expired")

	// ErrInvalid is returned when the signature or structure check fails.
	ErrInvalid = errors.New("invalid token")
)

// Config holds the signing secret and the per-principal-class TTLs.
type Config struct {
	Secret   []byte
	Issuer   string
	UserTTL  time.Duration
	AdminTTL time.Duration
}

// Claims is the payload embedded in session tokens: the principal's
// identity plus a role/permission snapshot taken at issue time.
type Claims struct {
	PrincipalID string             `json:"pid"`
	Kind        models.Kind        `json:"kind"`
	Email       string             `json:"email"`
	Role        string             `json:"role,omitempty"`
	Permissions models.Permissions `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// Issuer mints and verifies session tokens.
type Issuer struct {
	cfg Config
}

// New returns a token Issuer.
func New(cfg Config) (*Issuer, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("empty token secret")
	}
	if cfg.UserTTL <= 0 || cfg.AdminTTL <= 0 {
		return nil, errors.New("invalid token TTL configuration")
	}
	return &Issuer{cfg: cfg}, nil
}

// Issue mints a signed token for the principal. Admin tokens use the
// shorter admin TTL.
func (i *Issuer) Issue(p models.Principal, now time.Time) (string, error) {
	ttl := i.cfg.UserTTL
	if p.Kind == models.KindAdmin {
		ttl = i.cfg.AdminTTL
	}

	claims := Claims{
		PrincipalID: p.ID,
		Kind:        p.Kind,
		Email:       p.Email,
		Role:        p.Role,
		Permissions: p.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.cfg.Secret)
}

// Verify validates a token and returns its claims. Expiry is reported
// as ErrExpired; every other failure as ErrInvalid.
func (i *Issuer) Verify(tok string) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (interface{}, error) {
		return i.cfg.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpired
		}
		return Claims{}, ErrInvalid
	}
	return claims, nil
}
