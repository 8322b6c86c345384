// Package auth implements the credential flows: login with lockout,
// OTP-gated registration, and admin account management.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/naniwallet/authgate/internal/credentials"
	"github.com/naniwallet/authgate/internal/lockout"
	"github.com/naniwallet/authgate/internal/models"
	"github.com/naniwallet/authgate/internal/otp"
	"github.com/naniwallet/authgate/internal/token"
	"github.com/zerodha/logf"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials covers both unknown identifiers and wrong
	// passwords so responses can't be used to enumerate accounts.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrAccountLocked is returned while a lockout is in effect,
	// independent of password correctness.
	ErrAccountLocked = errors.New("account temporarily locked after too many failed login attempts")

	// ErrAccountInactive is returned for deactivated accounts.
	ErrAccountInactive = errors.New("account is deactivated")

	// ErrAdminExists is returned by BootstrapAdmin once any admin
	// account exists.
	ErrAdminExists = errors.New("admin accounts already exist")

	// ErrUnavailable is returned when the credential store times out
	// or is unreachable.
	ErrUnavailable = errors.New("credential backend unavailable")
)

// Admin accounts hash with a higher cost than the bcrypt default.
const adminBcryptCost = 12

// Config holds the per-principal-class lockout policies.
type Config struct {
	UserLockout  lockout.Policy
	AdminLockout lockout.Policy
}

// Service wires the credential store, the lockout policy, the OTP
// engine and the token issuer into the login/registration flows.
type Service struct {
	cfg    Config
	cred   credentials.Store
	otp    *otp.Engine
	tokens *token.Issuer
	lo     logf.Logger
}

// NewService returns an auth service.
func NewService(cfg Config, cred credentials.Store, otpEngine *otp.Engine, tokens *token.Issuer, lo logf.Logger) *Service {
	return &Service{
		cfg:    cfg,
		cred:   cred,
		otp:    otpEngine,
		tokens: tokens,
		lo:     lo,
	}
}

// Login verifies a password for a principal of the given kind and, on
// success, mints a session token. Lockout gates the password check:
// a locked account fails regardless of the password, without touching
// the attempt counters.
func (s *Service) Login(ctx context.Context, kind models.Kind, identifier, password string) (string, models.Principal, error) {
	p, err := s.cred.GetByIdentifier(ctx, kind, strings.TrimSpace(identifier))
	if err != nil {
		if errors.Is(err, credentials.ErrNotFound) {
			return "", models.Principal{}, ErrInvalidCredentials
		}
		return "", models.Principal{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	now := time.Now()
	if lockout.IsLocked(p, now) {
		return "", models.Principal{}, ErrAccountLocked
	}
	if !p.IsActive {
		return "", models.Principal{}, ErrAccountInactive
	}

	if err := bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte(password)); err != nil {
		if err := s.recordFailure(ctx, p, now); err != nil {
			s.lo.Error("error recording failed login", "error", err, "principal", p.ID)
		}
		return "", models.Principal{}, ErrInvalidCredentials
	}

	if err := s.recordSuccess(ctx, p); err != nil {
		s.lo.Error("error resetting login attempts", "error", err, "principal", p.ID)
	}
	if err := s.cred.UpdateLastLogin(ctx, p.ID, now); err != nil {
		s.lo.Error("error updating last login", "error", err, "principal", p.ID)
	}
	ll := now
	p.LastLogin = &ll

	tok, err := s.tokens.Issue(p, now)
	if err != nil {
		return "", models.Principal{}, err
	}
	return tok, p, nil
}

// RegisterReq is the input to Register.
type RegisterReq struct {
	Email    string
	Password string
	FullName string
	Phone    string
}

// Register creates a user account. It requires a verified OTP challenge
// for the e-mail, and consumes it once the account exists so the proof
// can't be replayed.
func (s *Service) Register(ctx context.Context, req RegisterReq) (string, models.Principal, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	identifier := otp.Identifier(models.ChannelEmail, email)

	if _, err := s.otp.CheckVerified(ctx, identifier); err != nil {
		return "", models.Principal{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return "", models.Principal{}, err
	}

	now := time.Now()
	p := models.Principal{
		ID:            uuid.NewString(),
		Kind:          models.KindUser,
		Email:         email,
		PasswordHash:  string(hash),
		FullName:      req.FullName,
		Phone:         req.Phone,
		IsActive:      true,
		EmailVerified: true,
		PhoneVerified: req.Phone != "",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	p, err = s.cred.Create(ctx, p)
	if err != nil {
		if errors.Is(err, credentials.ErrExists) {
			return "", models.Principal{}, err
		}
		return "", models.Principal{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := s.otp.Consume(ctx, identifier); err != nil {
		s.lo.Error("error consuming verified challenge", "error", err, "identifier", identifier)
	}

	tok, err := s.tokens.Issue(p, now)
	if err != nil {
		return "", models.Principal{}, err
	}
	return tok, p, nil
}

// AdminReq is the input to BootstrapAdmin and CreateAdmin.
type AdminReq struct {
	Username    string
	Email       string
	Password    string
	FullName    string
	Role        string
	Permissions models.Permissions
}

// BootstrapAdmin creates the first super_admin. It refuses once any
// admin account exists; later admins are created by existing ones.
func (s *Service) BootstrapAdmin(ctx context.Context, req AdminReq) (string, models.Principal, error) {
	n, err := s.cred.Count(ctx, models.KindAdmin)
	if err != nil {
		return "", models.Principal{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if n > 0 {
		return "", models.Principal{}, ErrAdminExists
	}

	req.Role = models.RoleSuperAdmin
	req.Permissions = nil
	p, err := s.createAdmin(ctx, req, "")
	if err != nil {
		return "", models.Principal{}, err
	}

	tok, err := s.tokens.Issue(p, time.Now())
	if err != nil {
		return "", models.Principal{}, err
	}
	return tok, p, nil
}

// CreateAdmin creates an admin account on behalf of an existing admin.
func (s *Service) CreateAdmin(ctx context.Context, createdBy string, req AdminReq) (models.Principal, error) {
	if req.Role == "" {
		req.Role = "admin"
	}
	if req.Permissions == nil {
		req.Permissions = DefaultAdminPermissions()
	}
	return s.createAdmin(ctx, req, createdBy)
}

func (s *Service) createAdmin(ctx context.Context, req AdminReq, createdBy string) (models.Principal, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), adminBcryptCost)
	if err != nil {
		return models.Principal{}, err
	}

	now := time.Now()
	p := models.Principal{
		ID:            uuid.NewString(),
		Kind:          models.KindAdmin,
		Email:         strings.ToLower(strings.TrimSpace(req.Email)),
		Username:      strings.TrimSpace(req.Username),
		PasswordHash:  string(hash),
		FullName:      req.FullName,
		Role:          req.Role,
		Permissions:   req.Permissions,
		IsActive:      true,
		EmailVerified: true,
		CreatedBy:     createdBy,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	p, err = s.cred.Create(ctx, p)
	if err != nil {
		if errors.Is(err, credentials.ErrExists) {
			return models.Principal{}, err
		}
		return models.Principal{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return p, nil
}

// Principal fetches a principal by ID, for token-backed profile
// lookups.
func (s *Service) Principal(ctx context.Context, id string) (models.Principal, error) {
	p, err := s.cred.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, credentials.ErrNotFound) {
			return models.Principal{}, credentials.ErrNotFound
		}
		return models.Principal{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return p, nil
}

// Tokens exposes the token issuer for middleware-side verification.
func (s *Service) Tokens() *token.Issuer {
	return s.tokens
}

// policy returns the lockout policy for a principal class.
func (s *Service) policy(kind models.Kind) lockout.Policy {
	if kind == models.KindAdmin {
		return s.cfg.AdminLockout
	}
	return s.cfg.UserLockout
}

// recordFailure persists a failed attempt through the lockout policy.
// The conditional update retries on a concurrent counter move so no
// attempt is ever lost.
func (s *Service) recordFailure(ctx context.Context, p models.Principal, now time.Time) error {
	pol := s.policy(p.Kind)
	for i := 0; i < 3; i++ {
		next := lockout.Fail(p, pol, now)
		ok, err := s.cred.UpdateLockState(ctx, p.ID, p.LoginAttempts, next.LoginAttempts, next.LockUntil)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		// Another login moved the counter; recompute from fresh state.
		p, err = s.cred.GetByID(ctx, p.ID)
		if err != nil {
			return err
		}
	}
	return errors.New("lockout counter contention")
}

// recordSuccess clears the lockout state after a verified match.
func (s *Service) recordSuccess(ctx context.Context, p models.Principal) error {
	if p.LoginAttempts == 0 && p.LockUntil == nil {
		return nil
	}
	next := lockout.Succeed(p)
	ok, err := s.cred.UpdateLockState(ctx, p.ID, p.LoginAttempts, next.LoginAttempts, next.LockUntil)
	if err != nil {
		return err
	}
	if !ok {
		// Counter moved between the password check and the reset;
		// reload and clear from the fresh count.
		cur, err := s.cred.GetByID(ctx, p.ID)
		if err != nil {
			return err
		}
		next = lockout.Succeed(cur)
		_, err = s.cred.UpdateLockState(ctx, cur.ID, cur.LoginAttempts, next.LoginAttempts, next.LockUntil)
		return err
	}
	return nil
}

// DefaultAdminPermissions is the permission set granted to new admins
// unless the creator specifies one.
func DefaultAdminPermissions() models.Permissions {
	return models.Permissions{
		"users":        {"view": true},
		"kyc":          {"view": true, "approve": true, "reject": true},
		"transactions": {"view": true},
		"reports":      {"view": true},
	}
}
