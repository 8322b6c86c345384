package auth

import (
	"context"
	"html/template"
	"log"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/naniwallet/authgate/internal/credentials"
	"github.com/naniwallet/authgate/internal/credentials/sqlite"
	"github.com/naniwallet/authgate/internal/lockout"
	"github.com/naniwallet/authgate/internal/models"
	"github.com/naniwallet/authgate/internal/otp"
	redisstore "github.com/naniwallet/authgate/internal/store/redis"
	"github.com/naniwallet/authgate/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerodha/logf"
	"golang.org/x/crypto/bcrypt"
)

// mailProv delivers nowhere and records nothing; the tests read the
// code off the challenge returned by Issue.
type mailProv struct{}

func (p *mailProv) ID() string                      { return "mail" }
func (p *mailProv) Channel() models.Channel         { return models.ChannelEmail }
func (p *mailProv) ChannelName() string             { return "E-mail" }
func (p *mailProv) ValidateAddress(to string) error { return nil }
func (p *mailProv) MaxAddressLen() int              { return 100 }
func (p *mailProv) MaxOTPLen() int                  { return 6 }
func (p *mailProv) MaxBodyLen() int                 { return 100 * 1024 }

func (p *mailProv) Push(ch models.Challenge, subject string, body []byte) error { return nil }

var (
	rdis *miniredis.Miniredis
	st   *redisstore.Redis
)

func init() {
	rd, err := miniredis.Run()
	if err != nil {
		log.Println(err)
	}
	rdis = rd

	port, _ := strconv.Atoi(rd.Port())
	st = redisstore.New(redisstore.Conf{Host: rd.Host(), Port: port})
}

func newService(t *testing.T) (*Service, credentials.Store, *otp.Engine) {
	rdis.FlushDB()
	t.Cleanup(func() { rdis.FlushDB() })

	cred, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { cred.Close() })

	tpl, err := template.New("body").Parse("Your code is {{ .Code }}")
	require.NoError(t, err)

	lo := logf.New(logf.Opts{})
	eng := otp.New(otp.Config{TTL: 5 * time.Minute, MaxAttempts: 3}, st,
		map[models.Channel]models.Provider{models.ChannelEmail: &mailProv{}},
		map[models.Channel]*otp.Tpl{models.ChannelEmail: {Body: tpl}}, lo)

	tokens, err := token.New(token.Config{
		Secret:   []byte("test-secret-test-secret-test-secret"),
		Issuer:   "authgate-test",
		UserTTL:  24 * time.Hour,
		AdminTTL: 8 * time.Hour,
	})
	require.NoError(t, err)

	svc := NewService(Config{
		UserLockout:  lockout.Policy{Threshold: 5, LockDuration: 2 * time.Hour},
		AdminLockout: lockout.Policy{Threshold: 3, LockDuration: 4 * time.Hour},
	}, cred, eng, tokens, lo)
	return svc, cred, eng
}

// verifyEmail runs the OTP lifecycle to completion so Register has a
// verified challenge to check.
func verifyEmail(t *testing.T, eng *otp.Engine, email string) {
	ctx := context.Background()
	ch, err := eng.Issue(ctx, models.ChannelEmail, email)
	require.NoError(t, err)
	_, err = eng.Verify(ctx, ch.Identifier, ch.Code)
	require.NoError(t, err)
}

func TestRegister(t *testing.T) {
	svc, _, eng := newService(t)
	ctx := context.Background()

	verifyEmail(t, eng, "A@Example.com")
	tok, p, err := svc.Register(ctx, RegisterReq{
		Email:    "A@Example.com",
		Password: "hunter22",
		FullName: "A User",
		Phone:    "+15550100",
	})
	require.NoError(t, err)

	assert.Equal(t, "a@example.com", p.Email)
	assert.Equal(t, models.KindUser, p.Kind)
	assert.True(t, p.IsActive)
	assert.True(t, p.EmailVerified)
	assert.True(t, p.PhoneVerified)

	claims, err := svc.Tokens().Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, p.ID, claims.PrincipalID)
	assert.Equal(t, models.KindUser, claims.Kind)

	// The verified challenge is consumed on registration.
	_, err = eng.CheckVerified(ctx, otp.Identifier(models.ChannelEmail, "a@example.com"))
	assert.ErrorIs(t, err, otp.ErrNoChallenge)
}

func TestRegisterRequiresVerifiedChallenge(t *testing.T) {
	svc, _, eng := newService(t)
	ctx := context.Background()

	// No challenge at all.
	_, _, err := svc.Register(ctx, RegisterReq{Email: "b@example.com", Password: "pw"})
	assert.ErrorIs(t, err, otp.ErrNoChallenge)

	// Issued but never verified.
	_, err = eng.Issue(ctx, models.ChannelEmail, "b@example.com")
	require.NoError(t, err)
	_, _, err = svc.Register(ctx, RegisterReq{Email: "b@example.com", Password: "pw"})
	assert.ErrorIs(t, err, otp.ErrNotVerified)
}

func TestRegisterDuplicate(t *testing.T) {
	svc, _, eng := newService(t)
	ctx := context.Background()

	verifyEmail(t, eng, "c@example.com")
	_, _, err := svc.Register(ctx, RegisterReq{Email: "c@example.com", Password: "pw"})
	require.NoError(t, err)

	verifyEmail(t, eng, "C@EXAMPLE.COM")
	_, _, err = svc.Register(ctx, RegisterReq{Email: "C@EXAMPLE.COM", Password: "pw"})
	assert.ErrorIs(t, err, credentials.ErrExists)
}

func TestLogin(t *testing.T) {
	svc, _, eng := newService(t)
	ctx := context.Background()

	verifyEmail(t, eng, "d@example.com")
	_, reg, err := svc.Register(ctx, RegisterReq{Email: "d@example.com", Password: "hunter22"})
	require.NoError(t, err)

	tok, p, err := svc.Login(ctx, models.KindUser, "D@Example.com", "hunter22")
	require.NoError(t, err)
	assert.Equal(t, reg.ID, p.ID)
	assert.NotNil(t, p.LastLogin)

	claims, err := svc.Tokens().Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, reg.ID, claims.PrincipalID)

	// Unknown identifier and wrong password are indistinguishable.
	_, _, err = svc.Login(ctx, models.KindUser, "nobody@example.com", "hunter22")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = svc.Login(ctx, models.KindUser, "d@example.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginLockout(t *testing.T) {
	svc, cred, eng := newService(t)
	ctx := context.Background()

	verifyEmail(t, eng, "e@example.com")
	_, reg, err := svc.Register(ctx, RegisterReq{Email: "e@example.com", Password: "hunter22"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, _, err := svc.Login(ctx, models.KindUser, "e@example.com", "wrong")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}

	p, err := cred.GetByID(ctx, reg.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, p.LoginAttempts)
	require.NotNil(t, p.LockUntil)

	// Locked accounts reject even the correct password, and the
	// counters do not move while locked.
	_, _, err = svc.Login(ctx, models.KindUser, "e@example.com", "hunter22")
	assert.ErrorIs(t, err, ErrAccountLocked)

	p, err = cred.GetByID(ctx, reg.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, p.LoginAttempts)
}

func TestLoginAfterLockExpiry(t *testing.T) {
	svc, cred, eng := newService(t)
	ctx := context.Background()

	verifyEmail(t, eng, "f@example.com")
	_, reg, err := svc.Register(ctx, RegisterReq{Email: "f@example.com", Password: "hunter22"})
	require.NoError(t, err)

	// Plant an already-expired lock with a saturated counter.
	past := time.Now().Add(-time.Minute)
	ok, err := cred.UpdateLockState(ctx, reg.ID, 0, 5, &past)
	require.NoError(t, err)
	require.True(t, ok)

	// A failure after expiry restarts the count at 1.
	_, _, err = svc.Login(ctx, models.KindUser, "f@example.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	p, err := cred.GetByID(ctx, reg.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, p.LoginAttempts)
	assert.Nil(t, p.LockUntil)

	// A success clears everything.
	_, _, err = svc.Login(ctx, models.KindUser, "f@example.com", "hunter22")
	require.NoError(t, err)

	p, err = cred.GetByID(ctx, reg.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, p.LoginAttempts)
	assert.Nil(t, p.LockUntil)
}

func TestLoginInactive(t *testing.T) {
	svc, cred, _ := newService(t)
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter22"), bcrypt.MinCost)
	require.NoError(t, err)
	_, err = cred.Create(ctx, models.Principal{
		ID:           uuid.NewString(),
		Kind:         models.KindUser,
		Email:        "g@example.com",
		PasswordHash: string(hash),
		IsActive:     false,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	})
	require.NoError(t, err)

	_, _, err = svc.Login(ctx, models.KindUser, "g@example.com", "hunter22")
	assert.ErrorIs(t, err, ErrAccountInactive)
}

func TestBootstrapAdmin(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	tok, p, err := svc.BootstrapAdmin(ctx, AdminReq{
		Username: "root",
		Email:    "root@example.com",
		Password: "s3cret-s3cret",
		FullName: "Root Admin",
	})
	require.NoError(t, err)

	assert.Equal(t, models.KindAdmin, p.Kind)
	assert.Equal(t, models.RoleSuperAdmin, p.Role)
	assert.True(t, p.HasPermission("anything", "at-all"), "super_admin implies every permission")

	claims, err := svc.Tokens().Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, models.KindAdmin, claims.Kind)

	_, _, err = svc.BootstrapAdmin(ctx, AdminReq{
		Username: "root2",
		Email:    "root2@example.com",
		Password: "s3cret-s3cret",
	})
	assert.ErrorIs(t, err, ErrAdminExists)
}

func TestCreateAdmin(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	_, root, err := svc.BootstrapAdmin(ctx, AdminReq{
		Username: "root",
		Email:    "root@example.com",
		Password: "s3cret-s3cret",
	})
	require.NoError(t, err)

	p, err := svc.CreateAdmin(ctx, root.ID, AdminReq{
		Username: "ops1",
		Email:    "ops1@example.com",
		Password: "s3cret-s3cret",
		FullName: "Ops One",
	})
	require.NoError(t, err)

	assert.Equal(t, "admin", p.Role)
	assert.Equal(t, root.ID, p.CreatedBy)
	assert.True(t, p.HasPermission("kyc", "approve"))
	assert.False(t, p.HasPermission("users", "delete"))

	// Admins log in by username or e-mail interchangeably.
	_, byName, err := svc.Login(ctx, models.KindAdmin, "ops1", "s3cret-s3cret")
	require.NoError(t, err)
	_, byMail, err := svc.Login(ctx, models.KindAdmin, "ops1@example.com", "s3cret-s3cret")
	require.NoError(t, err)
	assert.Equal(t, byName.ID, byMail.ID)
}

func TestAdminLockoutThreshold(t *testing.T) {
	svc, cred, _ := newService(t)
	ctx := context.Background()

	_, root, err := svc.BootstrapAdmin(ctx, AdminReq{
		Username: "root",
		Email:    "root@example.com",
		Password: "s3cret-s3cret",
	})
	require.NoError(t, err)

	// Admins lock after three failures.
	for i := 0; i < 3; i++ {
		_, _, err := svc.Login(ctx, models.KindAdmin, "root", "wrong")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}
	_, _, err = svc.Login(ctx, models.KindAdmin, "root", "s3cret-s3cret")
	assert.ErrorIs(t, err, ErrAccountLocked)

	p, err := cred.GetByID(ctx, root.ID)
	require.NoError(t, err)
	require.NotNil(t, p.LockUntil)
	assert.WithinDuration(t, time.Now().Add(4*time.Hour), *p.LockUntil, 5*time.Second)
}
