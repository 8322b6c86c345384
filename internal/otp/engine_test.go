package otp

import (
	"context"
	"errors"
	"html/template"
	"log"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/naniwallet/authgate/internal/models"
	redisstore "github.com/naniwallet/authgate/internal/store/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerodha/logf"
)

const (
	dummyTo = "a@example.com"
)

// dummyProv is an in-memory e-mail provider that records pushes.
type dummyProv struct {
	pushed []models.Challenge
	fail   error
}

func (d *dummyProv) ID() string              { return "dummy" }
func (d *dummyProv) Channel() models.Channel { return models.ChannelEmail }
func (d *dummyProv) ChannelName() string     { return "E-mail" }
func (d *dummyProv) MaxAddressLen() int      { return 100 }
func (d *dummyProv) MaxOTPLen() int          { return 6 }
func (d *dummyProv) MaxBodyLen() int         { return 100 * 1024 }

func (d *dummyProv) ValidateAddress(to string) error {
	if to == "bad" {
		return errors.New("invalid dummy to address")
	}
	return nil
}

func (d *dummyProv) Push(ch models.Challenge, subject string, body []byte) error {
	if d.fail != nil {
		return d.fail
	}
	d.pushed = append(d.pushed, ch)
	return nil
}

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

func newEngine(t *testing.T, cfg Config) (*Engine, *dummyProv) {
	rdis.FlushDB()
	t.Cleanup(func() { rdis.FlushDB() })

	prov := &dummyProv{}
	tpl, err := template.New("body").Parse("Your code is {{ .Code }}, valid for {{ .Minutes }} minutes")
	require.NoError(t, err)

	e := New(cfg, st,
		map[models.Channel]models.Provider{models.ChannelEmail: prov},
		map[models.Channel]*Tpl{models.ChannelEmail: {Body: tpl}},
		logf.New(logf.Opts{}))
	return e, prov
}

func defaultCfg() Config {
	return Config{TTL: 5 * time.Minute, MaxAttempts: 3}
}

func TestIssue(t *testing.T) {
	e, prov := newEngine(t, defaultCfg())
	ctx := context.Background()

	ch, err := e.Issue(ctx, models.ChannelEmail, "A@Example.com ")
	require.NoError(t, err)

	assert.Equal(t, "a@example.com", ch.Identifier, "identifier should be normalized")
	assert.Len(t, ch.Code, 6)
	n, err := strconv.Atoi(ch.Code)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 100000)
	assert.LessOrEqual(t, n, 999999)

	require.Len(t, prov.pushed, 1)
	assert.Equal(t, ch.Code, prov.pushed[0].Code)
}

func TestIssueSupersedes(t *testing.T) {
	e, _ := newEngine(t, defaultCfg())
	ctx := context.Background()

	first, err := e.Issue(ctx, models.ChannelEmail, dummyTo)
	require.NoError(t, err)

	second, err := e.Issue(ctx, models.ChannelEmail, dummyTo)
	require.NoError(t, err)

	// Only the second challenge is authoritative now.
	if first.Code != second.Code {
		_, err = e.Verify(ctx, dummyTo, first.Code)
		var mm *MismatchError
		assert.ErrorAs(t, err, &mm, "superseded code should mismatch")
	}

	out, err := e.Verify(ctx, dummyTo, second.Code)
	assert.NoError(t, err)
	assert.True(t, out.Verified)
}

func TestIssueResendWindow(t *testing.T) {
	cfg := defaultCfg()
	cfg.ResendWindow = time.Minute
	e, _ := newEngine(t, cfg)
	ctx := context.Background()

	_, err := e.Issue(ctx, models.ChannelEmail, dummyTo)
	require.NoError(t, err)

	_, err = e.Issue(ctx, models.ChannelEmail, dummyTo)
	assert.ErrorIs(t, err, ErrTooSoon)

	rdis.FastForward(2 * time.Minute)

	_, err = e.Issue(ctx, models.ChannelEmail, dummyTo)
	assert.NoError(t, err, "resend should be allowed after the window")
}

func TestIssueInvalidAddress(t *testing.T) {
	e, _ := newEngine(t, defaultCfg())

	_, err := e.Issue(context.Background(), models.ChannelEmail, "bad")
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = e.Issue(context.Background(), models.ChannelSMS, "+61400000000")
	assert.ErrorIs(t, err, ErrUnknownChannel)
}

func TestIssueDeliveryFailure(t *testing.T) {
	e, prov := newEngine(t, defaultCfg())
	prov.fail = errors.New("smtp rejected")

	_, err := e.Issue(context.Background(), models.ChannelEmail, dummyTo)
	assert.ErrorIs(t, err, ErrDelivery)
	assert.NotErrorIs(t, err, ErrUnavailable, "provider rejection isn't a store outage")
}

func TestVerifyLifecycle(t *testing.T) {
	e, _ := newEngine(t, defaultCfg())
	ctx := context.Background()

	ch, err := e.Issue(ctx, models.ChannelEmail, dummyTo)
	require.NoError(t, err)

	wrong := "000000"
	if ch.Code == wrong {
		wrong = "000001"
	}

	// First wrong attempt: two remaining.
	_, err = e.Verify(ctx, ch.Identifier, wrong)
	var mm *MismatchError
	require.ErrorAs(t, err, &mm)
	assert.Equal(t, 2, mm.Remaining)

	// Correct code verifies and keeps the challenge.
	out, err := e.Verify(ctx, ch.Identifier, ch.Code)
	require.NoError(t, err)
	assert.True(t, out.Verified)

	// Verify is idempotent while the proof is unconsumed.
	out, err = e.Verify(ctx, ch.Identifier, ch.Code)
	require.NoError(t, err)
	assert.True(t, out.Verified)

	proof, err := e.CheckVerified(ctx, ch.Identifier)
	require.NoError(t, err)
	assert.Equal(t, ch.Code, proof.Code)

	// Consume removes the proof; further verifies find nothing.
	require.NoError(t, e.Consume(ctx, ch.Identifier))

	_, err = e.Verify(ctx, ch.Identifier, ch.Code)
	assert.ErrorIs(t, err, ErrNoChallenge)

	_, err = e.CheckVerified(ctx, ch.Identifier)
	assert.ErrorIs(t, err, ErrNoChallenge)
}

func TestVerifyNoChallenge(t *testing.T) {
	e, _ := newEngine(t, defaultCfg())

	_, err := e.Verify(context.Background(), "nobody@example.com", "123456")
	assert.ErrorIs(t, err, ErrNoChallenge)
}

func TestVerifyAttemptsExhausted(t *testing.T) {
	e, _ := newEngine(t, defaultCfg())
	ctx := context.Background()

	ch, err := e.Issue(ctx, models.ChannelEmail, dummyTo)
	require.NoError(t, err)

	wrong := "000000"
	if ch.Code == wrong {
		wrong = "000001"
	}

	var mm *MismatchError
	_, err = e.Verify(ctx, ch.Identifier, wrong)
	require.ErrorAs(t, err, &mm)
	assert.Equal(t, 2, mm.Remaining)

	_, err = e.Verify(ctx, ch.Identifier, wrong)
	require.ErrorAs(t, err, &mm)
	assert.Equal(t, 1, mm.Remaining)

	// Third wrong submission exhausts and deletes the challenge.
	_, err = e.Verify(ctx, ch.Identifier, wrong)
	assert.ErrorIs(t, err, ErrAttemptsExhausted)

	// Gone for good, even with the correct code.
	_, err = e.Verify(ctx, ch.Identifier, ch.Code)
	assert.ErrorIs(t, err, ErrNoChallenge)
}

func TestVerifyExpired(t *testing.T) {
	e, _ := newEngine(t, defaultCfg())
	ctx := context.Background()

	// Plant a challenge whose wall-clock expiry has already passed
	// even though the store hasn't evicted it yet.
	now := time.Now()
	_, err := st.Set(ctx, models.Challenge{
		Identifier:  dummyTo,
		Channel:     models.ChannelEmail,
		To:          dummyTo,
		Code:        "123456",
		MaxAttempts: 3,
		ExpiresAt:   now.Add(-time.Minute),
		CreatedAt:   now.Add(-10 * time.Minute),
		TTL:         time.Minute,
	})
	require.NoError(t, err)

	_, err = e.Verify(ctx, dummyTo, "123456")
	assert.ErrorIs(t, err, ErrExpired, "correct code must not pass expiry")

	_, err = e.Verify(ctx, dummyTo, "123456")
	assert.ErrorIs(t, err, ErrNoChallenge, "expired challenge should have been deleted")
}

func TestIdentifier(t *testing.T) {
	assert.Equal(t, "a@example.com", Identifier(models.ChannelEmail, " A@Example.COM "))
	assert.Equal(t, "sms:+61400000000", Identifier(models.ChannelSMS, "0061 400 000 000"))
	assert.Equal(t, "sms:+61400000000", Identifier(models.ChannelSMS, "+61400000000"))
}
