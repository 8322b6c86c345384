// Package otp implements the OTP challenge lifecycle: issuance,
// attempt-limited verification, and single-use consumption.
package otp

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"html/template"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/naniwallet/authgate/internal/models"
	"github.com/naniwallet/authgate/internal/store"
	"github.com/zerodha/logf"
)

var (
	// ErrNoChallenge is returned when no challenge exists for an
	// identifier.
	ErrNoChallenge = errors.New("no pending verification")

	// ErrExpired is returned when the challenge has passed its expiry.
	// The challenge is deleted on the way out.
	ErrExpired = errors.New("verification code expired")

	// ErrAttemptsExhausted is returned once the attempt ceiling is hit.
	// The challenge is deleted on the way out.
	ErrAttemptsExhausted = errors.New("too many incorrect attempts")

	// ErrNotVerified is returned by CheckVerified when the challenge
	// hasn't been verified yet.
	ErrNotVerified = errors.New("verification not completed")

	// ErrTooSoon is returned when a send is requested within the
	// resend window of a previous one.
	ErrTooSoon = errors.New("a code was sent recently")

	// ErrInvalidAddress is returned when the provider rejects the
	// destination address.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrUnknownChannel is returned when no provider serves the
	// requested channel.
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrDelivery is returned when the provider rejects the message.
	// Distinct from ErrUnavailable so callers can tell a provider
	// rejection from a store outage.
	ErrDelivery = errors.New("error delivering code")

	// ErrUnavailable is returned when the backing store times out or
	// is unreachable. Never retried here; retrying is the caller's
	// call.
	ErrUnavailable = errors.New("verification backend unavailable")
)

// MismatchError is returned when the submitted code doesn't match. It
// carries the number of attempts the caller has left.
type MismatchError struct {
	Remaining int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("incorrect code, %d attempt(s) remaining", e.Remaining)
}

// Tpl holds the compiled subject and body templates for a provider's
// messages.
type Tpl struct {
	Subject *template.Template
	Body    *template.Template
}

// tplData is the payload message templates are executed with.
type tplData struct {
	Code    string
	To      string
	Channel string
	TTL     time.Duration
	Minutes int
}

// Config holds the engine's policy knobs.
type Config struct {
	TTL          time.Duration
	MaxAttempts  int
	ResendWindow time.Duration
}

// Engine drives the OTP challenge state machine over a challenge store
// and per-channel delivery providers.
type Engine struct {
	cfg       Config
	st        store.Store
	providers map[models.Channel]models.Provider
	tpls      map[models.Channel]*Tpl
	lo        logf.Logger
}

// New returns an OTP engine.
func New(cfg Config, st store.Store, providers map[models.Channel]models.Provider, tpls map[models.Channel]*Tpl, lo logf.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		st:        st,
		providers: providers,
		tpls:      tpls,
		lo:        lo,
	}
}

// Issue generates a fresh challenge for the address on the given
// channel, superseding any prior challenge for the same identifier, and
// hands the code to the channel's provider for delivery.
func (e *Engine) Issue(ctx context.Context, channel models.Channel, to string) (models.Challenge, error) {
	prov, ok := e.providers[channel]
	if !ok {
		return models.Challenge{}, ErrUnknownChannel
	}
	if err := prov.ValidateAddress(to); err != nil {
		return models.Challenge{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	id := Identifier(channel, to)

	// Store-backed resend window so duplicate send requests are
	// suppressed across all service instances.
	ok, err := e.st.RateLimit(ctx, id, e.cfg.ResendWindow)
	if err != nil {
		return models.Challenge{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !ok {
		return models.Challenge{}, ErrTooSoon
	}

	code, err := genCode()
	if err != nil {
		return models.Challenge{}, err
	}

	now := time.Now()
	ch := models.Challenge{
		Identifier:  id,
		Channel:     channel,
		To:          to,
		Code:        code,
		Attempts:    0,
		MaxAttempts: e.cfg.MaxAttempts,
		ExpiresAt:   now.Add(e.cfg.TTL),
		CreatedAt:   now,
		TTL:         e.cfg.TTL,
	}
	if _, err := e.st.Set(ctx, ch); err != nil {
		return models.Challenge{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	subject, body, err := e.render(channel, ch)
	if err != nil {
		return models.Challenge{}, err
	}

	e.lo.Debug("sending otp", "to", to, "channel", string(channel), "provider", prov.ID())
	if err := prov.Push(ch, subject, body); err != nil {
		e.lo.Error("error delivering otp", "error", err, "provider", prov.ID())
		return models.Challenge{}, fmt.Errorf("%w: %v", ErrDelivery, err)
	}

	return ch, nil
}

// Verify checks a submitted code against the identifier's challenge.
// On a match the challenge is marked verified and kept as
// proof-of-verification until Consume deletes it, so verify-then-use
// can be two separate calls. Verify is idempotent while the challenge
// is in the verified state.
func (e *Engine) Verify(ctx context.Context, identifier, code string) (models.Challenge, error) {
	ch, err := e.st.Get(ctx, identifier)
	if err != nil {
		if errors.Is(err, store.ErrNotExist) {
			return models.Challenge{}, ErrNoChallenge
		}
		return models.Challenge{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	now := time.Now()

	// An expired challenge fails even with the correct code.
	if ch.Expired(now) {
		e.delete(ctx, identifier)
		return models.Challenge{}, ErrExpired
	}

	if ch.Attempts >= ch.MaxAttempts {
		e.delete(ctx, identifier)
		return models.Challenge{}, ErrAttemptsExhausted
	}

	if code != ch.Code {
		// Single atomic increment-and-read; concurrent wrong guesses
		// can't lose each other's counts.
		n, err := e.st.IncrAttempts(ctx, identifier)
		if err != nil {
			return models.Challenge{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		ch.Attempts = n
		if n >= ch.MaxAttempts {
			e.delete(ctx, identifier)
			return models.Challenge{}, ErrAttemptsExhausted
		}
		return models.Challenge{}, &MismatchError{Remaining: ch.MaxAttempts - n}
	}

	if err := e.st.MarkVerified(ctx, identifier); err != nil {
		return models.Challenge{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	ch.Verified = true
	return ch, nil
}

// CheckVerified returns the identifier's challenge iff it has been
// verified and hasn't expired. Downstream flows call this before
// consuming the proof.
func (e *Engine) CheckVerified(ctx context.Context, identifier string) (models.Challenge, error) {
	ch, err := e.st.Get(ctx, identifier)
	if err != nil {
		if errors.Is(err, store.ErrNotExist) {
			return models.Challenge{}, ErrNoChallenge
		}
		return models.Challenge{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if ch.Expired(time.Now()) {
		e.delete(ctx, identifier)
		return models.Challenge{}, ErrExpired
	}
	if !ch.Verified {
		return models.Challenge{}, ErrNotVerified
	}
	return ch, nil
}

// Consume deletes a (verified) challenge after its downstream use so
// the proof can't be replayed.
func (e *Engine) Consume(ctx context.Context, identifier string) error {
	if err := e.st.Delete(ctx, identifier); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// render executes the channel's subject/body templates for a challenge.
func (e *Engine) render(channel models.Channel, ch models.Challenge) (string, []byte, error) {
	var (
		subj = &bytes.Buffer{}
		body = &bytes.Buffer{}

		data = tplData{
			Code:    ch.Code,
			To:      ch.To,
			Channel: string(channel),
			TTL:     ch.TTL,
			Minutes: int(ch.TTL.Minutes()),
		}
	)

	tpl, ok := e.tpls[channel]
	if !ok {
		return "", nil, fmt.Errorf("no message template for channel %s", channel)
	}
	if tpl.Subject != nil {
		if err := tpl.Subject.Execute(subj, data); err != nil {
			return "", nil, err
		}
	}
	if tpl.Body != nil {
		if err := tpl.Body.Execute(body, data); err != nil {
			return "", nil, err
		}
	}

	return subj.String(), body.Bytes(), nil
}

// delete is a best-effort cleanup of a terminal challenge. The explicit
// expiry and attempt checks keep the state machine correct even if the
// delete fails, so the error is only logged.
func (e *Engine) delete(ctx context.Context, identifier string) {
	if err := e.st.Delete(ctx, identifier); err != nil {
		e.lo.Error("error deleting challenge", "error", err, "identifier", identifier)
	}
}

// Identifier derives the challenge's natural key from the channel and
// destination address: lowercased for e-mail, sanitized and
// sms-prefixed for phone numbers.
func Identifier(channel models.Channel, to string) string {
	if channel == models.ChannelSMS {
		return "sms:" + sanitizePhone(to)
	}
	return strings.ToLower(strings.TrimSpace(to))
}

func sanitizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	phone = strings.ReplaceAll(phone, " ", "")
	if strings.HasPrefix(phone, "00") {
		phone = "+" + phone[2:]
	}
	return phone
}

// genCode draws a uniformly random integer in [100000, 999999] and
// renders it as six decimal digits.
func genCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(n.Int64()+100000, 10), nil
}
