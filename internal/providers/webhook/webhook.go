// Package webhook is a generic delivery provider that posts codes to
// an upstream URL, for relaying through gateways this service has no
// native driver for.
package webhook

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/naniwallet/authgate/internal/models"
)

// Webhook posts delivery payloads to a configured URL.
type Webhook struct {
	cfg        Config
	authHeader string
	http       *http.Client
}

// Payload is posted to the upstream URL.
type Payload struct {
	Identifier string         `json:"identifier"`
	Channel    models.Channel `json:"channel"`
	To         string         `json:"to"`
	Code       string         `json:"code"`
	Subject    string         `json:"subject"`
	Body       string         `json:"body"`
}

// Config contains the webhook provider configuration.
type Config struct {
	URL           string         `koanf:"url"`
	ID            string         `koanf:"id"`
	Channel       models.Channel `koanf:"channel"`
	Username      string         `koanf:"username"`
	Password      string         `koanf:"password"`
	ChannelName   string         `koanf:"channel_name"`
	MaxAddressLen int            `koanf:"max_address_len"`
	MaxOTPLen     int            `koanf:"max_otp_len"`

	Timeout  time.Duration `koanf:"timeout"`
	MaxConns int           `koanf:"max_conns"`
}

// New returns a webhook relay provider.
func New(cfg Config) (*Webhook, error) {
	// Initialize the HTTP client.
	if cfg.Timeout.Seconds() < 1 {
		cfg.Timeout = time.Second * 3
	}
	if cfg.MaxConns < 1 {
		cfg.MaxConns = 1
	}

	authHeader := ""
	if cfg.Username != "" && cfg.Password != "" {
		authHeader = fmt.Sprintf("Basic %s", base64.StdEncoding.EncodeToString(
			[]byte(cfg.Username+":"+cfg.Password)))
	}

	return &Webhook{
		cfg:        cfg,
		authHeader: authHeader,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   cfg.MaxConns,
				ResponseHeaderTimeout: cfg.Timeout,
			},
		},
	}, nil
}

// ID returns the Provider's ID.
func (w *Webhook) ID() string {
	return w.cfg.ID
}

// Channel returns the channel the relay is configured to serve.
func (w *Webhook) Channel() models.Channel {
	return w.cfg.Channel
}

// ChannelName returns the Provider's name.
func (w *Webhook) ChannelName() string {
	return w.cfg.ChannelName
}

// ValidateAddress accepts any address; validation is the upstream's
// concern.
func (w *Webhook) ValidateAddress(to string) error {
	return nil
}

// Push posts the delivery payload to the upstream URL.
func (w *Webhook) Push(ch models.Challenge, subject string, body []byte) error {
	p := Payload{
		Identifier: ch.Identifier,
		Channel:    ch.Channel,
		To:         ch.To,
		Code:       ch.Code,
		Subject:    subject,
		Body:       string(body),
	}

	b, err := json.Marshal(p)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, w.cfg.URL, bytes.NewReader(b))
	if err != nil {
		return err
	}

	req.Header.Set("User-Agent", "authgate")
	req.Header.Add("Content-Type", "application/json")

	// Optional BasicAuth.
	if w.authHeader != "" {
		req.Header.Set("Authorization", w.authHeader)
	}

	resp, err := w.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		// Drain and close the body to let the Transport reuse the connection
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("non-OK response from webhook: %d", resp.StatusCode)
	}

	return nil
}

// MaxAddressLen returns the maximum allowed address length.
func (w *Webhook) MaxAddressLen() int {
	return w.cfg.MaxAddressLen
}

// MaxOTPLen returns the maximum allowed length of the OTP value.
func (w *Webhook) MaxOTPLen() int {
	return w.cfg.MaxOTPLen
}

// MaxBodyLen returns the max permitted body size.
func (w *Webhook) MaxBodyLen() int {
	return 0
}
