package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/naniwallet/authgate/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPush(t *testing.T) {
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NotEmpty(t, r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	w, err := New(Config{
		URL:      srv.URL,
		ID:       "relay",
		Channel:  models.ChannelSMS,
		Username: "hook",
		Password: "hookpass",
	})
	require.NoError(t, err)

	err = w.Push(models.Challenge{
		Identifier: "sms:+15550100",
		Channel:    models.ChannelSMS,
		To:         "+15550100",
		Code:       "123456",
	}, "Your code", []byte("Your code is 123456"))
	require.NoError(t, err)

	assert.Equal(t, "123456", got.Code)
	assert.Equal(t, "+15550100", got.To)
	assert.Equal(t, models.ChannelSMS, got.Channel)
}

func TestPushNonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	w, err := New(Config{URL: srv.URL, ID: "relay", Channel: models.ChannelSMS})
	require.NoError(t, err)

	err = w.Push(models.Challenge{To: "+15550100", Code: "123456"}, "", nil)
	assert.Error(t, err)
}
