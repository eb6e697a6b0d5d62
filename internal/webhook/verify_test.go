package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/xaenox/relay-bot/internal/models"
	"go.uber.org/zap"
)

func slackSign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + timestamp + ":" + string(body)))
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func bodySign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySlack(t *testing.T) {
	const secret = "slack-signing-secret"
	now := time.Unix(1700000000, 0)

	v := NewVerifier(VerifierConfig{SlackSigningSecret: secret}, zap.NewNop())
	v.now = func() time.Time { return now }

	body := []byte(`{"type":"event_callback"}`)
	ts := strconv.FormatInt(now.Unix(), 10)

	t.Run("valid signature accepted", func(t *testing.T) {
		headers := http.Header{}
		headers.Set(headerSlackTimestamp, ts)
		headers.Set(headerSlackSignature, slackSign(secret, ts, body))
		assert.True(t, v.Verify(models.PlatformSlack, body, headers))
	})

	t.Run("stale timestamp rejected even with correct signature", func(t *testing.T) {
		stale := strconv.FormatInt(now.Add(-301*time.Second).Unix(), 10)
		headers := http.Header{}
		headers.Set(headerSlackTimestamp, stale)
		headers.Set(headerSlackSignature, slackSign(secret, stale, body))
		assert.False(t, v.Verify(models.PlatformSlack, body, headers))
	})

	t.Run("timestamp just inside window accepted", func(t *testing.T) {
		edge := strconv.FormatInt(now.Add(-299*time.Second).Unix(), 10)
		headers := http.Header{}
		headers.Set(headerSlackTimestamp, edge)
		headers.Set(headerSlackSignature, slackSign(secret, edge, body))
		assert.True(t, v.Verify(models.PlatformSlack, body, headers))
	})

	t.Run("tampered body rejected", func(t *testing.T) {
		headers := http.Header{}
		headers.Set(headerSlackTimestamp, ts)
		headers.Set(headerSlackSignature, slackSign(secret, ts, body))
		tampered := []byte(`{"type":"event_callback","evil":true}`)
		assert.False(t, v.Verify(models.PlatformSlack, tampered, headers))
	})

	t.Run("missing headers rejected", func(t *testing.T) {
		assert.False(t, v.Verify(models.PlatformSlack, body, http.Header{}))
	})
}

func TestVerifyTelegramSecretToken(t *testing.T) {
	v := NewVerifier(VerifierConfig{TelegramSecretToken: "super-secret"}, zap.NewNop())
	body := []byte(`{"update_id":1}`)

	t.Run("matching token accepted", func(t *testing.T) {
		headers := http.Header{}
		headers.Set(headerTelegramSecretToken, "super-secret")
		assert.True(t, v.Verify(models.PlatformTelegram, body, headers))
	})

	t.Run("mismatched token rejected", func(t *testing.T) {
		headers := http.Header{}
		headers.Set(headerTelegramSecretToken, "super-secreT")
		assert.False(t, v.Verify(models.PlatformTelegram, body, headers))
	})

	t.Run("absent token rejected", func(t *testing.T) {
		assert.False(t, v.Verify(models.PlatformTelegram, body, http.Header{}))
	})
}

func TestVerifyTelegramBodyHMAC(t *testing.T) {
	const botToken = "12345:bot-credential"
	body := []byte(`{"update_id":7}`)

	v := NewVerifier(VerifierConfig{TelegramBotToken: botToken}, zap.NewNop())

	t.Run("valid body signature accepted", func(t *testing.T) {
		headers := http.Header{}
		headers.Set(headerTelegramSignature, bodySign(botToken, body))
		assert.True(t, v.Verify(models.PlatformTelegram, body, headers))
	})

	t.Run("tampered body rejected", func(t *testing.T) {
		headers := http.Header{}
		headers.Set(headerTelegramSignature, bodySign(botToken, body))
		assert.False(t, v.Verify(models.PlatformTelegram, []byte(`{"update_id":8}`), headers))
	})

	t.Run("unsigned rejected by default", func(t *testing.T) {
		assert.False(t, v.Verify(models.PlatformTelegram, body, http.Header{}))
	})
}

func TestVerifyTelegramAllowUnsigned(t *testing.T) {
	v := NewVerifier(VerifierConfig{TelegramBotToken: "tok", AllowUnsigned: true}, zap.NewNop())
	assert.True(t, v.Verify(models.PlatformTelegram, []byte(`{}`), http.Header{}))

	// A present-but-wrong signature is still rejected.
	headers := http.Header{}
	headers.Set(headerTelegramSignature, "sha256=deadbeef")
	assert.False(t, v.Verify(models.PlatformTelegram, []byte(`{}`), headers))
}

func TestVerifyUnknownPlatform(t *testing.T) {
	v := NewVerifier(VerifierConfig{}, zap.NewNop())
	assert.False(t, v.Verify(models.Platform("carrier-pigeon"), nil, http.Header{}))
}
