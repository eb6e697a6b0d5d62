package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/xaenox/relay-bot/internal/models"
	"go.uber.org/zap"
)

const (
	headerTelegramSecretToken = "X-Telegram-Bot-Api-Secret-Token"
	headerTelegramSignature   = "X-Hub-Signature-256"
	headerSlackTimestamp      = "X-Slack-Request-Timestamp"
	headerSlackSignature      = "X-Slack-Signature"

	// Slack requests older or newer than this are rejected regardless of
	// signature validity.
	slackReplayWindow = 300 * time.Second
)

// VerifierConfig holds the per-platform credentials used to authenticate
// inbound webhooks.
type VerifierConfig struct {
	TelegramSecretToken string
	TelegramBotToken    string
	SlackSigningSecret  string

	// AllowUnsigned accepts Telegram requests that carry no credentials at
	// all, logging a warning. Off by default; hardened deployments keep it
	// off.
	AllowUnsigned bool
}

// Verifier validates that an inbound webhook body genuinely originates from
// the claimed platform. Verification is pure: failures are reported as a
// boolean and translated by the caller into an unauthorized response.
type Verifier struct {
	cfg    VerifierConfig
	now    func() time.Time
	logger *zap.Logger
}

func NewVerifier(cfg VerifierConfig, logger *zap.Logger) *Verifier {
	return &Verifier{cfg: cfg, now: time.Now, logger: logger}
}

func (v *Verifier) Verify(platform models.Platform, body []byte, headers http.Header) bool {
	switch platform {
	case models.PlatformTelegram:
		return v.verifyTelegram(body, headers)
	case models.PlatformSlack:
		return v.verifySlack(body, headers)
	default:
		return false
	}
}

// verifyTelegram prefers the pre-shared secret-token header; without a
// configured secret token it falls back to an HMAC of the raw body keyed by
// the bot credential.
func (v *Verifier) verifyTelegram(body []byte, headers http.Header) bool {
	if v.cfg.TelegramSecretToken != "" {
		token := headers.Get(headerTelegramSecretToken)
		if token == "" {
			return false
		}
		return subtle.ConstantTimeCompare([]byte(token), []byte(v.cfg.TelegramSecretToken)) == 1
	}

	signature := strings.TrimSpace(headers.Get(headerTelegramSignature))
	if signature == "" {
		if v.cfg.AllowUnsigned {
			v.logger.Warn("Accepting unsigned telegram webhook; set a secret token to harden this endpoint")
			return true
		}
		return false
	}

	signature = strings.TrimPrefix(signature, "sha256=")
	mac := hmac.New(sha256.New, []byte(v.cfg.TelegramBotToken))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}

// verifySlack checks the v0 signing scheme: HMAC-SHA256 over
// "v0:{timestamp}:{body}" keyed by the signing secret, with a bounded
// replay window on the timestamp.
func (v *Verifier) verifySlack(body []byte, headers http.Header) bool {
	tsHeader := strings.TrimSpace(headers.Get(headerSlackTimestamp))
	signature := strings.TrimSpace(headers.Get(headerSlackSignature))
	if tsHeader == "" || signature == "" {
		return false
	}

	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return false
	}
	skew := v.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > slackReplayWindow {
		return false
	}

	base := "v0:" + tsHeader + ":" + string(body)
	mac := hmac.New(sha256.New, []byte(v.cfg.SlackSigningSecret))
	mac.Write([]byte(base))
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}
