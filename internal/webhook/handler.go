package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/xaenox/relay-bot/internal/models"
	"github.com/xaenox/relay-bot/internal/queue"
	"go.uber.org/zap"
)

const defaultBodyLimit = 1 << 20 // 1 MiB

// HealthChecker reports whether at least one AI provider path is usable.
type HealthChecker interface {
	IsHealthy(ctx context.Context) bool
}

// Handler receives platform webhooks, authenticates them, and enqueues a
// processing job. It acknowledges immediately; all real work happens on the
// queue workers.
type Handler struct {
	verifier  *Verifier
	queue     queue.Queue
	health    HealthChecker
	bodyLimit int64
	logger    *zap.Logger
}

func NewHandler(verifier *Verifier, q queue.Queue, health HealthChecker, bodyLimit int64, logger *zap.Logger) *Handler {
	if bodyLimit <= 0 {
		bodyLimit = defaultBodyLimit
	}
	return &Handler{
		verifier:  verifier,
		queue:     q,
		health:    health,
		bodyLimit: bodyLimit,
		logger:    logger,
	}
}

// Routes mounts the webhook and health endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/webhook/telegram", h.handleTelegram)
	r.Post("/webhook/slack", h.handleSlack)
	r.Get("/health", h.handleHealth)
	return r
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.bodyLimit))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "body too large or unreadable"})
		return nil, false
	}
	return body, true
}

type telegramUpdate struct {
	UpdateID *int64 `json:"update_id"`
	Message  *struct {
		MessageID int64  `json:"message_id"`
		Text      string `json:"text"`
		Chat      struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		From struct {
			ID int64 `json:"id"`
		} `json:"from"`
	} `json:"message"`
}

func (h *Handler) handleTelegram(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	if !h.verifier.Verify(models.PlatformTelegram, body, r.Header) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error": "unauthorized"})
		return
	}

	var update telegramUpdate
	if err := json.Unmarshal(body, &update); err != nil || update.UpdateID == nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "malformed update"})
		return
	}

	// Non-message updates are acknowledged and dropped.
	if update.Message == nil || strings.TrimSpace(update.Message.Text) == "" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	payload := models.JobPayload{
		Platform: models.PlatformTelegram,
		MessageData: models.MessageData{
			Text:      update.Message.Text,
			ChannelID: strconv.FormatInt(update.Message.Chat.ID, 10),
			MessageID: strconv.FormatInt(update.Message.MessageID, 10),
			Metadata:  map[string]string{"update_id": strconv.FormatInt(*update.UpdateID, 10)},
		},
		UserID:    strconv.FormatInt(update.Message.From.ID, 10),
		Timestamp: time.Now(),
	}

	h.enqueue(w, r.Context(), payload)
}

type slackEnvelope struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Event     struct {
		Type    string `json:"type"`
		Subtype string `json:"subtype"`
		Text    string `json:"text"`
		Channel string `json:"channel"`
		User    string `json:"user"`
		Ts      string `json:"ts"`
		BotID   string `json:"bot_id"`
	} `json:"event"`
}

func (h *Handler) handleSlack(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	if !h.verifier.Verify(models.PlatformSlack, body, r.Header) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error": "unauthorized"})
		return
	}

	var envelope slackEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "malformed event"})
		return
	}

	if envelope.Type == "url_verification" {
		writeJSON(w, http.StatusOK, map[string]string{"challenge": envelope.Challenge})
		return
	}

	// Only plain user messages are processed; bot echoes and subtypes are
	// acknowledged and dropped to avoid reply loops.
	if envelope.Type != "event_callback" ||
		envelope.Event.Type != "message" ||
		envelope.Event.Subtype != "" ||
		envelope.Event.BotID != "" ||
		strings.TrimSpace(envelope.Event.Text) == "" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	payload := models.JobPayload{
		Platform: models.PlatformSlack,
		MessageData: models.MessageData{
			Text:      envelope.Event.Text,
			ChannelID: envelope.Event.Channel,
			MessageID: envelope.Event.Ts,
			Metadata:  map[string]string{"event_ts": envelope.Event.Ts},
		},
		UserID:    envelope.Event.User,
		Timestamp: time.Now(),
	}

	h.enqueue(w, r.Context(), payload)
}

func (h *Handler) enqueue(w http.ResponseWriter, ctx context.Context, payload models.JobPayload) {
	jobID, err := h.queue.Enqueue(ctx, payload, queue.Options{})
	if err != nil {
		h.logger.Error("Failed to enqueue job",
			zap.String("platform", string(payload.Platform)),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "internal error"})
		return
	}

	h.logger.Debug("Enqueued inbound message",
		zap.String("job_id", jobID),
		zap.String("platform", string(payload.Platform)))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	healthy := h.health == nil || h.health.IsHealthy(ctx)
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]any{
		"healthy": healthy,
		"queue":   h.queue.Stats(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
