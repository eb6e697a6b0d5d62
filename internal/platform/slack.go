package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultSlackAPIRoot = "https://slack.com/api"

// SlackSender posts messages via the Slack Web API.
type SlackSender struct {
	botToken   string
	apiRoot    string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewSlackSender(botToken, apiRoot string, logger *zap.Logger) *SlackSender {
	if strings.TrimSpace(apiRoot) == "" {
		apiRoot = defaultSlackAPIRoot
	}

	return &SlackSender{
		botToken:   botToken,
		apiRoot:    strings.TrimRight(apiRoot, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

func (s *SlackSender) Send(ctx context.Context, channelID, text string) error {
	payload := map[string]string{
		"channel": channelID,
		"text":    text,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiRoot+"/chat.postMessage", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build slack request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.botToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack message: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack api status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var ack struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(respBody, &ack); err == nil && !ack.OK {
		return fmt.Errorf("slack api error: %s", ack.Error)
	}

	s.logger.Debug("Sent slack message", zap.String("channel", channelID))
	return nil
}
