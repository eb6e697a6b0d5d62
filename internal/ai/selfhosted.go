package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// SelfHostedProvider talks to an OpenAI-compatible completion endpoint
// (Ollama, vLLM, LocalAI and the like) over plain HTTP.
type SelfHostedProvider struct {
	baseURL      string
	model        string
	maxTokens    int
	temperature  float64
	systemPrompt string
	httpClient   *http.Client
	logger       *zap.Logger
}

type SelfHostedConfig struct {
	BaseURL      string
	Model        string
	MaxTokens    int
	Temperature  float64
	Timeout      time.Duration
	SystemPrompt string
}

func NewSelfHostedProvider(cfg SelfHostedConfig, logger *zap.Logger) *SelfHostedProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	return &SelfHostedProvider{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		model:        cfg.Model,
		maxTokens:    cfg.MaxTokens,
		temperature:  cfg.Temperature,
		systemPrompt: cfg.SystemPrompt,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		logger:       logger,
	}
}

func (p *SelfHostedProvider) Name() string {
	return "selfhosted"
}

type chatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream"`
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

func (p *SelfHostedProvider) Chat(ctx context.Context, messages []Message) (*Response, error) {
	payload := chatCompletionRequest{
		Model:       p.model,
		Messages:    append([]Message{{Role: "system", Content: p.systemPrompt}}, messages...),
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, newProviderError(p.Name(), "failed to encode request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, newProviderError(p.Name(), "failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Error("Failed to reach self-hosted endpoint", zap.Error(err))
		return nil, newProviderError(p.Name(), "request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, newProviderError(p.Name(), "endpoint returned status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var completion chatCompletionResponse
	if err := json.Unmarshal(respBody, &completion); err != nil {
		return nil, newProviderError(p.Name(), "failed to decode response: %v", err)
	}

	if len(completion.Choices) == 0 {
		return nil, newProviderError(p.Name(), "completion response contained no choices")
	}
	content := strings.TrimSpace(completion.Choices[0].Message.Content)
	if content == "" {
		return nil, newProviderError(p.Name(), "completion response contained no content")
	}

	model := completion.Model
	if model == "" {
		model = p.model
	}

	return &Response{
		Content:  content,
		Model:    model,
		Provider: p.Name(),
		Usage:    completion.Usage,
	}, nil
}

func (p *SelfHostedProvider) IsHealthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/models", nil)
	if err != nil {
		return false
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Warn("Self-hosted health check failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode < 300
}
