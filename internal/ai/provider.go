package ai

import (
	"context"
	"fmt"
)

// Message is one turn of a chat exchange as sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage reports token accounting for a completion, when the provider
// returns it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the normalized result of a chat completion.
type Response struct {
	Content  string
	Model    string
	Provider string
	Usage    *Usage
}

// Provider is an interchangeable chat-completion backend.
type Provider interface {
	// Chat sends the given history, with the configured system instruction
	// prepended, and returns the completion.
	Chat(ctx context.Context, messages []Message) (*Response, error)

	// IsHealthy reports whether the backend is currently reachable.
	IsHealthy(ctx context.Context) bool

	Name() string
}

// ProviderError normalizes any provider failure (transport error, bad
// status, empty completion) into a single shape with a human-readable
// cause.
type ProviderError struct {
	Provider string
	Cause    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s failed: %s", e.Provider, e.Cause)
}

func newProviderError(provider, format string, args ...any) *ProviderError {
	return &ProviderError{Provider: provider, Cause: fmt.Sprintf(format, args...)}
}
