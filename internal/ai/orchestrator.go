package ai

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrAllProvidersFailed is returned when the primary and every configured
// fallback failed to produce a completion.
var ErrAllProvidersFailed = errors.New("all AI providers failed")

// Orchestrator routes a chat call to a primary provider and retries once
// against an optional fallback when the primary fails.
type Orchestrator struct {
	primary  Provider
	fallback Provider // may be nil
	logger   *zap.Logger
}

func NewOrchestrator(primary, fallback Provider, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

// Chat tries the primary provider first, then the fallback. When both fail
// the returned error wraps ErrAllProvidersFailed together with both causes.
func (o *Orchestrator) Chat(ctx context.Context, messages []Message) (*Response, error) {
	resp, primaryErr := o.primary.Chat(ctx, messages)
	if primaryErr == nil {
		return resp, nil
	}

	if o.fallback == nil {
		return nil, fmt.Errorf("%w: %v", ErrAllProvidersFailed, primaryErr)
	}

	o.logger.Warn("Primary provider failed, trying fallback",
		zap.String("primary", o.primary.Name()),
		zap.String("fallback", o.fallback.Name()),
		zap.Error(primaryErr))

	resp, fallbackErr := o.fallback.Chat(ctx, messages)
	if fallbackErr == nil {
		return resp, nil
	}

	return nil, fmt.Errorf("%w: primary: %v; fallback: %v", ErrAllProvidersFailed, primaryErr, fallbackErr)
}

// IsHealthy reports whether at least one provider path is usable.
func (o *Orchestrator) IsHealthy(ctx context.Context) bool {
	if o.primary.IsHealthy(ctx) {
		return true
	}
	return o.fallback != nil && o.fallback.IsHealthy(ctx)
}
