package ai

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubProvider struct {
	name    string
	resp    *Response
	err     error
	healthy bool
	calls   int
}

func (p *stubProvider) Chat(ctx context.Context, messages []Message) (*Response, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.resp, nil
}

func (p *stubProvider) IsHealthy(ctx context.Context) bool { return p.healthy }

func (p *stubProvider) Name() string { return p.name }

func TestOrchestratorPrimarySucceeds(t *testing.T) {
	primary := &stubProvider{name: "primary", resp: &Response{Content: "hi", Provider: "primary"}}
	fallback := &stubProvider{name: "fallback", resp: &Response{Content: "unused"}}

	o := NewOrchestrator(primary, fallback, zap.NewNop())
	resp, err := o.Chat(context.Background(), []Message{{Role: "user", Content: "hello"}})

	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Content)
	assert.Equal(t, 1, primary.calls)
	assert.Zero(t, fallback.calls, "fallback must not be consulted when primary succeeds")
}

func TestOrchestratorFallsBack(t *testing.T) {
	primary := &stubProvider{name: "primary", err: newProviderError("primary", "boom")}
	fallback := &stubProvider{name: "fallback", resp: &Response{Content: "rescued", Provider: "fallback"}}

	o := NewOrchestrator(primary, fallback, zap.NewNop())
	resp, err := o.Chat(context.Background(), []Message{{Role: "user", Content: "hello"}})

	require.NoError(t, err)
	assert.Equal(t, "rescued", resp.Content)
	assert.Equal(t, "fallback", resp.Provider)
}

func TestOrchestratorBothFail(t *testing.T) {
	primary := &stubProvider{name: "primary", err: newProviderError("primary", "primary down")}
	fallback := &stubProvider{name: "fallback", err: newProviderError("fallback", "fallback down")}

	o := NewOrchestrator(primary, fallback, zap.NewNop())
	_, err := o.Chat(context.Background(), nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllProvidersFailed)
	// Root causes must not be masked by the aggregate failure.
	assert.Contains(t, err.Error(), "primary down")
	assert.Contains(t, err.Error(), "fallback down")
}

func TestOrchestratorNoFallback(t *testing.T) {
	primary := &stubProvider{name: "primary", err: newProviderError("primary", "down")}

	o := NewOrchestrator(primary, nil, zap.NewNop())
	_, err := o.Chat(context.Background(), nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllProvidersFailed)
}

func TestOrchestratorHealth(t *testing.T) {
	cases := []struct {
		name     string
		primary  bool
		fallback *stubProvider
		want     bool
	}{
		{"primary healthy", true, &stubProvider{healthy: false}, true},
		{"only fallback healthy", false, &stubProvider{healthy: true}, true},
		{"both down", false, &stubProvider{healthy: false}, false},
		{"no fallback, primary down", false, nil, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var fallback Provider
			if tc.fallback != nil {
				fallback = tc.fallback
			}
			o := NewOrchestrator(&stubProvider{healthy: tc.primary}, fallback, zap.NewNop())
			assert.Equal(t, tc.want, o.IsHealthy(context.Background()))
		})
	}
}

func TestProviderErrorMessage(t *testing.T) {
	err := newProviderError("openai", "status %d", 502)
	assert.EqualError(t, err, "provider openai failed: status 502")

	var provErr *ProviderError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, "openai", provErr.Provider)
}
