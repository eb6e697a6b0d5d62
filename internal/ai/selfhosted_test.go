package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSelfHostedChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)

		var req chatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotEmpty(t, req.Messages)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "you are helpful", req.Messages[0].Content)
		assert.Equal(t, "llama3", req.Model)
		assert.False(t, req.Stream)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model": "llama3",
			"choices": [{"message": {"role": "assistant", "content": "  hi there  "}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16}
		}`))
	}))
	defer srv.Close()

	p := NewSelfHostedProvider(SelfHostedConfig{
		BaseURL:      srv.URL,
		Model:        "llama3",
		SystemPrompt: "you are helpful",
	}, zap.NewNop())

	resp, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "hello"}})
	require.NoError(t, err)
	assert.Equal(t, "hi there", resp.Content, "content is trimmed")
	assert.Equal(t, "llama3", resp.Model)
	assert.Equal(t, "selfhosted", resp.Provider)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 4, resp.Usage.CompletionTokens)
}

func TestSelfHostedChatErrors(t *testing.T) {
	cases := map[string]struct {
		status int
		body   string
	}{
		"server error":   {http.StatusInternalServerError, `boom`},
		"no choices":     {http.StatusOK, `{"choices":[]}`},
		"empty content":  {http.StatusOK, `{"choices":[{"message":{"role":"assistant","content":"   "}}]}`},
		"malformed json": {http.StatusOK, `{"choices":`},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			p := NewSelfHostedProvider(SelfHostedConfig{BaseURL: srv.URL, Model: "llama3"}, zap.NewNop())
			_, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "hello"}})
			require.Error(t, err)

			var perr *ProviderError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, "selfhosted", perr.Provider)
		})
	}
}

func TestSelfHostedIsHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/models" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewSelfHostedProvider(SelfHostedConfig{BaseURL: srv.URL}, zap.NewNop())
	assert.True(t, p.IsHealthy(context.Background()))

	srv.Close()
	assert.False(t, p.IsHealthy(context.Background()))
}
