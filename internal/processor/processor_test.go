package processor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/relay-bot/internal/ai"
	"github.com/xaenox/relay-bot/internal/models"
	"github.com/xaenox/relay-bot/internal/queue"
	"github.com/xaenox/relay-bot/internal/storage"
	"go.uber.org/zap"
)

type fakeCompleter struct {
	resp     *ai.Response
	err      error
	received [][]ai.Message
}

func (c *fakeCompleter) Chat(ctx context.Context, messages []ai.Message) (*ai.Response, error) {
	c.received = append(c.received, messages)
	if c.err != nil {
		return nil, c.err
	}
	return c.resp, nil
}

type sentMessage struct {
	Platform  models.Platform
	ChannelID string
	Text      string
}

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (d *fakeDispatcher) Send(ctx context.Context, platform models.Platform, channelID, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, sentMessage{platform, channelID, text})
	return d.err
}

func newJob(payload models.JobPayload) *queue.Job {
	return &queue.Job{ID: "job-1", Payload: payload, Attempt: 1}
}

func helloPayload() models.JobPayload {
	return models.JobPayload{
		Platform: models.PlatformTelegram,
		MessageData: models.MessageData{
			Text:      "hello",
			ChannelID: "42",
			MessageID: "msg-100",
		},
		UserID:    "7",
		Timestamp: time.Now(),
	}
}

func TestHandleEndToEnd(t *testing.T) {
	store := storage.NewMemoryStore()
	completer := &fakeCompleter{resp: &ai.Response{
		Content:  "hi there",
		Model:    "gpt-4o-mini",
		Provider: "openai",
		Usage:    &ai.Usage{PromptTokens: 12, CompletionTokens: 3, TotalTokens: 15},
	}}
	dispatcher := &fakeDispatcher{}

	p := New(store, completer, dispatcher, zap.NewNop())
	require.NoError(t, p.Handle(context.Background(), newJob(helloPayload())))

	// Exactly one conversation, holding one user and one assistant message.
	conv, err := store.GetOrCreateConversation(context.Background(), models.PlatformTelegram, "42", "7", "")
	require.NoError(t, err)
	assert.Equal(t, 2, conv.MessageCount)

	history, err := store.GetConversationHistory(context.Background(), conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.RoleUser, history[0].Role)
	assert.Equal(t, "hello", history[0].Content)
	assert.Equal(t, models.RoleAssistant, history[1].Role)
	assert.Equal(t, "hi there", history[1].Content)
	assert.Equal(t, "openai", history[1].AIProvider)
	assert.Equal(t, "gpt-4o-mini", history[1].AIModel)
	assert.Equal(t, 3, history[1].TokenCount)

	// Exactly one outbound send carrying the AI's content.
	require.Len(t, dispatcher.sent, 1)
	assert.Equal(t, sentMessage{models.PlatformTelegram, "42", "hi there"}, dispatcher.sent[0])

	// The completer saw the persisted user turn.
	require.Len(t, completer.received, 1)
	last := completer.received[0][len(completer.received[0])-1]
	assert.Equal(t, ai.Message{Role: "user", Content: "hello"}, last)
}

func TestHandleSendsApologyOnFailure(t *testing.T) {
	store := storage.NewMemoryStore()
	completer := &fakeCompleter{err: ai.ErrAllProvidersFailed}
	dispatcher := &fakeDispatcher{}

	p := New(store, completer, dispatcher, zap.NewNop())
	err := p.Handle(context.Background(), newJob(helloPayload()))

	// The original failure propagates so the queue retries.
	require.ErrorIs(t, err, ai.ErrAllProvidersFailed)

	require.Len(t, dispatcher.sent, 1)
	assert.Equal(t, apologyText, dispatcher.sent[0].Text)
	assert.Equal(t, "42", dispatcher.sent[0].ChannelID)
}

func TestHandleApologyFailureIsSwallowed(t *testing.T) {
	store := storage.NewMemoryStore()
	completer := &fakeCompleter{err: ai.ErrAllProvidersFailed}
	dispatcher := &fakeDispatcher{err: context.DeadlineExceeded}

	p := New(store, completer, dispatcher, zap.NewNop())
	err := p.Handle(context.Background(), newJob(helloPayload()))

	// The apology's own failure never masks the original error.
	require.ErrorIs(t, err, ai.ErrAllProvidersFailed)
}

func TestHandleDeliveryFailureDoesNotFailJob(t *testing.T) {
	store := storage.NewMemoryStore()
	completer := &fakeCompleter{resp: &ai.Response{Content: "answer", Provider: "openai"}}
	dispatcher := &fakeDispatcher{err: context.DeadlineExceeded}

	p := New(store, completer, dispatcher, zap.NewNop())
	err := p.Handle(context.Background(), newJob(helloPayload()))

	// The response is persisted; retrying would duplicate it.
	require.NoError(t, err)
}

func TestHandleRedeliveryDoesNotDuplicateUserMessage(t *testing.T) {
	store := storage.NewMemoryStore()
	completer := &fakeCompleter{resp: &ai.Response{Content: "reply", Provider: "openai"}}
	dispatcher := &fakeDispatcher{}

	p := New(store, completer, dispatcher, zap.NewNop())
	require.NoError(t, p.Handle(context.Background(), newJob(helloPayload())))

	// Queue redelivers the same platform message.
	require.NoError(t, p.Handle(context.Background(), newJob(helloPayload())))

	conv, _, err := store.FindConversationByPlatformMessage(context.Background(), "msg-100")
	require.NoError(t, err)

	history, err := store.GetConversationHistory(context.Background(), conv.ID, 0)
	require.NoError(t, err)

	var userCount int
	for _, msg := range history {
		if msg.Role == models.RoleUser {
			userCount++
		}
	}
	assert.Equal(t, 1, userCount, "redelivery must not duplicate the user message")
}
