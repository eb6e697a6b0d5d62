package processor

import (
	"context"
	"errors"

	"github.com/xaenox/relay-bot/internal/ai"
	"github.com/xaenox/relay-bot/internal/models"
	"github.com/xaenox/relay-bot/internal/queue"
	"github.com/xaenox/relay-bot/internal/storage"
	"go.uber.org/zap"
)

// contextTokenBudget bounds the history supplied to the AI layer.
const contextTokenBudget = 4000

// apologyText is the fixed user-visible message sent when processing
// fails. End users never see raw errors.
const apologyText = "Sorry, I ran into a problem handling your message. Please try again in a moment."

// Completer produces a chat completion; satisfied by ai.Orchestrator.
type Completer interface {
	Chat(ctx context.Context, messages []ai.Message) (*ai.Response, error)
}

// Dispatcher delivers outbound text to a platform channel.
type Dispatcher interface {
	Send(ctx context.Context, platform models.Platform, channelID, text string) error
}

// Processor is the queue job handler: it persists the inbound message,
// assembles context, invokes the AI layer, persists the response, and
// dispatches it back to the originating platform.
type Processor struct {
	store      storage.ConversationStore
	completer  Completer
	dispatcher Dispatcher
	logger     *zap.Logger
}

func New(store storage.ConversationStore, completer Completer, dispatcher Dispatcher, logger *zap.Logger) *Processor {
	return &Processor{
		store:      store,
		completer:  completer,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Handle processes one inbound-message job. Any failure sends a
// best-effort apology to the user and is returned to the queue so its
// retry policy applies.
func (p *Processor) Handle(ctx context.Context, job *queue.Job) error {
	payload := job.Payload

	if err := p.process(ctx, job); err != nil {
		p.logger.Error("Failed to process inbound message",
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.Attempt),
			zap.String("platform", string(payload.Platform)),
			zap.Error(err))

		// Best effort: its own failure is only logged, never re-thrown.
		if sendErr := p.dispatcher.Send(ctx, payload.Platform, payload.MessageData.ChannelID, apologyText); sendErr != nil {
			p.logger.Warn("Failed to deliver apology message",
				zap.String("job_id", job.ID),
				zap.Error(sendErr))
		}
		return err
	}
	return nil
}

func (p *Processor) process(ctx context.Context, job *queue.Job) error {
	payload := job.Payload
	data := payload.MessageData

	// Redelivered jobs may have already persisted this platform message;
	// reuse the prior rows instead of duplicating them.
	var conv *models.Conversation
	var userMsg *models.Message
	if data.MessageID != "" {
		if prior, msg, err := p.store.FindConversationByPlatformMessage(ctx, data.MessageID); err == nil {
			p.logger.Info("Platform message already persisted, resuming without re-insert",
				zap.String("job_id", job.ID),
				zap.String("platform_message_id", data.MessageID))
			conv, userMsg = prior, msg
		} else if !errors.Is(err, storage.ErrMessageNotFound) {
			return err
		}
	}

	if conv == nil {
		var err error
		conv, err = p.store.GetOrCreateConversation(ctx, payload.Platform, data.ChannelID, payload.UserID, "")
		if err != nil {
			return err
		}
	}
	job.ReportProgress(10)

	if userMsg == nil {
		var err error
		userMsg, err = p.store.AddMessage(ctx, conv.ID, models.RoleUser, data.Text, models.MessageOptions{
			PlatformMessageID: data.MessageID,
			PlatformData:      data.Metadata,
		})
		if err != nil {
			return err
		}
	}
	job.ReportProgress(25)

	history, err := p.store.GetConversationHistory(ctx, conv.ID, contextTokenBudget)
	if err != nil {
		return err
	}
	job.ReportProgress(50)

	resp, err := p.completer.Chat(ctx, formatHistory(history))
	if err != nil {
		return err
	}
	job.ReportProgress(75)

	opts := models.MessageOptions{
		AIProvider: resp.Provider,
		AIModel:    resp.Model,
	}
	if resp.Usage != nil {
		opts.TokenCount = resp.Usage.CompletionTokens
	}
	if _, err := p.store.AddMessage(ctx, conv.ID, models.RoleAssistant, resp.Content, opts); err != nil {
		return err
	}
	job.ReportProgress(90)

	// Delivery failures are logged, never fatal: the response is already
	// persisted and retrying the whole job would duplicate it.
	if err := p.dispatcher.Send(ctx, payload.Platform, data.ChannelID, resp.Content); err != nil {
		p.logger.Error("Failed to deliver response",
			zap.String("job_id", job.ID),
			zap.String("conversation_id", conv.ID),
			zap.Error(err))
	}
	job.ReportProgress(100)

	p.logger.Info("Processed inbound message",
		zap.String("job_id", job.ID),
		zap.String("conversation_id", conv.ID),
		zap.String("user_message_id", userMsg.ID),
		zap.String("provider", resp.Provider))
	return nil
}

// formatHistory projects stored messages into the role/content sequence
// the AI layer expects, oldest first.
func formatHistory(messages []*models.Message) []ai.Message {
	out := make([]ai.Message, 0, len(messages))
	for _, msg := range messages {
		out = append(out, ai.Message{Role: string(msg.Role), Content: msg.Content})
	}
	return out
}
