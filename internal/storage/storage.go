package storage

import (
	"context"
	"errors"

	"github.com/xaenox/relay-bot/internal/models"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrInvalidRole          = errors.New("invalid message role")
)

// ConversationStore persists conversations and their ordered messages.
type ConversationStore interface {
	// GetOrCreateConversation returns the most recently active conversation
	// for the (platform, channel, user) triple, creating one if none exists.
	GetOrCreateConversation(ctx context.Context, platform models.Platform, channelID, userID, title string) (*models.Conversation, error)

	// GetConversation looks up a conversation by id.
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)

	// UpdateConversation applies a partial update; nil patch fields are
	// left unchanged.
	UpdateConversation(ctx context.Context, id string, patch models.ConversationPatch) error

	// DeactivateConversation closes a conversation without deleting its
	// history.
	DeactivateConversation(ctx context.Context, id string) error

	// AddMessage inserts a message and atomically bumps the owning
	// conversation's message_count and last_message_at.
	AddMessage(ctx context.Context, conversationID string, role models.Role, content string, opts models.MessageOptions) (*models.Message, error)

	// GetConversationHistory returns messages oldest-first. A positive
	// maxTokens bounds the result to a token budget: messages are dropped
	// from the oldest end until the estimated total fits, always keeping at
	// least the newest message.
	GetConversationHistory(ctx context.Context, conversationID string, maxTokens int) ([]*models.Message, error)

	// FindConversationByPlatformMessage reverse-looks-up the conversation
	// and message that recorded the given platform message id. The first
	// match is canonical.
	FindConversationByPlatformMessage(ctx context.Context, platformMessageID string) (*models.Conversation, *models.Message, error)

	// CleanupOldMessages deletes all but the keepCount newest messages of a
	// conversation and returns how many were removed.
	CleanupOldMessages(ctx context.Context, conversationID string, keepCount int) (int, error)

	Close() error
}

// windowByTokens trims messages (given oldest-first) to the token budget,
// scanning newest-first and always keeping the newest message. Order is
// preserved; only the oldest end is truncated.
func windowByTokens(messages []*models.Message, maxTokens int) []*models.Message {
	if maxTokens <= 0 || len(messages) == 0 {
		return messages
	}
	total := 0
	start := len(messages)
	for i := len(messages) - 1; i >= 0; i-- {
		cost := messages[i].EstimatedTokens()
		if total+cost > maxTokens && start < len(messages) {
			break
		}
		total += cost
		start = i
	}
	return messages[start:]
}
