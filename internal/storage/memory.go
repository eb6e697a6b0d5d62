package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/relay-bot/internal/models"
)

// MemoryStore is an in-process ConversationStore used for tests and for
// running without a database.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	messages      map[string][]*models.Message // keyed by conversation id
	seq           int64                        // breaks created_at ties for ordering
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]*models.Message),
	}
}

func (s *MemoryStore) GetOrCreateConversation(ctx context.Context, platform models.Platform, channelID, userID, title string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *models.Conversation
	for _, conv := range s.conversations {
		if conv.IsActive && conv.Platform == platform && conv.ChannelID == channelID && conv.UserID == userID {
			if latest == nil || conv.UpdatedAt.After(latest.UpdatedAt) {
				latest = conv
			}
		}
	}
	if latest != nil {
		return copyConversation(latest), nil
	}

	now := time.Now()
	conv := &models.Conversation{
		ID:            uuid.New().String(),
		Platform:      platform,
		ChannelID:     channelID,
		UserID:        userID,
		Title:         title,
		IsActive:      true,
		LastMessageAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.conversations[conv.ID] = conv
	return copyConversation(conv), nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, exists := s.conversations[id]
	if !exists {
		return nil, ErrConversationNotFound
	}
	return copyConversation(conv), nil
}

func (s *MemoryStore) UpdateConversation(ctx context.Context, id string, patch models.ConversationPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[id]
	if !exists {
		return ErrConversationNotFound
	}
	if patch.Title != nil {
		conv.Title = *patch.Title
	}
	if patch.IsActive != nil {
		conv.IsActive = *patch.IsActive
	}
	conv.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) DeactivateConversation(ctx context.Context, id string) error {
	inactive := false
	return s.UpdateConversation(ctx, id, models.ConversationPatch{IsActive: &inactive})
}

func (s *MemoryStore) AddMessage(ctx context.Context, conversationID string, role models.Role, content string, opts models.MessageOptions) (*models.Message, error) {
	if !role.Valid() {
		return nil, ErrInvalidRole
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[conversationID]
	if !exists {
		return nil, ErrConversationNotFound
	}

	now := time.Now()
	s.seq++
	msg := &models.Message{
		ID:                uuid.New().String(),
		ConversationID:    conversationID,
		Role:              role,
		Content:           content,
		PlatformMessageID: opts.PlatformMessageID,
		PlatformData:      opts.PlatformData,
		TokenCount:        opts.TokenCount,
		AIProvider:        opts.AIProvider,
		AIModel:           opts.AIModel,
		AICost:            opts.AICost,
		CreatedAt:         now.Add(time.Duration(s.seq)), // keep insertion order stable
		UpdatedAt:         now,
	}

	s.messages[conversationID] = append(s.messages[conversationID], msg)
	conv.MessageCount++
	conv.LastMessageAt = msg.CreatedAt
	conv.UpdatedAt = now

	return copyMessage(msg), nil
}

func (s *MemoryStore) GetConversationHistory(ctx context.Context, conversationID string, maxTokens int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.conversations[conversationID]; !exists {
		return nil, ErrConversationNotFound
	}

	stored := s.messages[conversationID]
	messages := make([]*models.Message, 0, len(stored))
	for _, msg := range stored {
		messages = append(messages, copyMessage(msg))
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})

	return windowByTokens(messages, maxTokens), nil
}

func (s *MemoryStore) FindConversationByPlatformMessage(ctx context.Context, platformMessageID string) (*models.Conversation, *models.Message, error) {
	if platformMessageID == "" {
		return nil, nil, ErrMessageNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *models.Message
	for _, msgs := range s.messages {
		for _, msg := range msgs {
			if msg.PlatformMessageID != platformMessageID {
				continue
			}
			if found == nil || msg.CreatedAt.Before(found.CreatedAt) {
				found = msg
			}
		}
	}
	if found == nil {
		return nil, nil, ErrMessageNotFound
	}

	conv := s.conversations[found.ConversationID]
	return copyConversation(conv), copyMessage(found), nil
}

func (s *MemoryStore) CleanupOldMessages(ctx context.Context, conversationID string, keepCount int) (int, error) {
	if keepCount < 0 {
		keepCount = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[conversationID]
	if !exists {
		return 0, ErrConversationNotFound
	}

	msgs := s.messages[conversationID]
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})

	if len(msgs) <= keepCount {
		return 0, nil
	}

	removed := len(msgs) - keepCount
	s.messages[conversationID] = msgs[removed:]
	conv.MessageCount = keepCount
	conv.UpdatedAt = time.Now()

	return removed, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func copyConversation(conv *models.Conversation) *models.Conversation {
	c := *conv
	return &c
}

func copyMessage(msg *models.Message) *models.Message {
	m := *msg
	return &m
}
