package models

import "time"

// Platform identifies the messaging platform a message arrived from.
type Platform string

const (
	PlatformTelegram Platform = "telegram"
	PlatformSlack    Platform = "slack"
)

// Role identifies the author of a message within a conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether the role is one of the three fixed values.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant || r == RoleSystem
}

// Conversation is a persistent thread of messages keyed by platform,
// channel, and user. Uniqueness of the natural key is only enforced among
// active conversations; deactivated ones are kept as soft history.
type Conversation struct {
	ID            string    `json:"id"`
	Platform      Platform  `json:"platform"`
	ChannelID     string    `json:"channel_id"`
	UserID        string    `json:"user_id"`
	Title         string    `json:"title,omitempty"`
	IsActive      bool      `json:"is_active"`
	MessageCount  int       `json:"message_count"`
	LastMessageAt time.Time `json:"last_message_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Message is a single utterance within a conversation. The AI* fields are
// only populated for assistant messages.
type Message struct {
	ID                string            `json:"id"`
	ConversationID    string            `json:"conversation_id"`
	Role              Role              `json:"role"`
	Content           string            `json:"content"`
	PlatformMessageID string            `json:"platform_message_id,omitempty"`
	PlatformData      map[string]string `json:"platform_data,omitempty"`
	TokenCount        int               `json:"token_count,omitempty"`
	AIProvider        string            `json:"ai_provider,omitempty"`
	AIModel           string            `json:"ai_model,omitempty"`
	AICost            float64           `json:"ai_cost,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// EstimatedTokens returns the recorded token count when present, otherwise
// a length-based estimate of one token per four characters, rounded up.
func (m *Message) EstimatedTokens() int {
	if m.TokenCount > 0 {
		return m.TokenCount
	}
	return (len(m.Content) + 3) / 4
}

// MessageOptions carries the optional attributes of a new message.
type MessageOptions struct {
	PlatformMessageID string
	PlatformData      map[string]string
	TokenCount        int
	AIProvider        string
	AIModel           string
	AICost            float64
}

// ConversationPatch lists the conversation fields eligible for partial
// update. Nil fields are left unchanged.
type ConversationPatch struct {
	Title    *string
	IsActive *bool
}

// MessageData is the platform-agnostic payload of one inbound message as
// carried inside a queue job.
type MessageData struct {
	Text      string            `json:"text"`
	ChannelID string            `json:"channelId"`
	MessageID string            `json:"messageId,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// JobPayload is the queue-to-worker contract for a "process inbound
// message" job.
type JobPayload struct {
	Platform       Platform    `json:"platform"`
	MessageData    MessageData `json:"messageData"`
	ConversationID string      `json:"conversationId,omitempty"`
	UserID         string      `json:"userId"`
	Timestamp      time.Time   `json:"timestamp"`
}
