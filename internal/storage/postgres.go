package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/xaenox/relay-bot/internal/models"
	"go.uber.org/zap"
)

//go:embed migrations.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	UseInMemory bool
}

type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresStore(config DatabaseConfig, logger *zap.Logger) (*PostgresStore, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	store := &PostgresStore{db: db, logger: logger}

	if err := store.initializeSchema(); err != nil {
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}

	if _, err := s.db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}

	return nil
}

const conversationColumns = `id, platform, channel_id, user_id, title, is_active,
	message_count, COALESCE(last_message_at, created_at), created_at, updated_at`

func (s *PostgresStore) GetOrCreateConversation(ctx context.Context, platform models.Platform, channelID, userID, title string) (*models.Conversation, error) {
	conv, err := s.findActiveConversation(ctx, platform, channelID, userID)
	if err == nil {
		return conv, nil
	}
	if err != ErrConversationNotFound {
		return nil, err
	}

	query := `
		INSERT INTO conversations (id, platform, channel_id, user_id, title)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + conversationColumns

	conv = &models.Conversation{}
	err = s.scanConversation(s.db.QueryRowContext(ctx, query, uuid.New().String(), platform, channelID, userID, title), conv)
	if err != nil {
		// A concurrent first contact may have won the partial unique index
		// race; re-read the winner instead of failing the job.
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return s.findActiveConversation(ctx, platform, channelID, userID)
		}
		return nil, fmt.Errorf("error creating conversation: %w", err)
	}

	return conv, nil
}

func (s *PostgresStore) findActiveConversation(ctx context.Context, platform models.Platform, channelID, userID string) (*models.Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE platform = $1 AND channel_id = $2 AND user_id = $3 AND is_active
		ORDER BY updated_at DESC
		LIMIT 1`

	conv := &models.Conversation{}
	err := s.scanConversation(s.db.QueryRowContext(ctx, query, platform, channelID, userID), conv)
	if err == sql.ErrNoRows {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying conversation: %w", err)
	}
	return conv, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1`

	conv := &models.Conversation{}
	err := s.scanConversation(s.db.QueryRowContext(ctx, query, id), conv)
	if err == sql.ErrNoRows {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying conversation: %w", err)
	}
	return conv, nil
}

func (s *PostgresStore) UpdateConversation(ctx context.Context, id string, patch models.ConversationPatch) error {
	query := `
		UPDATE conversations
		SET title = COALESCE($2, title),
		    is_active = COALESCE($3, is_active),
		    updated_at = NOW()
		WHERE id = $1`

	result, err := s.db.ExecContext(ctx, query, id, patch.Title, patch.IsActive)
	if err != nil {
		return fmt.Errorf("error updating conversation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}
	if rows == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (s *PostgresStore) DeactivateConversation(ctx context.Context, id string) error {
	inactive := false
	return s.UpdateConversation(ctx, id, models.ConversationPatch{IsActive: &inactive})
}

func (s *PostgresStore) AddMessage(ctx context.Context, conversationID string, role models.Role, content string, opts models.MessageOptions) (*models.Message, error) {
	if !role.Valid() {
		return nil, ErrInvalidRole
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	var platformData []byte
	if len(opts.PlatformData) > 0 {
		platformData, err = json.Marshal(opts.PlatformData)
		if err != nil {
			return nil, fmt.Errorf("error encoding platform data: %w", err)
		}
	}

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
	}

	query := `
		INSERT INTO messages (id, conversation_id, role, content, platform_message_id,
			platform_data, token_count, ai_provider, ai_model, ai_cost)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, NULLIF($7, 0), NULLIF($8, ''), NULLIF($9, ''), $10)
		RETURNING created_at, updated_at`

	err = tx.QueryRowContext(ctx, query,
		msg.ID, conversationID, role, content, opts.PlatformMessageID,
		platformData, opts.TokenCount, opts.AIProvider, opts.AIModel, opts.AICost,
	).Scan(&msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23503" {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("error creating message: %w", err)
	}

	update := `
		UPDATE conversations
		SET message_count = message_count + 1,
		    last_message_at = $2,
		    updated_at = NOW()
		WHERE id = $1`

	if _, err := tx.ExecContext(ctx, update, conversationID, msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("error updating conversation counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("error committing message: %w", err)
	}

	return msg, nil
}

func (s *PostgresStore) GetConversationHistory(ctx context.Context, conversationID string, maxTokens int) ([]*models.Message, error) {
	query := `
		SELECT id, conversation_id, role, content,
			COALESCE(platform_message_id, ''), platform_data,
			COALESCE(token_count, 0), COALESCE(ai_provider, ''),
			COALESCE(ai_model, ''), COALESCE(ai_cost, 0),
			created_at, updated_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("error querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return windowByTokens(messages, maxTokens), nil
}

func (s *PostgresStore) FindConversationByPlatformMessage(ctx context.Context, platformMessageID string) (*models.Conversation, *models.Message, error) {
	query := `
		SELECT id, conversation_id, role, content,
			COALESCE(platform_message_id, ''), platform_data,
			COALESCE(token_count, 0), COALESCE(ai_provider, ''),
			COALESCE(ai_model, ''), COALESCE(ai_cost, 0),
			created_at, updated_at
		FROM messages
		WHERE platform_message_id = $1
		ORDER BY created_at ASC
		LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, platformMessageID)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("error querying message by platform id: %w", err)
	}

	conv, err := s.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return nil, nil, err
	}
	return conv, msg, nil
}

func (s *PostgresStore) CleanupOldMessages(ctx context.Context, conversationID string, keepCount int) (int, error) {
	if keepCount < 0 {
		keepCount = 0
	}

	query := `
		DELETE FROM messages
		WHERE conversation_id = $1
		AND id NOT IN (
			SELECT id FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		)`

	result, err := s.db.ExecContext(ctx, query, conversationID, keepCount)
	if err != nil {
		return 0, fmt.Errorf("error cleaning up messages: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("error getting rows affected: %w", err)
	}

	if removed > 0 {
		update := `
			UPDATE conversations
			SET message_count = (SELECT COUNT(*) FROM messages WHERE conversation_id = $1),
			    updated_at = NOW()
			WHERE id = $1`
		if _, err := s.db.ExecContext(ctx, update, conversationID); err != nil {
			return int(removed), fmt.Errorf("error updating message count: %w", err)
		}
	}

	return int(removed), nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) scanConversation(row rowScanner, conv *models.Conversation) error {
	return row.Scan(
		&conv.ID,
		&conv.Platform,
		&conv.ChannelID,
		&conv.UserID,
		&conv.Title,
		&conv.IsActive,
		&conv.MessageCount,
		&conv.LastMessageAt,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
}

func scanMessage(row rowScanner) (*models.Message, error) {
	msg := &models.Message{}
	var platformData []byte
	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.Role,
		&msg.Content,
		&msg.PlatformMessageID,
		&platformData,
		&msg.TokenCount,
		&msg.AIProvider,
		&msg.AIModel,
		&msg.AICost,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(platformData) > 0 {
		if err := json.Unmarshal(platformData, &msg.PlatformData); err != nil {
			return nil, fmt.Errorf("error decoding platform data: %w", err)
		}
	}
	return msg, nil
}
