package platform

import (
	"context"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// TelegramSender sends messages through the Telegram Bot API.
type TelegramSender struct {
	api    *tgbotapi.BotAPI
	logger *zap.Logger
}

func NewTelegramSender(token string, logger *zap.Logger) (*TelegramSender, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram client: %w", err)
	}

	return &TelegramSender{api: api, logger: logger}, nil
}

func (s *TelegramSender) Send(ctx context.Context, channelID, text string) error {
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", channelID, err)
	}

	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := s.api.Send(msg); err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}

	s.logger.Debug("Sent telegram message", zap.Int64("chat_id", chatID))
	return nil
}
