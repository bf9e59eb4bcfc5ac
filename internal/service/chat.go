package service

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/pixeljobs/internal/errs"
)

const maxChatMessage = 4000

// ChatService relays a user's message to the language model.
type ChatService interface {
	Chat(ctx context.Context, userID uuid.UUID, message string) (string, error)
}

// Chatter is the model client, satisfied by *llm.Client.
type Chatter interface {
	Chat(ctx context.Context, message string) (string, error)
	Configured() bool
}

type ChatServiceImpl struct {
	model Chatter
}

// NewChatService constructs ChatService; model may be nil when chat is disabled.
func NewChatService(model Chatter) *ChatServiceImpl { return &ChatServiceImpl{model: model} }

// Chat validates the message and forwards it.
func (s *ChatServiceImpl) Chat(ctx context.Context, userID uuid.UUID, message string) (string, error) {
	message = strings.TrimSpace(message)
	switch {
	case userID == uuid.Nil:
		return "", fmt.Errorf("empty user id: %w", errs.ErrValidation)
	case message == "":
		return "", fmt.Errorf("empty message: %w", errs.ErrValidation)
	case utf8.RuneCountInString(message) > maxChatMessage:
		return "", fmt.Errorf("message longer than %d characters: %w", maxChatMessage, errs.ErrValidation)
	case s.model == nil || !s.model.Configured():
		return "", fmt.Errorf("chat model: %w", errs.ErrNotConfigured)
	}
	reply, err := s.model.Chat(ctx, message)
	if err != nil {
		return "", fmt.Errorf("chat: %w", err)
	}
	return reply, nil
}
