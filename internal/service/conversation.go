package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/common/id"
	"github.com/parleyhq/parley/internal/model"
	"github.com/parleyhq/parley/internal/store"
)

type ConversationService interface {
	Create(ctx context.Context) (*model.Conversation, error)
	Get(ctx context.Context, conversationID int64) (*model.Conversation, error)
}

type conversationService struct {
	stores StoreProvider
}

func NewConversationService(stores StoreProvider) ConversationService {
	return &conversationService{stores: stores}
}

func (s *conversationService) Create(ctx context.Context) (*model.Conversation, error) {
	conv := &model.Conversation{
		ID:        id.New(),
		SessionID: uuid.NewString(),
	}
	if err := s.stores.Conversations().Create(ctx, conv); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	return conv, nil
}

func (s *conversationService) Get(ctx context.Context, conversationID int64) (*model.Conversation, error) {
	conv, err := s.stores.Conversations().GetByID(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	return conv, nil
}
