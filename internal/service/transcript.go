package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/parleyhq/parley/internal/model"
	"github.com/parleyhq/parley/internal/store"
)

const defaultPageSize = 500

type TranscriptPage struct {
	Events []model.ChatEvent
	// Watermark is the highest persisted sequence number; when it equals the
	// last event's sequence the page is complete.
	Watermark int64
	// IsProcessing lets a recovering client distinguish "turn still running,
	// keep polling" from "turn finished, transcript is final".
	IsProcessing bool
}

type TranscriptService interface {
	// Events returns persisted events with sequence numbers strictly greater
	// than afterSeq, in order.
	Events(ctx context.Context, conversationID, afterSeq int64, limit int32) (*TranscriptPage, error)
}

type transcriptService struct {
	stores StoreProvider
}

func NewTranscriptService(stores StoreProvider) TranscriptService {
	return &transcriptService{stores: stores}
}

func (s *transcriptService) Events(ctx context.Context, conversationID, afterSeq int64, limit int32) (*TranscriptPage, error) {
	if limit <= 0 || limit > defaultPageSize {
		limit = defaultPageSize
	}

	conv, err := s.stores.Conversations().GetByID(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("loading conversation: %w", err)
	}

	events, err := s.stores.Events().ListAfter(ctx, conversationID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}

	return &TranscriptPage{
		Events:       events,
		Watermark:    conv.LastSequenceNum,
		IsProcessing: conv.IsProcessing,
	}, nil
}
