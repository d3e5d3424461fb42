package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/common/id"
	"github.com/parleyhq/parley/common/logger"
	"github.com/parleyhq/parley/internal/event"
	"github.com/parleyhq/parley/internal/model"
	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/internal/store"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrTurnInProgress means a turn is already executing; the caller should
	// retry once the current turn completes.
	ErrTurnInProgress = errors.New("turn already in progress")
)

type TurnStartParams struct {
	ConversationID int64
	Message        string
}

type TurnStartResult struct {
	// StreamURL is the live SSE endpoint for this turn.
	StreamURL   string
	StreamToken string
	// Watermark includes the just-persisted user message; the client polls
	// with it after a dead live connection.
	Watermark int64
}

type TurnService interface {
	Start(ctx context.Context, params TurnStartParams) (*TurnStartResult, error)
}

// EventMirror mirrors persisted events to the fallback live channel.
// Mirroring is best-effort: a mirror failure never fails the operation.
type EventMirror interface {
	Publish(ctx context.Context, conversationID int64, events []model.ChatEvent) error
}

type turnService struct {
	stores   StoreProvider
	txRunner TxRunner
	sessions *session.Manager
	runner   RunnerClient
	mirror   EventMirror
	logger   *slog.Logger
}

func NewTurnService(stores StoreProvider, txRunner TxRunner, sessions *session.Manager, runner RunnerClient, mirror EventMirror, logger *slog.Logger) TurnService {
	if logger == nil {
		logger = slog.Default()
	}
	return &turnService{
		stores:   stores,
		txRunner: txRunner,
		sessions: sessions,
		runner:   runner,
		mirror:   mirror,
		logger:   logger,
	}
}

// Start begins a turn: it persists the user message, rotates the per-turn
// tokens, marks the conversation processing, acquires a session and submits
// the message to the runner.
func (s *turnService) Start(ctx context.Context, params TurnStartParams) (*TurnStartResult, error) {
	if params.Message == "" {
		return nil, fmt.Errorf("message is required")
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		ConversationID: &params.ConversationID,
		Component:      "parley.service.turn",
	})

	streamToken := uuid.NewString()
	persistToken := uuid.NewString()

	var (
		conv    *model.Conversation
		userRow model.ChatEvent
	)
	err := s.txRunner.WithTx(ctx, func(stores StoreProvider) error {
		c, err := stores.Conversations().GetForUpdate(ctx, params.ConversationID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrConversationNotFound
			}
			return fmt.Errorf("loading conversation: %w", err)
		}
		if c.IsProcessing {
			return ErrTurnInProgress
		}

		data, err := json.Marshal(event.UserMessageData{Text: params.Message})
		if err != nil {
			return fmt.Errorf("encoding user message: %w", err)
		}
		seq := c.LastSequenceNum + 1
		userRow = model.ChatEvent{
			ID:             id.New(),
			ConversationID: c.ID,
			SequenceNum:    seq,
			Type:           event.TypeUserMessage,
			Data:           data,
		}
		if err := stores.Events().Insert(ctx, []model.ChatEvent{userRow}); err != nil {
			return fmt.Errorf("persisting user message: %w", err)
		}
		if err := stores.Conversations().AdvanceWatermark(ctx, c.ID, seq); err != nil {
			return err
		}
		if err := stores.Conversations().RotateTokens(ctx, c.ID, streamToken, persistToken); err != nil {
			return err
		}
		if err := stores.Conversations().SetProcessing(ctx, c.ID, true); err != nil {
			return err
		}

		c.LastSequenceNum = seq
		c.StreamToken = &streamToken
		c.PersistToken = &persistToken
		conv = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.mirror != nil {
		if err := s.mirror.Publish(ctx, conv.ID, []model.ChatEvent{userRow}); err != nil {
			slog.WarnContext(ctx, "failed to mirror user message", "error", err)
		}
	}

	acquired, err := s.sessions.Acquire(ctx, conv)
	if err != nil {
		s.abortTurn(ctx, conv.ID)
		return nil, fmt.Errorf("acquiring session: %w", err)
	}

	msg := RunnerMessage{
		Message:         params.Message,
		StreamToken:     streamToken,
		PersistToken:    persistToken,
		ResumeSessionID: acquired.ResumeSessionID,
		Watermark:       conv.LastSequenceNum,
	}
	if err := s.runner.SubmitMessage(ctx, acquired.Session.RunnerURL, acquired.RunnerToken, msg); err != nil {
		s.abortTurn(ctx, conv.ID)
		return nil, fmt.Errorf("submitting message to runner: %w", err)
	}

	slog.InfoContext(ctx, "turn started",
		"sandbox_reused", acquired.Reused,
		"resuming", acquired.ResumeSessionID != "",
		"watermark", conv.LastSequenceNum)

	return &TurnStartResult{
		StreamURL:   acquired.Session.RunnerURL + "/stream",
		StreamToken: streamToken,
		Watermark:   conv.LastSequenceNum,
	}, nil
}

// abortTurn unwinds the processing flag and tokens after a failed start. The
// user message stays in the log: it happened.
func (s *turnService) abortTurn(ctx context.Context, conversationID int64) {
	if err := s.stores.Conversations().SetProcessing(ctx, conversationID, false); err != nil {
		slog.ErrorContext(ctx, "failed to clear processing flag after failed start", "error", err)
	}
	if err := s.stores.Conversations().InvalidateTokens(ctx, conversationID); err != nil {
		slog.ErrorContext(ctx, "failed to invalidate tokens after failed start", "error", err)
	}
}
