package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/parleyhq/parley/common/id"
	"github.com/parleyhq/parley/common/logger"
	"github.com/parleyhq/parley/internal/eventlog"
	"github.com/parleyhq/parley/internal/model"
	"github.com/parleyhq/parley/internal/store"
)

var (
	// ErrInvalidPersistToken means the bearer token does not match the
	// conversation's current persist token.
	ErrInvalidPersistToken = errors.New("invalid persist token")

	// ErrConversationMismatch means the batch names a different conversation
	// than the URL it was submitted to.
	ErrConversationMismatch = errors.New("conversation id mismatch")
)

type PersistParams struct {
	ConversationID int64
	Token          string
	Batch          eventlog.Batch
}

type PersistResult struct {
	// Applied counts events actually inserted; resubmissions of already
	// persisted sequence numbers are filtered, so a duplicate batch yields 0.
	Applied   int
	Watermark int64
}

type PersistService interface {
	Apply(ctx context.Context, params PersistParams) (*PersistResult, error)
}

type persistService struct {
	txRunner TxRunner
	mirror   EventMirror
	logger   *slog.Logger
}

func NewPersistService(txRunner TxRunner, mirror EventMirror, logger *slog.Logger) PersistService {
	if logger == nil {
		logger = slog.Default()
	}
	return &persistService{txRunner: txRunner, mirror: mirror, logger: logger}
}

// Apply appends a runner batch to the event log. Events at or below the
// stored watermark are dropped, which makes resubmission after a lost
// response safe: replaying the same batch applies nothing.
func (s *persistService) Apply(ctx context.Context, params PersistParams) (*PersistResult, error) {
	if params.Batch.ConversationID != params.ConversationID {
		return nil, ErrConversationMismatch
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		ConversationID: &params.ConversationID,
		Component:      "parley.service.persist",
	})

	var (
		result  PersistResult
		applied []model.ChatEvent
	)
	err := s.txRunner.WithTx(ctx, func(stores StoreProvider) error {
		conv, err := stores.Conversations().GetForUpdate(ctx, params.ConversationID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrConversationNotFound
			}
			return fmt.Errorf("loading conversation: %w", err)
		}
		if conv.PersistToken == nil || *conv.PersistToken != params.Token {
			return ErrInvalidPersistToken
		}

		applied = applied[:0]
		maxSeq := conv.LastSequenceNum
		for _, ev := range params.Batch.Events {
			if ev.Seq <= conv.LastSequenceNum {
				continue // already persisted; idempotent replay
			}
			applied = append(applied, model.ChatEvent{
				ID:             id.New(),
				ConversationID: conv.ID,
				SequenceNum:    ev.Seq,
				Type:           ev.Type,
				Data:           ev.Data,
			})
			if ev.Seq > maxSeq {
				maxSeq = ev.Seq
			}
		}

		if len(applied) > 0 {
			if err := stores.Events().Insert(ctx, applied); err != nil {
				return fmt.Errorf("appending events: %w", err)
			}
			if err := stores.Conversations().AdvanceWatermark(ctx, conv.ID, maxSeq); err != nil {
				return err
			}
		}

		if params.Batch.AgentSessionID != "" &&
			(conv.AgentSessionID == nil || *conv.AgentSessionID != params.Batch.AgentSessionID) {
			if err := stores.Conversations().SetAgentSessionID(ctx, conv.ID, params.Batch.AgentSessionID); err != nil {
				return err
			}
		}

		if params.Batch.TurnComplete {
			if err := stores.Conversations().SetProcessing(ctx, conv.ID, false); err != nil {
				return err
			}
			if err := stores.Conversations().InvalidateTokens(ctx, conv.ID); err != nil {
				return err
			}
		}

		// isComplete means the runner process is exiting; its sandbox will not
		// serve another turn, so drop the references now rather than waiting
		// for the next spawn to discover a dead container.
		if params.Batch.IsComplete {
			if err := stores.Conversations().ClearSession(ctx, conv.ID); err != nil {
				return err
			}
		}

		result = PersistResult{Applied: len(applied), Watermark: maxSeq}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.mirror != nil && len(applied) > 0 {
		if err := s.mirror.Publish(ctx, params.ConversationID, applied); err != nil {
			slog.WarnContext(ctx, "failed to mirror persisted events", "error", err)
		}
	}

	if result.Applied < len(params.Batch.Events) {
		slog.InfoContext(ctx, "filtered already-persisted events",
			"submitted", len(params.Batch.Events),
			"applied", result.Applied,
			"watermark", result.Watermark)
	}
	return &result, nil
}
