package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/parleyhq/parley/common/id"
	"github.com/parleyhq/parley/common/logger"
	"github.com/parleyhq/parley/internal/event"
	"github.com/parleyhq/parley/internal/model"
	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/internal/store"
)

type StopService interface {
	// Stop interrupts the conversation's active turn. Stopping an idle
	// conversation succeeds with nothing to do.
	Stop(ctx context.Context, conversationID int64) error
}

type stopService struct {
	stores   StoreProvider
	txRunner TxRunner
	provider session.Provider
	runner   RunnerClient
	mirror   EventMirror
	logger   *slog.Logger
}

func NewStopService(stores StoreProvider, txRunner TxRunner, provider session.Provider, runner RunnerClient, mirror EventMirror, logger *slog.Logger) StopService {
	if logger == nil {
		logger = slog.Default()
	}
	return &stopService{
		stores:   stores,
		txRunner: txRunner,
		provider: provider,
		runner:   runner,
		mirror:   mirror,
		logger:   logger,
	}
}

func (s *stopService) Stop(ctx context.Context, conversationID int64) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		ConversationID: &conversationID,
		Component:      "parley.service.stop",
	})

	conv, err := s.stores.Conversations().GetByID(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrConversationNotFound
		}
		return fmt.Errorf("loading conversation: %w", err)
	}
	if !conv.IsProcessing {
		return nil
	}

	// Ask the runner to interrupt; when it answers, its own final flush will
	// deliver the user_stopped result and clear the processing flag.
	if s.stopRunner(ctx, conv) {
		return nil
	}

	// Runner unreachable: close the turn out server-side so the client is
	// not stuck on a processing conversation forever.
	slog.WarnContext(ctx, "runner unreachable, closing turn server-side")
	var synthetic []model.ChatEvent
	err = s.txRunner.WithTx(ctx, func(stores StoreProvider) error {
		c, err := stores.Conversations().GetForUpdate(ctx, conversationID)
		if err != nil {
			return err
		}
		if !c.IsProcessing {
			return nil // the runner beat us to it
		}

		data, err := json.Marshal(event.ResultData{Status: event.ResultStatusUserStopped})
		if err != nil {
			return fmt.Errorf("encoding synthetic result: %w", err)
		}
		seq := c.LastSequenceNum + 1
		synthetic = []model.ChatEvent{{
			ID:             id.New(),
			ConversationID: c.ID,
			SequenceNum:    seq,
			Type:           event.TypeResult,
			Data:           data,
		}}
		if err := stores.Events().Insert(ctx, synthetic); err != nil {
			return fmt.Errorf("appending synthetic result: %w", err)
		}
		if err := stores.Conversations().AdvanceWatermark(ctx, c.ID, seq); err != nil {
			return err
		}
		if err := stores.Conversations().SetProcessing(ctx, c.ID, false); err != nil {
			return err
		}
		return stores.Conversations().InvalidateTokens(ctx, c.ID)
	})
	if err != nil {
		return err
	}

	if s.mirror != nil && len(synthetic) > 0 {
		if err := s.mirror.Publish(ctx, conversationID, synthetic); err != nil {
			slog.WarnContext(ctx, "failed to mirror synthetic result", "error", err)
		}
	}
	return nil
}

// stopRunner reports whether the runner acknowledged the stop.
func (s *stopService) stopRunner(ctx context.Context, conv *model.Conversation) bool {
	if conv.SandboxRef == nil {
		return false
	}
	sess, err := s.provider.Get(ctx, *conv.SandboxRef)
	if err != nil {
		slog.WarnContext(ctx, "could not reach sandbox for stop", "error", err)
		return false
	}
	token := ""
	if conv.RunnerToken != nil {
		token = *conv.RunnerToken
	}
	if err := s.runner.Stop(ctx, sess.RunnerURL, token); err != nil {
		slog.WarnContext(ctx, "runner stop call failed", "error", err)
		return false
	}
	return true
}
