package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/parleyhq/parley/internal/model"
)

type conversationStore struct {
	db DBTX
}

func newConversationStore(db DBTX) ConversationStore {
	return &conversationStore{db: db}
}

const conversationColumns = `
	id, session_id, is_processing, executor_status, executor_updated_at,
	sandbox_ref, agent_session_id, runner_token, last_sequence_num,
	stream_token, persist_token, created_at, updated_at`

func (s *conversationStore) GetByID(ctx context.Context, id int64) (*model.Conversation, error) {
	row := s.db.QueryRow(ctx, `SELECT`+conversationColumns+` FROM conversations WHERE id = $1`, id)
	return scanConversation(row)
}

func (s *conversationStore) GetForUpdate(ctx context.Context, id int64) (*model.Conversation, error) {
	row := s.db.QueryRow(ctx, `SELECT`+conversationColumns+` FROM conversations WHERE id = $1 FOR UPDATE`, id)
	return scanConversation(row)
}

func (s *conversationStore) Create(ctx context.Context, conv *model.Conversation) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO conversations (id, session_id, is_processing, last_sequence_num)
		VALUES ($1, $2, FALSE, 0)`,
		conv.ID, conv.SessionID,
	)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

func (s *conversationStore) AcquireSpawnLock(ctx context.Context, id int64, staleAfter time.Duration) (bool, error) {
	cutoff := time.Now().Add(-staleAfter)
	tag, err := s.db.Exec(ctx, `
		UPDATE conversations
		SET executor_status = $2, executor_updated_at = now(), updated_at = now()
		WHERE id = $1
		  AND (executor_status IS NULL OR executor_updated_at < $3)`,
		id, string(model.ExecutorStatusSpawning), cutoff,
	)
	if err != nil {
		return false, fmt.Errorf("acquiring spawn lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *conversationStore) ReleaseSpawnLock(ctx context.Context, id int64, sandboxRef, runnerToken *string) error {
	// A released lock always follows a fresh spawn (or a failed one), so any
	// model-session id minted inside the previous sandbox is unusable.
	_, err := s.db.Exec(ctx, `
		UPDATE conversations
		SET executor_status = NULL, executor_updated_at = NULL,
		    sandbox_ref = $2, runner_token = $3, agent_session_id = NULL,
		    updated_at = now()
		WHERE id = $1`,
		id, sandboxRef, runnerToken,
	)
	if err != nil {
		return fmt.Errorf("releasing spawn lock: %w", err)
	}
	return nil
}

func (s *conversationStore) ClearSession(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE conversations
		SET executor_status = NULL, executor_updated_at = NULL,
		    sandbox_ref = NULL, runner_token = NULL, agent_session_id = NULL,
		    updated_at = now()
		WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("clearing session refs: %w", err)
	}
	return nil
}

func (s *conversationStore) SetAgentSessionID(ctx context.Context, id int64, agentSessionID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE conversations SET agent_session_id = $2, updated_at = now() WHERE id = $1`,
		id, agentSessionID,
	)
	if err != nil {
		return fmt.Errorf("storing agent session id: %w", err)
	}
	return nil
}

func (s *conversationStore) SetProcessing(ctx context.Context, id int64, processing bool) error {
	_, err := s.db.Exec(ctx, `
		UPDATE conversations SET is_processing = $2, updated_at = now() WHERE id = $1`,
		id, processing,
	)
	if err != nil {
		return fmt.Errorf("setting processing flag: %w", err)
	}
	return nil
}

func (s *conversationStore) RotateTokens(ctx context.Context, id int64, streamToken, persistToken string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE conversations SET stream_token = $2, persist_token = $3, updated_at = now() WHERE id = $1`,
		id, streamToken, persistToken,
	)
	if err != nil {
		return fmt.Errorf("rotating turn tokens: %w", err)
	}
	return nil
}

func (s *conversationStore) InvalidateTokens(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE conversations SET stream_token = NULL, persist_token = NULL, updated_at = now() WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("invalidating turn tokens: %w", err)
	}
	return nil
}

func (s *conversationStore) AdvanceWatermark(ctx context.Context, id int64, seq int64) error {
	// The watermark never decreases; GREATEST guards against a late writer.
	_, err := s.db.Exec(ctx, `
		UPDATE conversations
		SET last_sequence_num = GREATEST(last_sequence_num, $2), updated_at = now()
		WHERE id = $1`,
		id, seq,
	)
	if err != nil {
		return fmt.Errorf("advancing watermark: %w", err)
	}
	return nil
}

func scanConversation(row pgx.Row) (*model.Conversation, error) {
	var (
		conv           model.Conversation
		executorStatus *string
	)
	err := row.Scan(
		&conv.ID, &conv.SessionID, &conv.IsProcessing, &executorStatus,
		&conv.ExecutorUpdatedAt, &conv.SandboxRef, &conv.AgentSessionID,
		&conv.RunnerToken, &conv.LastSequenceNum, &conv.StreamToken,
		&conv.PersistToken, &conv.CreatedAt, &conv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if executorStatus != nil {
		status := model.ExecutorStatus(*executorStatus)
		conv.ExecutorStatus = &status
	}
	return &conv, nil
}
