package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/parleyhq/parley/internal/event"
	"github.com/parleyhq/parley/internal/model"
)

type eventStore struct {
	db DBTX
}

func newEventStore(db DBTX) EventStore {
	return &eventStore{db: db}
}

func (s *eventStore) Insert(ctx context.Context, events []model.ChatEvent) error {
	for _, e := range events {
		_, err := s.db.Exec(ctx, `
			INSERT INTO chat_events (id, conversation_id, sequence_num, type, data)
			VALUES ($1, $2, $3, $4, $5)`,
			e.ID, e.ConversationID, e.SequenceNum, string(e.Type), []byte(e.Data),
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return fmt.Errorf("inserting chat event seq %d: %w", e.SequenceNum, ErrDuplicateSequence)
			}
			return fmt.Errorf("inserting chat event seq %d: %w", e.SequenceNum, err)
		}
	}
	return nil
}

func (s *eventStore) ListAfter(ctx context.Context, conversationID, afterSeq int64, limit int32) ([]model.ChatEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, conversation_id, sequence_num, type, data, created_at
		FROM chat_events
		WHERE conversation_id = $1 AND sequence_num > $2
		ORDER BY sequence_num ASC
		LIMIT $3`,
		conversationID, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing chat events: %w", err)
	}
	defer rows.Close()

	var result []model.ChatEvent
	for rows.Next() {
		var (
			e         model.ChatEvent
			eventType string
			data      []byte
		)
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.SequenceNum, &eventType, &data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning chat event: %w", err)
		}
		e.Type = event.Type(eventType)
		e.Data = data
		result = append(result, e)
	}
	return result, rows.Err()
}
