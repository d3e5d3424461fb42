// Package queue mirrors persisted chat events into per-conversation redis
// streams. The mirror feeds the control plane's fallback live endpoint; the
// database remains the source of truth, so mirror writes are best-effort.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parleyhq/parley/internal/event"
	"github.com/parleyhq/parley/internal/model"
)

// StreamName is the redis stream carrying one conversation's event mirror.
func StreamName(conversationID int64) string {
	return fmt.Sprintf("chat-events:conv-%d", conversationID)
}

type Mirror struct {
	client *redis.Client
	maxLen int64
	logger *slog.Logger
}

func NewMirror(client *redis.Client, maxLen int64, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	if maxLen <= 0 {
		maxLen = 2000
	}
	return &Mirror{client: client, maxLen: maxLen, logger: logger}
}

// Publish appends persisted events to the conversation's mirror stream,
// trimming it to roughly maxLen entries.
func (m *Mirror) Publish(ctx context.Context, conversationID int64, events []model.ChatEvent) error {
	stream := StreamName(conversationID)
	for _, ev := range events {
		if err := m.client.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			MaxLen: m.maxLen,
			Approx: true,
			Values: map[string]any{
				"seq":  ev.SequenceNum,
				"type": string(ev.Type),
				"data": string(ev.Data),
			},
		}).Err(); err != nil {
			return fmt.Errorf("mirroring event seq %d: %w", ev.SequenceNum, err)
		}
	}
	m.logger.DebugContext(ctx, "mirrored events", "conversation_id", conversationID, "count", len(events))
	return nil
}

// Entry is one mirrored event read back from the stream.
type Entry struct {
	ID   string
	Seq  int64
	Type event.Type
	Data json.RawMessage
}

// Read returns entries after lastID, blocking up to block when the stream is
// caught up. An empty lastID means "only new entries". The returned id is the
// cursor for the next call.
func (m *Mirror) Read(ctx context.Context, conversationID int64, lastID string, block time.Duration, count int64) ([]Entry, string, error) {
	if lastID == "" {
		lastID = "$"
	}
	res, err := m.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{StreamName(conversationID), lastID},
		Block:   block,
		Count:   count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, lastID, nil
		}
		return nil, lastID, fmt.Errorf("reading event mirror: %w", err)
	}

	var entries []Entry
	for _, stream := range res {
		for _, msg := range stream.Messages {
			lastID = msg.ID
			entry, parseErr := parseEntry(msg)
			if parseErr != nil {
				m.logger.ErrorContext(ctx, "skipping malformed mirror entry",
					"raw_message_id", msg.ID,
					"error", parseErr)
				continue
			}
			entries = append(entries, entry)
		}
	}
	return entries, lastID, nil
}

func parseEntry(msg redis.XMessage) (Entry, error) {
	seqStr, ok := msg.Values["seq"]
	if !ok {
		return Entry{}, fmt.Errorf("missing seq")
	}
	seq, err := strconv.ParseInt(fmt.Sprint(seqStr), 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("parsing seq: %w", err)
	}
	evType, ok := msg.Values["type"]
	if !ok {
		return Entry{}, fmt.Errorf("missing type")
	}
	data, ok := msg.Values["data"]
	if !ok {
		return Entry{}, fmt.Errorf("missing data")
	}
	return Entry{
		ID:   msg.ID,
		Seq:  seq,
		Type: event.Type(fmt.Sprint(evType)),
		Data: json.RawMessage(fmt.Sprint(data)),
	}, nil
}
