// Package storetest provides in-memory store implementations with the same
// conditional-update semantics as the postgres layer, for use in suites that
// exercise coordination logic without a database.
package storetest

import (
	"context"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/model"
	"github.com/parleyhq/parley/internal/store"
)

// MemConversationStore implements store.ConversationStore over a mutex. The
// spawn lock keeps its compare-and-set behavior so races are observable.
type MemConversationStore struct {
	mu    sync.Mutex
	convs map[int64]*model.Conversation
}

func NewMemConversationStore() *MemConversationStore {
	return &MemConversationStore{convs: make(map[int64]*model.Conversation)}
}

func (s *MemConversationStore) GetByID(_ context.Context, id int64) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *conv
	return &clone, nil
}

func (s *MemConversationStore) GetForUpdate(ctx context.Context, id int64) (*model.Conversation, error) {
	return s.GetByID(ctx, id)
}

func (s *MemConversationStore) Create(_ context.Context, conv *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *conv
	now := time.Now()
	clone.CreatedAt = now
	clone.UpdatedAt = now
	s.convs[conv.ID] = &clone
	return nil
}

func (s *MemConversationStore) AcquireSpawnLock(_ context.Context, id int64, staleAfter time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return false, nil
	}
	now := time.Now()
	if conv.ExecutorStatus != nil {
		if conv.ExecutorUpdatedAt == nil || now.Sub(*conv.ExecutorUpdatedAt) <= staleAfter {
			return false, nil
		}
	}
	status := model.ExecutorStatusSpawning
	conv.ExecutorStatus = &status
	conv.ExecutorUpdatedAt = &now
	conv.UpdatedAt = now
	return true, nil
}

func (s *MemConversationStore) ReleaseSpawnLock(_ context.Context, id int64, sandboxRef, runnerToken *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return store.ErrNotFound
	}
	conv.ExecutorStatus = nil
	conv.ExecutorUpdatedAt = nil
	conv.SandboxRef = sandboxRef
	conv.RunnerToken = runnerToken
	conv.AgentSessionID = nil
	conv.UpdatedAt = time.Now()
	return nil
}

func (s *MemConversationStore) ClearSession(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return store.ErrNotFound
	}
	conv.ExecutorStatus = nil
	conv.ExecutorUpdatedAt = nil
	conv.SandboxRef = nil
	conv.RunnerToken = nil
	conv.AgentSessionID = nil
	conv.UpdatedAt = time.Now()
	return nil
}

func (s *MemConversationStore) SetAgentSessionID(_ context.Context, id int64, agentSessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return store.ErrNotFound
	}
	conv.AgentSessionID = &agentSessionID
	conv.UpdatedAt = time.Now()
	return nil
}

func (s *MemConversationStore) SetProcessing(_ context.Context, id int64, processing bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return store.ErrNotFound
	}
	conv.IsProcessing = processing
	conv.UpdatedAt = time.Now()
	return nil
}

func (s *MemConversationStore) RotateTokens(_ context.Context, id int64, streamToken, persistToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return store.ErrNotFound
	}
	conv.StreamToken = &streamToken
	conv.PersistToken = &persistToken
	conv.UpdatedAt = time.Now()
	return nil
}

func (s *MemConversationStore) InvalidateTokens(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return store.ErrNotFound
	}
	conv.StreamToken = nil
	conv.PersistToken = nil
	conv.UpdatedAt = time.Now()
	return nil
}

func (s *MemConversationStore) AdvanceWatermark(_ context.Context, id int64, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return store.ErrNotFound
	}
	if seq > conv.LastSequenceNum {
		conv.LastSequenceNum = seq
	}
	conv.UpdatedAt = time.Now()
	return nil
}

// MemEventStore implements store.EventStore in memory, enforcing the unique
// (conversation, sequence) constraint the schema carries.
type MemEventStore struct {
	mu     sync.Mutex
	events map[int64][]model.ChatEvent
}

func NewMemEventStore() *MemEventStore {
	return &MemEventStore{events: make(map[int64][]model.ChatEvent)}
}

func (s *MemEventStore) Insert(_ context.Context, events []model.ChatEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		for _, existing := range s.events[ev.ConversationID] {
			if existing.SequenceNum == ev.SequenceNum {
				return store.ErrDuplicateSequence
			}
		}
		s.events[ev.ConversationID] = append(s.events[ev.ConversationID], ev)
	}
	return nil
}

func (s *MemEventStore) ListAfter(_ context.Context, conversationID, afterSeq int64, limit int32) ([]model.ChatEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ChatEvent
	for _, ev := range s.events[conversationID] {
		if ev.SequenceNum > afterSeq {
			out = append(out, ev)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].SequenceNum > out[j].SequenceNum; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	if limit > 0 && int32(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}
