package engine

import (
	"context"
	"io"
	"sync"
)

// Scripted is an in-memory Engine that replays a fixed message sequence.
// Used in tests and for local development without provider credentials.
type Scripted struct {
	mu      sync.Mutex
	scripts [][]Message
	calls   int
}

// NewScripted returns an engine whose nth Run replays the nth script.
// Once scripts are exhausted, the last one repeats.
func NewScripted(scripts ...[]Message) *Scripted {
	return &Scripted{scripts: scripts}
}

func (e *Scripted) Run(ctx context.Context, in RunInput) (Stream, error) {
	e.mu.Lock()
	idx := e.calls
	if idx >= len(e.scripts) {
		idx = len(e.scripts) - 1
	}
	e.calls++
	var script []Message
	if idx >= 0 {
		script = e.scripts[idx]
	}
	e.mu.Unlock()

	cctx, cancel := context.WithCancel(ctx)
	return &scriptedStream{ctx: cctx, cancel: cancel, messages: script}, nil
}

// Calls reports how many runs have been started.
func (e *Scripted) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type scriptedStream struct {
	ctx      context.Context
	cancel   context.CancelFunc
	messages []Message
	pos      int
}

func (s *scriptedStream) Recv() (Message, error) {
	if err := s.ctx.Err(); err != nil {
		return Message{}, err
	}
	if s.pos >= len(s.messages) {
		return Message{}, io.EOF
	}
	msg := s.messages[s.pos]
	s.pos++
	return msg, nil
}

func (s *scriptedStream) Close() error {
	s.cancel()
	return nil
}
