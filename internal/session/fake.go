package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeProvider is an in-memory Provider for tests and local development.
type FakeProvider struct {
	mu       sync.Mutex
	nextID   int
	sessions map[string]*Session
	stopped  map[string]bool

	// CreateDelay simulates slow spawns so lock contention is observable.
	CreateDelay time.Duration
	// FailCreates makes Create fail while > 0, decrementing per call.
	FailCreates int

	CreateCalls int
	Commands    [][]string
}

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		sessions: make(map[string]*Session),
		stopped:  make(map[string]bool),
	}
}

func (p *FakeProvider) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	if p.CreateDelay > 0 {
		select {
		case <-time.After(p.CreateDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CreateCalls++
	if p.FailCreates > 0 {
		p.FailCreates--
		return nil, fmt.Errorf("fake spawn failure")
	}
	p.nextID++
	sess := &Session{
		ID:        fmt.Sprintf("fake-%d", p.nextID),
		RunnerURL: fmt.Sprintf("http://fake-%d:8090", p.nextID),
	}
	p.sessions[sess.ID] = sess
	return sess, nil
}

func (p *FakeProvider) Get(ctx context.Context, id string) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[id]
	if !ok || p.stopped[id] {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (p *FakeProvider) Stop(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped[id] = true
	return nil
}

func (p *FakeProvider) ExtendTimeout(ctx context.Context, id string, d time.Duration) error {
	return nil
}

func (p *FakeProvider) RunCommand(ctx context.Context, id string, cmd []string) (*CommandResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sessions[id]; !ok {
		return nil, ErrSessionNotFound
	}
	p.Commands = append(p.Commands, cmd)
	return &CommandResult{ExitCode: 0}, nil
}

func (p *FakeProvider) WriteFiles(ctx context.Context, id string, files map[string][]byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	return nil
}

// Evict drops a session so the next Get fails, simulating expiry.
func (p *FakeProvider) Evict(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, id)
}
