// Package session maps conversations to remote compute sessions. A
// conversation owns at most one live sandbox at a time; creation is
// serialized across racing control-plane requests by a conditional update on
// the conversation row.
package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSessionNotFound means the referenced sandbox no longer exists
	// (expired, evicted, or stopped).
	ErrSessionNotFound = errors.New("session not found")

	// ErrWaitTimeout means a request that lost the spawn race gave up
	// waiting for the winner to publish a session reference.
	ErrWaitTimeout = errors.New("timed out waiting for session")
)

// Session is a live remote compute session hosting the runner.
type Session struct {
	ID string

	// RunnerURL is the base URL of the in-sandbox bridge.
	RunnerURL string
}

// CreateOptions parameterizes a sandbox spawn.
type CreateOptions struct {
	Image string
	Env   map[string]string
	// Port the runner listens on inside the sandbox.
	Port string
}

// CommandResult is the outcome of one command run inside a session.
type CommandResult struct {
	ExitCode int
	Output   string
}

// Provider abstracts the sandbox backend.
type Provider interface {
	Create(ctx context.Context, opts CreateOptions) (*Session, error)
	// Get returns ErrSessionNotFound when the session is gone or not running.
	Get(ctx context.Context, id string) (*Session, error)
	Stop(ctx context.Context, id string) error
	// ExtendTimeout pushes the session's idle expiry out. Backends without
	// expiry treat it as a no-op.
	ExtendTimeout(ctx context.Context, id string, d time.Duration) error
	RunCommand(ctx context.Context, id string, cmd []string) (*CommandResult, error)
	// WriteFiles places files into the session filesystem, keyed by absolute
	// path.
	WriteFiles(ctx context.Context, id string, files map[string][]byte) error
}
