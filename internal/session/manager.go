package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/common/logger"
	"github.com/parleyhq/parley/core/config"
	"github.com/parleyhq/parley/internal/model"
	"github.com/parleyhq/parley/internal/store"
)

// Acquired is the outcome of Manager.Acquire.
type Acquired struct {
	Session *Session

	// Reused reports whether the conversation's existing sandbox answered.
	// Only then may a stored model-session id be resumed: a recreated
	// sandbox cannot resume a session minted inside a different one.
	Reused bool

	// ResumeSessionID is the model-session id to pass to the engine, empty
	// when the turn must start a fresh session.
	ResumeSessionID string

	// RunnerToken is the sandbox-scoped bearer for bridge calls. Minted when
	// the sandbox is spawned and seeded into its environment, so the runner
	// can authenticate control-plane requests even between turns.
	RunnerToken string
}

// Manager maps a conversation to exactly one live session, serializing spawns
// through the conversation row's spawn lock.
type Manager struct {
	provider        Provider
	conversations   store.ConversationStore
	cfg             config.SandboxConfig
	controlPlaneURL string

	// BootstrapSteps run in order inside a cold sandbox. Any non-zero exit
	// aborts the spawn.
	BootstrapSteps [][]string
}

func NewManager(provider Provider, conversations store.ConversationStore, cfg config.SandboxConfig, controlPlaneURL string) *Manager {
	return &Manager{
		provider:        provider,
		conversations:   conversations,
		cfg:             cfg,
		controlPlaneURL: controlPlaneURL,
		BootstrapSteps: [][]string{
			{"mkdir", "-p", "/var/lib/parley"},
			{"/usr/local/bin/parley-runner", "--version"},
		},
	}
}

// Acquire returns a live session for the conversation, reconnecting to an
// existing one when possible and otherwise racing for the right to spawn.
// Losers of that race wait for the winner's session reference to appear.
func (m *Manager) Acquire(ctx context.Context, conv *model.Conversation) (*Acquired, error) {
	if conv.SandboxRef != nil {
		sess, err := m.provider.Get(ctx, *conv.SandboxRef)
		if err == nil {
			if err := m.provider.ExtendTimeout(ctx, sess.ID, m.cfg.SessionTimeout); err != nil {
				slog.WarnContext(ctx, "failed to extend session timeout", "error", err)
			}
			return &Acquired{
				Session:         sess,
				Reused:          true,
				ResumeSessionID: derefStr(conv.AgentSessionID),
				RunnerToken:     derefStr(conv.RunnerToken),
			}, nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return nil, fmt.Errorf("reconnecting to session: %w", err)
		}
		slog.InfoContext(logger.WithLogFields(ctx, logger.LogFields{ConversationID: &conv.ID}),
			"stored session is gone, spawning a fresh one")
	}

	deadline := time.Now().Add(m.cfg.WaitTimeout)
	for {
		won, err := m.conversations.AcquireSpawnLock(ctx, conv.ID, m.cfg.SpawnStaleAfter)
		if err != nil {
			return nil, err
		}
		if won {
			return m.spawn(ctx, conv)
		}

		attached, acquired, err := m.waitForWinner(ctx, conv.ID, deadline)
		if err != nil {
			return nil, err
		}
		if attached != nil {
			return attached, nil
		}
		if !acquired {
			return nil, ErrWaitTimeout
		}
		// The winner failed and cleaned up; take another swing at the lock.
	}
}

// waitForWinner polls the conversation row until the spawn winner publishes a
// session reference, fails and clears the lock, or the deadline passes.
func (m *Manager) waitForWinner(ctx context.Context, conversationID int64, deadline time.Time) (*Acquired, bool, error) {
	ticker := time.NewTicker(m.cfg.WaitPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			return nil, false, ErrWaitTimeout
		}

		conv, err := m.conversations.GetByID(ctx, conversationID)
		if err != nil {
			return nil, false, err
		}
		if conv.ExecutorStatus != nil {
			continue // still spawning
		}
		if conv.SandboxRef == nil {
			// Lock cleared with no session: the winner's spawn failed.
			return nil, true, nil
		}
		sess, err := m.provider.Get(ctx, *conv.SandboxRef)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				return nil, true, nil
			}
			return nil, false, err
		}
		return &Acquired{
			Session:         sess,
			Reused:          true,
			ResumeSessionID: derefStr(conv.AgentSessionID),
			RunnerToken:     derefStr(conv.RunnerToken),
		}, false, nil
	}
}

func (m *Manager) spawn(ctx context.Context, conv *model.Conversation) (*Acquired, error) {
	runnerToken := uuid.NewString()
	sess, err := m.create(ctx, conv, runnerToken)
	if err != nil {
		// Clear both the reference and the lock so the next attempt starts
		// clean.
		if clearErr := m.conversations.ClearSession(ctx, conv.ID); clearErr != nil {
			slog.ErrorContext(ctx, "failed to clear session refs after spawn failure", "error", clearErr)
		}
		return nil, fmt.Errorf("spawning session: %w", err)
	}

	if err := m.conversations.ReleaseSpawnLock(ctx, conv.ID, &sess.ID, &runnerToken); err != nil {
		if stopErr := m.provider.Stop(ctx, sess.ID); stopErr != nil {
			slog.WarnContext(ctx, "failed to stop orphaned session", "error", stopErr)
		}
		return nil, fmt.Errorf("publishing session reference: %w", err)
	}
	return &Acquired{Session: sess, Reused: false, RunnerToken: runnerToken}, nil
}

func (m *Manager) create(ctx context.Context, conv *model.Conversation, runnerToken string) (*Session, error) {
	env := map[string]string{
		"SERVICE_TYPE":             "runner",
		"PARLEY_CONTROL_PLANE_URL": m.controlPlaneURL,
		"PARLEY_CONVERSATION_ID":   strconv.FormatInt(conv.ID, 10),
		"PARLEY_RUNNER_TOKEN":      runnerToken,
		"RUNNER_PORT":              m.cfg.RunnerPort,
	}
	// The row carries freshly rotated per-turn tokens at spawn time; they
	// seed the runner until the first message submission replaces them.
	if conv.StreamToken != nil {
		env["PARLEY_STREAM_TOKEN"] = *conv.StreamToken
	}
	if conv.PersistToken != nil {
		env["PARLEY_PERSIST_TOKEN"] = *conv.PersistToken
	}

	if m.cfg.SnapshotImage != "" {
		sess, err := m.provider.Create(ctx, CreateOptions{
			Image: m.cfg.SnapshotImage,
			Env:   env,
			Port:  m.cfg.RunnerPort,
		})
		if err == nil {
			return sess, nil
		}
		// Snapshot restore degrades to a cold bootstrap.
		slog.WarnContext(ctx, "snapshot restore failed, falling back to cold bootstrap",
			"image", m.cfg.SnapshotImage, "error", err)
	}

	sess, err := m.provider.Create(ctx, CreateOptions{
		Image: m.cfg.Image,
		Env:   env,
		Port:  m.cfg.RunnerPort,
	})
	if err != nil {
		return nil, err
	}

	if err := m.bootstrap(ctx, sess); err != nil {
		if stopErr := m.provider.Stop(ctx, sess.ID); stopErr != nil {
			slog.WarnContext(ctx, "failed to stop session after bootstrap failure", "error", stopErr)
		}
		return nil, err
	}
	return sess, nil
}

func (m *Manager) bootstrap(ctx context.Context, sess *Session) error {
	for _, step := range m.BootstrapSteps {
		result, err := m.provider.RunCommand(ctx, sess.ID, step)
		if err != nil {
			return fmt.Errorf("bootstrap step %v: %w", step, err)
		}
		if result.ExitCode != 0 {
			return fmt.Errorf("bootstrap step %v exited %d: %s", step, result.ExitCode, logger.Truncate(result.Output, 512))
		}
	}
	return nil
}

// Release is called after a turn-level failure that leaves the sandbox
// unusable; it stops the session and clears the conversation's references.
func (m *Manager) Release(ctx context.Context, conv *model.Conversation) error {
	if conv.SandboxRef != nil {
		if err := m.provider.Stop(ctx, *conv.SandboxRef); err != nil {
			slog.WarnContext(ctx, "failed to stop session during release", "error", err)
		}
	}
	return m.conversations.ClearSession(ctx, conv.ID)
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
