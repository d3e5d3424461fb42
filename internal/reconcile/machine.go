package reconcile

import (
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/event"
)

type State string

const (
	StateIdle       State = "idle"
	StateStreaming  State = "streaming"
	StateRecovering State = "recovering"
)

type Config struct {
	// DeadAfter is how long the live channel may stay silent while streaming
	// before the connection is presumed dead.
	DeadAfter time.Duration
	// HiddenStaleAfter is the backgrounded-tab threshold: returning to the
	// foreground after this long with no recent event forces recovery.
	HiddenStaleAfter time.Duration
	// PollInterval and PollTimeout bound the recovery poller.
	PollInterval time.Duration
	PollTimeout  time.Duration
}

func (c *Config) applyDefaults() {
	if c.DeadAfter <= 0 {
		c.DeadAfter = 45 * time.Second
	}
	if c.HiddenStaleAfter <= 0 {
		c.HiddenStaleAfter = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 2 * time.Minute
	}
}

// PollSnapshot is one read of the persisted transcript. Events carry replay
// ids derived from sequence numbers.
type PollSnapshot struct {
	Events       []event.Semantic
	Watermark    int64
	IsProcessing bool
}

// Machine folds the live channel into segments and arbitrates between the
// live channel and the persisted log. All methods take the current time
// explicitly so the timers are deterministic under test.
//
// Arbitration rule: a live event always wins over a concurrently arriving
// poll snapshot; a snapshot is only adopted while the machine considers the
// live channel dead (state recovering).
type Machine struct {
	mu  sync.Mutex
	cfg Config

	state  State
	folder *Folder
	seen   map[string]struct{}

	lastEventAt  time.Time
	hiddenAt     time.Time
	hidden       bool
	recoveringAt time.Time

	watermark      int64
	recoveryFailed bool
	lastResult     *event.ResultData

	outgoing []string
}

func NewMachine(cfg Config) *Machine {
	cfg.applyDefaults()
	return &Machine{
		cfg:    cfg,
		state:  StateIdle,
		folder: NewFolder(),
		seen:   make(map[string]struct{}),
	}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Segments() []Segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.folder.Segments()
}

func (m *Machine) Watermark() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watermark
}

// RecoveryFailed reports whether the last recovery attempt gave up before
// reaching a terminal event.
func (m *Machine) RecoveryFailed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recoveryFailed
}

// LastResult returns the terminal result of the most recent turn, if any.
func (m *Machine) LastResult() *event.ResultData {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastResult
}

// StartTurn moves idle to streaming and resets per-turn state.
func (m *Machine) StartTurn(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		return
	}
	m.state = StateStreaming
	m.folder.Reset()
	m.seen = make(map[string]struct{})
	m.lastEventAt = now
	m.recoveryFailed = false
	m.lastResult = nil
}

// HandleLive applies one event from the live channel. Replays of an already
// seen transport id are dropped. A live event received while recovering pulls
// the machine back to streaming.
func (m *Machine) HandleLive(now time.Time, ev event.Semantic) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateIdle {
		return nil
	}
	if ev.ID != "" {
		if _, dup := m.seen[ev.ID]; dup {
			return nil
		}
		m.seen[ev.ID] = struct{}{}
	}
	if m.state == StateRecovering {
		m.state = StateStreaming
	}
	m.lastEventAt = now

	if err := m.folder.Apply(ev); err != nil {
		return err
	}
	if ev.Type == event.TypeResult {
		m.finishTurn(ev)
	}
	return nil
}

// HandleStreamClosed reacts to the live connection closing or being preempted
// mid-turn.
func (m *Machine) HandleStreamClosed(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateStreaming {
		m.enterRecovering(now)
	}
}

// Tick advances the timers. Call it periodically while a turn is in flight.
func (m *Machine) Tick(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateStreaming:
		if now.Sub(m.lastEventAt) > m.cfg.DeadAfter {
			m.enterRecovering(now)
		}
	case StateRecovering:
		if now.Sub(m.recoveringAt) > m.cfg.PollTimeout {
			m.recoveryFailed = true
			m.folder.Interrupt("connection_lost")
			m.state = StateIdle
		}
	}
}

// HandleHidden records that the client went to the background.
func (m *Machine) HandleHidden(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hidden = true
	m.hiddenAt = now
}

// HandleVisible reacts to the client returning to the foreground. A stream
// that sat backgrounded past the staleness threshold with nothing arriving is
// not trusted to still be alive.
func (m *Machine) HandleVisible(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hidden {
		return
	}
	m.hidden = false

	if m.state != StateStreaming {
		return
	}
	if now.Sub(m.hiddenAt) > m.cfg.HiddenStaleAfter && now.Sub(m.lastEventAt) > m.cfg.HiddenStaleAfter {
		m.enterRecovering(now)
	}
}

// HandlePoll adopts a transcript snapshot. Snapshots are ignored outside
// recovery so a racing poll can never clobber live progress. The folded view
// is rebuilt from the snapshot rather than merged piecewise, which keeps the
// result identical to a full replay of the log.
func (m *Machine) HandlePoll(now time.Time, snap PollSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateRecovering {
		return nil
	}

	rebuilt := NewFolder()
	var terminal *event.Semantic
	for i, ev := range snap.Events {
		if err := rebuilt.Apply(ev); err != nil {
			return err
		}
		if ev.ID != "" {
			m.seen[ev.ID] = struct{}{}
		}
		if ev.Type == event.TypeResult {
			terminal = &snap.Events[i]
		}
	}
	m.folder = rebuilt
	m.watermark = snap.Watermark
	m.lastEventAt = now

	if !snap.IsProcessing && terminal != nil {
		m.finishTurn(*terminal)
	}
	return nil
}

// Queue holds an outgoing message until the machine is idle.
func (m *Machine) Queue(message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outgoing = append(m.outgoing, message)
}

// NextOutgoing pops the next queued message, but only while idle.
func (m *Machine) NextOutgoing() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle || len(m.outgoing) == 0 {
		return "", false
	}
	msg := m.outgoing[0]
	m.outgoing = m.outgoing[1:]
	return msg, true
}

// Requeue puts a message back at the front of the queue, used when the server
// answers "turn already in progress".
func (m *Machine) Requeue(message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outgoing = append([]string{message}, m.outgoing...)
}

func (m *Machine) enterRecovering(now time.Time) {
	m.state = StateRecovering
	m.recoveringAt = now
}

func (m *Machine) finishTurn(terminal event.Semantic) {
	if data, err := event.DecodeData[event.ResultData](terminal); err == nil {
		m.lastResult = &data
	}
	m.state = StateIdle
}
