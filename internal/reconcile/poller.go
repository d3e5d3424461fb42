package reconcile

import (
	"context"
	"log/slog"
	"time"
)

// TranscriptSource reads the persisted transcript. afterSeq of zero returns
// the full log, which is what recovery uses so the rebuilt view matches a
// complete replay.
type TranscriptSource interface {
	Transcript(ctx context.Context, afterSeq int64) (PollSnapshot, error)
}

// Poller drives a Machine's timers and, while the machine is recovering,
// polls the transcript until the turn resolves or the machine gives up.
type Poller struct {
	machine *Machine
	source  TranscriptSource
	logger  *slog.Logger
}

func NewPoller(machine *Machine, source TranscriptSource, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{machine: machine, source: source, logger: logger}
}

// Run ticks the machine at the poll interval until ctx is cancelled. Poll
// errors are transient by assumption; the machine's own recovery timeout is
// the attempt cap.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.machine.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.machine.Tick(now)
			if p.machine.State() != StateRecovering {
				continue
			}
			snap, err := p.source.Transcript(ctx, 0)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				p.logger.WarnContext(ctx, "transcript poll failed", "error", err)
				continue
			}
			if err := p.machine.HandlePoll(time.Now(), snap); err != nil {
				p.logger.ErrorContext(ctx, "adopting transcript snapshot failed", "error", err)
			}
		}
	}
}
