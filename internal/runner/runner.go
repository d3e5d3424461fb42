// Package runner is the in-sandbox agent loop. It consumes the bridge's
// input queue, runs each message through the engine, and pushes every
// translated event to the live subscriber and the durable event buffer at
// the same time, so a missing subscriber never blocks persistence.
package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/parleyhq/parley/core/config"
	"github.com/parleyhq/parley/internal/bridge"
	"github.com/parleyhq/parley/internal/engine"
	"github.com/parleyhq/parley/internal/event"
	"github.com/parleyhq/parley/internal/eventlog"
	"github.com/parleyhq/parley/internal/translate"
)

// SinkFactory builds the persistence sink for one turn. Each turn carries a
// fresh persist token, so the sink cannot be shared across turns.
type SinkFactory func(persistToken string) eventlog.Sink

type Config struct {
	ConversationID int64
	// IdleTimeout ends the process when no message arrives for this long.
	IdleTimeout time.Duration
	Buffer      eventlog.Config
}

// Runner drives the turn loop for one conversation.
type Runner struct {
	cfg        Config
	engine     engine.Engine
	bridge     *bridge.Server
	translator *translate.Translator
	newSink    SinkFactory
	logger     *slog.Logger

	// agentSessionID is the engine's resumable handle, minted inside this
	// sandbox. It stays valid across turns because the sandbox is the same.
	agentSessionID string
	watermark      int64
}

func New(cfg Config, eng engine.Engine, srv *bridge.Server, translator *translate.Translator, newSink SinkFactory, logger *slog.Logger) *Runner {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	if translator == nil {
		translator = translate.New()
	}
	return &Runner{
		cfg:        cfg,
		engine:     eng,
		bridge:     srv,
		translator: translator,
		newSink:    newSink,
		logger:     logger,
	}
}

// NewSinkFactory returns the default factory: a control-plane persist client
// with bounded retries.
func NewSinkFactory(controlPlaneURL string, turn config.TurnConfig) SinkFactory {
	return func(persistToken string) eventlog.Sink {
		return eventlog.NewPersistClient(controlPlaneURL, persistToken,
			eventlog.WithRetries(turn.PersistMaxRetries, turn.PersistBackoff))
	}
}

// Run consumes the input queue until the context is cancelled or the idle
// timeout elapses with no new message. One sandbox serves the whole
// conversation: a message arriving mid-turn waits in the queue rather than
// forcing a new execution.
func (r *Runner) Run(ctx context.Context) error {
	for {
		idleCtx, cancel := context.WithTimeout(ctx, r.cfg.IdleTimeout)
		in, err := r.bridge.Queue().Next(idleCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.InfoContext(ctx, "idle timeout reached, exiting",
				"conversation_id", r.cfg.ConversationID)
			return nil
		}
		r.runTurn(ctx, in)
	}
}

func (r *Runner) runTurn(parent context.Context, in bridge.Inbound) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	r.bridge.BeginTurn(in, cancel)
	defer r.bridge.EndTurn()

	if in.Watermark > r.watermark {
		r.watermark = in.Watermark
	}

	buf := eventlog.NewBuffer(r.newSink(in.PersistToken), r.cfg.ConversationID, r.watermark, r.cfg.Buffer)
	tickerCtx, stopTicker := context.WithCancel(ctx)
	go buf.Run(tickerCtx)

	resume := in.ResumeSessionID
	if resume == "" {
		resume = r.agentSessionID
	}

	userStopped := r.streamTurn(ctx, in, buf, resume)

	for _, ev := range r.translator.Finalize() {
		r.emit(ctx, buf, ev)
	}
	if userStopped {
		r.emit(ctx, buf, event.New(event.TypeResult, event.ResultData{
			Status:         event.ResultStatusUserStopped,
			AgentSessionID: r.agentSessionID,
		}))
	}

	stopTicker()
	buf.Wait()

	// The final flush is detached from the turn context so an interrupt
	// cannot cancel its own durable record.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer flushCancel()
	if err := buf.FlushFinal(flushCtx, false); err != nil {
		r.logger.ErrorContext(flushCtx, "final flush failed, events lost",
			"conversation_id", r.cfg.ConversationID,
			"pending", buf.PendingLen(),
			"error", err)
	} else {
		r.watermark = buf.LastSeq()
	}

	r.translator.Reset()
}

// streamTurn runs the engine and forwards its translated output. Returns
// true when the turn ended because of a user-initiated interrupt.
func (r *Runner) streamTurn(ctx context.Context, in bridge.Inbound, buf *eventlog.Buffer, resume string) bool {
	stream, err := r.engine.Run(ctx, engine.RunInput{
		Prompt:          in.Message,
		ResumeSessionID: resume,
	})
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		r.logger.ErrorContext(ctx, "engine run failed", "error", err)
		r.emit(ctx, buf, event.New(event.TypeResult, event.ResultData{
			Status: event.ResultStatusError,
			Error:  "the agent could not be started, please try again",
		}))
		return false
	}
	defer stream.Close()

	for {
		msg, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return false
			}
			if ctx.Err() != nil {
				return true
			}
			r.logger.ErrorContext(ctx, "engine stream failed", "error", err)
			r.emit(ctx, buf, event.New(event.TypeResult, event.ResultData{
				Status: event.ResultStatusError,
				Error:  "the agent stream was interrupted, please try again",
			}))
			return false
		}

		if msg.Kind == engine.KindResult && msg.Result != nil && msg.Result.AgentSessionID != "" {
			r.agentSessionID = msg.Result.AgentSessionID
			buf.SetAgentSessionID(msg.Result.AgentSessionID)
		}

		for _, ev := range r.translator.Translate(msg) {
			r.emit(ctx, buf, ev)
		}
	}
}

// emit is the dual write: live first, then durable. A buffer failure only
// logs; the batch stays requeued for the next flush attempt.
func (r *Runner) emit(ctx context.Context, buf *eventlog.Buffer, ev event.Semantic) {
	r.bridge.Publish(ev)
	if err := buf.Append(ctx, ev); err != nil {
		r.logger.WarnContext(ctx, "buffering event failed, requeued",
			"type", string(ev.Type),
			"error", err)
	}
}
