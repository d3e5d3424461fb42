package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/google/uuid"

	"github.com/parleyhq/parley/core/config"
)

// anthropicEngine adapts the Anthropic Messages streaming API to the Engine
// interface. Anthropic has no server-side resumable session, so the agent
// session id is minted locally and echoed on the terminal result; resuming is
// a matter of the runner replaying prior turns into the same sandbox process.
type anthropicEngine struct {
	client    sdk.Client
	model     string
	maxTokens int64
}

// NewAnthropic builds an Engine backed by the Anthropic Messages API.
func NewAnthropic(cfg config.EngineConfig) Engine {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 16384
	}
	return &anthropicEngine{
		client:    sdk.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: maxTokens,
	}
}

func (e *anthropicEngine) Run(ctx context.Context, in RunInput) (Stream, error) {
	if in.Prompt == "" {
		return nil, errors.New("anthropic engine: prompt is required")
	}

	params := sdk.MessageNewParams{
		MaxTokens: e.maxTokens,
		Model:     sdk.Model(e.model),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(in.Prompt)),
		},
	}
	if in.System != "" {
		params.System = []sdk.TextBlockParam{{Text: in.System}}
	}

	raw := e.client.Messages.NewStreaming(ctx, params)

	cctx, cancel := context.WithCancel(ctx)
	as := &anthropicStream{
		ctx:       cctx,
		cancel:    cancel,
		stream:    raw,
		messages:  make(chan Message, 32),
		sessionID: in.ResumeSessionID,
	}
	if as.sessionID == "" {
		as.sessionID = uuid.New().String()
	}
	go as.run()
	return as, nil
}

type anthropicStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	messages  chan Message
	sessionID string

	errMu    sync.Mutex
	finalErr error
	errSet   bool
}

func (s *anthropicStream) Recv() (Message, error) {
	select {
	case msg, ok := <-s.messages:
		if ok {
			return msg, nil
		}
		if err := s.err(); err != nil {
			return Message{}, err
		}
		return Message{}, io.EOF
	case <-s.ctx.Done():
		return Message{}, s.ctx.Err()
	}
}

func (s *anthropicStream) Close() error {
	s.cancel()
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

func (s *anthropicStream) run() {
	defer close(s.messages)
	defer func() {
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}()

	p := &anthropicEventMapper{emit: s.emit, sessionID: s.sessionID}

	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				s.setErr(err)
			} else if err := s.ctx.Err(); err != nil {
				s.setErr(err)
			}
			return
		}
		if err := p.handle(s.stream.Current()); err != nil {
			s.setErr(err)
			return
		}
	}
}

func (s *anthropicStream) emit(msg Message) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.messages <- msg:
		return nil
	}
}

func (s *anthropicStream) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *anthropicStream) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

// anthropicEventMapper converts Anthropic streaming events into the raw
// message union. Tool input JSON deltas are buffered per block index and
// surfaced as one complete tool_use message when the block closes.
type anthropicEventMapper struct {
	emit      func(Message) error
	sessionID string

	messageID  string
	toolBlocks map[int]*anthropicToolBuffer

	inputTokens  int
	outputTokens int
	stopReason   string
}

type anthropicToolBuffer struct {
	id        string
	name      string
	fragments []string
}

func (b *anthropicToolBuffer) finalInput() json.RawMessage {
	joined := strings.TrimSpace(strings.Join(b.fragments, ""))
	if joined == "" {
		joined = "{}"
	}
	return json.RawMessage(joined)
}

func (m *anthropicEventMapper) handle(ev sdk.MessageStreamEventUnion) error {
	switch e := ev.AsAny().(type) {
	case sdk.MessageStartEvent:
		m.messageID = e.Message.ID
		m.toolBlocks = make(map[int]*anthropicToolBuffer)
		m.inputTokens = int(e.Message.Usage.InputTokens)
		return m.emit(Message{Kind: KindMessageStart, MessageID: m.messageID})
	case sdk.ContentBlockStartEvent:
		idx := int(e.Index)
		if toolUse, ok := e.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			if toolUse.ID == "" || toolUse.Name == "" {
				return errors.New("anthropic stream: tool use block missing id or name")
			}
			m.toolBlocks[idx] = &anthropicToolBuffer{id: toolUse.ID, name: toolUse.Name}
		}
		return nil
	case sdk.ContentBlockDeltaEvent:
		idx := int(e.Index)
		switch delta := e.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return nil
			}
			return m.emit(Message{
				Kind:       KindTextDelta,
				MessageID:  m.messageID,
				BlockIndex: idx,
				Text:       delta.Text,
			})
		case sdk.ThinkingDelta:
			if delta.Thinking == "" {
				return nil
			}
			return m.emit(Message{
				Kind:       KindThinkingDelta,
				MessageID:  m.messageID,
				BlockIndex: idx,
				Thinking:   delta.Thinking,
			})
		case sdk.SignatureDelta:
			if delta.Signature == "" {
				return nil
			}
			return m.emit(Message{
				Kind:              KindThinkingDelta,
				MessageID:         m.messageID,
				BlockIndex:        idx,
				ThinkingSignature: delta.Signature,
			})
		case sdk.InputJSONDelta:
			if tb := m.toolBlocks[idx]; tb != nil && delta.PartialJSON != "" {
				tb.fragments = append(tb.fragments, delta.PartialJSON)
			}
			return nil
		default:
			return nil
		}
	case sdk.ContentBlockStopEvent:
		idx := int(e.Index)
		if tb := m.toolBlocks[idx]; tb != nil {
			delete(m.toolBlocks, idx)
			return m.emit(Message{
				Kind:       KindToolUse,
				MessageID:  m.messageID,
				BlockIndex: idx,
				ToolUse: &ToolUse{
					ID:    tb.id,
					Name:  tb.name,
					Input: tb.finalInput(),
				},
			})
		}
		return m.emit(Message{Kind: KindBlockStop, MessageID: m.messageID, BlockIndex: idx})
	case sdk.MessageDeltaEvent:
		m.stopReason = string(e.Delta.StopReason)
		m.outputTokens = int(e.Usage.OutputTokens)
		return nil
	case sdk.MessageStopEvent:
		return m.emit(Message{
			Kind:      KindResult,
			MessageID: m.messageID,
			Result: &Result{
				Status:         "completed",
				InputTokens:    m.inputTokens,
				OutputTokens:   m.outputTokens,
				AgentSessionID: m.sessionID,
			},
		})
	}
	return nil
}
