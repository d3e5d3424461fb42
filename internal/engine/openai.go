package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/parleyhq/parley/core/config"
)

// openaiEngine adapts the OpenAI chat completions streaming API to the Engine
// interface. OpenAI emits no reasoning blocks over this API, so the stream
// contains only message_start, text deltas, tool_use and the terminal result.
type openaiEngine struct {
	client    openai.Client
	model     string
	maxTokens int64
}

// NewOpenAI builds an Engine backed by the OpenAI chat completions API.
func NewOpenAI(cfg config.EngineConfig) Engine {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 16384
	}
	return &openaiEngine{
		client:    openai.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: maxTokens,
	}
}

func (e *openaiEngine) Run(ctx context.Context, in RunInput) (Stream, error) {
	if in.Prompt == "" {
		return nil, errors.New("openai engine: prompt is required")
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if in.System != "" {
		messages = append(messages, openai.SystemMessage(in.System))
	}
	messages = append(messages, openai.UserMessage(in.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:               e.model,
		Messages:            messages,
		MaxCompletionTokens: openai.Int(e.maxTokens),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}

	raw := e.client.Chat.Completions.NewStreaming(ctx, params)

	cctx, cancel := context.WithCancel(ctx)
	sessionID := in.ResumeSessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	os := &openaiStream{
		ctx:       cctx,
		cancel:    cancel,
		messages:  make(chan Message, 32),
		sessionID: sessionID,
	}
	go os.run(raw)
	return os, nil
}

type chunkStream interface {
	Next() bool
	Current() openai.ChatCompletionChunk
	Err() error
	Close() error
}

type openaiStream struct {
	ctx    context.Context
	cancel context.CancelFunc

	messages  chan Message
	sessionID string
	finalErr  error
}

func (s *openaiStream) Recv() (Message, error) {
	select {
	case msg, ok := <-s.messages:
		if ok {
			return msg, nil
		}
		if s.finalErr != nil {
			return Message{}, s.finalErr
		}
		return Message{}, io.EOF
	case <-s.ctx.Done():
		return Message{}, s.ctx.Err()
	}
}

func (s *openaiStream) Close() error {
	s.cancel()
	return nil
}

func (s *openaiStream) run(raw chunkStream) {
	defer close(s.messages)
	defer raw.Close() //nolint:errcheck

	var (
		started      bool
		messageID    string
		toolCalls    = make(map[int]*openaiToolBuffer)
		toolOrder    []int
		inputTokens  int
		outputTokens int
	)

	emit := func(msg Message) bool {
		select {
		case <-s.ctx.Done():
			s.finalErr = s.ctx.Err()
			return false
		case s.messages <- msg:
			return true
		}
	}

	flushTools := func() bool {
		for _, idx := range toolOrder {
			tb := toolCalls[idx]
			if tb == nil {
				continue
			}
			if !emit(Message{
				Kind:      KindToolUse,
				MessageID: messageID,
				ToolUse: &ToolUse{
					ID:    tb.id,
					Name:  tb.name,
					Input: tb.finalArgs(),
				},
			}) {
				return false
			}
		}
		toolCalls = make(map[int]*openaiToolBuffer)
		toolOrder = nil
		return true
	}

	for raw.Next() {
		select {
		case <-s.ctx.Done():
			s.finalErr = s.ctx.Err()
			return
		default:
		}

		chunk := raw.Current()
		if chunk.Usage.TotalTokens > 0 {
			inputTokens = int(chunk.Usage.PromptTokens)
			outputTokens = int(chunk.Usage.CompletionTokens)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if !started {
			started = true
			messageID = chunk.ID
			if !emit(Message{Kind: KindMessageStart, MessageID: messageID}) {
				return
			}
		}

		if choice.Delta.Content != "" {
			if !emit(Message{Kind: KindTextDelta, MessageID: messageID, Text: choice.Delta.Content}) {
				return
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx := int(tc.Index)
			tb := toolCalls[idx]
			if tb == nil {
				tb = &openaiToolBuffer{}
				toolCalls[idx] = tb
				toolOrder = append(toolOrder, idx)
			}
			if tc.ID != "" {
				tb.id = tc.ID
			}
			if tc.Function.Name != "" {
				tb.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				tb.fragments = append(tb.fragments, tc.Function.Arguments)
			}
		}

		if choice.FinishReason == "tool_calls" {
			if !flushTools() {
				return
			}
		}
	}

	if err := raw.Err(); err != nil {
		s.finalErr = err
		return
	}

	// A stream ending without an explicit tool_calls finish still flushes any
	// buffered calls before the terminal result.
	if !flushTools() {
		return
	}
	emit(Message{
		Kind:      KindResult,
		MessageID: messageID,
		Result: &Result{
			Status:         "completed",
			InputTokens:    inputTokens,
			OutputTokens:   outputTokens,
			AgentSessionID: s.sessionID,
		},
	})
}

type openaiToolBuffer struct {
	id        string
	name      string
	fragments []string
}

func (b *openaiToolBuffer) finalArgs() json.RawMessage {
	joined := strings.TrimSpace(strings.Join(b.fragments, ""))
	if joined == "" {
		joined = "{}"
	}
	return json.RawMessage(joined)
}
