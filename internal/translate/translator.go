package translate

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/parleyhq/parley/internal/engine"
	"github.com/parleyhq/parley/internal/event"
)

// turnSeparator is inserted between two tool-bounded spans so consecutive
// assistant turns do not render as one merged paragraph.
const turnSeparator = "\n\n"

// Translator converts the engine's raw message stream into the compact,
// ordered semantic event stream. Translation is deterministic: the same raw
// message sequence always yields the same semantic sequence, which makes
// replay during recovery safe.
type Translator struct {
	internalTools map[string]bool

	// thinking deltas are buffered per block index and emitted as one event
	// when the block closes.
	thinking map[int]*thinkingBuffer

	// emittedThinking records model message ids whose reasoning has already
	// been emitted; repeats of the same underlying message are dropped.
	emittedThinking map[string]bool

	// afterTool is set once a visible tool invocation (or its result) was the
	// last emitted event; the next assistant content then gets a
	// turn_complete boundary plus separator.
	afterTool bool

	// suppressedTools tracks tool ids hidden from the user-visible stream so
	// their results are hidden too.
	suppressedTools map[string]bool

	suppressed []event.ToolUseData

	messageID string
	counter   int
}

type thinkingBuffer struct {
	messageID string
	text      strings.Builder
	signature string
}

// Option configures a Translator.
type Option func(*Translator)

// WithInternalTools names tool invocations suppressed from the user-visible
// stream but still recorded for attribution and cost accounting.
func WithInternalTools(names ...string) Option {
	return func(t *Translator) {
		for _, n := range names {
			t.internalTools[n] = true
		}
	}
}

// internal orchestration tools hidden by default
var defaultInternalTools = []string{"Task", "TodoWrite"}

func New(opts ...Option) *Translator {
	t := &Translator{
		internalTools:   make(map[string]bool),
		thinking:        make(map[int]*thinkingBuffer),
		emittedThinking: make(map[string]bool),
		suppressedTools: make(map[string]bool),
	}
	for _, n := range defaultInternalTools {
		t.internalTools[n] = true
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Translate maps one raw engine message to zero or more semantic events,
// preserving arrival order.
func (t *Translator) Translate(msg engine.Message) []event.Semantic {
	switch msg.Kind {
	case engine.KindMessageStart:
		t.messageID = msg.MessageID
		return t.boundaryIfAfterTool()

	case engine.KindTextDelta:
		if msg.Text == "" {
			return nil
		}
		out := t.boundaryIfAfterTool()
		return append(out, t.newEvent(event.TypeText, event.TextData{Text: msg.Text}))

	case engine.KindThinkingDelta:
		tb := t.thinking[msg.BlockIndex]
		if tb == nil {
			tb = &thinkingBuffer{messageID: msg.MessageID}
			t.thinking[msg.BlockIndex] = tb
		}
		tb.text.WriteString(msg.Thinking)
		if msg.ThinkingSignature != "" {
			tb.signature = msg.ThinkingSignature
		}
		return nil

	case engine.KindThinking:
		// Complete block in one message: treat as buffer-then-close so a
		// snapshot arriving after deltas of the same block never double-emits.
		tb := t.thinking[msg.BlockIndex]
		if tb == nil {
			tb = &thinkingBuffer{messageID: msg.MessageID}
			t.thinking[msg.BlockIndex] = tb
			tb.text.WriteString(msg.Thinking)
		}
		if msg.ThinkingSignature != "" {
			tb.signature = msg.ThinkingSignature
		}
		return t.closeThinking(msg.BlockIndex)

	case engine.KindBlockStop:
		return t.closeThinking(msg.BlockIndex)

	case engine.KindToolUse:
		if msg.ToolUse == nil {
			return nil
		}
		data := event.ToolUseData{
			ToolUseID: msg.ToolUse.ID,
			Name:      msg.ToolUse.Name,
			Input:     msg.ToolUse.Input,
		}
		if t.internalTools[msg.ToolUse.Name] {
			t.suppressedTools[msg.ToolUse.ID] = true
			t.suppressed = append(t.suppressed, data)
			return nil
		}
		out := t.flushThinking()
		out = append(out, t.newEvent(event.TypeToolUse, data))
		t.afterTool = true
		return out

	case engine.KindToolResult:
		if msg.ToolResult == nil {
			return nil
		}
		if t.suppressedTools[msg.ToolResult.ToolUseID] {
			return nil
		}
		ev := t.newEvent(event.TypeToolResult, event.ToolResultData{
			ToolUseID: msg.ToolResult.ToolUseID,
			Content:   msg.ToolResult.Content,
			IsError:   msg.ToolResult.IsError,
		})
		t.afterTool = true
		return []event.Semantic{ev}

	case engine.KindSubtaskNotice:
		// Sub-task lifecycle is internal orchestration; recorded, not shown.
		if msg.Subtask != nil {
			t.suppressed = append(t.suppressed, event.ToolUseData{
				ToolUseID: msg.Subtask.SubtaskID,
				Name:      "subtask:" + msg.Subtask.Phase,
			})
		}
		return nil

	case engine.KindResult:
		if msg.Result == nil {
			return nil
		}
		out := t.flushThinking()
		data := event.ResultData{
			Status:         msg.Result.Status,
			Error:          msg.Result.Error,
			CostUSD:        msg.Result.CostUSD,
			AgentSessionID: msg.Result.AgentSessionID,
		}
		if msg.Result.InputTokens > 0 || msg.Result.OutputTokens > 0 {
			data.Usage = &event.Usage{
				InputTokens:  msg.Result.InputTokens,
				OutputTokens: msg.Result.OutputTokens,
			}
		}
		return append(out, t.newEvent(event.TypeResult, data))

	default:
		return nil
	}
}

// Finalize flushes any still-open reasoning state. Used when the engine
// reports a terminal result without a full block close.
func (t *Translator) Finalize() []event.Semantic {
	return t.flushThinking()
}

// Reset clears per-turn state so the next enqueued message starts clean.
func (t *Translator) Reset() {
	t.thinking = make(map[int]*thinkingBuffer)
	t.suppressedTools = make(map[string]bool)
	t.afterTool = false
	t.messageID = ""
	// emittedThinking survives the reset: attribution is per model message,
	// and a resumed session may replay earlier messages.
}

// Suppressed returns the internal tool invocations hidden from the stream,
// for attribution and cost accounting.
func (t *Translator) Suppressed() []event.ToolUseData {
	return t.suppressed
}

func (t *Translator) boundaryIfAfterTool() []event.Semantic {
	if !t.afterTool {
		return nil
	}
	t.afterTool = false
	return []event.Semantic{
		t.newEvent(event.TypeTurnComplete, event.TurnCompleteData{}),
		t.newEvent(event.TypeText, event.TextData{Text: turnSeparator}),
	}
}

func (t *Translator) closeThinking(idx int) []event.Semantic {
	tb := t.thinking[idx]
	if tb == nil {
		return nil
	}
	delete(t.thinking, idx)
	if tb.text.Len() == 0 {
		return nil
	}
	if tb.messageID != "" && t.emittedThinking[tb.messageID] {
		return nil
	}
	if tb.messageID != "" {
		t.emittedThinking[tb.messageID] = true
	}
	out := t.boundaryIfAfterTool()
	return append(out, t.newEvent(event.TypeThinking, event.ThinkingData{
		Text:      tb.text.String(),
		Signature: tb.signature,
	}))
}

func (t *Translator) flushThinking() []event.Semantic {
	indexes := make([]int, 0, len(t.thinking))
	for idx := range t.thinking {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	var out []event.Semantic
	for _, idx := range indexes {
		out = append(out, t.closeThinking(idx)...)
	}
	return out
}

// newEvent constructs a semantic event with a deterministic transport id so
// replaying the same raw stream reproduces identical events.
func (t *Translator) newEvent(typ event.Type, data any) event.Semantic {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = json.RawMessage(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
	}
	t.counter++
	return event.Semantic{
		ID:   fmt.Sprintf("%s-%d", t.messageID, t.counter),
		Type: typ,
		Data: raw,
	}
}
