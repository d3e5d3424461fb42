// Package reconcile is the client-side state machine that consumes the live
// event channel, folds events into display segments, detects a dead or stale
// connection, and recovers by polling the persisted transcript until the
// turn's terminal event appears.
package reconcile

import (
	"encoding/json"

	"github.com/parleyhq/parley/internal/event"
)

type SegmentKind string

const (
	SegmentText       SegmentKind = "text"
	SegmentThinking   SegmentKind = "thinking"
	SegmentToolUse    SegmentKind = "tool_use"
	SegmentStopNotice SegmentKind = "stop_notice"
)

type SegmentStatus string

const (
	StatusRunning     SegmentStatus = "running"
	StatusDone        SegmentStatus = "done"
	StatusInterrupted SegmentStatus = "interrupted"
)

// Segment is one display unit of an in-flight turn. Segments are built
// incrementally while streaming and frozen when the turn ends.
type Segment struct {
	Kind   SegmentKind
	Status SegmentStatus

	// Text carries text and thinking content.
	Text string

	// Tool fields are set for tool_use segments.
	ToolUseID  string
	ToolName   string
	ToolInput  json.RawMessage
	ToolOutput string
	ToolErr    bool

	// Reason is set for stop_notice segments.
	Reason string
}

// Folder accumulates semantic events into segments. Folding is deterministic:
// the same event sequence always yields the same segments, which is what lets
// a recovering client rebuild its view from the persisted log.
type Folder struct {
	segments []Segment
}

func NewFolder() *Folder {
	return &Folder{}
}

// Apply folds one event. User messages are transcript entries, not turn
// segments, so they are skipped here; callers render them separately.
func (f *Folder) Apply(ev event.Semantic) error {
	switch ev.Type {
	case event.TypeText:
		data, err := event.DecodeData[event.TextData](ev)
		if err != nil {
			return err
		}
		if last := f.lastRunning(SegmentText); last != nil {
			last.Text += data.Text
			return nil
		}
		f.closeRunning()
		f.segments = append(f.segments, Segment{Kind: SegmentText, Status: StatusRunning, Text: data.Text})

	case event.TypeThinking:
		data, err := event.DecodeData[event.ThinkingData](ev)
		if err != nil {
			return err
		}
		f.closeRunning()
		f.segments = append(f.segments, Segment{Kind: SegmentThinking, Status: StatusDone, Text: data.Text})

	case event.TypeToolUse:
		data, err := event.DecodeData[event.ToolUseData](ev)
		if err != nil {
			return err
		}
		f.closeRunning()
		f.segments = append(f.segments, Segment{
			Kind:      SegmentToolUse,
			Status:    StatusRunning,
			ToolUseID: data.ToolUseID,
			ToolName:  data.Name,
			ToolInput: data.Input,
		})

	case event.TypeToolResult:
		data, err := event.DecodeData[event.ToolResultData](ev)
		if err != nil {
			return err
		}
		for i := len(f.segments) - 1; i >= 0; i-- {
			seg := &f.segments[i]
			if seg.Kind == SegmentToolUse && seg.ToolUseID == data.ToolUseID {
				seg.Status = StatusDone
				seg.ToolOutput = data.Content
				seg.ToolErr = data.IsError
				break
			}
		}

	case event.TypeTurnComplete:
		f.closeRunning()

	case event.TypeResult:
		data, err := event.DecodeData[event.ResultData](ev)
		if err != nil {
			return err
		}
		if data.Status == event.ResultStatusUserStopped {
			f.interruptRunning()
			f.appendStopNotice(data.Status)
		} else {
			f.closeRunning()
		}

	case event.TypeUserMessage:
		// not a segment
	}
	return nil
}

// Segments returns a copy of the folded segments.
func (f *Folder) Segments() []Segment {
	out := make([]Segment, len(f.segments))
	copy(out, f.segments)
	return out
}

// Interrupt freezes the fold when the turn is cut off locally: running
// segments become interrupted and a single stop_notice records the reason.
func (f *Folder) Interrupt(reason string) {
	f.interruptRunning()
	f.appendStopNotice(reason)
}

func (f *Folder) Reset() {
	f.segments = nil
}

func (f *Folder) lastRunning(kind SegmentKind) *Segment {
	if len(f.segments) == 0 {
		return nil
	}
	last := &f.segments[len(f.segments)-1]
	if last.Kind == kind && last.Status == StatusRunning {
		return last
	}
	return nil
}

func (f *Folder) closeRunning() {
	for i := range f.segments {
		if f.segments[i].Status == StatusRunning {
			f.segments[i].Status = StatusDone
		}
	}
}

func (f *Folder) interruptRunning() {
	for i := range f.segments {
		if f.segments[i].Status == StatusRunning {
			f.segments[i].Status = StatusInterrupted
		}
	}
}

// appendStopNotice is idempotent: a stop that races the runner's own
// synthetic result must not produce two notices.
func (f *Folder) appendStopNotice(reason string) {
	for _, seg := range f.segments {
		if seg.Kind == SegmentStopNotice && seg.Reason == reason {
			return
		}
	}
	f.segments = append(f.segments, Segment{Kind: SegmentStopNotice, Status: StatusDone, Reason: reason})
}
