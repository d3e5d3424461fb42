package example

type Type string

const (
	TypeText   Type = "text"
	TypeResult Type = "result"
)

type ExecutorStatus string

const (
	ExecutorStatusSpawning ExecutorStatus = "spawning"
)

type SegmentStatus string

const (
	StatusRunning SegmentStatus = "running"
)

type ChatEvent struct {
	Type Type
}

type Conversation struct {
	ExecutorStatus ExecutorStatus
}

func bad() {
	e := &ChatEvent{}
	e.Type = "tool_use" // want "enum field Type assigned string literal"

	c := &Conversation{}
	c.ExecutorStatus = "booting" // want "enum field ExecutorStatus assigned string literal"
}

func good() {
	e := &ChatEvent{}
	e.Type = TypeResult // OK: using constant

	c := &Conversation{}
	c.ExecutorStatus = ExecutorStatusSpawning // OK: using constant
}

func alsoGood() {
	// OK: Variable, not literal
	kind := TypeText
	e := &ChatEvent{Type: kind}
	_ = e
}
