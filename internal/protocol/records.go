// Package protocol decodes the JSON-lines output of assistant CLIs into a
// closed set of record variants.
//
// The upstream format is vendor defined: every line is either a JSON object
// carrying a "type" discriminator (system, assistant, user, result) or free
// diagnostic text written by the CLI, its runtime, or the shell.
package protocol

// Kind discriminates between record variants.
type Kind string

const (
	KindSystem    Kind = "system"
	KindAssistant Kind = "assistant"
	KindUser      Kind = "user"
	KindResult    Kind = "result"
	KindUnknown   Kind = "unknown"
	KindUnparsed  Kind = "unparsed"
)

// Record is a classified output line.
//
// The set of implementations is closed: System, Assistant, User, Result,
// Unknown and Unparsed. Consumers switch on the concrete type.
type Record interface {
	Kind() Kind
	isRecord()
}

// System is a session lifecycle record (init, hooks, compaction).
type System struct {
	Subtype   string
	SessionID string
	Model     string
}

// Assistant carries content produced by the model.
type Assistant struct {
	Items []AssistantItem
}

// User carries tool results echoed back into the conversation.
type User struct {
	Results []ToolResult
}

// Result is the terminal turn summary written by the CLI.
type Result struct {
	Subtype      string
	DurationMs   int64
	TotalCostUSD float64
	InputTokens  int
	OutputTokens int
	// FinalText is nil when the record has no "result" field.
	FinalText *string
	IsError   bool
}

// Unknown is valid structured data whose discriminator is missing or not
// recognized. It produces no events.
type Unknown struct {
	Type string
}

// Unparsed is a line that is not structured data.
type Unparsed struct {
	Raw string
}

func (System) Kind() Kind    { return KindSystem }
func (Assistant) Kind() Kind { return KindAssistant }
func (User) Kind() Kind      { return KindUser }
func (Result) Kind() Kind    { return KindResult }
func (Unknown) Kind() Kind   { return KindUnknown }
func (Unparsed) Kind() Kind  { return KindUnparsed }

func (System) isRecord()    {}
func (Assistant) isRecord() {}
func (User) isRecord()      {}
func (Result) isRecord()    {}
func (Unknown) isRecord()   {}
func (Unparsed) isRecord()  {}

// AssistantItem is one content item of an Assistant record: Text or ToolUse.
type AssistantItem interface {
	isAssistantItem()
}

// Text is a chunk of response text.
type Text struct {
	Value string
}

// ToolUse announces a tool invocation by the model.
type ToolUse struct {
	Name string
	ID   string
}

func (Text) isAssistantItem()    {}
func (ToolUse) isAssistantItem() {}

// ToolResult reports the outcome of a tool invocation.
type ToolResult struct {
	ToolID  string
	IsError bool
}
