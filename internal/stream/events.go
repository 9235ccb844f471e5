// Package stream turns classified tool output into canonical events and
// writes them to a client sink.
package stream

import "encoding/json"

// Event type discriminators as they appear on the wire.
const (
	TypeContent    = "content"
	TypeToolUse    = "tool_use"
	TypeToolResult = "tool_result"
	TypeError      = "error"
	TypeDone       = "done"
)

// Event is a canonical, tool-agnostic stream event. Implementations are
// Content, ToolUse, ToolResult, Error and Done.
type Event interface {
	Type() string
	json.Marshaler
}

// Content is a chunk of response text.
type Content struct {
	Text string
}

// ToolUse announces a tool invocation.
type ToolUse struct {
	Tool   string
	ToolID string
}

// ToolResult reports whether a tool invocation succeeded.
type ToolResult struct {
	ToolID  string
	IsError bool
}

// Error is the single terminal failure event of a session.
type Error struct {
	Message string
}

// Done terminates every session. TotalCost is nil when the tool never
// reported a cost.
type Done struct {
	DurationMs int64
	TotalCost  *float64
}

func (Content) Type() string    { return TypeContent }
func (ToolUse) Type() string    { return TypeToolUse }
func (ToolResult) Type() string { return TypeToolResult }
func (Error) Type() string      { return TypeError }
func (Done) Type() string       { return TypeDone }

func (e Content) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{TypeContent, e.Text})
}

func (e ToolUse) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type   string `json:"type"`
		Tool   string `json:"tool"`
		ToolID string `json:"toolId"`
	}{TypeToolUse, e.Tool, e.ToolID})
}

func (e ToolResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    string `json:"type"`
		ToolID  string `json:"toolId"`
		IsError bool   `json:"isError"`
	}{TypeToolResult, e.ToolID, e.IsError})
}

func (e Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}{TypeError, e.Message})
}

func (e Done) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type       string   `json:"type"`
		DurationMs int64    `json:"durationMs"`
		TotalCost  *float64 `json:"totalCost,omitempty"`
	}{TypeDone, e.DurationMs, e.TotalCost})
}
