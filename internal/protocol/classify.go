package protocol

import (
	"encoding/json"
	"strings"
)

// envelope is the union of the fields read from any record type.
type envelope struct {
	Type         string          `json:"type"`
	Subtype      string          `json:"subtype"`
	SessionID    string          `json:"session_id"`
	Model        string          `json:"model"`
	Message      *messageContent `json:"message"`
	DurationMs   int64           `json:"duration_ms"`
	TotalCostUSD float64         `json:"total_cost_usd"`
	Usage        usage           `json:"usage"`
	Result       *string         `json:"result"`
	IsError      bool            `json:"is_error"`
}

type messageContent struct {
	Content json.RawMessage `json:"content"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// contentBlock holds the fields of the content item types we care about.
type contentBlock struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	ID        string `json:"id"`
	Name      string `json:"name"`
	ToolUseID string `json:"tool_use_id"`
	IsError   bool   `json:"is_error"`
}

// Classify decodes one raw output line.
//
// Lines that are not valid JSON become Unparsed. Valid JSON that is not an
// object, or an object with a missing or unrecognized "type", becomes Unknown.
// Classify never fails.
func Classify(line string) Record {
	data := []byte(strings.TrimSpace(line))
	if !json.Valid(data) {
		return Unparsed{Raw: line}
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Unknown{}
	}

	switch Kind(env.Type) {
	case KindSystem:
		return System{Subtype: env.Subtype, SessionID: env.SessionID, Model: env.Model}
	case KindAssistant:
		return Assistant{Items: assistantItems(env.Message)}
	case KindUser:
		return User{Results: toolResults(env.Message)}
	case KindResult:
		return Result{
			Subtype:      env.Subtype,
			DurationMs:   env.DurationMs,
			TotalCostUSD: env.TotalCostUSD,
			InputTokens:  env.Usage.InputTokens,
			OutputTokens: env.Usage.OutputTokens,
			FinalText:    env.Result,
			IsError:      env.IsError,
		}
	default:
		return Unknown{Type: env.Type}
	}
}

func assistantItems(msg *messageContent) []AssistantItem {
	if msg == nil {
		return nil
	}
	// Some CLIs send content as a bare string instead of a block array.
	if s, ok := contentString(msg.Content); ok {
		return []AssistantItem{Text{Value: s}}
	}

	var items []AssistantItem
	for _, b := range contentBlocks(msg.Content) {
		switch b.Type {
		case "text":
			items = append(items, Text{Value: b.Text})
		case "tool_use":
			items = append(items, ToolUse{Name: b.Name, ID: b.ID})
		}
	}
	return items
}

func toolResults(msg *messageContent) []ToolResult {
	if msg == nil {
		return nil
	}
	var results []ToolResult
	for _, b := range contentBlocks(msg.Content) {
		if b.Type == "tool_result" {
			results = append(results, ToolResult{ToolID: b.ToolUseID, IsError: b.IsError})
		}
	}
	return results
}

func contentString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// contentBlocks decodes a content array item by item so that one malformed
// block does not discard its siblings.
func contentBlocks(raw json.RawMessage) []contentBlock {
	if len(raw) == 0 || raw[0] != '[' {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	blocks := make([]contentBlock, 0, len(items))
	for _, item := range items {
		var b contentBlock
		if err := json.Unmarshal(item, &b); err != nil {
			continue
		}
		blocks = append(blocks, b)
	}
	return blocks
}
