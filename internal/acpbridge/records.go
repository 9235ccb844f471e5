// Package acpbridge runs Agent Client Protocol agents and exposes their
// session updates as the same records the line classifier produces for
// stream-json CLIs.
package acpbridge

import (
	"strings"

	acpsdk "github.com/coder/acp-go-sdk"

	"github.com/workspace/aitools-relay/internal/protocol"
)

// Records converts an ACP SessionNotification into zero or more records.
//
// Agent text chunks become assistant text, tool calls become tool uses and
// terminal tool call statuses become tool results. Thought chunks surface
// as system records so they are logged but never streamed. User
// message chunks are echoes of the prompt and are dropped.
func Records(notif acpsdk.SessionNotification) []protocol.Record {
	u := notif.Update
	var recs []protocol.Record

	if u.AgentMessageChunk != nil {
		if text := contentBlockText(u.AgentMessageChunk.Content); text != "" {
			recs = append(recs, protocol.Assistant{Items: []protocol.AssistantItem{protocol.Text{Value: text}}})
		}
	}

	if u.AgentThoughtChunk != nil {
		recs = append(recs, protocol.System{Subtype: "thought", SessionID: string(notif.SessionId)})
	}

	if u.ToolCall != nil {
		id := string(u.ToolCall.ToolCallId)
		recs = append(recs, protocol.Assistant{Items: []protocol.AssistantItem{
			protocol.ToolUse{Name: toolName(u.ToolCall.Title, string(u.ToolCall.Kind)), ID: id},
		}})
		if res, ok := toolResult(id, u.ToolCall.Status); ok {
			recs = append(recs, res)
		}
	}

	if u.ToolCallUpdate != nil && u.ToolCallUpdate.Status != nil {
		if res, ok := toolResult(string(u.ToolCallUpdate.ToolCallId), *u.ToolCallUpdate.Status); ok {
			recs = append(recs, res)
		}
	}

	return recs
}

// toolResult reports a result only for terminal statuses.
func toolResult(id string, status acpsdk.ToolCallStatus) (protocol.Record, bool) {
	switch status {
	case acpsdk.ToolCallStatusCompleted:
		return protocol.User{Results: []protocol.ToolResult{{ToolID: id}}}, true
	case acpsdk.ToolCallStatusFailed:
		return protocol.User{Results: []protocol.ToolResult{{ToolID: id, IsError: true}}}, true
	default:
		return nil, false
	}
}

func toolName(title, kind string) string {
	if t := strings.TrimSpace(title); t != "" {
		return t
	}
	if kind != "" {
		return kind
	}
	return "tool"
}

// contentBlockText extracts text from a ContentBlock.
// Returns empty string if the block is not a text block.
func contentBlockText(block acpsdk.ContentBlock) string {
	if block.Text != nil {
		return block.Text.Text
	}
	return ""
}
