// Package llm defines the AI backend port: the message model handed to a
// backend and the tagged Outcome it returns. Concrete backends live in
// subpackages (anthropic for structured tool calling, claudecode for the
// CLI with text-embedded tool calls).
package llm

import (
	"context"

	"github.com/jholhewres/pandabot/pkg/pandabot/tools"
)

// Role of a message in the conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the AI-facing conversation. An assistant message
// may carry ToolCalls; each call is answered by exactly one RoleTool message
// whose ToolCallID matches.
type Message struct {
	Role       Role         `json:"role"`
	Content    string       `json:"content,omitempty"`
	ToolCalls  []tools.Call `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
	ToolName   string       `json:"tool_name,omitempty"`
	IsError    bool         `json:"is_error,omitempty"`
}

// UserMessage builds a user text message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// AssistantMessage builds an assistant message, optionally requesting tools.
func AssistantMessage(text string, calls []tools.Call) Message {
	return Message{Role: RoleAssistant, Content: text, ToolCalls: calls}
}

// ToolMessage builds the message answering one tool call.
func ToolMessage(r tools.Result) Message {
	return Message{
		Role:       RoleTool,
		Content:    r.Content,
		ToolCallID: r.CallID,
		ToolName:   r.Name,
		IsError:    r.IsError(),
	}
}

// Request is what a backend is asked to answer.
type Request struct {
	System   string
	Messages []Message
	Tools    []tools.Definition
}

// OutcomeKind tags an Outcome.
type OutcomeKind int

const (
	OutcomeFinalAnswer OutcomeKind = iota
	OutcomeToolCalls
)

func (k OutcomeKind) String() string {
	if k == OutcomeToolCalls {
		return "tool_calls"
	}
	return "final_answer"
}

// Outcome is either a final answer or a non-empty set of tool calls. Text
// accompanying tool calls is kept so it can be replayed to the backend.
type Outcome struct {
	Kind      OutcomeKind
	Text      string
	ToolCalls []tools.Call
}

// FinalAnswer returns a final-answer outcome. Empty text is valid.
func FinalAnswer(text string) Outcome {
	return Outcome{Kind: OutcomeFinalAnswer, Text: text}
}

// ToolCallsRequested returns a tool-call outcome, or a final answer when
// calls is empty.
func ToolCallsRequested(text string, calls []tools.Call) Outcome {
	if len(calls) == 0 {
		return FinalAnswer(text)
	}
	return Outcome{Kind: OutcomeToolCalls, Text: text, ToolCalls: calls}
}

// Info describes a backend for logs and the /model command.
type Info struct {
	Backend string
	Model   string
}

// Backend turns messages and available tools into an Outcome. Retries on
// transient faults are the backend's own business.
type Backend interface {
	Invoke(ctx context.Context, req Request) (Outcome, error)
	Info() Info
}
