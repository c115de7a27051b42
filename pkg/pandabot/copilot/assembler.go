package copilot

import (
	"github.com/jholhewres/pandabot/pkg/pandabot/llm"
	"github.com/jholhewres/pandabot/pkg/pandabot/tools"
)

// interruptedResult answers a tool call whose result never reached storage,
// for example because the run was stopped mid-batch.
const interruptedResult = `{"status":"error","error":"interrupted before a result was recorded"}`

// BuildConversation returns the ordered messages for one turn: the persisted
// history followed by the new input. It never mutates history.
//
// Backends reject a tool call without its result, so the history is repaired
// on the way: every assistant tool call gets exactly one result (a synthetic
// error when missing) and results that answer no pending call are dropped.
func BuildConversation(history []llm.Message, input string) []llm.Message {
	out := make([]llm.Message, 0, len(history)+1)

	var pending []tools.Call
	answered := map[string]bool{}

	flush := func() {
		for _, call := range pending {
			if answered[call.ID] {
				continue
			}
			out = append(out, llm.Message{
				Role:       llm.RoleTool,
				Content:    interruptedResult,
				ToolCallID: call.ID,
				ToolName:   call.Name,
				IsError:    true,
			})
		}
		pending = nil
		answered = map[string]bool{}
	}

	for _, m := range history {
		if m.Role == llm.RoleTool {
			if !isPending(pending, m.ToolCallID) || answered[m.ToolCallID] {
				continue
			}
			answered[m.ToolCallID] = true
			out = append(out, m)
			continue
		}

		flush()
		m.ToolCalls = append([]tools.Call(nil), m.ToolCalls...)
		out = append(out, m)
		if m.Role == llm.RoleAssistant {
			pending = m.ToolCalls
		}
	}
	flush()

	if input != "" {
		out = append(out, llm.UserMessage(input))
	}
	return out
}

func isPending(pending []tools.Call, id string) bool {
	for _, c := range pending {
		if c.ID == id {
			return true
		}
	}
	return false
}
