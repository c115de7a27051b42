package copilot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/pandabot/pkg/pandabot/llm"
	"github.com/jholhewres/pandabot/pkg/pandabot/tools"
)

func TestBuildConversation(t *testing.T) {
	t.Parallel()

	call := func(id string) tools.Call { return tools.Call{ID: id, Name: "list_dir"} }
	result := func(id string) llm.Message {
		return llm.ToolMessage(tools.Result{CallID: id, Name: "list_dir", Status: tools.StatusOK, Content: "ok"})
	}

	t.Run("appends input after history", func(t *testing.T) {
		history := []llm.Message{llm.UserMessage("hi"), llm.AssistantMessage("hello", nil)}
		got := BuildConversation(history, "how are you?")
		require.Len(t, got, 3)
		assert.Equal(t, "how are you?", got[2].Content)
		assert.Equal(t, llm.RoleUser, got[2].Role)
		assert.Len(t, history, 2, "history untouched")
	})

	t.Run("empty input adds nothing", func(t *testing.T) {
		got := BuildConversation([]llm.Message{llm.UserMessage("hi")}, "")
		assert.Len(t, got, 1)
	})

	t.Run("complete exchanges pass through", func(t *testing.T) {
		history := []llm.Message{
			llm.UserMessage("list"),
			llm.AssistantMessage("", []tools.Call{call("a"), call("b")}),
			result("a"),
			result("b"),
			llm.AssistantMessage("done", nil),
		}
		assert.Equal(t, append(append([]llm.Message(nil), history...), llm.UserMessage("next")),
			BuildConversation(history, "next"))
	})

	t.Run("missing results are synthesized", func(t *testing.T) {
		history := []llm.Message{
			llm.UserMessage("list"),
			llm.AssistantMessage("", []tools.Call{call("a"), call("b")}),
			result("a"),
		}
		got := BuildConversation(history, "are you there?")
		require.Len(t, got, 5)
		assert.Equal(t, "a", got[2].ToolCallID)
		assert.Equal(t, "b", got[3].ToolCallID)
		assert.True(t, got[3].IsError)
		assert.Equal(t, llm.RoleUser, got[4].Role)
	})

	t.Run("orphaned and duplicate results are dropped", func(t *testing.T) {
		history := []llm.Message{
			result("zz"),
			llm.UserMessage("list"),
			llm.AssistantMessage("", []tools.Call{call("a")}),
			result("a"),
			result("a"),
			result("other"),
		}
		got := BuildConversation(history, "")
		require.Len(t, got, 3)
		assert.Equal(t, llm.RoleUser, got[0].Role)
		assert.Equal(t, "a", got[2].ToolCallID)
	})
}
