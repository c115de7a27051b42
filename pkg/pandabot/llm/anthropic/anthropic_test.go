package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/pandabot/pkg/pandabot/llm"
	"github.com/jholhewres/pandabot/pkg/pandabot/tools"
)

const textReply = `{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
"content":[{"type":"text","text":"4"}],"stop_reason":"end_turn","stop_sequence":null,
"usage":{"input_tokens":3,"output_tokens":1}}`

const toolReply = `{"id":"msg_2","type":"message","role":"assistant","model":"claude-test",
"content":[{"type":"text","text":"Let me look."},
{"type":"tool_use","id":"toolu_1","name":"filesystem","input":{"action":"list","path":"/tmp"}}],
"stop_reason":"tool_use","stop_sequence":null,"usage":{"input_tokens":3,"output_tokens":9}}`

func newTestBackend(t *testing.T, h http.HandlerFunc) *Backend {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{
		APIKey:  "test-key",
		BaseURL: srv.URL + "/",
		Model:   "claude-test",
		Retry:   llm.RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}, nil)
}

func TestInvokeFinalAnswer(t *testing.T) {
	t.Parallel()

	var body map[string]any
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/v1/messages"))
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, textReply)
	})

	out, err := b.Invoke(context.Background(), llm.Request{
		System:   "be brief",
		Messages: []llm.Message{llm.UserMessage("2+2?")},
	})
	require.NoError(t, err)
	assert.Equal(t, llm.OutcomeFinalAnswer, out.Kind)
	assert.Equal(t, "4", out.Text)

	assert.Equal(t, "claude-test", body["model"])
	assert.NotContains(t, body, "tools")
	assert.Equal(t, llm.Info{Backend: "anthropic", Model: "claude-test"}, b.Info())
}

func TestInvokeToolCalls(t *testing.T) {
	t.Parallel()

	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, toolReply)
	})

	out, err := b.Invoke(context.Background(), llm.Request{
		Messages: []llm.Message{llm.UserMessage("list /tmp")},
		Tools: []tools.Definition{tools.MakeDefinition("filesystem", "files", map[string]any{
			"type":       "object",
			"properties": map[string]any{"action": map[string]any{"type": "string"}},
			"required":   []string{"action"},
		})},
	})
	require.NoError(t, err)
	require.Equal(t, llm.OutcomeToolCalls, out.Kind)
	assert.Equal(t, "Let me look.", out.Text)
	require.Len(t, out.ToolCalls, 1)
	assert.Equal(t, "toolu_1", out.ToolCalls[0].ID)
	assert.Equal(t, "filesystem", out.ToolCalls[0].Name)
	assert.Equal(t, "/tmp", out.ToolCalls[0].Input["path"])
}

func TestInvokeRetriesOverloaded(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) == 1 {
			w.WriteHeader(529)
			_, _ = io.WriteString(w, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
			return
		}
		_, _ = io.WriteString(w, textReply)
	})

	out, err := b.Invoke(context.Background(), llm.Request{Messages: []llm.Message{llm.UserMessage("hi")}})
	require.NoError(t, err)
	assert.Equal(t, "4", out.Text)
	assert.Equal(t, int32(2), calls.Load())
}

func TestInvokeAuthErrorNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
	})

	_, err := b.Invoke(context.Background(), llm.Request{Messages: []llm.Message{llm.UserMessage("hi")}})
	require.Error(t, err)
	assert.Equal(t, llm.ErrorAuth, llm.KindOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestBuildMessagesGroupsToolResults(t *testing.T) {
	t.Parallel()

	msgs := buildMessages([]llm.Message{
		llm.UserMessage("go"),
		llm.AssistantMessage("", []tools.Call{
			{ID: "a", Name: "x", Input: map[string]any{}},
			{ID: "b", Name: "y"},
		}),
		{Role: llm.RoleTool, ToolCallID: "a", Content: "one"},
		{Role: llm.RoleTool, ToolCallID: "b", Content: "two", IsError: true},
		llm.AssistantMessage("done", nil),
	})
	require.Len(t, msgs, 4)

	raw, err := json.Marshal(msgs[2])
	require.NoError(t, err)
	var decoded struct {
		Role    string `json:"role"`
		Content []struct {
			Type      string `json:"type"`
			ToolUseID string `json:"tool_use_id"`
			IsError   bool   `json:"is_error"`
		} `json:"content"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "user", decoded.Role)
	require.Len(t, decoded.Content, 2)
	assert.Equal(t, "tool_result", decoded.Content[0].Type)
	assert.Equal(t, "a", decoded.Content[0].ToolUseID)
	assert.True(t, decoded.Content[1].IsError)
}
