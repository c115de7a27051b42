package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/pandabot/pkg/pandabot/llm"
	"github.com/jholhewres/pandabot/pkg/pandabot/scheduler"
	"github.com/jholhewres/pandabot/pkg/pandabot/session"
	"github.com/jholhewres/pandabot/pkg/pandabot/tools"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "data", "pandabot.db"), Options{FTS: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestHistoryAppendLoad(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()
	ref := TurnRef{SessionID: "s1", BotID: "ops", ChatID: "42"}

	call := tools.Call{ID: "call_1", Name: "read_file", Input: map[string]any{"path": "a.txt"}}
	msgs := []llm.Message{
		llm.UserMessage("read a.txt"),
		llm.AssistantMessage("", []tools.Call{call}),
		llm.ToolMessage(tools.Result{CallID: "call_1", Name: "read_file", Status: tools.StatusOK, Content: "hello"}),
		llm.AssistantMessage("the file says hello", nil),
	}
	for _, m := range msgs {
		require.NoError(t, db.Append(ctx, ref, m))
	}
	require.NoError(t, db.Append(ctx, TurnRef{SessionID: "other", BotID: "ops", ChatID: "7"}, llm.UserMessage("unrelated")))

	got, err := db.Load(ctx, "s1", 50)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, llm.RoleUser, got[0].Role)
	require.Len(t, got[1].ToolCalls, 1)
	assert.Equal(t, "call_1", got[1].ToolCalls[0].ID)
	assert.Equal(t, "a.txt", got[1].ToolCalls[0].Input["path"])
	assert.Equal(t, llm.RoleTool, got[2].Role)
	assert.Equal(t, "call_1", got[2].ToolCallID)
	assert.Equal(t, "read_file", got[2].ToolName)
	assert.Equal(t, "the file says hello", got[3].Content)

	t.Run("window inside a tool exchange holds no user turn", func(t *testing.T) {
		got, err := db.Load(ctx, "s1", 2)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("window starts at a user message", func(t *testing.T) {
		ref := TurnRef{SessionID: "s2", BotID: "ops", ChatID: "43"}
		for _, m := range []llm.Message{
			llm.UserMessage("hi"),
			llm.AssistantMessage("hello", nil),
			llm.UserMessage("read a.txt"),
			llm.AssistantMessage("", []tools.Call{call}),
			llm.ToolMessage(tools.Result{CallID: "call_1", Name: "read_file", Status: tools.StatusOK, Content: "hello"}),
			llm.AssistantMessage("the file says hello", nil),
		} {
			require.NoError(t, db.Append(ctx, ref, m))
		}

		got, err := db.Load(ctx, "s2", 5)
		require.NoError(t, err)
		require.Len(t, got, 4)
		assert.Equal(t, llm.RoleUser, got[0].Role)
		assert.Equal(t, "read a.txt", got[0].Content)
	})

	t.Run("unknown session is empty", func(t *testing.T) {
		got, err := db.Load(ctx, "missing", 10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestSearch(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Append(ctx, TurnRef{SessionID: "a", BotID: "ops", ChatID: "1"}, llm.UserMessage("please deploy the billing service")))
	require.NoError(t, db.Append(ctx, TurnRef{SessionID: "a", BotID: "ops", ChatID: "1"}, llm.AssistantMessage("deploy finished", nil)))
	require.NoError(t, db.Append(ctx, TurnRef{SessionID: "b", BotID: "home", ChatID: "2"}, llm.UserMessage("deploy the garden lights")))
	require.NoError(t, db.Append(ctx, TurnRef{SessionID: "a", BotID: "ops", ChatID: "1"},
		llm.ToolMessage(tools.Result{CallID: "c", Name: "bash", Content: "deploy log"})))

	hits, err := db.Search(ctx, "ops", "deploy", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2, "scoped to the bot and excluding tool output")
	for _, h := range hits {
		assert.Equal(t, "1", h.ChatID)
		assert.Greater(t, h.Score, 0.0)
		assert.False(t, h.CreatedAt.IsZero())
	}

	hits, err = db.Search(ctx, "ops", `"(deploy*`, 10)
	require.NoError(t, err, "operators are stripped")
	assert.Len(t, hits, 2)

	hits, err = db.Search(ctx, "ops", "   ", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSanitizeFTS5Query(t *testing.T) {
	t.Parallel()
	assert.Equal(t, `"foo bar"`, sanitizeFTS5Query(`foo (bar)*`))
	assert.Equal(t, "", sanitizeFTS5Query(`"^:{}`))
}

func TestSessionIDStore(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	key := session.Key{BotID: "ops", ChatID: "42"}

	id, err := db.LookupSessionID(key)
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, db.SaveSessionID(key, "first"))
	require.NoError(t, db.SaveSessionID(key, "second"))
	id, err = db.LookupSessionID(key)
	require.NoError(t, err)
	assert.Equal(t, "second", id)

	threaded := session.Key{BotID: "ops", ChatID: "42", ThreadID: "9"}
	id, err = db.LookupSessionID(threaded)
	require.NoError(t, err)
	assert.Empty(t, id, "threads are distinct conversations")
}

func TestJobStorage(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	jobs := db.Jobs()

	ran := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	job := &scheduler.Job{
		ID:        "j1",
		BotID:     "ops",
		ChatID:    "42",
		Kind:      scheduler.KindCron,
		Schedule:  "0 9 * * *",
		Prompt:    "morning report",
		Enabled:   true,
		CreatedAt: ran.Add(-time.Hour),
		LastRunAt: &ran,
		RunCount:  3,
	}
	require.NoError(t, jobs.Save(job))

	job.MissedCount = 1
	job.LastError = "busy"
	require.NoError(t, jobs.Save(job))

	loaded, err := jobs.LoadAll()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	got := loaded[0]
	assert.Equal(t, "morning report", got.Prompt)
	assert.True(t, got.Enabled)
	assert.Equal(t, 3, got.RunCount)
	assert.Equal(t, 1, got.MissedCount)
	assert.Equal(t, "busy", got.LastError)
	require.NotNil(t, got.LastRunAt)
	assert.True(t, ran.Equal(*got.LastRunAt))

	require.NoError(t, jobs.Delete("j1"))
	loaded, err = jobs.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}
