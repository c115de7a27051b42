package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text":  map[string]any{"type": "string"},
			"times": map[string]any{"type": "integer"},
			"mode":  map[string]any{"type": "string", "enum": []string{"plain", "loud"}},
		},
		"required": []string{"text"},
	}
}

func newEchoRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(nil)
	require.NoError(t, r.Register(MakeDefinition("echo", "echoes", echoSchema()),
		func(_ context.Context, args map[string]any) (any, error) {
			return args["text"], nil
		}))
	return r
}

func decodeToolError(t *testing.T, content string) map[string]string {
	t.Helper()
	var m map[string]string
	require.NoError(t, json.Unmarshal([]byte(content), &m))
	return m
}

func TestRegister(t *testing.T) {
	t.Parallel()

	r := newEchoRegistry(t)
	err := r.Register(MakeDefinition("echo", "dup", nil), func(context.Context, map[string]any) (any, error) { return nil, nil })
	assert.Error(t, err)

	assert.Error(t, r.Register(Definition{}, nil))
	assert.Error(t, r.Register(MakeDefinition("nil", "", nil), nil))

	def := MakeDefinition("file.system..list", "", nil)
	assert.Equal(t, "file_system_list", def.Name)
}

func TestDescribeAllKeepsRegistrationOrder(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	noop := func(context.Context, map[string]any) (any, error) { return nil, nil }
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.Register(MakeDefinition(name, name+" tool", nil), noop))
	}

	var names []string
	for _, d := range r.DescribeAll() {
		names = append(names, d.Name)
		assert.True(t, json.Valid(d.Schema))
	}
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, names)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.Names())
	assert.True(t, r.Has("mid"))
	assert.False(t, r.Has("nope"))
}

func TestInvoke(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("ok result carries call id", func(t *testing.T) {
		r := newEchoRegistry(t)
		res := r.Invoke(ctx, Call{ID: "c1", Name: "echo", Input: map[string]any{"text": "hi", "times": float64(2)}})
		assert.Equal(t, StatusOK, res.Status)
		assert.Equal(t, "c1", res.CallID)
		assert.Equal(t, "hi", res.Content)
	})

	t.Run("unknown tool", func(t *testing.T) {
		r := newEchoRegistry(t)
		res := r.Invoke(ctx, Call{ID: "c2", Name: "missing"})
		assert.True(t, res.IsError())
		assert.Equal(t, "c2", res.CallID)
		m := decodeToolError(t, res.Content)
		assert.Equal(t, "error", m["status"])
		assert.Contains(t, m["error"], "unknown tool")
	})

	t.Run("schema violations", func(t *testing.T) {
		r := newEchoRegistry(t)
		cases := []map[string]any{
			{},
			{"text": 42.0},
			{"text": "x", "times": 1.5},
			{"text": "x", "mode": "whisper"},
		}
		for _, input := range cases {
			res := r.Invoke(ctx, Call{ID: "c", Name: "echo", Input: input})
			assert.True(t, res.IsError(), "input %v", input)
			assert.Contains(t, decodeToolError(t, res.Content)["error"], "invalid input")
		}
	})

	t.Run("handler error and panic", func(t *testing.T) {
		r := NewRegistry(nil)
		require.NoError(t, r.Register(MakeDefinition("fail", "", nil),
			func(context.Context, map[string]any) (any, error) { return nil, errors.New("disk on fire") }))
		require.NoError(t, r.Register(MakeDefinition("boom", "", nil),
			func(context.Context, map[string]any) (any, error) { panic("kaboom") }))

		res := r.Invoke(ctx, Call{ID: "a", Name: "fail"})
		assert.True(t, res.IsError())
		assert.Equal(t, "disk on fire", decodeToolError(t, res.Content)["error"])

		res = r.Invoke(ctx, Call{ID: "b", Name: "boom"})
		assert.True(t, res.IsError())
		assert.Equal(t, "b", res.CallID)
		assert.Contains(t, decodeToolError(t, res.Content)["error"], "kaboom")
	})

	t.Run("output formatting", func(t *testing.T) {
		r := NewRegistry(nil)
		require.NoError(t, r.Register(MakeDefinition("nil", "", nil),
			func(context.Context, map[string]any) (any, error) { return nil, nil }))
		require.NoError(t, r.Register(MakeDefinition("struct", "", nil),
			func(context.Context, map[string]any) (any, error) { return []DirEntry{{Name: "a"}}, nil }))

		assert.Equal(t, "OK", r.Invoke(ctx, Call{Name: "nil"}).Content)
		assert.JSONEq(t, `[{"name":"a","is_dir":false}]`, r.Invoke(ctx, Call{Name: "struct"}).Content)
	})

	t.Run("observer sees every call", func(t *testing.T) {
		r := newEchoRegistry(t)
		var seen []Status
		r.SetObserver(func(_ string, st Status, _ time.Duration) { seen = append(seen, st) })
		r.Invoke(ctx, Call{Name: "echo", Input: map[string]any{"text": "x"}})
		r.Invoke(ctx, Call{Name: "missing"})
		assert.Equal(t, []Status{StatusOK, StatusError}, seen)
	})
}

func TestSubset(t *testing.T) {
	t.Parallel()

	r := newEchoRegistry(t)
	require.NoError(t, r.Register(MakeDefinition("other", "", nil),
		func(context.Context, map[string]any) (any, error) { return "o", nil }))

	sub := r.Subset([]string{"other", "ghost", "other"})
	assert.Equal(t, []string{"other"}, sub.Names())
	res := sub.Invoke(context.Background(), Call{Name: "echo", Input: map[string]any{"text": "x"}})
	assert.True(t, res.IsError())

	assert.Empty(t, r.Subset(nil).DescribeAll())
}
