package bots

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/pandabot/pkg/pandabot/llm"
)

type stubBackend struct{}

func (stubBackend) Invoke(context.Context, llm.Request) (llm.Outcome, error) {
	return llm.FinalAnswer("ok"), nil
}
func (stubBackend) Info() llm.Info { return llm.Info{Backend: "stub"} }

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	require.Error(t, r.Register(&Handle{}))
	require.Error(t, r.Register(&Handle{ID: "x"}), "backend is required")

	require.NoError(t, r.Register(&Handle{ID: "beta", Backend: stubBackend{}}))
	require.NoError(t, r.Register(&Handle{ID: "alpha", Backend: stubBackend{}}))
	assert.Equal(t, []string{"alpha", "beta"}, r.IDs())

	h, err := r.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", h.ID)

	r.Unregister("alpha")
	r.Unregister("never-registered")
	_, err = r.Get("alpha")
	require.ErrorIs(t, err, ErrNotFound)

	replacement := &Handle{ID: "beta", Backend: stubBackend{}, SystemPrompt: "v2"}
	require.NoError(t, r.Register(replacement))
	h, err = r.Get("beta")
	require.NoError(t, err)
	assert.Same(t, replacement, h)
}
