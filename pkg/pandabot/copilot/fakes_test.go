package copilot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jholhewres/pandabot/pkg/pandabot/channels"
	"github.com/jholhewres/pandabot/pkg/pandabot/llm"
	"github.com/jholhewres/pandabot/pkg/pandabot/storage"
	"github.com/jholhewres/pandabot/pkg/pandabot/tools"
)

type step func(ctx context.Context, req llm.Request) (llm.Outcome, error)

func answer(text string) step {
	return func(context.Context, llm.Request) (llm.Outcome, error) {
		return llm.FinalAnswer(text), nil
	}
}

func requestTools(calls ...tools.Call) step {
	return func(context.Context, llm.Request) (llm.Outcome, error) {
		return llm.ToolCallsRequested("", calls), nil
	}
}

func fail(err error) step {
	return func(context.Context, llm.Request) (llm.Outcome, error) {
		return llm.Outcome{}, err
	}
}

// scriptedBackend plays steps in order and repeats the last one.
type scriptedBackend struct {
	mu    sync.Mutex
	steps []step
	reqs  []llm.Request
}

func newBackend(steps ...step) *scriptedBackend {
	return &scriptedBackend{steps: steps}
}

func (b *scriptedBackend) Invoke(ctx context.Context, req llm.Request) (llm.Outcome, error) {
	b.mu.Lock()
	i := len(b.reqs)
	b.reqs = append(b.reqs, req)
	b.mu.Unlock()
	if i >= len(b.steps) {
		i = len(b.steps) - 1
	}
	return b.steps[i](ctx, req)
}

func (b *scriptedBackend) Info() llm.Info {
	return llm.Info{Backend: "scripted", Model: "test-model"}
}

func (b *scriptedBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.reqs)
}

func (b *scriptedBackend) Request(i int) llm.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reqs[i]
}

// memHistory is an in-memory History.
type memHistory struct {
	mu    sync.Mutex
	turns map[string][]llm.Message
	bots  map[string]string
}

func newMemHistory() *memHistory {
	return &memHistory{turns: map[string][]llm.Message{}, bots: map[string]string{}}
}

func (h *memHistory) Append(_ context.Context, ref storage.TurnRef, msg llm.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns[ref.SessionID] = append(h.turns[ref.SessionID], msg)
	h.bots[ref.SessionID] = ref.BotID
	return nil
}

func (h *memHistory) Load(_ context.Context, sessionID string, limit int) ([]llm.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := h.turns[sessionID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]llm.Message(nil), msgs...), nil
}

func (h *memHistory) Search(_ context.Context, botID, query string, limit int) ([]storage.SearchHit, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var hits []storage.SearchHit
	for sid, msgs := range h.turns {
		if h.bots[sid] != botID {
			continue
		}
		for _, m := range msgs {
			if m.Role != llm.RoleTool && strings.Contains(m.Content, query) {
				hits = append(hits, storage.SearchHit{SessionID: sid, Role: string(m.Role), Content: m.Content, CreatedAt: time.Now()})
			}
		}
	}
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (h *memHistory) Messages(sessionID string) []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]llm.Message(nil), h.turns[sessionID]...)
}

// fakeChannel records what is sent.
type fakeChannel struct {
	botID    string
	platform string
	sendErr  error

	mu     sync.Mutex
	sent   []sentMessage
	typing int
}

type sentMessage struct {
	To  string
	Msg channels.OutgoingMessage
}

func (f *fakeChannel) Name() string                              { return f.botID }
func (f *fakeChannel) Platform() string                          { return f.platform }
func (f *fakeChannel) Connect(context.Context) error             { return nil }
func (f *fakeChannel) Disconnect() error                         { return nil }
func (f *fakeChannel) Receive() <-chan *channels.IncomingMessage { return nil }
func (f *fakeChannel) IsConnected() bool                         { return true }
func (f *fakeChannel) Health() channels.HealthStatus             { return channels.HealthStatus{Connected: true} }

func (f *fakeChannel) Send(_ context.Context, to string, msg *channels.OutgoingMessage) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{To: to, Msg: *msg})
	return nil
}

func (f *fakeChannel) SendTyping(context.Context, string) error {
	f.mu.Lock()
	f.typing++
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

// countingObserver records loop and delivery observations.
type countingObserver struct {
	mu         sync.Mutex
	outcomes   []string
	deliveries []error
}

func (o *countingObserver) ObserveLoop(outcome string, _ int, _ time.Duration) {
	o.mu.Lock()
	o.outcomes = append(o.outcomes, outcome)
	o.mu.Unlock()
}

func (o *countingObserver) ObserveDelivery(_ string, err error) {
	o.mu.Lock()
	o.deliveries = append(o.deliveries, err)
	o.mu.Unlock()
}

var errBackendDown = errors.New("connection refused")

// listTool registers list_dir, recording the order of invocations.
func listTool(t *testing.T, order *[]string, mu *sync.Mutex) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry(nil)
	def := tools.MakeDefinition("list_dir", "List a directory", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string"},
		},
		"required": []any{"path"},
	})
	require.NoError(t, r.Register(def, func(_ context.Context, args map[string]any) (any, error) {
		path, _ := args["path"].(string)
		if mu != nil {
			mu.Lock()
			*order = append(*order, path)
			mu.Unlock()
		}
		return []string{path + "/a.txt", path + "/b.txt"}, nil
	}))
	return r
}
