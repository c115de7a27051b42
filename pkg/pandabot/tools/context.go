package tools

import "context"

// Target is the chat a tool call originates from. The scheduler tool uses it
// so jobs always deliver back to the conversation that created them.
type Target struct {
	BotID    string
	ChatID   string
	ThreadID string
}

type ctxKeyTarget struct{}

// ContextWithTarget attaches the originating chat to ctx.
func ContextWithTarget(ctx context.Context, t Target) context.Context {
	return context.WithValue(ctx, ctxKeyTarget{}, t)
}

// TargetFromContext returns the chat attached by ContextWithTarget.
func TargetFromContext(ctx context.Context) (Target, bool) {
	t, ok := ctx.Value(ctxKeyTarget{}).(Target)
	return t, ok && t.BotID != "" && t.ChatID != ""
}
