// Package copilot runs conversations: it assembles context from history,
// drives the tool-call loop against a bot's AI backend, answers chat
// commands and turns scheduled jobs into agent runs.
//
// The loop is a small state machine:
//
//	AWAITING_MODEL → DONE                         (final answer)
//	AWAITING_MODEL → EXECUTING_TOOLS → AWAITING_MODEL  (tool calls)
//
// It ends on a final answer, when the tool round cap is reached, when a stop
// is requested for the session, or when the backend fails. Exactly one loop
// runs per session at a time.
package copilot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jholhewres/pandabot/pkg/pandabot/llm"
	"github.com/jholhewres/pandabot/pkg/pandabot/session"
	"github.com/jholhewres/pandabot/pkg/pandabot/storage"
	"github.com/jholhewres/pandabot/pkg/pandabot/tools"
)

const (
	// DefaultMaxRounds is the tool round cap when a bot sets none.
	DefaultMaxRounds = 10

	// DefaultHistoryLimit is how many persisted messages feed a turn.
	DefaultHistoryLimit = 50

	defaultPollInterval = 100 * time.Millisecond
)

// History is the durable conversation store.
type History interface {
	Append(ctx context.Context, ref storage.TurnRef, msg llm.Message) error
	Load(ctx context.Context, sessionID string, limit int) ([]llm.Message, error)
	Search(ctx context.Context, botID, query string, limit int) ([]storage.SearchHit, error)
}

// Observer receives run measurements.
type Observer interface {
	ObserveLoop(outcome string, rounds int, elapsed time.Duration)
	ObserveDelivery(platform string, err error)
}

// LoopConfig tunes the orchestrator.
type LoopConfig struct {
	MaxRounds    int
	HistoryLimit int

	// PollInterval is how often a blocked loop checks for a stop request.
	PollInterval time.Duration
}

// DefaultLoopConfig returns a 10 round cap and a 50 message history window.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxRounds:    DefaultMaxRounds,
		HistoryLimit: DefaultHistoryLimit,
		PollInterval: defaultPollInterval,
	}
}

// Turn is one request to run the loop for a session.
type Turn struct {
	Session *session.Session
	Backend llm.Backend
	Tools   *tools.Registry
	System  string
	Input   string

	// MaxRounds overrides the configured cap when positive.
	MaxRounds int

	// ClearCancel lowers a stale stop flag once the session is claimed.
	ClearCancel bool
}

// Orchestrator runs tool-call loops.
type Orchestrator struct {
	sessions *session.Store
	history  History
	observer Observer
	cfg      LoopConfig
	logger   *slog.Logger
}

// NewOrchestrator creates an Orchestrator. history may be nil, in which case
// every turn starts from an empty conversation and nothing is persisted.
func NewOrchestrator(cfg LoopConfig, sessions *session.Store, history History, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultLoopConfig()
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = def.MaxRounds
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	return &Orchestrator{
		sessions: sessions,
		history:  history,
		cfg:      cfg,
		logger:   logger.With("component", "orchestrator"),
	}
}

// SetObserver installs a metrics observer.
func (o *Orchestrator) SetObserver(obs Observer) {
	o.observer = obs
}

// Run claims the session, persists the input, runs the loop to completion
// and releases the session on every path. It returns session.ErrBusy, and
// no outcome, when another loop already owns the session.
func (o *Orchestrator) Run(ctx context.Context, t Turn) (Outcome, error) {
	if !o.sessions.TryBeginLoop(t.Session) {
		return Outcome{}, session.ErrBusy
	}
	defer o.sessions.EndLoop(t.Session)

	if t.ClearCancel {
		o.sessions.ClearCancel(t.Session)
	}
	if t.Tools == nil {
		t.Tools = tools.NewRegistry(o.logger)
	}

	key := t.Session.Key
	ref := storage.TurnRef{SessionID: t.Session.ID(), BotID: key.BotID, ChatID: key.ChatID}
	logger := o.logger.With("session", ref.SessionID, "bot", key.BotID, "chat", key.ChatID)

	start := time.Now()
	out := o.runSafely(ctx, t, ref, logger)
	out.Elapsed = time.Since(start)

	logger.Info("loop finished",
		"outcome", out.Kind.String(),
		"rounds", out.Rounds,
		"duration_ms", out.Elapsed.Milliseconds(),
	)
	if o.observer != nil {
		o.observer.ObserveLoop(out.Kind.String(), out.Rounds, out.Elapsed)
	}
	return out, nil
}

func (o *Orchestrator) runSafely(ctx context.Context, t Turn, ref storage.TurnRef, logger *slog.Logger) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("loop panicked", "panic", r)
			out.Kind = OutcomeError
			out.Err = fmt.Errorf("loop panicked: %v", r)
			out.Text = fmt.Sprintf(errorNotice, llm.ErrorFatal)
			if n := len(out.Trace); n == 0 || out.Trace[n-1] != StateDone {
				out.Trace = append(out.Trace, StateDone)
			}
		}
	}()

	var history []llm.Message
	if o.history != nil {
		var err error
		history, err = o.history.Load(ctx, ref.SessionID, o.cfg.HistoryLimit)
		if err != nil {
			return Outcome{
				Kind:  OutcomeError,
				Text:  fmt.Sprintf(errorNotice, "history unavailable"),
				Err:   fmt.Errorf("load history: %w", err),
				Trace: []State{StateDone},
			}
		}
	}

	record := func(msg llm.Message) {
		if o.history == nil {
			return
		}
		if err := o.history.Append(ctx, ref, msg); err != nil {
			logger.Warn("failed to persist message", "role", msg.Role, "error", err)
		}
	}

	if t.Input != "" {
		record(llm.UserMessage(t.Input))
	}
	return o.loop(ctx, t, BuildConversation(history, t.Input), record, logger)
}

// loop drives the state machine over an assembled conversation. Messages
// generated along the way go to record in generation order.
func (o *Orchestrator) loop(ctx context.Context, t Turn, messages []llm.Message, record func(llm.Message), logger *slog.Logger) Outcome {
	maxRounds := t.MaxRounds
	if maxRounds <= 0 {
		maxRounds = o.cfg.MaxRounds
	}
	target := tools.Target{BotID: t.Session.Key.BotID, ChatID: t.Session.Key.ChatID, ThreadID: t.Session.Key.ThreadID}
	toolCtx := tools.ContextWithTarget(ctx, target)
	defs := t.Tools.DescribeAll()
	seenIDs := map[string]bool{}

	var out Outcome
	produce := func(msg llm.Message) {
		out.Produced = append(out.Produced, msg)
		record(msg)
	}
	done := func(kind OutcomeKind, text string, err error) Outcome {
		out.Trace = append(out.Trace, StateDone)
		out.Kind = kind
		out.Text = text
		out.Err = err
		return out
	}
	cancelled := func(where State) Outcome {
		logger.Info("loop cancelled", "state", where, "rounds", out.Rounds)
		return done(OutcomeCancelled, cancelledNotice, nil)
	}
	failed := func(err error) Outcome {
		info := t.Backend.Info()
		logger.Error("backend call failed", "backend", info.Backend, "model", info.Model, "error", err)
		return done(OutcomeError, fmt.Sprintf(errorNotice, llm.KindOf(err)),
			fmt.Errorf("backend %s: %w", info.Backend, err))
	}

	for {
		out.Trace = append(out.Trace, StateAwaitingModel)
		if t.Session.CancelRequested() {
			return cancelled(StateAwaitingModel)
		}

		req := llm.Request{System: t.System, Messages: messages, Tools: defs}
		resp, stopped, err := o.invoke(ctx, t, req)
		if stopped {
			return cancelled(StateAwaitingModel)
		}
		if err != nil {
			return failed(err)
		}
		if t.Session.CancelRequested() {
			return cancelled(StateAwaitingModel)
		}

		if resp.Kind != llm.OutcomeToolCalls || len(resp.ToolCalls) == 0 {
			produce(llm.AssistantMessage(resp.Text, nil))
			return done(OutcomeAnswer, resp.Text, nil)
		}

		if out.Rounds >= maxRounds {
			logger.Warn("tool round cap reached", "max_rounds", maxRounds)
			notice := fmt.Sprintf(budgetNotice, maxRounds)
			produce(llm.AssistantMessage(notice, nil))
			return done(OutcomeBudgetExhausted, notice, nil)
		}

		calls := uniqueCallIDs(resp.ToolCalls, seenIDs, out.Rounds)
		assistant := llm.AssistantMessage(resp.Text, calls)
		messages = append(messages, assistant)
		produce(assistant)

		out.Trace = append(out.Trace, StateExecutingTools)
		logger.Debug("executing tool calls", "count", len(calls), "round", out.Rounds+1)

		results, stopped, err := o.execute(toolCtx, t, calls)
		if stopped {
			return cancelled(StateExecutingTools)
		}
		if err != nil {
			return failed(err)
		}
		if t.Session.CancelRequested() {
			return cancelled(StateExecutingTools)
		}

		for _, r := range results {
			msg := llm.ToolMessage(r)
			messages = append(messages, msg)
			produce(msg)
		}
		out.Rounds++
	}
}

// invoke calls the backend while watching for a stop request. A stop
// cancels the call's context and returns at once.
func (o *Orchestrator) invoke(ctx context.Context, t Turn, req llm.Request) (llm.Outcome, bool, error) {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		res llm.Outcome
		err error
	)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		defer func() {
			if r := recover(); r != nil {
				err = &llm.Error{Kind: llm.ErrorFatal, Backend: t.Backend.Info().Backend, Err: fmt.Errorf("backend panicked: %v", r)}
			}
		}()
		res, err = t.Backend.Invoke(callCtx, req)
	}()

	stopped, waitErr := o.await(ctx, t.Session, finished)
	if stopped || waitErr != nil {
		return llm.Outcome{}, stopped, waitErr
	}
	return res, false, err
}

// execute runs a batch of calls in the requested order. On a stop it
// returns without the results; a call already started finishes in the
// background and is discarded, and the calls after it never start.
func (o *Orchestrator) execute(ctx context.Context, t Turn, calls []tools.Call) ([]tools.Result, bool, error) {
	results := make([]tools.Result, len(calls))
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for i, call := range calls {
			if t.Session.CancelRequested() {
				return
			}
			results[i] = t.Tools.Invoke(ctx, call)
		}
	}()

	stopped, err := o.await(ctx, t.Session, finished)
	if stopped || err != nil {
		return nil, stopped, err
	}
	return results, false, nil
}

// await blocks until finished closes, ctx ends or a stop is requested.
func (o *Orchestrator) await(ctx context.Context, sess *session.Session, finished <-chan struct{}) (bool, error) {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-finished:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
			if sess.CancelRequested() {
				return true, nil
			}
		}
	}
}

// uniqueCallIDs gives every call an id not yet used in this loop, so each
// result maps back to exactly one call.
func uniqueCallIDs(calls []tools.Call, seen map[string]bool, round int) []tools.Call {
	out := make([]tools.Call, len(calls))
	for i, c := range calls {
		for n := 0; c.ID == "" || seen[c.ID]; n++ {
			c.ID = fmt.Sprintf("call_%d_%d", round+1, i+1)
			if n > 0 {
				c.ID = fmt.Sprintf("%s_%d", c.ID, n)
			}
		}
		seen[c.ID] = true
		out[i] = c
	}
	return out
}
