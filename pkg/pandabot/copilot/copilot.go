package copilot

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/pandabot/pkg/pandabot/bots"
	"github.com/jholhewres/pandabot/pkg/pandabot/channels"
	"github.com/jholhewres/pandabot/pkg/pandabot/scheduler"
	"github.com/jholhewres/pandabot/pkg/pandabot/session"
)

// Config tunes the dispatcher.
type Config struct {
	LoopConfig

	// SearchLimit caps /search results.
	SearchLimit int

	// TypingInterval is how often the typing indicator is refreshed while
	// a loop runs. Zero disables it.
	TypingInterval time.Duration
}

// DefaultConfig returns the loop defaults, 5 search results and a typing
// refresh every 4 seconds.
func DefaultConfig() Config {
	return Config{
		LoopConfig:     DefaultLoopConfig(),
		SearchLimit:    5,
		TypingInterval: 4 * time.Second,
	}
}

// Copilot dispatches inbound chat messages and scheduled jobs to the
// orchestrator and delivers the answers.
type Copilot struct {
	cfg      Config
	bots     *bots.Registry
	sessions *session.Store
	history  History
	sched    *scheduler.Scheduler
	orch     *Orchestrator
	observer Observer
	logger   *slog.Logger

	wg sync.WaitGroup
}

// New creates a Copilot. history may be nil.
func New(cfg Config, registry *bots.Registry, sessions *session.Store, history History, logger *slog.Logger) *Copilot {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = DefaultConfig().SearchLimit
	}
	orch := NewOrchestrator(cfg.LoopConfig, sessions, history, logger)
	cfg.LoopConfig = orch.cfg

	return &Copilot{
		cfg:      cfg,
		bots:     registry,
		sessions: sessions,
		history:  history,
		orch:     orch,
		logger:   logger.With("component", "copilot"),
	}
}

// SetScheduler enables /jobs.
func (c *Copilot) SetScheduler(s *scheduler.Scheduler) {
	c.sched = s
}

// SetObserver installs a metrics observer for loops and deliveries.
func (c *Copilot) SetObserver(obs Observer) {
	c.observer = obs
	c.orch.SetObserver(obs)
}

// Orchestrator returns the loop runner.
func (c *Copilot) Orchestrator() *Orchestrator {
	return c.orch
}

// Serve handles messages until ctx ends or msgs closes. Each message runs
// in its own goroutine so a /stop can reach a session whose loop is busy.
func (c *Copilot) Serve(ctx context.Context, msgs <-chan *channels.IncomingMessage) {
	defer c.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.HandleMessage(ctx, msg)
			}()
		}
	}
}

// HandleMessage runs one inbound message: a chat command or a full agent
// turn whose answer is sent back to the same chat.
func (c *Copilot) HandleMessage(ctx context.Context, msg *channels.IncomingMessage) {
	h, err := c.bots.Get(msg.BotID)
	if err != nil {
		c.logger.Warn("message for unknown bot dropped", "bot", msg.BotID, "chat", msg.ChatID)
		return
	}
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return
	}

	sess := c.sessions.ResolveOrCreate(session.Key{BotID: msg.BotID, ChatID: msg.ChatID, ThreadID: msg.ThreadID})
	if reply, ok := c.handleCommand(ctx, h, sess, text); ok {
		c.reply(ctx, h, msg, reply)
		return
	}

	stopTyping := c.startTyping(ctx, h, msg)
	out, err := c.orch.Run(ctx, Turn{
		Session:     sess,
		Backend:     h.Backend,
		Tools:       h.Tools,
		System:      h.SystemPrompt,
		Input:       text,
		MaxRounds:   h.MaxToolRounds,
		ClearCancel: true,
	})
	stopTyping()

	if errors.Is(err, session.ErrBusy) {
		c.logger.Info("session busy, message rejected", "bot", h.ID, "chat", msg.ChatID)
		c.reply(ctx, h, msg, busyNotice)
		return
	}
	if out.Kind == OutcomeCancelled {
		return
	}
	if out.Text == "" {
		c.logger.Debug("empty answer, nothing to send", "bot", h.ID, "chat", msg.ChatID)
		return
	}
	c.reply(ctx, h, msg, out.Text)
}

func (c *Copilot) reply(ctx context.Context, h *bots.Handle, msg *channels.IncomingMessage, text string) {
	if err := c.deliver(ctx, h, msg.ChatID, msg.ThreadID, msg.ID, text); err != nil {
		c.logger.Error("failed to send reply", "bot", h.ID, "chat", msg.ChatID, "error", err)
	}
}

// deliver sends text to a chat, split to the platform's message limit.
func (c *Copilot) deliver(ctx context.Context, h *bots.Handle, chatID, threadID, replyTo, text string) error {
	var err error
	if h.Channel == nil {
		err = channels.ErrChannelNotFound
	} else {
		for i, chunk := range channels.SplitMessage(text, channels.MaxMessageLen(h.Platform)) {
			out := &channels.OutgoingMessage{Content: chunk, ThreadID: threadID}
			if i == 0 {
				out.ReplyTo = replyTo
			}
			if err = h.Channel.Send(ctx, chatID, out); err != nil {
				break
			}
		}
	}
	if c.observer != nil {
		c.observer.ObserveDelivery(h.Platform, err)
	}
	return err
}

// startTyping refreshes the typing indicator until the returned func is
// called. Channels without presence support are skipped.
func (c *Copilot) startTyping(ctx context.Context, h *bots.Handle, msg *channels.IncomingMessage) func() {
	pc, ok := h.Channel.(channels.PresenceChannel)
	if !ok || c.cfg.TypingInterval <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(c.cfg.TypingInterval)
		defer ticker.Stop()
		for {
			if err := pc.SendTyping(ctx, msg.ChatID); err != nil && ctx.Err() == nil {
				c.logger.Debug("typing indicator failed", "bot", h.ID, "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
