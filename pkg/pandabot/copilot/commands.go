package copilot

import (
	"context"
	"fmt"
	"strings"

	"github.com/jholhewres/pandabot/pkg/pandabot/bots"
	"github.com/jholhewres/pandabot/pkg/pandabot/session"
)

const helpText = `Commands:
/reset - start a fresh conversation
/stop - stop the current run
/model - show backend, model and tools
/search <query> - search this bot's conversation history
/jobs - list scheduled tasks for this chat
/help - show this message`

const searchSnippetLen = 160

// parseCommand splits "/cmd@botname args" into "/cmd" and "args".
func parseCommand(text string) (string, string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	cmd, args, _ := strings.Cut(text, " ")
	if at := strings.Index(cmd, "@"); at > 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd), strings.TrimSpace(args), true
}

// handleCommand answers chat commands. It returns false when text is not a
// command pandabot knows, so it goes to the agent as a normal message.
func (c *Copilot) handleCommand(ctx context.Context, h *bots.Handle, sess *session.Session, text string) (string, bool) {
	if active, _ := sess.LoopActive(); active && IsStopPhrase(text) {
		return c.cmdStop(sess), true
	}

	cmd, args, ok := parseCommand(text)
	if !ok {
		return "", false
	}

	c.logger.Debug("command received", "bot", h.ID, "chat", sess.Key.ChatID, "command", cmd)
	switch cmd {
	case "/reset", "/new":
		c.sessions.Reset(sess)
		return "Session reset. Starting a fresh conversation.", true
	case "/stop":
		return c.cmdStop(sess), true
	case "/model":
		return c.cmdModel(h), true
	case "/search":
		return c.cmdSearch(ctx, h, args), true
	case "/jobs":
		return c.cmdJobs(sess.Key), true
	case "/help", "/start":
		return helpText, true
	default:
		return "", false
	}
}

func (c *Copilot) cmdStop(sess *session.Session) string {
	if c.sessions.RequestCancel(sess) {
		return "Stopping the current run."
	}
	return "Nothing is running."
}

func (c *Copilot) cmdModel(h *bots.Handle) string {
	info := h.Backend.Info()
	toolNames := "none"
	if h.Tools != nil {
		if names := h.Tools.Names(); len(names) > 0 {
			toolNames = strings.Join(names, ", ")
		}
	}
	rounds := h.MaxToolRounds
	if rounds <= 0 {
		rounds = c.cfg.MaxRounds
	}
	return fmt.Sprintf("Backend: %s\nModel: %s\nTools: %s\nMax tool rounds: %d",
		info.Backend, info.Model, toolNames, rounds)
}

func (c *Copilot) cmdSearch(ctx context.Context, h *bots.Handle, query string) string {
	if query == "" {
		return "Usage: /search <query>"
	}
	if c.history == nil {
		return "History search is not available."
	}
	hits, err := c.history.Search(ctx, h.ID, query, c.cfg.SearchLimit)
	if err != nil {
		c.logger.Error("history search failed", "bot", h.ID, "error", err)
		return "Search failed."
	}
	if len(hits) == 0 {
		return fmt.Sprintf("No matches for %q.", query)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d matches:\n", len(hits))
	for i, hit := range hits {
		fmt.Fprintf(&b, "%d. [%s] %s: %s\n", i+1,
			hit.CreatedAt.Local().Format("2006-01-02 15:04"), hit.Role, snippet(hit.Content, searchSnippetLen))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Copilot) cmdJobs(key session.Key) string {
	if c.sched == nil {
		return "The scheduler is disabled."
	}
	jobs := c.sched.ListFor(key.BotID, key.ChatID)
	if len(jobs) == 0 {
		return "No scheduled tasks for this chat."
	}
	var b strings.Builder
	b.WriteString("Scheduled tasks:")
	for _, j := range jobs {
		b.WriteString("\n- ")
		b.WriteString(j.Summary())
	}
	return b.String()
}

func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
