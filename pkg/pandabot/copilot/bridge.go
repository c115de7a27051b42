package copilot

import (
	"context"
	"errors"
	"fmt"

	"github.com/jholhewres/pandabot/pkg/pandabot/bots"
	"github.com/jholhewres/pandabot/pkg/pandabot/scheduler"
	"github.com/jholhewres/pandabot/pkg/pandabot/session"
)

// Skip reasons reported for scheduled runs that did not execute.
const (
	SkipBotNotFound = "bot_not_found"
	SkipBusy        = "busy"
)

// ErrDeliveryFailed wraps channel errors when a scheduled answer could not
// be sent. The job is not retried.
var ErrDeliveryFailed = errors.New("delivery failed")

// RunScheduledJob is the scheduler's JobHandler. It runs the job's prompt
// through the orchestrator as a synthetic user message and sends the answer
// to the job's chat.
//
// A missing bot or a busy session yields a scheduler skip. A backend error
// or a failed send is returned as an error.
func (c *Copilot) RunScheduledJob(ctx context.Context, job *scheduler.Job) error {
	h, err := c.bots.Get(job.BotID)
	if errors.Is(err, bots.ErrNotFound) {
		return scheduler.Skip(SkipBotNotFound)
	}
	if err != nil {
		return err
	}

	key := session.Key{BotID: job.BotID, ChatID: job.ChatID, ThreadID: job.ThreadID}
	sess := c.sessions.ResolveOrCreate(key)

	out, err := c.orch.Run(ctx, Turn{
		Session:     sess,
		Backend:     h.Backend,
		Tools:       h.Tools,
		System:      h.SystemPrompt,
		Input:       job.Prompt,
		MaxRounds:   h.MaxToolRounds,
		ClearCancel: true,
	})
	if errors.Is(err, session.ErrBusy) {
		return scheduler.Skip(SkipBusy)
	}

	switch out.Kind {
	case OutcomeError:
		return fmt.Errorf("job %s: %w", job.ID, out.Err)
	case OutcomeCancelled:
		c.logger.Info("scheduled run cancelled", "job", job.ID, "bot", job.BotID, "chat", job.ChatID)
		return nil
	}
	if out.Text == "" {
		return nil
	}

	if err := c.deliver(ctx, h, job.ChatID, job.ThreadID, "", out.Text); err != nil {
		c.logger.Error("scheduled answer not delivered", "job", job.ID, "bot", job.BotID,
			"chat", job.ChatID, "error", err)
		return fmt.Errorf("%w: job %s: %v", ErrDeliveryFailed, job.ID, err)
	}
	return nil
}
