package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jholhewres/pandabot/pkg/pandabot/scheduler"
)

// RegisterScheduler adds the "scheduler" tool. Jobs always target the chat
// found in the call context, so a model cannot schedule into other chats.
func RegisterScheduler(r *Registry, sched *scheduler.Scheduler) error {
	def := MakeDefinition("scheduler",
		"Schedule AI tasks to run at specific times or on a cron schedule. "+
			"When a task runs, its prompt is executed by the assistant and the result is sent "+
			"back to the current chat. Can also list and remove scheduled tasks.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action": map[string]any{
					"type":        "string",
					"enum":        []string{"add_cron", "add_once", "list", "remove"},
					"description": "'add_cron' = recurring job, 'add_once' = one-time job, 'list' = jobs of this chat, 'remove' = delete a job by id",
				},
				"cron_expr": map[string]any{
					"type":        "string",
					"description": "Cron expression (minute hour day month weekday) or descriptor such as @daily, for add_cron",
				},
				"run_at": map[string]any{
					"type":        "string",
					"description": "When to run for add_once: ISO datetime (e.g. '2025-01-15T14:30:00'), 'HH:MM', or a delay such as '30m'",
				},
				"task_prompt": map[string]any{
					"type":        "string",
					"description": "The prompt to execute when the job runs. The result is sent to this chat.",
				},
				"job_id": map[string]any{
					"type":        "string",
					"description": "Job id for remove",
				},
			},
			"required": []string{"action"},
		})

	return r.Register(def, func(ctx context.Context, args map[string]any) (any, error) {
		target, hasTarget := TargetFromContext(ctx)

		switch action := stringArg(args, "action"); action {
		case "add_cron":
			expr := strings.TrimSpace(stringArg(args, "cron_expr"))
			prompt := strings.TrimSpace(stringArg(args, "task_prompt"))
			if expr == "" {
				return nil, errors.New("cron_expr is required for add_cron")
			}
			if prompt == "" {
				return nil, errors.New("task_prompt is required for add_cron")
			}
			if !hasTarget {
				return nil, errors.New("no conversation context available")
			}
			job, err := sched.AddCron(target.BotID, target.ChatID, target.ThreadID, expr, prompt)
			if err != nil {
				return nil, err
			}
			return fmt.Sprintf("Cron job created with ID: %s\nSchedule: %s\nTask: %s\nResults will be sent to this chat.",
				job.ID, expr, prompt), nil

		case "add_once":
			runAtStr := strings.TrimSpace(stringArg(args, "run_at"))
			prompt := strings.TrimSpace(stringArg(args, "task_prompt"))
			if runAtStr == "" {
				return nil, errors.New("run_at is required for add_once")
			}
			if prompt == "" {
				return nil, errors.New("task_prompt is required for add_once")
			}
			if !hasTarget {
				return nil, errors.New("no conversation context available")
			}
			runAt, err := scheduler.ParseRunAt(runAtStr, time.Now(), sched.Location())
			if err != nil {
				return nil, err
			}
			job, err := sched.AddOnce(target.BotID, target.ChatID, target.ThreadID, runAt, prompt)
			if err != nil {
				return nil, err
			}
			return fmt.Sprintf("One-shot job created with ID: %s\nScheduled for: %s\nTask: %s\nThe result will be sent to this chat.",
				job.ID, runAt.In(sched.Location()).Format(time.RFC3339), prompt), nil

		case "list":
			var jobs []*scheduler.Job
			if hasTarget {
				jobs = sched.ListFor(target.BotID, target.ChatID)
			} else {
				jobs = sched.List()
			}
			if len(jobs) == 0 {
				return "No scheduled jobs.", nil
			}
			return jobs, nil

		case "remove":
			id := strings.TrimSpace(stringArg(args, "job_id"))
			if id == "" {
				return nil, errors.New("job_id is required for remove")
			}
			if job, ok := sched.Get(id); ok && hasTarget && (job.BotID != target.BotID || job.ChatID != target.ChatID) {
				return nil, fmt.Errorf("job %s belongs to another chat", id)
			}
			if err := sched.Remove(id); err != nil {
				return nil, err
			}
			return fmt.Sprintf("Job %s removed.", id), nil

		default:
			return nil, fmt.Errorf("unknown action %q", action)
		}
	})
}
