package commands

import (
	"fmt"
	"io"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/pandabot/pkg/pandabot/scheduler"
	"github.com/jholhewres/pandabot/pkg/pandabot/storage"
)

// newScheduleCmd creates `pandabot schedule` for inspecting stored jobs.
func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage scheduled tasks",
		Long: `List and remove the scheduled tasks bots created with the scheduler tool.
Changes made while 'pandabot serve' is running take effect on its next start.

Examples:
  pandabot schedule list
  pandabot schedule list --bot helper
  pandabot schedule remove 3f2a9c1e`,
	}

	cmd.AddCommand(
		newScheduleListCmd(),
		newScheduleRemoveCmd(),
	)
	return cmd
}

func newScheduleListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			botID, _ := cmd.Flags().GetString("bot")
			return withJobStorage(cmd, func(js *storage.JobStorage) error {
				jobs, err := js.LoadAll()
				if err != nil {
					return err
				}
				if botID != "" {
					jobs = slices.DeleteFunc(jobs, func(j *scheduler.Job) bool { return j.BotID != botID })
				}
				printJobs(cmd.OutOrStdout(), jobs)
				return nil
			})
		},
	}
	cmd.Flags().String("bot", "", "only show jobs of this bot")
	return cmd
}

func newScheduleRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a scheduled task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJobStorage(cmd, func(js *storage.JobStorage) error {
				jobs, err := js.LoadAll()
				if err != nil {
					return err
				}
				if !slices.ContainsFunc(jobs, func(j *scheduler.Job) bool { return j.ID == args[0] }) {
					return fmt.Errorf("%w: %s", scheduler.ErrJobNotFound, args[0])
				}
				if err := js.Delete(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Task %s removed.\n", args[0])
				return nil
			})
		},
	}
}

func withJobStorage(cmd *cobra.Command, fn func(*storage.JobStorage) error) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	db, err := storage.Open(cfg.DBPath(), storage.Options{FTS: cfg.Storage.FTSEnabled}, stderrLogger(cmd, cfg))
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db.Jobs())
}

func printJobs(w io.Writer, jobs []*scheduler.Job) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No scheduled tasks.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tBOT\tCHAT\tKIND\tSCHEDULE\tRUNS\tMISSED\tLAST RUN\tPROMPT")
	for _, j := range jobs {
		last := "-"
		if j.LastRunAt != nil {
			last = j.LastRunAt.Local().Format(time.DateTime)
		}
		state := ""
		if !j.Enabled {
			state = " (disabled)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s%s\t%s\t%d\t%d\t%s\t%s\n",
			j.ID, j.BotID, j.ChatID, j.Kind, state, j.Schedule, j.RunCount, j.MissedCount, last, truncate(j.Prompt, 50))
	}
	tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
