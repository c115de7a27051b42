package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/pandabot/pkg/pandabot/channels"
	"github.com/jholhewres/pandabot/pkg/pandabot/config"
)

// newServeCmd creates the `pandabot serve` command that runs every bot.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the configured bots",
		Long: `Connect every configured Telegram and Discord bot, start the job
scheduler and answer messages until interrupted.

Examples:
  pandabot serve
  pandabot serve --bot helper --bot ops
  pandabot serve --config ./pandabot.yaml`,
		RunE: runServe,
	}

	cmd.Flags().StringSlice("bot", nil, "only run these bot ids")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s:\n%w", path, err)
	}
	logger := newLogger(cmd, cfg, os.Stdout)
	logger.Info("config loaded", "path", path)

	filter, _ := cmd.Flags().GetStringSlice("bot")
	var selected []config.BotConfig
	for _, b := range cfg.Bots {
		if b.Platform == channels.PlatformTerminal {
			logger.Info("skipping terminal bot, use 'pandabot chat'", "bot", b.ID)
			continue
		}
		if len(filter) == 0 || slices.Contains(filter, b.ID) {
			selected = append(selected, b)
		}
	}
	if len(selected) == 0 {
		return fmt.Errorf("no bots to serve")
	}

	rt, err := buildRuntime(cfg, selected, platformChannel, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		go func() {
			if err := rt.metrics.Serve(ctx, cfg.Metrics.Address, logger); err != nil {
				logger.Error("metrics endpoint failed", "error", err)
			}
		}()
	}

	if rt.sched != nil {
		if err := rt.sched.Start(ctx); err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}
	}
	if err := rt.manager.Start(ctx); err != nil {
		if rt.sched != nil {
			rt.sched.Stop()
		}
		return fmt.Errorf("starting channels: %w", err)
	}

	served := make(chan struct{})
	go func() {
		defer close(served)
		rt.copilot.Serve(ctx, rt.manager.Messages())
	}()

	logger.Info("pandabot running, press Ctrl+C to stop", "bots", rt.bots.IDs())
	<-ctx.Done()
	logger.Info("shutdown signal received, stopping")

	done := make(chan struct{})
	go func() {
		if rt.sched != nil {
			rt.sched.Stop()
		}
		rt.manager.Stop()
		<-served
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(15 * time.Second):
		logger.Warn("shutdown timed out after 15s, forcing exit")
	}
	return nil
}
