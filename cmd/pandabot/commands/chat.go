package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/pandabot/pkg/pandabot/channels"
	"github.com/jholhewres/pandabot/pkg/pandabot/channels/terminal"
	"github.com/jholhewres/pandabot/pkg/pandabot/config"
	"github.com/jholhewres/pandabot/pkg/pandabot/copilot"
	"github.com/jholhewres/pandabot/pkg/pandabot/session"
)

// newChatCmd creates the `pandabot chat` command for local conversations.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to a bot from the terminal",
		Long: `Run one bot's agent locally. With a message argument the answer is printed
and the command exits; without one an interactive prompt starts. Chat
commands such as /reset, /stop and /model work in the prompt.

Examples:
  pandabot chat "what's in ~/projects?"
  pandabot chat --bot ops`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}

	cmd.Flags().StringP("bot", "b", "", "bot id whose AI settings are used (default: first terminal bot, else first bot)")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := stderrLogger(cmd, cfg)
	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); !verbose {
		logger = newQuietLogger(cfg)
	}

	botID, _ := cmd.Flags().GetString("bot")
	bc, err := pickChatBot(cfg, botID)
	if err != nil {
		return err
	}
	if len(args) == 0 && !term.IsTerminal(int(os.Stdin.Fd())) {
		return errors.New("interactive chat needs a terminal; pass the message as an argument instead")
	}

	// The terminal needs no platform credential.
	bc.Token = ""
	tty := terminal.New(bc.ID, terminal.Config{
		HistoryFile: terminal.DefaultHistoryFile(cfg.DataDir),
	}, logger)
	rt, err := buildRuntime(cfg, []config.BotConfig{bc}, func(config.BotConfig, *slog.Logger) (channels.Channel, error) {
		return tty, nil
	}, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(args) == 1 {
		return chatOnce(ctx, cmd, rt, bc, args[0])
	}

	if err := os.MkdirAll(filepath.Dir(terminal.DefaultHistoryFile(cfg.DataDir)), 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	// Jobs added here are persisted and fire under serve; the scheduler is
	// not started so other bots' jobs do not run against this terminal.
	if err := rt.manager.Start(ctx); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Chatting with %s. Type /help for commands, exit to quit.\n\n", bc.ID)

	served := make(chan struct{})
	go func() {
		defer close(served)
		rt.copilot.Serve(ctx, rt.manager.Messages())
	}()

	select {
	case <-tty.Done():
	case <-ctx.Done():
	}
	stop()
	rt.manager.Stop()
	<-served
	return nil
}

// chatOnce runs a single agent turn and prints the answer.
func chatOnce(ctx context.Context, cmd *cobra.Command, rt *runtime, bc config.BotConfig, message string) error {
	h, err := rt.bots.Get(bc.ID)
	if err != nil {
		return err
	}
	sess := rt.sessions.ResolveOrCreate(session.Key{BotID: bc.ID, ChatID: terminal.ChatID})

	out, err := rt.copilot.Orchestrator().Run(ctx, copilot.Turn{
		Session:     sess,
		Backend:     h.Backend,
		Tools:       h.Tools,
		System:      h.SystemPrompt,
		Input:       message,
		MaxRounds:   h.MaxToolRounds,
		ClearCancel: true,
	})
	if err != nil {
		return err
	}
	if out.Text != "" {
		fmt.Fprintln(cmd.OutOrStdout(), out.Text)
	}
	if out.Kind == copilot.OutcomeError {
		return out.Err
	}
	return nil
}

// pickChatBot chooses the bot by id, else the first terminal bot, else the
// first bot.
func pickChatBot(cfg *config.Config, id string) (config.BotConfig, error) {
	if id != "" {
		bc, ok := cfg.Bot(id)
		if !ok {
			return config.BotConfig{}, fmt.Errorf("bot %q is not configured", id)
		}
		return bc, nil
	}
	for _, bc := range cfg.Bots {
		if bc.Platform == channels.PlatformTerminal {
			return bc, nil
		}
	}
	if len(cfg.Bots) == 0 {
		return config.BotConfig{}, errors.New("no bots configured; run 'pandabot setup'")
	}
	return cfg.Bots[0], nil
}

// newQuietLogger keeps the prompt clean: only warnings and errors reach
// stderr unless --verbose is set.
func newQuietLogger(cfg *config.Config) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: max(cfg.SlogLevel(), slog.LevelWarn)}))
}
