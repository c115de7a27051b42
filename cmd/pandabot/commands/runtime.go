package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jholhewres/pandabot/pkg/pandabot/bots"
	"github.com/jholhewres/pandabot/pkg/pandabot/channels"
	"github.com/jholhewres/pandabot/pkg/pandabot/channels/discord"
	"github.com/jholhewres/pandabot/pkg/pandabot/channels/telegram"
	"github.com/jholhewres/pandabot/pkg/pandabot/config"
	"github.com/jholhewres/pandabot/pkg/pandabot/copilot"
	"github.com/jholhewres/pandabot/pkg/pandabot/llm"
	"github.com/jholhewres/pandabot/pkg/pandabot/llm/anthropic"
	"github.com/jholhewres/pandabot/pkg/pandabot/llm/claudecode"
	"github.com/jholhewres/pandabot/pkg/pandabot/metrics"
	"github.com/jholhewres/pandabot/pkg/pandabot/scheduler"
	"github.com/jholhewres/pandabot/pkg/pandabot/secrets"
	"github.com/jholhewres/pandabot/pkg/pandabot/session"
	"github.com/jholhewres/pandabot/pkg/pandabot/storage"
	"github.com/jholhewres/pandabot/pkg/pandabot/tools"
)

// loadConfig reads --config or the first config file found.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = config.FindConfigFile()
	}
	if path == "" {
		return nil, "", fmt.Errorf("no config file found; run 'pandabot setup' or pass --config")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config from %s: %w", path, err)
	}
	return cfg, path, nil
}

// newLogger builds the slog handler selected by logging.format.
func newLogger(cmd *cobra.Command, cfg *config.Config, w io.Writer) *slog.Logger {
	level := cfg.SlogLevel()
	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// channelFactory builds the channel a bot listens on.
type channelFactory func(bot config.BotConfig, logger *slog.Logger) (channels.Channel, error)

// platformChannel builds the channel named by the bot's platform.
func platformChannel(bot config.BotConfig, logger *slog.Logger) (channels.Channel, error) {
	switch bot.Platform {
	case channels.PlatformTelegram:
		return telegram.New(bot.ID, telegram.Config{
			Token:        bot.Token,
			AllowedChats: bot.AllowedChats,
		}, logger), nil
	case channels.PlatformDiscord:
		return discord.New(bot.ID, discord.Config{
			Token:        bot.Token,
			GuildIDs:     bot.GuildIDs,
			AllowedChats: bot.AllowedChats,
		}, logger), nil
	default:
		return nil, fmt.Errorf("bot %q: platform %q cannot run under serve", bot.ID, bot.Platform)
	}
}

// runtime is the wired object graph shared by serve and chat.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *storage.DB
	sessions *session.Store
	sched    *scheduler.Scheduler
	bots     *bots.Registry
	manager  *channels.Manager
	copilot  *copilot.Copilot
	metrics  *metrics.Metrics
}

// buildRuntime narrows cfg to botCfgs, resolves their secrets, opens storage
// and registers each bot with the channel returned by newChannel.
func buildRuntime(cfg *config.Config, botCfgs []config.BotConfig, newChannel channelFactory, logger *slog.Logger) (*runtime, error) {
	cfg.Bots = botCfgs
	vault := secrets.OpenVault(cfg.VaultPath(secrets.VaultFile), logger)
	if err := cfg.ResolveSecrets(secrets.NewResolver(vault, logger)); err != nil {
		return nil, fmt.Errorf("resolving secrets: %w", err)
	}
	if vault != nil {
		vault.Lock()
	}

	db, err := storage.Open(cfg.DBPath(), storage.Options{FTS: cfg.Storage.FTSEnabled}, logger)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		sessions: session.NewStore(db, logger),
		bots:     bots.NewRegistry(logger),
		manager:  channels.NewManager(logger),
		metrics:  metrics.New(),
	}

	if cfg.Services.Scheduler.Enabled {
		loc, err := cfg.Location()
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("scheduler timezone: %w", err)
		}
		rt.sched = scheduler.New(scheduler.Config{
			Location:      loc,
			MaxConcurrent: cfg.Services.Scheduler.MaxConcurrentJobs,
			JobTimeout:    cfg.Services.Scheduler.JobTimeout,
		}, db.Jobs(), func(ctx context.Context, job *scheduler.Job) error {
			return rt.copilot.RunScheduledJob(ctx, job)
		}, logger)
		rt.sched.SetObserver(rt.metrics.ObserveScheduledRun)
	}

	for _, bc := range cfg.Bots {
		if err := rt.addBot(bc, newChannel); err != nil {
			db.Close()
			return nil, err
		}
	}

	copilotCfg := copilot.DefaultConfig()
	rt.copilot = copilot.New(copilotCfg, rt.bots, rt.sessions, db, logger)
	rt.copilot.SetObserver(rt.metrics)
	if rt.sched != nil {
		rt.copilot.SetScheduler(rt.sched)
	}
	return rt, nil
}

func (rt *runtime) addBot(bc config.BotConfig, newChannel channelFactory) error {
	backend, err := newBackend(rt.cfg, bc, rt.logger)
	if err != nil {
		return err
	}
	reg, err := newToolRegistry(rt.cfg, bc, rt.sched, rt.logger)
	if err != nil {
		return fmt.Errorf("bot %q tools: %w", bc.ID, err)
	}
	reg.SetObserver(rt.metrics.ObserveTool)

	ch, err := newChannel(bc, rt.logger)
	if err != nil {
		return err
	}
	if err := rt.manager.Register(ch); err != nil {
		return err
	}

	return rt.bots.Register(&bots.Handle{
		ID:            bc.ID,
		Platform:      ch.Platform(),
		Channel:       ch,
		Backend:       backend,
		Tools:         reg.Subset(bc.AI.Tools),
		SystemPrompt:  bc.AI.SystemPrompt,
		MaxToolRounds: bc.AI.MaxToolRounds,
	})
}

// newBackend builds the AI backend selected by the bot's ai.backend.
func newBackend(cfg *config.Config, bc config.BotConfig, logger *slog.Logger) (llm.Backend, error) {
	switch bc.AI.Backend {
	case config.BackendAnthropic:
		if cfg.Anthropic.APIKey == "" {
			return nil, fmt.Errorf("bot %q: no Anthropic API key (set anthropic.api_key, %s, or run 'pandabot config set-key %s')",
				bc.ID, config.AnthropicKeyEnv, config.AnthropicKeyName)
		}
		retry := llm.DefaultRetryPolicy()
		retry.MaxRetries = cfg.Anthropic.MaxRetries
		return anthropic.New(anthropic.Config{
			APIKey:      cfg.Anthropic.APIKey,
			BaseURL:     cfg.Anthropic.BaseURL,
			Model:       bc.AI.Model,
			MaxTokens:   bc.AI.MaxTokens,
			Temperature: bc.AI.Temperature,
			Timeout:     cfg.Anthropic.Timeout,
			Retry:       retry,
		}, logger), nil

	case config.BackendClaudeCode:
		model := bc.AI.Model
		if model == "" {
			model = cfg.ClaudeCode.Model
		}
		return claudecode.New(claudecode.Config{
			CLIPath:        cfg.ClaudeCode.CLIPath,
			Model:          model,
			Timeout:        cfg.ClaudeCode.Timeout,
			AllowedTools:   cfg.ClaudeCode.AllowedTools,
			APIKey:         cfg.ClaudeCode.APIKey,
			PermissionMode: cfg.ClaudeCode.PermissionMode,
		}, logger), nil

	default:
		return nil, fmt.Errorf("bot %q: unknown backend %q", bc.ID, bc.AI.Backend)
	}
}

// newToolRegistry registers every built-in tool the services allow. The
// scheduler tool is only available when the scheduler runs.
func newToolRegistry(cfg *config.Config, bc config.BotConfig, sched *scheduler.Scheduler, logger *slog.Logger) (*tools.Registry, error) {
	reg := tools.NewRegistry(logger.With("bot", bc.ID))

	if err := tools.RegisterFilesystem(reg); err != nil {
		return nil, err
	}

	execCfg := tools.DefaultExecutorConfig()
	if cfg.Services.Executor.DefaultTimeout > 0 {
		execCfg.DefaultTimeout = cfg.Services.Executor.DefaultTimeout
	}
	if cfg.Services.Executor.MaxTimeout > 0 {
		execCfg.MaxTimeout = cfg.Services.Executor.MaxTimeout
	}
	if err := tools.RegisterExecutor(reg, execCfg); err != nil {
		return nil, err
	}

	browserCfg := tools.DefaultBrowserConfig()
	if d := cfg.BrowserTimeout(); d > 0 {
		browserCfg.Timeout = d
	}
	if cfg.Services.Browser.UserAgent != "" {
		browserCfg.UserAgent = cfg.Services.Browser.UserAgent
	}
	if err := tools.RegisterBrowser(reg, tools.NewBrowser(browserCfg)); err != nil {
		return nil, err
	}

	if sched != nil {
		if err := tools.RegisterScheduler(reg, sched); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// close releases the database. Channels and the scheduler are stopped by the
// caller, which owns their lifecycle.
func (rt *runtime) close() {
	if err := rt.db.Close(); err != nil {
		rt.logger.Warn("failed to close database", "error", err)
	}
}

func stderrLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	return newLogger(cmd, cfg, os.Stderr)
}
