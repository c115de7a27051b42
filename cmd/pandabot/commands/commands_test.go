package commands

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/jholhewres/pandabot/pkg/pandabot/channels"
	"github.com/jholhewres/pandabot/pkg/pandabot/config"
	"github.com/jholhewres/pandabot/pkg/pandabot/scheduler"
	"github.com/jholhewres/pandabot/pkg/pandabot/secrets"
	"github.com/jholhewres/pandabot/pkg/pandabot/storage"
)

func TestRootCommandTree(t *testing.T) {
	t.Parallel()
	root := NewRootCmd("1.2.3")
	assert.Equal(t, "1.2.3", root.Version)

	for _, path := range [][]string{
		{"serve"}, {"chat"}, {"setup"},
		{"schedule", "list"}, {"schedule", "remove"},
		{"config", "show"}, {"config", "check"}, {"config", "set-key"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup("verbose"))
}

func writeTestConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pandabot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: ./data
bots:
  - id: local
    platform: terminal
    ai:
      backend: claude_code
  - id: helper
    platform: telegram
    token: secret-telegram-token
    ai:
      backend: claude_code
`), 0o600))
	return dir, path
}

func TestConfigCommands(t *testing.T) {
	keyring.MockInit()
	_, path := writeTestConfig(t)

	t.Run("check", func(t *testing.T) {
		root := NewRootCmd("test")
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetArgs([]string{"config", "check", "-c", path})
		require.NoError(t, root.Execute())
		assert.Contains(t, out.String(), "is valid: 2 bot(s)")
	})

	t.Run("show masks literal tokens", func(t *testing.T) {
		root := NewRootCmd("test")
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetArgs([]string{"config", "show", "-c", path})
		require.NoError(t, root.Execute())
		assert.NotContains(t, out.String(), "secret-telegram-token")
		assert.Contains(t, out.String(), "secr****en")
	})
}

func TestScheduleCommands(t *testing.T) {
	dir, path := writeTestConfig(t)

	db, err := storage.Open(filepath.Join(dir, "data", "pandabot.db"), storage.Options{}, nil)
	require.NoError(t, err)
	require.NoError(t, db.Jobs().Save(&scheduler.Job{
		ID: "job1", BotID: "helper", ChatID: "42", Kind: scheduler.KindCron,
		Schedule: "0 9 * * *", Prompt: "morning summary", Enabled: true, CreatedAt: time.Now(),
	}))
	require.NoError(t, db.Close())

	run := func(args ...string) (string, error) {
		root := NewRootCmd("test")
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetArgs(append(args, "-c", path))
		err := root.Execute()
		return out.String(), err
	}

	out, err := run("schedule", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "job1")
	assert.Contains(t, out, "morning summary")

	out, err = run("schedule", "list", "--bot", "other")
	require.NoError(t, err)
	assert.Contains(t, out, "No scheduled tasks.")

	_, err = run("schedule", "remove", "nope")
	require.ErrorIs(t, err, scheduler.ErrJobNotFound)

	out, err = run("schedule", "remove", "job1")
	require.NoError(t, err)
	assert.Contains(t, out, "Task job1 removed.")

	out, err = run("schedule", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No scheduled tasks.")
}

func TestBuildRuntime(t *testing.T) {
	keyring.MockInit()
	dir, path := writeTestConfig(t)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	local, ok := cfg.Bot("local")
	require.True(t, ok)
	local.AI.Tools = []string{config.ToolFilesystem, config.ToolScheduler}

	fake := &stubChannel{id: "local"}
	rt, err := buildRuntime(cfg, []config.BotConfig{local}, func(config.BotConfig, *slog.Logger) (channels.Channel, error) {
		return fake, nil
	}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer rt.close()

	assert.FileExists(t, filepath.Join(dir, "data", "pandabot.db"))
	assert.Equal(t, []string{"local"}, rt.bots.IDs())
	require.NotNil(t, rt.sched, "scheduler is enabled by default")

	h, err := rt.bots.Get("local")
	require.NoError(t, err)
	assert.Equal(t, []string{config.ToolFilesystem, config.ToolScheduler}, h.Tools.Names())
	assert.Equal(t, "claude_code", h.Backend.Info().Backend)
	assert.Equal(t, channels.PlatformTerminal, h.Platform)
}

func TestNewBackendRequiresAnthropicKey(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	bc := config.DefaultBot("b", "telegram")

	_, err := newBackend(cfg, bc, slog.Default())
	assert.ErrorContains(t, err, "no Anthropic API key")

	cfg.Anthropic.APIKey = "sk-test"
	backend, err := newBackend(cfg, bc, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, "anthropic", backend.Info().Backend)
}

func TestNewToolRegistryWithoutScheduler(t *testing.T) {
	t.Parallel()
	reg, err := newToolRegistry(config.Default(), config.DefaultBot("b", "telegram"), nil, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, []string{"filesystem", "executor", "browser"}, reg.Names())
}

func TestPickChatBot(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Bots = []config.BotConfig{
		config.DefaultBot("tg", "telegram"),
		config.DefaultBot("term", "terminal"),
	}

	bc, err := pickChatBot(cfg, "")
	require.NoError(t, err)
	assert.Equal(t, "term", bc.ID)

	bc, err = pickChatBot(cfg, "tg")
	require.NoError(t, err)
	assert.Equal(t, "tg", bc.ID)

	_, err = pickChatBot(cfg, "ghost")
	assert.Error(t, err)

	_, err = pickChatBot(config.Default(), "")
	assert.Error(t, err)
}

func TestBuildSetupConfig(t *testing.T) {
	t.Run("env references", func(t *testing.T) {
		a := &setupAnswers{
			path: filepath.Join(t.TempDir(), "pandabot.yaml"), botID: "my-bot", platform: "telegram",
			token: "123:abc", backend: config.BackendAnthropic, store: storeEnv, dataDir: "./data",
			tools: []string{"browser"},
		}
		cfg, err := buildSetupConfig(a)
		require.NoError(t, err)
		require.NoError(t, cfg.Validate())
		assert.Equal(t, "${PANDABOT_MY_BOT_TOKEN}", cfg.Bots[0].Token)
		assert.Equal(t, []string{"browser"}, cfg.Bots[0].AI.Tools)
	})

	t.Run("keyring", func(t *testing.T) {
		keyring.MockInit()
		a := &setupAnswers{
			path: filepath.Join(t.TempDir(), "pandabot.yaml"), botID: "bot", platform: "discord",
			token: "disc-token", backend: config.BackendAnthropic, apiKey: "sk-ant", store: storeKeyring, dataDir: "./data",
		}
		cfg, err := buildSetupConfig(a)
		require.NoError(t, err)
		assert.Equal(t, "keyring:token_bot", cfg.Bots[0].Token)
		assert.Empty(t, cfg.Anthropic.APIKey, "the key is found by name at startup")
		assert.NotNil(t, cfg.Bots[0].AI.Tools)

		got, err := secrets.GetKeyring(config.AnthropicKeyName)
		require.NoError(t, err)
		assert.Equal(t, "sk-ant", got)
	})

	t.Run("vault", func(t *testing.T) {
		dir := t.TempDir()
		a := &setupAnswers{
			path: filepath.Join(dir, "pandabot.yaml"), botID: "bot", platform: "telegram",
			token: "tg", backend: config.BackendClaudeCode, store: storeVault, vaultPass: "long-password", dataDir: "state",
		}
		cfg, err := buildSetupConfig(a)
		require.NoError(t, err)
		assert.Equal(t, "vault:token_bot", cfg.Bots[0].Token)

		v := secrets.NewVault(filepath.Join(dir, "state", secrets.VaultFile))
		require.NoError(t, v.Unlock("long-password"))
		got, err := v.Get("token_bot")
		require.NoError(t, err)
		assert.Equal(t, "tg", got)
	})
}

func TestMaskSecret(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "", maskSecret(""))
	assert.Equal(t, "vault:x", maskSecret("vault:x"))
	assert.Equal(t, "${TOKEN}", maskSecret("${TOKEN}"))
	assert.Equal(t, "****", maskSecret("short"))
	assert.Equal(t, "sk-a****yz", maskSecret("sk-ant-abcxyz"))
}

type stubChannel struct {
	id  string
	out chan *channels.IncomingMessage
}

func (s *stubChannel) Name() string                              { return s.id }
func (s *stubChannel) Platform() string                          { return channels.PlatformTerminal }
func (s *stubChannel) Connect(context.Context) error             { return nil }
func (s *stubChannel) Disconnect() error                         { return nil }
func (s *stubChannel) IsConnected() bool                         { return true }
func (s *stubChannel) Health() channels.HealthStatus             { return channels.HealthStatus{Connected: true} }
func (s *stubChannel) Receive() <-chan *channels.IncomingMessage { return s.out }
func (s *stubChannel) Send(context.Context, string, *channels.OutgoingMessage) error {
	return nil
}
