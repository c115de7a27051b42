package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/pandabot/pkg/pandabot/channels"
	"github.com/jholhewres/pandabot/pkg/pandabot/config"
	"github.com/jholhewres/pandabot/pkg/pandabot/secrets"
)

// newSetupCmd creates the `pandabot setup` wizard.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Create a config file with one bot. Tokens and API keys are stored in the OS
keyring or an encrypted vault (AES-256-GCM, Argon2id), never in the file.

Examples:
  pandabot setup
  pandabot setup --config ~/.pandabot/config.yaml`,
		RunE: runSetup,
	}
}

var botIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Secret stores offered by the wizard.
const (
	storeKeyring = "keyring"
	storeVault   = "vault"
	storeEnv     = "env"
)

type setupAnswers struct {
	path         string
	botID        string
	platform     string
	token        string
	backend      string
	model        string
	systemPrompt string
	tools        []string
	apiKey       string
	store        string
	vaultPass    string
	dataDir      string
	confirm      bool
}

func runSetup(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = "pandabot.yaml"
	}
	a := &setupAnswers{
		path:     path,
		botID:    "pandabot",
		platform: channels.PlatformTelegram,
		backend:  config.BackendAnthropic,
		tools:    append([]string(nil), config.KnownTools...),
		store:    storeKeyring,
		dataDir:  config.Default().DataDir,
		confirm:  true,
	}

	if err := setupForm(a).Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Fprintln(cmd.OutOrStdout(), "Setup cancelled.")
			return nil
		}
		return err
	}
	if !a.confirm {
		fmt.Fprintln(cmd.OutOrStdout(), "Setup cancelled.")
		return nil
	}

	if _, err := os.Stat(a.path); err == nil {
		overwrite := false
		err := huh.NewConfirm().
			Title(fmt.Sprintf("%s already exists. Overwrite?", a.path)).
			Value(&overwrite).
			Run()
		if err != nil || !overwrite {
			fmt.Fprintln(cmd.OutOrStdout(), "Existing file kept.")
			return nil
		}
	}

	cfg, err := buildSetupConfig(a)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}
	if err := config.Save(cfg, a.path); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\n%s created.\n\n", a.path)
	switch a.store {
	case storeVault:
		fmt.Fprintf(out, "Secrets are in the encrypted vault. Set %s or enter the password when serve starts.\n", secrets.PasswordEnv)
	case storeKeyring:
		fmt.Fprintln(out, "Secrets are in the OS keyring.")
	case storeEnv:
		fmt.Fprintf(out, "Export the token variable and %s before starting.\n", config.AnthropicKeyEnv)
	}
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  pandabot config check -c %s\n", a.path)
	if a.platform == channels.PlatformTerminal {
		fmt.Fprintf(out, "  pandabot chat -c %s\n", a.path)
	} else {
		fmt.Fprintf(out, "  pandabot serve -c %s\n", a.path)
	}
	return nil
}

func setupForm(a *setupAnswers) *huh.Form {
	toolOptions := make([]huh.Option[string], 0, len(config.KnownTools))
	for _, name := range config.KnownTools {
		toolOptions = append(toolOptions, huh.NewOption(name, name).Selected(true))
	}
	isTerminal := func() bool { return a.platform == channels.PlatformTerminal }
	noKey := func() bool { return a.backend != config.BackendAnthropic }

	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Bot id").
				Description("Lowercase letters, digits, - and _.").
				Value(&a.botID).
				Validate(func(s string) error {
					if !botIDPattern.MatchString(s) {
						return errors.New("use lowercase letters, digits, - and _")
					}
					return nil
				}),
			huh.NewSelect[string]().
				Title("Platform").
				Options(
					huh.NewOption("Telegram", channels.PlatformTelegram),
					huh.NewOption("Discord", channels.PlatformDiscord),
					huh.NewOption("Terminal only", channels.PlatformTerminal),
				).
				Value(&a.platform),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Bot token").
				Description("From @BotFather or the Discord developer portal.").
				EchoMode(huh.EchoModePassword).
				Value(&a.token).
				Validate(func(s string) error {
					if s == "" {
						return errors.New("token is required")
					}
					return nil
				}),
		).WithHideFunc(isTerminal),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("AI backend").
				Options(
					huh.NewOption("Anthropic API", config.BackendAnthropic),
					huh.NewOption("Claude Code CLI", config.BackendClaudeCode),
				).
				Value(&a.backend),
			huh.NewInput().
				Title("Model").
				Description("Leave empty for the backend default.").
				Value(&a.model),
			huh.NewText().
				Title("System prompt").
				Description("Optional instructions for every conversation.").
				Value(&a.systemPrompt),
			huh.NewMultiSelect[string]().
				Title("Tools").
				Options(toolOptions...).
				Value(&a.tools),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Anthropic API key").
				Description("Leave empty to use " + config.AnthropicKeyEnv + ".").
				EchoMode(huh.EchoModePassword).
				Value(&a.apiKey),
		).WithHideFunc(noKey),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Where should secrets be stored?").
				Options(
					huh.NewOption("OS keyring", storeKeyring),
					huh.NewOption("Encrypted vault file", storeVault),
					huh.NewOption("Environment variables (I will export them)", storeEnv),
				).
				Value(&a.store),
		).WithHideFunc(func() bool { return isTerminal() && (noKey() || a.apiKey == "") }),
		huh.NewGroup(
			huh.NewInput().
				Title("Vault password").
				Description("At least 8 characters. It is never stored.").
				EchoMode(huh.EchoModePassword).
				Value(&a.vaultPass).
				Validate(func(s string) error {
					if len(s) < 8 {
						return errors.New("minimum 8 characters")
					}
					return nil
				}),
		).WithHideFunc(func() bool { return a.store != storeVault }),
		huh.NewGroup(
			huh.NewInput().
				Title("Data directory").
				Description("Database, vault and chat history.").
				Value(&a.dataDir),
			huh.NewConfirm().
				Title("Write " + a.path + "?").
				Value(&a.confirm),
		),
	)
}

// buildSetupConfig stores the secrets and returns a config that only holds
// references to them.
func buildSetupConfig(a *setupAnswers) (*config.Config, error) {
	cfg := config.Default()
	cfg.DataDir = a.dataDir

	bot := config.DefaultBot(a.botID, a.platform)
	bot.AI.Backend = a.backend
	bot.AI.Model = a.model
	bot.AI.SystemPrompt = a.systemPrompt
	bot.AI.Tools = a.tools
	if bot.AI.Tools == nil {
		bot.AI.Tools = []string{}
	}

	put, err := secretWriter(a, filepath.Join(resolveSetupDir(a), secrets.VaultFile))
	if err != nil {
		return nil, err
	}
	if a.token != "" {
		name := "token_" + a.botID
		ref, err := put(name, a.token, "PANDABOT_"+envName(a.botID)+"_TOKEN")
		if err != nil {
			return nil, err
		}
		bot.Token = ref
	}
	if a.apiKey != "" {
		// An empty api_key resolves vault, then keyring, then env.
		if _, err := put(config.AnthropicKeyName, a.apiKey, config.AnthropicKeyEnv); err != nil {
			return nil, err
		}
	}

	cfg.Bots = []config.BotConfig{bot}
	return cfg, nil
}

// secretWriter returns a function that stores one secret and returns the
// config reference for it.
func secretWriter(a *setupAnswers, vaultPath string) (func(name, value, env string) (string, error), error) {
	switch a.store {
	case storeVault:
		vault := secrets.NewVault(vaultPath)
		var err error
		if vault.Exists() {
			err = vault.Unlock(a.vaultPass)
		} else {
			err = vault.Create(a.vaultPass)
		}
		if err != nil {
			return nil, fmt.Errorf("opening vault: %w", err)
		}
		return func(name, value, _ string) (string, error) {
			if err := vault.Set(name, value); err != nil {
				return "", err
			}
			return secrets.VaultPrefix + name, nil
		}, nil

	case storeKeyring:
		return func(name, value, _ string) (string, error) {
			if err := secrets.StoreKeyring(name, value); err != nil {
				return "", fmt.Errorf("storing %s in keyring: %w", name, err)
			}
			return secrets.KeyringPrefix + name, nil
		}, nil

	default:
		return func(_, _, env string) (string, error) {
			return "${" + env + "}", nil
		}, nil
	}
}

// resolveSetupDir places the data dir next to the config file when it is
// relative, matching how config.Load resolves it.
func resolveSetupDir(a *setupAnswers) string {
	if filepath.IsAbs(a.dataDir) {
		return a.dataDir
	}
	return filepath.Join(filepath.Dir(a.path), a.dataDir)
}

var nonAlnum = regexp.MustCompile(`[^A-Z0-9]+`)

func envName(id string) string {
	return nonAlnum.ReplaceAllString(strings.ToUpper(id), "_")
}
