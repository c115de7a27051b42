package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/pandabot/pkg/pandabot/config"
	"github.com/jholhewres/pandabot/pkg/pandabot/secrets"
)

// newConfigCmd creates `pandabot config`.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate the configuration",
		Long: `Inspect the configuration, validate it and store secrets outside of it.

Examples:
  pandabot config show
  pandabot config check
  pandabot config set-key anthropic_api_key
  pandabot config set-key telegram_helper --store vault`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigCheckCmd(),
		newConfigSetKeyCmd(),
	)
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			masked := *cfg
			masked.Bots = make([]config.BotConfig, len(cfg.Bots))
			for i, b := range cfg.Bots {
				b.Token = maskSecret(b.Token)
				masked.Bots[i] = b
			}
			masked.Anthropic.APIKey = maskSecret(cfg.Anthropic.APIKey)
			masked.ClaudeCode.APIKey = maskSecret(cfg.ClaudeCode.APIKey)

			data, err := yaml.Marshal(&masked)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s", path, data)
			return nil
		},
	}
}

func newConfigCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and its secret references",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(out, "%s is invalid:\n", path)
				for _, line := range strings.Split(err.Error(), "\n") {
					fmt.Fprintf(out, "  - %s\n", line)
				}
				return errors.New("config check failed")
			}

			logger := stderrLogger(cmd, cfg)
			vault := secrets.OpenVault(cfg.VaultPath(secrets.VaultFile), logger)
			if err := cfg.ResolveSecrets(secrets.NewResolver(vault, logger)); err != nil {
				fmt.Fprintf(out, "%s: secrets could not be resolved:\n  %v\n", path, err)
				return errors.New("config check failed")
			}
			for _, b := range cfg.Bots {
				if b.AI.Backend == config.BackendAnthropic && cfg.Anthropic.APIKey == "" {
					fmt.Fprintf(out, "warning: bot %q uses anthropic but no API key is set\n", b.ID)
				}
			}
			fmt.Fprintf(out, "%s is valid: %d bot(s)\n", path, len(cfg.Bots))
			return nil
		},
	}
}

func newConfigSetKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-key <name>",
		Short: "Store a secret in the OS keyring or the encrypted vault",
		Long: `Store a secret (API key or bot token) outside the config file. Reference it
from the config as keyring:<name> or vault:<name>. The Anthropic key is
picked up automatically when stored as anthropic_api_key.`,
		Args: cobra.ExactArgs(1),
		RunE: runSetKey,
	}
	cmd.Flags().String("store", "keyring", "where to store the secret: keyring or vault")
	return cmd
}

func runSetKey(cmd *cobra.Command, args []string) error {
	name := args[0]
	store, _ := cmd.Flags().GetString("store")

	value, err := secrets.ReadPassword(fmt.Sprintf("Value for %s: ", name))
	if err != nil {
		return fmt.Errorf("reading value: %w", err)
	}
	if value == "" {
		return errors.New("empty value, nothing stored")
	}

	switch store {
	case "keyring":
		if err := secrets.StoreKeyring(name, value); err != nil {
			return fmt.Errorf("storing in keyring: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stored in the OS keyring. Reference it as keyring:%s\n", name)
		return nil

	case "vault":
		dataDir := config.Default().DataDir
		if cfg, _, err := loadConfig(cmd); err == nil {
			dataDir = cfg.DataDir
		}
		vault, err := openOrCreateVault(filepath.Join(dataDir, secrets.VaultFile))
		if err != nil {
			return err
		}
		defer vault.Lock()
		if err := vault.Set(name, value); err != nil {
			return fmt.Errorf("storing in vault: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stored in %s. Reference it as vault:%s\n", vault.Path(), name)
		return nil

	default:
		return fmt.Errorf("unknown store %q (want keyring or vault)", store)
	}
}

// openOrCreateVault unlocks the vault at path, creating it with a new
// password when it does not exist.
func openOrCreateVault(path string) (*secrets.Vault, error) {
	vault := secrets.NewVault(path)
	if vault.Exists() {
		pass := os.Getenv(secrets.PasswordEnv)
		if pass == "" {
			var err error
			if pass, err = secrets.ReadPassword("Vault password: "); err != nil {
				return nil, err
			}
		}
		if err := vault.Unlock(pass); err != nil {
			return nil, err
		}
		return vault, nil
	}

	pass, err := secrets.ReadPassword("New vault password (min 8 characters): ")
	if err != nil {
		return nil, err
	}
	if len(pass) < 8 {
		return nil, errors.New("vault password too short")
	}
	confirm, err := secrets.ReadPassword("Confirm password: ")
	if err != nil {
		return nil, err
	}
	if confirm != pass {
		return nil, errors.New("passwords do not match")
	}
	if err := vault.Create(pass); err != nil {
		return nil, err
	}
	return vault, nil
}

// maskSecret hides literal secrets and keeps references readable.
func maskSecret(v string) string {
	switch {
	case v == "", secrets.IsReference(v), strings.HasPrefix(v, "$"):
		return v
	case len(v) <= 8:
		return "****"
	default:
		return v[:4] + "****" + v[len(v)-2:]
	}
}
