package secrets

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

// KeyringService is the service name secrets are stored under in the OS
// keyring.
const KeyringService = "pandabot"

// PasswordEnv holds the vault password for non-interactive runs.
const PasswordEnv = "PANDABOT_VAULT_PASSWORD"

// Reference prefixes accepted by Resolver.Resolve.
const (
	KeyringPrefix = "keyring:"
	VaultPrefix   = "vault:"
)

// ErrNotFound is returned when a referenced secret does not exist.
var ErrNotFound = errors.New("secret not found")

// StoreKeyring saves a secret in the OS keyring.
func StoreKeyring(name, value string) error {
	return keyring.Set(KeyringService, name, value)
}

// GetKeyring reads a secret from the OS keyring.
func GetKeyring(name string) (string, error) {
	v, err := keyring.Get(KeyringService, name)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("%w: keyring %s", ErrNotFound, name)
	}
	return v, err
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(name string) error {
	return keyring.Delete(KeyringService, name)
}

// Resolver turns "keyring:<name>" and "vault:<name>" references into their
// secret values.
type Resolver struct {
	vault  *Vault
	logger *slog.Logger
}

// NewResolver creates a Resolver. vault may be nil or locked, in which case
// vault references fail.
func NewResolver(vault *Vault, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{vault: vault, logger: logger.With("component", "secrets")}
}

// IsReference reports whether value names a stored secret.
func IsReference(value string) bool {
	return strings.HasPrefix(value, KeyringPrefix) || strings.HasPrefix(value, VaultPrefix)
}

// Resolve returns the secret value for a reference, or value unchanged when
// it is not a reference.
func (r *Resolver) Resolve(value string) (string, error) {
	switch {
	case strings.HasPrefix(value, KeyringPrefix):
		name := strings.TrimPrefix(value, KeyringPrefix)
		secret, err := GetKeyring(name)
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", value, err)
		}
		r.logger.Debug("secret loaded from keyring", "name", name)
		return secret, nil

	case strings.HasPrefix(value, VaultPrefix):
		name := strings.TrimPrefix(value, VaultPrefix)
		if r.vault == nil || !r.vault.IsUnlocked() {
			return "", fmt.Errorf("resolve %s: %w", value, ErrVaultLocked)
		}
		secret, err := r.vault.Get(name)
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", value, err)
		}
		if secret == "" {
			return "", fmt.Errorf("resolve %s: %w", value, ErrNotFound)
		}
		r.logger.Debug("secret loaded from vault", "name", name)
		return secret, nil

	default:
		return value, nil
	}
}

// OpenVault returns the vault at path, unlocked with PANDABOT_VAULT_PASSWORD
// or an interactive prompt. It returns nil when no vault file exists; a
// vault that could not be unlocked is returned locked.
func OpenVault(path string, logger *slog.Logger) *Vault {
	if logger == nil {
		logger = slog.Default()
	}
	v := NewVault(path)
	if !v.Exists() {
		return nil
	}

	if pass := os.Getenv(PasswordEnv); pass != "" {
		if err := v.Unlock(pass); err != nil {
			logger.Warn("failed to unlock vault with "+PasswordEnv, "error", err)
		} else {
			logger.Info("vault unlocked", "source", "env")
			return v
		}
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		logger.Info("vault locked, no terminal and no " + PasswordEnv)
		return v
	}
	pass, err := ReadPassword("Vault password: ")
	if err != nil {
		logger.Warn("failed to read vault password", "error", err)
		return v
	}
	if err := v.Unlock(pass); err != nil {
		logger.Warn("failed to unlock vault", "error", err)
	}
	return v
}

// ReadPassword prompts on stderr and reads a line from the terminal without
// echo.
func ReadPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
