package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/jholhewres/pandabot/pkg/pandabot/channels"
)

var knownPlatforms = []string{channels.PlatformTelegram, channels.PlatformDiscord, channels.PlatformTerminal}

// Validate reports every problem in the config at once.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Bots) == 0 {
		errs = append(errs, errors.New("at least one bot must be configured"))
	}

	seen := make(map[string]bool, len(c.Bots))
	for i, b := range c.Bots {
		where := fmt.Sprintf("bots[%d]", i)
		if b.ID == "" {
			errs = append(errs, fmt.Errorf("%s: id is required", where))
		} else {
			where = fmt.Sprintf("bot %q", b.ID)
			if seen[b.ID] {
				errs = append(errs, fmt.Errorf("%s: duplicate id", where))
			}
			seen[b.ID] = true
		}

		if !slices.Contains(knownPlatforms, b.Platform) {
			errs = append(errs, fmt.Errorf("%s: unknown platform %q (want one of %s)",
				where, b.Platform, strings.Join(knownPlatforms, ", ")))
		} else if b.Platform != channels.PlatformTerminal && b.Token == "" {
			errs = append(errs, fmt.Errorf("%s: token is required for %s", where, b.Platform))
		}

		switch b.AI.Backend {
		case BackendAnthropic, BackendClaudeCode:
		default:
			errs = append(errs, fmt.Errorf("%s: unknown backend %q (want %s or %s)",
				where, b.AI.Backend, BackendAnthropic, BackendClaudeCode))
		}

		for _, name := range b.AI.Tools {
			if !slices.Contains(KnownTools, name) {
				errs = append(errs, fmt.Errorf("%s: unknown tool %q", where, name))
			}
		}
		if b.AI.Temperature != nil && (*b.AI.Temperature < 0 || *b.AI.Temperature > 1) {
			errs = append(errs, fmt.Errorf("%s: temperature must be between 0 and 1", where))
		}
	}

	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("services.scheduler.timezone: %w", err))
	}
	if c.Services.Executor.MaxTimeout > 0 && c.Services.Executor.DefaultTimeout > c.Services.Executor.MaxTimeout {
		errs = append(errs, errors.New("services.executor: default_timeout exceeds max_timeout"))
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, errors.New("metrics.address is required when metrics are enabled"))
	}
	return errors.Join(errs...)
}

// SecretResolver turns keyring:/vault: references into values.
type SecretResolver interface {
	Resolve(value string) (string, error)
}

// Secret names used when a key is not set in the file.
const (
	AnthropicKeyName = "anthropic_api_key"
	AnthropicKeyEnv  = "ANTHROPIC_API_KEY"
)

// ResolveSecrets replaces secret references in bot tokens and API keys.
// An empty anthropic.api_key falls back to the vault, then the keyring, then
// ANTHROPIC_API_KEY.
func (c *Config) ResolveSecrets(r SecretResolver) error {
	var errs []error
	for i := range c.Bots {
		tok, err := r.Resolve(c.Bots[i].Token)
		if err != nil {
			errs = append(errs, fmt.Errorf("bot %q token: %w", c.Bots[i].ID, err))
			continue
		}
		c.Bots[i].Token = tok
	}

	if c.Anthropic.APIKey != "" {
		key, err := r.Resolve(c.Anthropic.APIKey)
		if err != nil {
			errs = append(errs, fmt.Errorf("anthropic.api_key: %w", err))
		} else {
			c.Anthropic.APIKey = key
		}
	} else {
		c.Anthropic.APIKey = firstSecret(r, "vault:"+AnthropicKeyName, "keyring:"+AnthropicKeyName)
		if c.Anthropic.APIKey == "" {
			c.Anthropic.APIKey = os.Getenv(AnthropicKeyEnv)
		}
	}

	if c.ClaudeCode.APIKey != "" {
		key, err := r.Resolve(c.ClaudeCode.APIKey)
		if err != nil {
			errs = append(errs, fmt.Errorf("claude_code.api_key: %w", err))
		} else {
			c.ClaudeCode.APIKey = key
		}
	}
	return errors.Join(errs...)
}

func firstSecret(r SecretResolver, refs ...string) string {
	for _, ref := range refs {
		if v, err := r.Resolve(ref); err == nil && v != "" {
			return v
		}
	}
	return ""
}

// BrowserTimeout returns services.browser.timeout_ms as a duration.
func (c *Config) BrowserTimeout() time.Duration {
	return time.Duration(c.Services.Browser.TimeoutMS) * time.Millisecond
}
