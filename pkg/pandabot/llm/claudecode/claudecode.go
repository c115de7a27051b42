// Package claudecode implements the text-embedded tool-calling backend by
// driving the Claude Code CLI in print mode. The CLI returns a single text
// blob; tool requests are carried as <tool_call> markers inside it.
package claudecode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/jholhewres/pandabot/pkg/pandabot/llm"
)

const backendName = "claude_code"

// Config configures the CLI invocation.
type Config struct {
	CLIPath        string
	Model          string
	Timeout        time.Duration
	AllowedTools   []string
	APIKey         string
	PermissionMode string
	Retry          llm.RetryPolicy
}

// DefaultConfig returns the CLI defaults.
func DefaultConfig() Config {
	return Config{
		CLIPath:        "claude",
		Model:          "sonnet",
		Timeout:        300 * time.Second,
		PermissionMode: "bypassPermissions",
		Retry:          llm.RetryPolicy{MaxRetries: 1, BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second},
	}
}

// Backend runs one CLI process per Invoke.
type Backend struct {
	cfg    Config
	logger *slog.Logger
}

// New creates the backend. The CLI path is resolved lazily so a missing
// binary surfaces as a backend fault on first use.
func New(cfg Config, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.CLIPath == "" {
		cfg.CLIPath = def.CLIPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry = def.Retry
	}
	return &Backend{cfg: cfg, logger: logger.With("component", "llm", "backend", backendName)}
}

// Info implements llm.Backend.
func (b *Backend) Info() llm.Info {
	return llm.Info{Backend: backendName, Model: b.cfg.Model}
}

// Invoke implements llm.Backend.
func (b *Backend) Invoke(ctx context.Context, req llm.Request) (llm.Outcome, error) {
	prompt := buildPrompt(req.System+toolCatalog(req.Tools), req.Messages)

	var reply string
	start := time.Now()
	err := llm.Retry(ctx, b.cfg.Retry, b.logger, func(int) error {
		var runErr error
		reply, runErr = b.run(ctx, prompt)
		return runErr
	})
	if err != nil {
		return llm.Outcome{}, err
	}

	outcome := parseOutcome(reply)
	b.logger.Debug("cli call complete",
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_len", len(prompt),
		"outcome", outcome.Kind.String(),
		"tool_calls", len(outcome.ToolCalls),
	)
	return outcome, nil
}

func (b *Backend) args() []string {
	args := []string{"-p", "--output-format", "json"}
	if b.cfg.Model != "" {
		args = append(args, "--model", b.cfg.Model)
	}
	if b.cfg.PermissionMode != "" {
		args = append(args, "--permission-mode", b.cfg.PermissionMode)
	}
	for _, t := range b.cfg.AllowedTools {
		args = append(args, "--allowedTools", t)
	}
	return args
}

// env drops ANTHROPIC_API_KEY so the CLI uses its own login, unless a key
// is configured for it explicitly.
func (b *Backend) env() []string {
	base := os.Environ()
	env := make([]string, 0, len(base)+1)
	for _, kv := range base {
		if strings.HasPrefix(kv, "ANTHROPIC_API_KEY=") {
			continue
		}
		env = append(env, kv)
	}
	if b.cfg.APIKey != "" {
		env = append(env, "ANTHROPIC_API_KEY="+b.cfg.APIKey)
	}
	return env
}

func (b *Backend) run(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, b.cfg.CLIPath, b.args()...)
	cmd.Env = b.env()
	cmd.Stdin = strings.NewReader(prompt)
	cmd.WaitDelay = 2 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", &llm.Error{Kind: llm.ErrorTimeout, Backend: backendName,
			Err: fmt.Errorf("cli timed out after %s", b.cfg.Timeout)}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", &llm.Error{Kind: llm.ErrorFatal, Backend: backendName, Err: fmt.Errorf("start cli %q: %w", b.cfg.CLIPath, err)}
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		if detail == "" {
			detail = "(no output)"
		}
		b.logger.Error("cli exited with error", "exit_code", exitErr.ExitCode(), "stderr", truncate(detail, 500))
		return "", &llm.Error{Kind: exitKind(detail), Backend: backendName,
			Err: fmt.Errorf("exit %d: %s", exitErr.ExitCode(), truncate(detail, 2000))}
	}

	return decodeOutput(stdout.String())
}

// exitKind classifies a failed run. Unrecognised failures are treated as
// transient subprocess faults.
func exitKind(detail string) llm.ErrorKind {
	kind := llm.Classify(0, detail)
	if kind == llm.ErrorFatal {
		return llm.ErrorRetryable
	}
	return kind
}

// cliResult is the print-mode JSON envelope.
type cliResult struct {
	Type    string `json:"type"`
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
}

// decodeOutput reads {"result":..}, a list of events with a "result"
// entry, or falls back to the raw text.
func decodeOutput(out string) (string, error) {
	out = strings.TrimSpace(out)
	if out == "" {
		return "", nil
	}

	var single cliResult
	if err := json.Unmarshal([]byte(out), &single); err == nil {
		if single.IsError {
			return "", &llm.Error{Kind: exitKind(single.Result), Backend: backendName, Err: errors.New(truncate(single.Result, 2000))}
		}
		return single.Result, nil
	}

	var events []cliResult
	if err := json.Unmarshal([]byte(out), &events); err == nil {
		var parts []string
		for _, e := range events {
			if e.Type == "result" {
				parts = append(parts, e.Result)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n"), nil
		}
	}

	return out, nil
}

// buildPrompt renders the conversation as a transcript for stdin.
func buildPrompt(system string, msgs []llm.Message) string {
	var parts []string
	if system = strings.TrimSpace(system); system != "" {
		parts = append(parts, "[System Instructions]\n"+system+"\n")
	}
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleUser:
			parts = append(parts, "[User]\n"+m.Content)
		case llm.RoleAssistant:
			body := m.Content
			for _, c := range m.ToolCalls {
				if body != "" {
					body += "\n"
				}
				body += renderMarker(c)
			}
			parts = append(parts, "[Assistant]\n"+body)
		case llm.RoleTool:
			if m.IsError {
				parts = append(parts, fmt.Sprintf("[Tool Error: %s]\n%s", m.ToolName, m.Content))
			} else {
				parts = append(parts, fmt.Sprintf("[Tool Result: %s]\n%s", m.ToolName, m.Content))
			}
		}
	}
	return strings.Join(parts, "\n\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
