package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"
)

// ExecutorConfig bounds the "executor" tool.
type ExecutorConfig struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	MaxStdout      int
	MaxStderr      int
	Shell          string
}

// DefaultExecutorConfig returns the standard limits.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		DefaultTimeout: 30 * time.Second,
		MaxTimeout:     300 * time.Second,
		MaxStdout:      20000,
		MaxStderr:      5000,
		Shell:          "/bin/sh",
	}
}

// RegisterExecutor adds the "executor" tool.
func RegisterExecutor(r *Registry, cfg ExecutorConfig) error {
	def := MakeDefinition("executor",
		"Execute a file or shell command. Can run scripts, programs, "+
			"and shell commands. Returns stdout, stderr and the exit code.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "The command or file path to execute",
				},
				"args": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Arguments to pass to the command",
				},
				"cwd": map[string]any{
					"type":        "string",
					"description": "Working directory (default: current directory)",
				},
				"timeout": map[string]any{
					"type":        "integer",
					"description": fmt.Sprintf("Timeout in seconds (default: %d, max: %d)", int(cfg.DefaultTimeout.Seconds()), int(cfg.MaxTimeout.Seconds())),
				},
			},
			"required": []string{"command"},
		})

	return r.Register(def, func(ctx context.Context, args map[string]any) (any, error) {
		command := strings.TrimSpace(stringArg(args, "command"))
		if command == "" {
			return nil, errors.New("command is required")
		}
		timeout := cfg.DefaultTimeout
		if secs := intArg(args, "timeout", 0); secs > 0 {
			timeout = time.Duration(secs) * time.Second
		}
		if timeout > cfg.MaxTimeout {
			timeout = cfg.MaxTimeout
		}
		return runCommand(ctx, cfg, buildCommandLine(command, stringSliceArg(args, "args")), stringArg(args, "cwd"), timeout)
	})
}

func buildCommandLine(command string, args []string) string {
	if len(args) == 0 {
		return command
	}
	quoted := make([]string, 0, len(args)+1)
	quoted = append(quoted, command)
	for _, a := range args {
		quoted = append(quoted, shellQuote(a))
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`|&;<>()*?[]{}!#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func runCommand(ctx context.Context, cfg ExecutorConfig, line, cwd string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, cfg.Shell, "-c", line)
	cmd.Dir = cwd
	cmd.WaitDelay = time.Second
	stdout := newCappedBuffer(cfg.MaxStdout)
	stderr := newCappedBuffer(cfg.MaxStderr)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("command timed out after %s", timeout)
	}
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", fmt.Errorf("execution error: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	var parts []string
	if stdout.Len() > 0 {
		parts = append(parts, "STDOUT:\n"+stdout.Text())
	}
	if stderr.Len() > 0 {
		parts = append(parts, "STDERR:\n"+stderr.Text())
	}
	parts = append(parts, fmt.Sprintf("Exit code: %d", exitCode))
	return strings.Join(parts, "\n\n"), nil
}

const truncatedSuffix = "\n... (truncated)"

// truncateChars cuts s to at most n runes.
func truncateChars(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + truncatedSuffix
}

// cappedBuffer keeps the first bytes of a stream, enough for chars runes,
// and drops the rest while the process is still writing. chars <= 0 keeps
// everything.
type cappedBuffer struct {
	buf     bytes.Buffer
	chars   int
	max     int
	dropped bool
}

func newCappedBuffer(chars int) *cappedBuffer {
	return &cappedBuffer{chars: chars, max: chars * utf8.UTFMax}
}

// Write never fails, so the command is not killed by a closed pipe.
func (c *cappedBuffer) Write(p []byte) (int, error) {
	if c.max <= 0 {
		return c.buf.Write(p)
	}
	room := c.max - c.buf.Len()
	if room >= len(p) {
		return c.buf.Write(p)
	}
	c.dropped = true
	if room > 0 {
		c.buf.Write(p[:room])
	}
	return len(p), nil
}

func (c *cappedBuffer) Len() int { return c.buf.Len() }

// Text returns the kept output cut to chars runes, marked when anything
// was dropped.
func (c *cappedBuffer) Text() string {
	s := truncateChars(strings.ToValidUTF8(c.buf.String(), ""), c.chars)
	if c.dropped && !strings.HasSuffix(s, truncatedSuffix) {
		s += truncatedSuffix
	}
	return s
}
