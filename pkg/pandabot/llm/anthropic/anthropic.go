// Package anthropic implements the structured tool-calling backend on top of
// the Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/jholhewres/pandabot/pkg/pandabot/llm"
	"github.com/jholhewres/pandabot/pkg/pandabot/tools"
)

const backendName = "anthropic"

// Config configures the backend.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int64
	Temperature *float64
	Timeout     time.Duration
	Retry       llm.RetryPolicy
}

// DefaultConfig returns the defaults used when a bot leaves fields empty.
func DefaultConfig() Config {
	return Config{
		Model:     "claude-sonnet-4-20250514",
		MaxTokens: 4096,
		Timeout:   120 * time.Second,
		Retry:     llm.DefaultRetryPolicy(),
	}
}

// Backend calls the Messages API. Retries are handled here with the shared
// policy so the SDK's own retry loop is disabled.
type Backend struct {
	client *anthropic.Client
	cfg    Config
	logger *slog.Logger
}

// New creates the backend.
func New(cfg Config, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry = def.Retry
	}

	opts := []option.RequestOption{
		option.WithMaxRetries(0),
		option.WithRequestTimeout(cfg.Timeout),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	return &Backend{
		client: &client,
		cfg:    cfg,
		logger: logger.With("component", "llm", "backend", backendName),
	}
}

// Info implements llm.Backend.
func (b *Backend) Info() llm.Info {
	return llm.Info{Backend: backendName, Model: b.cfg.Model}
}

// Invoke implements llm.Backend.
func (b *Backend) Invoke(ctx context.Context, req llm.Request) (llm.Outcome, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(b.cfg.Model),
		Messages:  buildMessages(req.Messages),
		MaxTokens: b.cfg.MaxTokens,
	}
	if b.cfg.Temperature != nil {
		params.Temperature = anthropic.Float(*b.cfg.Temperature)
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
	}

	var resp *anthropic.Message
	start := time.Now()
	err := llm.Retry(ctx, b.cfg.Retry, b.logger, func(int) error {
		var callErr error
		resp, callErr = b.client.Messages.New(ctx, params)
		if callErr != nil {
			return classify(callErr)
		}
		return nil
	})
	if err != nil {
		return llm.Outcome{}, err
	}

	outcome := parseResponse(resp)
	b.logger.Debug("messages call complete",
		"duration_ms", time.Since(start).Milliseconds(),
		"stop_reason", string(resp.StopReason),
		"outcome", outcome.Kind.String(),
		"tool_calls", len(outcome.ToolCalls),
	)
	return outcome, nil
}

func parseResponse(resp *anthropic.Message) llm.Outcome {
	var text string
	var calls []tools.Call
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			if t := block.AsText().Text; t != "" {
				if text != "" {
					text += "\n"
				}
				text += t
			}
		case "tool_use":
			tu := block.AsToolUse()
			input := map[string]any{}
			if len(tu.Input) > 0 {
				_ = json.Unmarshal(tu.Input, &input)
			}
			calls = append(calls, tools.Call{ID: tu.ID, Name: tu.Name, Input: input})
		}
	}
	return llm.ToolCallsRequested(text, calls)
}

// buildMessages maps the conversation onto Anthropic's alternating turns.
// Consecutive tool messages collapse into a single user turn of
// tool_result blocks.
func buildMessages(msgs []llm.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	var results []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(results) > 0 {
			out = append(out, anthropic.NewUserMessage(results...))
			results = nil
		}
	}

	for _, m := range msgs {
		switch m.Role {
		case llm.RoleTool:
			results = append(results, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError))
		case llm.RoleAssistant:
			flush()
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, c := range m.ToolCalls {
				input := c.Input
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(c.ID, input, c.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		default:
			flush()
			if m.Content != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
			}
		}
	}
	flush()
	return out
}

func buildTools(defs []tools.Definition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		schema := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}

		var raw struct {
			Properties map[string]any `json:"properties"`
			Required   []string       `json:"required"`
		}
		if len(d.Schema) > 0 && json.Unmarshal(d.Schema, &raw) == nil {
			if raw.Properties != nil {
				schema.Properties = raw.Properties
			}
			schema.Required = raw.Required
		}

		u := anthropic.ToolUnionParamOfTool(schema, d.Name)
		if u.OfTool != nil && d.Description != "" {
			u.OfTool.Description = anthropic.String(d.Description)
		}
		out = append(out, u)
	}
	return out
}

func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &llm.Error{Kind: llm.ErrorTimeout, Backend: backendName, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		le := &llm.Error{
			Kind:       llm.Classify(apiErr.StatusCode, apiErr.Error()),
			Backend:    backendName,
			StatusCode: apiErr.StatusCode,
			Err:        err,
		}
		if apiErr.Response != nil {
			if secs, perr := strconv.Atoi(apiErr.Response.Header.Get("Retry-After")); perr == nil && secs > 0 {
				le.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return le
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &llm.Error{Kind: llm.ErrorRetryable, Backend: backendName, Err: fmt.Errorf("messages call: %w", err)}
	}
	return &llm.Error{Kind: llm.Classify(0, err.Error()), Backend: backendName, Err: fmt.Errorf("messages call: %w", err)}
}
