// Package tools holds the tool registry the agent loop dispatches through,
// plus the built-in tools (filesystem, executor, browser, scheduler).
//
// The registry validates names and input against each tool's schema and turns
// every failure into an error-status Result. Resource bounds such as timeouts
// and output caps are enforced by each tool, not here.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrUnknownTool is wrapped in results for calls to unregistered tools.
var ErrUnknownTool = errors.New("unknown tool")

// Status of a tool invocation.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Definition describes a tool to the model.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"input_schema"`
}

// Call is one requested invocation. ID is unique within a loop.
type Call struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// Result is always produced for a Call, including on failure.
type Result struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Content string `json:"content"`
}

// IsError reports whether the invocation failed.
func (r Result) IsError() bool { return r.Status == StatusError }

// HandlerFunc runs a tool. The returned value is rendered to text: strings
// pass through, nil becomes "OK", anything else is JSON encoded.
type HandlerFunc func(ctx context.Context, args map[string]any) (any, error)

// Observer is notified after every invocation.
type Observer func(name string, status Status, elapsed time.Duration)

type registeredTool struct {
	def     Definition
	schema  *inputSchema
	handler HandlerFunc
}

// Registry maps tool names to handlers.
type Registry struct {
	tools    map[string]*registeredTool
	order    []string
	observer Observer
	logger   *slog.Logger
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*registeredTool),
		logger: logger.With("component", "tools"),
	}
}

// SetObserver installs a hook called after each invocation.
func (r *Registry) SetObserver(o Observer) {
	r.mu.Lock()
	r.observer = o
	r.mu.Unlock()
}

var toolNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func sanitizeToolName(name string) string {
	name = toolNameSanitizer.ReplaceAllString(name, "_")
	for strings.Contains(name, "__") {
		name = strings.ReplaceAll(name, "__", "_")
	}
	return strings.Trim(name, "_")
}

// MakeDefinition builds a Definition from a JSON schema map. A nil schema
// means the tool takes no arguments.
func MakeDefinition(name, description string, schema map[string]any) Definition {
	if schema == nil {
		schema = map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	raw, _ := json.Marshal(schema)
	return Definition{
		Name:        sanitizeToolName(name),
		Description: description,
		Schema:      raw,
	}
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(def Definition, handler HandlerFunc) error {
	if def.Name == "" {
		return errors.New("tool name is required")
	}
	if handler == nil {
		return fmt.Errorf("tool %s: nil handler", def.Name)
	}
	schema, err := parseSchema(def.Schema)
	if err != nil {
		return fmt.Errorf("tool %s: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool %s already registered", def.Name)
	}
	r.tools[def.Name] = &registeredTool{def: def, schema: schema, handler: handler}
	r.order = append(r.order, def.Name)
	r.logger.Debug("tool registered", "name", def.Name)
	return nil
}

// DescribeAll returns the definitions in registration order.
func (r *Registry) DescribeAll() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].def)
	}
	return defs
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := append([]string(nil), r.order...)
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Subset returns a registry exposing only the named tools. Unknown names are
// skipped and logged. An empty list yields an empty registry.
func (r *Registry) Subset(names []string) *Registry {
	sub := NewRegistry(r.logger)
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub.observer = r.observer
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			r.logger.Warn("tool not available", "name", name)
			continue
		}
		if _, dup := sub.tools[name]; dup {
			continue
		}
		sub.tools[name] = t
		sub.order = append(sub.order, name)
	}
	return sub
}

// Invoke runs one call. It never returns an error or panics: unknown tools,
// invalid input and handler faults all come back as error-status results.
func (r *Registry) Invoke(ctx context.Context, call Call) (result Result) {
	start := time.Now()
	result = Result{CallID: call.ID, Name: call.Name}

	r.mu.RLock()
	tool, ok := r.tools[call.Name]
	observer := r.observer
	r.mu.RUnlock()

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked", "tool", call.Name, "call_id", call.ID, "panic", p)
			result.Status = StatusError
			result.Content = formatToolError(call.Name, fmt.Errorf("tool panicked: %v", p))
		}
		if observer != nil {
			observer(call.Name, result.Status, time.Since(start))
		}
	}()

	if !ok {
		result.Status = StatusError
		result.Content = formatToolError(call.Name, fmt.Errorf("%w: %q", ErrUnknownTool, call.Name))
		r.logger.Warn("unknown tool requested", "tool", call.Name, "call_id", call.ID)
		return result
	}

	args := call.Input
	if args == nil {
		args = map[string]any{}
	}
	if err := tool.schema.validate(args); err != nil {
		result.Status = StatusError
		result.Content = formatToolError(call.Name, fmt.Errorf("invalid input: %w", err))
		r.logger.Warn("tool input rejected", "tool", call.Name, "call_id", call.ID, "error", err)
		return result
	}

	out, err := tool.handler(ctx, args)
	if err != nil {
		result.Status = StatusError
		result.Content = formatToolError(call.Name, err)
		r.logger.Warn("tool failed", "tool", call.Name, "call_id", call.ID, "error", err,
			"duration_ms", time.Since(start).Milliseconds())
		return result
	}

	result.Status = StatusOK
	result.Content = formatToolOutput(out)
	r.logger.Debug("tool completed", "tool", call.Name, "call_id", call.ID,
		"output_len", len(result.Content), "duration_ms", time.Since(start).Milliseconds())
	return result
}

func formatToolError(toolName string, err error) string {
	msg := err.Error()
	if len(msg) > 2000 {
		msg = msg[:2000] + "... (truncated)"
	}
	b, _ := json.Marshal(map[string]string{
		"status": "error",
		"tool":   toolName,
		"error":  msg,
	})
	return string(b)
}

func formatToolOutput(output any) string {
	switch v := output.(type) {
	case nil:
		return "OK"
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
