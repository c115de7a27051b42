// Package bots keeps the table of running bots so that the dispatcher and
// scheduled jobs can find how to reach chat X of bot Y.
package bots

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/jholhewres/pandabot/pkg/pandabot/channels"
	"github.com/jholhewres/pandabot/pkg/pandabot/llm"
	"github.com/jholhewres/pandabot/pkg/pandabot/tools"
)

// ErrNotFound is returned by Get for unknown bots. It is an expected outcome
// when a scheduled job outlives its bot.
var ErrNotFound = errors.New("bot not found")

// Handle is everything needed to run a conversation turn for one bot.
type Handle struct {
	ID           string
	Platform     string
	Channel      channels.Channel
	Backend      llm.Backend
	Tools        *tools.Registry
	SystemPrompt string

	// MaxToolRounds caps the tool-call loop; zero means the default.
	MaxToolRounds int
}

// Registry is a concurrent bot id → Handle table.
type Registry struct {
	mu     sync.RWMutex
	bots   map[string]*Handle
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		bots:   make(map[string]*Handle),
		logger: logger.With("component", "bots"),
	}
}

// Register adds or replaces a bot.
func (r *Registry) Register(h *Handle) error {
	if h == nil || h.ID == "" {
		return fmt.Errorf("bot handle requires an id")
	}
	if h.Backend == nil {
		return fmt.Errorf("bot %q: backend is required", h.ID)
	}
	r.mu.Lock()
	_, replaced := r.bots[h.ID]
	r.bots[h.ID] = h
	r.mu.Unlock()

	r.logger.Info("bot registered", "bot", h.ID, "platform", h.Platform,
		"backend", h.Backend.Info().Backend, "replaced", replaced)
	return nil
}

// Unregister removes a bot. Unknown ids are ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	_, ok := r.bots[id]
	delete(r.bots, id)
	r.mu.Unlock()
	if ok {
		r.logger.Info("bot unregistered", "bot", id)
	}
}

// Get returns the handle of a bot or ErrNotFound.
func (r *Registry) Get(id string) (*Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.bots[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return h, nil
}

// IDs returns the registered bot ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.bots))
	for id := range r.bots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
