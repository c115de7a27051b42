package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Manager runs the channels of every bot and merges their incoming
// messages into a single stream.
type Manager struct {
	channels map[string]Channel
	messages chan *IncomingMessage
	logger   *slog.Logger

	// listenWg tracks listener goroutines so Stop can close messages safely.
	listenWg sync.WaitGroup

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		channels: make(map[string]Channel),
		messages: make(chan *IncomingMessage, 256),
		logger:   logger.With("component", "channels"),
	}
}

// Register adds a channel keyed by its bot id. Call before Start.
func (m *Manager) Register(ch Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := ch.Name()
	if _, exists := m.channels[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}
	m.channels[name] = ch
	m.logger.Info("channel registered", "bot", name, "platform", ch.Platform())
	return nil
}

// Start connects all channels. Failures are logged; Start errors only if
// channels were registered and none connected.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.mu.RLock()
	snapshot := make(map[string]Channel, len(m.channels))
	for k, v := range m.channels {
		snapshot[k] = v
	}
	m.mu.RUnlock()

	if len(snapshot) == 0 {
		m.logger.Warn("no channels registered")
		return nil
	}

	var connected int
	for name, ch := range snapshot {
		if err := ch.Connect(m.ctx); err != nil {
			m.logger.Error("failed to connect channel", "bot", name, "error", err)
			continue
		}
		connected++
		m.logger.Info("channel connected", "bot", name, "platform", ch.Platform())

		m.listenWg.Add(1)
		go func(c Channel) {
			defer m.listenWg.Done()
			m.listen(c)
		}(ch)
	}

	if connected == 0 {
		return fmt.Errorf("no channel connected")
	}
	return nil
}

// Stop disconnects all channels and closes the message stream.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.listenWg.Wait()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		if err := ch.Disconnect(); err != nil {
			m.logger.Error("error disconnecting channel", "bot", name, "error", err)
		}
	}
	close(m.messages)
	m.logger.Info("channels stopped")
}

// Messages returns the merged incoming stream.
func (m *Manager) Messages() <-chan *IncomingMessage {
	return m.messages
}

// Send delivers through the channel of botID.
func (m *Manager) Send(ctx context.Context, botID, to string, msg *OutgoingMessage) error {
	ch, ok := m.Channel(botID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, botID)
	}
	if !ch.IsConnected() {
		return fmt.Errorf("%s: %w", botID, ErrChannelDisconnected)
	}
	return ch.Send(ctx, to, msg)
}

// Channel returns the channel of a bot.
func (m *Manager) Channel(botID string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[botID]
	return ch, ok
}

// HealthAll returns the health of every registered channel.
func (m *Manager) HealthAll() map[string]HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]HealthStatus, len(m.channels))
	for name, ch := range m.channels {
		out[name] = ch.Health()
	}
	return out
}

func (m *Manager) listen(ch Channel) {
	for {
		select {
		case <-m.ctx.Done():
			return
		case msg, ok := <-ch.Receive():
			if !ok {
				return
			}
			select {
			case m.messages <- msg:
			case <-m.ctx.Done():
				return
			}
		}
	}
}
