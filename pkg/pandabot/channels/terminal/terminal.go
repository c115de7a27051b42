// Package terminal implements a local channel on top of readline, used by
// the chat command to talk to a bot without any messaging platform.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"

	"github.com/jholhewres/pandabot/pkg/pandabot/channels"
)

// ChatID is the only chat a terminal channel serves.
const ChatID = "local"

// lineSource is the subset of *readline.Instance the channel needs.
type lineSource interface {
	Readline() (string, error)
	Stdout() io.Writer
	Close() error
}

// Config holds terminal channel options.
type Config struct {
	Prompt      string
	HistoryFile string
	UserName    string
}

// Terminal implements channels.Channel over stdin/stdout.
type Terminal struct {
	botID  string
	cfg    Config
	logger *slog.Logger

	open func() (lineSource, error)
	rl   lineSource

	messages  chan *channels.IncomingMessage
	connected atomic.Bool
	lastMsg   atomic.Value // time.Time
	seq       atomic.Int64
	closeOnce sync.Once
	done      chan struct{}
	mu        sync.Mutex
}

// New creates a terminal channel for botID.
func New(botID string, cfg Config, logger *slog.Logger) *Terminal {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prompt == "" {
		cfg.Prompt = "you> "
	}
	if cfg.UserName == "" {
		cfg.UserName = os.Getenv("USER")
	}
	t := &Terminal{
		botID:    botID,
		cfg:      cfg,
		logger:   logger.With("component", "terminal", "bot", botID),
		messages: make(chan *channels.IncomingMessage, 16),
		done:     make(chan struct{}),
	}
	t.open = func() (lineSource, error) {
		return readline.NewEx(&readline.Config{
			Prompt:            cfg.Prompt,
			HistoryFile:       cfg.HistoryFile,
			InterruptPrompt:   "^C",
			EOFPrompt:         "exit",
			HistorySearchFold: true,
			Stdin:             readline.NewCancelableStdin(os.Stdin),
			Stdout:            os.Stdout,
			Stderr:            os.Stderr,
		})
	}
	return t
}

// DefaultHistoryFile returns the REPL history path under dataDir.
func DefaultHistoryFile(dataDir string) string {
	return filepath.Join(dataDir, "chat_history")
}

func (t *Terminal) Name() string     { return t.botID }
func (t *Terminal) Platform() string { return channels.PlatformTerminal }

// Connect opens readline and starts reading lines.
func (t *Terminal) Connect(ctx context.Context) error {
	if t.connected.Load() {
		return nil
	}
	rl, err := t.open()
	if err != nil {
		return fmt.Errorf("terminal: initializing readline: %w", err)
	}
	t.mu.Lock()
	t.rl = rl
	t.mu.Unlock()
	t.connected.Store(true)

	go t.readLoop(ctx)
	return nil
}

// Done is closed when the user leaves (exit, Ctrl+D or Ctrl+C on an empty line).
func (t *Terminal) Done() <-chan struct{} { return t.done }

// Disconnect closes readline.
func (t *Terminal) Disconnect() error {
	t.connected.Store(false)
	t.mu.Lock()
	rl := t.rl
	t.mu.Unlock()
	if rl != nil {
		return rl.Close()
	}
	return nil
}

// Send prints the bot reply.
func (t *Terminal) Send(_ context.Context, _ string, message *channels.OutgoingMessage) error {
	if !t.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := fmt.Fprintf(t.rl.Stdout(), "\n%s> %s\n\n", t.botID, message.Content)
	return err
}

func (t *Terminal) Receive() <-chan *channels.IncomingMessage { return t.messages }

func (t *Terminal) IsConnected() bool { return t.connected.Load() }

func (t *Terminal) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := t.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{Connected: t.connected.Load(), LastMessageAt: lastAt}
}

func (t *Terminal) readLoop(ctx context.Context) {
	defer t.closeOnce.Do(func() { close(t.done) })

	for ctx.Err() == nil {
		line, err := t.rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return
			}
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && t.connected.Load() {
				t.logger.Warn("readline error", "error", err)
			}
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return
		}

		msg := &channels.IncomingMessage{
			ID:        strconv.FormatInt(t.seq.Add(1), 10),
			BotID:     t.botID,
			From:      ChatID,
			FromName:  t.cfg.UserName,
			ChatID:    ChatID,
			Content:   line,
			Timestamp: time.Now(),
		}
		t.lastMsg.Store(msg.Timestamp)
		select {
		case t.messages <- msg:
		case <-ctx.Done():
			return
		}
	}
}
