// Package channels defines the interfaces and types for pandabot messaging
// channels. Each bot owns one channel (Telegram, Discord or the local
// terminal) that receives and sends messages in a unified way.
package channels

import (
	"context"
	"errors"
	"time"
)

// Platform names accepted in bot configuration.
const (
	PlatformTelegram = "telegram"
	PlatformDiscord  = "discord"
	PlatformTerminal = "terminal"
)

// Channel is implemented by every messaging platform adapter.
type Channel interface {
	// Name returns the owning bot id.
	Name() string

	// Platform returns the platform identifier (e.g. "telegram").
	Platform() string

	// Connect establishes the connection and starts receiving.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Send delivers one message to a chat. Callers split long text first.
	Send(ctx context.Context, to string, message *OutgoingMessage) error

	// Receive returns the stream of incoming messages.
	Receive() <-chan *IncomingMessage

	IsConnected() bool
	Health() HealthStatus
}

// PresenceChannel is implemented by channels that can show "typing...".
type PresenceChannel interface {
	Channel
	SendTyping(ctx context.Context, to string) error
}

// IncomingMessage is a message received from any channel.
type IncomingMessage struct {
	// ID is the message id in the source platform.
	ID string

	// BotID identifies the receiving bot.
	BotID string

	// From is the sender id; FromName its display name when known.
	From     string
	FromName string

	// ChatID is the group, channel or DM identifier.
	ChatID string

	// ThreadID is the forum topic or thread, empty for plain chats.
	ThreadID string

	IsGroup   bool
	Content   string
	Timestamp time.Time
}

// OutgoingMessage is a message to be sent through a channel.
type OutgoingMessage struct {
	Content  string
	ReplyTo  string
	ThreadID string
}

// HealthStatus represents the health state of a channel.
type HealthStatus struct {
	Connected     bool
	LastMessageAt time.Time
	ErrorCount    int
}

// Errors.
var (
	ErrChannelDisconnected = errors.New("channel is not connected")
	ErrChannelNotFound     = errors.New("channel not found")
)

// MaxMessageLen returns the per-message text limit of a platform.
func MaxMessageLen(platform string) int {
	if platform == PlatformDiscord {
		return 2000
	}
	return 4000
}
