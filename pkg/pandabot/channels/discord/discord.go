// Package discord implements the Discord channel using discordgo. Threads
// are Discord channels of their own, so a thread maps to its own chat.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/pandabot/pkg/pandabot/channels"
)

// Config holds Discord channel configuration.
type Config struct {
	Token string

	// GuildIDs restricts which guilds the bot answers in. DMs are always
	// accepted. Empty allows all guilds.
	GuildIDs []string

	// AllowedChats restricts which channel ids the bot answers in.
	AllowedChats []string
}

// Discord implements channels.PresenceChannel.
type Discord struct {
	botID   string
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session

	messages   chan *channels.IncomingMessage
	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64
}

// New creates a Discord channel for botID.
func New(botID string, cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		botID:    botID,
		cfg:      cfg,
		logger:   logger.With("component", "discord", "bot", botID),
		messages: make(chan *channels.IncomingMessage, 256),
	}
}

func (d *Discord) Name() string     { return d.botID }
func (d *Discord) Platform() string { return channels.PlatformDiscord }

// Connect opens the gateway WebSocket connection.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}
	if d.connected.Load() {
		return nil
	}

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	session.AddHandler(d.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}
	d.session = session
	d.connected.Store(true)

	if user := session.State.User; user != nil {
		d.logger.Info("connected", "username", user.Username, "id", user.ID)
	}
	return nil
}

// Disconnect closes the gateway connection.
func (d *Discord) Disconnect() error {
	d.connected.Store(false)
	if d.session != nil {
		if err := d.session.Close(); err != nil {
			return fmt.Errorf("discord: closing session: %w", err)
		}
	}
	d.logger.Info("disconnected")
	return nil
}

// Send posts one message (at most 2000 characters) to a channel.
func (d *Discord) Send(ctx context.Context, to string, message *channels.OutgoingMessage) error {
	if d.session == nil || !d.connected.Load() {
		return channels.ErrChannelDisconnected
	}

	msgSend := &discordgo.MessageSend{Content: message.Content}
	if message.ReplyTo != "" {
		msgSend.Reference = &discordgo.MessageReference{MessageID: message.ReplyTo, ChannelID: to}
	}
	if _, err := d.session.ChannelMessageSendComplex(to, msgSend, discordgo.WithContext(ctx)); err != nil {
		d.errorCount.Add(1)
		return fmt.Errorf("discord: send to %s: %w", to, err)
	}
	return nil
}

// SendTyping triggers the typing indicator.
func (d *Discord) SendTyping(ctx context.Context, to string) error {
	if d.session == nil {
		return nil
	}
	return d.session.ChannelTyping(to, discordgo.WithContext(ctx))
}

func (d *Discord) Receive() <-chan *channels.IncomingMessage { return d.messages }

func (d *Discord) IsConnected() bool { return d.connected.Load() }

func (d *Discord) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := d.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     d.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(d.errorCount.Load()),
	}
}

func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	selfID := ""
	if s.State != nil && s.State.User != nil {
		selfID = s.State.User.ID
	}
	incoming, ok := d.toIncoming(selfID, m.Message)
	if !ok {
		return
	}

	d.lastMsg.Store(time.Now())
	select {
	case d.messages <- incoming:
	default:
		d.logger.Warn("message buffer full, dropping message", "msg_id", incoming.ID)
	}
}

// toIncoming filters and converts a gateway message.
func (d *Discord) toIncoming(selfID string, m *discordgo.Message) (*channels.IncomingMessage, bool) {
	if m == nil || m.Author == nil {
		return nil, false
	}
	if m.Author.ID == selfID || m.Author.Bot {
		return nil, false
	}
	if m.Content == "" {
		return nil, false
	}
	if m.GuildID != "" && len(d.cfg.GuildIDs) > 0 && !slices.Contains(d.cfg.GuildIDs, m.GuildID) {
		return nil, false
	}
	if len(d.cfg.AllowedChats) > 0 && !slices.Contains(d.cfg.AllowedChats, m.ChannelID) {
		return nil, false
	}

	name := m.Author.GlobalName
	if name == "" {
		name = m.Author.Username
	}
	return &channels.IncomingMessage{
		ID:        m.ID,
		BotID:     d.botID,
		From:      m.Author.ID,
		FromName:  name,
		ChatID:    m.ChannelID,
		IsGroup:   m.GuildID != "",
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}, true
}
