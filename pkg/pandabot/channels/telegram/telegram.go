// Package telegram implements the Telegram channel using the Bot API over
// plain HTTP with long polling (getUpdates). Forum topics map to threads.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jholhewres/pandabot/pkg/pandabot/channels"
)

// Config holds Telegram channel configuration.
type Config struct {
	// Token is the Bot API token from @BotFather.
	Token string

	// AllowedChats restricts which chats the bot answers. Empty allows all.
	AllowedChats []string

	// ParseMode for outgoing messages ("", "HTML" or "MarkdownV2").
	ParseMode string

	// APIBase overrides https://api.telegram.org.
	APIBase string

	// PollTimeout is the getUpdates long-poll duration.
	PollTimeout time.Duration
}

// Telegram implements channels.PresenceChannel.
type Telegram struct {
	botID   string
	cfg     Config
	logger  *slog.Logger
	client  *http.Client
	baseURL string

	messages   chan *channels.IncomingMessage
	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64
	offset     int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Telegram channel for botID.
func New(botID string, cfg Config, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.telegram.org"
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	return &Telegram{
		botID:    botID,
		cfg:      cfg,
		logger:   logger.With("component", "telegram", "bot", botID),
		client:   &http.Client{Timeout: cfg.PollTimeout + 30*time.Second},
		baseURL:  strings.TrimRight(cfg.APIBase, "/") + "/bot" + cfg.Token,
		messages: make(chan *channels.IncomingMessage, 256),
	}
}

func (t *Telegram) Name() string     { return t.botID }
func (t *Telegram) Platform() string { return channels.PlatformTelegram }

// Connect verifies the token and starts the polling loop.
func (t *Telegram) Connect(ctx context.Context) error {
	if t.cfg.Token == "" {
		return fmt.Errorf("telegram: bot token is required")
	}
	if t.connected.Load() {
		return nil
	}

	t.ctx, t.cancel = context.WithCancel(ctx)
	me, err := t.getMe(t.ctx)
	if err != nil {
		t.cancel()
		return fmt.Errorf("telegram: failed to verify token: %w", err)
	}
	t.logger.Info("connected", "username", me.Username, "id", me.ID)
	t.connected.Store(true)

	t.done = make(chan struct{})
	go t.pollLoop()
	return nil
}

// Disconnect stops polling and waits for the loop to exit.
func (t *Telegram) Disconnect() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.done != nil {
		<-t.done
	}
	t.connected.Store(false)
	t.logger.Info("disconnected")
	return nil
}

// Send posts a text message.
func (t *Telegram) Send(ctx context.Context, to string, message *channels.OutgoingMessage) error {
	if !t.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat ID %q: %w", to, err)
	}

	payload := map[string]any{
		"chat_id": chatID,
		"text":    message.Content,
	}
	if t.cfg.ParseMode != "" {
		payload["parse_mode"] = t.cfg.ParseMode
	}
	if message.ThreadID != "" {
		if tid, e := strconv.ParseInt(message.ThreadID, 10, 64); e == nil {
			payload["message_thread_id"] = tid
		}
	}
	if message.ReplyTo != "" {
		if msgID, e := strconv.ParseInt(message.ReplyTo, 10, 64); e == nil {
			payload["reply_parameters"] = map[string]any{"message_id": msgID, "allow_sending_without_reply": true}
		}
	}

	_, err = t.apiCall(ctx, "sendMessage", payload)
	return err
}

// SendTyping sends a "typing" chat action. Errors are ignored by callers.
func (t *Telegram) SendTyping(ctx context.Context, to string) error {
	if !t.connected.Load() {
		return nil
	}
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return nil
	}
	_, err = t.apiCall(ctx, "sendChatAction", map[string]any{"chat_id": chatID, "action": "typing"})
	return err
}

func (t *Telegram) Receive() <-chan *channels.IncomingMessage { return t.messages }

func (t *Telegram) IsConnected() bool { return t.connected.Load() }

func (t *Telegram) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := t.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     t.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(t.errorCount.Load()),
	}
}

func (t *Telegram) pollLoop() {
	defer close(t.done)
	t.logger.Info("polling started")
	backoff := time.Second

	for {
		if t.ctx.Err() != nil {
			t.logger.Info("polling stopped")
			return
		}

		updates, err := t.getUpdates(t.offset, 100, int(t.cfg.PollTimeout.Seconds()))
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.errorCount.Add(1)
			t.logger.Warn("getUpdates error", "error", err, "backoff", backoff)
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		backoff = time.Second
		t.errorCount.Store(0)
		for _, u := range updates {
			if u.UpdateID >= t.offset {
				t.offset = u.UpdateID + 1
			}
			t.processUpdate(u)
		}
	}
}

// processUpdate converts a text message update into an IncomingMessage.
func (t *Telegram) processUpdate(u tgUpdate) {
	msg := u.Message
	if msg == nil {
		msg = u.EditedMessage
	}
	if msg == nil {
		return
	}
	if msg.From != nil && msg.From.IsBot {
		return
	}

	content := msg.Text
	if content == "" {
		content = msg.Caption
	}
	if strings.TrimSpace(content) == "" {
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	if len(t.cfg.AllowedChats) > 0 && !slices.Contains(t.cfg.AllowedChats, chatID) {
		t.logger.Debug("ignoring message from chat not in allow list", "chat", chatID)
		return
	}

	incoming := &channels.IncomingMessage{
		ID:        strconv.Itoa(msg.MessageID),
		BotID:     t.botID,
		ChatID:    chatID,
		IsGroup:   msg.Chat.Type == "group" || msg.Chat.Type == "supergroup",
		Content:   content,
		Timestamp: time.Unix(int64(msg.Date), 0),
	}
	if msg.IsTopicMessage && msg.MessageThreadID != 0 {
		incoming.ThreadID = strconv.FormatInt(msg.MessageThreadID, 10)
	}
	if msg.From != nil {
		incoming.From = strconv.FormatInt(msg.From.ID, 10)
		incoming.FromName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		if incoming.FromName == "" {
			incoming.FromName = msg.From.Username
		}
	}

	t.lastMsg.Store(time.Now())
	select {
	case t.messages <- incoming:
	default:
		t.logger.Warn("message buffer full, dropping message", "msg_id", incoming.ID)
	}
}

type tgUpdate struct {
	UpdateID      int64      `json:"update_id"`
	Message       *tgMessage `json:"message"`
	EditedMessage *tgMessage `json:"edited_message"`
}

type tgMessage struct {
	MessageID       int     `json:"message_id"`
	MessageThreadID int64   `json:"message_thread_id"`
	IsTopicMessage  bool    `json:"is_topic_message"`
	From            *tgUser `json:"from"`
	Chat            tgChat  `json:"chat"`
	Date            int     `json:"date"`
	Text            string  `json:"text"`
	Caption         string  `json:"caption"`
}

type tgUser struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

type tgChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

func (t *Telegram) apiCall(ctx context.Context, method string, payload map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("telegram: marshal %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("telegram: creating request for %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("telegram: decoding %s response: %w", method, err)
	}
	if !result.OK {
		return nil, fmt.Errorf("telegram: %s: %s", method, result.Description)
	}
	return result.Result, nil
}

func (t *Telegram) getMe(ctx context.Context) (*tgUser, error) {
	data, err := t.apiCall(ctx, "getMe", nil)
	if err != nil {
		return nil, err
	}
	var user tgUser
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("telegram: parsing getMe: %w", err)
	}
	return &user, nil
}

func (t *Telegram) getUpdates(offset int64, limit, timeoutSecs int) ([]tgUpdate, error) {
	data, err := t.apiCall(t.ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"limit":           limit,
		"timeout":         timeoutSecs,
		"allowed_updates": []string{"message", "edited_message"},
	})
	if err != nil {
		return nil, err
	}
	var updates []tgUpdate
	if err := json.Unmarshal(data, &updates); err != nil {
		return nil, fmt.Errorf("telegram: parsing updates: %w", err)
	}
	return updates, nil
}
