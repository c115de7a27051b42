package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/pandabot/pkg/pandabot/channels"
)

type fakeAPI struct {
	mu      sync.Mutex
	sent    []map[string]any
	polls   atomic.Int32
	updates string
}

func (f *fakeAPI) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		assert.True(t, strings.HasPrefix(r.URL.Path, "/botTOKEN/"), r.URL.Path)

		switch method {
		case "getMe":
			_, _ = io.WriteString(w, `{"ok":true,"result":{"id":7,"is_bot":true,"first_name":"Panda","username":"panda_bot"}}`)
		case "getUpdates":
			if f.polls.Add(1) == 1 {
				_, _ = io.WriteString(w, `{"ok":true,"result":`+f.updates+`}`)
				return
			}
			time.Sleep(20 * time.Millisecond)
			_, _ = io.WriteString(w, `{"ok":true,"result":[]}`)
		case "sendMessage":
			var payload map[string]any
			_ = json.NewDecoder(r.Body).Decode(&payload)
			f.mu.Lock()
			f.sent = append(f.sent, payload)
			f.mu.Unlock()
			_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":99}}`)
		default:
			_, _ = io.WriteString(w, `{"ok":false,"description":"unknown method"}`)
		}
	}
}

func TestTelegramReceiveAndSend(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{updates: `[
		{"update_id":10,"message":{"message_id":1,"from":{"id":5,"first_name":"Ana"},"chat":{"id":100,"type":"private"},"date":1700000000,"text":"hello"}},
		{"update_id":11,"message":{"message_id":2,"from":{"id":6,"first_name":"Bot","is_bot":true},"chat":{"id":100,"type":"private"},"date":1700000001,"text":"ignored"}},
		{"update_id":12,"message":{"message_id":3,"message_thread_id":42,"is_topic_message":true,"from":{"id":5,"first_name":"Ana"},"chat":{"id":-200,"type":"supergroup"},"date":1700000002,"text":"in topic"}},
		{"update_id":13,"message":{"message_id":4,"from":{"id":5},"chat":{"id":300,"type":"private"},"date":1700000003,"text":"blocked"}}
	]`}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	tg := New("panda", Config{
		Token:        "TOKEN",
		APIBase:      srv.URL,
		AllowedChats: []string{"100", "-200"},
		PollTimeout:  time.Second,
	}, nil)

	err := tg.Send(context.Background(), "100", &channels.OutgoingMessage{Content: "early"})
	require.ErrorIs(t, err, channels.ErrChannelDisconnected)

	require.NoError(t, tg.Connect(context.Background()))
	defer tg.Disconnect()
	assert.Equal(t, "panda", tg.Name())
	assert.Equal(t, channels.PlatformTelegram, tg.Platform())

	var got []*channels.IncomingMessage
	for range 2 {
		select {
		case m := <-tg.Receive():
			got = append(got, m)
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for updates")
		}
	}
	assert.Equal(t, "hello", got[0].Content)
	assert.Equal(t, "100", got[0].ChatID)
	assert.Equal(t, "Ana", got[0].FromName)
	assert.Equal(t, "panda", got[0].BotID)
	assert.Empty(t, got[0].ThreadID)

	assert.Equal(t, "in topic", got[1].Content)
	assert.Equal(t, "42", got[1].ThreadID)
	assert.True(t, got[1].IsGroup)

	select {
	case m := <-tg.Receive():
		t.Fatalf("unexpected message %q", m.Content)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, tg.Send(context.Background(), "-200", &channels.OutgoingMessage{Content: "reply", ThreadID: "42"}))
	api.mu.Lock()
	require.Len(t, api.sent, 1)
	assert.Equal(t, "reply", api.sent[0]["text"])
	assert.Equal(t, float64(42), api.sent[0]["message_thread_id"])
	api.mu.Unlock()

	require.Error(t, tg.Send(context.Background(), "not-a-number", &channels.OutgoingMessage{Content: "x"}))
}

func TestTelegramConnectRequiresToken(t *testing.T) {
	t.Parallel()

	tg := New("b", Config{}, nil)
	require.Error(t, tg.Connect(context.Background()))
	assert.False(t, tg.IsConnected())
}
