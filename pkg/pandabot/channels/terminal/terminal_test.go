package terminal

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/chzyer/readline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/pandabot/pkg/pandabot/channels"
)

type scriptedLines struct {
	mu    sync.Mutex
	lines []string
	errs  []error
	out   bytes.Buffer
}

func (s *scriptedLines) Readline() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lines) == 0 {
		return "", io.EOF
	}
	line, err := s.lines[0], s.errs[0]
	s.lines, s.errs = s.lines[1:], s.errs[1:]
	return line, err
}

func (s *scriptedLines) Stdout() io.Writer { return &s.out }
func (s *scriptedLines) Close() error      { return nil }

func TestTerminalReadsLinesUntilExit(t *testing.T) {
	t.Parallel()

	src := &scriptedLines{
		lines: []string{"  hello  ", "", "typo", "second", "exit", "never"},
		errs:  []error{nil, nil, readline.ErrInterrupt, nil, nil, nil},
	}
	term := New("panda", Config{UserName: "dev"}, nil)
	term.open = func() (lineSource, error) { return src, nil }

	require.NoError(t, term.Connect(context.Background()))

	var got []string
	for range 2 {
		select {
		case m := <-term.Receive():
			assert.Equal(t, ChatID, m.ChatID)
			assert.Equal(t, "panda", m.BotID)
			got = append(got, m.Content)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out")
		}
	}
	assert.Equal(t, []string{"hello", "second"}, got)

	select {
	case <-term.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("exit did not end the session")
	}

	require.NoError(t, term.Send(context.Background(), ChatID, &channels.OutgoingMessage{Content: "hi dev"}))
	assert.Contains(t, src.out.String(), "panda> hi dev")

	require.NoError(t, term.Disconnect())
	require.ErrorIs(t, term.Send(context.Background(), ChatID, &channels.OutgoingMessage{}), channels.ErrChannelDisconnected)
}
