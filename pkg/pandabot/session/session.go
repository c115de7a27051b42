// Package session tracks per-(bot, chat) conversation identity and the small
// amount of runtime state the tool loop needs: whether a loop is active and
// whether a stop was requested. Durable history lives in the storage package.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Key identifies a conversation. ThreadID is optional.
type Key struct {
	BotID    string
	ChatID   string
	ThreadID string
}

// String returns "bot:chat" or "bot:chat:thread".
func (k Key) String() string {
	if k.ThreadID != "" {
		return k.BotID + ":" + k.ChatID + ":" + k.ThreadID
	}
	return k.BotID + ":" + k.ChatID
}

// Hash returns a short deterministic id for the key.
func (k Key) Hash() string {
	h := sha256.Sum256([]byte(k.String()))
	return hex.EncodeToString(h[:6])
}

// ParseKey parses the output of Key.String.
func ParseKey(s string) (Key, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Key{}, fmt.Errorf("invalid session key %q", s)
	}
	k := Key{BotID: parts[0], ChatID: parts[1]}
	if len(parts) == 3 {
		k.ThreadID = parts[2]
	}
	return k, nil
}

// newSessionID mints a fresh 12-char id, used after a reset.
func newSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Session is the runtime state of one conversation.
type Session struct {
	Key       Key
	CreatedAt time.Time

	mu           sync.Mutex
	id           string
	lastActiveAt time.Time
	loopStarted  time.Time

	active          atomic.Bool
	cancelRequested atomic.Bool
}

func newSession(key Key, id string) *Session {
	now := time.Now()
	return &Session{
		Key:          key,
		CreatedAt:    now,
		id:           id,
		lastActiveAt: now,
	}
}

// ID returns the current history key of the session. It changes on reset.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// LastActiveAt returns the time of the last touch.
func (s *Session) LastActiveAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActiveAt
}

// Touch marks the session as active now.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActiveAt = time.Now()
	s.mu.Unlock()
}

// CancelRequested reports whether a stop was requested and not yet cleared.
func (s *Session) CancelRequested() bool {
	return s.cancelRequested.Load()
}

// LoopActive reports whether a tool loop currently owns the session, and
// since when.
func (s *Session) LoopActive() (bool, time.Time) {
	if !s.active.Load() {
		return false, time.Time{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return true, s.loopStarted
}
