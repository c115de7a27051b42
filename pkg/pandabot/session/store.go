package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBusy is returned by callers that could not acquire the session loop.
var ErrBusy = errors.New("session busy")

// IDStore persists the session id of each key so history survives restarts.
// LookupSessionID returns "" when nothing was stored.
type IDStore interface {
	LookupSessionID(key Key) (string, error)
	SaveSessionID(key Key, id string) error
}

// Store holds one Session per Key. Unrelated sessions never contend on
// anything but the map lock held during lookup.
type Store struct {
	sessions map[Key]*Session
	ids      IDStore
	logger   *slog.Logger
	mu       sync.RWMutex
}

// NewStore creates a Store. ids may be nil, in which case session ids are
// derived from the key and reset ids live only in memory.
func NewStore(ids IDStore, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sessions: make(map[Key]*Session),
		ids:      ids,
		logger:   logger.With("component", "sessions"),
	}
}

// ResolveOrCreate returns the session for key, creating it on first use.
func (s *Store) ResolveOrCreate(key Key) *Session {
	s.mu.RLock()
	sess, ok := s.sessions[key]
	s.mu.RUnlock()
	if ok {
		sess.Touch()
		return sess
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		sess.Touch()
		return sess
	}

	sess = newSession(key, s.initialID(key))
	s.sessions[key] = sess
	s.logger.Debug("session created", "key", key.String(), "session", sess.id)
	return sess
}

func (s *Store) initialID(key Key) string {
	if s.ids == nil {
		return key.Hash()
	}
	id, err := s.ids.LookupSessionID(key)
	if err != nil {
		s.logger.Warn("session id lookup failed", "key", key.String(), "error", err)
	}
	if id != "" {
		return id
	}
	id = key.Hash()
	if err := s.ids.SaveSessionID(key, id); err != nil {
		s.logger.Warn("failed to persist session id", "key", key.String(), "error", err)
	}
	return id
}

// Get returns the session for key without creating it.
func (s *Store) Get(key Key) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key]
	return sess, ok
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// List returns a snapshot of all live sessions.
func (s *Store) List() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Reset points the session at a fresh, empty history and clears any pending
// stop request. A running loop is not interrupted.
func (s *Store) Reset(sess *Session) string {
	id := newSessionID()
	sess.mu.Lock()
	old := sess.id
	sess.id = id
	sess.lastActiveAt = time.Now()
	sess.mu.Unlock()
	sess.cancelRequested.Store(false)

	if s.ids != nil {
		if err := s.ids.SaveSessionID(sess.Key, id); err != nil {
			s.logger.Warn("failed to persist reset session id", "key", sess.Key.String(), "error", err)
		}
	}
	s.logger.Info("session reset", "key", sess.Key.String(), "old", old, "new", id)
	return id
}

// RequestCancel raises the stop flag. It reports whether a loop was running
// to observe it. The flag stays set until ClearCancel or Reset.
func (s *Store) RequestCancel(sess *Session) bool {
	sess.cancelRequested.Store(true)
	active, _ := sess.LoopActive()
	s.logger.Info("cancel requested", "key", sess.Key.String(), "loop_active", active)
	return active
}

// ClearCancel lowers the stop flag.
func (s *Store) ClearCancel(sess *Session) {
	sess.cancelRequested.Store(false)
}

// TryBeginLoop atomically claims the session for one tool loop. It returns
// false when another loop already owns it; callers reject, never queue.
func (s *Store) TryBeginLoop(sess *Session) bool {
	if !sess.active.CompareAndSwap(false, true) {
		return false
	}
	sess.mu.Lock()
	sess.loopStarted = time.Now()
	sess.lastActiveAt = sess.loopStarted
	sess.mu.Unlock()
	return true
}

// EndLoop releases the claim taken by TryBeginLoop.
func (s *Store) EndLoop(sess *Session) {
	sess.mu.Lock()
	sess.loopStarted = time.Time{}
	sess.lastActiveAt = time.Now()
	sess.mu.Unlock()
	if !sess.active.CompareAndSwap(true, false) {
		s.logger.Warn("end loop without active loop", "key", sess.Key.String())
	}
}
