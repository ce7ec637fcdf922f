// Package schedule holds the bot's per-conversation timing state: delayed
// follow-up messages and the window during which a human operator has taken
// over a chat.
package schedule

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultFollowUp is how long the bot waits before nudging a client
	// who went silent.
	DefaultFollowUp = 5 * time.Minute
	// DefaultTakeoverWindow is how long the bot stays quiet in a chat
	// after a human answered from the same account.
	DefaultTakeoverWindow = 5 * time.Minute
)

// Scheduler runs at most one delayed function per key. Scheduling a key that
// already has a pending timer replaces it.
type Scheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	logger *slog.Logger
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		timers: make(map[string]*time.Timer),
		logger: logger.With("component", "schedule"),
	}
}

// After schedules fn to run after d, replacing any timer pending for key.
func (s *Scheduler) After(key string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[key]; ok {
		t.Stop()
	}
	s.timers[key] = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, key)
		s.mu.Unlock()
		fn()
	})
}

// Cancel stops the pending timer for key, reporting whether one existed.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[key]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.timers, key)
	return true
}

// Pending reports whether key has a timer waiting to fire.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}

// CancelAll stops every pending timer. Called on shutdown and when this
// device loses mastership, so a standby never sends follow-ups.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}

// Takeover tracks chats where a human answered from the bot's own account.
// While the window is open for a chat, the bot must not reply there.
type Takeover struct {
	mu     sync.Mutex
	until  map[string]time.Time
	window time.Duration
}

func NewTakeover(window time.Duration) *Takeover {
	if window <= 0 {
		window = DefaultTakeoverWindow
	}
	return &Takeover{
		until:  make(map[string]time.Time),
		window: window,
	}
}

// MarkHuman opens (or extends) the quiet window for chat.
func (t *Takeover) MarkHuman(chat string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.until[chat] = time.Now().Add(t.window)
}

// Active reports whether a human currently owns the chat.
func (t *Takeover) Active(chat string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	deadline, ok := t.until[chat]
	if !ok {
		return false
	}
	if time.Now().After(deadline) {
		delete(t.until, chat)
		return false
	}
	return true
}

// Release closes the window early, letting the bot answer again.
func (t *Takeover) Release(chat string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.until, chat)
}
