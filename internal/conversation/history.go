// Package conversation keeps a short rolling transcript per chat, used to
// give the language model context when composing replies.
package conversation

import (
	"strings"
	"sync"
	"time"
)

const defaultLimit = 5

// Role labels who said a line in the transcript.
const (
	RoleClient = "Cliente"
	RoleBot    = "Atendente"
)

type Entry struct {
	Role string
	Text string
	At   time.Time
}

// History stores the last few messages exchanged in each chat. Entries live
// only in memory; a restart starts conversations fresh.
type History struct {
	mu     sync.Mutex
	byChat map[string][]Entry
	limit  int
}

func NewHistory() *History {
	return &History{
		byChat: make(map[string][]Entry),
		limit:  defaultLimit,
	}
}

// Add appends a line to the chat's transcript, evicting the oldest once the
// limit is reached.
func (h *History) Add(chat, role, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entries := append(h.byChat[chat], Entry{Role: role, Text: text, At: time.Now()})
	if len(entries) > h.limit {
		entries = entries[len(entries)-h.limit:]
	}
	h.byChat[chat] = entries
}

// Recent returns a copy of the chat's transcript, oldest first.
func (h *History) Recent(chat string) []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	entries := h.byChat[chat]
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

// Clear drops the transcript for a chat.
func (h *History) Clear(chat string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.byChat, chat)
}

// Transcript renders the chat's recent lines as "Role: text" lines for use
// inside a model prompt. Empty when the chat has no history.
func (h *History) Transcript(chat string) string {
	entries := h.Recent(chat)
	if len(entries) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, e := range entries {
		sb.WriteString(e.Role)
		sb.WriteString(": ")
		sb.WriteString(e.Text)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
