package engine

import (
	"sync"
	"time"
)

// Role identifies the author of a history entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ChatMessage is one entry of the local conversation transcript.
type ChatMessage struct {
	Role Role
	Text string
	At   time.Time
}

// History is the client-side transcript of the conversation. It collapses
// consecutive duplicates: a repeated (role, text) pair is recorded once.
type History struct {
	mu      sync.Mutex
	entries []ChatMessage
}

// Add appends an entry unless it duplicates the previous one. Empty text is
// ignored. It reports whether the entry was recorded.
func (h *History) Add(role Role, text string) bool {
	if text == "" {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if n := len(h.entries); n > 0 {
		last := h.entries[n-1]
		if last.Role == role && last.Text == text {
			return false
		}
	}
	h.entries = append(h.entries, ChatMessage{Role: role, Text: text, At: time.Now()})
	return true
}

// Messages returns a copy of the transcript.
func (h *History) Messages() []ChatMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ChatMessage, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len returns the number of recorded entries.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Clear drops the transcript.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = nil
}
