// Package convo implements the conversation lifecycle core: per-thread
// conversation state machines, the registry of live conversations, the idle
// expiry reaper, and the inbound event router. Answer generation, retrieval,
// and message delivery are external collaborators reached through interfaces
// defined here.
package convo

import "strings"

// Turn roles. A conversation memory only ever contains these two.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is a single user or assistant message within a conversation.
type Turn struct {
	Role string
	Text string
}

// TurnRecord is the portable form of a Turn used for persistence. The JSON
// tags define the wire format stored in the session store; changing them
// invalidates previously saved sessions.
type TurnRecord struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Memory is the ordered log of prior turns for one conversation. It is owned
// exclusively by its Conversation and mutated only through the conversation's
// transition handlers, so it needs no locking of its own.
type Memory struct {
	turns []Turn
}

// NewMemory returns an empty conversation memory.
func NewMemory() *Memory {
	return &Memory{}
}

// Append records a turn at the end of the log. Turns with empty or
// whitespace-only text are dropped: they carry no context for the answer
// engine and would bloat persisted sessions. Returns true when the turn was
// recorded.
func (m *Memory) Append(role, text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	m.turns = append(m.turns, Turn{Role: role, Text: text})
	return true
}

// Len returns the number of recorded turns.
func (m *Memory) Len() int {
	return len(m.turns)
}

// Turns returns a copy of the turn log, oldest first. Mutating the returned
// slice does not affect the memory.
func (m *Memory) Turns() []Turn {
	out := make([]Turn, len(m.turns))
	copy(out, m.turns)
	return out
}

// Export converts the turn log into its portable record form, preserving
// order. The result round-trips through ImportMemory.
func (m *Memory) Export() []TurnRecord {
	records := make([]TurnRecord, len(m.turns))
	for i, t := range m.turns {
		records[i] = TurnRecord{Role: t.Role, Text: t.Text}
	}
	return records
}

// ImportMemory reconstructs a Memory from persisted records, preserving
// order. Empty-text records are skipped, mirroring Append.
func ImportMemory(records []TurnRecord) *Memory {
	m := NewMemory()
	for _, r := range records {
		m.Append(r.Role, r.Text)
	}
	return m
}
