package conversation

import "sync"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single role-tagged entry in a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Log is a size-bounded conversation history. Element 0 is always the
// system message and is never evicted.
type Log struct {
	mu           sync.Mutex
	systemPrompt string
	maxSize      int
	messages     []Message
}

// NewLog creates a log seeded with the system prompt. maxSize counts the
// system message and is clamped to at least 1.
func NewLog(systemPrompt string, maxSize int) *Log {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Log{
		systemPrompt: systemPrompt,
		maxSize:      maxSize,
		messages:     []Message{{Role: RoleSystem, Content: systemPrompt}},
	}
}

// Append adds a message at the tail. The bound is not enforced here;
// callers invoke EnforceBound once the turn is complete.
func (l *Log) Append(role Role, content string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, Message{Role: role, Content: content})
}

// EnforceBound evicts the oldest non-system messages until the log fits.
func (l *Log) EnforceBound() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	over := len(l.messages) - l.maxSize
	if over <= 0 {
		return 0
	}
	kept := make([]Message, 0, l.maxSize)
	kept = append(kept, l.messages[0])
	kept = append(kept, l.messages[1+over:]...)
	l.messages = kept
	return over
}

// Snapshot returns a copy of the log that is safe to read while the log
// keeps changing.
func (l *Log) Snapshot() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// Reset drops everything but a fresh system message.
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = []Message{{Role: RoleSystem, Content: l.systemPrompt}}
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}

func (l *Log) MaxSize() int {
	return l.maxSize
}
