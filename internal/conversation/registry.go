package conversation

import (
	"sort"
	"sync"
)

// Registry holds one Log per conversation key. Logs are created on first
// use and live for the lifetime of the process.
type Registry struct {
	mu           sync.RWMutex
	systemPrompt string
	maxSize      int
	logs         map[string]*Log
}

func NewRegistry(systemPrompt string, maxSize int) *Registry {
	return &Registry{
		systemPrompt: systemPrompt,
		maxSize:      maxSize,
		logs:         make(map[string]*Log),
	}
}

// Get returns the log for key, creating it if needed.
func (r *Registry) Get(key string) *Log {
	r.mu.RLock()
	l, ok := r.logs[key]
	r.mu.RUnlock()
	if ok {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.logs[key]; ok {
		return l
	}
	l = NewLog(r.systemPrompt, r.maxSize)
	r.logs[key] = l
	return l
}

// Lookup returns the log for key without creating one.
func (r *Registry) Lookup(key string) (*Log, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.logs[key]
	return l, ok
}

// Reset restores the log for key to its initial state. Unknown keys get a
// fresh log so a reset always leaves exactly the system message behind.
func (r *Registry) Reset(key string) {
	r.Get(key).Reset()
}

// Keys returns the known conversation keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.logs))
	for k := range r.logs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.logs)
}
