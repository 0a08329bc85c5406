package audit

import (
	"context"
	"sync"
)

// InMemory implements Log with in-process concurrency safety.
type InMemory struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewInMemory creates an empty audit log.
func NewInMemory() *InMemory {
	return &InMemory{}
}

func (l *InMemory) Append(ctx context.Context, entry *Entry) error {
	if err := entry.validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, *entry)
	return nil
}

func (l *InMemory) List(ctx context.Context, f Filter) ([]Entry, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	var res []Entry
	for i := len(l.entries) - 1; i >= 0 && len(res) < limit; i-- {
		e := l.entries[i]
		if f.ActorID != "" && e.ActorID != f.ActorID {
			continue
		}
		if f.ResourceType != "" && e.ResourceType != f.ResourceType {
			continue
		}
		if f.ResourceID != "" && e.ResourceID != f.ResourceID {
			continue
		}
		res = append(res, e)
	}
	return res, nil
}

// Len reports the number of recorded entries.
func (l *InMemory) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
