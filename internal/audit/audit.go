// Package audit provides the append-only record of every authorization-relevant
// state change. Entries are written atomically with the mutation they describe;
// a mutation whose audit append fails must not be observable.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"authzcore.org/internal/ids"
)

var (
	// ErrConsistency signals that an audit append failed independently of the
	// state write. The enclosing operation must roll back entirely.
	ErrConsistency = errors.New("audit: append failed, operation rolled back")

	ErrInvalidInput = errors.New("audit: invalid input")
)

// Entry is one immutable audit record.
type Entry struct {
	ID           string          `json:"id"`
	ActorID      string          `json:"actor_id"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	OldValue     json.RawMessage `json:"old_value,omitempty"`
	NewValue     json.RawMessage `json:"new_value,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	ActorID      string
	ResourceType string
	ResourceID   string
	Limit        int
}

// Recorder appends immutable entries. There is no update or delete surface.
type Recorder interface {
	Append(ctx context.Context, entry *Entry) error
}

// Log is a Recorder that can also be read back, newest first.
type Log interface {
	Recorder
	List(ctx context.Context, f Filter) ([]Entry, error)
}

// NewEntry stamps id and timestamp onto an entry.
func NewEntry(actorID, action, resourceType, resourceID string, oldValue, newValue json.RawMessage) *Entry {
	return &Entry{
		ID:           ids.New(),
		ActorID:      actorID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		OldValue:     oldValue,
		NewValue:     newValue,
		CreatedAt:    time.Now().UTC(),
	}
}

// JSON marshals v for an entry's old/new value. Marshal failures collapse to
// null; audited values are plain structs and maps, never cyclic.
func JSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}

func (e *Entry) validate() error {
	if e == nil {
		return ErrInvalidInput
	}
	if strings.TrimSpace(e.Action) == "" || strings.TrimSpace(e.ResourceType) == "" {
		return ErrInvalidInput
	}
	return nil
}
