package license

import (
	"context"
	"fmt"
	"sync"

	"authzcore.org/internal/audit"
)

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	mu       sync.RWMutex
	licenses map[string]License // orgID|moduleID

	rec audit.Recorder
}

// NewInMemory creates an empty store. Upserts are audited through rec.
func NewInMemory(rec audit.Recorder) *InMemory {
	return &InMemory{licenses: make(map[string]License), rec: rec}
}

func (s *InMemory) Find(ctx context.Context, organizationID, moduleID string) (License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.licenses[organizationID+"|"+moduleID]
	if !ok {
		return License{}, fmt.Errorf("%w: %s/%s", ErrNotFound, organizationID, moduleID)
	}
	return l, nil
}

func (s *InMemory) Upsert(ctx context.Context, l License) (License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := l.OrganizationID + "|" + l.ModuleID
	var oldValue any
	if prev, ok := s.licenses[key]; ok {
		oldValue = prev
	}
	entry := audit.NewEntry(l.UpdatedBy, "license.set", "organization_module_license",
		key, audit.JSON(oldValue), audit.JSON(l))
	if err := s.rec.Append(ctx, entry); err != nil {
		return License{}, fmt.Errorf("%w: %v", audit.ErrConsistency, err)
	}
	s.licenses[key] = l
	return l, nil
}
