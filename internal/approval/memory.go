package approval

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"authzcore.org/internal/audit"
	"authzcore.org/internal/ids"
	"authzcore.org/internal/obs"
)

// InMemory implements Service with a lock per request id, so transitions on
// different requests never contend. Production wiring uses the Postgres store,
// where the same guarantee comes from row locks.
type InMemory struct {
	mu      sync.RWMutex
	entries map[string]*requestEntry
	active  map[string]string // userID|moduleID -> requestID while non-terminal

	licenses LicenseGranter
	rec      audit.Recorder
	now      func() time.Time
}

type requestEntry struct {
	mu  sync.Mutex
	req ModuleRequest
}

// NewInMemory creates an empty workflow store.
func NewInMemory(licenses LicenseGranter, rec audit.Recorder) *InMemory {
	return &InMemory{
		entries:  make(map[string]*requestEntry),
		active:   make(map[string]string),
		licenses: licenses,
		rec:      rec,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock. Tests only.
func (s *InMemory) WithClock(now func() time.Time) *InMemory {
	s.now = now
	return s
}

func (s *InMemory) CreateRequest(ctx context.Context, userID, organizationID, moduleID, reason string) (ModuleRequest, error) {
	userID = strings.TrimSpace(userID)
	organizationID = strings.TrimSpace(organizationID)
	moduleID = strings.TrimSpace(moduleID)
	if userID == "" || organizationID == "" || moduleID == "" {
		return ModuleRequest{}, fmt.Errorf("%w: user_id, organization_id and module_id are required", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	activeKey := userID + "|" + moduleID
	if _, ok := s.active[activeKey]; ok {
		return ModuleRequest{}, ErrDuplicateRequest
	}

	now := s.now()
	req := ModuleRequest{
		ID:             ids.New(),
		UserID:         userID,
		OrganizationID: organizationID,
		ModuleID:       moduleID,
		Reason:         strings.TrimSpace(reason),
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	entry := audit.NewEntry(userID, "module_request.created", "module_request", req.ID, nil, audit.JSON(req))
	if err := s.rec.Append(ctx, entry); err != nil {
		return ModuleRequest{}, fmt.Errorf("%w: %v", audit.ErrConsistency, err)
	}

	s.entries[req.ID] = &requestEntry{req: req}
	s.active[activeKey] = req.ID
	return req, nil
}

func (s *InMemory) Approve(ctx context.Context, requestID, actorID string, role Role) (ModuleRequest, error) {
	entry, err := s.lookup(requestID)
	if err != nil {
		return ModuleRequest{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	current := entry.req
	next, err := NextOnApprove(current.Status, role)
	if err != nil {
		return current, err
	}

	updated := current
	updated.Status = next
	updated.UpdatedAt = s.now()

	auditEntry := audit.NewEntry(actorID, "module_request."+string(role)+".approved",
		"module_request", current.ID, audit.JSON(current), audit.JSON(updated))
	if err := s.rec.Append(ctx, auditEntry); err != nil {
		return current, fmt.Errorf("%w: %v", audit.ErrConsistency, err)
	}
	if next == StatusApproved {
		if err := s.licenses.Grant(ctx, current.OrganizationID, current.ModuleID, actorID); err != nil {
			return current, err
		}
	}

	entry.req = updated
	obs.ObserveTransition(string(current.Status), string(next))
	if next.Terminal() {
		s.clearActive(current.UserID, current.ModuleID)
	}
	return updated, nil
}

func (s *InMemory) Reject(ctx context.Context, requestID, actorID string, role Role, comments string) (ModuleRequest, error) {
	if role != RoleClientHead && role != RoleProjectSponsor {
		return ModuleRequest{}, ErrInvalidRole
	}
	entry, err := s.lookup(requestID)
	if err != nil {
		return ModuleRequest{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	current := entry.req
	if err := CheckRejectable(current.Status); err != nil {
		return current, err
	}

	updated := current
	updated.Status = StatusRejected
	updated.Comments = strings.TrimSpace(comments)
	updated.UpdatedAt = s.now()

	auditEntry := audit.NewEntry(actorID, "module_request.rejected",
		"module_request", current.ID, audit.JSON(current), audit.JSON(updated))
	if err := s.rec.Append(ctx, auditEntry); err != nil {
		return current, fmt.Errorf("%w: %v", audit.ErrConsistency, err)
	}

	entry.req = updated
	obs.ObserveTransition(string(current.Status), string(StatusRejected))
	s.clearActive(current.UserID, current.ModuleID)
	return updated, nil
}

func (s *InMemory) Get(ctx context.Context, requestID string) (ModuleRequest, error) {
	entry, err := s.lookup(requestID)
	if err != nil {
		return ModuleRequest{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.req, nil
}

func (s *InMemory) ListOpen(ctx context.Context, organizationID string) ([]ModuleRequest, error) {
	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return nil, fmt.Errorf("%w: organization_id is required", ErrInvalidInput)
	}

	// Snapshot entry pointers first: entry locks are always taken without
	// holding the map lock (Approve holds an entry lock when it re-acquires
	// the map lock to clear the active index).
	s.mu.RLock()
	snapshot := make([]*requestEntry, 0, len(s.entries))
	for _, e := range s.entries {
		snapshot = append(snapshot, e)
	}
	s.mu.RUnlock()

	var open []ModuleRequest
	for _, e := range snapshot {
		e.mu.Lock()
		req := e.req
		e.mu.Unlock()
		if req.OrganizationID == organizationID && !req.Status.Terminal() {
			open = append(open, req)
		}
	}

	sortByCreatedAt(open)
	return open, nil
}

func (s *InMemory) lookup(requestID string) (*requestEntry, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, fmt.Errorf("%w: request_id is required", ErrInvalidInput)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	return entry, nil
}

func (s *InMemory) clearActive(userID, moduleID string) {
	s.mu.Lock()
	delete(s.active, userID+"|"+moduleID)
	s.mu.Unlock()
}

func sortByCreatedAt(reqs []ModuleRequest) {
	for i := 1; i < len(reqs); i++ {
		for j := i; j > 0 && reqs[j].CreatedAt.Before(reqs[j-1].CreatedAt); j-- {
			reqs[j], reqs[j-1] = reqs[j-1], reqs[j]
		}
	}
}
