package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"authzcore.org/internal/audit"
	"authzcore.org/internal/license"
)

type fixture struct {
	svc      *InMemory
	registry *license.Registry
	log      *audit.InMemory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := audit.NewInMemory()
	registry, err := license.NewRegistry(license.NewInMemory(log), nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return &fixture{
		svc:      NewInMemory(registry, log),
		registry: registry,
		log:      log,
	}
}

func (f *fixture) create(t *testing.T) ModuleRequest {
	t.Helper()
	req, err := f.svc.CreateRequest(context.Background(), "user-1", "org-1", "risk-analysis", "need it")
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	return req
}

func (f *fixture) licensed(t *testing.T) bool {
	t.Helper()
	ok, err := f.registry.IsLicensed(context.Background(), "org-1", "risk-analysis", nowUTC())
	if err != nil {
		t.Fatalf("IsLicensed: %v", err)
	}
	return ok
}

func TestDualApprovalClientHeadFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.create(t)

	req, err := f.svc.Approve(ctx, req.ID, "head-1", RoleClientHead)
	if err != nil {
		t.Fatalf("first approve: %v", err)
	}
	if req.Status != StatusClientHeadApproved {
		t.Fatalf("status = %s", req.Status)
	}
	if f.licensed(t) {
		t.Fatal("license must not be granted after one approval")
	}

	req, err = f.svc.Approve(ctx, req.ID, "sponsor-1", RoleProjectSponsor)
	if err != nil {
		t.Fatalf("second approve: %v", err)
	}
	if req.Status != StatusApproved {
		t.Fatalf("status = %s", req.Status)
	}
	if !f.licensed(t) {
		t.Fatal("final approval must grant the license")
	}
}

func TestApprovalIsCommutative(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.create(t)

	req, err := f.svc.Approve(ctx, req.ID, "sponsor-1", RoleProjectSponsor)
	if err != nil {
		t.Fatalf("sponsor approve: %v", err)
	}
	if req.Status != StatusProjectSponsorApproved {
		t.Fatalf("status = %s", req.Status)
	}
	req, err = f.svc.Approve(ctx, req.ID, "head-1", RoleClientHead)
	if err != nil {
		t.Fatalf("head approve: %v", err)
	}
	if req.Status != StatusApproved {
		t.Fatalf("status = %s", req.Status)
	}
	if !f.licensed(t) {
		t.Fatal("reverse order must grant the same license")
	}
}

func TestDuplicateApprovalIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.create(t)

	if _, err := f.svc.Approve(ctx, req.ID, "head-1", RoleClientHead); err != nil {
		t.Fatalf("approve: %v", err)
	}
	before := f.log.Len()

	_, err := f.svc.Approve(ctx, req.ID, "head-2", RoleClientHead)
	if !errors.Is(err, ErrAlreadyApproved) {
		t.Fatalf("expected ErrAlreadyApproved, got %v", err)
	}
	if f.log.Len() != before {
		t.Fatalf("duplicate approval must not add audit entries: %d -> %d", before, f.log.Len())
	}
}

func TestRejectIsTerminalAndFreesTheSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.create(t)

	rejected, err := f.svc.Reject(ctx, req.ID, "sponsor-1", RoleProjectSponsor, "budget freeze")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if rejected.Status != StatusRejected || rejected.Comments != "budget freeze" {
		t.Fatalf("unexpected request: %+v", rejected)
	}
	if f.licensed(t) {
		t.Fatal("rejection must not grant a license")
	}

	// Terminal invariant: nothing more succeeds on this request.
	if _, err := f.svc.Approve(ctx, req.ID, "head-1", RoleClientHead); !errors.Is(err, ErrTerminalState) {
		t.Fatalf("expected ErrTerminalState, got %v", err)
	}
	if _, err := f.svc.Reject(ctx, req.ID, "head-1", RoleClientHead, "again"); !errors.Is(err, ErrTerminalState) {
		t.Fatalf("expected ErrTerminalState, got %v", err)
	}

	// A new request for the same (user, module) is now permitted.
	if _, err := f.svc.CreateRequest(ctx, "user-1", "org-1", "risk-analysis", "second try"); err != nil {
		t.Fatalf("CreateRequest after rejection: %v", err)
	}
}

func TestDuplicateActiveRequestIsRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t)

	_, err := f.svc.CreateRequest(ctx, "user-1", "org-1", "risk-analysis", "again")
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got %v", err)
	}

	// A different module is fine.
	if _, err := f.svc.CreateRequest(ctx, "user-1", "org-1", "business-impact", "other"); err != nil {
		t.Fatalf("CreateRequest other module: %v", err)
	}
}

func TestConcurrentDualApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.create(t)
	createdEntries := f.log.Len()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = f.svc.Approve(ctx, req.ID, "head-1", RoleClientHead)
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = f.svc.Approve(ctx, req.ID, "sponsor-1", RoleProjectSponsor)
	}()
	wg.Wait()

	if errs[0] != nil || errs[1] != nil {
		t.Fatalf("both approvals must succeed: %v / %v", errs[0], errs[1])
	}
	final, err := f.svc.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.Status != StatusApproved {
		t.Fatalf("final status = %s", final.Status)
	}
	if !f.licensed(t) {
		t.Fatal("license must be granted")
	}
	// Two approval entries plus exactly one license grant entry.
	if got := f.log.Len() - createdEntries; got != 3 {
		t.Fatalf("expected 3 audit entries after creation, got %d", got)
	}
}

func TestApproveRejectRaceHasOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		req, err := f.svc.CreateRequest(ctx, "user-1", "org-1", "incident-management", "race")
		if err != nil {
			t.Fatalf("CreateRequest: %v", err)
		}
		// Drive to one approval so the next approve would be final.
		if _, err := f.svc.Approve(ctx, req.ID, "head-1", RoleClientHead); err != nil {
			t.Fatalf("setup approve: %v", err)
		}

		var wg sync.WaitGroup
		var approveErr, rejectErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, approveErr = f.svc.Approve(ctx, req.ID, "sponsor-1", RoleProjectSponsor)
		}()
		go func() {
			defer wg.Done()
			_, rejectErr = f.svc.Reject(ctx, req.ID, "sponsor-2", RoleProjectSponsor, "no")
		}()
		wg.Wait()

		final, err := f.svc.Get(ctx, req.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		switch final.Status {
		case StatusApproved:
			if approveErr != nil {
				t.Fatalf("winner errored: %v", approveErr)
			}
			if !errors.Is(rejectErr, ErrTerminalState) {
				t.Fatalf("loser must see ErrTerminalState, got %v", rejectErr)
			}
		case StatusRejected:
			if rejectErr != nil {
				t.Fatalf("winner errored: %v", rejectErr)
			}
			if !errors.Is(approveErr, ErrTerminalState) {
				t.Fatalf("loser must see ErrTerminalState, got %v", approveErr)
			}
		default:
			t.Fatalf("no terminal state reached: %s", final.Status)
		}
	}
}

func nowUTC() time.Time { return time.Now().UTC() }

type failingRecorder struct {
	audit.Recorder
	fail bool
}

func (r *failingRecorder) Append(ctx context.Context, e *audit.Entry) error {
	if r.fail {
		return errors.New("audit store unavailable")
	}
	return r.Recorder.Append(ctx, e)
}

func TestFailedAuditRollsBackTransition(t *testing.T) {
	log := audit.NewInMemory()
	rec := &failingRecorder{Recorder: log}
	registry, err := license.NewRegistry(license.NewInMemory(log), nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	svc := NewInMemory(registry, rec)
	ctx := context.Background()

	req, err := svc.CreateRequest(ctx, "user-1", "org-1", "risk-analysis", "need it")
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	rec.fail = true
	if _, err := svc.Approve(ctx, req.ID, "head-1", RoleClientHead); !errors.Is(err, audit.ErrConsistency) {
		t.Fatalf("expected ErrConsistency, got %v", err)
	}

	got, err := svc.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("transition must roll back, status = %s", got.Status)
	}
}
