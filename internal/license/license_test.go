package license

import (
	"context"
	"errors"
	"testing"
	"time"

	"authzcore.org/internal/audit"
)

func newRegistry(t *testing.T, alwaysOn []string) (*Registry, *audit.InMemory) {
	t.Helper()
	log := audit.NewInMemory()
	r, err := NewRegistry(NewInMemory(log), alwaysOn)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r, log
}

func TestUnlicensedByDefault(t *testing.T) {
	r, _ := newRegistry(t, nil)
	ok, err := r.IsLicensed(context.Background(), "org-1", "risk-analysis", time.Now().UTC())
	if err != nil {
		t.Fatalf("IsLicensed: %v", err)
	}
	if ok {
		t.Fatal("absence of a record must mean unlicensed")
	}
}

func TestAlwaysOnAllowList(t *testing.T) {
	r, _ := newRegistry(t, []string{"dashboard"})
	ok, err := r.IsLicensed(context.Background(), "org-1", "dashboard", time.Now().UTC())
	if err != nil {
		t.Fatalf("IsLicensed: %v", err)
	}
	if !ok {
		t.Fatal("allow-listed module must be available without a grant")
	}
}

func TestSetLicenseRoundTrip(t *testing.T) {
	r, log := newRegistry(t, nil)
	ctx := context.Background()

	if _, err := r.SetLicense(ctx, "org-1", "risk-analysis", true, nil, nil, "admin-1"); err != nil {
		t.Fatalf("SetLicense: %v", err)
	}
	ok, err := r.IsLicensed(ctx, "org-1", "risk-analysis", time.Now().UTC())
	if err != nil {
		t.Fatalf("IsLicensed: %v", err)
	}
	if !ok {
		t.Fatal("expected licensed")
	}
	if log.Len() != 1 {
		t.Fatalf("expected one audit entry, got %d", log.Len())
	}

	// Upsert to unlicensed records old and new values.
	if _, err := r.SetLicense(ctx, "org-1", "risk-analysis", false, nil, nil, "admin-1"); err != nil {
		t.Fatalf("SetLicense: %v", err)
	}
	entries, err := log.List(ctx, audit.Filter{ResourceType: "organization_module_license"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 || entries[0].OldValue == nil {
		t.Fatalf("second upsert must carry the previous value: %+v", entries)
	}
}

func TestExpiredLicenseIsNotEffective(t *testing.T) {
	r, _ := newRegistry(t, nil)
	ctx := context.Background()

	yesterday := time.Now().UTC().Add(-24 * time.Hour)
	if _, err := r.SetLicense(ctx, "org-1", "risk-analysis", true, nil, &yesterday, "admin-1"); err != nil {
		t.Fatalf("SetLicense: %v", err)
	}
	ok, err := r.IsLicensed(ctx, "org-1", "risk-analysis", time.Now().UTC())
	if err != nil {
		t.Fatalf("IsLicensed: %v", err)
	}
	if ok {
		t.Fatal("expired license must not be effective even with licensed=true")
	}
}

func TestFutureStartDateIsNotEffectiveYet(t *testing.T) {
	r, _ := newRegistry(t, nil)
	ctx := context.Background()

	tomorrow := time.Now().UTC().Add(24 * time.Hour)
	if _, err := r.SetLicense(ctx, "org-1", "risk-analysis", true, &tomorrow, nil, "admin-1"); err != nil {
		t.Fatalf("SetLicense: %v", err)
	}
	ok, err := r.IsLicensed(ctx, "org-1", "risk-analysis", time.Now().UTC())
	if err != nil {
		t.Fatalf("IsLicensed: %v", err)
	}
	if ok {
		t.Fatal("license must not be effective before its start date")
	}
}

func TestInvalidWindowIsRefused(t *testing.T) {
	r, _ := newRegistry(t, nil)
	start := time.Now().UTC()
	expiry := start.Add(-time.Hour)
	_, err := r.SetLicense(context.Background(), "org-1", "risk-analysis", true, &start, &expiry, "admin-1")
	if !errors.Is(err, ErrInvalidWindow) {
		t.Fatalf("expected ErrInvalidWindow, got %v", err)
	}
}

func TestGrantIsUnbounded(t *testing.T) {
	r, _ := newRegistry(t, nil)
	ctx := context.Background()
	if err := r.Grant(ctx, "org-1", "risk-analysis", "sponsor-1"); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	l, err := r.Get(ctx, "org-1", "risk-analysis")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !l.Licensed || l.StartDate != nil || l.ExpiryDate != nil {
		t.Fatalf("unexpected license: %+v", l)
	}
}
