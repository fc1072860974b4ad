package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/linnemanlabs/bulwark/internal/incident"
	"github.com/linnemanlabs/bulwark/internal/policy"
	"github.com/linnemanlabs/bulwark/internal/position"
)

var (
	_ incident.Store = (*Store)(nil)
	_ position.Store = (*Store)(nil)
	_ policy.Store   = (*Store)(nil)
)

func TestStore_PutAndGetIncident(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	inc := &incident.Incident{ID: "i-1", Status: incident.StatusDetected, PositionIDs: []string{"p-1"}}
	if err := s.PutIncident(ctx, inc); err != nil {
		t.Fatalf("PutIncident: %v", err)
	}

	got, ok, err := s.GetIncident(ctx, "i-1")
	if err != nil {
		t.Fatalf("GetIncident: %v", err)
	}
	if !ok {
		t.Fatal("expected incident to be found")
	}
	if got.Status != incident.StatusDetected {
		t.Errorf("Status = %q, want detected", got.Status)
	}

	// mutating the returned copy must not leak into the store
	got.PositionIDs[0] = "changed"
	again, _, _ := s.GetIncident(ctx, "i-1")
	if again.PositionIDs[0] != "p-1" {
		t.Errorf("store shares slices with callers: %v", again.PositionIDs)
	}

	if _, ok, _ := s.GetIncident(ctx, "missing"); ok {
		t.Error("expected ok=false for missing ID")
	}
}

func TestStore_LatestIsMostRecentlyCreated(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	if _, ok, _ := s.LatestIncident(ctx); ok {
		t.Fatal("empty store reported a latest incident")
	}

	_ = s.PutIncident(ctx, &incident.Incident{ID: "a", Status: incident.StatusDetected, Version: 1})
	_ = s.PutIncident(ctx, &incident.Incident{ID: "b", Status: incident.StatusDetected, Version: 1})
	// updating an older incident does not make it the latest
	if err := s.PutIncident(ctx, &incident.Incident{ID: "a", Status: incident.StatusProtected, Version: 2}); err != nil {
		t.Fatalf("PutIncident: %v", err)
	}

	got, ok, err := s.LatestIncident(ctx)
	if err != nil || !ok {
		t.Fatalf("LatestIncident = %v, %v", ok, err)
	}
	if got.ID != "b" {
		t.Errorf("latest = %q, want b", got.ID)
	}
}

func TestStore_PutIncidentRejectsStaleVersion(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	if err := s.PutIncident(ctx, &incident.Incident{ID: "a", Status: incident.StatusAnalyzing, Version: 2}); err != nil {
		t.Fatalf("PutIncident: %v", err)
	}

	tests := []struct {
		name    string
		version int
		status  incident.Status
	}{
		{"same version", 2, incident.StatusProtected},
		{"older version", 1, incident.StatusError},
	}
	for _, tt := range tests {
		err := s.PutIncident(ctx, &incident.Incident{ID: "a", Status: tt.status, Version: tt.version})
		if !errors.Is(err, incident.ErrStaleVersion) {
			t.Errorf("%s: err = %v, want ErrStaleVersion", tt.name, err)
		}
	}

	got, _, _ := s.GetIncident(ctx, "a")
	if got.Status != incident.StatusAnalyzing || got.Version != 2 {
		t.Errorf("stored = %s/%d, want analyzing/2", got.Status, got.Version)
	}

	if err := s.PutIncident(ctx, &incident.Incident{ID: "a", Status: incident.StatusExecuting, Version: 3}); err != nil {
		t.Errorf("newer version: %v", err)
	}
}

func TestStore_ListIncidents(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	statuses := []incident.Status{incident.StatusProtected, incident.StatusFailed, incident.StatusProtected, incident.StatusProtected}
	for i, st := range statuses {
		_ = s.PutIncident(ctx, &incident.Incident{ID: fmt.Sprintf("i-%d", i), Status: st})
	}

	tests := []struct {
		name   string
		filter incident.Filter
		want   []string
	}{
		{"all", incident.Filter{}, []string{"i-3", "i-2", "i-1", "i-0"}},
		{"by status", incident.Filter{Status: incident.StatusProtected}, []string{"i-3", "i-2", "i-0"}},
		{"limited", incident.Filter{Status: incident.StatusProtected, Limit: 2}, []string{"i-3", "i-2"}},
		{"no match", incident.Filter{Status: incident.StatusError}, nil},
	}
	for _, tt := range tests {
		got, err := s.ListIncidents(ctx, tt.filter)
		if err != nil {
			t.Fatalf("%s: ListIncidents: %v", tt.name, err)
		}
		if len(got) != len(tt.want) {
			t.Fatalf("%s: got %d incidents, want %d", tt.name, len(got), len(tt.want))
		}
		for i := range got {
			if got[i].ID != tt.want[i] {
				t.Errorf("%s: [%d] = %q, want %q", tt.name, i, got[i].ID, tt.want[i])
			}
		}
	}
}

func TestStore_Positions(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	for _, p := range []position.Position{
		{ID: "c", Active: true, DebtValueUSD: decimal.NewFromInt(1)},
		{ID: "a", Active: true},
		{ID: "b", Active: false},
	} {
		if err := s.PutPosition(ctx, &p); err != nil {
			t.Fatalf("PutPosition: %v", err)
		}
	}

	active, err := s.ListActivePositions(ctx)
	if err != nil {
		t.Fatalf("ListActivePositions: %v", err)
	}
	if len(active) != 2 || active[0].ID != "a" || active[1].ID != "c" {
		t.Errorf("active = %v", active)
	}

	got, ok, _ := s.GetPosition(ctx, "c")
	if !ok || !got.DebtValueUSD.Equal(decimal.NewFromInt(1)) {
		t.Errorf("GetPosition = %+v, %v", got, ok)
	}

	if err := s.DeletePosition(ctx, "c"); err != nil {
		t.Fatalf("DeletePosition: %v", err)
	}
	if _, ok, _ := s.GetPosition(ctx, "c"); ok {
		t.Error("deleted position still present")
	}
	if err := s.DeletePosition(ctx, "c"); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestStore_Policies(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	p := &policy.Policy{UserID: "u-1", AutoProtect: true, AllowedProtocols: []string{"aave"}}
	if err := s.PutPolicy(ctx, p); err != nil {
		t.Fatalf("PutPolicy: %v", err)
	}
	p.AllowedProtocols[0] = "changed"

	got, ok, err := s.GetPolicy(ctx, "u-1")
	if err != nil || !ok {
		t.Fatalf("GetPolicy = %v, %v", ok, err)
	}
	if got.AllowedProtocols[0] != "aave" {
		t.Errorf("AllowedProtocols = %v, store shares the caller's slice", got.AllowedProtocols)
	}
	if _, ok, _ := s.GetPolicy(ctx, "u-2"); ok {
		t.Error("expected ok=false for unknown user")
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.PutIncident(ctx, &incident.Incident{ID: fmt.Sprintf("i-%d", i)})
		}()
		go func() {
			defer wg.Done()
			_, _, _ = s.LatestIncident(ctx)
			_, _ = s.ListIncidents(ctx, incident.Filter{Limit: 5})
		}()
	}
	wg.Wait()

	all, _ := s.ListIncidents(ctx, incident.Filter{})
	if len(all) != 50 {
		t.Errorf("incidents = %d, want 50", len(all))
	}
}
