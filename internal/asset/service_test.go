package asset

import (
	"context"
	"errors"
	"testing"

	"civicops.org/internal/scope"
)

func TestRequestApproveFlow(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	a, err := s.Request(ctx, RegisterInput{
		Kind: TwinBin, Name: "MG Road crossing", ZoneID: "z1", WardID: "w1",
		Latitude: 22.7, Longitude: 75.8, RequestedBy: "emp-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != StatusPendingQC {
		t.Fatalf("requested asset should be PENDING_QC, got %s", a.Status)
	}

	approved, err := s.Approve(ctx, a.ID, "qc-1", []string{"emp-1", "emp-2"})
	if err != nil {
		t.Fatal(err)
	}
	if approved.Status != StatusApproved || len(approved.AssignedEmployeeIDs) != 2 {
		t.Fatalf("unexpected approval result: %+v", approved)
	}

	// Second decision on a settled request must fail.
	if _, err := s.Approve(ctx, a.ID, "qc-1", nil); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
	if _, err := s.Reject(ctx, a.ID, "qc-1"); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
}

func TestRejectClearsAssignments(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	a, _ := s.Request(ctx, RegisterInput{Kind: TwinBin, Name: "bin", ZoneID: "z1"})

	rejected, err := s.Reject(ctx, a.ID, "qc-1")
	if err != nil {
		t.Fatal(err)
	}
	if rejected.Status != StatusRejected || rejected.AssignedEmployeeIDs != nil {
		t.Fatalf("unexpected rejection result: %+v", rejected)
	}
}

func TestListVisibleAppliesScope(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	inZone, _ := s.Register(ctx, RegisterInput{Kind: TwinBin, Name: "in-zone", ZoneID: "Z"})
	_, _ = s.Register(ctx, RegisterInput{Kind: TwinBin, Name: "other-zone", ZoneID: "Z2"})
	_, _ = s.Register(ctx, RegisterInput{Kind: TwinBin, Name: "unscoped"})
	_, _ = s.Register(ctx, RegisterInput{Kind: FeederPoint, Name: "feeder", ZoneID: "Z"})

	sc := scope.Resolve("qc-1", "twinbin", []scope.Assignment{
		{UserID: "qc-1", ModuleKey: "twinbin", Role: scope.RoleQC, ZoneIDs: []string{"Z"}},
	})
	got, err := s.ListVisible(ctx, "twinbin", sc)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != inZone.ID {
		t.Fatalf("expected only the in-zone twinbin asset, got %v", got)
	}

	// Unrestricted grant sees everything in the module, including the
	// unscoped asset.
	all := scope.Resolve("admin", "twinbin", []scope.Assignment{
		{UserID: "admin", ModuleKey: "twinbin", Role: scope.RoleCityAdmin},
	})
	got, err = s.ListVisible(ctx, "twinbin", all)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("unrestricted scope should see all 3 twinbin assets, got %d", len(got))
	}
}

func TestRegisterValidation(t *testing.T) {
	s := NewInMemory()
	if _, err := s.Register(context.Background(), RegisterInput{Kind: "BOGUS", Name: "x"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := s.Register(context.Background(), RegisterInput{Kind: TwinBin, Name: "  "}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank name, got %v", err)
	}
}
