package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"civicops.org/internal/asset"
	"civicops.org/internal/inspect"
	"civicops.org/internal/proximity"
	"civicops.org/internal/scope"
)

// Drives the field-operations core end to end in memory: register a bin,
// pass the proximity gate, submit a report, approve it, then prove the
// escalation sweep catches an overdue report. Exits non-zero on any drift.
func main() {
	ctx := context.Background()

	clock := time.Now().UTC()
	now := func() time.Time { return clock }

	assets := asset.NewInMemory().WithClock(now)
	tokens := proximity.NewInMemoryTokens()
	gate := proximity.NewGate(assets, tokens, proximity.WithClock(now))
	reports := inspect.NewInMemory(assets, tokens, inspect.WithClock(now))

	grants := []scope.Assignment{
		{UserID: "smoke-emp", ModuleKey: "twinbin", Role: scope.RoleEmployee, WardIDs: []string{"w1"}, CanWrite: true},
		{UserID: "smoke-qc", ModuleKey: "twinbin", Role: scope.RoleQC, ZoneIDs: []string{"z1"}, CanWrite: true},
	}

	bin, err := assets.Register(ctx, asset.RegisterInput{
		Kind: asset.TwinBin, Name: "smoke bin", ZoneID: "z1", WardID: "w1",
		Latitude: 22.700000, Longitude: 75.800000,
	})
	if err != nil {
		log.Fatalf("register asset: %v", err)
	}

	// ~46 m from the bin, inside the 50 m radius.
	check, err := gate.Check(ctx, bin.ID, "smoke-emp", 22.700300, 75.800300)
	if err != nil {
		log.Fatalf("proximity check: %v", err)
	}
	if !check.Allowed || check.Token == nil {
		log.Fatalf("expected a token, got reason=%q distance=%.1f", check.Reason, check.DistanceMeters)
	}

	report, err := reports.SubmitReport(ctx, inspect.SubmitInput{
		AssetID: bin.ID, UserID: "smoke-emp", TokenNonce: check.Token.Nonce,
		Answers:     []inspect.Answer{{QuestionID: "q1", Value: "CLEAN"}},
		Assignments: grants,
	})
	if err != nil {
		log.Fatalf("submit report: %v", err)
	}

	// A replayed token must never produce a second report.
	if _, err := reports.SubmitReport(ctx, inspect.SubmitInput{
		AssetID: bin.ID, UserID: "smoke-emp", TokenNonce: check.Token.Nonce,
		Answers:     []inspect.Answer{{QuestionID: "q1", Value: "CLEAN"}},
		Assignments: grants,
	}); err == nil {
		log.Fatal("token replay produced a second report")
	}

	decided, err := reports.Decide(ctx, inspect.DecideInput{
		ReportID: report.ID, ActorID: "smoke-qc",
		Decision: inspect.DecisionApprove, Assignments: grants,
	})
	if err != nil {
		log.Fatalf("decide: %v", err)
	}
	if decided.Status != inspect.StatusApproved || len(decided.Trail) != 2 {
		log.Fatalf("unexpected decided state: %s trail=%d", decided.Status, len(decided.Trail))
	}

	// Second report, left pending past the SLA window.
	check2, err := gate.Check(ctx, bin.ID, "smoke-emp", 22.700300, 75.800300)
	if err != nil || !check2.Allowed {
		log.Fatalf("second proximity check: %v", err)
	}
	overdue, err := reports.SubmitReport(ctx, inspect.SubmitInput{
		AssetID: bin.ID, UserID: "smoke-emp", TokenNonce: check2.Token.Nonce,
		Answers:     []inspect.Answer{{QuestionID: "q1", Value: "OVERFLOWING"}},
		Assignments: grants,
	})
	if err != nil {
		log.Fatalf("second submit: %v", err)
	}

	clock = clock.Add(3 * time.Hour)
	count, err := reports.RunEscalationSweep(ctx, clock)
	if err != nil {
		log.Fatalf("sweep: %v", err)
	}
	if count != 1 {
		log.Fatalf("expected 1 escalation, got %d", count)
	}
	escalated, err := reports.Get(ctx, overdue.ID)
	if err != nil {
		log.Fatalf("get overdue: %v", err)
	}
	if escalated.Status != inspect.StatusEscalated {
		log.Fatalf("overdue report should be ESCALATED, got %s", escalated.Status)
	}
	last := escalated.Trail[len(escalated.Trail)-1]
	if last.ActorID != inspect.SystemActorID {
		log.Fatalf("escalation should be attributed to SYSTEM, got %q", last.ActorID)
	}

	fmt.Printf("field smoke test passed: report=%s escalated=%s\n", report.ID, overdue.ID)
}
