package inspect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"civicops.org/internal/asset"
	"civicops.org/internal/proximity"
	"civicops.org/internal/scope"
)

type fixture struct {
	assets  *asset.InMemory
	tokens  *proximity.InMemoryTokens
	gate    *proximity.Gate
	svc     *InMemory
	asset   asset.Asset
	nowMu   sync.Mutex
	current time.Time
}

func (f *fixture) now() time.Time {
	f.nowMu.Lock()
	defer f.nowMu.Unlock()
	return f.current
}

func (f *fixture) advance(d time.Duration) {
	f.nowMu.Lock()
	f.current = f.current.Add(d)
	f.nowMu.Unlock()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		assets:  asset.NewInMemory(),
		tokens:  proximity.NewInMemoryTokens(),
		current: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
	}
	f.gate = proximity.NewGate(f.assets, f.tokens, proximity.WithClock(f.now))
	f.svc = NewInMemory(f.assets, f.tokens, WithClock(f.now))

	a, err := f.assets.Register(context.Background(), asset.RegisterInput{
		Kind: asset.TwinBin, Name: "station bin", ZoneID: "z1", WardID: "w1",
		Latitude: 22.700000, Longitude: 75.800000,
	})
	if err != nil {
		t.Fatal(err)
	}
	f.asset = a
	return f
}

var (
	employeeGrants = []scope.Assignment{
		{UserID: "emp-1", ModuleKey: "twinbin", Role: scope.RoleEmployee, WardIDs: []string{"w1"}, CanWrite: true},
	}
	qcGrants = []scope.Assignment{
		{UserID: "qc-1", ModuleKey: "twinbin", Role: scope.RoleQC, WardIDs: []string{"w1"}, CanWrite: true},
	}
	officerGrants = []scope.Assignment{
		{UserID: "ao-1", ModuleKey: "twinbin", Role: scope.RoleActionOfficer, ZoneIDs: []string{"z1"}},
	}
)

func (f *fixture) submit(t *testing.T) Report {
	t.Helper()
	res, err := f.gate.Check(context.Background(), f.asset.ID, "emp-1", 22.700300, 75.800300)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed {
		t.Fatalf("proximity check should pass: %+v", res)
	}
	r, err := f.svc.SubmitReport(context.Background(), SubmitInput{
		AssetID:     f.asset.ID,
		UserID:      "emp-1",
		TokenNonce:  res.Token.Nonce,
		Answers:     []Answer{{QuestionID: "q1", Value: "clean"}},
		Assignments: employeeGrants,
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestSubmitThenApproveScenario(t *testing.T) {
	f := newFixture(t)
	r := f.submit(t)

	if r.Status != StatusReviewPending {
		t.Fatalf("submitted report should be REVIEW_PENDING, got %s", r.Status)
	}
	if len(r.Trail) != 1 {
		t.Fatalf("trail should have the submission entry, got %d", len(r.Trail))
	}
	if r.DistanceMeters <= 0 || r.DistanceMeters > 50 {
		t.Fatalf("distance should be recorded from the token: %.1f", r.DistanceMeters)
	}

	decided, err := f.svc.Decide(context.Background(), DecideInput{
		ReportID: r.ID, ActorID: "qc-1", Decision: DecisionApprove, Assignments: qcGrants,
	})
	if err != nil {
		t.Fatal(err)
	}
	if decided.Status != StatusApproved {
		t.Fatalf("expected APPROVED, got %s", decided.Status)
	}
	if len(decided.Trail) != 2 {
		t.Fatalf("trail length should be 2 after approval, got %d", len(decided.Trail))
	}
}

func TestSubmitTokenReplayFails(t *testing.T) {
	f := newFixture(t)
	res, _ := f.gate.Check(context.Background(), f.asset.ID, "emp-1", 22.700300, 75.800300)

	in := SubmitInput{
		AssetID: f.asset.ID, UserID: "emp-1", TokenNonce: res.Token.Nonce,
		Answers:     []Answer{{QuestionID: "q1", Value: "ok"}},
		Assignments: employeeGrants,
	}
	if _, err := f.svc.SubmitReport(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.SubmitReport(context.Background(), in); !errors.Is(err, proximity.ErrTokenConsumed) {
		t.Fatalf("replay must fail with ErrTokenConsumed, got %v", err)
	}
}

func TestSubmitExpiredToken(t *testing.T) {
	f := newFixture(t)
	res, _ := f.gate.Check(context.Background(), f.asset.ID, "emp-1", 22.700300, 75.800300)

	f.advance(10 * time.Minute)

	_, err := f.svc.SubmitReport(context.Background(), SubmitInput{
		AssetID: f.asset.ID, UserID: "emp-1", TokenNonce: res.Token.Nonce,
		Answers:     []Answer{{QuestionID: "q1", Value: "ok"}},
		Assignments: employeeGrants,
	})
	if !errors.Is(err, proximity.ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestSubmitForeignTokenMismatch(t *testing.T) {
	f := newFixture(t)
	other, _ := f.assets.Register(context.Background(), asset.RegisterInput{
		Kind: asset.TwinBin, Name: "other bin", WardID: "w1",
		Latitude: 22.700000, Longitude: 75.800000,
	})
	res, _ := f.gate.Check(context.Background(), other.ID, "emp-1", 22.700000, 75.800000)

	_, err := f.svc.SubmitReport(context.Background(), SubmitInput{
		AssetID: f.asset.ID, UserID: "emp-1", TokenNonce: res.Token.Nonce,
		Answers:     []Answer{{QuestionID: "q1", Value: "ok"}},
		Assignments: employeeGrants,
	})
	if !errors.Is(err, proximity.ErrTokenMismatch) {
		t.Fatalf("expected ErrTokenMismatch, got %v", err)
	}
}

func TestSubmitRequiresEmployeeRole(t *testing.T) {
	f := newFixture(t)
	res, _ := f.gate.Check(context.Background(), f.asset.ID, "emp-1", 22.700300, 75.800300)

	_, err := f.svc.SubmitReport(context.Background(), SubmitInput{
		AssetID: f.asset.ID, UserID: "emp-1", TokenNonce: res.Token.Nonce,
		Answers:     []Answer{{QuestionID: "q1", Value: "ok"}},
		Assignments: qcGrants, // wrong user's grants
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestDecideOutOfScopeForbidden(t *testing.T) {
	f := newFixture(t)
	r := f.submit(t)

	// QC scoped to a different ward.
	foreign := []scope.Assignment{
		{UserID: "qc-2", ModuleKey: "twinbin", Role: scope.RoleQC, WardIDs: []string{"w9"}},
	}
	_, err := f.svc.Decide(context.Background(), DecideInput{
		ReportID: r.ID, ActorID: "qc-2", Decision: DecisionApprove, Assignments: foreign,
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	// Correct role elsewhere does not help: no assignment for this module.
	otherModule := []scope.Assignment{
		{UserID: "qc-3", ModuleKey: "toilet", Role: scope.RoleQC},
	}
	_, err = f.svc.Decide(context.Background(), DecideInput{
		ReportID: r.ID, ActorID: "qc-3", Decision: DecisionApprove, Assignments: otherModule,
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for cross-module actor, got %v", err)
	}
}

func TestTerminalStatesRejectFurtherDecisions(t *testing.T) {
	f := newFixture(t)
	for _, decision := range []Decision{DecisionApprove, DecisionReject} {
		r := f.submit(t)
		if _, err := f.svc.Decide(context.Background(), DecideInput{
			ReportID: r.ID, ActorID: "qc-1", Decision: decision, Assignments: qcGrants,
		}); err != nil {
			t.Fatal(err)
		}
		_, err := f.svc.Decide(context.Background(), DecideInput{
			ReportID: r.ID, ActorID: "qc-1", Decision: DecisionApprove, Assignments: qcGrants,
		})
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("decision after %s must be ErrInvalidTransition, got %v", decision, err)
		}
	}
}

func TestActionRequiredFlow(t *testing.T) {
	f := newFixture(t)
	r := f.submit(t)

	// Remark is mandatory for ACTION_REQUIRED.
	_, err := f.svc.Decide(context.Background(), DecideInput{
		ReportID: r.ID, ActorID: "qc-1", Decision: DecisionActionRequired, Assignments: qcGrants,
	})
	if !errors.Is(err, ErrRemarkRequired) {
		t.Fatalf("expected ErrRemarkRequired, got %v", err)
	}

	flagged, err := f.svc.Decide(context.Background(), DecideInput{
		ReportID: r.ID, ActorID: "qc-1", Decision: DecisionActionRequired,
		Remark: "overflowing, needs cleanup", Assignments: qcGrants,
	})
	if err != nil {
		t.Fatal(err)
	}
	if flagged.Status != StatusActionRequired || flagged.QCRemark == "" {
		t.Fatalf("unexpected flagged report: %+v", flagged)
	}

	// QC cannot decide an ACTION_REQUIRED report; only the officer moves it.
	_, err = f.svc.Decide(context.Background(), DecideInput{
		ReportID: r.ID, ActorID: "qc-1", Decision: DecisionApprove, Assignments: qcGrants,
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	// Remediation requires remark and evidence.
	_, err = f.svc.SubmitAction(context.Background(), ActionInput{
		ReportID: r.ID, ActorID: "ao-1", Remark: "cleaned", Assignments: officerGrants,
	})
	if !errors.Is(err, ErrEvidenceRequired) {
		t.Fatalf("expected ErrEvidenceRequired, got %v", err)
	}

	remediated, err := f.svc.SubmitAction(context.Background(), ActionInput{
		ReportID: r.ID, ActorID: "ao-1", Remark: "cleaned",
		Evidence: "photo-123", Assignments: officerGrants,
	})
	if err != nil {
		t.Fatal(err)
	}
	if remediated.Status != StatusActionSubmitted {
		t.Fatalf("expected ACTION_SUBMITTED, got %s", remediated.Status)
	}

	// Final QC approval closes the loop; trail has all four transitions.
	closed, err := f.svc.Decide(context.Background(), DecideInput{
		ReportID: r.ID, ActorID: "qc-1", Decision: DecisionApprove, Assignments: qcGrants,
	})
	if err != nil {
		t.Fatal(err)
	}
	if closed.Status != StatusApproved || len(closed.Trail) != 4 {
		t.Fatalf("unexpected final report: status=%s trail=%d", closed.Status, len(closed.Trail))
	}

	// ACTION_REQUIRED is not a valid verdict on a remediated report.
	r2 := f.submit(t)
	_, _ = f.svc.Decide(context.Background(), DecideInput{
		ReportID: r2.ID, ActorID: "qc-1", Decision: DecisionActionRequired,
		Remark: "fix", Assignments: qcGrants,
	})
	_, _ = f.svc.SubmitAction(context.Background(), ActionInput{
		ReportID: r2.ID, ActorID: "ao-1", Remark: "done", Evidence: "e", Assignments: officerGrants,
	})
	_, err = f.svc.Decide(context.Background(), DecideInput{
		ReportID: r2.ID, ActorID: "qc-1", Decision: DecisionActionRequired,
		Remark: "again", Assignments: qcGrants,
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("ACTION_REQUIRED on ACTION_SUBMITTED must fail, got %v", err)
	}
}

func TestEscalationSweep(t *testing.T) {
	f := newFixture(t)
	r := f.submit(t)

	// Not yet overdue.
	n, err := f.svc.RunEscalationSweep(context.Background(), f.now())
	if err != nil || n != 0 {
		t.Fatalf("nothing should escalate yet: n=%d err=%v", n, err)
	}

	f.advance(3 * time.Hour)

	n, err = f.svc.RunEscalationSweep(context.Background(), f.now())
	if err != nil || n != 1 {
		t.Fatalf("expected 1 escalation: n=%d err=%v", n, err)
	}

	got, _ := f.svc.Get(context.Background(), r.ID)
	if got.Status != StatusEscalated {
		t.Fatalf("expected ESCALATED, got %s", got.Status)
	}
	last := got.Trail[len(got.Trail)-1]
	if last.ActorID != SystemActorID {
		t.Fatalf("escalation must be attributed to SYSTEM, got %s", last.ActorID)
	}

	// Re-running is a no-op, not an error.
	n, err = f.svc.RunEscalationSweep(context.Background(), f.now())
	if err != nil || n != 0 {
		t.Fatalf("second sweep should be a no-op: n=%d err=%v", n, err)
	}

	// A QC approval racing in after the sweep committed loses.
	_, err = f.svc.Decide(context.Background(), DecideInput{
		ReportID: r.ID, ActorID: "qc-1", Decision: DecisionApprove, Assignments: qcGrants,
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("post-escalation approval must fail with ErrInvalidTransition, got %v", err)
	}
}

func TestConcurrentDecisionAndSweepExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	r := f.submit(t)
	f.advance(3 * time.Hour)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = f.svc.Decide(context.Background(), DecideInput{
			ReportID: r.ID, ActorID: "qc-1", Decision: DecisionApprove, Assignments: qcGrants,
		})
	}()
	go func() {
		defer wg.Done()
		n, err := f.svc.RunEscalationSweep(context.Background(), f.now())
		if err == nil && n == 0 {
			// The decision won; model the sweep as the losing transition.
			err = ErrInvalidTransition
		}
		errs[1] = err
	}()
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("loser must observe ErrInvalidTransition, got %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("exactly one of decision/sweep must win, got %d", winners)
	}

	got, _ := f.svc.Get(context.Background(), r.ID)
	if got.Status != StatusApproved && got.Status != StatusEscalated {
		t.Fatalf("report must land in exactly one outcome, got %s", got.Status)
	}
	if len(got.Trail) != 2 {
		t.Fatalf("exactly one transition beyond submission, trail=%d", len(got.Trail))
	}
}

func TestListVisibleFiltersByAssetScope(t *testing.T) {
	f := newFixture(t)
	r := f.submit(t)

	sc := scope.Resolve("qc-1", "twinbin", qcGrants)
	visible, err := f.svc.ListVisible(context.Background(), "twinbin", sc)
	if err != nil {
		t.Fatal(err)
	}
	if len(visible) != 1 || visible[0].ID != r.ID {
		t.Fatalf("ward-scoped QC should see the report: %v", visible)
	}

	foreign := scope.Resolve("qc-2", "twinbin", []scope.Assignment{
		{UserID: "qc-2", ModuleKey: "twinbin", Role: scope.RoleQC, ZoneIDs: []string{"z-other"}},
	})
	visible, err = f.svc.ListVisible(context.Background(), "twinbin", foreign)
	if err != nil {
		t.Fatal(err)
	}
	if len(visible) != 0 {
		t.Fatalf("out-of-scope QC should see nothing, got %d", len(visible))
	}

	none := scope.Resolve("nobody", "twinbin", nil)
	visible, _ = f.svc.ListVisible(context.Background(), "twinbin", none)
	if len(visible) != 0 {
		t.Fatal("user without assignments must see nothing")
	}
}

func TestTrailIsAppendOnlyExport(t *testing.T) {
	f := newFixture(t)
	r := f.submit(t)
	_, _ = f.svc.Decide(context.Background(), DecideInput{
		ReportID: r.ID, ActorID: "qc-1", Decision: DecisionReject, Assignments: qcGrants,
	})

	trail, err := f.svc.Trail(context.Background(), r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(trail) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(trail))
	}
	if trail[0].To != StatusReviewPending || trail[1].To != StatusRejected {
		t.Fatalf("trail order wrong: %+v", trail)
	}
	if trail[1].From != StatusReviewPending {
		t.Fatalf("second entry must record the prior status, got %s", trail[1].From)
	}
	if !trail[0].Timestamp.After(time.Time{}) || trail[1].Timestamp.Before(trail[0].Timestamp) {
		t.Fatal("trail timestamps must be ordered")
	}

	// Mutating the returned slice must not affect stored state.
	trail[0].ActorID = "tampered"
	again, _ := f.svc.Trail(context.Background(), r.ID)
	if again[0].ActorID == "tampered" {
		t.Fatal("trail export must be a copy")
	}
}

func TestCanTransitionTable(t *testing.T) {
	legal := [][2]Status{
		{StatusReviewPending, StatusApproved},
		{StatusReviewPending, StatusRejected},
		{StatusReviewPending, StatusActionRequired},
		{StatusReviewPending, StatusEscalated},
		{StatusActionRequired, StatusActionSubmitted},
		{StatusActionSubmitted, StatusApproved},
		{StatusActionSubmitted, StatusRejected},
	}
	for _, edge := range legal {
		if !CanTransition(edge[0], edge[1]) {
			t.Fatalf("%s -> %s should be legal", edge[0], edge[1])
		}
	}
	illegal := [][2]Status{
		{StatusApproved, StatusRejected},
		{StatusRejected, StatusReviewPending},
		{StatusEscalated, StatusApproved},
		{StatusActionRequired, StatusApproved},
		{StatusActionSubmitted, StatusActionRequired},
	}
	for _, edge := range illegal {
		if CanTransition(edge[0], edge[1]) {
			t.Fatalf("%s -> %s must be illegal", edge[0], edge[1])
		}
	}
}
