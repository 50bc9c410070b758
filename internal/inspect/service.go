package inspect

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"civicops.org/internal/asset"
	"civicops.org/internal/ids"
	"civicops.org/internal/obs"
	"civicops.org/internal/proximity"
	"civicops.org/internal/scope"
)

// defaultSLAWindow is how long a report may sit in REVIEW_PENDING before the
// scheduler escalates it.
const defaultSLAWindow = 2 * time.Hour

// SubmitInput carries a field employee's report submission. TokenNonce is the
// handle returned by the proximity check; Assignments are the caller's
// assignments resolved at ingress.
type SubmitInput struct {
	AssetID     string
	UserID      string
	TokenNonce  string
	Answers     []Answer
	Assignments []scope.Assignment
}

// DecideInput carries a QC verdict.
type DecideInput struct {
	ReportID    string
	ActorID     string
	Decision    Decision
	Remark      string
	Assignments []scope.Assignment
}

// ActionInput carries an action officer's remediation submission.
type ActionInput struct {
	ReportID    string
	ActorID     string
	Remark      string
	Evidence    string
	Assignments []scope.Assignment
}

// Service drives the inspection lifecycle.
type Service interface {
	// SubmitReport validates and consumes the proximity token atomically with
	// report creation; the resulting report is REVIEW_PENDING.
	SubmitReport(ctx context.Context, in SubmitInput) (Report, error)
	// Decide applies a QC verdict to a REVIEW_PENDING or ACTION_SUBMITTED
	// report. ACTION_REQUIRED verdicts demand a remark.
	Decide(ctx context.Context, in DecideInput) (Report, error)
	// SubmitAction records remediation on an ACTION_REQUIRED report; remark
	// and evidence are both mandatory.
	SubmitAction(ctx context.Context, in ActionInput) (Report, error)
	Get(ctx context.Context, id string) (Report, error)
	// ListVisible returns reports of one module filtered by the caller's
	// resolved scope (matched against the report's asset), newest first.
	ListVisible(ctx context.Context, moduleKey string, sc scope.Scope) ([]Report, error)
	// Trail returns the append-only audit trail for compliance export.
	Trail(ctx context.Context, id string) ([]TrailEntry, error)
	// RunEscalationSweep force-escalates every REVIEW_PENDING report older
	// than the SLA window. Idempotent and safe to run concurrently with
	// decisions; returns how many reports it escalated.
	RunEscalationSweep(ctx context.Context, now time.Time) (int, error)
}

// InMemory implements Service with a single mutex serializing all state
// transitions, which also makes token consumption atomic with report
// creation.
type InMemory struct {
	mu      sync.RWMutex
	reports map[string]*Report

	assets    asset.Service
	tokens    proximity.TokenStore
	slaWindow time.Duration
	now       func() time.Time
}

// Option configures the in-memory service.
type Option func(*InMemory)

// WithSLAWindow overrides the escalation cutoff.
func WithSLAWindow(d time.Duration) Option {
	return func(s *InMemory) {
		if d > 0 {
			s.slaWindow = d
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *InMemory) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewInMemory creates the lifecycle service over the asset registry and token
// store.
func NewInMemory(assets asset.Service, tokens proximity.TokenStore, opts ...Option) *InMemory {
	s := &InMemory{
		reports:   make(map[string]*Report),
		assets:    assets,
		tokens:    tokens,
		slaWindow: defaultSLAWindow,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SLAWindow exposes the configured cutoff for the scheduler.
func (s *InMemory) SLAWindow() time.Duration { return s.slaWindow }

func (s *InMemory) SubmitReport(ctx context.Context, in SubmitInput) (Report, error) {
	if len(in.Answers) == 0 {
		return Report{}, ErrNoAnswers
	}
	a, err := s.assets.Get(ctx, in.AssetID)
	if err != nil {
		return Report{}, err
	}
	moduleKey := a.Kind.ModuleKey()
	if !scope.HasRole(in.UserID, moduleKey, scope.RoleEmployee, in.Assignments) {
		return Report{}, ErrForbidden
	}
	if len(a.AssignedEmployeeIDs) > 0 && !contains(a.AssignedEmployeeIDs, in.UserID) {
		return Report{}, ErrForbidden
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Token consumption and report creation share the critical section; a
	// replayed nonce can never produce a second report.
	now := s.now().UTC()
	tok, err := s.tokens.Consume(ctx, in.TokenNonce, in.AssetID, in.UserID, now)
	if err != nil {
		return Report{}, err
	}

	r := &Report{
		ID:             ids.New(),
		AssetID:        in.AssetID,
		ModuleKey:      moduleKey,
		SubmittedByID:  in.UserID,
		Status:         StatusReviewPending,
		Answers:        append([]Answer(nil), in.Answers...),
		DistanceMeters: tok.DistanceMeters,
		CreatedAt:      now,
		UpdatedAt:      now,
		Trail: []TrailEntry{{
			To:        StatusReviewPending,
			ActorID:   in.UserID,
			Timestamp: now,
		}},
	}
	s.reports[r.ID] = r
	obs.ObserveTransition("", string(StatusReviewPending))
	return cloneReport(r), nil
}

func (s *InMemory) Decide(ctx context.Context, in DecideInput) (Report, error) {
	var to Status
	switch in.Decision {
	case DecisionApprove:
		to = StatusApproved
	case DecisionReject:
		to = StatusRejected
	case DecisionActionRequired:
		if in.Remark == "" {
			return Report{}, ErrRemarkRequired
		}
		to = StatusActionRequired
	default:
		return Report{}, fmt.Errorf("inspect: unknown decision %q", in.Decision)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reports[in.ReportID]
	if !ok {
		return Report{}, ErrNotFound
	}
	if err := s.authorizeLocked(ctx, r, in.ActorID, scope.RoleQC, in.Assignments); err != nil {
		return Report{}, err
	}
	if !CanTransition(r.Status, to) {
		return Report{}, ErrInvalidTransition
	}
	// ACTION_REQUIRED is only a QC verdict on first review, not on a
	// remediated report.
	if to == StatusActionRequired && r.Status != StatusReviewPending {
		return Report{}, ErrInvalidTransition
	}

	s.applyLocked(r, to, in.ActorID, in.Remark)
	if in.Remark != "" {
		r.QCRemark = in.Remark
	}
	return cloneReport(r), nil
}

func (s *InMemory) SubmitAction(ctx context.Context, in ActionInput) (Report, error) {
	if in.Remark == "" {
		return Report{}, ErrRemarkRequired
	}
	if in.Evidence == "" {
		return Report{}, ErrEvidenceRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reports[in.ReportID]
	if !ok {
		return Report{}, ErrNotFound
	}
	if err := s.authorizeLocked(ctx, r, in.ActorID, scope.RoleActionOfficer, in.Assignments); err != nil {
		return Report{}, err
	}
	if !CanTransition(r.Status, StatusActionSubmitted) {
		return Report{}, ErrInvalidTransition
	}

	s.applyLocked(r, StatusActionSubmitted, in.ActorID, in.Remark)
	r.ActionRemark = in.Remark
	r.ActionEvidence = in.Evidence
	return cloneReport(r), nil
}

func (s *InMemory) Get(ctx context.Context, id string) (Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[id]
	if !ok {
		return Report{}, ErrNotFound
	}
	return cloneReport(r), nil
}

func (s *InMemory) ListVisible(ctx context.Context, moduleKey string, sc scope.Scope) ([]Report, error) {
	s.mu.RLock()
	reports := make([]Report, 0, len(s.reports))
	for _, r := range s.reports {
		if r.ModuleKey == moduleKey {
			reports = append(reports, cloneReport(r))
		}
	}
	s.mu.RUnlock()

	var out []Report
	for _, r := range reports {
		a, err := s.assets.Get(ctx, r.AssetID)
		if err != nil {
			// Dangling asset reference: fail closed and surface the signal.
			obs.LogRequest(map[string]any{
				"level": "warn", "msg": "report references missing asset",
				"report_id": r.ID, "asset_id": r.AssetID,
			})
			continue
		}
		if !sc.Allows(scope.Target{ZoneID: a.ZoneID, WardID: a.WardID}) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemory) Trail(ctx context.Context, id string) ([]TrailEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]TrailEntry(nil), r.Trail...), nil
}

func (s *InMemory) RunEscalationSweep(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.slaWindow)

	s.mu.Lock()
	defer s.mu.Unlock()

	var escalated int
	for _, r := range s.reports {
		if r.Status != StatusReviewPending {
			// Already decided or already escalated: sweep is a no-op here.
			continue
		}
		if r.CreatedAt.After(cutoff) {
			continue
		}
		s.applyLocked(r, StatusEscalated, SystemActorID, "review SLA exceeded")
		escalated++
	}
	obs.ObserveSweep(escalated)
	return escalated, nil
}

// authorizeLocked checks that the actor holds the role with a scope covering
// the report's asset. An asset carrying neither zone nor ward resolves to
// denial for scoped grants (fail closed) and is logged as a data-quality
// signal.
func (s *InMemory) authorizeLocked(ctx context.Context, r *Report, actorID, role string, assignments []scope.Assignment) error {
	sc := scope.ResolveForRole(actorID, r.ModuleKey, role, assignments)
	if sc.Empty() {
		return ErrForbidden
	}
	a, err := s.assets.Get(ctx, r.AssetID)
	if err != nil {
		return fmt.Errorf("%w: report %s references missing asset %s", ErrDataIntegrity, r.ID, r.AssetID)
	}
	if !sc.Unrestricted() && a.Unscoped() {
		obs.LogRequest(map[string]any{
			"level": "warn", "msg": "asset lacks zone and ward, denying scoped actor",
			"asset_id": a.ID, "actor_id": actorID,
		})
		return ErrForbidden
	}
	if !sc.Allows(scope.Target{ZoneID: a.ZoneID, WardID: a.WardID}) {
		return ErrForbidden
	}
	return nil
}

// applyLocked performs the transition and appends the trail entry. Callers
// hold the write lock and have already validated the edge.
func (s *InMemory) applyLocked(r *Report, to Status, actorID, remark string) {
	now := s.now().UTC()
	r.Trail = append(r.Trail, TrailEntry{
		From:      r.Status,
		To:        to,
		ActorID:   actorID,
		Remark:    remark,
		Timestamp: now,
	})
	obs.ObserveTransition(string(r.Status), string(to))
	r.Status = to
	r.UpdatedAt = now
}

func cloneReport(r *Report) Report {
	out := *r
	out.Answers = append([]Answer(nil), r.Answers...)
	out.Trail = append([]TrailEntry(nil), r.Trail...)
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
