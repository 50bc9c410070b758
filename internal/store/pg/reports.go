package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"civicops.org/internal/ids"
	"civicops.org/internal/inspect"
	"civicops.org/internal/obs"
	"civicops.org/internal/scope"
)

// ReportStore is the lifecycle view over the shared handle. A separate type
// because report lookups and asset lookups would otherwise collide.
type ReportStore struct {
	*Store
}

var _ inspect.Service = (*ReportStore)(nil)

// Reports returns the inspect.Service implementation.
func (s *Store) Reports() *ReportStore { return &ReportStore{s} }

// slaWindow mirrors the lifecycle default; the scheduler passes its own
// cutoff through RunEscalationSweep's now argument.
const slaWindow = 2 * time.Hour

const reportColumns = `id, asset_id, module_key, submitted_by_id, status, answers, distance_meters, qc_remark, action_remark, action_evidence, created_at, updated_at`

func (rs *ReportStore) SubmitReport(ctx context.Context, in inspect.SubmitInput) (inspect.Report, error) {
	if len(in.Answers) == 0 {
		return inspect.Report{}, inspect.ErrNoAnswers
	}
	a, err := rs.Store.Get(ctx, in.AssetID)
	if err != nil {
		return inspect.Report{}, err
	}
	moduleKey := a.Kind.ModuleKey()
	if !scope.HasRole(in.UserID, moduleKey, scope.RoleEmployee, in.Assignments) {
		return inspect.Report{}, inspect.ErrForbidden
	}
	if len(a.AssignedEmployeeIDs) > 0 && !containsString(a.AssignedEmployeeIDs, in.UserID) {
		return inspect.Report{}, inspect.ErrForbidden
	}

	answers, err := json.Marshal(in.Answers)
	if err != nil {
		return inspect.Report{}, err
	}

	tx, err := rs.db.BeginTx(ctx, nil)
	if err != nil {
		return inspect.Report{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// Token consumption and report insertion commit together; a replayed
	// nonce can never produce a second report.
	now := rs.now().UTC()
	tok, err := consumeTokenTx(ctx, tx, in.TokenNonce, in.AssetID, in.UserID, now)
	if err != nil {
		return inspect.Report{}, err
	}

	r := inspect.Report{
		ID:             ids.New(),
		AssetID:        in.AssetID,
		ModuleKey:      moduleKey,
		SubmittedByID:  in.UserID,
		Status:         inspect.StatusReviewPending,
		Answers:        append([]inspect.Answer(nil), in.Answers...),
		DistanceMeters: tok.DistanceMeters,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if _, err := tx.ExecContext(ctx, `
		insert into reports(id, asset_id, module_key, submitted_by_id, status, answers, distance_meters, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$8)
	`, r.ID, r.AssetID, r.ModuleKey, r.SubmittedByID, string(r.Status), answers, r.DistanceMeters, now); err != nil {
		return inspect.Report{}, err
	}

	entry := inspect.TrailEntry{To: inspect.StatusReviewPending, ActorID: in.UserID, Timestamp: now}
	if err := insertTrailTx(ctx, tx, r.ID, entry); err != nil {
		return inspect.Report{}, err
	}
	if err := tx.Commit(); err != nil {
		return inspect.Report{}, err
	}

	r.Trail = []inspect.TrailEntry{entry}
	obs.ObserveTransition("", string(inspect.StatusReviewPending))
	return r, nil
}

func (rs *ReportStore) Decide(ctx context.Context, in inspect.DecideInput) (inspect.Report, error) {
	var to inspect.Status
	switch in.Decision {
	case inspect.DecisionApprove:
		to = inspect.StatusApproved
	case inspect.DecisionReject:
		to = inspect.StatusRejected
	case inspect.DecisionActionRequired:
		if in.Remark == "" {
			return inspect.Report{}, inspect.ErrRemarkRequired
		}
		to = inspect.StatusActionRequired
	default:
		return inspect.Report{}, fmt.Errorf("inspect: unknown decision %q", in.Decision)
	}

	r, err := rs.transition(ctx, in.ReportID, in.ActorID, scope.RoleQC, in.Assignments, to, in.Remark,
		func(tx *sql.Tx, r *inspect.Report) error {
			// ACTION_REQUIRED is only a QC verdict on first review.
			if to == inspect.StatusActionRequired && r.Status != inspect.StatusReviewPending {
				return inspect.ErrInvalidTransition
			}
			if in.Remark == "" {
				return nil
			}
			_, err := tx.ExecContext(ctx, `update reports set qc_remark=$2 where id=$1`, r.ID, in.Remark)
			return err
		})
	if err != nil {
		return inspect.Report{}, err
	}
	if in.Remark != "" {
		r.QCRemark = in.Remark
	}
	return r, nil
}

func (rs *ReportStore) SubmitAction(ctx context.Context, in inspect.ActionInput) (inspect.Report, error) {
	if in.Remark == "" {
		return inspect.Report{}, inspect.ErrRemarkRequired
	}
	if in.Evidence == "" {
		return inspect.Report{}, inspect.ErrEvidenceRequired
	}

	r, err := rs.transition(ctx, in.ReportID, in.ActorID, scope.RoleActionOfficer, in.Assignments,
		inspect.StatusActionSubmitted, in.Remark,
		func(tx *sql.Tx, r *inspect.Report) error {
			_, err := tx.ExecContext(ctx, `
				update reports set action_remark=$2, action_evidence=$3 where id=$1
			`, r.ID, in.Remark, in.Evidence)
			return err
		})
	if err != nil {
		return inspect.Report{}, err
	}
	r.ActionRemark = in.Remark
	r.ActionEvidence = in.Evidence
	return r, nil
}

// transition locks the report row, authorizes the actor against the asset's
// zone/ward, validates the edge and applies it with a trail entry, all in one
// transaction. The row lock serializes concurrent actors; the loser re-reads
// the new status and fails the edge check.
func (rs *ReportStore) transition(ctx context.Context, reportID, actorID, role string, assignments []scope.Assignment,
	to inspect.Status, remark string, extra func(*sql.Tx, *inspect.Report) error) (inspect.Report, error) {

	tx, err := rs.db.BeginTx(ctx, nil)
	if err != nil {
		return inspect.Report{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `select `+reportColumns+` from reports where id=$1 for update`, reportID)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return inspect.Report{}, inspect.ErrNotFound
	}
	if err != nil {
		return inspect.Report{}, err
	}

	if err := rs.authorize(ctx, &r, actorID, role, assignments); err != nil {
		return inspect.Report{}, err
	}
	if !inspect.CanTransition(r.Status, to) {
		return inspect.Report{}, inspect.ErrInvalidTransition
	}
	if extra != nil {
		if err := extra(tx, &r); err != nil {
			return inspect.Report{}, err
		}
	}

	now := rs.now().UTC()
	if _, err := tx.ExecContext(ctx, `
		update reports set status=$2, updated_at=$3 where id=$1
	`, r.ID, string(to), now); err != nil {
		return inspect.Report{}, err
	}
	entry := inspect.TrailEntry{From: r.Status, To: to, ActorID: actorID, Remark: remark, Timestamp: now}
	if err := insertTrailTx(ctx, tx, r.ID, entry); err != nil {
		return inspect.Report{}, err
	}
	if err := tx.Commit(); err != nil {
		return inspect.Report{}, err
	}

	obs.ObserveTransition(string(r.Status), string(to))
	r.Status = to
	r.UpdatedAt = now
	r.Trail = append(r.Trail, entry)
	return r, nil
}

// authorize matches InMemory's rules: empty role scope denies, a missing
// asset is a data-integrity failure, an unscoped asset denies scoped grants.
func (rs *ReportStore) authorize(ctx context.Context, r *inspect.Report, actorID, role string, assignments []scope.Assignment) error {
	sc := scope.ResolveForRole(actorID, r.ModuleKey, role, assignments)
	if sc.Empty() {
		return inspect.ErrForbidden
	}
	a, err := rs.Store.Get(ctx, r.AssetID)
	if err != nil {
		return fmt.Errorf("%w: report %s references missing asset %s", inspect.ErrDataIntegrity, r.ID, r.AssetID)
	}
	if !sc.Unrestricted() && a.Unscoped() {
		obs.LogRequest(map[string]any{
			"level": "warn", "msg": "asset lacks zone and ward, denying scoped actor",
			"asset_id": a.ID, "actor_id": actorID,
		})
		return inspect.ErrForbidden
	}
	if !sc.Allows(scope.Target{ZoneID: a.ZoneID, WardID: a.WardID}) {
		return inspect.ErrForbidden
	}
	return nil
}

func (rs *ReportStore) Get(ctx context.Context, id string) (inspect.Report, error) {
	row := rs.db.QueryRowContext(ctx, `select `+reportColumns+` from reports where id=$1`, id)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return inspect.Report{}, inspect.ErrNotFound
	}
	if err != nil {
		return inspect.Report{}, err
	}
	r.Trail, err = rs.Trail(ctx, id)
	return r, err
}

func (rs *ReportStore) ListVisible(ctx context.Context, moduleKey string, sc scope.Scope) ([]inspect.Report, error) {
	rows, err := rs.db.QueryContext(ctx, `
		select r.id, r.asset_id, r.module_key, r.submitted_by_id, r.status, r.answers, r.distance_meters,
		       r.qc_remark, r.action_remark, r.action_evidence, r.created_at, r.updated_at,
		       a.zone_id, a.ward_id
		from reports r
		join assets a on a.id = r.asset_id
		where r.module_key = $1
		order by r.created_at desc, r.id desc
	`, moduleKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []inspect.Report
	for rows.Next() {
		var r inspect.Report
		var status string
		var answers []byte
		var zoneID, wardID string
		if err := rows.Scan(&r.ID, &r.AssetID, &r.ModuleKey, &r.SubmittedByID, &status, &answers,
			&r.DistanceMeters, &r.QCRemark, &r.ActionRemark, &r.ActionEvidence,
			&r.CreatedAt, &r.UpdatedAt, &zoneID, &wardID); err != nil {
			return nil, err
		}
		r.Status = inspect.Status(status)
		if len(answers) > 0 {
			if err := json.Unmarshal(answers, &r.Answers); err != nil {
				return nil, err
			}
		}
		// Scope matching stays in Go: zone-OR-ward semantics with the
		// unrestricted short-circuit do not map cleanly onto one predicate.
		if !sc.Allows(scope.Target{ZoneID: zoneID, WardID: wardID}) {
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (rs *ReportStore) Trail(ctx context.Context, id string) ([]inspect.TrailEntry, error) {
	var exists int
	err := rs.db.QueryRowContext(ctx, `select 1 from reports where id=$1`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, inspect.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := rs.db.QueryContext(ctx, `
		select from_status, to_status, actor_id, remark, created_at
		from report_trail where report_id=$1 order by seq asc
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []inspect.TrailEntry
	for rows.Next() {
		var e inspect.TrailEntry
		var from, to string
		if err := rows.Scan(&from, &to, &e.ActorID, &e.Remark, &e.Timestamp); err != nil {
			return nil, err
		}
		e.From = inspect.Status(from)
		e.To = inspect.Status(to)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (rs *ReportStore) RunEscalationSweep(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-slaWindow)

	tx, err := rs.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	// A single guarded update keeps the sweep atomic against concurrent QC
	// decisions; rows decided in the meantime no longer match.
	rows, err := tx.QueryContext(ctx, `
		update reports set status=$1, updated_at=$2
		where status=$3 and created_at <= $4
		returning id
	`, string(inspect.StatusEscalated), now.UTC(), string(inspect.StatusReviewPending), cutoff)
	if err != nil {
		return 0, err
	}
	var escalatedIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		escalatedIDs = append(escalatedIDs, id)
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}

	for _, id := range escalatedIDs {
		entry := inspect.TrailEntry{
			From: inspect.StatusReviewPending, To: inspect.StatusEscalated,
			ActorID: inspect.SystemActorID, Remark: "review SLA exceeded", Timestamp: now.UTC(),
		}
		if err := insertTrailTx(ctx, tx, id, entry); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	obs.ObserveSweep(len(escalatedIDs))
	return len(escalatedIDs), nil
}

func insertTrailTx(ctx context.Context, tx *sql.Tx, reportID string, e inspect.TrailEntry) error {
	_, err := tx.ExecContext(ctx, `
		insert into report_trail(report_id, from_status, to_status, actor_id, remark, created_at)
		values ($1,$2,$3,$4,$5,$6)
	`, reportID, string(e.From), string(e.To), e.ActorID, e.Remark, e.Timestamp)
	return err
}

func scanReport(row rowScanner) (inspect.Report, error) {
	var r inspect.Report
	var status string
	var answers []byte
	err := row.Scan(&r.ID, &r.AssetID, &r.ModuleKey, &r.SubmittedByID, &status, &answers,
		&r.DistanceMeters, &r.QCRemark, &r.ActionRemark, &r.ActionEvidence, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return inspect.Report{}, err
	}
	r.Status = inspect.Status(status)
	if len(answers) > 0 {
		if err := json.Unmarshal(answers, &r.Answers); err != nil {
			return inspect.Report{}, err
		}
	}
	return r, nil
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
