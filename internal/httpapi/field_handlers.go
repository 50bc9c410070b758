package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"civicops.org/internal/asset"
	"civicops.org/internal/auth"
	"civicops.org/internal/inspect"
	"civicops.org/internal/proximity"
	"civicops.org/internal/scope"
)

type createAssetRequest struct {
	Kind      string  `json:"kind"`
	Name      string  `json:"name"`
	ZoneID    string  `json:"zone_id"`
	WardID    string  `json:"ward_id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type approveAssetRequest struct {
	AssignedEmployeeIDs []string `json:"assigned_employee_ids"`
}

type proximityCheckRequest struct {
	AssetID   string  `json:"asset_id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type submitReportRequest struct {
	AssetID string           `json:"asset_id"`
	Token   string           `json:"token"`
	Answers []inspect.Answer `json:"answers"`
}

type decideRequest struct {
	Decision string `json:"decision"`
	Remark   string `json:"remark"`
}

type actionRequest struct {
	Remark   string `json:"remark"`
	Evidence string `json:"evidence"`
}

type sweepResponse struct {
	EscalatedCount int       `json:"escalated_count"`
	SweptAt        time.Time `json:"swept_at"`
}

// scopeFor resolves the caller's visibility scope for one module. City-wide
// roles bypass module assignments entirely.
func scopeFor(p auth.Principal, moduleKey string) scope.Scope {
	if p.HasCityRole(scope.RoleCityAdmin) || p.HasCityRole(scope.RoleCommissioner) {
		return scope.UnrestrictedScope()
	}
	return scope.Resolve(p.UserID, moduleKey, p.Assignments)
}

// --- assets ---

func (a *API) handleAssetsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listAssets(w, r)
	case http.MethodPost:
		a.createAsset(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) listAssets(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	moduleKey := strings.TrimSpace(r.URL.Query().Get("module"))
	if moduleKey == "" {
		writeError(w, r, http.StatusBadRequest, "module query parameter is required")
		return
	}

	sc := scopeFor(p, moduleKey)
	items, err := a.assets.ListVisible(r.Context(), moduleKey, sc)
	if err != nil {
		handleInspectError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (a *API) createAsset(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req createAssetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	kind, err := asset.ParseKind(req.Kind)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if a.hierarchy != nil {
		if err := a.hierarchy.ValidateParentage(req.ZoneID, req.WardID); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}

	in := asset.RegisterInput{
		Kind:        kind,
		Name:        req.Name,
		ZoneID:      req.ZoneID,
		WardID:      req.WardID,
		Latitude:    req.Latitude,
		Longitude:   req.Longitude,
		RequestedBy: p.UserID,
	}

	var created asset.Asset
	switch {
	case p.HasCityRole(scope.RoleCityAdmin):
		// Admin registration goes straight to APPROVED.
		created, err = a.assets.Register(r.Context(), in)
	case scope.CanWriteAny(p.UserID, kind.ModuleKey(), scope.RoleEmployee, p.Assignments):
		created, err = a.assets.Request(r.Context(), in)
	default:
		writeError(w, r, http.StatusForbidden, "write access not permitted for this role")
		return
	}
	if err != nil {
		handleInspectError(w, r, err)
		return
	}

	a.audit(r.Context(), "asset.create", "asset", created.ID, map[string]string{
		"kind":   string(created.Kind),
		"status": created.Status,
	})
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) handleAssetResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/assets/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if id, ok := strings.CutSuffix(path, "/approve"); ok {
		a.decideAsset(w, r, strings.TrimSuffix(id, "/"), true)
		return
	}
	if id, ok := strings.CutSuffix(path, "/reject"); ok {
		a.decideAsset(w, r, strings.TrimSuffix(id, "/"), false)
		return
	}
	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.getAsset(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) getAsset(w http.ResponseWriter, r *http.Request, id string) {
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	item, err := a.assets.Get(r.Context(), id)
	if err != nil {
		handleInspectError(w, r, err)
		return
	}
	sc := scopeFor(p, item.Kind.ModuleKey())
	if !sc.Allows(scope.Target{ZoneID: item.ZoneID, WardID: item.WardID}) && item.RequestedByID != p.UserID {
		writeError(w, r, http.StatusForbidden, "record is outside your assigned scope")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (a *API) decideAsset(w http.ResponseWriter, r *http.Request, id string, approve bool) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	item, err := a.assets.Get(r.Context(), id)
	if err != nil {
		handleInspectError(w, r, err)
		return
	}

	moduleKey := item.Kind.ModuleKey()
	if !p.HasCityRole(scope.RoleCityAdmin) {
		if !scope.CanWriteAny(p.UserID, moduleKey, scope.RoleQC, p.Assignments) {
			writeError(w, r, http.StatusForbidden, "QC write access required")
			return
		}
		sc := scope.ResolveForRole(p.UserID, moduleKey, scope.RoleQC, p.Assignments)
		if !sc.Allows(scope.Target{ZoneID: item.ZoneID, WardID: item.WardID}) {
			writeError(w, r, http.StatusForbidden, "record is outside your assigned scope")
			return
		}
	}

	var decided asset.Asset
	event := "asset.reject"
	if approve {
		var req approveAssetRequest
		if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		decided, err = a.assets.Approve(r.Context(), id, p.UserID, req.AssignedEmployeeIDs)
		event = "asset.approve"
	} else {
		decided, err = a.assets.Reject(r.Context(), id, p.UserID)
	}
	if err != nil {
		handleInspectError(w, r, err)
		return
	}

	a.audit(r.Context(), event, "asset", decided.ID, map[string]string{"status": decided.Status})
	writeJSON(w, http.StatusOK, decided)
}

// --- proximity ---

func (a *API) handleProximityCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req proximityCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.AssetID == "" {
		writeError(w, r, http.StatusBadRequest, "asset_id is required")
		return
	}

	item, err := a.assets.Get(r.Context(), req.AssetID)
	if err != nil {
		handleInspectError(w, r, err)
		return
	}
	if !scope.HasRole(p.UserID, item.Kind.ModuleKey(), scope.RoleEmployee, p.Assignments) {
		writeError(w, r, http.StatusForbidden, "employee role required for this module")
		return
	}

	res, err := a.gate.Check(r.Context(), req.AssetID, p.UserID, req.Latitude, req.Longitude)
	if err != nil {
		handleInspectError(w, r, err)
		return
	}
	if res.Allowed {
		a.audit(r.Context(), "proximity.token.issued", "asset", req.AssetID, map[string]string{
			"distance_m": strconv.FormatFloat(res.DistanceMeters, 'f', 1, 64),
		})
	}
	writeJSON(w, http.StatusOK, res)
}

// --- reports ---

func (a *API) handleReportsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listReports(w, r)
	case http.MethodPost:
		a.submitReport(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) listReports(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	moduleKey := strings.TrimSpace(r.URL.Query().Get("module"))
	if moduleKey == "" {
		writeError(w, r, http.StatusBadRequest, "module query parameter is required")
		return
	}

	sc := scopeFor(p, moduleKey)
	items, err := a.reports.ListVisible(r.Context(), moduleKey, sc)
	if err != nil {
		handleInspectError(w, r, err)
		return
	}
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		filtered := items[:0]
		for _, item := range items {
			if strings.EqualFold(string(item.Status), status) {
				filtered = append(filtered, item)
			}
		}
		items = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (a *API) submitReport(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req submitReportRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.AssetID == "" || req.Token == "" {
		writeError(w, r, http.StatusBadRequest, "asset_id and token are required")
		return
	}

	report, err := a.reports.SubmitReport(r.Context(), inspect.SubmitInput{
		AssetID:     req.AssetID,
		UserID:      p.UserID,
		TokenNonce:  req.Token,
		Answers:     req.Answers,
		Assignments: p.Assignments,
	})
	if err != nil {
		handleInspectError(w, r, err)
		return
	}

	if a.stream != nil {
		a.stream.PublishTransition(report)
	}
	a.audit(r.Context(), "report.submit", "report", report.ID, map[string]string{
		"asset_id":   report.AssetID,
		"distance_m": strconv.FormatFloat(report.DistanceMeters, 'f', 1, 64),
	})
	writeJSON(w, http.StatusCreated, report)
}

func (a *API) handleReportResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/reports/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if id, ok := strings.CutSuffix(path, "/decide"); ok {
		a.decideReport(w, r, strings.TrimSuffix(id, "/"))
		return
	}
	if id, ok := strings.CutSuffix(path, "/action"); ok {
		a.submitAction(w, r, strings.TrimSuffix(id, "/"))
		return
	}
	if id, ok := strings.CutSuffix(path, "/trail"); ok {
		a.reportTrail(w, r, strings.TrimSuffix(id, "/"))
		return
	}
	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.getReport(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

// canSeeReport checks read access: the submitter, city-wide roles and anyone
// whose module scope covers the report's asset.
func (a *API) canSeeReport(r *http.Request, p auth.Principal, report inspect.Report) bool {
	if report.SubmittedByID == p.UserID {
		return true
	}
	sc := scopeFor(p, report.ModuleKey)
	item, err := a.assets.Get(r.Context(), report.AssetID)
	if err != nil {
		// Fail closed on dangling asset references.
		return sc.Unrestricted()
	}
	return sc.Allows(scope.Target{ZoneID: item.ZoneID, WardID: item.WardID})
}

func (a *API) getReport(w http.ResponseWriter, r *http.Request, id string) {
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	report, err := a.reports.Get(r.Context(), id)
	if err != nil {
		handleInspectError(w, r, err)
		return
	}
	if !a.canSeeReport(r, p, report) {
		writeError(w, r, http.StatusForbidden, "record is outside your assigned scope")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) reportTrail(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	report, err := a.reports.Get(r.Context(), id)
	if err != nil {
		handleInspectError(w, r, err)
		return
	}
	if !a.canSeeReport(r, p, report) {
		writeError(w, r, http.StatusForbidden, "record is outside your assigned scope")
		return
	}
	trail, err := a.reports.Trail(r.Context(), id)
	if err != nil {
		handleInspectError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"report_id": id,
		"entries":   trail,
		"as_of":     time.Now().UTC(),
	})
}

func (a *API) decideReport(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req decideRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var decision inspect.Decision
	switch strings.ToUpper(strings.TrimSpace(req.Decision)) {
	case "APPROVE":
		decision = inspect.DecisionApprove
	case "REJECT":
		decision = inspect.DecisionReject
	case "ACTION_REQUIRED":
		decision = inspect.DecisionActionRequired
	default:
		writeError(w, r, http.StatusBadRequest, "decision must be APPROVE, REJECT or ACTION_REQUIRED")
		return
	}

	report, err := a.reports.Decide(r.Context(), inspect.DecideInput{
		ReportID:    id,
		ActorID:     p.UserID,
		Decision:    decision,
		Remark:      strings.TrimSpace(req.Remark),
		Assignments: p.Assignments,
	})
	if err != nil {
		handleInspectError(w, r, err)
		return
	}

	if a.stream != nil {
		a.stream.PublishTransition(report)
	}
	a.audit(r.Context(), "report.decide", "report", report.ID, map[string]string{
		"decision": string(decision),
		"status":   string(report.Status),
	})
	writeJSON(w, http.StatusOK, report)
}

func (a *API) submitAction(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req actionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	report, err := a.reports.SubmitAction(r.Context(), inspect.ActionInput{
		ReportID:    id,
		ActorID:     p.UserID,
		Remark:      strings.TrimSpace(req.Remark),
		Evidence:    strings.TrimSpace(req.Evidence),
		Assignments: p.Assignments,
	})
	if err != nil {
		handleInspectError(w, r, err)
		return
	}

	if a.stream != nil {
		a.stream.PublishTransition(report)
	}
	a.audit(r.Context(), "report.action_submit", "report", report.ID, map[string]string{
		"status": string(report.Status),
	})
	writeJSON(w, http.StatusOK, report)
}

// --- escalation ---

func (a *API) handleEscalationSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	if !p.HasCityRole(scope.RoleCityAdmin) {
		writeError(w, r, http.StatusForbidden, "city admin role required")
		return
	}

	now := time.Now().UTC()
	count, err := a.reports.RunEscalationSweep(r.Context(), now)
	if err != nil {
		handleInspectError(w, r, err)
		return
	}

	a.audit(r.Context(), "report.escalation_sweep", "sweep", now.Format(time.RFC3339), map[string]string{
		"escalated_count": strconv.Itoa(count),
	})
	writeJSON(w, http.StatusOK, sweepResponse{EscalatedCount: count, SweptAt: now})
}

// --- helpers ---

var errEmptyBody = errors.New("request body is required")

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleInspectError maps core errors onto HTTP statuses so the UI can
// distinguish "not allowed", "cannot act right now" and "too far away".
func handleInspectError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, inspect.ErrForbidden), errors.Is(err, inspect.ErrDataIntegrity):
		writeError(w, r, http.StatusForbidden, "you are not authorized for this record")
	case errors.Is(err, inspect.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, "this record cannot be acted on right now")
	case errors.Is(err, inspect.ErrOutOfRange):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, inspect.ErrRemarkRequired),
		errors.Is(err, inspect.ErrEvidenceRequired),
		errors.Is(err, inspect.ErrNoAnswers),
		errors.Is(err, asset.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, proximity.ErrTokenExpired):
		writeError(w, r, http.StatusGone, "proximity token expired")
	case errors.Is(err, proximity.ErrTokenConsumed):
		writeError(w, r, http.StatusConflict, "proximity token already used")
	case errors.Is(err, proximity.ErrTokenMismatch), errors.Is(err, proximity.ErrTokenNotFound):
		writeError(w, r, http.StatusUnauthorized, "proximity token invalid")
	case errors.Is(err, asset.ErrNotPending):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, inspect.ErrNotFound), errors.Is(err, asset.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
