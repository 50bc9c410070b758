package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"civicops.org/internal/asset"
	"civicops.org/internal/audit"
	"civicops.org/internal/auth"
	"civicops.org/internal/geo"
	"civicops.org/internal/inspect"
	"civicops.org/internal/obs"
	"civicops.org/internal/proximity"
	"civicops.org/internal/stream"
)

// ReadyProbe is a simple readiness check (e.g. DB ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the field-operations core.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	assets    asset.Service
	reports   inspect.Service
	gate      *proximity.Gate
	users     auth.Directory
	stream    *stream.Stream
	hierarchy *geo.Hierarchy

	rateBurst  int
	ratePerSec int
}

// New wires the API over the core services. users and stream may be nil; the
// corresponding endpoints then report unavailability.
func New(rp ReadyProbe, version string, assets asset.Service, reports inspect.Service, gate *proximity.Gate, users auth.Directory, st *stream.Stream) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		assets:     assets,
		reports:    reports,
		gate:       gate,
		users:      users,
		stream:     st,
		rateBurst:  20,
		ratePerSec: 10,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// auth
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)

	// field operations
	a.mux.HandleFunc("/v1/geo/nodes/", a.handleGeoNode)
	a.mux.HandleFunc("/v1/assets", a.handleAssetsCollection)
	a.mux.HandleFunc("/v1/assets/", a.handleAssetResource)
	a.mux.HandleFunc("/v1/proximity/check", a.handleProximityCheck)
	a.mux.HandleFunc("/v1/reports", a.handleReportsCollection)
	a.mux.HandleFunc("/v1/reports/", a.handleReportResource)
	a.mux.HandleFunc("/v1/escalations/sweep", a.handleEscalationSweep)

	// live lifecycle events
	a.mux.HandleFunc("/v1/stream/reports", a.Stream)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// SetHierarchy installs the geographic forest used for parentage validation
// and ancestor lookups. Without it those checks are skipped.
func (a *API) SetHierarchy(h *geo.Hierarchy) { a.hierarchy = h }

// Handler returns the full middleware-wrapped handler for the server.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = a.withAuth(h)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = RequestID(h)
	h = Logging(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "civicops-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "civicops-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func (a *API) audit(ctx context.Context, event, resourceType, resourceID string, meta map[string]string) {
	fields := map[string]any{
		"resource_type": resourceType,
		"resource_id":   resourceID,
	}
	for k, v := range meta {
		fields[k] = v
	}
	_ = audit.LogEvent(ctx, event, fields)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
