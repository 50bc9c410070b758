package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"civicops.org/internal/geo"
)

// handleGeoNode serves node lookups and ancestor chains off the cached
// hierarchy. Read-only; node management happens via migrations and seeds.
func (a *API) handleGeoNode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := requirePrincipal(w, r); !ok {
		return
	}
	if a.hierarchy == nil {
		writeError(w, r, http.StatusServiceUnavailable, "geo hierarchy not loaded")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/v1/geo/nodes/")
	if id, ok := strings.CutSuffix(path, "/ancestors"); ok {
		a.geoAncestors(w, r, strings.TrimSuffix(id, "/"))
		return
	}
	if path == "" || strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	node, ok := a.hierarchy.Node(path)
	if !ok {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (a *API) geoAncestors(w http.ResponseWriter, r *http.Request, id string) {
	chain, orphaned, err := a.hierarchy.AncestorsOf(id)
	switch {
	case errors.Is(err, geo.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	case errors.Is(err, geo.ErrCycle):
		// Corrupt parent links are a data problem, not a caller problem.
		writeError(w, r, http.StatusInternalServerError, "hierarchy contains a cycle")
		return
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chain":    chain,
		"orphaned": orphaned,
	})
}
