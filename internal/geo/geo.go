package geo

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Level is the position of a node in the municipal hierarchy, ordered from the
// outermost division inward.
type Level int

const (
	Zone Level = iota
	Ward
	Area
	Beat
	Kothi
	SubKothi
	Gali
)

var levelNames = map[Level]string{
	Zone:     "ZONE",
	Ward:     "WARD",
	Area:     "AREA",
	Beat:     "BEAT",
	Kothi:    "KOTHI",
	SubKothi: "SUB_KOTHI",
	Gali:     "GALI",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// ParseLevel maps a stored level name back to its Level.
func ParseLevel(s string) (Level, error) {
	for l, name := range levelNames {
		if strings.EqualFold(s, name) {
			return l, nil
		}
	}
	return 0, fmt.Errorf("geo: unknown level %q", s)
}

// Node is one entry in the geographic forest. ParentID is empty only for
// zones; administrative data entry can leave it dangling, which the walk
// functions tolerate.
type Node struct {
	ID       string `json:"id"`
	Level    Level  `json:"level"`
	Name     string `json:"name"`
	ParentID string `json:"parent_id,omitempty"`
}

var (
	// ErrCycle is returned when an ancestor walk exceeds the maximum depth,
	// which in a seven-level hierarchy means the parent links form a loop.
	ErrCycle = errors.New("geo: cycle detected in hierarchy")

	ErrNotFound = errors.New("geo: node not found")
)

// maxDepth bounds ancestor walks. The hierarchy has seven levels; anything
// deeper is corrupt parent data.
const maxDepth = 8

// Hierarchy is an arena of nodes indexed by id. It is read-mostly: build it
// once per request (or cache it) and share freely, lookups take no locks.
type Hierarchy struct {
	nodes map[string]Node
}

// NewHierarchy builds an arena from the node list. Later duplicates of an id
// overwrite earlier ones.
func NewHierarchy(nodes []Node) *Hierarchy {
	arena := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		arena[n.ID] = n
	}
	return &Hierarchy{nodes: arena}
}

// Node returns the node for id.
func (h *Hierarchy) Node(id string) (Node, bool) {
	n, ok := h.nodes[id]
	return n, ok
}

// AncestorsOf returns the chain from root to the node itself. A dangling
// parent link truncates the chain and sets orphaned, so callers can surface a
// data-quality signal instead of failing. A walk longer than the hierarchy is
// deep returns ErrCycle.
func (h *Hierarchy) AncestorsOf(nodeID string) (chain []Node, orphaned bool, err error) {
	n, ok := h.nodes[nodeID]
	if !ok {
		return nil, false, ErrNotFound
	}

	chain = []Node{n}
	for depth := 0; n.ParentID != ""; depth++ {
		if depth >= maxDepth {
			return nil, false, ErrCycle
		}
		parent, ok := h.nodes[n.ParentID]
		if !ok {
			// Orphan: partial chain, not an error.
			orphaned = true
			break
		}
		chain = append(chain, parent)
		n = parent
	}

	// Reverse to root-first order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, orphaned, nil
}

// IsWithin reports whether the node sits under the candidate zone and/or ward.
// An empty candidate id matches anything; orphaned chains match on whatever
// ancestors remain reachable.
func (h *Hierarchy) IsWithin(nodeID, candidateZoneID, candidateWardID string) (bool, error) {
	chain, _, err := h.AncestorsOf(nodeID)
	if err != nil {
		return false, err
	}
	zoneOK := candidateZoneID == ""
	wardOK := candidateWardID == ""
	for _, n := range chain {
		if !zoneOK && n.Level == Zone && n.ID == candidateZoneID {
			zoneOK = true
		}
		if !wardOK && n.Level == Ward && n.ID == candidateWardID {
			wardOK = true
		}
	}
	return zoneOK && wardOK, nil
}

// ValidateParentage checks that a ward (when both are given) actually sits
// under the selected zone. Asset registration calls this before persisting.
func (h *Hierarchy) ValidateParentage(zoneID, wardID string) error {
	if zoneID != "" {
		if n, ok := h.nodes[zoneID]; !ok || n.Level != Zone {
			return fmt.Errorf("geo: invalid zone %q", zoneID)
		}
	}
	if wardID != "" {
		ward, ok := h.nodes[wardID]
		if !ok || ward.Level != Ward {
			return fmt.Errorf("geo: invalid ward %q", wardID)
		}
		if zoneID != "" && ward.ParentID != zoneID {
			return fmt.Errorf("geo: ward %q is not under zone %q", wardID, zoneID)
		}
	}
	return nil
}

// Orphans lists node ids whose parent link points nowhere, sorted for stable
// reporting. Used as a data-quality signal by admin tooling.
func (h *Hierarchy) Orphans() []string {
	var out []string
	for id, n := range h.nodes {
		if n.ParentID == "" {
			continue
		}
		if _, ok := h.nodes[n.ParentID]; !ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
