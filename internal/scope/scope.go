package scope

import "strings"

// Role names mirror the municipal role model. City-wide roles (CITY_ADMIN,
// COMMISSIONER) and module roles (EMPLOYEE, QC, ACTION_OFFICER) share one
// namespace.
const (
	RoleEmployee      = "EMPLOYEE"
	RoleQC            = "QC"
	RoleActionOfficer = "ACTION_OFFICER"
	RoleCityAdmin     = "CITY_ADMIN"
	RoleCommissioner  = "COMMISSIONER"
)

// Assignment grants a user a role within a module, optionally restricted to a
// set of zones and/or wards. Empty ZoneIDs and WardIDs together mean the grant
// is unrestricted within the module.
type Assignment struct {
	UserID    string   `json:"user_id"`
	ModuleKey string   `json:"module_key"`
	Role      string   `json:"role"`
	ZoneIDs   []string `json:"zone_ids,omitempty"`
	WardIDs   []string `json:"ward_ids,omitempty"`
	CanWrite  bool     `json:"can_write"`
}

// Unrestricted reports whether the assignment grants access to every record in
// its module.
func (a Assignment) Unrestricted() bool {
	return len(a.ZoneIDs) == 0 && len(a.WardIDs) == 0
}

// Target is the geographic attachment of a record being resolved. Either field
// may be empty; a record with neither is invisible to any scoped grant.
type Target struct {
	ZoneID string
	WardID string
}

// Scope is the union of permitted zones and wards across a user's assignments
// for one module, resolved once and passed through the call chain.
type Scope struct {
	unrestricted bool
	zones        map[string]struct{}
	wards        map[string]struct{}
}

// UnrestrictedScope returns a scope that allows every record. City-wide roles
// (CITY_ADMIN, COMMISSIONER) resolve to it directly.
func UnrestrictedScope() Scope {
	return Scope{unrestricted: true}
}

// Resolve computes the visibility scope for (user, moduleKey) from the full
// assignment list. Assignments for other users or modules are ignored. No
// matching assignment at all yields the empty scope, which denies everything.
func Resolve(userID, moduleKey string, assignments []Assignment) Scope {
	s := Scope{
		zones: make(map[string]struct{}),
		wards: make(map[string]struct{}),
	}
	for _, a := range assignments {
		if a.UserID != userID || !strings.EqualFold(a.ModuleKey, moduleKey) {
			continue
		}
		// An all-zones grant is a superset of every scoped grant and wins
		// outright.
		if a.Unrestricted() {
			s.unrestricted = true
			return s
		}
		for _, z := range a.ZoneIDs {
			if z != "" {
				s.zones[z] = struct{}{}
			}
		}
		for _, w := range a.WardIDs {
			if w != "" {
				s.wards[w] = struct{}{}
			}
		}
	}
	return s
}

// Empty reports whether the scope denies every record (no assignment matched).
func (s Scope) Empty() bool {
	return !s.unrestricted && len(s.zones) == 0 && len(s.wards) == 0
}

// Unrestricted reports whether every record in the module is visible.
func (s Scope) Unrestricted() bool { return s.unrestricted }

// Allows decides visibility of a target under this scope. Matching is
// zone-OR-ward: a record is visible when its zone is granted or its ward is
// granted. A target carrying neither zone nor ward never matches a scoped
// grant.
func (s Scope) Allows(t Target) bool {
	if s.unrestricted {
		return true
	}
	if t.ZoneID == "" && t.WardID == "" {
		return false
	}
	if t.ZoneID != "" {
		if _, ok := s.zones[t.ZoneID]; ok {
			return true
		}
	}
	if t.WardID != "" {
		if _, ok := s.wards[t.WardID]; ok {
			return true
		}
	}
	return false
}

// HasRole reports whether any assignment for (user, module) carries the role.
func HasRole(userID, moduleKey, role string, assignments []Assignment) bool {
	for _, a := range assignments {
		if a.UserID == userID && strings.EqualFold(a.ModuleKey, moduleKey) && strings.EqualFold(a.Role, role) {
			return true
		}
	}
	return false
}

// ResolveForRole is Resolve narrowed to assignments carrying one role. QC and
// action-officer decisions use it so that holding a different role in the same
// module does not widen the decision scope.
func ResolveForRole(userID, moduleKey, role string, assignments []Assignment) Scope {
	narrowed := make([]Assignment, 0, len(assignments))
	for _, a := range assignments {
		if strings.EqualFold(a.Role, role) {
			narrowed = append(narrowed, a)
		}
	}
	return Resolve(userID, moduleKey, narrowed)
}

// CanWriteAny reports whether any assignment for (user, module, role) carries
// write permission under the municipal rules.
func CanWriteAny(userID, moduleKey, role string, assignments []Assignment) bool {
	for _, a := range assignments {
		if a.UserID != userID || !strings.EqualFold(a.ModuleKey, moduleKey) || !strings.EqualFold(a.Role, role) {
			continue
		}
		if CanWrite(a) {
			return true
		}
	}
	return false
}

// CanWrite applies the municipal write-permission rules: commissioners are
// read-only everywhere, employees and QC write only when the grant says so,
// action officers and city admins write by default.
func CanWrite(a Assignment) bool {
	switch strings.ToUpper(a.Role) {
	case RoleCommissioner:
		return false
	case RoleEmployee, RoleQC:
		return a.CanWrite
	default:
		return true
	}
}
