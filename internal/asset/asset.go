package asset

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind identifies what sort of field asset a record describes. Each kind
// belongs to exactly one module.
type Kind string

const (
	TwinBin      Kind = "TWIN_BIN"
	FeederPoint  Kind = "FEEDER_POINT"
	Toilet       Kind = "TOILET"
	SweepingBeat Kind = "SWEEPING_BEAT"
)

// ModuleKey returns the module an asset kind belongs to.
func (k Kind) ModuleKey() string {
	switch k {
	case TwinBin:
		return "twinbin"
	case FeederPoint:
		return "taskforce"
	case Toilet:
		return "toilet"
	case SweepingBeat:
		return "sweeping"
	default:
		return ""
	}
}

// ParseKind validates a stored or submitted kind value.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(s)))
	if k.ModuleKey() == "" {
		return "", fmt.Errorf("asset: unknown kind %q", s)
	}
	return k, nil
}

// Registration status. Employee-requested assets start PENDING_QC; only
// APPROVED assets accept inspections.
const (
	StatusPendingQC = "PENDING_QC"
	StatusApproved  = "APPROVED"
	StatusRejected  = "REJECTED"
)

// Asset is a registered piece of field infrastructure. ZoneID/WardID drive
// scope matching; an asset with neither set is invisible to scoped grants.
type Asset struct {
	ID                  string    `json:"id"`
	Kind                Kind      `json:"kind"`
	Name                string    `json:"name"`
	ZoneID              string    `json:"zone_id,omitempty"`
	WardID              string    `json:"ward_id,omitempty"`
	Latitude            float64   `json:"latitude"`
	Longitude           float64   `json:"longitude"`
	Status              string    `json:"status"`
	RequestedByID       string    `json:"requested_by_id,omitempty"`
	AssignedEmployeeIDs []string  `json:"assigned_employee_ids,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

var (
	ErrNotFound     = errors.New("asset: not found")
	ErrNotPending   = errors.New("asset: not pending QC review")
	ErrInvalidInput = errors.New("asset: invalid input")
)

// Unscoped reports whether the asset carries neither zone nor ward. Such
// assets are a data-quality problem: scoped QC grants can never see them.
func (a Asset) Unscoped() bool {
	return a.ZoneID == "" && a.WardID == ""
}
