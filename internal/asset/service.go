package asset

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"civicops.org/internal/ids"
	"civicops.org/internal/scope"
)

// RegisterInput carries the fields needed to register or request an asset.
type RegisterInput struct {
	Kind        Kind
	Name        string
	ZoneID      string
	WardID      string
	Latitude    float64
	Longitude   float64
	RequestedBy string
}

// Service defines registry operations over scoped assets.
type Service interface {
	// Register creates an already-approved asset (admin registration).
	Register(ctx context.Context, in RegisterInput) (Asset, error)
	// Request creates a PENDING_QC asset on behalf of a field employee.
	Request(ctx context.Context, in RegisterInput) (Asset, error)
	Get(ctx context.Context, id string) (Asset, error)
	// ListVisible returns assets of one module filtered by the caller's
	// resolved scope, newest first.
	ListVisible(ctx context.Context, moduleKey string, sc scope.Scope) ([]Asset, error)
	// Approve moves a PENDING_QC asset to APPROVED, optionally assigning
	// employees. Reject clears assignments.
	Approve(ctx context.Context, id, qcID string, employeeIDs []string) (Asset, error)
	Reject(ctx context.Context, id, qcID string) (Asset, error)
}

// InMemory implements Service with in-process concurrency safety.
type InMemory struct {
	mu     sync.RWMutex
	assets map[string]*Asset
	now    func() time.Time
}

// NewInMemory creates an empty registry.
func NewInMemory() *InMemory {
	return &InMemory{
		assets: make(map[string]*Asset),
		now:    time.Now,
	}
}

// WithClock overrides the time source. Test seam.
func (s *InMemory) WithClock(fn func() time.Time) *InMemory {
	if fn != nil {
		s.now = fn
	}
	return s
}

func (s *InMemory) create(in RegisterInput, status string) (Asset, error) {
	if in.Kind.ModuleKey() == "" || strings.TrimSpace(in.Name) == "" {
		return Asset{}, ErrInvalidInput
	}
	now := s.now().UTC()
	a := &Asset{
		ID:            ids.New(),
		Kind:          in.Kind,
		Name:          strings.TrimSpace(in.Name),
		ZoneID:        in.ZoneID,
		WardID:        in.WardID,
		Latitude:      in.Latitude,
		Longitude:     in.Longitude,
		Status:        status,
		RequestedByID: in.RequestedBy,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[a.ID] = a
	return cloneAsset(a), nil
}

func (s *InMemory) Register(ctx context.Context, in RegisterInput) (Asset, error) {
	return s.create(in, StatusApproved)
}

func (s *InMemory) Request(ctx context.Context, in RegisterInput) (Asset, error) {
	return s.create(in, StatusPendingQC)
}

func (s *InMemory) Get(ctx context.Context, id string) (Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assets[id]
	if !ok {
		return Asset{}, ErrNotFound
	}
	return cloneAsset(a), nil
}

func (s *InMemory) ListVisible(ctx context.Context, moduleKey string, sc scope.Scope) ([]Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Asset
	for _, a := range s.assets {
		if a.Kind.ModuleKey() != moduleKey {
			continue
		}
		if !sc.Allows(scope.Target{ZoneID: a.ZoneID, WardID: a.WardID}) {
			continue
		}
		out = append(out, cloneAsset(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemory) Approve(ctx context.Context, id, qcID string, employeeIDs []string) (Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[id]
	if !ok {
		return Asset{}, ErrNotFound
	}
	if a.Status != StatusPendingQC {
		return Asset{}, ErrNotPending
	}
	a.Status = StatusApproved
	a.AssignedEmployeeIDs = append([]string(nil), employeeIDs...)
	a.UpdatedAt = s.now().UTC()
	return cloneAsset(a), nil
}

func (s *InMemory) Reject(ctx context.Context, id, qcID string) (Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[id]
	if !ok {
		return Asset{}, ErrNotFound
	}
	if a.Status != StatusPendingQC {
		return Asset{}, ErrNotPending
	}
	a.Status = StatusRejected
	a.AssignedEmployeeIDs = nil
	a.UpdatedAt = s.now().UTC()
	return cloneAsset(a), nil
}

func cloneAsset(a *Asset) Asset {
	out := *a
	out.AssignedEmployeeIDs = append([]string(nil), a.AssignedEmployeeIDs...)
	return out
}
