package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"civicops.org/internal/asset"
	"civicops.org/internal/ids"
	"civicops.org/internal/scope"
)

// Store backs the asset registry, report lifecycle, proximity tokens and the
// user directory with Postgres. One *sql.DB serves all of them.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ asset.Service = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db, now: time.Now}, nil
}

// NewWithDB wraps an existing handle. Test seam for sqlmock.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// --- assets ---

const assetColumns = `id, kind, name, zone_id, ward_id, latitude, longitude, status, requested_by_id, assigned_employee_ids, created_at, updated_at`

func (s *Store) Register(ctx context.Context, in asset.RegisterInput) (asset.Asset, error) {
	return s.createAsset(ctx, in, asset.StatusApproved)
}

func (s *Store) Request(ctx context.Context, in asset.RegisterInput) (asset.Asset, error) {
	return s.createAsset(ctx, in, asset.StatusPendingQC)
}

func (s *Store) createAsset(ctx context.Context, in asset.RegisterInput, status string) (asset.Asset, error) {
	if in.Kind.ModuleKey() == "" || strings.TrimSpace(in.Name) == "" {
		return asset.Asset{}, asset.ErrInvalidInput
	}
	now := s.now().UTC()
	a := asset.Asset{
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
	_, err := s.db.ExecContext(ctx, `
		insert into assets(id, kind, name, zone_id, ward_id, latitude, longitude, status, requested_by_id, assigned_employee_ids, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,'[]'::jsonb,$10,$10)
	`, a.ID, string(a.Kind), a.Name, a.ZoneID, a.WardID, a.Latitude, a.Longitude, a.Status, a.RequestedByID, now)
	if err != nil {
		return asset.Asset{}, err
	}
	return a, nil
}

func (s *Store) Get(ctx context.Context, id string) (asset.Asset, error) {
	row := s.db.QueryRowContext(ctx, `select `+assetColumns+` from assets where id=$1`, id)
	a, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return asset.Asset{}, asset.ErrNotFound
	}
	return a, err
}

func (s *Store) ListVisible(ctx context.Context, moduleKey string, sc scope.Scope) ([]asset.Asset, error) {
	kind := kindForModule(moduleKey)
	if kind == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+assetColumns+` from assets
		where kind = $1
		order by created_at desc, id desc
	`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []asset.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		// Scope matching stays in Go: zone-OR-ward semantics with the
		// unrestricted short-circuit do not map cleanly onto one predicate.
		if !sc.Allows(scope.Target{ZoneID: a.ZoneID, WardID: a.WardID}) {
			continue
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) Approve(ctx context.Context, id, qcID string, employeeIDs []string) (asset.Asset, error) {
	assigned, err := json.Marshal(append([]string{}, employeeIDs...))
	if err != nil {
		return asset.Asset{}, err
	}
	return s.decideAsset(ctx, id, asset.StatusApproved, assigned)
}

func (s *Store) Reject(ctx context.Context, id, qcID string) (asset.Asset, error) {
	return s.decideAsset(ctx, id, asset.StatusRejected, []byte(`[]`))
}

// decideAsset settles a PENDING_QC asset. The status guard in the update
// makes concurrent decisions race-safe: the loser matches zero rows.
func (s *Store) decideAsset(ctx context.Context, id string, to string, assigned []byte) (asset.Asset, error) {
	row := s.db.QueryRowContext(ctx, `
		update assets
		set status=$2, assigned_employee_ids=$3, updated_at=$4
		where id=$1 and status=$5
		returning `+assetColumns+`
	`, id, to, assigned, s.now().UTC(), asset.StatusPendingQC)
	a, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.Get(ctx, id); errors.Is(getErr, asset.ErrNotFound) {
			return asset.Asset{}, asset.ErrNotFound
		}
		return asset.Asset{}, asset.ErrNotPending
	}
	return a, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAsset(row rowScanner) (asset.Asset, error) {
	var a asset.Asset
	var kind string
	var assigned []byte
	err := row.Scan(&a.ID, &kind, &a.Name, &a.ZoneID, &a.WardID, &a.Latitude, &a.Longitude,
		&a.Status, &a.RequestedByID, &assigned, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return asset.Asset{}, err
	}
	a.Kind = asset.Kind(kind)
	if len(assigned) > 0 {
		if err := json.Unmarshal(assigned, &a.AssignedEmployeeIDs); err != nil {
			return asset.Asset{}, err
		}
	}
	if len(a.AssignedEmployeeIDs) == 0 {
		a.AssignedEmployeeIDs = nil
	}
	return a, nil
}

// kindForModule inverts the kind-to-module mapping; each module owns one kind.
func kindForModule(moduleKey string) string {
	for _, k := range []asset.Kind{asset.TwinBin, asset.FeederPoint, asset.Toilet, asset.SweepingBeat} {
		if k.ModuleKey() == moduleKey {
			return string(k)
		}
	}
	return ""
}
