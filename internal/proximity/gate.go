package proximity

import (
	"context"
	"fmt"
	"time"

	"civicops.org/internal/asset"
	"civicops.org/internal/obs"
)

const defaultTokenTTL = 5 * time.Minute

// CheckResult is the outcome of a proximity check. Token is set only when the
// check passed; Reason is set only when it did not.
type CheckResult struct {
	Allowed        bool    `json:"allowed"`
	DistanceMeters float64 `json:"distance_meters"`
	RadiusMeters   float64 `json:"radius_meters"`
	Token          *Token  `json:"token,omitempty"`
	Reason         string  `json:"reason,omitempty"`
}

// Gate decides whether a user standing at a reported coordinate may submit a
// report for an asset, and issues a single-use token when they may.
type Gate struct {
	assets   asset.Service
	tokens   TokenStore
	tokenTTL time.Duration
	now      func() time.Time
}

// GateOption configures Gate behavior.
type GateOption func(*Gate)

// WithTokenTTL overrides the token validity window.
func WithTokenTTL(ttl time.Duration) GateOption {
	return func(g *Gate) {
		if ttl > 0 {
			g.tokenTTL = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) GateOption {
	return func(g *Gate) {
		if fn != nil {
			g.now = fn
		}
	}
}

// NewGate constructs a Gate over the asset registry and token store.
func NewGate(assets asset.Service, tokens TokenStore, opts ...GateOption) *Gate {
	g := &Gate{
		assets:   assets,
		tokens:   tokens,
		tokenTTL: defaultTokenTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check computes the distance from (lat, lon) to the asset's registered
// coordinate and, when within the kind's radius, issues a token bound to
// (assetID, userID). Denials carry the computed distance and a reason but no
// token.
func (g *Gate) Check(ctx context.Context, assetID, userID string, lat, lon float64) (CheckResult, error) {
	a, err := g.assets.Get(ctx, assetID)
	if err != nil {
		return CheckResult{}, err
	}
	if a.Status != asset.StatusApproved {
		return CheckResult{
			Reason: "asset is not approved for reporting",
		}, nil
	}

	distance := HaversineMeters(lat, lon, a.Latitude, a.Longitude)
	radius := RadiusFor(a.Kind)
	res := CheckResult{
		DistanceMeters: distance,
		RadiusMeters:   radius,
	}

	if distance > radius {
		res.Reason = fmt.Sprintf("you must be within %.0f meters of the %s to submit (currently %.0f m away)",
			radius, a.Kind, distance)
		obs.ObserveProximityCheck(string(a.Kind), false)
		return res, nil
	}

	now := g.now().UTC()
	tok := Token{
		Nonce:          newNonce(),
		AssetID:        assetID,
		UserID:         userID,
		IssuedAt:       now,
		ExpiresAt:      now.Add(g.tokenTTL),
		DistanceMeters: distance,
	}
	if err := g.tokens.Save(ctx, tok); err != nil {
		return CheckResult{}, err
	}

	res.Allowed = true
	res.Token = &tok
	obs.ObserveProximityCheck(string(a.Kind), true)
	return res, nil
}
