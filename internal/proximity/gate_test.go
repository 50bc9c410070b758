package proximity

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"civicops.org/internal/asset"
)

func approvedBin(t *testing.T, assets *asset.InMemory) asset.Asset {
	t.Helper()
	a, err := assets.Register(context.Background(), asset.RegisterInput{
		Kind: asset.TwinBin, Name: "test bin", ZoneID: "z1", WardID: "w1",
		Latitude: 22.700000, Longitude: 75.800000,
	})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestHaversineKnownDistance(t *testing.T) {
	// ~46 m between these two points near Indore.
	d := HaversineMeters(22.700300, 75.800300, 22.700000, 75.800000)
	if math.Abs(d-46) > 2 {
		t.Fatalf("expected ~46 m, got %.2f", d)
	}
	if HaversineMeters(22.7, 75.8, 22.7, 75.8) != 0 {
		t.Fatal("identical coordinates must be 0 m apart")
	}
}

func TestCheckWithinRadiusIssuesToken(t *testing.T) {
	assets := asset.NewInMemory()
	a := approvedBin(t, assets)
	gate := NewGate(assets, NewInMemoryTokens())

	res, err := gate.Check(context.Background(), a.ID, "emp-1", 22.700300, 75.800300)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed {
		t.Fatalf("expected allowed, reason=%q distance=%.1f", res.Reason, res.DistanceMeters)
	}
	if res.Token == nil || res.Token.Nonce == "" {
		t.Fatal("expected a token")
	}
	if res.Token.AssetID != a.ID || res.Token.UserID != "emp-1" {
		t.Fatalf("token binding wrong: %+v", res.Token)
	}
	if res.RadiusMeters != 50 {
		t.Fatalf("bin radius should be 50 m, got %.0f", res.RadiusMeters)
	}
}

func TestCheckOutOfRangeDenies(t *testing.T) {
	assets := asset.NewInMemory()
	a := approvedBin(t, assets)
	gate := NewGate(assets, NewInMemoryTokens())

	// ~650 m away.
	res, err := gate.Check(context.Background(), a.ID, "emp-1", 22.705000, 75.805000)
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed || res.Token != nil {
		t.Fatalf("expected denial without token: %+v", res)
	}
	if res.Reason == "" {
		t.Fatal("denial must carry a reason")
	}
	if res.DistanceMeters < 500 || res.DistanceMeters > 800 {
		t.Fatalf("unexpected distance %.1f", res.DistanceMeters)
	}
}

func TestCheckFeederRadiusIs100m(t *testing.T) {
	assets := asset.NewInMemory()
	feeder, _ := assets.Register(context.Background(), asset.RegisterInput{
		Kind: asset.FeederPoint, Name: "feeder", ZoneID: "z1",
		Latitude: 22.700000, Longitude: 75.800000,
	})
	gate := NewGate(assets, NewInMemoryTokens())

	// ~77 m away: outside bin radius, inside feeder radius.
	res, err := gate.Check(context.Background(), feeder.ID, "emp-1", 22.700500, 75.800500)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed {
		t.Fatalf("77 m should pass the 100 m feeder radius: %+v", res)
	}
}

func TestCheckUnapprovedAssetDenied(t *testing.T) {
	assets := asset.NewInMemory()
	pending, _ := assets.Request(context.Background(), asset.RegisterInput{
		Kind: asset.TwinBin, Name: "pending bin", ZoneID: "z1",
		Latitude: 22.7, Longitude: 75.8,
	})
	gate := NewGate(assets, NewInMemoryTokens())

	res, err := gate.Check(context.Background(), pending.ID, "emp-1", 22.7, 75.8)
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed {
		t.Fatal("pending assets must not accept reports")
	}
}

func TestTokenConsumeOnce(t *testing.T) {
	store := NewInMemoryTokens()
	ctx := context.Background()
	now := time.Now().UTC()
	tok := Token{Nonce: "n1", AssetID: "a1", UserID: "u1", IssuedAt: now, ExpiresAt: now.Add(time.Minute)}
	if err := store.Save(ctx, tok); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Consume(ctx, "n1", "a1", "u1", now); err != nil {
		t.Fatalf("first consume should succeed: %v", err)
	}
	if _, err := store.Consume(ctx, "n1", "a1", "u1", now); !errors.Is(err, ErrTokenConsumed) {
		t.Fatalf("second consume should fail with ErrTokenConsumed, got %v", err)
	}
}

func TestTokenConsumeConcurrent(t *testing.T) {
	store := NewInMemoryTokens()
	ctx := context.Background()
	now := time.Now().UTC()
	_ = store.Save(ctx, Token{Nonce: "n1", AssetID: "a1", UserID: "u1", ExpiresAt: now.Add(time.Minute)})

	var wg sync.WaitGroup
	var mu sync.Mutex
	var successes int
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Consume(ctx, "n1", "a1", "u1", now); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if successes != 1 {
		t.Fatalf("exactly one consumer must win, got %d", successes)
	}
}

func TestTokenExpiryAndMismatch(t *testing.T) {
	store := NewInMemoryTokens()
	ctx := context.Background()
	now := time.Now().UTC()
	_ = store.Save(ctx, Token{Nonce: "n1", AssetID: "a1", UserID: "u1", ExpiresAt: now.Add(time.Minute)})

	if _, err := store.Consume(ctx, "n1", "a2", "u1", now); !errors.Is(err, ErrTokenMismatch) {
		t.Fatalf("wrong asset should be ErrTokenMismatch, got %v", err)
	}
	if _, err := store.Consume(ctx, "n1", "a1", "u2", now); !errors.Is(err, ErrTokenMismatch) {
		t.Fatalf("wrong user should be ErrTokenMismatch, got %v", err)
	}
	if _, err := store.Consume(ctx, "missing", "a1", "u1", now); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("unknown nonce should be ErrTokenNotFound, got %v", err)
	}
	if _, err := store.Consume(ctx, "n1", "a1", "u1", now.Add(2*time.Minute)); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("late consume should be ErrTokenExpired, got %v", err)
	}
}

func TestPurgeExpired(t *testing.T) {
	store := NewInMemoryTokens()
	ctx := context.Background()
	now := time.Now().UTC()
	_ = store.Save(ctx, Token{Nonce: "old", ExpiresAt: now.Add(-time.Minute)})
	_ = store.Save(ctx, Token{Nonce: "live", ExpiresAt: now.Add(time.Minute)})

	n, err := store.PurgeExpired(ctx, now)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 purged, got %d (%v)", n, err)
	}
}
