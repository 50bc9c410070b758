package proximity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTokenNotFound = errors.New("proximity: token not found")
	ErrTokenExpired  = errors.New("proximity: token expired")
	ErrTokenConsumed = errors.New("proximity: token already consumed")
	ErrTokenMismatch = errors.New("proximity: token does not match asset and user")
)

// Token authorizes exactly one report submission for (AssetID, UserID). The
// nonce is the caller-facing handle; everything else is bound server-side.
type Token struct {
	Nonce          string    `json:"nonce"`
	AssetID        string    `json:"asset_id"`
	UserID         string    `json:"user_id"`
	IssuedAt       time.Time `json:"issued_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	DistanceMeters float64   `json:"distance_meters"`
}

// TokenStore persists proximity tokens. Consume must be atomic: exactly one
// caller may consume a given nonce, every later attempt gets ErrTokenConsumed.
type TokenStore interface {
	Save(ctx context.Context, tok Token) error
	// Consume validates the token against (assetID, userID, now) and marks it
	// consumed in the same operation. It returns the token as issued.
	Consume(ctx context.Context, nonce, assetID, userID string, now time.Time) (Token, error)
	// PurgeExpired drops tokens past their expiry; returns how many were removed.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

type storedToken struct {
	Token
	consumed bool
}

// InMemoryTokens implements TokenStore with a mutex-guarded map. Consumption
// happens under the same lock as validation, so a nonce can never authorize
// two submissions.
type InMemoryTokens struct {
	mu     sync.Mutex
	tokens map[string]*storedToken
}

// NewInMemoryTokens creates an empty token store.
func NewInMemoryTokens() *InMemoryTokens {
	return &InMemoryTokens{tokens: make(map[string]*storedToken)}
}

func (s *InMemoryTokens) Save(ctx context.Context, tok Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tok.Nonce] = &storedToken{Token: tok}
	return nil
}

func (s *InMemoryTokens) Consume(ctx context.Context, nonce, assetID, userID string, now time.Time) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tokens[nonce]
	if !ok {
		return Token{}, ErrTokenNotFound
	}
	if st.AssetID != assetID || st.UserID != userID {
		return Token{}, ErrTokenMismatch
	}
	if !now.Before(st.ExpiresAt) {
		delete(s.tokens, nonce)
		return Token{}, ErrTokenExpired
	}
	if st.consumed {
		return Token{}, ErrTokenConsumed
	}
	st.consumed = true
	return st.Token, nil
}

func (s *InMemoryTokens) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for nonce, st := range s.tokens {
		if !now.Before(st.ExpiresAt) {
			delete(s.tokens, nonce)
			n++
		}
	}
	return n, nil
}

func newNonce() string {
	return uuid.NewString()
}
