package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"civicops.org/internal/proximity"
)

var _ proximity.TokenStore = (*Store)(nil)

func (s *Store) Save(ctx context.Context, tok proximity.Token) error {
	_, err := s.db.ExecContext(ctx, `
		insert into proximity_tokens(nonce, asset_id, user_id, distance_meters, issued_at, expires_at)
		values ($1,$2,$3,$4,$5,$6)
	`, tok.Nonce, tok.AssetID, tok.UserID, tok.DistanceMeters, tok.IssuedAt, tok.ExpiresAt)
	return err
}

func (s *Store) Consume(ctx context.Context, nonce, assetID, userID string, now time.Time) (proximity.Token, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return proximity.Token{}, err
	}
	defer func() { _ = tx.Rollback() }()

	tok, err := consumeTokenTx(ctx, tx, nonce, assetID, userID, now)
	if err != nil {
		return proximity.Token{}, err
	}
	if err := tx.Commit(); err != nil {
		return proximity.Token{}, err
	}
	return tok, nil
}

// consumeTokenTx locks the token row and marks it consumed. The row lock
// makes exactly one concurrent caller win; the rest see consumed_at set.
func consumeTokenTx(ctx context.Context, tx *sql.Tx, nonce, assetID, userID string, now time.Time) (proximity.Token, error) {
	var tok proximity.Token
	var consumedAt sql.NullTime
	err := tx.QueryRowContext(ctx, `
		select nonce, asset_id, user_id, distance_meters, issued_at, expires_at, consumed_at
		from proximity_tokens where nonce=$1 for update
	`, nonce).Scan(&tok.Nonce, &tok.AssetID, &tok.UserID, &tok.DistanceMeters, &tok.IssuedAt, &tok.ExpiresAt, &consumedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return proximity.Token{}, proximity.ErrTokenNotFound
	}
	if err != nil {
		return proximity.Token{}, err
	}

	if tok.AssetID != assetID || tok.UserID != userID {
		return proximity.Token{}, proximity.ErrTokenMismatch
	}
	if !now.Before(tok.ExpiresAt) {
		return proximity.Token{}, proximity.ErrTokenExpired
	}
	if consumedAt.Valid {
		return proximity.Token{}, proximity.ErrTokenConsumed
	}

	if _, err := tx.ExecContext(ctx, `
		update proximity_tokens set consumed_at=$2 where nonce=$1
	`, nonce, now.UTC()); err != nil {
		return proximity.Token{}, err
	}
	return tok, nil
}

func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `delete from proximity_tokens where expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
