// Package postgres provides PostgreSQL persistence for tokens, audit
// records, and the claim batch queue.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medflow/go-cie/internal/clearinghouse"
)

// TokenStore persists OAuth tokens keyed by environment. Upserts are
// last-writer-wins: whichever engine instance refreshed most recently owns
// the stored credential.
type TokenStore struct {
	pool *pgxpool.Pool
}

// NewTokenStore creates a token store backed by the pool.
func NewTokenStore(pool *pgxpool.Pool) *TokenStore {
	return &TokenStore{pool: pool}
}

// Upsert writes the token for an environment, replacing any existing row.
func (s *TokenStore) Upsert(ctx context.Context, environment string, tok clearinghouse.Token) error {
	query := `
		INSERT INTO oauth_tokens (environment, access_token, refresh_token, token_type, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (environment) DO UPDATE
		SET access_token = EXCLUDED.access_token,
		    refresh_token = EXCLUDED.refresh_token,
		    token_type = EXCLUDED.token_type,
		    expires_at = EXCLUDED.expires_at,
		    updated_at = NOW()
	`

	if _, err := s.pool.Exec(ctx, query,
		environment, tok.AccessToken, tok.RefreshToken, tok.TokenType, tok.ExpiresAt,
	); err != nil {
		return fmt.Errorf("upsert token for %s: %w", environment, err)
	}
	return nil
}

// Get loads the stored token for an environment. Returns nil without error
// when none exists.
func (s *TokenStore) Get(ctx context.Context, environment string) (*clearinghouse.Token, error) {
	query := `
		SELECT access_token, refresh_token, token_type, expires_at
		FROM oauth_tokens
		WHERE environment = $1
	`

	var tok clearinghouse.Token
	err := s.pool.QueryRow(ctx, query, environment).Scan(
		&tok.AccessToken, &tok.RefreshToken, &tok.TokenType, &tok.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load token for %s: %w", environment, err)
	}
	return &tok, nil
}
