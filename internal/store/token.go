package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/newsletter-admin/internal/model"
)

const tokenColumns = `id, provider, user_id, access_token_enc, refresh_token_enc, expires_at, created_at, updated_at`

// TokenStore persists encrypted OAuth credentials. It never sees plaintext.
type TokenStore struct {
	db *sql.DB
}

func NewTokenStore(db *sql.DB) *TokenStore {
	return &TokenStore{db: db}
}

func (s *TokenStore) Get(ctx context.Context, provider, userID string) (*model.OAuthToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM oauth_tokens WHERE provider = $1 AND user_id = $2`,
		provider, userID,
	)
	t, err := scanToken(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s token for %s: %w", provider, userID, err)
	}
	return t, nil
}

// Latest returns the most recently written token for the provider.
func (s *TokenStore) Latest(ctx context.Context, provider string) (*model.OAuthToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM oauth_tokens WHERE provider = $1 ORDER BY updated_at DESC, id DESC LIMIT 1`,
		provider,
	)
	t, err := scanToken(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest %s token: %w", provider, err)
	}
	return t, nil
}

// Upsert writes both ciphertexts and the expiry in a single statement.
// Concurrent writers resolve last-writer-wins.
func (s *TokenStore) Upsert(ctx context.Context, t *model.OAuthToken) error {
	now := time.Now().UTC()
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO oauth_tokens (provider, user_id, access_token_enc, refresh_token_enc, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (provider, user_id) DO UPDATE SET
		     access_token_enc = excluded.access_token_enc,
		     refresh_token_enc = excluded.refresh_token_enc,
		     expires_at = excluded.expires_at,
		     updated_at = excluded.updated_at
		 RETURNING id`,
		t.Provider, t.UserID, t.AccessTokenEnc, t.RefreshTokenEnc, t.ExpiresAt.UTC(), now, now,
	).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("upsert %s token for %s: %w", t.Provider, t.UserID, err)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	return nil
}

func scanToken(sc rowScanner) (*model.OAuthToken, error) {
	var t model.OAuthToken
	if err := sc.Scan(&t.ID, &t.Provider, &t.UserID, &t.AccessTokenEnc, &t.RefreshTokenEnc,
		&t.ExpiresAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}
