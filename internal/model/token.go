package model

import "time"

const ProviderOneDrive = "onedrive"

// OAuthToken holds encrypted credentials for one (provider, user) pair.
type OAuthToken struct {
	ID              int64     `json:"id"`
	Provider        string    `json:"provider"`
	UserID          string    `json:"user_id"`
	AccessTokenEnc  string    `json:"-"`
	RefreshTokenEnc string    `json:"-"`
	ExpiresAt       time.Time `json:"expires_at"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Expired reports whether the access token may no longer be used at now.
func (t *OAuthToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
