package cli

import (
	"database/sql"
	"fmt"

	"github.com/dukerupert/newsletter-admin/internal/backup"
	"github.com/dukerupert/newsletter-admin/internal/config"
	"github.com/dukerupert/newsletter-admin/internal/database"
	"github.com/dukerupert/newsletter-admin/internal/email"
	"github.com/dukerupert/newsletter-admin/internal/onedrive"
	"github.com/dukerupert/newsletter-admin/internal/s3dest"
	"github.com/dukerupert/newsletter-admin/internal/secret"
	"github.com/dukerupert/newsletter-admin/internal/store"
	"golang.org/x/oauth2"
)

func (a *app) openDB() (*sql.DB, error) {
	if err := a.cfg.ValidateDatabase(); err != nil {
		return nil, err
	}
	db, err := database.Open(a.cfg.DB.Driver, a.cfg.DB.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func (a *app) oauthConfig() *oauth2.Config {
	od := a.cfg.OneDrive
	return onedrive.NewOAuthConfig(od.ClientID, od.ClientSecret, od.Tenant, od.RedirectURL)
}

// cipher returns nil when no token key is configured.
func (a *app) cipher() (*secret.Cipher, error) {
	if a.cfg.Crypto.TokenKey == "" {
		return nil, nil
	}
	c, err := secret.NewCipher(a.cfg.Crypto.TokenKey)
	if err != nil {
		return nil, fmt.Errorf("token cipher: %w", err)
	}
	return c, nil
}

func (a *app) destination(db *sql.DB, c *secret.Cipher) (backup.Destination, error) {
	switch a.cfg.Backup.Destination {
	case config.DestinationS3:
		dest, err := s3dest.New(a.cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("s3 destination: %w", err)
		}
		return dest, nil
	case config.DestinationOneDrive:
		tokens := store.NewTokenStore(db)
		refresher := onedrive.NewOAuthRefresher(a.oauthConfig(), tokens, c, nil)
		source := onedrive.NewStoredTokenSource(tokens, c, refresher, a.cfg.OneDrive.UserID)
		return onedrive.NewClient(source,
			onedrive.WithRequestTimeout(a.cfg.OneDrive.RequestTimeout),
			onedrive.WithLogger(a.logger.With("component", "onedrive")),
		), nil
	default:
		return nil, fmt.Errorf("%w, got %q", config.ErrDestinationInvalid, a.cfg.Backup.Destination)
	}
}

// alerter returns nil unless Postmark and a recipient are configured.
func (a *app) alerter() backup.Alerter {
	ec := email.NewClient(a.cfg.Email.PostmarkToken, a.cfg.Email.From, a.cfg.HTTP.BaseURL)
	if !ec.Configured() || a.cfg.Email.AlertTo == "" {
		return nil
	}
	return ec
}

func (a *app) backupManager(db *sql.DB, dest backup.Destination) *backup.Manager {
	opts := []backup.Option{backup.WithLogger(a.logger)}
	if al := a.alerter(); al != nil {
		opts = append(opts, backup.WithAlerter(al))
	}
	return backup.NewManager(a.cfg.BackupManagerConfig(), db,
		store.NewRunStore(db), store.NewSettingsStore(db), store.NewLockStore(db), dest, opts...)
}
