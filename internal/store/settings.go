package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/dukerupert/newsletter-admin/internal/model"
)

const (
	KeyBackupDestinationPath = "backup_destination_path"
	KeyBackupRetentionDays   = "backup_retention_days"
)

const defaultRetentionDays = 14

type SettingsStore struct {
	db *sql.DB
}

func NewSettingsStore(db *sql.DB) *SettingsStore {
	return &SettingsStore{db: db}
}

func (s *SettingsStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("setting %q not found", key)
	}
	if err != nil {
		return "", fmt.Errorf("get setting %q: %w", key, err)
	}
	return value, nil
}

func (s *SettingsStore) GetAll(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("get all settings: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		settings[key] = value
	}
	return settings, rows.Err()
}

func (s *SettingsStore) Set(ctx context.Context, key, value string) error {
	return setSetting(ctx, s.db, key, value)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func setSetting(ctx context.Context, db execer, key, value string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}
	return nil
}

// GetBackupSettings returns the backup settings, falling back to the
// default retention window when the stored value is missing or malformed.
func (s *SettingsStore) GetBackupSettings(ctx context.Context) (model.BackupSettings, error) {
	all, err := s.GetAll(ctx)
	if err != nil {
		return model.BackupSettings{}, err
	}
	bs := model.BackupSettings{
		DestinationPath: all[KeyBackupDestinationPath],
		RetentionDays:   defaultRetentionDays,
	}
	if n, err := strconv.Atoi(all[KeyBackupRetentionDays]); err == nil && n > 0 {
		bs.RetentionDays = n
	}
	return bs, nil
}

// SetBackupSettings writes both backup keys in one transaction.
func (s *SettingsStore) SetBackupSettings(ctx context.Context, bs model.BackupSettings) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := setSetting(ctx, tx, KeyBackupDestinationPath, bs.DestinationPath); err != nil {
		return err
	}
	if err := setSetting(ctx, tx, KeyBackupRetentionDays, strconv.Itoa(bs.RetentionDays)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit backup settings: %w", err)
	}
	return nil
}
