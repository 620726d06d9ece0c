package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dukerupert/newsletter-admin/internal/backup"
	"github.com/dukerupert/newsletter-admin/internal/database"
	"github.com/dukerupert/newsletter-admin/internal/s3dest"
	"github.com/robfig/cron/v3"
	"github.com/samber/lo"
	"github.com/spf13/viper"
)

const EnvPrefix = "NEWSLETTER"

const (
	DestinationOneDrive = "onedrive"
	DestinationS3       = "s3"
)

// Static errors for configuration validation
var (
	ErrDBDriverInvalid        = errors.New("db.driver must be one of: postgres, sqlite")
	ErrDBDSNRequired          = errors.New("db.dsn is required")
	ErrTokenKeyRequired       = errors.New("crypto.token_key is required")
	ErrSessionSecretRequired  = errors.New("auth.session_secret is required")
	ErrPortInvalid            = errors.New("http.port must be between 1 and 65535")
	ErrLogFormatInvalid       = errors.New("log.format must be one of: text, json")
	ErrDestinationInvalid     = errors.New("backup.destination must be one of: onedrive, s3")
	ErrOneDriveClientRequired = errors.New("onedrive.client_id, onedrive.client_secret and onedrive.redirect_url are required")
	ErrS3NotConfigured        = errors.New("s3.bucket, s3.access_key and s3.secret_key are required")
	ErrScheduleInvalid        = errors.New("backup.schedule is not a valid cron spec")
	ErrTimeoutInvalid         = errors.New("backup.timeout and backup.lock_ttl must be positive")
	ErrTablesRequired         = errors.New("backup.tables must name at least one table")
)

type Config struct {
	Log      LogConfig
	HTTP     HTTPConfig
	DB       DBConfig
	Auth     AuthConfig
	Crypto   CryptoConfig
	OneDrive OneDriveConfig
	Backup   BackupConfig
	S3       s3dest.Config
	Email    EmailConfig
}

type LogConfig struct {
	Level  string
	Format string
}

type HTTPConfig struct {
	Port           int
	BaseURL        string
	AllowedOrigins []string
}

type DBConfig struct {
	Driver string
	DSN    string
}

type AuthConfig struct {
	SessionSecret string
	CronSecret    string
}

type CryptoConfig struct {
	TokenKey string
}

type OneDriveConfig struct {
	ClientID       string
	ClientSecret   string
	Tenant         string
	RedirectURL    string
	UserID         string
	RequestTimeout time.Duration
}

type BackupConfig struct {
	Destination string
	Tables      []string
	Timeout     time.Duration
	Schedule    string
	LockTTL     time.Duration
}

type EmailConfig struct {
	PostmarkToken string
	From          string
	AlertTo       string
}

// SetDefaults registers every key so environment overrides resolve.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.base_url", "http://localhost:8080")
	v.SetDefault("http.allowed_origins", []string{})
	v.SetDefault("db.driver", database.DriverSQLite)
	v.SetDefault("db.dsn", "newsletter.db")
	v.SetDefault("auth.session_secret", "")
	v.SetDefault("auth.cron_secret", "")
	v.SetDefault("crypto.token_key", "")
	v.SetDefault("onedrive.client_id", "")
	v.SetDefault("onedrive.client_secret", "")
	v.SetDefault("onedrive.tenant", "common")
	v.SetDefault("onedrive.redirect_url", "")
	v.SetDefault("onedrive.user_id", "")
	v.SetDefault("onedrive.request_timeout", 60*time.Second)
	v.SetDefault("backup.destination", DestinationOneDrive)
	v.SetDefault("backup.tables", backup.DefaultTables)
	v.SetDefault("backup.timeout", 5*time.Minute)
	v.SetDefault("backup.schedule", "")
	v.SetDefault("backup.lock_ttl", 30*time.Minute)
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.region", "auto")
	v.SetDefault("s3.access_key", "")
	v.SetDefault("s3.secret_key", "")
	v.SetDefault("email.postmark_token", "")
	v.SetDefault("email.from", "")
	v.SetDefault("email.alert_to", "")
}

// NewViper returns a viper instance reading NEWSLETTER_* environment
// variables and, when cfgFile is set, that YAML file.
func NewViper(cfgFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}
	return v, nil
}

// Load reads a Config from v. It does not validate.
func Load(v *viper.Viper) *Config {
	return &Config{
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		HTTP: HTTPConfig{
			Port:           v.GetInt("http.port"),
			BaseURL:        strings.TrimRight(v.GetString("http.base_url"), "/"),
			AllowedOrigins: splitList(v.GetStringSlice("http.allowed_origins")),
		},
		DB: DBConfig{
			Driver: v.GetString("db.driver"),
			DSN:    v.GetString("db.dsn"),
		},
		Auth: AuthConfig{
			SessionSecret: v.GetString("auth.session_secret"),
			CronSecret:    v.GetString("auth.cron_secret"),
		},
		Crypto: CryptoConfig{
			TokenKey: v.GetString("crypto.token_key"),
		},
		OneDrive: OneDriveConfig{
			ClientID:       v.GetString("onedrive.client_id"),
			ClientSecret:   v.GetString("onedrive.client_secret"),
			Tenant:         v.GetString("onedrive.tenant"),
			RedirectURL:    v.GetString("onedrive.redirect_url"),
			UserID:         v.GetString("onedrive.user_id"),
			RequestTimeout: v.GetDuration("onedrive.request_timeout"),
		},
		Backup: BackupConfig{
			Destination: strings.ToLower(v.GetString("backup.destination")),
			Tables:      splitList(v.GetStringSlice("backup.tables")),
			Timeout:     v.GetDuration("backup.timeout"),
			Schedule:    strings.TrimSpace(v.GetString("backup.schedule")),
			LockTTL:     v.GetDuration("backup.lock_ttl"),
		},
		S3: s3dest.Config{
			Endpoint:  v.GetString("s3.endpoint"),
			Bucket:    v.GetString("s3.bucket"),
			Region:    v.GetString("s3.region"),
			AccessKey: v.GetString("s3.access_key"),
			SecretKey: v.GetString("s3.secret_key"),
		},
		Email: EmailConfig{
			PostmarkToken: v.GetString("email.postmark_token"),
			From:          v.GetString("email.from"),
			AlertTo:       v.GetString("email.alert_to"),
		},
	}
}

// splitList accepts YAML lists and comma separated environment values.
func splitList(in []string) []string {
	parts := lo.FlatMap(in, func(s string, _ int) []string {
		return strings.Split(s, ",")
	})
	return lo.Compact(lo.Map(parts, func(s string, _ int) string {
		return strings.TrimSpace(s)
	}))
}

// ValidateDatabase checks only what the migrate command needs.
func (c *Config) ValidateDatabase() error {
	if c.DB.Driver != database.DriverPostgres && c.DB.Driver != database.DriverSQLite {
		return fmt.Errorf("%w, got %q", ErrDBDriverInvalid, c.DB.Driver)
	}
	if c.DB.DSN == "" {
		return ErrDBDSNRequired
	}
	return nil
}

// Validate checks everything a backup run needs.
func (c *Config) Validate() error {
	if err := c.ValidateDatabase(); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("%w, got %q", ErrLogFormatInvalid, c.Log.Format)
	}

	switch c.Backup.Destination {
	case DestinationOneDrive:
		if c.Crypto.TokenKey == "" {
			return ErrTokenKeyRequired
		}
		if c.OneDrive.ClientID == "" || c.OneDrive.ClientSecret == "" || c.OneDrive.RedirectURL == "" {
			return ErrOneDriveClientRequired
		}
	case DestinationS3:
		if !c.S3.Configured() {
			return ErrS3NotConfigured
		}
	default:
		return fmt.Errorf("%w, got %q", ErrDestinationInvalid, c.Backup.Destination)
	}

	if len(c.Backup.Tables) == 0 {
		return ErrTablesRequired
	}
	for _, t := range c.Backup.Tables {
		if err := backup.ValidateTable(t); err != nil {
			return fmt.Errorf("backup.tables: %w", err)
		}
	}
	if c.Backup.Timeout <= 0 || c.Backup.LockTTL <= 0 {
		return ErrTimeoutInvalid
	}
	if c.Backup.Schedule != "" {
		if _, err := cron.ParseStandard(c.Backup.Schedule); err != nil {
			return fmt.Errorf("%w: %v", ErrScheduleInvalid, err)
		}
	}
	return nil
}

// ValidateServer adds the HTTP surface requirements to Validate.
func (c *Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("%w, got %d", ErrPortInvalid, c.HTTP.Port)
	}
	if c.Auth.SessionSecret == "" {
		return ErrSessionSecretRequired
	}
	// The OAuth handlers need a token key even when backups go to S3.
	if c.Crypto.TokenKey == "" {
		return ErrTokenKeyRequired
	}
	return nil
}

// BackupManagerConfig maps configuration onto the backup manager.
func (c *Config) BackupManagerConfig() backup.Config {
	return backup.Config{
		Tables:  slices.Clone(c.Backup.Tables),
		Timeout: c.Backup.Timeout,
		LockTTL: c.Backup.LockTTL,
		AlertTo: c.Email.AlertTo,
	}
}
