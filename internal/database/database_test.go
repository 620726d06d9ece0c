package database

import (
	"testing"
)

func TestOpenSQLiteMigrates(t *testing.T) {
	db, err := Open(DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	tables := []string{
		"subscribers", "mailing_lists", "list_subscribers", "newsletters",
		"newsletter_posts", "email_events", "settings", "backup_runs",
		"oauth_tokens", "pipeline_locks",
	}
	for _, name := range tables {
		var got string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = $1`, name).Scan(&got)
		if err != nil {
			t.Errorf("table %s missing: %v", name, err)
		}
	}

	var retention string
	if err := db.QueryRow(`SELECT value FROM settings WHERE key = 'backup_retention_days'`).Scan(&retention); err != nil {
		t.Fatalf("seeded setting: %v", err)
	}
	if retention != "14" {
		t.Errorf("retention = %q, want %q", retention, "14")
	}
}

func TestMigrateIsRepeatable(t *testing.T) {
	db, err := Open(DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if err := Migrate(db, DriverSQLite); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestConnectRejectsUnknownDriver(t *testing.T) {
	if _, err := Connect("mysql", "dsn"); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}
