package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dukerupert/newsletter-admin/internal/model"
)

func TestRunCreate(t *testing.T) {
	rs := NewRunStore(setupTestDB(t))

	r, err := rs.Create(context.Background(), model.TriggerManual)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if r.ID == 0 {
		t.Error("expected non-zero ID")
	}
	if r.Status != model.RunStatusRunning {
		t.Errorf("status = %q, want %q", r.Status, model.RunStatusRunning)
	}

	got, err := rs.GetByID(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Trigger != model.TriggerManual {
		t.Errorf("trigger = %q, want %q", got.Trigger, model.TriggerManual)
	}
	if got.FinishedAt != nil {
		t.Error("expected finished_at to be nil while running")
	}
	if got.FileName != nil {
		t.Error("expected file_name to be nil while running")
	}
}

func TestRunComplete(t *testing.T) {
	rs := NewRunStore(setupTestDB(t))
	ctx := context.Background()

	r, _ := rs.Create(ctx, model.TriggerScheduled)
	warnings := []model.TableWarning{{Table: "email_events", RowsExported: 2000, Error: "connection reset"}}
	err := rs.Complete(ctx, r.ID, RunCompletion{
		FileName:     "newsletter-backup-2026-01-02T03-04-05Z.zip",
		SizeBytes:    4096,
		RemoteFileID: "item-1",
		RemoteURL:    "https://onedrive.example/item-1",
		Warnings:     warnings,
	})
	if err != nil {
		t.Fatalf("complete run: %v", err)
	}

	got, _ := rs.GetByID(ctx, r.ID)
	if got.Status != model.RunStatusSuccess {
		t.Errorf("status = %q, want %q", got.Status, model.RunStatusSuccess)
	}
	if got.FinishedAt == nil {
		t.Error("expected finished_at to be set")
	}
	if got.FileName == nil || *got.FileName != "newsletter-backup-2026-01-02T03-04-05Z.zip" {
		t.Errorf("file_name = %v", got.FileName)
	}
	if got.SizeBytes == nil || *got.SizeBytes != 4096 {
		t.Errorf("size_bytes = %v, want 4096", got.SizeBytes)
	}
	if got.RemoteFileID != "item-1" {
		t.Errorf("remote_file_id = %q, want %q", got.RemoteFileID, "item-1")
	}
	if len(got.Warnings) != 1 || got.Warnings[0] != warnings[0] {
		t.Errorf("warnings = %+v, want %+v", got.Warnings, warnings)
	}
}

func TestRunFail(t *testing.T) {
	rs := NewRunStore(setupTestDB(t))
	ctx := context.Background()

	r, _ := rs.Create(ctx, model.TriggerManual)
	if err := rs.Fail(ctx, r.ID, "server", "upload failed: status 500", nil); err != nil {
		t.Fatalf("fail run: %v", err)
	}

	got, _ := rs.GetByID(ctx, r.ID)
	if got.Status != model.RunStatusFailed {
		t.Errorf("status = %q, want %q", got.Status, model.RunStatusFailed)
	}
	if got.ErrorKind != "server" {
		t.Errorf("error_kind = %q, want %q", got.ErrorKind, "server")
	}
	if got.ErrorMessage != "upload failed: status 500" {
		t.Errorf("error_message = %q", got.ErrorMessage)
	}
	if got.Warnings != nil {
		t.Errorf("warnings = %+v, want nil", got.Warnings)
	}
}

func TestRunTerminalUpdateOnce(t *testing.T) {
	rs := NewRunStore(setupTestDB(t))
	ctx := context.Background()

	r, _ := rs.Create(ctx, model.TriggerManual)
	if err := rs.Fail(ctx, r.ID, "timeout", "export exceeded deadline", nil); err != nil {
		t.Fatalf("fail run: %v", err)
	}

	err := rs.Complete(ctx, r.ID, RunCompletion{FileName: "late.zip"})
	if !errors.Is(err, ErrRunFinished) {
		t.Fatalf("err = %v, want ErrRunFinished", err)
	}

	got, _ := rs.GetByID(ctx, r.ID)
	if got.Status != model.RunStatusFailed {
		t.Errorf("status = %q, want %q", got.Status, model.RunStatusFailed)
	}
}

func TestRunGetByIDMissing(t *testing.T) {
	rs := NewRunStore(setupTestDB(t))

	got, err := rs.GetByID(context.Background(), 999)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestRunListOrderAndLimit(t *testing.T) {
	rs := NewRunStore(setupTestDB(t))
	ctx := context.Background()

	first, _ := rs.Create(ctx, model.TriggerManual)
	time.Sleep(10 * time.Millisecond)
	rs.Create(ctx, model.TriggerScheduled)
	time.Sleep(10 * time.Millisecond)
	third, _ := rs.Create(ctx, model.TriggerCLI)

	all, err := rs.List(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	if all[0].ID != third.ID {
		t.Errorf("first entry = %d, want %d", all[0].ID, third.ID)
	}
	if all[2].ID != first.ID {
		t.Errorf("last entry = %d, want %d", all[2].ID, first.ID)
	}

	limited, err := rs.List(ctx, 2)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("len = %d, want 2", len(limited))
	}
}

func TestRunListEmpty(t *testing.T) {
	rs := NewRunStore(setupTestDB(t))

	runs, err := rs.List(context.Background(), 20)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if runs == nil || len(runs) != 0 {
		t.Errorf("runs = %v, want empty non-nil slice", runs)
	}
}
