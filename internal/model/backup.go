package model

import "time"

type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

type RunTrigger string

const (
	TriggerManual    RunTrigger = "manual"
	TriggerScheduled RunTrigger = "scheduled"
	TriggerCLI       RunTrigger = "cli"
)

// BackupRun is one row of the run ledger.
type BackupRun struct {
	ID           int64          `json:"id"`
	Status       RunStatus      `json:"status"`
	Trigger      RunTrigger     `json:"trigger"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
	FileName     *string        `json:"file_name,omitempty"`
	SizeBytes    *int64         `json:"size_bytes,omitempty"`
	RemoteFileID string         `json:"remote_file_id,omitempty"`
	RemoteURL    string         `json:"remote_url,omitempty"`
	ErrorKind    string         `json:"error_kind,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Warnings     []TableWarning `json:"warnings,omitempty"`
}

// TableWarning records a table whose export stopped early.
type TableWarning struct {
	Table        string `json:"table"`
	RowsExported int    `json:"rows_exported"`
	Error        string `json:"error"`
}

// RemoteFile is an archive stored at a backup destination.
type RemoteFile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	WebURL    string    `json:"web_url,omitempty"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}
