package model

import "time"

type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BackupSettings is read by the pipeline and written by admins.
type BackupSettings struct {
	DestinationPath string `json:"destination_path" validate:"required,max=400"`
	RetentionDays   int    `json:"retention_days" validate:"min=1,max=365"`
}
