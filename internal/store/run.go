package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/newsletter-admin/internal/model"
)

// ErrRunFinished is returned when a terminal update targets a run that already finished.
var ErrRunFinished = errors.New("backup run already finished")

const runColumns = `id, status, trigger_source, started_at, finished_at, file_name, size_bytes,
	remote_file_id, remote_url, error_kind, error_message, warnings`

type RunStore struct {
	db *sql.DB
}

func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

// RunCompletion carries the fields written when a run succeeds.
type RunCompletion struct {
	FileName     string
	SizeBytes    int64
	RemoteFileID string
	RemoteURL    string
	Warnings     []model.TableWarning
}

func (s *RunStore) Create(ctx context.Context, trigger model.RunTrigger) (*model.BackupRun, error) {
	now := time.Now().UTC()
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO backup_runs (status, trigger_source, started_at) VALUES ($1, $2, $3) RETURNING id`,
		model.RunStatusRunning, trigger, now,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("create backup run: %w", err)
	}
	return &model.BackupRun{
		ID:        id,
		Status:    model.RunStatusRunning,
		Trigger:   trigger,
		StartedAt: now,
	}, nil
}

func (s *RunStore) Complete(ctx context.Context, id int64, c RunCompletion) error {
	warnings, err := encodeWarnings(c.Warnings)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE backup_runs
		 SET status = $1, finished_at = $2, file_name = $3, size_bytes = $4,
		     remote_file_id = $5, remote_url = $6, warnings = $7, warning_count = $8
		 WHERE id = $9 AND status = $10`,
		model.RunStatusSuccess, time.Now().UTC(), c.FileName, c.SizeBytes,
		c.RemoteFileID, c.RemoteURL, warnings, len(c.Warnings),
		id, model.RunStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("complete backup run: %w", err)
	}
	return checkTerminal(res, id)
}

func (s *RunStore) Fail(ctx context.Context, id int64, kind, message string, warnings []model.TableWarning) error {
	encoded, err := encodeWarnings(warnings)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE backup_runs
		 SET status = $1, finished_at = $2, error_kind = $3, error_message = $4,
		     warnings = $5, warning_count = $6
		 WHERE id = $7 AND status = $8`,
		model.RunStatusFailed, time.Now().UTC(), kind, message,
		encoded, len(warnings),
		id, model.RunStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("fail backup run: %w", err)
	}
	return checkTerminal(res, id)
}

func (s *RunStore) GetByID(ctx context.Context, id int64) (*model.BackupRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM backup_runs WHERE id = $1`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get backup run %d: %w", id, err)
	}
	return r, nil
}

// List returns the most recent runs first.
func (s *RunStore) List(ctx context.Context, limit int) ([]model.BackupRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM backup_runs ORDER BY started_at DESC, id DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list backup runs: %w", err)
	}
	defer rows.Close()

	runs := []model.BackupRun{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backup run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(sc rowScanner) (*model.BackupRun, error) {
	var r model.BackupRun
	var finishedAt sql.NullTime
	var fileName, remoteID, remoteURL, errKind, errMsg, warnings sql.NullString
	var size sql.NullInt64
	if err := sc.Scan(&r.ID, &r.Status, &r.Trigger, &r.StartedAt, &finishedAt, &fileName, &size,
		&remoteID, &remoteURL, &errKind, &errMsg, &warnings); err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		r.FinishedAt = &finishedAt.Time
	}
	if fileName.Valid {
		r.FileName = &fileName.String
	}
	if size.Valid {
		r.SizeBytes = &size.Int64
	}
	r.RemoteFileID = remoteID.String
	r.RemoteURL = remoteURL.String
	r.ErrorKind = errKind.String
	r.ErrorMessage = errMsg.String
	if warnings.Valid && warnings.String != "" {
		if err := json.Unmarshal([]byte(warnings.String), &r.Warnings); err != nil {
			return nil, fmt.Errorf("decode warnings: %w", err)
		}
	}
	return &r, nil
}

func encodeWarnings(w []model.TableWarning) (any, error) {
	if len(w) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode warnings: %w", err)
	}
	return string(b), nil
}

func checkTerminal(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %d: %w", id, ErrRunFinished)
	}
	return nil
}
