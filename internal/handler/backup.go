package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dukerupert/newsletter-admin/internal/auth"
	"github.com/dukerupert/newsletter-admin/internal/backup"
	"github.com/dukerupert/newsletter-admin/internal/model"
	"github.com/dukerupert/newsletter-admin/internal/onedrive"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 100
)

// BackupRunner is implemented by *backup.Manager.
type BackupRunner interface {
	Run(ctx context.Context, trigger model.RunTrigger) (*backup.Result, error)
	Status() backup.Status
}

// RunLister is implemented by *store.RunStore.
type RunLister interface {
	List(ctx context.Context, limit int) ([]model.BackupRun, error)
}

type BackupHandler struct {
	runner BackupRunner
	runs   RunLister
	logger *slog.Logger
}

func NewBackupHandler(runner BackupRunner, runs RunLister, logger *slog.Logger) *BackupHandler {
	return &BackupHandler{runner: runner, runs: runs, logger: logger}
}

type runResponse struct {
	Message  string               `json:"message"`
	RunID    int64                `json:"run_id,omitempty"`
	FileName string               `json:"file_name,omitempty"`
	Size     int64                `json:"size,omitempty"`
	FileID   string               `json:"file_id,omitempty"`
	WebURL   string               `json:"web_url,omitempty"`
	Warnings []model.TableWarning `json:"warnings,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// Run triggers one pipeline run. Requests authenticated with the cron
// secret are recorded as scheduled runs.
func (h *BackupHandler) Run(w http.ResponseWriter, r *http.Request) {
	trigger := model.TriggerManual
	if auth.IsCron(r.Context()) {
		trigger = model.TriggerScheduled
	}

	// Runs outlive the client connection. The manager applies its own timeout.
	res, err := h.runner.Run(context.WithoutCancel(r.Context()), trigger)
	if err != nil {
		if errors.Is(err, backup.ErrRunInProgress) {
			writeJSON(w, http.StatusConflict, runResponse{
				Message: "Backup already in progress",
				Error:   err.Error(),
			})
			return
		}

		resp := runResponse{Message: "Backup failed", Error: err.Error()}
		var runErr *backup.RunError
		if errors.As(err, &runErr) {
			resp.RunID = runErr.RunID
			if runErr.Kind == string(onedrive.KindAuth) {
				resp.Message = "Backup failed: OneDrive needs reconnect"
			}
		}
		h.logger.Error("backup run failed", "trigger", trigger, "error", err)
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}

	warnings := res.Warnings
	if warnings == nil {
		warnings = []model.TableWarning{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":   "Backup completed",
		"run_id":    res.RunID,
		"file_name": res.FileName,
		"size":      res.Size,
		"file_id":   res.FileID,
		"web_url":   res.WebURL,
		"warnings":  warnings,
	})
}

// Runs lists recent ledger rows, newest first.
func (h *BackupHandler) Runs(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunsLimit)
	}

	runs, err := h.runs.List(r.Context(), limit)
	if err != nil {
		h.logger.Error("list backup runs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list backup runs")
		return
	}
	if runs == nil {
		runs = []model.BackupRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (h *BackupHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.runner.Status())
}
