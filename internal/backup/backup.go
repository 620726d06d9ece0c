package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/newsletter-admin/internal/model"
	"github.com/dukerupert/newsletter-admin/internal/store"
	"github.com/google/uuid"
)

// ErrRunInProgress is returned when another run holds the pipeline lock.
var ErrRunInProgress = errors.New("backup run already in progress")

const pipelineLock = "backup-pipeline"

// Error kinds recorded in the run ledger in addition to the destination's own.
const (
	KindConfig  = "config"
	KindExport  = "export"
	KindArchive = "archive"
	KindTimeout = "timeout"
	KindUpload  = "upload"
	KindLedger  = "ledger"
)

// Destination stores archives. OneDrive and S3 both implement it.
type Destination interface {
	Upload(ctx context.Context, folder, name string, data []byte) (*model.RemoteFile, error)
	List(ctx context.Context, folder string) ([]model.RemoteFile, error)
	Delete(ctx context.Context, id string) error
}

// Alerter notifies an operator about a failed run.
type Alerter interface {
	SendBackupFailure(ctx context.Context, to string, run *model.BackupRun) error
}

// Config holds backup manager configuration.
type Config struct {
	Tables  []string
	Timeout time.Duration
	LockTTL time.Duration
	AlertTo string
}

// State represents the backup manager state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateError   State = "error"
)

// Status holds the current backup manager status.
type Status struct {
	State      State      `json:"state"`
	RunID      int64      `json:"run_id,omitempty"`
	LastBackup *time.Time `json:"last_backup,omitempty"`
	Error      string     `json:"error,omitempty"`
	InProgress bool       `json:"in_progress"`
}

// StatusCallback is called whenever the backup state changes.
type StatusCallback func(Status)

// Result describes a successful run.
type Result struct {
	RunID    int64                `json:"run_id"`
	FileName string               `json:"file_name"`
	Size     int64                `json:"size"`
	FileID   string               `json:"file_id"`
	WebURL   string               `json:"web_url"`
	Warnings []model.TableWarning `json:"warnings"`
	Sweep    *SweepResult         `json:"sweep,omitempty"`
}

// RunError is returned when a run reached the ledger and then failed.
type RunError struct {
	RunID int64
	Kind  string
	Err   error
}

func (e *RunError) Error() string { return e.Err.Error() }

func (e *RunError) Unwrap() error { return e.Err }

// ErrorKind lets callers classify the failure without importing destinations.
func (e *RunError) ErrorKind() string { return e.Kind }

type kindError struct {
	kind string
	err  error
}

func (e *kindError) Error() string     { return e.err.Error() }
func (e *kindError) Unwrap() error     { return e.err }
func (e *kindError) ErrorKind() string { return e.kind }

// errorKind returns the kind carried by err, or fallback.
func errorKind(err error, fallback string) string {
	var k interface{ ErrorKind() string }
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	return fallback
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

func WithAlerter(a Alerter) Option {
	return func(m *Manager) {
		m.alerter = a
	}
}

func WithStatusCallback(cb StatusCallback) Option {
	return func(m *Manager) {
		m.callback = cb
	}
}

// Manager runs the export, archive, upload, retention pipeline.
type Manager struct {
	mu       sync.RWMutex
	cfg      Config
	status   Status
	callback StatusCallback

	runs     *store.RunStore
	settings *store.SettingsStore
	locks    *store.LockStore
	dest     Destination
	exporter *Exporter
	sweeper  *Sweeper
	alerter  Alerter
	logger   *slog.Logger
	now      func() time.Time

	export func(ctx context.Context, tables []string) []*TableExport
}

// NewManager creates a new backup manager. db must be opened with
// credentials that can read every exported table.
func NewManager(cfg Config, db *sql.DB, runs *store.RunStore, settings *store.SettingsStore, locks *store.LockStore, dest Destination, opts ...Option) *Manager {
	if len(cfg.Tables) == 0 {
		cfg.Tables = DefaultTables
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Minute
	}

	m := &Manager{
		cfg:      cfg,
		status:   Status{State: StateIdle},
		runs:     runs,
		settings: settings,
		locks:    locks,
		dest:     dest,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "backup")
	m.exporter = NewExporter(db, m.logger)
	m.sweeper = NewSweeper(dest, m.logger)
	m.export = m.exporter.Export
	return m
}

// Status returns the current backup status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	if s.LastBackup == nil {
		s.LastBackup = m.status.LastBackup
	}
	m.status = s
	m.mu.Unlock()
	if m.callback != nil {
		m.callback(s)
	}
}

// Run executes one pipeline run. It returns ErrRunInProgress without touching
// the ledger when another run is active, and a *RunError when a ledger row
// was written and the run failed.
func (m *Manager) Run(ctx context.Context, trigger model.RunTrigger) (*Result, error) {
	holder := uuid.NewString()
	ok, err := m.locks.TryAcquire(ctx, pipelineLock, holder, m.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire pipeline lock: %w", err)
	}
	if !ok {
		RunsRejectedTotal.Inc()
		return nil, ErrRunInProgress
	}
	defer func() {
		if err := m.locks.Release(context.WithoutCancel(ctx), pipelineLock, holder); err != nil {
			m.logger.Warn("release pipeline lock", "error", err)
		}
	}()

	run, err := m.runs.Create(ctx, trigger)
	if err != nil {
		return nil, fmt.Errorf("create backup run: %w", err)
	}
	log := m.logger.With("run_id", run.ID, "trigger", trigger)
	log.Info("backup run started")
	m.setStatus(Status{State: StateRunning, RunID: run.ID, InProgress: true})

	start := m.now()
	res, warnings, err := m.execute(ctx, run, log)
	RunDuration.Observe(m.now().Sub(start).Seconds())
	for _, w := range warnings {
		TableWarningsTotal.WithLabelValues(w.Table).Inc()
	}

	if err != nil {
		return nil, m.fail(ctx, run, err, warnings, log)
	}

	RunsTotal.WithLabelValues(string(model.RunStatusSuccess), string(trigger)).Inc()
	finished := m.now().UTC()
	LastSuccess.Set(float64(finished.Unix()))
	ArchiveBytes.Set(float64(res.Size))
	m.setStatus(Status{State: StateIdle, LastBackup: &finished})
	log.Info("backup run succeeded",
		"file", res.FileName, "bytes", res.Size, "warnings", len(res.Warnings))
	return res, nil
}

func (m *Manager) execute(ctx context.Context, run *model.BackupRun, log *slog.Logger) (*Result, []model.TableWarning, error) {
	settings, err := m.settings.GetBackupSettings(ctx)
	if err != nil {
		return nil, nil, &kindError{kind: KindConfig, err: fmt.Errorf("load backup settings: %w", err)}
	}

	archive, warnings, err := m.buildArchive(ctx)
	if err != nil {
		return nil, warnings, err
	}
	log.Info("archive built", "file", archive.Name, "bytes", archive.Size, "tables", len(m.cfg.Tables))

	file, err := m.dest.Upload(ctx, settings.DestinationPath, archive.Name, archive.Data)
	if err != nil {
		return nil, warnings, &kindError{
			kind: errorKind(err, KindUpload),
			err:  fmt.Errorf("upload %s: %w", archive.Name, err),
		}
	}
	log.Info("archive uploaded", "file_id", file.ID, "web_url", file.WebURL)

	if err := m.runs.Complete(context.WithoutCancel(ctx), run.ID, store.RunCompletion{
		FileName:     archive.Name,
		SizeBytes:    archive.Size,
		RemoteFileID: file.ID,
		RemoteURL:    file.WebURL,
		Warnings:     warnings,
	}); err != nil {
		return nil, warnings, &kindError{kind: KindLedger, err: fmt.Errorf("complete backup run: %w", err)}
	}

	res := &Result{
		RunID:    run.ID,
		FileName: archive.Name,
		Size:     archive.Size,
		FileID:   file.ID,
		WebURL:   file.WebURL,
		Warnings: warnings,
	}

	sweep, err := m.sweeper.Sweep(ctx, settings.DestinationPath, settings.RetentionDays)
	if err != nil {
		log.Warn("retention sweep failed", "error", err)
	} else {
		res.Sweep = &sweep
		log.Info("retention sweep finished",
			"examined", sweep.Examined, "deleted", sweep.Deleted, "failed", sweep.Failed)
	}

	return res, warnings, nil
}

type archiveResult struct {
	archive  *Archive
	warnings []model.TableWarning
	err      error
}

// buildArchive runs export and archive construction in a goroutine bounded
// by the configured timeout and waits for its result.
func (m *Manager) buildArchive(ctx context.Context) (*Archive, []model.TableWarning, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	done := make(chan archiveResult, 1)
	go func() {
		done <- m.exportAndArchive(ctx)
	}()

	select {
	case r := <-done:
		return r.archive, r.warnings, r.err
	case <-ctx.Done():
		kind := KindExport
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = KindTimeout
		}
		return nil, nil, &kindError{
			kind: kind,
			err:  fmt.Errorf("export and archive did not finish within %s: %w", m.cfg.Timeout, ctx.Err()),
		}
	}
}

func (m *Manager) exportAndArchive(ctx context.Context) archiveResult {
	exports := m.export(ctx, m.cfg.Tables)

	var warnings []model.TableWarning
	readable := 0
	for _, t := range exports {
		if w := t.Warning(); w != nil {
			warnings = append(warnings, *w)
		}
		if t.Columns != nil {
			readable++
		}
	}
	if readable == 0 {
		return archiveResult{
			warnings: warnings,
			err:      &kindError{kind: KindExport, err: errors.New("no table could be read")},
		}
	}

	now := m.now().UTC()
	entries, err := archiveEntries(exports, now)
	if err != nil {
		return archiveResult{warnings: warnings, err: &kindError{kind: KindArchive, err: err}}
	}
	archive, err := BuildArchive(ArchiveName(now), entries, now)
	if err != nil {
		return archiveResult{warnings: warnings, err: &kindError{kind: KindArchive, err: err}}
	}
	return archiveResult{archive: archive, warnings: warnings}
}

// fail records the terminal failure and sends an alert. The ledger write
// uses a context that survives cancellation of the request.
func (m *Manager) fail(ctx context.Context, run *model.BackupRun, err error, warnings []model.TableWarning, log *slog.Logger) error {
	kind := errorKind(err, KindExport)
	bg := context.WithoutCancel(ctx)

	RunsTotal.WithLabelValues(string(model.RunStatusFailed), string(run.Trigger)).Inc()
	log.Error("backup run failed", "kind", kind, "error", err)

	if ferr := m.runs.Fail(bg, run.ID, kind, err.Error(), warnings); ferr != nil {
		log.Error("record failed run", "error", ferr)
	}
	m.setStatus(Status{State: StateError, RunID: run.ID, Error: err.Error()})

	if m.alerter != nil && m.cfg.AlertTo != "" {
		failed := *run
		failed.Status = model.RunStatusFailed
		failed.ErrorKind = kind
		failed.ErrorMessage = err.Error()
		failed.Warnings = warnings
		actx, cancel := context.WithTimeout(bg, 15*time.Second)
		defer cancel()
		if aerr := m.alerter.SendBackupFailure(actx, m.cfg.AlertTo, &failed); aerr != nil {
			log.Warn("send failure alert", "error", aerr)
		}
	}

	return &RunError{RunID: run.ID, Kind: kind, Err: err}
}

// Sweep runs a retention pass outside of a backup run.
func (m *Manager) Sweep(ctx context.Context) (SweepResult, error) {
	settings, err := m.settings.GetBackupSettings(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("load backup settings: %w", err)
	}
	return m.sweeper.Sweep(ctx, settings.DestinationPath, settings.RetentionDays)
}
