package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/newsletter-admin/internal/auth"
	"github.com/dukerupert/newsletter-admin/internal/backup"
	"github.com/dukerupert/newsletter-admin/internal/handler"
	"github.com/dukerupert/newsletter-admin/internal/middleware"
	"github.com/dukerupert/newsletter-admin/internal/secret"
	"github.com/dukerupert/newsletter-admin/internal/store"
	ws "github.com/dukerupert/newsletter-admin/internal/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/oauth2"
)

// DefaultRunRateLimit is the number of run triggers accepted per IP per minute.
const DefaultRunRateLimit = 5

type Config struct {
	BaseURL        string
	CronSecret     string
	AllowedOrigins []string
	RunRateLimit   int
	OneDriveUserID string
	Backup         backup.Config
}

type Server struct {
	db            *sql.DB
	cfg           Config
	hub           *ws.Hub
	signer        *auth.Signer
	backupH       *handler.BackupHandler
	settingsH     *handler.SettingsHandler
	oauthH        *handler.OAuthHandler
	rateLimiter   *middleware.RateLimiter
	backupManager *backup.Manager
	logger        *slog.Logger
}

// New wires stores, the backup manager and handlers. alerter may be nil.
func New(db *sql.DB, cfg Config, dest backup.Destination, signer *auth.Signer, cipher *secret.Cipher, oauthCfg *oauth2.Config, alerter backup.Alerter, logger *slog.Logger) *Server {
	if cfg.RunRateLimit <= 0 {
		cfg.RunRateLimit = DefaultRunRateLimit
	}
	hub := ws.NewHub(logger.With("component", "websocket"))

	runStore := store.NewRunStore(db)
	settingsStore := store.NewSettingsStore(db)
	lockStore := store.NewLockStore(db)
	tokenStore := store.NewTokenStore(db)

	opts := []backup.Option{
		backup.WithLogger(logger),
		backup.WithStatusCallback(func(s backup.Status) {
			hub.Broadcast(ws.NewMessage("backup_status", s.RunID, s))
		}),
	}
	if alerter != nil {
		opts = append(opts, backup.WithAlerter(alerter))
	}
	backupMgr := backup.NewManager(cfg.Backup, db, runStore, settingsStore, lockStore, dest, opts...)

	return &Server{
		db:            db,
		cfg:           cfg,
		hub:           hub,
		signer:        signer,
		backupH:       handler.NewBackupHandler(backupMgr, runStore, logger.With("component", "backup_handler")),
		settingsH:     handler.NewSettingsHandler(settingsStore, hub, logger.With("component", "settings")),
		oauthH:        handler.NewOAuthHandler(oauthCfg, signer, tokenStore, cipher, hub, cfg.BaseURL, cfg.OneDriveUserID, logger.With("component", "oauth")),
		rateLimiter:   middleware.NewRateLimiter(),
		backupManager: backupMgr,
		logger:        logger,
	}
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

// BackupManager returns the backup manager.
func (s *Server) BackupManager() *backup.Manager {
	return s.backupManager
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes
	outerMux.HandleFunc("GET /health", s.healthHandler)
	outerMux.Handle("GET /metrics", promhttp.Handler())
	// The state parameter authenticates the callback.
	outerMux.HandleFunc("GET /api/oauth/onedrive/callback", s.oauthH.Callback)

	// Run trigger: scheduler secret or admin session
	run := middleware.RateLimit(s.rateLimiter, middleware.RealIP, s.cfg.RunRateLimit, time.Minute)(
		middleware.RequireCronOrAdmin(s.cfg.CronSecret, s.signer)(http.HandlerFunc(s.backupH.Run)),
	)
	outerMux.Handle("GET /api/backup/run", run)
	outerMux.Handle("POST /api/backup/run", run)

	// Admin routes
	adminMux := http.NewServeMux()
	s.registerAdminRoutes(adminMux)
	outerMux.Handle("/", middleware.RequireAuth(s.signer)(middleware.RequireAdmin(adminMux)))

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if err := s.db.PingContext(r.Context()); err != nil {
		s.logger.Warn("health check: database unreachable", "error", err)
		status, code = "degraded", http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func (s *Server) registerAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/backup/runs", s.backupH.Runs)
	mux.HandleFunc("GET /api/backup/status", s.backupH.Status)

	mux.HandleFunc("GET /api/settings/backup", s.settingsH.GetBackup)
	mux.HandleFunc("PUT /api/settings/backup", s.settingsH.UpdateBackup)

	mux.HandleFunc("GET /api/oauth/onedrive/start", s.oauthH.Start)
	mux.HandleFunc("GET /api/oauth/onedrive/status", s.oauthH.Status)

	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, s.cfg.AllowedOrigins, s.statusSnapshot, s.logger.With("component", "websocket")))
}

func (s *Server) statusSnapshot() ws.Message {
	st := s.backupManager.Status()
	return ws.NewMessage("backup_status", st.RunID, st)
}
