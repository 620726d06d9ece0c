package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dukerupert/newsletter-admin/internal/auth"
	"github.com/dukerupert/newsletter-admin/internal/backup"
	"github.com/dukerupert/newsletter-admin/internal/server"
	"github.com/spf13/cobra"
)

func newServeCommand(a *app) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the admin API and run scheduled backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if f := cmd.Flags().Lookup("port"); f.Changed {
				a.cfg.HTTP.Port = port
			}
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&port, "port", 8080, "HTTP listen port")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	if err := cfg.ValidateServer(); err != nil {
		return err
	}

	db, err := a.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	signer, err := auth.NewSigner(cfg.Auth.SessionSecret)
	if err != nil {
		return fmt.Errorf("session signer: %w", err)
	}
	c, err := a.cipher()
	if err != nil {
		return err
	}
	dest, err := a.destination(db, c)
	if err != nil {
		return err
	}

	srv := server.New(db, server.Config{
		BaseURL:        cfg.HTTP.BaseURL,
		CronSecret:     cfg.Auth.CronSecret,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		OneDriveUserID: cfg.OneDrive.UserID,
		Backup:         cfg.BackupManagerConfig(),
	}, dest, signer, c, a.oauthConfig(), a.alerter(), a.logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv.RateLimiter().StartCleanup(time.Minute, ctx.Done())

	if cfg.Backup.Schedule != "" {
		sched, err := backup.NewScheduler(srv.BackupManager(), cfg.Backup.Schedule, a.logger)
		if err != nil {
			return err
		}
		sched.Start(ctx)
		defer sched.Stop()
	}

	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTP.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Synchronous run triggers can take up to the backup timeout.
		WriteTimeout: cfg.Backup.Timeout + time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("newsletter admin listening", "addr", httpServer.Addr, "base_url", cfg.HTTP.BaseURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
