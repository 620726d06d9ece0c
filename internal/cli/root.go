package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukerupert/newsletter-admin/internal/config"
	"github.com/dukerupert/newsletter-admin/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is set via ldflags during build.
var Version = "dev"

type app struct {
	cfgFile string
	v       *viper.Viper
	cfg     *config.Config
	logger  *slog.Logger
}

// NewRootCommand builds the newsletter-admin command tree.
func NewRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "newsletter-admin",
		Short:         "Newsletter admin server and database backup pipeline",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "YAML config file (environment variables use the NEWSLETTER_ prefix)")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "text", "log format (text, json)")
	root.PersistentFlags().String("db-driver", "", "database driver (postgres, sqlite)")
	root.PersistentFlags().String("db-dsn", "", "database connection string")

	root.AddCommand(newServeCommand(a), newMigrateCommand(a), newBackupCommand(a))
	return root
}

func (a *app) load(cmd *cobra.Command) error {
	v, err := config.NewViper(a.cfgFile)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	for key, flag := range map[string]string{
		"log.level":  "log-level",
		"log.format": "log-format",
		"db.driver":  "db-driver",
		"db.dsn":     "db-dsn",
	} {
		if f := flags.Lookup(flag); f != nil && f.Changed {
			_ = v.BindPFlag(key, f)
		}
	}

	a.v = v
	a.cfg = config.Load(v)
	a.logger = logging.Setup(a.cfg.Log.Level, a.cfg.Log.Format)
	return nil
}

// Execute runs the root command with ctx, which is cancelled on shutdown signals.
func Execute(ctx context.Context) error {
	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		return fmt.Errorf("newsletter-admin: %w", err)
	}
	return nil
}
