/*
main.go - Application entry point

PURPOSE:
  Command-line entry for the utility billing service. Loads configuration,
  wires the store, engine and HTTP API, and handles graceful shutdown.

COMMANDS:
  utilbill serve                 Run the HTTP API
  utilbill migrate up            Apply pending schema migrations
  utilbill migrate down          Roll back the last migration (sqlite)
  utilbill migrate status        Print the schema version (sqlite)

FLAGS:
  --config   Path to a YAML config file (optional)

ENVIRONMENT:
  Every setting can be overridden with UTILBILL_<SECTION>_<KEY>, e.g.
  UTILBILL_STORAGE_DRIVER=postgres, UTILBILL_SERVER_PORT=3000.

STARTUP SEQUENCE (serve):
  1. Load config and build the zap logger
  2. Open the store for storage.driver
  3. Pick the invoice numberer (token, or sequence on store/redis)
  4. Build the audit fan-out (store first, then log and kafka mirrors)
  5. Create engine, handler, router; start the extraction audit job
  6. Serve until SIGINT/SIGTERM, then drain and close

EXAMPLES:
  # Local development on an in-memory store
  UTILBILL_STORAGE_DRIVER=memory ./utilbill serve

  # Postgres through gorm
  UTILBILL_STORAGE_DRIVER=postgres \
  UTILBILL_STORAGE_DSN="host=localhost user=billing dbname=billing sslmode=disable" \
  ./utilbill serve

SEE ALSO:
  - wire.go: Dependency construction
  - config/config.go: Settings and defaults
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/utility-billing/config"
	"github.com/warp/utility-billing/logger"
	"github.com/warp/utility-billing/store/gormstore"
	"github.com/warp/utility-billing/store/sqlite"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "utilbill",
		Short:        "Pro-rata utility cost allocation and invoicing",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	root.AddCommand(newServeCmd(&configPath), newMigrateCmd(&configPath))
	return root
}

// loadConfig loads the config and the logger built from it.
func loadConfig(path string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return cfg, log, nil
}

// =============================================================================
// SERVE
// =============================================================================

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	app, err := buildApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.Close()

	if app.Scheduler != nil {
		if err := app.Scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		defer app.Scheduler.Stop()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      app.Router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("storage", cfg.Storage.Driver),
			zap.String("numbering", cfg.Invoice.Numbering),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}

// =============================================================================
// MIGRATE
// =============================================================================

func newMigrateCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	run := func(action string) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer log.Sync()
			return migrate(cmd, cfg, log, action)
		}
	}

	cmd.AddCommand(
		&cobra.Command{Use: "up", Short: "Apply pending migrations", RunE: run("up")},
		&cobra.Command{Use: "down", Short: "Roll back the last migration", RunE: run("down")},
		&cobra.Command{Use: "status", Short: "Print the current schema version", RunE: run("status")},
	)
	return cmd
}

func migrate(cmd *cobra.Command, cfg *config.Config, log *zap.Logger, action string) error {
	ctx := cmd.Context()

	switch cfg.Storage.Driver {
	case "memory":
		return errors.New("memory storage has no schema")

	case "sqlite":
		db, err := sqlite.Open(cfg.Storage.DSN)
		if err != nil {
			return err
		}
		defer db.Close()

		switch action {
		case "up":
			err = sqlite.MigrateUp(ctx, db)
		case "down":
			err = sqlite.MigrateDown(ctx, db)
		}
		if err != nil {
			return err
		}
		version, err := sqlite.SchemaVersion(ctx, db)
		if err != nil {
			return err
		}
		log.Info("schema migrated", zap.String("action", action), zap.Int64("version", version))
		fmt.Fprintf(cmd.OutOrStdout(), "schema version: %d\n", version)
		return nil

	default:
		// gorm drivers only support creating/updating tables.
		if action != "up" {
			return fmt.Errorf("migrate %s is not supported for driver %s", action, cfg.Storage.Driver)
		}
		st, err := openGormStore(cfg, log)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return err
		}
		log.Info("schema migrated", zap.String("driver", cfg.Storage.Driver))
		fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
		return nil
	}
}

func openGormStore(cfg *config.Config, log *zap.Logger) (*gormstore.Store, error) {
	driver := cfg.Storage.Driver
	if driver == "gorm-sqlite" {
		driver = "sqlite"
	}
	return gormstore.New(driver, cfg.Storage.DSN,
		gormstore.WithLogger(logger.NewGormLogger(log.Named("gorm"), logger.GormLevel(cfg.Logging.Level))),
	)
}
