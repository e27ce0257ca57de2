package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/taskdesk/internal/app"
	"github.com/ashureev/taskdesk/internal/backend"
	"github.com/ashureev/taskdesk/internal/config"
	"github.com/ashureev/taskdesk/internal/identity"
	"github.com/ashureev/taskdesk/internal/persistence"
	"github.com/ashureev/taskdesk/internal/tools"
)

func newRootCmd() *cobra.Command {
	var user string

	root := &cobra.Command{
		Use:          "taskdesk",
		Short:        "Chat-driven task manager client",
		Long:         `taskdesk keeps conversations, tasks and alerts in sync with the task service.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if err := godotenv.Load(); err != nil {
				slog.Debug("No .env file found, using environment variables")
			}
		},
	}
	root.PersistentFlags().StringVar(&user, "user", "", "user email (defaults to TASKDESK_USER)")

	root.AddCommand(
		newServeCmd(),
		newTasksCmd(&user),
		newSendCmd(&user),
		newCompleteCmd(&user),
	)
	return root
}

// runtime holds everything a command needs. close releases it in reverse
// order of construction.
type runtime struct {
	cfg    *config.Config
	store  *persistence.SQLiteStore
	engine *app.Engine
	logger *slog.Logger
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func openRuntime() (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := newLogger(os.Stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	catalog, err := tools.Load(cfg.ToolCatalogPath)
	if err != nil {
		return nil, err
	}

	client, err := backend.New(cfg.APIURL, backend.WithLogger(logger.With("component", "backend")))
	if err != nil {
		return nil, err
	}

	store, err := persistence.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	engine := app.New(client, store, app.Options{
		RequestTimeout:    cfg.Timing.RequestTimeout,
		RefreshDelay:      cfg.Timing.RefreshDelay,
		NotificationTTL:   cfg.Notifications.TTL,
		NotificationLimit: cfg.Notifications.Limit,
		Catalog:           catalog,
		Logger:            logger,
	})

	return &runtime{cfg: cfg, store: store, engine: engine, logger: logger}, nil
}

func (rt *runtime) close() {
	rt.engine.Close()
	if err := rt.store.Close(); err != nil {
		rt.logger.Error("Failed to close database", "error", err)
	}
}

// resolveUser picks the --user flag over the configured default.
func (rt *runtime) resolveUser(flag string) (string, error) {
	raw := flag
	if raw == "" {
		raw = rt.cfg.DefaultUser
	}
	user := identity.Normalize(raw)
	if user == "" {
		return "", errors.New("a valid user email is required (--user or TASKDESK_USER)")
	}
	return user, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
