package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/ashureev/taskdesk/internal/api"
	"github.com/ashureev/taskdesk/internal/identity"
	"github.com/ashureev/taskdesk/internal/middleware"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local API for renderers",
		Long:  `Serve the task list, conversations and alerts over HTTP and push updates on /ws/events.`,
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	cfg := rt.cfg
	rt.logger.Info("Starting server", "port", cfg.Port, "api_url", cfg.APIURL)

	if err := rt.store.Ping(context.Background()); err != nil {
		rt.logger.Error("Database health check failed", "error", err)
		return err
	}
	rt.logger.Info("Database connected")

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.engine.Start(ctx, identity.Normalize(cfg.DefaultUser)); err != nil {
		rt.logger.Warn("Engine started with errors", "error", err)
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(identity.Middleware(cfg.DefaultUser))

	api.NewHandler(rt.engine, rt.store, rt.logger.With("component", "api")).RegisterRoutes(r)

	// Conversation turns can take as long as the request timeout, and the
	// event stream never ends, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			rt.logger.Error("Server failed", "error", err)
			return err
		}
	}

	rt.logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		rt.logger.Error("Server shutdown failed", "error", err)
		return err
	}
	rt.logger.Info("Server stopped")
	return nil
}
