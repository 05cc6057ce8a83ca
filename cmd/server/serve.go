package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/deskmate/internal/agent"
	"github.com/ashureev/deskmate/internal/api"
	"github.com/ashureev/deskmate/internal/config"
	"github.com/ashureev/deskmate/internal/identity"
	"github.com/ashureev/deskmate/internal/middleware"
	"github.com/ashureev/deskmate/internal/pool"
	"github.com/ashureev/deskmate/internal/session"
	"github.com/ashureev/deskmate/web"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
)

func newServeCmd(quiet *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !*quiet {
				printBanner(cmd.ErrOrStderr(), cfg)
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func printBanner(w io.Writer, cfg *config.Config) {
	title := color.New(color.FgCyan, color.Bold).SprintFunc()
	dim := color.New(color.Faint).SprintFunc()
	fmt.Fprintf(w, "%s %s\n", title("deskmate"), dim("session server"))
	fmt.Fprintf(w, "  listen   %s\n", ":"+cfg.Port)
	fmt.Fprintf(w, "  agent    %s\n", cfg.Agent.Addr)
	fmt.Fprintf(w, "  data     %s\n", cfg.DataDir)
	fmt.Fprintf(w, "  index    %s (%s)\n\n", cfg.Index.Backend, cfg.Index.Path)
}

func serve(parent context.Context, cfg *config.Config) error {
	logger := newLogger(os.Stdout, cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting server",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"max_file_size", humanize.IBytes(uint64(cfg.Workspace.MaxFileSize)),
		"max_total_size", humanize.IBytes(uint64(cfg.Workspace.MaxTotalSize)))

	st, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	slog.Info("Session index ready", "backend", cfg.Index.Backend, "sessions", st.index.Len())

	grpcCfg := agent.DefaultGrpcClientConfig(cfg.Agent.Addr)
	grpcCfg.ConnectTimeout = cfg.Agent.ConnectTimeout
	if len(cfg.Escalation.Tiers) > 0 {
		grpcCfg.Model = cfg.Escalation.Tiers[0]
	}

	poolCfg := pool.DefaultConfig()
	poolCfg.InitialSize = cfg.Pool.InitialSize
	poolCfg.MaxSize = cfg.Pool.MaxSize
	poolCfg.IdleTimeout = cfg.Pool.IdleTimeout
	poolCfg.HealthCheckInterval = cfg.Pool.HealthCheckInterval
	poolCfg.MaxAcquireWait = cfg.Pool.MaxAcquireWait
	poolCfg.ConnectTimeout = cfg.Agent.ConnectTimeout

	agents, err := pool.New(poolCfg, agent.NewGrpcFactory(grpcCfg, logger), logger)
	if err != nil {
		return err
	}
	if err := agents.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize agent pool: %w", err)
	}

	coord := session.NewCoordinator(agents, st.workspaces, st.index, session.Config{
		QuestionTimeout: cfg.Question.Timeout,
		Escalation: agent.EscalationConfig{
			Threshold:    cfg.Escalation.Threshold,
			Tiers:        cfg.Escalation.Tiers,
			AutoEscalate: cfg.Escalation.Auto,
		},
	}, logger)
	conns := session.NewConnManager(logger)
	limiter := session.NewRateLimiter(cfg.Session.RateLimit, cfg.Session.RateWindow)
	defer limiter.Stop()

	wsHandler := session.NewWebSocketHandler(coord, conns, limiter, cfg.FrontendURL, cfg.IsDevelopment(), logger)
	apiHandler := api.NewHandler(st.workspaces, st.index, coord, agents, logger)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(allowedOrigins(cfg)))
	r.Use(identity.Middleware)

	apiHandler.RegisterRoutes(r)
	r.Get("/ws/session", wsHandler.ServeHTTP)
	r.Handle("/*", web.SPAHandler())

	// WebSocket turns stream for minutes, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	coord.StartIdleReaper(ctx, cfg.Session.IdleTTL, cfg.Session.ReapInterval, conns.Close)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			slog.Error("Server failed", "error", err)
			_ = agents.Shutdown(context.Background(), true)
			return err
		}
	}
	stop()

	slog.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Session.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown incomplete", "error", err)
	}
	conns.CloseAll()
	coord.CloseAll(shutdownCtx)
	if err := agents.Shutdown(shutdownCtx, true); err != nil {
		slog.Error("Agent pool shutdown incomplete", "error", err)
	}

	slog.Info("Server stopped successfully")
	return nil
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
