package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ashureev/deskmate/internal/config"
	"github.com/ashureev/deskmate/internal/index"
	"github.com/ashureev/deskmate/internal/store"
	"github.com/ashureev/deskmate/internal/workspace"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var quiet bool

	serveCmd := newServeCmd(&quiet)
	rootCmd := &cobra.Command{
		Use:          "deskmate",
		Short:        "Deskmate session server",
		Long:         "deskmate serves chat sessions backed by a pool of agent connections, with per-session workspaces and a persistent session index.",
		SilenceUsage: true,
		RunE:         serveCmd.RunE,
	}
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress the startup banner")

	rootCmd.AddCommand(serveCmd, newIndexCmd())
	return rootCmd
}

// loadConfig reads .env if present, then the environment.
func loadConfig() (*config.Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func openStore(cfg config.IndexConfig) (store.IndexStore, error) {
	if cfg.Backend == config.IndexBackendSQLite {
		db, err := store.NewSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		return db, nil
	}
	return store.NewJSONFile(cfg.Path), nil
}

// storage bundles the on-disk layers every command needs.
type storage struct {
	workspaces *workspace.Manager
	store      store.IndexStore
	index      *index.Index
}

func openStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage, error) {
	workspaces, err := workspace.NewManager(cfg.DataDir, workspace.Limits{
		MaxFiles:     cfg.Workspace.MaxFiles,
		MaxFileSize:  cfg.Workspace.MaxFileSize,
		MaxTotalSize: cfg.Workspace.MaxTotalSize,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open workspaces: %w", err)
	}
	st, err := openStore(cfg.Index)
	if err != nil {
		return nil, fmt.Errorf("open index store: %w", err)
	}
	ix, err := index.New(ctx, st, workspaces, logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("load session index: %w", err)
	}
	return &storage{workspaces: workspaces, store: st, index: ix}, nil
}

func (s *storage) Close() {
	if err := s.store.Close(); err != nil {
		slog.Error("Failed to close index store", "error", err)
	}
}

// stderrLogger is used by the offline commands, which print results to stdout.
func stderrLogger(cfg *config.Config) *slog.Logger {
	return newLogger(os.Stderr, cfg.Log)
}
