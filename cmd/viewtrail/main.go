// Command viewtrail serves the watch-history crawler, its JSON API and MCP tools.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/viewtrail/dbopen"
	"github.com/hazyhaar/viewtrail/history"
)

const version = "1.0.0"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(env("LOG_LEVEL", "info"))}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := dbopen.Open(cfg.SettingsDB, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("open settings db", "path", cfg.SettingsDB, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	svc, err := history.New(cfg, db, logger)
	if err != nil {
		slog.Error("init history service", "error", err)
		os.Exit(1)
	}

	var mcpHandler http.Handler
	if cfg.MCPEnabled {
		mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "viewtrail", Version: version}, nil)
		svc.RegisterMCP(mcpSrv)
		mcpHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil)
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newRouter(svc, cfg.MaxBodyBytes(), mcpHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("viewtrail listening", "addr", cfg.Listen, "data_dir", cfg.DataDir, "mcp", cfg.MCPEnabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("viewtrail stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("viewtrail stopped")
}

// loadConfig reads CONFIG_FILE when set, then applies environment overrides.
func loadConfig(getenv func(string) string) (*history.Config, error) {
	cfg := history.DefaultConfig()
	if path := getenv("CONFIG_FILE"); path != "" {
		var err error
		if cfg, err = history.LoadConfig(path); err != nil {
			return nil, err
		}
	}
	if v := getenv("PORT"); v != "" {
		cfg.Listen = ":" + v
	}
	if v := getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := getenv("SETTINGS_DB"); v != "" {
		cfg.SettingsDB = v
	}
	if v := getenv("ADMIN_PASSWORD"); v != "" {
		cfg.AdminPassword = v
	}
	if v := getenv("MCP_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("MCP_ENABLED: %w", err)
		}
		cfg.MCPEnabled = b
	}
	return cfg, cfg.Validate()
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
