// Command imgcatch listens for raw TCP streams, stores each stream and any
// embedded JPEG on disk, and answers with a fixed acknowledgment.
//
// Usage:
//
//	imgcatch [config.yaml]
//
// Without an argument imgcatch.yaml is read when present, otherwise the
// defaults apply (127.0.0.1:8000, ./request, ./images).
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/imgcatch/admin"
	"github.com/hazyhaar/imgcatch/artifact"
	"github.com/hazyhaar/imgcatch/capture"
	"github.com/hazyhaar/imgcatch/dbopen"
	"github.com/hazyhaar/imgcatch/ledger"
	"github.com/hazyhaar/imgcatch/observability"
	"github.com/hazyhaar/imgcatch/trace"
)

func main() {
	cfgPath, explicit := "imgcatch.yaml", false
	if len(os.Args) > 1 {
		cfgPath, explicit = os.Args[1], true
	}

	// Logging.
	var lvl slog.Level
	switch env("LOG_LEVEL", "info") {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	cfg, err := capture.LoadConfig(cfgPath, !explicit)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := artifact.NewFSStore(cfg.RequestDir, cfg.ImageDir)
	if err != nil {
		slog.Error("artifact store", "error", err)
		os.Exit(1)
	}

	opts := []capture.HandlerOption{capture.WithLogger(logger)}

	// --- Ledger (optional) ---
	var led *ledger.Ledger
	if cfg.LedgerPath != "" {
		led, err = ledger.Open(cfg.LedgerPath, cfg.LedgerOptions()...)
		if err != nil {
			slog.Error("ledger", "error", err)
			os.Exit(1)
		}
		defer led.Close()
		opts = append(opts, capture.WithLedger(led))
	}

	// --- Observability DB (separate from the ledger to avoid write contention) ---
	var obsDB *sql.DB
	if cfg.MetricsPath != "" {
		obsDB, err = dbopen.Open(cfg.MetricsPath, dbopen.WithMkdirAll(), dbopen.WithSchema(observability.Schema))
		if err != nil {
			slog.Error("observability db", "error", err)
			os.Exit(1)
		}
		defer obsDB.Close()

		metrics := observability.NewMetricsManager(obsDB, 100, 5*time.Second)
		defer metrics.Close()
		opts = append(opts, capture.WithMetrics(metrics))

		heartbeat := observability.NewHeartbeatWriter(obsDB, admin.WorkerName, 15*time.Second)
		heartbeat.Start(ctx)
		defer heartbeat.Stop()
	}

	// SQL traces go to the observability DB, which uses the plain driver.
	if cfg.TraceSQL && obsDB != nil {
		ts := trace.NewStore(obsDB)
		if err := ts.Init(); err != nil {
			slog.Error("trace store", "error", err)
			os.Exit(1)
		}
		trace.SetRecorder(ts)
		defer ts.Close()
	}

	h, err := capture.NewHandler(cfg, store, opts...)
	if err != nil {
		slog.Error("handler", "error", err)
		os.Exit(1)
	}

	// --- Admin API (optional, needs the ledger) ---
	if cfg.AdminListen != "" {
		if led == nil {
			slog.Error("admin_listen requires ledger_path")
			os.Exit(1)
		}
		srv := &http.Server{
			Addr:              cfg.AdminListen,
			Handler:           admin.Router(led, obsDB, logger),
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      30 * time.Second,
		}
		go func() {
			slog.Info("admin listening", "addr", cfg.AdminListen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("admin server", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Error("admin shutdown", "error", err)
			}
		}()
	}

	if err := capture.NewServer(cfg, h).ListenAndServe(ctx); err != nil {
		slog.Error("server", "error", err)
		cancel()
		os.Exit(1)
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
