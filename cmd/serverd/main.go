// Command serverd is the Relay Server Broker: it accepts Host Daemon and
// app peer websocket connections, persists and fans out the ordered event
// stream between them, and serves the HTTP surface apps use to browse and
// drive sessions.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aipper/relay/internal/eventstore"
	"github.com/aipper/relay/internal/httpapi"
	"github.com/aipper/relay/internal/obs"
	"github.com/aipper/relay/internal/router"
	"github.com/aipper/relay/internal/serverconfig"
	"github.com/aipper/relay/internal/telemetry"
)

func main() {
	cfg, err := serverconfig.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, "info", false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("serverd starting", "bind_addr", cfg.BindAddr, "db", cfg.EventStorePath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := eventstore.Open(cfg.EventStorePath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()

	obsProvider, err := obs.Init(ctx, obs.Config{
		Enabled:     cfg.ObsEnabled,
		Exporter:    cfg.ObsExporter,
		Endpoint:    cfg.ObsEndpoint,
		ServiceName: "relay-serverd",
	})
	if err != nil {
		fatalStartup(logger, "E_OBS_INIT", err)
	}
	defer obsProvider.Shutdown(context.Background())
	metrics, err := obs.NewMetrics(obsProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OBS_METRICS", err)
	}

	rt := router.New(store, []byte(cfg.JWTSecret))
	rt.SetMetrics(metrics)
	api := httpapi.New(store, rt, cfg.ServerLogPath)

	go runPeriodicPrune(ctx, store, cfg.EventRetentionDays, cfg.PruneIntervalMinute, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/host", rt.HandleHostWS)
	mux.HandleFunc("/ws/app", rt.HandleAppWS)
	mux.Handle("/", api.Handler())

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: mux,
	}
	serverErr := make(chan error, 1)

	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("serverd listening", "addr", cfg.BindAddr)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

func runPeriodicPrune(ctx context.Context, store *eventstore.Store, retentionDays, intervalMinutes int, logger *slog.Logger) {
	interval := time.Duration(intervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -retentionDays)
			if err := store.PruneOlderThan(ctx, cutoff); err != nil {
				logger.Error("event retention prune failed", "error", err)
			}
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure reason_code=%s error=%s\n", reasonCode, message)
	}
	os.Exit(1)
}
