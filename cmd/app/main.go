package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trade_guard/internal/app"

	_ "net/http/pprof" // For pprof profiling
)

func main() {
	// 1. Pprof Server (for performance profiling)
	go func() {
		// Localhost only for security
		slog.Info("🕵️ Pprof server started on localhost:6060")
		if err := http.ListenAndServe("localhost:6060", nil); err != nil {
			slog.Error("Pprof server failed", slog.Any("error", err))
		}
	}()

	// 2. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. System Bootstrapping
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(ctx); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer bootstrap.Close()

	cfg := bootstrap.Config

	// 4. Live price feed (optional, REST fallback covers its absence)
	if bootstrap.Feed != nil {
		bootstrap.Feed.Start(ctx)
		slog.InfoContext(ctx, "✅ Price feed started")
	}

	// 5. Guard monitor loop
	go func() {
		interval := time.Duration(cfg.Monitor.IntervalSec) * time.Second
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := bootstrap.Engine.Tick(ctx); err != nil {
					slog.Error("Monitor tick failed", slog.Any("error", err))
				}
			}
		}
	}()
	slog.InfoContext(ctx, "✅ Guard monitor started", slog.Int("interval_sec", cfg.Monitor.IntervalSec))

	slog.InfoContext(ctx, "✨ Trade Guard fully operational. Press Ctrl+C to exit.")

	// 6. HTTP server blocks until shutdown
	if err := bootstrap.Server.Run(ctx, cfg.Server.Addr); err != nil {
		slog.Error("❌ HTTP server failed", slog.Any("error", err))
		os.Exit(1)
	}

	slog.InfoContext(ctx, "👋 Shutting down gracefully...")
}
