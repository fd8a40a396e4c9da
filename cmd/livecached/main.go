package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"livecache/internal/bridge"
	"livecache/internal/config"
	"livecache/internal/logging"
	"livecache/internal/realtime"
	mongosource "livecache/internal/source/mongo"
	"livecache/internal/transport"
	"livecache/internal/transport/memory"
	natstransport "livecache/internal/transport/nats"
)

func main() {
	configPath := flag.String("config", "config.yml", "Path to configuration file")
	flag.Parse()

	// 1. Load Configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 2. Initialize Logging
	if err := logging.Initialize(cfg.Logging); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logging.Shutdown()
	slog.Info("Starting livecache daemon", "transport", cfg.Transport.Kind)

	// 3. Build the Transport
	var tr transport.Transport
	var pub transport.Publisher
	switch cfg.Transport.Kind {
	case config.TransportNATS:
		nt := natstransport.New(cfg.Transport.NATS, slog.Default())
		tr, pub = nt, nt
	default:
		eng := memory.New()
		tr, pub = eng, eng
	}

	// 4. Start the Registry
	startCtx, startCancel := context.WithTimeout(context.Background(), 10*time.Second)
	registry := realtime.New(tr)
	err = registry.Start(startCtx)
	startCancel()
	if err != nil {
		slog.Error("Failed to start registry", "error", err)
		os.Exit(1)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	// 5. Start the Change Source (optional)
	if cfg.Source.Enabled {
		source := mongosource.NewSource(cfg.Source.Mongo, pub, slog.Default())
		connectCtx, connectCancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := source.Connect(connectCtx)
		connectCancel()
		if err != nil {
			slog.Error("Failed to connect change source", "error", err)
			os.Exit(1)
		}
		defer source.Close(context.Background())

		go func() {
			if err := source.Run(bgCtx); err != nil && bgCtx.Err() == nil {
				slog.Error("Change source stopped", "error", err)
			}
		}()
		slog.Info("Change source running",
			"database", cfg.Source.Mongo.Database,
			"collections", cfg.Source.Mongo.Collections)
	}

	// 6. Start the Bridge HTTP Server
	bridgeServer := bridge.NewServer(cfg.Bridge, registry, slog.Default())
	httpServer := &http.Server{
		Addr:    cfg.Bridge.Addr,
		Handler: bridgeServer,
	}

	go func() {
		slog.Info("Bridge listening", "addr", cfg.Bridge.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Bridge server failed", "error", err)
			os.Exit(1)
		}
	}()

	// 7. Wait for Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down")

	bgCancel()
	bridgeServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Forced shutdown", "error", err)
	}

	registry.Reset()
	if err := tr.Close(); err != nil {
		slog.Warn("Transport close", "error", err)
	}
	slog.Info("Daemon exiting")
}
