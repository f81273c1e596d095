package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"chat-relay/internal/relay"
)

func main() {
	addr := flag.String("addr", "", "chat listen address (overrides RELAY_LISTEN_ADDR)")
	metricsAddr := flag.String("metrics-addr", "", "metrics listen address (overrides RELAY_METRICS_ADDR)")
	flag.Parse()

	// A missing .env is fine; the environment still applies.
	_ = godotenv.Load()

	cfg, err := relay.LoadConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))

	srv := relay.NewServer(cfg, logger)
	if err := srv.Start(); err != nil {
		logger.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	srv.Stop()
}
