package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/mkarlsen/pgbridge/internal/bridge"
	"github.com/mkarlsen/pgbridge/internal/config"
	"github.com/mkarlsen/pgbridge/pkg/infra"
)

const banner = `
 ____   ____ ____  ____  ___ ____   ____ _____
|  _ \ / ___| __ )|  _ \|_ _|  _ \ / ___| ____|
| |_) | |  _|  _ \| |_) || || | | | |  _|  _|
|  __/| |_| | |_) |  _ < | || |_| | |_| | |___
|_|    \____|____/|_| \_\___|____/ \____|_____|

  PostgreSQL NOTIFY -> RabbitMQ bridge
`

func main() {
	persistent := pflag.BoolP("persistent", "p", false, "Maintain a constant connection to RabbitMQ")
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] FILE [FILE...]\n\nFILE is a config file (or glob) describing a messaging bridge.\n\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if pflag.NArg() == 0 {
		pflag.Usage()
		os.Exit(2)
	}

	fmt.Print(banner)

	settings := config.LoadSettings()
	logger := infra.SetupLogger(settings)
	slog.SetDefault(logger)

	bridges, err := config.LoadBridges(pflag.Args())
	if err != nil {
		logger.Error("CRITICAL: invalid configuration", "error", err)
		logger.Error("Unable to continue; exiting")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if settings.MetricsAddr != "" {
		go startObservabilityServer(settings.MetricsAddr, logger)
	}

	logger.Info("🚀 pgbridge started",
		"bridges", len(bridges),
		"persistent", *persistent,
		"pid", os.Getpid(),
	)

	bridge.RunAll(ctx, bridges, *persistent, logger)

	logger.Info("✅ Shutdown complete")
}

func startObservabilityServer(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("PGBRIDGE ALIVE"))
	})

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger.Info("📊 Observability server online", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Observability server failed", "error", err)
	}
}
