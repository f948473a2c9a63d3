package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"icgate/go-backend/internal/app"
	"icgate/go-backend/internal/composition/daemonserver"
	"icgate/go-backend/internal/config"
	"icgate/go-backend/internal/platform/privacylog"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	rpcAddr := flag.String("rpc-addr", "", "JSON-RPC listen address override")
	dataDir := flag.String("data-dir", "", "Directory for the file storage backend override")
	network := flag.String("network", "", "Default network for new registry entries")
	flag.Parse()
	if *showVersion {
		fmt.Printf("icgw-daemon version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("icgw-daemon: %v", err)
	}
	if *rpcAddr != "" {
		cfg.RPC.Listen = *rpcAddr
	}
	if *dataDir != "" {
		cfg.Storage.Dir = *dataDir
	}
	if *network != "" {
		cfg.DefaultNetwork = *network
	}

	logger := privacylog.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := daemonserver.New(ctx, cfg, app.Options{Logger: logger})
	if err != nil {
		logger.Error("icgw-daemon failed to initialize", "error", err)
		os.Exit(1)
	}
	logger.Info("icgw-daemon starting", "version", version, "rpc_addr", cfg.RPC.Listen)
	if err := d.Run(ctx); err != nil {
		logger.Error("icgw-daemon failed", "error", err)
		os.Exit(1)
	}
	logger.Info("icgw-daemon stopped")
}
