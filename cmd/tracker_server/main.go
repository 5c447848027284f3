// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/relabs-tech/tracker_server/internal/app"
	"github.com/relabs-tech/tracker_server/internal/config"
)

func main() {
	configPath := pflag.StringP("config", "c", config.DefaultPath, "path to the KEY=VALUE config file (empty for defaults)")
	listen := pflag.String("listen", "", "override UDP_LISTEN_ADDR")
	dbPath := pflag.String("db", "", "override DB_PATH")
	pflag.Parse()

	log.Println("starting tracker server")

	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg := config.Get()
	if *listen != "" {
		cfg.UDPListenAddr = *listen
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	logger := app.NewLogger(cfg, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunServer(ctx, cfg, logger, app.ServerDeps{}); err != nil {
		log.Fatalf("fatal: %v", err)
	}
	log.Println("tracker server stopped")
}
