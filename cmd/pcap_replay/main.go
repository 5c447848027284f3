// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"context"
	"log"
	"os"

	"github.com/spf13/pflag"

	"github.com/relabs-tech/tracker_server/internal/app"
	"github.com/relabs-tech/tracker_server/internal/config"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "config file for registry timeouts (empty for defaults)")
	port := pflag.Uint16P("port", "p", 6969, "only replay datagrams sent to this UDP port (0 for all)")
	pflag.Usage = func() {
		log.Printf("usage: %s [flags] capture.pcap", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.Parse()
	if pflag.NArg() != 1 {
		pflag.Usage()
		os.Exit(2)
	}

	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg := config.Get()
	logger := app.NewLogger(cfg, os.Stderr)

	if err := app.RunReplay(context.Background(), cfg, pflag.Arg(0), *port, os.Stdout, logger); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
