// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/relabs-tech/tracker_server/internal/app"
	"github.com/relabs-tech/tracker_server/internal/config"
)

func main() {
	configPath := pflag.StringP("config", "c", config.DefaultPath, "path to the KEY=VALUE config file")
	broker := pflag.String("broker", "", "override MQTT_BROKER")
	pflag.Parse()

	log.Println("starting tracker console (MQTT subscriber)")

	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg := config.Get()
	if *broker != "" {
		cfg.MQTTBroker = *broker
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunConsoleMQTT(ctx, cfg, os.Stdout); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
