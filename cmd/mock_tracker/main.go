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
	"time"

	"github.com/spf13/pflag"

	"github.com/relabs-tech/tracker_server/internal/app"
	"github.com/relabs-tech/tracker_server/internal/config"
	"github.com/relabs-tech/tracker_server/internal/flags"
)

func main() {
	server := pflag.StringP("server", "s", "127.0.0.1:6969", "tracker server UDP address")
	macFlag := pflag.String("mac", "24:0a:c4:00:00:01", "device MAC address")
	sensors := pflag.IntP("sensors", "n", 1, "number of IMUs on the device")
	family := pflag.String("family", "bno0xx", "sensor family: bno0xx or bmi160")
	interval := pflag.Duration("interval", 10*time.Millisecond, "telemetry period")
	firmware := pflag.String("firmware", "mock-0.1", "firmware version reported in the handshake")
	logLevel := pflag.String("log-level", "info", "debug, info, warn or error")
	pflag.Parse()

	log.Println("starting mock tracker")

	mac, err := app.ParseMAC(*macFlag)
	if err != nil {
		log.Fatalf("invalid --mac: %v", err)
	}
	var fam flags.Family
	switch *family {
	case "bno0xx":
		fam = flags.FamilyBno0XX
	case "bmi160":
		fam = flags.FamilyBmi160
	default:
		log.Fatalf("invalid --family %q", *family)
	}

	cfg := config.Default()
	cfg.LogLevel = *logLevel
	logger := app.NewLogger(cfg, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = app.RunMockTracker(ctx, app.MockTrackerOptions{
		Server:   *server,
		MAC:      mac,
		Sensors:  *sensors,
		Family:   fam,
		Firmware: *firmware,
		Interval: *interval,
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
