// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/relabs-tech/tracker_server/internal/config"
	"github.com/relabs-tech/tracker_server/internal/replay"
	"github.com/relabs-tech/tracker_server/internal/tracker"
)

// RunReplay replays the pcap file at path with the registry settings of cfg
// and writes the result as indented JSON to out.
func RunReplay(ctx context.Context, cfg *config.Config, path string, port uint16, out io.Writer, logger *slog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()

	res, err := replay.Run(ctx, f, replay.Options{
		Port: port,
		Registry: tracker.Options{
			HeartbeatTimeout: cfg.HeartbeatTimeout,
			RemovalGrace:     cfg.RemovalGrace,
			MaxTrackers:      cfg.MaxTrackers,
			ReuseRemovedIDs:  cfg.ReuseRemovedIDs,
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("replay %s: %w", path, err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
