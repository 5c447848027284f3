// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package replay feeds captured tracker traffic through the codec and a
// private registry, using capture timestamps as the registry clock.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/relabs-tech/tracker_server/internal/protocol"
	"github.com/relabs-tech/tracker_server/internal/timeutil"
	"github.com/relabs-tech/tracker_server/internal/tracker"
)

// Options configures a replay.
type Options struct {
	// Port keeps only datagrams sent to this UDP port. 0 keeps all.
	Port uint16
	// Registry options; Clock is replaced by the capture clock.
	Registry tracker.Options
	Logger   *slog.Logger
}

// Result summarises a replay.
type Result struct {
	Packets      int                `json:"packets"`
	Datagrams    int                `json:"datagrams"`
	Decoded      int                `json:"decoded"`
	DecodeErrors map[string]int     `json:"decode_errors"`
	Replies      int                `json:"replies"`
	Events       map[string]int     `json:"events"`
	Trackers     []tracker.Snapshot `json:"trackers"`
}

// Run reads a pcap stream and replays every matching UDP payload.
func Run(ctx context.Context, r io.Reader, opts Options) (Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read pcap header: %w", err)
	}

	res := Result{DecodeErrors: map[string]int{}, Events: map[string]int{}}
	var clock *timeutil.MockClock

	regOpts := opts.Registry
	regOpts.Logger = logger
	userSink := regOpts.Sink
	regOpts.Sink = func(e tracker.Event) {
		res.Events[e.Kind.String()]++
		if userSink != nil {
			userSink(e)
		}
	}
	var registry *tracker.Registry

	source := gopacket.NewPacketSource(reader, reader.LinkType())
	source.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		packet, err := source.NextPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			logger.Debug("skipping unreadable capture record", "err", err)
			continue
		}
		res.Packets++

		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if opts.Port != 0 && uint16(udp.DstPort) != opts.Port {
			continue
		}
		from, ok := sourceEndpoint(packet, udp)
		if !ok {
			continue
		}
		res.Datagrams++

		ts := packet.Metadata().Timestamp
		if clock == nil {
			clock = timeutil.NewMockClock(ts)
			regOpts.Clock = clock
			registry = tracker.NewRegistry(regOpts)
		} else if ts.After(clock.Now()) {
			clock.Set(ts)
		}
		registry.ScanTimeouts(clock.Now())

		p, err := protocol.Decode(udp.Payload)
		if err != nil {
			var de *protocol.DecodeError
			if errors.As(err, &de) {
				res.DecodeErrors[de.Kind.String()]++
			}
			continue
		}
		res.Decoded++
		res.Replies += len(registry.Dispatch(from, p))
	}

	if registry != nil {
		res.Trackers = registry.Snapshot()
	}
	logger.Info("replay complete", "packets", res.Packets, "datagrams", res.Datagrams, "decoded", res.Decoded, "trackers", len(res.Trackers))
	return res, nil
}

func sourceEndpoint(packet gopacket.Packet, udp *layers.UDP) (netip.AddrPort, bool) {
	net := packet.NetworkLayer()
	if net == nil {
		return netip.AddrPort{}, false
	}
	addr, ok := netip.AddrFromSlice(net.NetworkFlow().Src().Raw())
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(udp.SrcPort)), true
}
