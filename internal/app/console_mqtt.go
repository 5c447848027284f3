// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/tracker_server/internal/config"
	"github.com/relabs-tech/tracker_server/internal/orientation"
	"github.com/relabs-tech/tracker_server/internal/tracker"
)

// RunConsoleMQTT prints tracker events and snapshots published by the
// server until ctx is cancelled.
func RunConsoleMQTT(ctx context.Context, cfg *config.Config, out io.Writer) error {
	if cfg.MQTTBroker == "" {
		return fmt.Errorf("console: MQTT_BROKER is not set")
	}
	codec, err := NewPayloadCodec(cfg.MQTTPayloadFormat)
	if err != nil {
		return err
	}

	client, err := dialMQTT(cfg, cfg.MQTTClientIDConsole)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)
	log.Printf("console: connected to MQTT broker at %s", cfg.MQTTBroker)

	eventsTopic := cfg.TopicTrackerEvents + "/#"
	if err := waitToken(client.Subscribe(eventsTopic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var e tracker.Event
		if err := codec.Unmarshal(msg.Payload(), &e); err != nil {
			log.Printf("console: event unmarshal error: %v", err)
			return
		}
		fmt.Fprintln(out, formatEvent(e))
	})); err != nil {
		return fmt.Errorf("console: subscribe %s: %w", eventsTopic, err)
	}
	log.Printf("console: subscribed to %s", eventsTopic)

	if err := waitToken(client.Subscribe(cfg.TopicTrackerSnapshot, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var s SnapshotMessage
		if err := codec.Unmarshal(msg.Payload(), &s); err != nil {
			log.Printf("console: snapshot unmarshal error: %v", err)
			return
		}
		fmt.Fprint(out, formatSnapshot(s))
	})); err != nil {
		return fmt.Errorf("console: subscribe %s: %w", cfg.TopicTrackerSnapshot, err)
	}
	log.Printf("console: subscribed to %s", cfg.TopicTrackerSnapshot)

	<-ctx.Done()
	log.Println("console: shutting down")
	return nil
}

func formatEvent(e tracker.Event) string {
	head := fmt.Sprintf("[EVENT] %s #%d %s", e.Kind, e.TrackerID, e.Hardware)
	switch e.Kind {
	case tracker.EventStateChanged:
		return fmt.Sprintf("%s  %s -> %s", head, e.From, e.To)
	case tracker.EventFlagChanged:
		return fmt.Sprintf("%s  %s (was %s)", head, e.Flag, e.Previous)
	case tracker.EventProtocolViolation:
		return fmt.Sprintf("%s  %s seq=%d: %s", head, e.Message, e.Sequence, e.Reason)
	case tracker.EventStaleDropped:
		return fmt.Sprintf("%s  seq=%d", head, e.Sequence)
	default:
		return head
	}
}

func formatSnapshot(s SnapshotMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[SNAP]  %s  %d tracker(s)\n", s.Time.Format("15:04:05.000"), len(s.Trackers))
	for _, t := range s.Trackers {
		fmt.Fprintf(&b, "  #%-3d %-22s %-18s %-8s", t.ID, t.Hardware, t.State, t.SensorStatus)
		if t.Telemetry != nil {
			p := orientation.FromXYZW(t.Telemetry.Rotation).Pose()
			fmt.Fprintf(&b, "  ROLL=%7.2f  PITCH=%7.2f  YAW=%7.2f", p.Roll, p.Pitch, p.Yaw)
			if a := t.Telemetry.Acceleration; a != [3]float32{} {
				tilt := orientation.ComputePoseFromAccel(float64(a[0]), float64(a[1]), float64(a[2]))
				fmt.Fprintf(&b, "  TILT=%6.1f/%6.1f", tilt.Roll, tilt.Pitch)
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}
