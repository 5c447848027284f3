// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/tracker_server/internal/config"
	"github.com/relabs-tech/tracker_server/internal/tracker"
)

const mqttWaitTimeout = 5 * time.Second

// mqttPublishClient is the part of mqtt.Client the publisher needs.
type mqttPublishClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// SnapshotMessage is the payload published on the snapshot topic.
type SnapshotMessage struct {
	Time     time.Time          `json:"time"`
	Trackers []tracker.Snapshot `json:"trackers"`
}

// Publisher sends tracker events and periodic registry snapshots to MQTT.
type Publisher struct {
	client        mqttPublishClient
	codec         PayloadCodec
	eventsTopic   string
	snapshotTopic string
	logger        *slog.Logger
}

func NewPublisher(client mqttPublishClient, codec PayloadCodec, eventsTopic, snapshotTopic string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		client:        client,
		codec:         codec,
		eventsTopic:   eventsTopic,
		snapshotTopic: snapshotTopic,
		logger:        logger,
	}
}

func waitToken(tok mqtt.Token) error {
	if !tok.WaitTimeout(mqttWaitTimeout) {
		return fmt.Errorf("mqtt: timed out after %v", mqttWaitTimeout)
	}
	return tok.Error()
}

// PublishEvent publishes e on <events topic>/<kind>.
func (p *Publisher) PublishEvent(e tracker.Event) error {
	payload, err := p.codec.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	topic := p.eventsTopic + "/" + e.Kind.String()
	if err := waitToken(p.client.Publish(topic, 0, false, payload)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// PublishSnapshot publishes the full registry as a retained message so new
// subscribers start from the current state.
func (p *Publisher) PublishSnapshot(now time.Time, trackers []tracker.Snapshot) error {
	payload, err := p.codec.Marshal(SnapshotMessage{Time: now, Trackers: trackers})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := waitToken(p.client.Publish(p.snapshotTopic, 0, true, payload)); err != nil {
		return fmt.Errorf("publish %s: %w", p.snapshotTopic, err)
	}
	return nil
}

// HandleEvent adapts PublishEvent to the event dispatcher. Stale drops are
// too frequent to be worth a broker round trip.
func (p *Publisher) HandleEvent(_ context.Context, e tracker.Event) {
	if e.Kind == tracker.EventStaleDropped {
		return
	}
	if err := p.PublishEvent(e); err != nil {
		p.logger.Warn("mqtt event publish failed", "kind", e.Kind, "err", err)
	}
}

// RunSnapshots publishes source() every interval until ctx is cancelled.
func (p *Publisher) RunSnapshots(ctx context.Context, interval time.Duration, source func() []tracker.Snapshot) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			if err := p.PublishSnapshot(t, source()); err != nil {
				p.logger.Warn("mqtt snapshot publish failed", "err", err)
			}
		}
	}
}

// flagCommandHandler decodes flag commands from the command topic and
// forwards them to the commander.
func flagCommandHandler(codec PayloadCodec, cmd FlagCommander, logger *slog.Logger) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		var c FlagCommand
		if err := codec.Unmarshal(msg.Payload(), &c); err != nil {
			logger.Warn("flag command decode failed", "topic", msg.Topic(), "err", err)
			return
		}
		if err := cmd.SetFlag(c); err != nil {
			logger.Warn("flag command rejected", "tracker", c.TrackerID, "flag", c.Flag, "err", err)
			return
		}
		logger.Info("flag command sent", "tracker", c.TrackerID, "flag", c.Flag, "state", c.State)
	}
}

// dialMQTT connects a client with the given id to cfg.MQTTBroker.
func dialMQTT(cfg *config.Config, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(mqttWaitTimeout)

	client := mqtt.NewClient(opts)
	if err := waitToken(client.Connect()); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.MQTTBroker, err)
	}
	return client, nil
}
