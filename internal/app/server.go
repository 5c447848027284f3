// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/tracker_server/internal/config"
	"github.com/relabs-tech/tracker_server/internal/network"
	"github.com/relabs-tech/tracker_server/internal/store"
	"github.com/relabs-tech/tracker_server/internal/tracker"
)

// ServerDeps lets callers replace the pieces RunServer would otherwise
// build from the config. Zero values use the real implementations.
type ServerDeps struct {
	SocketFactory network.UDPSocketFactory
	// Ready, when set, receives the server once the UDP socket is bound.
	Ready func(*Server)
}

// Server is the running tracker server.
type Server struct {
	Registry *tracker.Registry
	Listener *network.Listener
	Hub      *Hub
	Commands FlagCommander

	events *eventDispatcher
	logger *slog.Logger
}

// RunServer runs the tracker server until ctx is cancelled. Cancellation
// returns nil; a bind or socket failure returns the transport error.
func RunServer(ctx context.Context, cfg *config.Config, logger *slog.Logger, deps ServerDeps) error {
	if logger == nil {
		logger = slog.Default()
	}

	opts := tracker.Options{
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		RemovalGrace:     cfg.RemovalGrace,
		MaxTrackers:      cfg.MaxTrackers,
		ReuseRemovedIDs:  cfg.ReuseRemovedIDs,
		Logger:           logger.With("component", "registry"),
	}

	var db *store.Store
	if cfg.DBPath != "" {
		var err error
		db, err = store.Open(cfg.DBPath, logger.With("component", "store"))
		if err != nil {
			return fmt.Errorf("open identity store: %w", err)
		}
		defer db.Close()
		opts.Identities, opts.NextID, err = db.Load(ctx)
		if err != nil {
			return fmt.Errorf("load identities: %w", err)
		}
		logger.Info("identity store loaded", "path", cfg.DBPath, "identities", len(opts.Identities), "next_id", opts.NextID)
	}

	events := newEventDispatcher(1024, logger.With("component", "events"))
	opts.Sink = events.Sink
	registry := tracker.NewRegistry(opts)

	listener := network.NewListener(network.ListenerConfig{
		Address:           cfg.UDPListenAddr,
		RcvBuf:            cfg.UDPRcvBuf,
		ScanInterval:      cfg.ScanInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		LogInterval:       cfg.StatsLogInterval,
		Registry:          registry,
		Logger:            logger.With("component", "udp"),
		SocketFactory:     deps.SocketFactory,
	})

	srv := &Server{
		Registry: registry,
		Listener: listener,
		Hub:      NewHub(256, 64),
		Commands: &commander{registry: registry, send: listener.Send},
		events:   events,
		logger:   logger,
	}

	if db != nil {
		events.Handle(func(ctx context.Context, e tracker.Event) {
			if err := db.Apply(ctx, e); err != nil {
				logger.Error("identity store update failed", "event", e, "err", err)
			}
		})
	}
	events.Handle(func(_ context.Context, e tracker.Event) {
		if e.Kind == tracker.EventStaleDropped {
			return
		}
		srv.Hub.Publish(WSMessage{Type: "event", Event: &e})
	})

	var mq *mqttLink
	if cfg.MQTTBroker != "" {
		var err error
		mq, err = srv.connectMQTT(cfg)
		if err != nil {
			return err
		}
	}

	// background work stops after the listener, so the last transitions
	// still reach the store and subscribers
	bgCtx, stopBackground := context.WithCancel(context.WithoutCancel(ctx))
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		srv.Hub.Run(bgCtx)
	}()
	go func() {
		defer wg.Done()
		events.Run(bgCtx)
	}()
	defer func() {
		events.Close()
		if mq != nil {
			mq.client.Disconnect(250)
		}
		stopBackground()
		wg.Wait()
	}()

	if mq != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mq.publisher.RunSnapshots(bgCtx, cfg.SnapshotPublishInterval, registry.Snapshot)
		}()
	}

	if cfg.WebServerPort > 0 {
		web := &WebServer{
			Trackers:  registry,
			Stats:     listener.Stats().Snapshot,
			Commands:  srv.Commands,
			Hub:       srv.Hub,
			StaticDir: "web",
			Logger:    logger.With("component", "web"),
		}
		httpSrv := &http.Server{
			Addr:              ":" + strconv.Itoa(cfg.WebServerPort),
			Handler:           web.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("web server listening", "addr", httpSrv.Addr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("web server failed", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(shutdownCtx)
		}()
	}

	if deps.Ready != nil {
		go func() {
			select {
			case <-listener.Ready():
				deps.Ready(srv)
			case <-bgCtx.Done():
			}
		}()
	}

	return listener.Start(ctx)
}

type mqttLink struct {
	client    mqtt.Client
	publisher *Publisher
}

// connectMQTT connects to the broker, registers the event publisher and
// subscribes to flag commands.
func (s *Server) connectMQTT(cfg *config.Config) (*mqttLink, error) {
	codec, err := NewPayloadCodec(cfg.MQTTPayloadFormat)
	if err != nil {
		return nil, err
	}
	client, err := dialMQTT(cfg, cfg.MQTTClientID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("connected to MQTT broker", "broker", cfg.MQTTBroker, "format", codec.Name())

	mqttLog := s.logger.With("component", "mqtt")
	if cfg.TopicFlagCommands != "" {
		tok := client.Subscribe(cfg.TopicFlagCommands, 1, flagCommandHandler(codec, s.Commands, mqttLog))
		if err := waitToken(tok); err != nil {
			client.Disconnect(250)
			return nil, fmt.Errorf("subscribe %s: %w", cfg.TopicFlagCommands, err)
		}
		s.logger.Info("subscribed to flag commands", "topic", cfg.TopicFlagCommands)
	}

	pub := NewPublisher(client, codec, cfg.TopicTrackerEvents, cfg.TopicTrackerSnapshot, mqttLog)
	s.events.Handle(pub.HandleEvent)
	return &mqttLink{client: client, publisher: pub}, nil
}
