// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package config

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultPath is the config file the binaries read when no -config flag is
// given.
const DefaultPath = "tracker_config.txt"

// Config holds all application configuration values.
type Config struct {
	// UDP transport
	UDPListenAddr string
	UDPRcvBuf     int

	// Tracker lifecycle
	HeartbeatTimeout  time.Duration
	RemovalGrace      time.Duration
	ScanInterval      time.Duration
	HeartbeatInterval time.Duration
	MaxTrackers       int
	ReuseRemovedIDs   bool
	StatsLogInterval  time.Duration

	// Identity store. Empty keeps identities in memory only.
	DBPath string

	// MQTT. An empty broker disables publishing.
	MQTTBroker              string
	MQTTClientID            string
	MQTTClientIDConsole     string
	MQTTPayloadFormat       string // "json" or "cbor"
	SnapshotPublishInterval time.Duration

	// Topics
	TopicTrackerEvents   string
	TopicTrackerSnapshot string
	TopicFlagCommands    string

	// Web Server. 0 disables it.
	WebServerPort int

	// Logging
	LogLevel  string // debug, info, warn, error
	LogFormat string // text or json
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Default returns the configuration used for keys a file leaves out.
func Default() *Config {
	return &Config{
		UDPListenAddr:           ":6969",
		UDPRcvBuf:               1 << 20,
		HeartbeatTimeout:        3 * time.Second,
		RemovalGrace:            30 * time.Second,
		ScanInterval:            500 * time.Millisecond,
		HeartbeatInterval:       time.Second,
		MaxTrackers:             256,
		StatsLogInterval:        time.Minute,
		MQTTClientID:            "tracker-server",
		MQTTClientIDConsole:     "tracker-console",
		MQTTPayloadFormat:       "json",
		SnapshotPublishInterval: time.Second,
		TopicTrackerEvents:      "trackers/events",
		TopicTrackerSnapshot:    "trackers/snapshot",
		TopicFlagCommands:       "trackers/commands/flag",
		WebServerPort:           8080,
		LogLevel:                "info",
		LogFormat:               "text",
	}
}

// Load reads the configuration file on top of Default.
func Load(configPath string) (*Config, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()
	return Parse(file)
}

// Parse reads KEY=VALUE lines. Blank lines and lines starting with # are
// skipped.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if err := cfg.setValue(key, value); err != nil {
			return nil, fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseInt(key, value string, min int) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if v < min {
		return 0, fmt.Errorf("%s must be >= %d, got %d", key, min, v)
	}
	return v, nil
}

func parseMillis(key, value string) (time.Duration, error) {
	ms, err := parseInt(key, value, 1)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	var err error
	switch key {
	// UDP transport
	case "UDP_LISTEN_ADDR":
		if _, _, err := net.SplitHostPort(value); err != nil {
			return fmt.Errorf("invalid UDP_LISTEN_ADDR %q: %w", value, err)
		}
		c.UDPListenAddr = value
	case "UDP_RCV_BUF":
		c.UDPRcvBuf, err = parseInt(key, value, 0)

	// Tracker lifecycle
	case "HEARTBEAT_TIMEOUT_MS":
		c.HeartbeatTimeout, err = parseMillis(key, value)
	case "REMOVAL_GRACE_MS":
		c.RemovalGrace, err = parseMillis(key, value)
	case "SCAN_INTERVAL_MS":
		c.ScanInterval, err = parseMillis(key, value)
	case "HEARTBEAT_INTERVAL_MS":
		c.HeartbeatInterval, err = parseMillis(key, value)
	case "MAX_TRACKERS":
		c.MaxTrackers, err = parseInt(key, value, 1)
	case "REUSE_REMOVED_IDS":
		c.ReuseRemovedIDs, err = strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid REUSE_REMOVED_IDS %q: %w", value, err)
		}
	case "STATS_LOG_INTERVAL_MS":
		c.StatsLogInterval, err = parseMillis(key, value)

	case "DB_PATH":
		c.DBPath = value

	// MQTT
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID":
		c.MQTTClientID = value
	case "MQTT_CLIENT_ID_CONSOLE":
		c.MQTTClientIDConsole = value
	case "MQTT_PAYLOAD_FORMAT":
		if value != "json" && value != "cbor" {
			return fmt.Errorf("MQTT_PAYLOAD_FORMAT must be json or cbor, got %q", value)
		}
		c.MQTTPayloadFormat = value
	case "SNAPSHOT_PUBLISH_INTERVAL_MS":
		c.SnapshotPublishInterval, err = parseMillis(key, value)

	// Topics
	case "TOPIC_TRACKER_EVENTS":
		c.TopicTrackerEvents = value
	case "TOPIC_TRACKER_SNAPSHOT":
		c.TopicTrackerSnapshot = value
	case "TOPIC_FLAG_COMMANDS":
		c.TopicFlagCommands = value

	// Web Server
	case "WEB_SERVER_PORT":
		c.WebServerPort, err = parseInt(key, value, 0)
		if err == nil && c.WebServerPort > 65535 {
			err = fmt.Errorf("WEB_SERVER_PORT must be <= 65535, got %d", c.WebServerPort)
		}

	// Logging
	case "LOG_LEVEL":
		switch value {
		case "debug", "info", "warn", "error":
			c.LogLevel = value
		default:
			return fmt.Errorf("LOG_LEVEL must be debug, info, warn or error, got %q", value)
		}
	case "LOG_FORMAT":
		if value != "text" && value != "json" {
			return fmt.Errorf("LOG_FORMAT must be text or json, got %q", value)
		}
		c.LogFormat = value

	default:
		return fmt.Errorf("unknown config key: %q", key)
	}
	return err
}

// validate checks values that depend on each other.
func (c *Config) validate() error {
	if c.UDPListenAddr == "" {
		return fmt.Errorf("UDP_LISTEN_ADDR is required")
	}
	if c.ScanInterval > c.HeartbeatTimeout {
		return fmt.Errorf("SCAN_INTERVAL_MS (%v) must not exceed HEARTBEAT_TIMEOUT_MS (%v)", c.ScanInterval, c.HeartbeatTimeout)
	}
	if c.HeartbeatInterval >= c.HeartbeatTimeout {
		return fmt.Errorf("HEARTBEAT_INTERVAL_MS (%v) must be below HEARTBEAT_TIMEOUT_MS (%v)", c.HeartbeatInterval, c.HeartbeatTimeout)
	}
	if c.MQTTBroker != "" {
		if c.MQTTClientID == "" {
			return fmt.Errorf("MQTT_CLIENT_ID is required when MQTT_BROKER is set")
		}
		if c.TopicTrackerEvents == "" || c.TopicTrackerSnapshot == "" {
			return fmt.Errorf("TOPIC_TRACKER_EVENTS and TOPIC_TRACKER_SNAPSHOT are required when MQTT_BROKER is set")
		}
	}
	return nil
}

// InitGlobal initializes the global configuration from file. An empty path
// uses Default. Only the first call has an effect.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		if configPath == "" {
			globalConfig = Default()
			return
		}
		globalConfig, err = Load(configPath)
	})
	return err
}

// Get returns the global configuration instance.
// InitGlobal must be called first, or this will return nil.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
