package main

import (
	"testing"

	"resqmesh/config"
	"resqmesh/logging"
)

func TestApplyFlagsOverridesOnlyChangedFlags(t *testing.T) {
	cmd := newRootCommand()
	if err := cmd.ParseFlags([]string{"--port", "0", "--mqtt-broker", "tcp://broker:1883", "--active"}); err != nil {
		t.Fatalf("ParseFlags failed: %v", err)
	}

	cfg := &config.DeviceConfig{
		PortMode:      config.PortModeFixed,
		ListeningPort: 9999,
		APIAddress:    "127.0.0.1:9000",
		LogLevel:      "warn",
	}
	f := flags{port: 0, mqttBroker: "tcp://broker:1883", active: true, apiAddress: "ignored"}
	applyFlags(cmd, f, cfg)

	if cfg.PortMode != config.PortModeAutomatic || cfg.ListeningPort != 0 {
		t.Fatalf("expected automatic port, got %s %d", cfg.PortMode, cfg.ListeningPort)
	}
	if cfg.MQTTBroker != "tcp://broker:1883" || cfg.MQTTTopic != config.DefaultMQTTTopic {
		t.Fatalf("unexpected mqtt config %q %q", cfg.MQTTBroker, cfg.MQTTTopic)
	}
	if !cfg.AutoActive {
		t.Fatalf("expected auto active")
	}
	if cfg.APIAddress != "127.0.0.1:9000" || cfg.LogLevel != "warn" {
		t.Fatalf("unchanged flags must not override config: %+v", cfg)
	}
}

func TestBuildUplinksOrdersHTTPBeforeMQTT(t *testing.T) {
	cfg := &config.DeviceConfig{
		DeviceID:   "device-a",
		UplinkURL:  "http://ingest.invalid/reports",
		MQTTBroker: "tcp://broker.invalid:1883",
		MQTTTopic:  config.DefaultMQTTTopic,
	}
	chain, closeUplinks, err := buildUplinks(cfg, logging.Discard())
	if err != nil {
		t.Fatalf("buildUplinks failed: %v", err)
	}
	defer closeUplinks()
	if len(chain) != 2 {
		t.Fatalf("expected two uploaders, got %d", len(chain))
	}

	empty, closeEmpty, err := buildUplinks(&config.DeviceConfig{DeviceID: "device-a"}, logging.Discard())
	if err != nil {
		t.Fatalf("buildUplinks failed: %v", err)
	}
	closeEmpty()
	if len(empty) != 0 {
		t.Fatalf("expected empty chain, got %d", len(empty))
	}
}
