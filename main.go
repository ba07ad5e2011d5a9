package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"resqmesh/api"
	"resqmesh/config"
	"resqmesh/location"
	"resqmesh/logging"
	"resqmesh/mesh"
	"resqmesh/network"
	"resqmesh/storage"
	"resqmesh/uplink"
)

const shutdownTimeout = 5 * time.Second

type flags struct {
	envFile    string
	apiAddress string
	port       int
	logLevel   string
	uplinkURL  string
	mqttBroker string
	active     bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "resqmesh",
		Short: "Offline-first emergency relay over the local mesh",
		Long: `resqmesh broadcasts distress messages to nearby devices, relays what it hears,
and uploads everything it holds once any uplink becomes reachable.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, f)
		},
	}

	cmd.Flags().StringVar(&f.envFile, "env-file", ".env", "environment file loaded before the config")
	cmd.Flags().StringVar(&f.apiAddress, "api", "", "operator API listen address")
	cmd.Flags().IntVar(&f.port, "port", -1, "mesh listening port (0 picks a free port)")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&f.uplinkURL, "uplink-url", "", "HTTP ingestion endpoint")
	cmd.Flags().StringVar(&f.mqttBroker, "mqtt-broker", "", "MQTT broker URL")
	cmd.Flags().BoolVar(&f.active, "active", false, "activate the mesh at startup")
	return cmd
}

// applyFlags overrides loaded config with explicitly set flags.
func applyFlags(cmd *cobra.Command, f flags, cfg *config.DeviceConfig) {
	if cmd.Flags().Changed("api") {
		cfg.APIAddress = f.apiAddress
	}
	if cmd.Flags().Changed("port") && f.port >= 0 {
		cfg.ListeningPort = f.port
		cfg.PortMode = config.PortModeFixed
		if f.port == 0 {
			cfg.PortMode = config.PortModeAutomatic
		}
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if cmd.Flags().Changed("uplink-url") {
		cfg.UplinkURL = f.uplinkURL
	}
	if cmd.Flags().Changed("mqtt-broker") {
		cfg.MQTTBroker = f.mqttBroker
		if cfg.MQTTTopic == "" {
			cfg.MQTTTopic = config.DefaultMQTTTopic
		}
	}
	if cmd.Flags().Changed("active") {
		cfg.AutoActive = f.active
	}
}

func run(cmd *cobra.Command, f flags) error {
	if err := config.LoadEnv(f.envFile); err != nil {
		return err
	}
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlags(cmd, f, cfg)

	log := logging.New(cfg.LogLevel, os.Stderr)
	dataDir := filepath.Dir(cfgPath)
	log.WithFields(logrus.Fields{
		"device_id":   cfg.DeviceID,
		"device_name": cfg.DeviceName,
		"config":      cfgPath,
	}).Info("starting resqmesh")

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Warn("journal close failed")
		}
	}()
	log.WithField("path", dbPath).Info("journal opened")

	listenPort := 0
	if cfg.PortMode == config.PortModeFixed {
		listenPort = cfg.ListeningPort
	}
	transport, err := network.NewTransport(network.Options{
		DeviceID:      cfg.DeviceID,
		DeviceName:    cfg.DeviceName,
		ListenAddress: net.JoinHostPort("", strconv.Itoa(listenPort)),
		Logger:        log,
	})
	if err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	defer func() {
		if err := transport.Close(); err != nil {
			log.WithError(err).Warn("transport close failed")
		}
	}()
	log.WithField("port", transport.Port()).Info("mesh transport listening")

	chain, closeUplinks, err := buildUplinks(cfg, log)
	if err != nil {
		return err
	}
	defer closeUplinks()

	var provider mesh.LocationProvider = location.Unavailable{}
	if cfg.HasStaticLocation() {
		provider = location.NewStatic(*cfg.Latitude, *cfg.Longitude)
	}

	session, err := mesh.NewSession(mesh.SessionOptions{
		DeviceID:    cfg.DeviceID,
		Transport:   transport,
		Location:    provider,
		Uploader:    chain,
		Journal:     store,
		Logger:      log,
		MessageText: cfg.MessageText,
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer session.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	if cfg.AutoActive {
		if err := session.Activate(); err != nil {
			return fmt.Errorf("activate session: %w", err)
		}
	}

	server := api.NewServer(session, log)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Start(cfg.APIAddress)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("operator api: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.WithError(err).Warn("operator api shutdown failed")
	}
	return nil
}

// buildUplinks assembles the configured uploaders, HTTP first.
func buildUplinks(cfg *config.DeviceConfig, log logrus.FieldLogger) (uplink.Chain, func(), error) {
	var chain uplink.Chain
	closers := []func() error{}

	if cfg.UplinkURL != "" {
		uploader, err := uplink.NewHTTPUploader(cfg.UplinkURL, cfg.DeviceID, 0, log)
		if err != nil {
			return nil, nil, err
		}
		chain = append(chain, uploader)
	}
	if cfg.MQTTBroker != "" {
		uploader, err := uplink.NewMQTTUploader(uplink.MQTTOptions{
			Broker:   cfg.MQTTBroker,
			ClientID: "resqmesh-" + cfg.DeviceID,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
			Topic:    cfg.MQTTTopic,
			DeviceID: cfg.DeviceID,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		chain = append(chain, uploader)
		closers = append(closers, uploader.Close)
	}
	if len(chain) == 0 {
		log.Warn("no uplink configured, messages will only be relayed over the mesh")
	}

	return chain, func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				log.WithError(err).Warn("uplink close failed")
			}
		}
	}, nil
}
