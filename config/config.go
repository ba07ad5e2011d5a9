package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "resqmesh"
	// DefaultListeningPort is the TCP port used when no user override exists.
	DefaultListeningPort = 9999
	// DefaultAPIAddress is where the local operator API listens.
	DefaultAPIAddress = "127.0.0.1:8787"
	// DefaultMQTTTopic is the topic prefix for MQTT uplink reports.
	DefaultMQTTTopic = "resqmesh/sos"
	// DefaultLogLevel is used when no level is configured.
	DefaultLogLevel = "info"
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"

	envPrefix = "RESQMESH_"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID      string `json:"device_id"`
	DeviceName    string `json:"device_name"`
	PortMode      string `json:"port_mode"`
	ListeningPort int    `json:"listening_port"`
	APIAddress    string `json:"api_address"`
	UplinkURL     string `json:"uplink_url,omitempty"`
	MQTTBroker    string `json:"mqtt_broker,omitempty"`
	MQTTTopic     string `json:"mqtt_topic,omitempty"`
	MQTTUsername  string `json:"mqtt_username,omitempty"`
	MQTTPassword  string `json:"mqtt_password,omitempty"`
	LogLevel      string `json:"log_level"`
	// Static location used when the host has no positioning source.
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
	AutoActive  bool     `json:"auto_active"`
	MessageText string   `json:"message_text,omitempty"`
}

// HasStaticLocation reports whether both coordinates are configured.
func (c *DeviceConfig) HasStaticLocation() bool {
	return c.Latitude != nil && c.Longitude != nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If RESQMESH_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(envPrefix + "DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory if needed.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// LoadEnv reads .env files into the process environment. Missing files are not an error.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var existing []string
	for _, file := range files {
		if _, err := os.Stat(file); err == nil {
			existing = append(existing, file)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
// RESQMESH_* environment variables override the stored values without being persisted.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	} else if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, "", err
	}
	return cfg, cfgPath, nil
}

func defaultConfig() *DeviceConfig {
	cfg := &DeviceConfig{}
	normalizeDefaults(cfg)
	return cfg
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "ResQ Mesh Device"
}

func normalizeDefaults(cfg *DeviceConfig) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}

	if cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	if cfg.APIAddress == "" {
		cfg.APIAddress = DefaultAPIAddress
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}
	if cfg.MQTTBroker != "" && cfg.MQTTTopic == "" {
		cfg.MQTTTopic = DefaultMQTTTopic
		updated = true
	}

	return updated
}

func applyEnvOverrides(cfg *DeviceConfig) error {
	textFields := map[string]*string{
		"DEVICE_NAME":   &cfg.DeviceName,
		"API_ADDRESS":   &cfg.APIAddress,
		"UPLINK_URL":    &cfg.UplinkURL,
		"MQTT_BROKER":   &cfg.MQTTBroker,
		"MQTT_TOPIC":    &cfg.MQTTTopic,
		"MQTT_USERNAME": &cfg.MQTTUsername,
		"MQTT_PASSWORD": &cfg.MQTTPassword,
		"LOG_LEVEL":     &cfg.LogLevel,
		"MESSAGE_TEXT":  &cfg.MessageText,
	}
	for key, target := range textFields {
		if value := os.Getenv(envPrefix + key); value != "" {
			*target = value
		}
	}

	if value := os.Getenv(envPrefix + "PORT"); value != "" {
		port, err := strconv.Atoi(value)
		if err != nil || port < 0 || port > 65535 {
			return fmt.Errorf("invalid %sPORT %q", envPrefix, value)
		}
		cfg.ListeningPort = port
		cfg.PortMode = PortModeFixed
		if port == 0 {
			cfg.PortMode = PortModeAutomatic
		}
	}

	for key, target := range map[string]**float64{"LATITUDE": &cfg.Latitude, "LONGITUDE": &cfg.Longitude} {
		value := os.Getenv(envPrefix + key)
		if value == "" {
			continue
		}
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid %s%s %q: %w", envPrefix, key, value, err)
		}
		*target = &parsed
	}

	if value := os.Getenv(envPrefix + "AUTO_ACTIVE"); value != "" {
		active, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid %sAUTO_ACTIVE %q: %w", envPrefix, value, err)
		}
		cfg.AutoActive = active
	}

	if cfg.MQTTBroker != "" && cfg.MQTTTopic == "" {
		cfg.MQTTTopic = DefaultMQTTTopic
	}
	return nil
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}
