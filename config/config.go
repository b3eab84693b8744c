package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "peerlink"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "PEERLINK_DATA_DIR"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	// databaseFileName is the default message store file.
	databaseFileName = "peerlink.db"
	// defaultDeviceName is used when the hostname is unavailable.
	defaultDeviceName = "PeerLink Device"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID     string     `json:"device_id"`
	DeviceName   string     `json:"device_name"`
	UserID       string     `json:"user_id"`
	DisplayName  string     `json:"display_name"`
	PhotoPath    string     `json:"photo_path,omitempty"`
	DatabasePath string     `json:"database_path"`
	Link         LinkConfig `json:"link"`
	Log          LogConfig  `json:"log"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `json:"level"`
	// Format: console or json
	Format string `json:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `json:"outputs"`

	Rotation    RotationConfig `json:"rotation"`
	Development bool           `json:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `json:"enable"`
	Filename   string `json:"filename,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If PEERLINK_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
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

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "logs"),
		filepath.Join(dataDir, "images"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
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

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}
	if err := cfg.Link.Validate(); err != nil {
		return nil, "", fmt.Errorf("config %q: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

func hostDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return defaultDeviceName
}

func defaultConfig(dataDir string) *DeviceConfig {
	deviceName := hostDeviceName()
	return &DeviceConfig{
		DeviceID:     uuid.NewString(),
		DeviceName:   deviceName,
		UserID:       uuid.NewString(),
		DisplayName:  deviceName,
		DatabasePath: filepath.Join(dataDir, databaseFileName),
		Link:         DefaultLinkConfig(),
		Log:          defaultLogConfig(dataDir),
	}
}

func defaultLogConfig(dataDir string) LogConfig {
	return LogConfig{
		Level:   "info",
		Format:  "console",
		Outputs: []string{"stderr"},
		Rotation: RotationConfig{
			Filename:   filepath.Join(dataDir, "logs", "peerlink.log"),
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
	}
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = hostDeviceName()
		updated = true
	}
	if cfg.UserID == "" {
		cfg.UserID = uuid.NewString()
		updated = true
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = cfg.DeviceName
		updated = true
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(dataDir, databaseFileName)
		updated = true
	}
	if cfg.Link.normalize() {
		updated = true
	}

	logDefaults := defaultLogConfig(dataDir)
	if cfg.Log.Level == "" {
		cfg.Log.Level = logDefaults.Level
		updated = true
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = logDefaults.Format
		updated = true
	}
	if len(cfg.Log.Outputs) == 0 {
		cfg.Log.Outputs = logDefaults.Outputs
		updated = true
	}

	return updated
}
