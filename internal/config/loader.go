package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ConfigFileName  = "config.yaml"
	ConfigDirName   = ".browzer"
	GlobalConfigDir = ".config/browzer"
)

// Loader handles configuration loading and discovery
type Loader struct {
	startDir string
	path     string
}

// NewLoader creates a new config loader starting from the given directory
func NewLoader(startDir string) *Loader {
	if startDir == "" {
		var err error
		startDir, err = os.Getwd()
		if err != nil {
			startDir = "."
		}
	}

	return &Loader{
		startDir: startDir,
	}
}

// WithPath pins the loader to an explicit config file (the --config flag)
func (l *Loader) WithPath(path string) *Loader {
	l.path = path
	return l
}

// Load loads the configuration with environment variable overrides. A project
// without a config file runs on DefaultConfig.
func (l *Loader) Load() (*Config, error) {
	config := DefaultConfig()

	configPath := l.path
	if configPath == "" {
		configPath, _ = l.findConfigFile()
	}

	if configPath != "" {
		if err := l.loadFromFile(configPath, config); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
	}

	if err := l.applyEnvOverrides(config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// findConfigFile searches upward from the start directory for a config file
func (l *Loader) findConfigFile() (string, error) {
	dir := l.startDir

	for {
		configPath := filepath.Join(dir, ConfigDirName, ConfigFileName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	homeDir, err := os.UserHomeDir()
	if err == nil {
		globalConfig := filepath.Join(homeDir, GlobalConfigDir, ConfigFileName)
		if _, err := os.Stat(globalConfig); err == nil {
			return globalConfig, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched upward from %s)", l.startDir)
}

// loadFromFile decodes YAML over the defaults already in config
func (l *Loader) loadFromFile(configPath string, config *Config) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// applyEnvOverrides applies BROWZER_* environment variable overrides
func (l *Loader) applyEnvOverrides(config *Config) error {
	if host := os.Getenv("BROWZER_CHROME_HOST"); host != "" {
		config.Chrome.Host = host
	}
	if port := os.Getenv("BROWZER_CHROME_PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("BROWZER_CHROME_PORT: %w", err)
		}
		config.Chrome.Port = n
	}
	if v := os.Getenv("BROWZER_CHROME_HEADLESS"); v != "" {
		config.Chrome.Headless = parseBool(v)
	}
	if path := os.Getenv("BROWZER_CHROME_PATH"); path != "" {
		config.Chrome.ExecPath = path
	}

	if v := os.Getenv("BROWZER_VERIFICATION_DEADLINE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("BROWZER_VERIFICATION_DEADLINE: %w", err)
		}
		config.Recorder.VerificationDeadline = d
	}
	if v := os.Getenv("BROWZER_SNAPSHOTS"); v != "" {
		config.Recorder.Snapshots = parseBool(v)
	}

	if backend := os.Getenv("BROWZER_STORAGE_BACKEND"); backend != "" {
		config.Storage.Backend = backend
	}
	if dir := os.Getenv("BROWZER_STORAGE_DIR"); dir != "" {
		config.Storage.Dir = dir
	}
	if addr := os.Getenv("BROWZER_REDIS_ADDR"); addr != "" {
		config.Storage.RedisAddr = addr
	}

	if addr := os.Getenv("BROWZER_STREAM_ADDR"); addr != "" {
		config.Stream.Addr = addr
		config.Stream.Enabled = true
	}
	if addr := os.Getenv("BROWZER_METRICS_ADDR"); addr != "" {
		config.Metrics.Addr = addr
		config.Metrics.Enabled = true
	}

	if endpoint := os.Getenv("BROWZER_ENRICH_ENDPOINT"); endpoint != "" {
		config.Enrich.Endpoint = endpoint
	}
	if key := os.Getenv("BROWZER_ENRICH_API_KEY"); key != "" {
		config.Enrich.APIKey = key
	}

	return nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Save saves the configuration to the specified path
func (l *Loader) Save(config *Config, configPath string) error {
	config.Meta.UpdatedAt = time.Now()

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetConfigPath returns the path where a config file should be created
func (l *Loader) GetConfigPath() string {
	return filepath.Join(l.startDir, ConfigDirName, ConfigFileName)
}

// GetProjectRoot returns the directory containing the .browzer folder, or the
// start directory when no project config exists yet
func (l *Loader) GetProjectRoot() string {
	configPath, err := l.findConfigFile()
	if err != nil {
		return l.startDir
	}
	root := filepath.Dir(filepath.Dir(configPath))
	if home, err := os.UserHomeDir(); err == nil && strings.HasPrefix(configPath, filepath.Join(home, GlobalConfigDir)) {
		return l.startDir
	}
	return root
}

// ResolvePath makes a config-relative path absolute against the project root
func ResolvePath(root, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
