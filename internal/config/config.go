package config

import (
	"time"
)

// Config represents the complete browzer configuration
type Config struct {
	Chrome       ChromeConfig       `yaml:"chrome"`
	Recorder     RecorderConfig     `yaml:"recorder"`
	NetIdle      NetIdleConfig      `yaml:"netidle"`
	Executor     ExecutorConfig     `yaml:"executor"`
	Selectors    SelectorsConfig    `yaml:"selectors"`
	Analyzer     AnalyzerConfig     `yaml:"analyzer"`
	Significance SignificanceConfig `yaml:"significance"`
	Replay       ReplayConfig       `yaml:"replay"`
	Storage      StorageConfig      `yaml:"storage"`
	Stream       StreamConfig       `yaml:"stream"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Enrich       EnrichConfig       `yaml:"enrich"`
	Meta         MetaConfig         `yaml:"meta"`
}

// ChromeConfig controls how we reach a browser
type ChromeConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Launch       bool   `yaml:"launch"` // start a new Chrome instead of attaching
	Headless     bool   `yaml:"headless"`
	ExecPath     string `yaml:"exec_path,omitempty"`
	UserDataDir  string `yaml:"user_data_dir,omitempty"`
	WindowWidth  int    `yaml:"window_width"`
	WindowHeight int    `yaml:"window_height"`
	ScanPorts    []int  `yaml:"scan_ports,omitempty"`
}

// RecorderConfig holds capture engine timings
type RecorderConfig struct {
	VerificationDeadline time.Duration `yaml:"verification_deadline"`
	EffectWindow         time.Duration `yaml:"effect_window"`
	ScrollThreshold      float64       `yaml:"scroll_threshold"`
	Snapshots            bool          `yaml:"snapshots"`
	SnapshotDir          string        `yaml:"snapshot_dir"`
}

// NetIdleConfig holds network-idle defaults
type NetIdleConfig struct {
	IdleTime  time.Duration `yaml:"idle_time"`
	Timeout   time.Duration `yaml:"timeout"`
	Threshold int           `yaml:"threshold"`
}

// ExecutorConfig holds the synthetic input timings
type ExecutorConfig struct {
	SettleDelay time.Duration `yaml:"settle_delay"`
	MouseDelay  time.Duration `yaml:"mouse_delay"`
	KeyDelay    time.Duration `yaml:"key_delay"`
	Indicator   bool          `yaml:"indicator"`
}

// SelectorsConfig bounds the strategies persisted per step
type SelectorsConfig struct {
	MaxStrategies int `yaml:"max_strategies"`
}

// AnalyzerConfig holds the usefulness heuristics windows
type AnalyzerConfig struct {
	AccidentalClickWindow time.Duration `yaml:"accidental_click_window"`
	RedundantWindow       time.Duration `yaml:"redundant_window"`
	BacktrackWindow       time.Duration `yaml:"backtrack_window"`
	ScrollThreshold       float64       `yaml:"scroll_threshold"`
}

// SignificanceConfig decides which network requests count as action effects.
// Rules are expr expressions over a request environment (url, host, path,
// method, resource); any matching rule makes the request significant.
type SignificanceConfig struct {
	DenyHosts []string `yaml:"deny_hosts"`
	DenyPaths []string `yaml:"deny_paths"`
	Rules     []string `yaml:"rules"`
}

// ReplayConfig controls the workflow runner
type ReplayConfig struct {
	StepRetries int           `yaml:"step_retries"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	StepTimeout time.Duration `yaml:"step_timeout"`
	WaitForIdle bool          `yaml:"wait_for_idle"`
}

// StorageConfig selects the workflow store backend
type StorageConfig struct {
	Backend     string `yaml:"backend"` // file, sqlite, redis
	Dir         string `yaml:"dir"`
	SQLitePath  string `yaml:"sqlite_path"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
	RedisPrefix string `yaml:"redis_prefix"`
	CacheSize   int    `yaml:"cache_size"`
	Watch       bool   `yaml:"watch"`
}

// StreamConfig controls the live websocket event stream
type StreamConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// MetricsConfig controls the prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// EnrichConfig points at the optional annotation service. An empty endpoint
// disables enrichment.
type EnrichConfig struct {
	Endpoint      string        `yaml:"endpoint,omitempty"`
	APIKey        string        `yaml:"api_key,omitempty"`
	Timeout       time.Duration `yaml:"timeout"`
	Concurrency   int           `yaml:"concurrency"`
	MinConfidence float64       `yaml:"min_confidence"`
}

// MetaConfig holds metadata about the configuration
type MetaConfig struct {
	Version   string    `yaml:"version"`
	CreatedAt time.Time `yaml:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

// DefaultConfig returns a new config with sensible defaults
func DefaultConfig() *Config {
	now := time.Now()
	return &Config{
		Chrome: ChromeConfig{
			Host:         "localhost",
			Port:         9222,
			WindowWidth:  1280,
			WindowHeight: 800,
			ScanPorts:    []int{9222, 9223, 9224, 9225, 9229},
		},
		Recorder: RecorderConfig{
			VerificationDeadline: 500 * time.Millisecond,
			EffectWindow:         1500 * time.Millisecond,
			ScrollThreshold:      50,
			SnapshotDir:          ".browzer/snapshots",
		},
		NetIdle: NetIdleConfig{
			IdleTime:  500 * time.Millisecond,
			Timeout:   5 * time.Second,
			Threshold: 0,
		},
		Executor: ExecutorConfig{
			SettleDelay: 300 * time.Millisecond,
			MouseDelay:  50 * time.Millisecond,
			KeyDelay:    20 * time.Millisecond,
		},
		Selectors: SelectorsConfig{
			MaxStrategies: 8,
		},
		Analyzer: AnalyzerConfig{
			AccidentalClickWindow: 1000 * time.Millisecond,
			RedundantWindow:       2000 * time.Millisecond,
			BacktrackWindow:       5000 * time.Millisecond,
			ScrollThreshold:       50,
		},
		Significance: DefaultSignificance(),
		Replay: ReplayConfig{
			StepRetries: 2,
			RetryDelay:  500 * time.Millisecond,
			StepTimeout: 30 * time.Second,
			WaitForIdle: true,
		},
		Storage: StorageConfig{
			Backend:     "file",
			Dir:         ".browzer/workflows",
			SQLitePath:  ".browzer/browzer.db",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "browzer:",
			CacheSize:   128,
		},
		Stream: StreamConfig{
			Addr: "127.0.0.1:7878",
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
		},
		Enrich: EnrichConfig{
			Timeout:       10 * time.Second,
			Concurrency:   4,
			MinConfidence: 0.5,
		},
		Meta: MetaConfig{
			Version:   "1.0.0",
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
}

// DefaultSignificance is the stock request filter. Analytics and beacon traffic
// never counts; XHR/Fetch must look like an API call or change state; documents
// always count.
func DefaultSignificance() SignificanceConfig {
	return SignificanceConfig{
		DenyHosts: []string{
			"google-analytics.com",
			"googletagmanager.com",
			"doubleclick.net",
			"segment.io",
			"segment.com",
			"mixpanel.com",
			"hotjar.com",
			"amplitude.com",
			"facebook.net",
			"sentry.io",
			"newrelic.com",
			"nr-data.net",
			"intercom.io",
		},
		DenyPaths: []string{"/collect", "/beacon", "/track", "/analytics", "/pixel"},
		Rules: []string{
			`resource == "Document"`,
			`resource in ["XHR", "Fetch"] && method in ["POST", "PUT", "PATCH", "DELETE"]`,
			`resource in ["XHR", "Fetch"] && (path contains "/api/" || path contains "/graphql" || path contains "/rest/")`,
		},
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Chrome.Port <= 0 || c.Chrome.Port > 65535 {
		return NewValidationError("chrome.port must be between 1 and 65535")
	}
	if c.Recorder.VerificationDeadline <= 0 {
		return NewValidationError("recorder.verification_deadline must be positive")
	}
	if c.Recorder.EffectWindow < c.Recorder.VerificationDeadline {
		return NewValidationError("recorder.effect_window must not be shorter than the verification deadline")
	}
	if c.NetIdle.IdleTime <= 0 || c.NetIdle.Timeout <= 0 {
		return NewValidationError("netidle.idle_time and netidle.timeout must be positive")
	}
	if c.NetIdle.Threshold < 0 {
		return NewValidationError("netidle.threshold must not be negative")
	}
	if c.Selectors.MaxStrategies < 1 {
		return NewValidationError("selectors.max_strategies must be at least 1")
	}
	if c.Replay.StepRetries < 0 {
		return NewValidationError("replay.step_retries must not be negative")
	}

	switch c.Storage.Backend {
	case "file", "sqlite", "redis":
	default:
		return NewValidationError("storage.backend must be one of file, sqlite, redis: " + c.Storage.Backend)
	}

	return nil
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "config validation error: " + e.Message
}

// NewValidationError creates a new validation error
func NewValidationError(message string) error {
	return &ValidationError{Message: message}
}
