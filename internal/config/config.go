// Package config loads and validates the proxy's static configuration.
//
// Configuration sources, in order of precedence:
//  1. Environment variables (OIGPROXY_*)
//  2. Configuration file (YAML)
//  3. Default values (lowest priority)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the proxy's complete static configuration.
//
// Every externally tunable key has a field here, grouped by the
// component it drives. Dynamic state (control whitelist values,
// hybrid timers) may be hot-reloaded; connection-affecting keys
// (BoxListener, CloudSession, Bus) require a restart to take effect.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing.
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// Metrics contains Prometheus metrics server configuration.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// BoxListener configures the BOX-facing TCP listener.
	BoxListener BoxListenerConfig `mapstructure:"box_listener" yaml:"box_listener"`

	// CloudSession configures the outbound TCP connection to the vendor cloud.
	CloudSession CloudSessionConfig `mapstructure:"cloud_session" yaml:"cloud_session"`

	// Hybrid configures the online/hybrid/offline state machine.
	Hybrid HybridConfig `mapstructure:"hybrid" yaml:"hybrid"`

	// Queue configures the persisted bus replay queue.
	Queue QueueConfig `mapstructure:"queue" yaml:"queue"`

	// Bus configures the MQTT-shaped message bus client.
	Bus BusConfig `mapstructure:"bus" yaml:"bus"`

	// Status configures the periodic status/heartbeat reporter.
	Status StatusConfig `mapstructure:"status" yaml:"status"`

	// Control configures the remote control-write pipeline.
	Control ControlConfig `mapstructure:"control" yaml:"control"`

	// ControlAPI configures the thin HTTP wrapper over the control pipeline.
	ControlAPI ControlAPIConfig `mapstructure:"control_api" yaml:"control_api"`

	// DataDir is the base directory for all persisted state: the replay
	// queue's BadgerDB directory, MODE/PRMS JSON snapshots, and the
	// pending-control-request JSON list.
	DataDir string `mapstructure:"data_dir" validate:"required" yaml:"data_dir"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive).
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format.
	// Valid values: text, json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written: stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing.
type TelemetryConfig struct {
	// Enabled controls whether distributed tracing is enabled.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP collector endpoint (host:port).
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Insecure controls whether to use an insecure (non-TLS) connection.
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate controls the trace sampling rate (0.0 to 1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
type MetricsConfig struct {
	// Enabled controls whether metrics collection and the HTTP server are active.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the metrics endpoint.
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// BoxListenerConfig configures the BOX-facing TCP listener.
type BoxListenerConfig struct {
	// Host is the bind address for incoming BOX connections.
	Host string `mapstructure:"listen_host" validate:"required" yaml:"listen_host"`

	// Port is the bind port for incoming BOX connections.
	Port int `mapstructure:"listen_port" validate:"required,min=1,max=65535" yaml:"listen_port"`

	// IdleTimeout closes a BOX connection that sends nothing for this long.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"required,gt=0" yaml:"idle_timeout"`
}

// CloudSessionConfig configures the outbound connection to the vendor cloud endpoint.
type CloudSessionConfig struct {
	// Host is the cloud endpoint's hostname or address.
	Host string `mapstructure:"cloud_host" validate:"required" yaml:"cloud_host"`

	// Port is the cloud endpoint's TCP port.
	Port int `mapstructure:"cloud_port" validate:"required,min=1,max=65535" yaml:"cloud_port"`

	// ConnectTimeout bounds how long a connect attempt may take.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout_s" validate:"required,gt=0" yaml:"connect_timeout_s"`

	// AckTimeout bounds how long to wait for the cloud's ACK frame.
	AckTimeout time.Duration `mapstructure:"ack_timeout_s" validate:"required,gt=0" yaml:"ack_timeout_s"`

	// MinReconnect is the floor of the reconnect backoff.
	MinReconnect time.Duration `mapstructure:"min_reconnect_s" validate:"required,gt=0" yaml:"min_reconnect_s"`

	// MaxReconnect is the ceiling of the reconnect backoff.
	MaxReconnect time.Duration `mapstructure:"max_reconnect_s" validate:"required,gtefield=MinReconnect" yaml:"max_reconnect_s"`
}

// ProxyMode selects whether the proxy prefers the cloud, falls back to a
// local synthesizer, or never attempts the cloud at all.
type ProxyMode string

const (
	ProxyModeOnline  ProxyMode = "online"
	ProxyModeHybrid  ProxyMode = "hybrid"
	ProxyModeOffline ProxyMode = "offline"
)

// HybridConfig configures the online/hybrid/offline state machine.
// FailThreshold and RetryInterval are hot-reloadable; a change to Mode
// takes effect after a restart.
type HybridConfig struct {
	// Mode selects the startup proxy mode.
	Mode ProxyMode `mapstructure:"proxy_mode" validate:"required,oneof=online hybrid offline" yaml:"proxy_mode"`

	// FailThreshold is the number of consecutive cloud failures before the
	// machine demotes from online/hybrid-ok to hybrid-offline.
	FailThreshold int `mapstructure:"hybrid_fail_threshold" validate:"required,gt=0" yaml:"hybrid_fail_threshold"`

	// RetryInterval is the fixed window between retrying the cloud while
	// in hybrid-offline.
	RetryInterval time.Duration `mapstructure:"hybrid_retry_interval" validate:"required,gt=0" yaml:"hybrid_retry_interval"`

	// ConnectTimeout is defaulted and validated but not read by the proxy:
	// every cloud connect attempt, including the retry made from
	// hybrid-offline, is bounded by CloudSessionConfig.ConnectTimeout.
	ConnectTimeout time.Duration `mapstructure:"hybrid_connect_timeout" validate:"required,gt=0" yaml:"hybrid_connect_timeout"`
}

// QueueConfig configures the persisted bounded FIFO backing bus replay.
type QueueConfig struct {
	// DBPath is the BadgerDB directory for the queue, relative to DataDir
	// unless absolute.
	DBPath string `mapstructure:"mqtt_queue_db_path" validate:"required" yaml:"mqtt_queue_db_path"`

	// MaxSize is the maximum number of entries retained; the oldest entry
	// is evicted when a new one would exceed it.
	MaxSize int `mapstructure:"mqtt_queue_max_size" validate:"required,gt=0" yaml:"mqtt_queue_max_size"`

	// ReplayRate paces replay-on-reconnect: at most one entry dispatched
	// per tick of this duration.
	ReplayRate time.Duration `mapstructure:"mqtt_replay_rate" validate:"required,gt=0" yaml:"mqtt_replay_rate"`
}

// BusConfig configures the MQTT-shaped message bus client.
type BusConfig struct {
	Host      string `mapstructure:"mqtt_host" validate:"required" yaml:"mqtt_host"`
	Port      int    `mapstructure:"mqtt_port" validate:"required,min=1,max=65535" yaml:"mqtt_port"`
	User      string `mapstructure:"mqtt_user" yaml:"mqtt_user,omitempty"`
	Pass      string `mapstructure:"mqtt_pass" yaml:"mqtt_pass,omitempty"`
	Namespace string `mapstructure:"mqtt_namespace" validate:"required" yaml:"mqtt_namespace"`
	QoS       int    `mapstructure:"mqtt_qos" validate:"gte=0,lte=2" yaml:"mqtt_qos"`
	DeviceID  string `mapstructure:"device_id" validate:"required" yaml:"device_id"`
}

// StatusConfig configures the periodic status snapshot and heartbeat.
// Read once at startup; a change takes effect after a restart.
type StatusConfig struct {
	// IntervalSeconds is the period between status snapshots and heartbeat
	// log lines. A 60s floor applies regardless of configured value.
	IntervalSeconds int `mapstructure:"status_interval_s" validate:"required,min=60" yaml:"status_interval_s"`
}

// ControlConfig configures the remote control-write pipeline.
// Whitelist is hot-reloadable; the timers are read once at startup and a
// change to them takes effect after a restart.
type ControlConfig struct {
	// Whitelist maps table name to the set of item names that may be
	// written remotely. An item absent from its table's list is rejected
	// with not_allowed.
	Whitelist map[string][]string `mapstructure:"control_whitelist" yaml:"control_whitelist"`

	MaxAttempts     int           `mapstructure:"control_max_attempts" validate:"required,gt=0" yaml:"control_max_attempts"`
	RetryDelay      time.Duration `mapstructure:"control_retry_delay_s" validate:"required,gt=0" yaml:"control_retry_delay_s"`
	BoxReadyTimeout time.Duration `mapstructure:"control_box_ready_s" validate:"required,gt=0" yaml:"control_box_ready_s"`
	AckTimeout      time.Duration `mapstructure:"control_ack_timeout_s" validate:"required,gt=0" yaml:"control_ack_timeout_s"`
	AppliedTimeout  time.Duration `mapstructure:"control_applied_timeout_s" validate:"required,gt=0" yaml:"control_applied_timeout_s"`
	ModeQuiet       time.Duration `mapstructure:"control_mode_quiet_s" validate:"required,gt=0" yaml:"control_mode_quiet_s"`
}

// ControlAPIConfig configures the control HTTP endpoint (GET /api/health,
// POST /api/setting).
type ControlAPIConfig struct {
	// Enabled controls whether the HTTP wrapper listens at all.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP listen port.
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// Load loads configuration from file, environment, and defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !found {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages when the file
// is missing, pointing the operator at `oigproxy init`.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  oigproxy init\n\n"+
				"Or specify a custom config file:\n"+
				"  oigproxy <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s\n\n"+
			"Please create the configuration file:\n"+
			"  oigproxy init --config %s",
			configPath, configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

var validate = validator.New()

// Validate checks struct tags on Config and returns a descriptive error
// naming every failing field.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return describeValidationError(err)
	}
	return nil
}

func describeValidationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q validation", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

// SaveConfig saves the configuration to the specified file path in YAML,
// writing to a temp file in the same directory and renaming over the
// destination so a reader never observes a partial write.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.yaml.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp config file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename config file into place: %w", err)
	}

	return nil
}

// setupViper configures viper with environment variable and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("OIGPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists. Returns
// (found, error); a missing file is not an error.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks combines the custom mapstructure decode hooks this
// config needs: human-readable durations on top of viper's own handling.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
	)
}

// durationDecodeHook converts strings like "30s", "5m" to time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory: $XDG_CONFIG_HOME/oigproxy,
// falling back to ~/.config/oigproxy, or "." if the home directory cannot
// be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "oigproxy")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "oigproxy")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path.
func GetConfigDir() string {
	return getConfigDir()
}
