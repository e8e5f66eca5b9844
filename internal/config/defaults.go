package config

import "time"

// ApplyDefaults fills in zero-valued fields with sane defaults. Called
// after unmarshaling so a config file only needs to specify the keys it
// wants to override.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyMetricsDefaults(&cfg.Metrics)
	applyBoxListenerDefaults(&cfg.BoxListener)
	applyCloudSessionDefaults(&cfg.CloudSession)
	applyHybridDefaults(&cfg.Hybrid)
	applyQueueDefaults(&cfg.Queue)
	applyBusDefaults(&cfg.Bus)
	applyStatusDefaults(&cfg.Status)
	applyControlDefaults(&cfg.Control)
	applyControlAPIDefaults(&cfg.ControlAPI)

	if cfg.DataDir == "" {
		cfg.DataDir = "/var/lib/oigproxy"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
}

func applyBoxListenerDefaults(cfg *BoxListenerConfig) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 5000
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 90 * time.Second
	}
}

func applyCloudSessionDefaults(cfg *CloudSessionConfig) {
	if cfg.Port == 0 {
		cfg.Port = 5000
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = 15 * time.Second
	}
	if cfg.MinReconnect == 0 {
		cfg.MinReconnect = 1 * time.Second
	}
	if cfg.MaxReconnect == 0 {
		cfg.MaxReconnect = 60 * time.Second
	}
}

func applyHybridDefaults(cfg *HybridConfig) {
	if cfg.Mode == "" {
		cfg.Mode = ProxyModeHybrid
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = 30 * time.Second
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
}

func applyQueueDefaults(cfg *QueueConfig) {
	if cfg.DBPath == "" {
		cfg.DBPath = "queue.badger"
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = 10000
	}
	if cfg.ReplayRate == 0 {
		cfg.ReplayRate = 200 * time.Millisecond
	}
}

func applyBusDefaults(cfg *BusConfig) {
	if cfg.Port == 0 {
		cfg.Port = 1883
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "oig_local"
	}
}

func applyStatusDefaults(cfg *StatusConfig) {
	if cfg.IntervalSeconds == 0 {
		cfg.IntervalSeconds = 60
	}
	// A hard 60s floor applies regardless of configured value.
	if cfg.IntervalSeconds < 60 {
		cfg.IntervalSeconds = 60
	}
}

func applyControlDefaults(cfg *ControlConfig) {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.BoxReadyTimeout == 0 {
		cfg.BoxReadyTimeout = 30 * time.Second
	}
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = 10 * time.Second
	}
	if cfg.AppliedTimeout == 0 {
		cfg.AppliedTimeout = 60 * time.Second
	}
	if cfg.ModeQuiet == 0 {
		cfg.ModeQuiet = 120 * time.Second
	}
}

func applyControlAPIDefaults(cfg *ControlAPIConfig) {
	if cfg.Port == 0 {
		cfg.Port = 8099
	}
}

// GetDefaultConfig returns a fully-defaulted Config with no file or
// environment input, used when no config file is found.
func GetDefaultConfig() *Config {
	cfg := &Config{
		CloudSession: CloudSessionConfig{
			Host: "localhost",
		},
		Bus: BusConfig{
			Host:     "localhost",
			DeviceID: "BOX-0000",
		},
	}
	ApplyDefaults(cfg)
	return cfg
}
