package config

// ApplyDefaults fills in the logging fields, the metrics address, and the
// transport's idle-connection limit when the config file / environment
// left them unset, mirroring the teacher's ApplyDefaults convention of
// one function per subsection. Other fields keep their zero values.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyMetricsDefaults(&cfg.Metrics)
	applyTransportDefaults(&cfg.Transport)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stderr"
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Addr == "" {
		cfg.Addr = ":9090"
	}
}

func applyTransportDefaults(cfg *TransportConfig) {
	if cfg.MaxIdleConnsPerHost == 0 {
		cfg.MaxIdleConnsPerHost = 8
	}
}
