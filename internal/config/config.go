package config

import (
	"os"
)

type Config struct {
	// ConfigFile is the YAML registry declaring repositories and jobs.
	ConfigFile string
	// StateDir holds everything that must survive a crash: hold ledgers,
	// per-job run state, lock files and the analyzer watermark.
	StateDir   string
	LogDir     string
	MetricsDir string
	LogLevel   string
	Hostname   string
}

func Load() (*Config, error) {
	cfg := &Config{
		ConfigFile: getEnv("SNAPBACKUP_CONFIG", "/etc/snapbackup/config.yaml"),
		StateDir:   getEnv("SNAPBACKUP_STATE_DIR", "/var/lib/snapbackup"),
		LogDir:     getEnv("SNAPBACKUP_LOG_DIR", "/var/log/backup"),
		MetricsDir: getEnv("SNAPBACKUP_METRICS_DIR", "/var/lib/node_exporter/textfile_collector"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		Hostname:   getEnv("HOSTNAME", ""),
	}

	if cfg.Hostname == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown"
		}
		cfg.Hostname = host
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
