// Package config loads the agent configuration: a YAML file in the
// platform config directory with PRISM_* environment overrides.
package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

type Config struct {
	// Logging configuration
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	// Output defaults for CLI subcommands
	Pretty bool `mapstructure:"pretty"`

	// Watch loop
	WatchIntervalSeconds int `mapstructure:"watch_interval_seconds"`

	// Local bridge server
	ServeListen string `mapstructure:"serve_listen"`
	// Seconds between pushed snapshot frames; 0 disables pushing.
	ServeSnapshotSeconds int `mapstructure:"serve_snapshot_seconds"`
}

func Default() *Config {
	return &Config{
		LogLevel:             "info",
		LogFormat:            "text",
		LogMaxSizeMB:         50,
		LogMaxBackups:        3,
		WatchIntervalSeconds: 2,
		ServeListen:          "127.0.0.1:8787",
		ServeSnapshotSeconds: 0,
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("display-agent")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("PRISM")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "PrismAV")
	case "darwin":
		return "/Library/Application Support/PrismAV"
	default:
		return "/etc/prism-av"
	}
}
