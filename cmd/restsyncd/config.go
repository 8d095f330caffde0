package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings configures the replay daemon. Values come from an optional
// restsyncd.yaml and RESTSYNCD_* environment variables.
type Settings struct {
	DataDir       string        `mapstructure:"data_dir"`
	DBName        string        `mapstructure:"db_name"`
	Listen        string        `mapstructure:"listen"`
	ProbeURL      string        `mapstructure:"probe_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	DrainInterval time.Duration `mapstructure:"drain_interval"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// LoadSettings reads configuration from configPath (a directory; empty
// means the working directory), then overlays environment variables.
func LoadSettings(configPath string) (*Settings, error) {
	v := viper.New()
	v.SetConfigName("restsyncd")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")

	v.SetDefault("data_dir", "./data")
	v.SetDefault("db_name", "rest-sync-lite")
	v.SetDefault("listen", "127.0.0.1:8780")
	v.SetDefault("probe_url", "")
	v.SetDefault("probe_interval", 15*time.Second)
	v.SetDefault("drain_interval", time.Minute)
	v.SetDefault("max_retries", 5)
	v.SetDefault("request_timeout", 30*time.Second)

	v.SetEnvPrefix("RESTSYNCD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No config file is fine; defaults and env carry it.
	}

	cfg := &Settings{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data_dir must not be empty")
	}
	return cfg, nil
}
