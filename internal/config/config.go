// Package config loads the server configuration from an optional YAML file
// and NOTEOPS_-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full server configuration.
type Config struct {
	DataDir string `mapstructure:"data_dir"`

	Server struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	} `mapstructure:"server"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Sidecar struct {
		BinDir        string `mapstructure:"bin_dir"`
		Host          string `mapstructure:"host"`
		Port          int    `mapstructure:"port"`
		ServiceURL    string `mapstructure:"service_url"`
		APIURL        string `mapstructure:"api_url"`
		LoginCacheTTL int    `mapstructure:"login_cache_ttl_seconds"`
	} `mapstructure:"sidecar"`

	License struct {
		VerifyURL string `mapstructure:"verify_url"`
		ProductID int    `mapstructure:"product_id"`
	} `mapstructure:"license"`
}

// Load reads configuration with sane defaults. path may be empty; a missing
// config file is not an error, a malformed one is.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NOTEOPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("data_dir", "")
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("sidecar.bin_dir", "")
	v.SetDefault("sidecar.host", "localhost")
	v.SetDefault("sidecar.port", 18060)
	v.SetDefault("sidecar.service_url", "http://localhost:18060/mcp")
	v.SetDefault("sidecar.api_url", "http://localhost:18060/api/v1")
	v.SetDefault("sidecar.login_cache_ttl_seconds", 60)
	v.SetDefault("license.verify_url", "https://license.noteops.dev/api/verify")
	v.SetDefault("license.product_id", 1)

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
