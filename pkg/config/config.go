package config

// Package config provides a reusable loader for bytestag node configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"bytestag/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for a bytestag node.
type Config struct {
	Node struct {
		LocalKeyHex string   `mapstructure:"local_key" json:"local_key"`
		ListenAddr  string   `mapstructure:"listen_addr" json:"listen_addr"`
		NetworkID   string   `mapstructure:"network_id" json:"network_id"`
		Bootstrap   []string `mapstructure:"bootstrap" json:"bootstrap"`
	} `mapstructure:"node" json:"node"`

	DHT struct {
		Alpha           int `mapstructure:"alpha" json:"alpha"`
		TExpireSeconds  int `mapstructure:"t_expire_seconds" json:"t_expire_seconds"`
		TRefreshSeconds int `mapstructure:"t_refresh_seconds" json:"t_refresh_seconds"`
	} `mapstructure:"dht" json:"dht"`

	Store struct {
		DiskCachePath   string   `mapstructure:"disk_cache_path" json:"disk_cache_path"`
		DiskCacheSize   int      `mapstructure:"disk_cache_size" json:"disk_cache_size"`
		SharedDirs      []string `mapstructure:"shared_dirs" json:"shared_dirs"`
		SharedIndexPath string   `mapstructure:"shared_index_path" json:"shared_index_path"`
	} `mapstructure:"store" json:"store"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded. Argument
// parsing and interactive selection of which environment to load are the
// caller's responsibility (cmd/bytestagd) — this package only does the
// mechanical file/env merge.
func Load(env string) (*Config, error) {
	_ = godotenv.Load() // optional .env, ignored if absent

	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the BYTESTAG_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("BYTESTAG_ENV", ""))
}
