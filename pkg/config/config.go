package config

// Package config provides a reusable loader for dnsledger configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/spf13/viper"

	"dnsledger/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a dnsledger node. It mirrors the
// structure of the YAML files under cmd/config.
type Config struct {
	Network struct {
		ID                  string   `mapstructure:"id" json:"id"`
		MaxPeers            int      `mapstructure:"max_peers" json:"max_peers"`
		IsDirectory         bool     `mapstructure:"is_directory" json:"is_directory"`
		ListenAddr          string   `mapstructure:"listen_addr" json:"listen_addr"`
		AdvertisedIP        string   `mapstructure:"advertised_ip" json:"advertised_ip"`
		// BootstrapPeers holds full libp2p multiaddrs (including a /p2p/<id>
		// component) of peers to dial on startup; the first entry is treated
		// as the join directory for a non-directory node.
		BootstrapPeers      []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		DirectoryPublicKey  string   `mapstructure:"directory_public_key" json:"directory_public_key"`
	} `mapstructure:"network" json:"network"`

	Consensus struct {
		BlockIntervalSeconds   int `mapstructure:"block_interval_seconds" json:"block_interval_seconds"`
		FailoverTimeoutSeconds int `mapstructure:"failover_timeout_seconds" json:"failover_timeout_seconds"`
	} `mapstructure:"consensus" json:"consensus"`

	Storage struct {
		DBPath string `mapstructure:"db_path" json:"db_path"`
		Prune  bool   `mapstructure:"prune" json:"prune"`
	} `mapstructure:"storage" json:"storage"`

	DNS struct {
		Origin        string `mapstructure:"origin" json:"origin"`
		ListenAddr    string `mapstructure:"listen_addr" json:"listen_addr"`
		UpstreamAddr  string `mapstructure:"upstream_addr" json:"upstream_addr"`
		WorkerThreads int    `mapstructure:"worker_threads" json:"worker_threads"`
	} `mapstructure:"dns" json:"dns"`

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
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
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

	viper.AutomaticEnv() // consults process environment variables at lookup time

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the DNSLEDGER_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("DNSLEDGER_ENV", ""))
}
