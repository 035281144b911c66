package config

import (
	"fmt"
	"path/filepath"
	"strings"

	internal "github.com/ZanzyTHEbar/fsindex/fsindex"

	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	FSIndex FSIndexConfig `mapstructure:"fsindex"`
}

// FSIndexConfig stores indexer specific configurations.
type FSIndexConfig struct {
	WatchRoot               string           `mapstructure:"watchRoot"`
	CachePath               string           `mapstructure:"cachePath"`
	IgnoreFile              string           `mapstructure:"ignoreFile"`
	WatchEnabled            bool             `mapstructure:"watchEnabled"`
	SinceEventID            uint64           `mapstructure:"sinceEventId"`
	LatencySeconds          float64          `mapstructure:"latencySeconds"`
	SnapshotIntervalMinutes int              `mapstructure:"snapshotIntervalMinutes"`
	Walker                  WalkerConfig     `mapstructure:"walker"`
	Classifier              ClassifierConfig `mapstructure:"classifier"`
}

// WalkerConfig stores traversal tuning.
type WalkerConfig struct {
	MaxWorkers int `mapstructure:"maxWorkers"`
}

// ClassifierConfig stores event classification behavior.
type ClassifierConfig struct {
	// UnknownFlagPolicy is "fatal" or "rescan".
	UnknownFlagPolicy string `mapstructure:"unknownFlagPolicy"`
}

var AppConfig Config

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("..")
		viper.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		viper.AddConfigPath(internal.DefaultConfigPath)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	// Set default values
	viper.SetDefault("fsindex.watchRoot", ".")
	viper.SetDefault("fsindex.cachePath", internal.DefaultCachePath)
	viper.SetDefault("fsindex.ignoreFile", "")
	viper.SetDefault("fsindex.watchEnabled", true)
	viper.SetDefault("fsindex.sinceEventId", internal.DefaultSinceEventID)
	viper.SetDefault("fsindex.latencySeconds", internal.DefaultLatencySeconds)
	viper.SetDefault("fsindex.snapshotIntervalMinutes", 10)
	viper.SetDefault("fsindex.walker.maxWorkers", 8)
	viper.SetDefault("fsindex.classifier.unknownFlagPolicy", "fatal")

	viper.AutomaticEnv()                                   // Read in environment variables that match
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // e.g. fsindex.walker.maxWorkers becomes FSINDEX_WALKER_MAXWORKERS

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; defaults will be used.
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	err := viper.Unmarshal(&AppConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	return &AppConfig, nil
}
