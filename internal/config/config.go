// Package config loads daemon configuration: hard defaults, overridden by
// config/config.yml, overridden by config/config.local.yml, overridden by
// SYNCLITE_* environment variables.
package config

import (
	"log"
	"strings"

	"github.com/spf13/viper"
)

type StorageConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type EventsConfig struct {
	NatsURL string `mapstructure:"nats_url"`
}

type Config struct {
	Storage StorageConfig `mapstructure:"storage"`
	API     APIConfig     `mapstructure:"api"`
	Events  EventsConfig  `mapstructure:"events"`
}

func LoadConfig() *Config {
	v := viper.New()

	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 5984)
	v.SetDefault("events.nats_url", "")

	v.AddConfigPath("config")
	v.SetConfigName("config")
	v.SetConfigType("yml")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("[Config] Error reading config file: %v", err)
		}
	}
	v.SetConfigName("config.local")
	if err := v.MergeInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("[Config] Error reading local config file: %v", err)
		}
	}

	v.SetEnvPrefix("SYNCLITE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		log.Printf("[Config] Error unmarshalling config: %v", err)
	}
	return cfg
}
