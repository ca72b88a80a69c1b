package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode     string `mapstructure:"mode"`
	Port     int    `mapstructure:"port"`
	DataDir  string `mapstructure:"data_dir"`
	RelayURL string `mapstructure:"relay_url"`

	UserName string `mapstructure:"user_name"`
	UserLang string `mapstructure:"user_lang"`

	PollInterval time.Duration `mapstructure:"poll_interval"`
	RingTimeout  time.Duration `mapstructure:"ring_timeout"`
	MediaEnabled bool          `mapstructure:"media_enabled"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("data_dir", "./data")
	v.SetDefault("relay_url", "http://localhost:9090")
	v.SetDefault("user_name", "guest")
	v.SetDefault("user_lang", "en")
	v.SetDefault("poll_interval", "1s")
	v.SetDefault("ring_timeout", "60s")
	v.SetDefault("media_enabled", true)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
