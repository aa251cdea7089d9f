package queue

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Endpoint string `mapstructure:"Endpoint"`
	Token    string `mapstructure:"Token"`
	TimeoutS int    `mapstructure:"TimeoutS"`
}

func NewConfig(path string) (*Config, error) {
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("cannot read config from %s: %w", path, err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("cannot unmarshal config: %w", err)
	}

	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("Endpoint is required")
	}
	if cfg.TimeoutS <= 0 {
		cfg.TimeoutS = 15
	}

	return &cfg, nil
}
