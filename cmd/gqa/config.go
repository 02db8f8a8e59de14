package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the gqa configuration file (~/.config/gqa/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	ModelConfig string `yaml:"model_config"`
	Weights     string `yaml:"weights"`

	Workers *int64 `yaml:"workers"`
	Seed    *int64 `yaml:"seed"`
	DType   string `yaml:"dtype"`
	Device  string `yaml:"device"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "gqa", "config.yaml")
}

// applyModelConfig applies config file defaults to the model flags when the
// corresponding flag was not explicitly set.
func applyModelConfig(c *cli.Command, cfg Config) {
	if cfg.ModelConfig != "" && !c.IsSet("config") {
		modelConfigPath = cfg.ModelConfig
	}
	if cfg.Weights != "" && !c.IsSet("weights") {
		weightsPath = cfg.Weights
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		workers = *cfg.Workers
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		seed = *cfg.Seed
	}
	if cfg.Device != "" && !c.IsSet("device") {
		device = cfg.Device
	}
	if cfg.DType != "" && !c.IsSet("dtype") {
		dtypeName = cfg.DType
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	applyModelConfig(c, cfg)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	return loadConfigFile(configPath())
}

func loadConfigFile(path string) Config {
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
