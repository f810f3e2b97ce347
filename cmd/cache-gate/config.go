package main

import (
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the file/environment configuration of the daemon. Environment
// variables override the file.
type Config struct {
	Port         int    `yaml:"port" env:"CACHE_GATE_PORT"`
	DBPath       string `yaml:"db" env:"CACHE_GATE_DB"`
	MaxBytes     int64  `yaml:"maxBytes" env:"CACHE_GATE_MAX_BYTES"`
	Mode         string `yaml:"mode" env:"CACHE_GATE_MODE"`
	RangeSupport bool   `yaml:"rangeSupport" env:"CACHE_GATE_RANGE_SUPPORT"`
}

func getConfig(filename string) (Config, error) {
	config := Config{
		Port:   8080,
		DBPath: "cache-gate.db",
		Mode:   "normal",
	}
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, err
		}
	}
	err := env.Parse(&config)
	return config, err
}
