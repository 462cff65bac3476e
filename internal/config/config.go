package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Logs    LogsConfig    `yaml:"logs"`
	Auth    AuthConfig    `yaml:"auth"`
	Admins  []string      `yaml:"admins"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type StorageConfig struct {
	Backend   string `yaml:"backend"`
	Directory string `yaml:"directory"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
}

// LogsConfig parameterizes the download-statistics batch job.
type LogsConfig struct {
	Bucket   string `yaml:"bucket"`
	TempDir  string `yaml:"tempDir"`
	Endpoint string `yaml:"endpoint"`
}

// AuthConfig maps bearer tokens to "<service>:<username>" identities.
type AuthConfig struct {
	Tokens map[string]string `yaml:"tokens"`
}

// Load reads and parses a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := &Config{
		Server:  ServerConfig{Port: 4040},
		Storage: StorageConfig{Backend: "file", Directory: "./data"},
		Logs:    LogsConfig{Endpoint: "http://localhost:4040/stats"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Storage.Backend == "" {
		return nil, fmt.Errorf("no storage backend configured")
	}

	return cfg, nil
}
