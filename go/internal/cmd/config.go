package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the server configuration. Values come from the yaml file and can
// be overridden per-field by environment variables.
type Config struct {
	Server struct {
		Port           string   `yaml:"port"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`

	Auth struct {
		JWTKey   string        `yaml:"jwt_key"`
		Issuer   string        `yaml:"issuer"`
		TokenTTL time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`

	Relay struct {
		Enabled       bool   `yaml:"enabled"`
		URL           string `yaml:"url"`
		StreamName    string `yaml:"stream_name"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"relay"`
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Server.Port = "8080"
	cfg.Server.AllowedOrigins = []string{"*"}
	cfg.Auth.Issuer = "classcast"
	cfg.Auth.TokenTTL = 12 * time.Hour
	cfg.Relay.URL = "nats://localhost:4222"
	cfg.Relay.StreamName = "CLASS_EVENTS"
	cfg.Relay.SubjectPrefix = "class.events"
	return cfg
}

// loadConfig reads the yaml file when present and then applies environment
// overrides. A missing file is not an error; defaults plus env carry a dev
// setup on their own.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg.Server.Port = getEnv("PORT", cfg.Server.Port)
	cfg.Auth.JWTKey = getEnv("JWT_KEY", cfg.Auth.JWTKey)
	cfg.Auth.Issuer = getEnv("JWT_ISSUER", cfg.Auth.Issuer)
	cfg.Relay.URL = getEnv("NATS_URL", cfg.Relay.URL)
	cfg.Relay.Enabled = getEnvAsBool("RELAY_ENABLED", cfg.Relay.Enabled)

	if cfg.Auth.JWTKey == "" {
		return nil, fmt.Errorf("jwt_key (or JWT_KEY) is required")
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
