package config

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// Environment variables read at startup.
const (
	EnvConfigPath = "BURROW_CONFIG"
	EnvRedisURL   = "REDIS_URL"
	EnvNodeID     = "BURROW_NODE_ID"
)

// PathFromEnv returns BURROW_CONFIG or DefaultPath.
func PathFromEnv(lookup func(string) (string, bool)) string {
	if p, ok := lookup(EnvConfigPath); ok && p != "" {
		return p
	}
	return DefaultPath
}

// ApplyEnv overrides file settings with environment variables and
// assigns a node id when none is configured.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if url, ok := lookup(EnvRedisURL); ok && url != "" {
		c.Redis.URL = url
		c.Redis.Memory = false
	}
	if id, ok := lookup(EnvNodeID); ok && id != "" {
		c.Node.ID = id
	}
	if c.Node.ID == "" {
		c.Node.ID = generateNodeID()
	}
}

func generateNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "burrow"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// LoadFromEnv loads the file named by BURROW_CONFIG and applies the
// environment overrides.
func LoadFromEnv() (*Config, error) {
	cfg, err := Load(PathFromEnv(os.LookupEnv))
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.LookupEnv)
	return cfg, nil
}
