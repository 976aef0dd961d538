package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dyluth/burrow/pkg/agent"
	"github.com/dyluth/burrow/pkg/cache"
	"github.com/dyluth/burrow/pkg/task"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file used when BURROW_CONFIG is unset.
const DefaultPath = "burrow.yml"

// Defaults applied by Validate.
const (
	DefaultRedisURL   = "redis://localhost:6379"
	DefaultHealthAddr = ":8080"
	DefaultLogLevel   = "info"
	DefaultLogFormat  = "json"
)

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the top-level burrow.yml configuration.
type Config struct {
	Version   string           `yaml:"version"`
	Node      NodeConfig       `yaml:"node"`
	Redis     RedisConfig      `yaml:"redis"`
	Logging   LoggingConfig    `yaml:"logging"`
	Cache     CacheConfig      `yaml:"cache"`
	Tasks     TasksConfig      `yaml:"tasks"`
	Providers []ProviderConfig `yaml:"providers"`
}

// NodeConfig identifies this process in the cluster.
type NodeConfig struct {
	ID         string `yaml:"id,omitempty"` // Default: hostname plus a random suffix
	HealthAddr string `yaml:"health_addr,omitempty"`
}

// RedisConfig locates the shared lock, cache and task store.
// An empty URL with Memory set runs the node on in-process backends.
type RedisConfig struct {
	URL    string `yaml:"url,omitempty"`
	Memory bool   `yaml:"memory,omitempty"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug, info, warn, error
	Format string `yaml:"format,omitempty"` // json or text
}

// CacheConfig tunes the cache store.
type CacheConfig struct {
	StaleGrace   *Duration `yaml:"stale_grace,omitempty"` // Default 1m; 0 deletes superseded generations at once
	IndexedTypes []string  `yaml:"indexed_types,omitempty"`

	// Retired lists agents removed from configuration whose entries are
	// evicted once older than RetiredMaxAge.
	Retired       []RetiredAgent `yaml:"retired,omitempty"`
	RetiredMaxAge Duration       `yaml:"retired_max_age,omitempty"`
}

// RetiredAgent names an agent whose cached output should age out.
type RetiredAgent struct {
	Namespace string `yaml:"namespace"`
	Agent     string `yaml:"agent"`
}

// TasksConfig tunes the task supervisor.
type TasksConfig struct {
	SweepInterval Duration `yaml:"sweep_interval,omitempty"`
	Retention     Duration `yaml:"retention,omitempty"`
}

// ProviderConfig is one integration domain.
type ProviderConfig struct {
	Name        string            `yaml:"name"`
	Namespace   string            `yaml:"namespace,omitempty"`
	Credentials map[string]string `yaml:"credentials,omitempty"`
	Agents      []AgentConfig     `yaml:"agents"`
}

// AgentConfig is one command agent.
type AgentConfig struct {
	Name        string   `yaml:"name"`
	Types       []string `yaml:"types"`
	Command     []string `yaml:"command"`
	Dir         string   `yaml:"dir,omitempty"`
	Environment []string `yaml:"environment,omitempty"`
	MaxOutput   int      `yaml:"max_output,omitempty"`

	Interval   Duration `yaml:"interval,omitempty"`
	Timeout    Duration `yaml:"timeout,omitempty"`
	MaxRuntime Duration `yaml:"max_runtime,omitempty"`
}

// Tunables returns the agent's tunables with defaults applied.
func (a *AgentConfig) Tunables() agent.Tunables {
	return agent.Tunables{
		Interval:   a.Interval.Std(),
		Timeout:    a.Timeout.Std(),
		MaxRuntime: a.MaxRuntime.Std(),
	}.WithDefaults()
}

// Validate performs strict validation and fills defaults.
func (c *Config) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Redis.URL == "" && !c.Redis.Memory {
		c.Redis.URL = DefaultRedisURL
	}
	if c.Redis.URL != "" && c.Redis.Memory {
		return fmt.Errorf("redis.url and redis.memory are mutually exclusive")
	}
	if c.Node.HealthAddr == "" {
		c.Node.HealthAddr = DefaultHealthAddr
	}

	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %s (must be 'debug', 'info', 'warn' or 'error')", c.Logging.Level)
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging.format: %s (must be 'json' or 'text')", c.Logging.Format)
	}

	if c.Cache.StaleGrace == nil {
		grace := Duration(cache.DefaultStaleGrace)
		c.Cache.StaleGrace = &grace
	}
	if *c.Cache.StaleGrace < 0 {
		return fmt.Errorf("cache.stale_grace must not be negative")
	}
	for i, r := range c.Cache.Retired {
		if r.Namespace == "" || r.Agent == "" {
			return fmt.Errorf("cache.retired[%d]: namespace and agent are required", i)
		}
	}
	if len(c.Cache.Retired) > 0 && c.Cache.RetiredMaxAge <= 0 {
		return fmt.Errorf("cache.retired_max_age must be positive when retired agents are listed")
	}

	if c.Tasks.SweepInterval == 0 {
		c.Tasks.SweepInterval = Duration(task.DefaultSweepInterval)
	}
	if c.Tasks.Retention == 0 {
		c.Tasks.Retention = Duration(task.DefaultRetention)
	}
	if c.Tasks.SweepInterval < 0 || c.Tasks.Retention < 0 {
		return fmt.Errorf("tasks.sweep_interval and tasks.retention must be positive")
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("no providers defined")
	}

	providers := make(map[string]bool)
	agents := make(map[string]string) // agent -> provider
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Name == "" {
			return fmt.Errorf("providers[%d]: name is required", i)
		}
		if providers[p.Name] {
			return fmt.Errorf("duplicate provider '%s'", p.Name)
		}
		providers[p.Name] = true
		if len(p.Agents) == 0 {
			return fmt.Errorf("provider '%s': no agents defined", p.Name)
		}
		for j := range p.Agents {
			a := &p.Agents[j]
			if err := a.Validate(p.Name); err != nil {
				return err
			}
			if prev, exists := agents[a.Name]; exists {
				return fmt.Errorf("duplicate agent '%s' found (providers '%s' and '%s'): agent names are lock names and must be unique",
					a.Name, prev, p.Name)
			}
			agents[a.Name] = p.Name
		}
	}

	return nil
}

// Validate performs validation on a single agent configuration.
func (a *AgentConfig) Validate(provider string) error {
	if a.Name == "" {
		return fmt.Errorf("provider '%s': agent name is required", provider)
	}
	if len(a.Types) == 0 {
		return fmt.Errorf("agent '%s': types is required", a.Name)
	}
	if len(a.Command) == 0 {
		return fmt.Errorf("agent '%s': command is required", a.Name)
	}
	if a.MaxOutput < 0 {
		return fmt.Errorf("agent '%s': max_output must not be negative", a.Name)
	}
	if a.Interval < 0 || a.Timeout < 0 || a.MaxRuntime < 0 {
		return fmt.Errorf("agent '%s': durations must not be negative", a.Name)
	}
	if err := a.Tunables().Validate(); err != nil {
		return fmt.Errorf("agent '%s': %w", a.Name, err)
	}
	return nil
}

// Parse decodes and validates configuration. ${VAR} references in
// provider credentials are expanded with lookup.
func Parse(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := cfg.expandCredentials(lookup); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Load reads and validates burrow.yml from the specified path, expanding
// credentials from the process environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data, os.LookupEnv)
}

func (c *Config) expandCredentials(lookup func(string) (string, bool)) error {
	var missing []string
	for i := range c.Providers {
		for k, v := range c.Providers[i].Credentials {
			c.Providers[i].Credentials[k] = os.Expand(v, func(name string) string {
				val, ok := lookup(name)
				if !ok {
					missing = append(missing, name)
				}
				return val
			})
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("credentials reference unset environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}
