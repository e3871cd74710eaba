// Package config loads and validates control-plane configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/growthscout/fleetd/internal/enrich"
	"github.com/growthscout/fleetd/internal/fleet"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	Auth      AuthConfig                `mapstructure:"auth"`
	Gateway   GatewayConfig             `mapstructure:"gateway"`
	Store     StoreConfig               `mapstructure:"store"`
	Heartbeat HeartbeatConfig           `mapstructure:"heartbeat"`
	Dispatch  DispatchConfig            `mapstructure:"dispatch"`
	Relay     RelayConfig               `mapstructure:"relay"`
	Logging   LoggingConfig             `mapstructure:"logging"`
	Pipelines map[string][]enrich.Stage `mapstructure:"pipelines"`
	Agent     AgentConfig               `mapstructure:"agent"`
}

// ServerConfig controls the HTTP control surface.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// GatewayConfig controls the worker connection listener.
type GatewayConfig struct {
	Addr      string `mapstructure:"addr"`
	AuthToken string `mapstructure:"auth_token"`
}

// StoreConfig selects and configures the shared state store.
type StoreConfig struct {
	Provider string      `mapstructure:"provider"`
	Redis    RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// HeartbeatConfig governs worker liveness tracking.
type HeartbeatConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// Timeout returns the heartbeat timeout as a duration.
func (h HeartbeatConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutSeconds) * time.Second
}

// DispatchConfig governs task matching and retry behavior.
type DispatchConfig struct {
	IntervalMs       int `mapstructure:"interval_ms"`
	MaxAttempts      int `mapstructure:"max_attempts"`
	QueuedTTLSeconds int `mapstructure:"queued_ttl_seconds"`
}

// Interval returns the dispatch period as a duration.
func (d DispatchConfig) Interval() time.Duration {
	return time.Duration(d.IntervalMs) * time.Millisecond
}

// QueuedTTL returns the optional queued-task deadline; zero disables it.
func (d DispatchConfig) QueuedTTL() time.Duration {
	return time.Duration(d.QueuedTTLSeconds) * time.Second
}

// RelayConfig points the status relay at the backend.
type RelayConfig struct {
	URL             string `mapstructure:"url"`
	FlushIntervalMs int    `mapstructure:"flush_interval_ms"`
	BufferLimit     int    `mapstructure:"buffer_limit"`
}

// FlushInterval returns the relay flush period as a duration.
func (r RelayConfig) FlushInterval() time.Duration {
	return time.Duration(r.FlushIntervalMs) * time.Millisecond
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// AgentConfig configures the fleet-worker binary.
type AgentConfig struct {
	Endpoint                 string `mapstructure:"endpoint"`
	Token                    string `mapstructure:"token"`
	Capability               string `mapstructure:"capability"`
	WorkerName               string `mapstructure:"worker_name"`
	HeartbeatIntervalSeconds int    `mapstructure:"heartbeat_interval_seconds"`
	ReconnectDelaySeconds    int    `mapstructure:"reconnect_delay_seconds"`
	MaxReconnects            int    `mapstructure:"max_reconnects"`
}

// HeartbeatInterval returns the agent heartbeat period as a duration.
func (a AgentConfig) HeartbeatInterval() time.Duration {
	return time.Duration(a.HeartbeatIntervalSeconds) * time.Second
}

// ReconnectDelay returns the agent reconnect delay as a duration.
func (a AgentConfig) ReconnectDelay() time.Duration {
	return time.Duration(a.ReconnectDelaySeconds) * time.Second
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FLEETD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("gateway.addr", ":9090")
	v.SetDefault("gateway.auth_token", "")
	v.SetDefault("store.provider", "memory")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("heartbeat.timeout_seconds", 30)
	v.SetDefault("dispatch.interval_ms", 250)
	v.SetDefault("dispatch.max_attempts", 2)
	v.SetDefault("dispatch.queued_ttl_seconds", 0)
	v.SetDefault("relay.url", "http://localhost:8000/api/status_update")
	v.SetDefault("relay.flush_interval_ms", 100)
	v.SetDefault("relay.buffer_limit", 4096)
	v.SetDefault("logging.development", true)
	v.SetDefault("agent.endpoint", "localhost:9090")
	v.SetDefault("agent.token", "")
	v.SetDefault("agent.worker_name", "")
	v.SetDefault("agent.capability", string(fleet.CapabilityCrunchbase))
	v.SetDefault("agent.heartbeat_interval_seconds", 10)
	v.SetDefault("agent.reconnect_delay_seconds", 5)
	v.SetDefault("agent.max_reconnects", 0)
}

// Validate checks cross-field consistency.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Store.Provider {
	case "memory":
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.provider is %q but store.redis.addr is not set", c.Store.Provider)
		}
	default:
		return fmt.Errorf("unknown store provider %q", c.Store.Provider)
	}
	if c.Heartbeat.TimeoutSeconds <= 0 {
		return fmt.Errorf("heartbeat.timeout_seconds must be positive")
	}
	if c.Dispatch.MaxAttempts < 0 {
		return fmt.Errorf("dispatch.max_attempts must not be negative")
	}
	if c.Relay.URL == "" {
		return fmt.Errorf("relay.url is not set")
	}
	for name, stages := range c.Pipelines {
		plan := enrich.StagePlan{Name: name, Stages: stages}
		if err := plan.Validate(); err != nil {
			return fmt.Errorf("pipelines.%s: %w", name, err)
		}
	}
	if c.Agent.Capability != "" && !fleet.Capability(c.Agent.Capability).Valid() {
		return fmt.Errorf("agent.capability %q: %w", c.Agent.Capability, fleet.ErrUnknownCapability)
	}
	return nil
}

// Plan returns the named pipeline template, if configured.
func (c Config) Plan(name string) (enrich.StagePlan, bool) {
	stages, ok := c.Pipelines[name]
	if !ok {
		return enrich.StagePlan{}, false
	}
	return enrich.StagePlan{Name: name, Stages: stages}, true
}
