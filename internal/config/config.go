package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Router   RouterConfig   `yaml:"router"`
	Adapters AdaptersConfig `yaml:"adapters"`
	Nodes    []NodeConfig   `yaml:"nodes"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Security SecurityConfig `yaml:"security"`
	Redis    RedisConfig    `yaml:"redis"`
	PubSub   PubSubConfig   `yaml:"pubsub"`
	Intake   IntakeConfig   `yaml:"intake"`
}

type ServerConfig struct {
	Port           string   `yaml:"port"`
	Env            string   `yaml:"env"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	// RateLimitPerMinute caps intent submissions per client. Zero disables it.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type RouterConfig struct {
	EnableAudit      bool `yaml:"enable_audit" json:"enable_audit"`
	EnableAutoSwitch bool `yaml:"enable_auto_switch" json:"enable_auto_switch"`
	MaxRetries       int  `yaml:"max_retries" json:"max_retries"`
	TimeoutMs        int  `yaml:"timeout_ms" json:"timeout_ms"`
	BaseBackoffMs    int  `yaml:"base_backoff_ms" json:"base_backoff_ms"`
	MaxJitterMs      int  `yaml:"max_jitter_ms" json:"max_jitter_ms"`
	DedupInFlight    bool `yaml:"dedup_in_flight" json:"dedup_in_flight"`

	SweepIntervalSec     int `yaml:"sweep_interval_sec" json:"sweep_interval_sec"`
	InactivityTimeoutSec int `yaml:"inactivity_timeout_sec" json:"inactivity_timeout_sec"`
}

func (r RouterConfig) Timeout() time.Duration     { return time.Duration(r.TimeoutMs) * time.Millisecond }
func (r RouterConfig) BaseBackoff() time.Duration { return time.Duration(r.BaseBackoffMs) * time.Millisecond }
func (r RouterConfig) MaxJitter() time.Duration   { return time.Duration(r.MaxJitterMs) * time.Millisecond }
func (r RouterConfig) SweepInterval() time.Duration {
	return time.Duration(r.SweepIntervalSec) * time.Second
}
func (r RouterConfig) InactivityTimeout() time.Duration {
	return time.Duration(r.InactivityTimeoutSec) * time.Second
}

type AdaptersConfig struct {
	OpenAI    ProviderConfig `yaml:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic"`
	Google    ProviderConfig `yaml:"google"`
	Arena     ArenaConfig    `yaml:"arena"`
}

type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type ArenaConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	InputSelector string `yaml:"input_selector"`
	ReplySelector string `yaml:"reply_selector"`
	SettleMs      int    `yaml:"settle_ms"`
	Headless      bool   `yaml:"headless"`
	ControlURL    string `yaml:"control_url"`
}

// NodeConfig seeds the backend registry at startup.
type NodeConfig struct {
	ID           string   `yaml:"id"`
	Provider     string   `yaml:"provider"`
	Tier         string   `yaml:"tier"`
	Kind         string   `yaml:"kind"`
	Endpoint     string   `yaml:"endpoint"`
	Capabilities []string `yaml:"capabilities"`
	MaxTokens    int      `yaml:"max_tokens"`
}

type BridgeConfig struct {
	Root              string   `yaml:"root"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
	BackupEnabled     bool     `yaml:"backup_enabled"`
	BackupDir         string   `yaml:"backup_dir"`
	RetentionDays     int      `yaml:"retention_days"`
	Workers           int      `yaml:"workers"`
	BatchConcurrency  int      `yaml:"batch_concurrency"`
	PublishDelaysMs   []int    `yaml:"publish_delays_ms"`
}

func (b BridgeConfig) Retention() time.Duration {
	return time.Duration(b.RetentionDays) * 24 * time.Hour
}

func (b BridgeConfig) PublishDelays() []time.Duration {
	out := make([]time.Duration, len(b.PublishDelaysMs))
	for i, ms := range b.PublishDelaysMs {
		out[i] = time.Duration(ms) * time.Millisecond
	}
	return out
}

type SecurityConfig struct {
	RulesFile string `yaml:"rules_file"`
}

type RedisConfig struct {
	Addr           string `yaml:"addr"`
	Password       string `yaml:"password"`
	DB             int    `yaml:"db"`
	MirrorRegistry bool   `yaml:"mirror_registry"`
	EventBus       bool   `yaml:"event_bus"`
	Prefix         string `yaml:"prefix"`
}

type PubSubConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
}

type IntakeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
	Workers int    `yaml:"workers"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:               "8080",
			Env:                "development",
			AllowedOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimitPerMinute: 60,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Router: RouterConfig{
			EnableAudit:          true,
			EnableAutoSwitch:     true,
			MaxRetries:           3,
			TimeoutMs:            30000,
			BaseBackoffMs:        1000,
			MaxJitterMs:          500,
			SweepIntervalSec:     60,
			InactivityTimeoutSec: 300,
		},
		Adapters: AdaptersConfig{
			Arena: ArenaConfig{
				URL:           "https://lmarena.ai",
				InputSelector: "textarea",
				ReplySelector: ".prose",
				SettleMs:      10000,
				Headless:      true,
			},
		},
		Nodes: DefaultNodes(),
		Bridge: BridgeConfig{
			Root:              ".",
			AllowedExtensions: []string{".ts", ".js", ".json", ".md", ".txt", ".yaml", ".yml", ".css", ".html", ".tsx", ".jsx", ".go"},
			BackupEnabled:     true,
			BackupDir:         ".dccp/backups",
			RetentionDays:     7,
			Workers:           4,
			BatchConcurrency:  8,
			PublishDelaysMs:   []int{800, 500},
		},
		Redis: RedisConfig{Prefix: "dccp:"},
		PubSub: PubSubConfig{
			TopicID: "dccp-events",
		},
		Intake: IntakeConfig{Dir: ".dccp/inbox", Workers: 4},
	}
}

// DefaultNodes is the registry seed used when no nodes are configured.
func DefaultNodes() []NodeConfig {
	return []NodeConfig{
		{ID: "gemini-node", Provider: "GOOGLE", Tier: "v2.0", Kind: "API",
			Capabilities: []string{"text_generation", "json_mode", "function_calling", "vision"}, MaxTokens: 8192},
		{ID: "claude-node", Provider: "ANTHROPIC", Tier: "v2.0", Kind: "API",
			Capabilities: []string{"text_generation", "json_mode", "function_calling"}, MaxTokens: 4096},
		{ID: "gpt-node", Provider: "OPENAI", Tier: "v1.5", Kind: "API",
			Capabilities: []string{"text_generation", "json_mode"}, MaxTokens: 4096},
		{ID: "arena-node", Provider: "ARENA", Tier: "vNext", Kind: "WEB_GHOST",
			Capabilities: []string{"text_generation", "json_mode", "auto_evolve"}, MaxTokens: 4096},
	}
}

// LoadConfig decodes the YAML file at path over the defaults and applies
// environment overrides. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		switch {
		case err == nil:
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("decode %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}

	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Server.Port, "DCCP_PORT")
	set(&c.Server.Env, "DCCP_ENV")
	set(&c.Log.Level, "DCCP_LOG_LEVEL")
	set(&c.Adapters.OpenAI.APIKey, "OPENAI_API_KEY")
	set(&c.Adapters.OpenAI.BaseURL, "OPENAI_BASE_URL")
	set(&c.Adapters.OpenAI.Model, "OPENAI_MODEL")
	set(&c.Adapters.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	set(&c.Adapters.Anthropic.Model, "ANTHROPIC_MODEL")
	set(&c.Adapters.Google.APIKey, "GOOGLE_API_KEY")
	set(&c.Adapters.Google.Model, "GOOGLE_MODEL")
	set(&c.Redis.Addr, "DCCP_REDIS_ADDR")
	set(&c.Bridge.Root, "DCCP_BRIDGE_ROOT")
	set(&c.PubSub.ProjectID, "GOOGLE_CLOUD_PROJECT")

	if v := getenv("DCCP_ENABLE_AUDIT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Router.EnableAudit = b
		}
	}
	if v := getenv("DCCP_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Router.MaxRetries = n
		}
	}
	if v := getenv("DCCP_ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = strings.Split(v, ",")
	}
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Router.MaxRetries < 0 {
		errs = append(errs, errors.New("router.max_retries must not be negative"))
	}
	if c.Router.TimeoutMs <= 0 {
		errs = append(errs, errors.New("router.timeout_ms must be positive"))
	}
	if c.Router.BaseBackoffMs < 0 || c.Router.MaxJitterMs < 0 {
		errs = append(errs, errors.New("router backoff settings must not be negative"))
	}
	if len(c.Bridge.AllowedExtensions) == 0 {
		errs = append(errs, errors.New("bridge.allowed_extensions must not be empty"))
	}
	if c.Bridge.Root == "" {
		errs = append(errs, errors.New("bridge.root is required"))
	}
	if c.PubSub.Enabled && c.PubSub.ProjectID == "" {
		errs = append(errs, errors.New("pubsub.project_id is required when pubsub is enabled"))
	}
	return errors.Join(errs...)
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Server.Env, "production")
}
