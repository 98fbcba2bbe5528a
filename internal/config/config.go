// Package config loads the HLCS configuration from a single YAML file
// with environment overrides. Scalar keys can be overridden with an
// HLCS_-prefixed upper-snake-case path, e.g. HLCS_LISTEN_ADDRESS or
// HLCS_BACKENDS_TOOL_SERVER_URL, and HLCS_FEATURE_<NAME> toggles a
// flag's enabled bit. Role weights, the capability map and the other
// feature-flag fields have no environment override.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hlcs/hlcs/pkg/models"
)

const envPrefix = "HLCS_"

// Config holds all configuration for the HLCS core.
type Config struct {
	ListenAddress         string  `yaml:"listen_address"`
	LogLevel              string  `yaml:"log_level"`
	RequestTimeoutMs      int     `yaml:"request_timeout_ms"`
	MaxConcurrentRequests int     `yaml:"max_concurrent_requests"`
	QualityThreshold      float64 `yaml:"quality_threshold"`
	MaxIterations         int     `yaml:"max_iterations"`
	ComplexityThreshold   float64 `yaml:"complexity_threshold"`
	StrategyDefault       string  `yaml:"strategy_default"`
	OperatorToken         string  `yaml:"operator_token"`

	Consensus ConsensusConfig `yaml:"consensus_defaults"`
	Backends  BackendsConfig  `yaml:"backends"`
	Memory    MemoryConfig    `yaml:"memory"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Capabilities maps logical capability tags (retriever, synthesize,
	// image_analyzer, ...) to concrete tool names on the tool server.
	Capabilities map[string]string `yaml:"capabilities"`

	FeatureFlags map[string]FlagConfig `yaml:"feature_flags"`
}

type ConsensusConfig struct {
	Type               string             `yaml:"type"`
	DeadlineMs         int                `yaml:"deadline_ms"`
	AgentRiskThreshold float64            `yaml:"agent_risk_threshold"`
	RoleWeights        map[string]float64 `yaml:"role_weights"`
}

type BackendsConfig struct {
	ToolServer    ToolServerConfig    `yaml:"tool_server"`
	LocalReasoner LocalReasonerConfig `yaml:"local_reasoner"`
}

type ToolServerConfig struct {
	URL       string `yaml:"url"`
	TimeoutMs int    `yaml:"timeout_ms"`
	Retries   int    `yaml:"retries"`
}

type LocalReasonerConfig struct {
	Enabled   bool   `yaml:"enabled"`
	URL       string `yaml:"url"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

type MemoryConfig struct {
	Backend               string  `yaml:"backend"` // "inmem" or "redis"
	PersistDir            string  `yaml:"persist_dir"`
	RedisAddr             string  `yaml:"redis_addr"`
	StmTTLHours           int     `yaml:"stm_ttl_hours"`
	LtmPromotionThreshold float64 `yaml:"ltm_promotion_threshold"`
	ConsolidateSchedule   string  `yaml:"consolidate_schedule"`
}

type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type FlagConfig struct {
	Enabled           bool     `yaml:"enabled"`
	Strategy          string   `yaml:"strategy"`
	RolloutPercentage float64  `yaml:"rollout_percentage"`
	Whitelist         []string `yaml:"whitelist"`
}

// Default returns the configuration with all defaults applied.
func Default() *Config {
	return &Config{
		ListenAddress:         ":8080",
		LogLevel:              "info",
		RequestTimeoutMs:      60000,
		MaxConcurrentRequests: 64,
		QualityThreshold:      0.7,
		MaxIterations:         3,
		ComplexityThreshold:   0.5,
		StrategyDefault:       "adaptive",
		Consensus: ConsensusConfig{
			Type:               "weighted",
			DeadlineMs:         30000,
			AgentRiskThreshold: 0.5,
			RoleWeights: map[string]float64{
				string(models.RolePrimaryUser):     0.60,
				string(models.RoleAdministrator):   0.30,
				string(models.RoleAutonomousAgent): 0.10,
				string(models.RoleObserver):        0.00,
			},
		},
		Backends: BackendsConfig{
			ToolServer:    ToolServerConfig{URL: "http://localhost:3000", TimeoutMs: 30000, Retries: 3},
			LocalReasoner: LocalReasonerConfig{Enabled: false, URL: "http://localhost:8600", TimeoutMs: 60000},
		},
		Memory: MemoryConfig{
			Backend:               "inmem",
			PersistDir:            defaultDataDir(),
			StmTTLHours:           24,
			LtmPromotionThreshold: 0.8,
			ConsolidateSchedule:   "0 3 * * *",
		},
		Telemetry: TelemetryConfig{Enabled: false, OTLPEndpoint: "localhost:4317", ServiceName: "hlcs-core"},
		RateLimit: RateLimitConfig{RequestsPerSecond: 10, Burst: 20},
		Capabilities: map[string]string{
			"conversational_responder": "saul.respond",
			"retriever":                "rag.search",
			"classifier":               "trm.classify",
			"synthesize":               "saul.synthesize",
			"image_analyzer":           "vision.analyze",
			"audio_transcriber":        "audio.transcribe",
			"chat":                     "llm.chat",
		},
		FeatureFlags: map[string]FlagConfig{},
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.hlcs"
	}
	return "./data"
}

// Load reads the YAML file at path (optional), applies environment
// overrides, and validates. A missing path loads pure defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges that would otherwise fail at runtime.
func (c *Config) Validate() error {
	if c.QualityThreshold < 0 || c.QualityThreshold > 1 {
		return fmt.Errorf("quality_threshold %v outside [0,1]", c.QualityThreshold)
	}
	if c.MaxIterations < 1 || c.MaxIterations > 10 {
		return fmt.Errorf("max_iterations %d outside [1,10]", c.MaxIterations)
	}
	if c.MaxConcurrentRequests < 1 {
		return fmt.Errorf("max_concurrent_requests must be positive, got %d", c.MaxConcurrentRequests)
	}
	if c.Backends.ToolServer.URL == "" {
		return fmt.Errorf("backends.tool_server.url is required")
	}
	switch c.Memory.Backend {
	case "inmem", "redis":
	default:
		return fmt.Errorf("memory.backend must be inmem or redis, got %q", c.Memory.Backend)
	}
	return nil
}

// applyEnv overrides scalar fields from HLCS_-prefixed variables using
// the upper-snake-case key path.
func (c *Config) applyEnv() {
	envStr(&c.ListenAddress, "LISTEN_ADDRESS")
	envStr(&c.LogLevel, "LOG_LEVEL")
	envInt(&c.RequestTimeoutMs, "REQUEST_TIMEOUT_MS")
	envInt(&c.MaxConcurrentRequests, "MAX_CONCURRENT_REQUESTS")
	envFloat(&c.QualityThreshold, "QUALITY_THRESHOLD")
	envInt(&c.MaxIterations, "MAX_ITERATIONS")
	envFloat(&c.ComplexityThreshold, "COMPLEXITY_THRESHOLD")
	envStr(&c.StrategyDefault, "STRATEGY_DEFAULT")
	envStr(&c.OperatorToken, "OPERATOR_TOKEN")

	envStr(&c.Consensus.Type, "CONSENSUS_DEFAULTS_TYPE")
	envInt(&c.Consensus.DeadlineMs, "CONSENSUS_DEFAULTS_DEADLINE_MS")
	envFloat(&c.Consensus.AgentRiskThreshold, "CONSENSUS_DEFAULTS_AGENT_RISK_THRESHOLD")

	envStr(&c.Backends.ToolServer.URL, "BACKENDS_TOOL_SERVER_URL")
	envInt(&c.Backends.ToolServer.TimeoutMs, "BACKENDS_TOOL_SERVER_TIMEOUT_MS")
	envInt(&c.Backends.ToolServer.Retries, "BACKENDS_TOOL_SERVER_RETRIES")
	envBool(&c.Backends.LocalReasoner.Enabled, "BACKENDS_LOCAL_REASONER_ENABLED")
	envStr(&c.Backends.LocalReasoner.URL, "BACKENDS_LOCAL_REASONER_URL")
	envInt(&c.Backends.LocalReasoner.TimeoutMs, "BACKENDS_LOCAL_REASONER_TIMEOUT_MS")

	envStr(&c.Memory.Backend, "MEMORY_BACKEND")
	envStr(&c.Memory.PersistDir, "MEMORY_PERSIST_DIR")
	envStr(&c.Memory.RedisAddr, "MEMORY_REDIS_ADDR")
	envInt(&c.Memory.StmTTLHours, "MEMORY_STM_TTL_HOURS")
	envFloat(&c.Memory.LtmPromotionThreshold, "MEMORY_LTM_PROMOTION_THRESHOLD")
	envStr(&c.Memory.ConsolidateSchedule, "MEMORY_CONSOLIDATE_SCHEDULE")

	envBool(&c.Telemetry.Enabled, "TELEMETRY_ENABLED")
	envStr(&c.Telemetry.OTLPEndpoint, "TELEMETRY_OTLP_ENDPOINT")
	envStr(&c.Telemetry.ServiceName, "TELEMETRY_SERVICE_NAME")

	envFloat(&c.RateLimit.RequestsPerSecond, "RATE_LIMIT_REQUESTS_PER_SECOND")
	envInt(&c.RateLimit.Burst, "RATE_LIMIT_BURST")

	// HLCS_FEATURE_<NAME>=true|false toggles a flag's enabled bit.
	for _, kv := range os.Environ() {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, envPrefix+"FEATURE_") {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(key, envPrefix+"FEATURE_"))
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			continue
		}
		fc := c.FeatureFlags[name]
		fc.Enabled = enabled
		if fc.Strategy == "" {
			fc.Strategy = string(models.RolloutAll)
		}
		c.FeatureFlags[name] = fc
	}
}

func envStr(dst *string, key string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
