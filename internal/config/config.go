package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Signals      SignalsConfig      `yaml:"signals" mapstructure:"signals"`
	Budget       BudgetConfig       `yaml:"budget" mapstructure:"budget"`
	Approvals    ApprovalsConfig    `yaml:"approvals" mapstructure:"approvals"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	Retry        RetryConfig        `yaml:"retry" mapstructure:"retry"`
	Circuit      CircuitConfig      `yaml:"circuit" mapstructure:"circuit"`
	Experiment   ExperimentConfig   `yaml:"experiment" mapstructure:"experiment"`
	Capabilities CapabilitiesConfig `yaml:"capabilities" mapstructure:"capabilities"`
	Anthropic    AnthropicConfig    `yaml:"anthropic" mapstructure:"anthropic"`
	Notify       NotifyConfig       `yaml:"notify" mapstructure:"notify"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// SignalsConfig holds the thresholds that turn metrics into signals.
// Thresholds are inclusive.
type SignalsConfig struct {
	CTR            float64 `yaml:"ctr" mapstructure:"ctr"`
	Conversion     float64 `yaml:"conversion" mapstructure:"conversion"`
	MinSignups     int64   `yaml:"min_signups" mapstructure:"min_signups"`
	MinImpressions int64   `yaml:"min_impressions" mapstructure:"min_impressions"`
	MinLTVCAC      float64 `yaml:"min_ltv_cac" mapstructure:"min_ltv_cac"`
	MinMarketSize  float64 `yaml:"min_market_size" mapstructure:"min_market_size"`
}

// BudgetConfig sets the default project ceiling and enforcement mode.
type BudgetConfig struct {
	Ceiling float64 `yaml:"ceiling" mapstructure:"ceiling"`
	Mode    string  `yaml:"mode" mapstructure:"mode"`
}

// ApprovalsConfig holds delegation rules keyed by approval type.
type ApprovalsConfig struct {
	Rules map[string]ApprovalRule `yaml:"rules" mapstructure:"rules"`
}

// ApprovalRule is the delegation rule for one approval type.
type ApprovalRule struct {
	Disposition string `yaml:"disposition" mapstructure:"disposition"`
	// AutoApproveMaxSpend auto-approves requests whose proposed spend is at
	// or below the value. Zero disables auto-approval.
	AutoApproveMaxSpend float64          `yaml:"auto_approve_max_spend" mapstructure:"auto_approve_max_spend"`
	Escalation          []EscalationStep `yaml:"escalation" mapstructure:"escalation"`
}

// EscalationStep notifies Notify once a request has been pending for After.
type EscalationStep struct {
	After  time.Duration `yaml:"after" mapstructure:"after"`
	Notify string        `yaml:"notify" mapstructure:"notify"`
}

// OrchestratorConfig bounds the driver loop.
type OrchestratorConfig struct {
	MaxStepsPerAdvance int `yaml:"max_steps_per_advance" mapstructure:"max_steps_per_advance"`
	// MaxIterations caps passes through a looping phase, keyed by phase name.
	MaxIterations          map[string]int `yaml:"max_iterations" mapstructure:"max_iterations"`
	ConflictRetries        int            `yaml:"conflict_retries" mapstructure:"conflict_retries"`
	EscalationIntervalSecs int            `yaml:"escalation_interval_secs" mapstructure:"escalation_interval_secs"`
}

// RetryConfig configures capability call retries.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the per-capability circuit breaker.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// ExperimentConfig configures desirability experiments.
type ExperimentConfig struct {
	Channels              []string `yaml:"channels" mapstructure:"channels"`
	BudgetPerChannel      float64  `yaml:"budget_per_channel" mapstructure:"budget_per_channel"`
	MaxConcurrentChannels int      `yaml:"max_concurrent_channels" mapstructure:"max_concurrent_channels"`
}

// CapabilitiesConfig selects and configures the capability provider.
type CapabilitiesConfig struct {
	Provider    string            `yaml:"provider" mapstructure:"provider"`
	BaseURL     string            `yaml:"base_url" mapstructure:"base_url"`
	Endpoints   map[string]string `yaml:"endpoints" mapstructure:"endpoints"`
	FixtureFile string            `yaml:"fixture_file" mapstructure:"fixture_file"`
	TimeoutSecs int               `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RateLimit   float64           `yaml:"rate_limit" mapstructure:"rate_limit"`
	RateBurst   int               `yaml:"rate_burst" mapstructure:"rate_burst"`
}

// AnthropicConfig holds Anthropic API settings for the Claude provider.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// NotifyConfig configures approval and phase notifications.
type NotifyConfig struct {
	WebhookURL     string `yaml:"webhook_url" mapstructure:"webhook_url"`
	NotionToken    string `yaml:"notion_token" mapstructure:"notion_token"`
	NotionBoardDB  string `yaml:"notion_board_db" mapstructure:"notion_board_db"`
	TimeoutSecs    int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	DefaultChannel string `yaml:"default_channel" mapstructure:"default_channel"`
}

// MaxIterationsFor returns the iteration cap for phase, falling back to the
// "default" key and then 5.
func (c OrchestratorConfig) MaxIterationsFor(phase string) int {
	if n, ok := c.MaxIterations[phase]; ok && n > 0 {
		return n
	}
	if n, ok := c.MaxIterations["default"]; ok && n > 0 {
		return n
	}
	return 5
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("VALIDATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "validator.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("signals.ctr", 0.02)
	v.SetDefault("signals.conversion", 0.10)
	v.SetDefault("signals.min_signups", 5)
	v.SetDefault("signals.min_impressions", 0)
	v.SetDefault("signals.min_ltv_cac", 1.0)
	v.SetDefault("signals.min_market_size", 1_000_000)

	v.SetDefault("budget.ceiling", 0)
	v.SetDefault("budget.mode", "hard")

	v.SetDefault("approvals.rules.creative_review.disposition", "parallel")
	v.SetDefault("approvals.rules.strategic_pivot.disposition", "blocking")
	v.SetDefault("approvals.rules.spend_increase.disposition", "blocking")
	v.SetDefault("approvals.rules.governance_veto.disposition", "blocking")
	v.SetDefault("approvals.rules.loop_escalation.disposition", "blocking")
	v.SetDefault("approvals.rules.capability_failure.disposition", "blocking")

	v.SetDefault("orchestrator.max_steps_per_advance", 100)
	v.SetDefault("orchestrator.max_iterations.default", 5)
	v.SetDefault("orchestrator.conflict_retries", 3)
	v.SetDefault("orchestrator.escalation_interval_secs", 60)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)

	v.SetDefault("experiment.channels", []string{"search", "social"})
	v.SetDefault("experiment.budget_per_channel", 100.0)
	v.SetDefault("experiment.max_concurrent_channels", 4)

	v.SetDefault("capabilities.provider", "http")
	v.SetDefault("capabilities.timeout_secs", 60)
	v.SetDefault("capabilities.rate_limit", 5.0)
	v.SetDefault("capabilities.rate_burst", 5)

	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 4096)

	v.SetDefault("notify.timeout_secs", 10)
}

// Validate checks the configuration for a given mode ("run" or "serve") and
// reports every problem found.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "run":
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be sqlite or postgres", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	switch c.Budget.Mode {
	case "hard", "soft":
	default:
		errs = append(errs, fmt.Sprintf("budget.mode %q must be hard or soft", c.Budget.Mode))
	}
	if c.Budget.Ceiling < 0 {
		errs = append(errs, "budget.ceiling must be >= 0")
	}

	if c.Signals.CTR < 0 || c.Signals.CTR > 1 {
		errs = append(errs, "signals.ctr must be between 0 and 1")
	}
	if c.Signals.Conversion < 0 || c.Signals.Conversion > 1 {
		errs = append(errs, "signals.conversion must be between 0 and 1")
	}

	for typ, rule := range c.Approvals.Rules {
		switch rule.Disposition {
		case "", "blocking", "parallel":
		default:
			errs = append(errs, fmt.Sprintf("approvals.rules.%s.disposition %q must be blocking or parallel", typ, rule.Disposition))
		}
	}

	if c.Experiment.MaxConcurrentChannels < 1 || c.Experiment.MaxConcurrentChannels > 32 {
		errs = append(errs, "experiment.max_concurrent_channels must be between 1 and 32")
	}
	if len(c.Experiment.Channels) == 0 {
		errs = append(errs, "experiment.channels must not be empty")
	}

	switch c.Capabilities.Provider {
	case "http":
		if c.Capabilities.BaseURL == "" && len(c.Capabilities.Endpoints) == 0 {
			errs = append(errs, "capabilities.base_url is required for the http provider")
		}
	case "claude":
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required for the claude provider")
		}
	case "fixture":
		if c.Capabilities.FixtureFile == "" {
			errs = append(errs, "capabilities.fixture_file is required for the fixture provider")
		}
	default:
		errs = append(errs, fmt.Sprintf("capabilities.provider %q must be http, claude or fixture", c.Capabilities.Provider))
	}

	if c.Notify.NotionToken != "" && c.Notify.NotionBoardDB == "" {
		errs = append(errs, "notify.notion_board_db is required when notify.notion_token is set")
	}

	if len(errs) > 0 {
		return eris.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
