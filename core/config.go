package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds the process-wide settings for the governance orchestrator and
// the agent coordination fabric. It supports three-layer configuration
// priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
//
// The configuration automatically detects the execution environment
// (Kubernetes vs local) and adjusts logging format accordingly.
//
// Example usage:
//
//	cfg, err := NewConfig(
//	    WithServiceName("col"),
//	    WithDailySupply(200_000),
//	    WithRedisURL("redis://localhost:6379"),
//	)
type Config struct {
	// ServiceName identifies this process in logs, spans, and checkpoint metadata.
	ServiceName string `json:"service_name" env:"COL_SERVICE_NAME" default:"col"`

	// StateDir is the root of the on-disk layout (orchestrator.log,
	// token_economy_state.json, checkpoints/). Defaults to $HOME/.col.
	StateDir string `json:"state_dir" env:"COL_STATE_DIR"`

	// DailySupply is the token economy's daily token budget.
	DailySupply int `json:"daily_supply" env:"COL_DAILY_SUPPLY" default:"100000"`

	// RiskThreshold is the default governance risk gate (overridable per call).
	RiskThreshold float64 `json:"risk_threshold" env:"COL_RISK_THRESHOLD" default:"0.95"`

	// HeartbeatTimeout marks an agent unhealthy once exceeded since its last heartbeat.
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout" env:"COL_HEARTBEAT_TIMEOUT" default:"60s"`

	// StaleAgentTimeout is the stale-sweep threshold for unregistering dead agents.
	StaleAgentTimeout time.Duration `json:"stale_agent_timeout" env:"COL_STALE_AGENT_TIMEOUT" default:"120s"`

	// RedisURL, if set, backs an optional RedisRegistry mirror of the
	// in-memory agent registry. Empty disables the Redis mirror.
	RedisURL string `json:"redis_url" env:"COL_REDIS_URL,REDIS_URL"`

	// Checkpoint retention policy.
	Checkpoint CheckpointPolicyConfig `json:"checkpoint"`

	// Resilience configuration (circuit breaker / retry / timeout defaults).
	Resilience ResilienceConfig `json:"resilience"`

	// Logging configuration.
	Logging LoggingConfig `json:"logging"`

	// Development-mode toggles.
	Development DevelopmentConfig `json:"development"`

	logger Logger
}

// CheckpointPolicyConfig mirrors the checkpoint manager's retention policy
// so it can be sourced from environment/options alongside everything else.
type CheckpointPolicyConfig struct {
	MaxCheckpoints   int           `json:"max_checkpoints" env:"COL_CP_MAX" default:"100"`
	MaxAge           time.Duration `json:"max_age" env:"COL_CP_MAX_AGE" default:"720h"`
	CompressAfter    time.Duration `json:"compress_after" env:"COL_CP_COMPRESS_AFTER" default:"168h"`
	AutoInterval     time.Duration `json:"auto_interval" env:"COL_CP_AUTO_INTERVAL" default:"60m"`
	KeepMinimum      int           `json:"keep_minimum" env:"COL_CP_KEEP_MIN" default:"10"`
	CheckpointOnErr  bool          `json:"checkpoint_on_error" env:"COL_CP_ON_ERROR" default:"true"`
	CheckpointOnRisk bool          `json:"checkpoint_on_high_risk" env:"COL_CP_ON_HIGH_RISK" default:"true"`
}

// ResilienceConfig contains fault-tolerance pattern defaults consumed by the
// router and coordinator when wrapping per-agent delivery callbacks.
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
	Retry          RetryConfig          `json:"retry"`
	Timeout        TimeoutConfig        `json:"timeout"`
}

// CircuitBreakerConfig defines circuit breaker pattern settings.
type CircuitBreakerConfig struct {
	Enabled          bool          `json:"enabled" env:"COL_CB_ENABLED" default:"true"`
	Threshold        int           `json:"threshold" env:"COL_CB_THRESHOLD" default:"5"`
	Timeout          time.Duration `json:"timeout" env:"COL_CB_TIMEOUT" default:"30s"`
	HalfOpenRequests int           `json:"half_open_requests" env:"COL_CB_HALF_OPEN" default:"3"`
}

// RetryConfig defines retry pattern settings with exponential backoff.
type RetryConfig struct {
	MaxAttempts     int           `json:"max_attempts" env:"COL_RETRY_MAX_ATTEMPTS" default:"3"`
	InitialInterval time.Duration `json:"initial_interval" env:"COL_RETRY_INITIAL_INTERVAL" default:"1s"`
	MaxInterval     time.Duration `json:"max_interval" env:"COL_RETRY_MAX_INTERVAL" default:"30s"`
	Multiplier      float64       `json:"multiplier" env:"COL_RETRY_MULTIPLIER" default:"2.0"`
}

// TimeoutConfig defines timeout settings for various operations.
type TimeoutConfig struct {
	DefaultTimeout time.Duration `json:"default_timeout" env:"COL_TIMEOUT_DEFAULT" default:"30s"`
	MaxTimeout     time.Duration `json:"max_timeout" env:"COL_TIMEOUT_MAX" default:"5m"`
}

// LoggingConfig contains logging configuration. Supports structured (JSON)
// and human-readable (text) formats. In Kubernetes, JSON is the default.
type LoggingConfig struct {
	Level  string `json:"level" env:"COL_LOG_LEVEL" default:"info"`
	Format string `json:"format" env:"COL_LOG_FORMAT" default:"text"`
	Output string `json:"output" env:"COL_LOG_OUTPUT" default:"stdout"`
}

// DevelopmentConfig holds local-development toggles.
type DevelopmentConfig struct {
	Enabled      bool `json:"enabled"`
	DebugLogging bool `json:"debug_logging" env:"COL_DEBUG"`
}

// Option configures a Config during NewConfig.
type Option func(*Config) error

// DefaultConfig returns a Config populated with struct-tag defaults and
// environment auto-detection applied.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	cfg := &Config{
		ServiceName:       "col",
		StateDir:          filepath.Join(home, ".col"),
		DailySupply:       100_000,
		RiskThreshold:     0.95,
		HeartbeatTimeout:  60 * time.Second,
		StaleAgentTimeout: 120 * time.Second,
		Checkpoint: CheckpointPolicyConfig{
			MaxCheckpoints:   100,
			MaxAge:           30 * 24 * time.Hour,
			CompressAfter:    7 * 24 * time.Hour,
			AutoInterval:     60 * time.Minute,
			KeepMinimum:      10,
			CheckpointOnErr:  true,
			CheckpointOnRisk: true,
		},
		Resilience: ResilienceConfig{
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				Threshold:        5,
				Timeout:          30 * time.Second,
				HalfOpenRequests: 3,
			},
			Retry: RetryConfig{
				MaxAttempts:     3,
				InitialInterval: time.Second,
				MaxInterval:     30 * time.Second,
				Multiplier:      2.0,
			},
			Timeout: TimeoutConfig{
				DefaultTimeout: 30 * time.Second,
				MaxTimeout:     5 * time.Minute,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
	cfg.detectEnvironment()
	return cfg
}

// detectEnvironment adjusts logging format for Kubernetes deployments, the
// same heuristic the telemetry logger uses independently.
func (c *Config) detectEnvironment() {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		c.Logging.Format = "json"
		return
	}
	c.Development.Enabled = true
	c.Logging.Format = "text"
}

// LoadFromEnv overlays environment variables onto the current values.
// Environment variables take precedence over defaults but are overridden by
// functional options applied after this call.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("COL_SERVICE_NAME"); v != "" {
		c.ServiceName = v
	}
	if v := os.Getenv("COL_STATE_DIR"); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv("COL_DAILY_SUPPLY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DailySupply = n
		} else {
			return fmt.Errorf("%w: COL_DAILY_SUPPLY=%q", ErrInvalidConfiguration, v)
		}
	}
	if v := os.Getenv("COL_RISK_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RiskThreshold = f
		} else {
			return fmt.Errorf("%w: COL_RISK_THRESHOLD=%q", ErrInvalidConfiguration, v)
		}
	}
	if v := os.Getenv("COL_HEARTBEAT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HeartbeatTimeout = d
		} else {
			return fmt.Errorf("%w: COL_HEARTBEAT_TIMEOUT=%q", ErrInvalidConfiguration, v)
		}
	}
	if v := os.Getenv("COL_STALE_AGENT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.StaleAgentTimeout = d
		} else {
			return fmt.Errorf("%w: COL_STALE_AGENT_TIMEOUT=%q", ErrInvalidConfiguration, v)
		}
	}
	if v := os.Getenv("COL_REDIS_URL"); v != "" {
		c.RedisURL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("COL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("COL_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("COL_DEBUG"); v != "" {
		c.Development.DebugLogging = parseBool(v)
	}
	return nil
}

// LoadFromFile overlays a JSON file's contents onto the current values.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMissingConfiguration, err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	return nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("%w: service name is required", ErrInvalidConfiguration)
	}
	if c.DailySupply <= 0 {
		return fmt.Errorf("%w: daily_supply must be positive", ErrInvalidConfiguration)
	}
	if c.RiskThreshold < 0 || c.RiskThreshold > 1 {
		return fmt.Errorf("%w: risk_threshold must be in [0,1]", ErrInvalidConfiguration)
	}
	if c.Checkpoint.KeepMinimum > c.Checkpoint.MaxCheckpoints {
		return fmt.Errorf("%w: keep_minimum must be <= max_checkpoints", ErrInvalidConfiguration)
	}
	return nil
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	return err == nil && b
}

// WithServiceName sets the process service name used in logs and checkpoints.
func WithServiceName(name string) Option {
	return func(c *Config) error {
		c.ServiceName = name
		return nil
	}
}

// WithStateDir overrides the on-disk layout root.
func WithStateDir(dir string) Option {
	return func(c *Config) error {
		c.StateDir = dir
		return nil
	}
}

// WithDailySupply sets the token economy's daily supply.
func WithDailySupply(tokens int) Option {
	return func(c *Config) error {
		c.DailySupply = tokens
		return nil
	}
}

// WithRiskThreshold sets the default governance risk gate.
func WithRiskThreshold(threshold float64) Option {
	return func(c *Config) error {
		c.RiskThreshold = threshold
		return nil
	}
}

// WithHeartbeatTimeout sets the registry healthiness window.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(c *Config) error {
		c.HeartbeatTimeout = d
		return nil
	}
}

// WithStaleAgentTimeout sets the stale-sweep threshold.
func WithStaleAgentTimeout(d time.Duration) Option {
	return func(c *Config) error {
		c.StaleAgentTimeout = d
		return nil
	}
}

// WithRedisURL enables an optional Redis mirror of the agent registry.
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		c.RedisURL = url
		return nil
	}
}

// WithCircuitBreaker overrides the default circuit breaker parameters used
// by the router for per-agent delivery callbacks.
func WithCircuitBreaker(threshold int, timeout time.Duration) Option {
	return func(c *Config) error {
		c.Resilience.CircuitBreaker.Threshold = threshold
		c.Resilience.CircuitBreaker.Timeout = timeout
		return nil
	}
}

// WithLogLevel sets the minimum log level.
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}

// WithLogFormat sets the log output format ("json" or "text").
func WithLogFormat(format string) Option {
	return func(c *Config) error {
		c.Logging.Format = format
		return nil
	}
}

// WithLogger injects a pre-built logger, bypassing ProductionLogger construction.
func WithLogger(logger Logger) Option {
	return func(c *Config) error {
		c.logger = logger
		return nil
	}
}

// NewConfig builds a Config from defaults, environment variables, then
// functional options, in that precedence order, and validates the result.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if cfg.logger == nil {
		logger := NewProductionLogger(cfg.Logging, cfg.Development, cfg.ServiceName)
		if prodLogger, ok := logger.(*ProductionLogger); ok {
			trackLogger(prodLogger)
		}
		cfg.logger = logger
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Logger returns the configured logger, building a default ProductionLogger
// if NewConfig has not yet been called.
func (c *Config) Logger() Logger {
	if c.logger == nil {
		return NewProductionLogger(c.Logging, c.Development, c.ServiceName)
	}
	return c.logger
}

// ============================================================================
// ProductionLogger — layered observability (structured logs + optional metrics)
// ============================================================================

// ProductionLogger provides layered observability for COL internals: text or
// JSON structured logs, with an optional metrics layer enabled once the
// telemetry module registers itself via SetMetricsRegistry.
type ProductionLogger struct {
	level       string
	debug       bool
	serviceName string
	component   string
	format      string
	output      io.Writer

	metricsEnabled bool
}

// NewProductionLogger creates a logger from LoggingConfig.
func NewProductionLogger(logging LoggingConfig, dev DevelopmentConfig, serviceName string) Logger {
	var output io.Writer = os.Stdout
	if logging.Output == "stderr" {
		output = os.Stderr
	}

	return &ProductionLogger{
		level:       strings.ToLower(logging.Level),
		debug:       dev.DebugLogging || logging.Level == "debug",
		serviceName: serviceName,
		component:   "col",
		format:      logging.Format,
		output:      output,
	}
}

// WithComponent returns a logger tagged with the given component, e.g.
// "col/orchestrator", "col/economy", "col/registry".
func (p *ProductionLogger) WithComponent(component string) Logger {
	clone := *p
	clone.component = component
	return &clone
}

// EnableMetrics is called by the telemetry module to enable the metrics layer.
func (p *ProductionLogger) EnableMetrics() {
	p.metricsEnabled = true
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{})  { p.logEvent("INFO", msg, fields, nil) }
func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) { p.logEvent("ERROR", msg, fields, nil) }
func (p *ProductionLogger) Warn(msg string, fields map[string]interface{})  { p.logEvent("WARN", msg, fields, nil) }
func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, nil)
	}
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, ctx)
}
func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, ctx)
}
func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, ctx)
}
func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, ctx)
	}
}

func (p *ProductionLogger) logEvent(level, msg string, fields map[string]interface{}, ctx context.Context) {
	timestamp := time.Now().Format(time.RFC3339)

	if p.format == "json" {
		logEntry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     level,
			"service":   p.serviceName,
			"component": p.component,
			"message":   msg,
		}
		if ctx != nil && p.metricsEnabled {
			for k, v := range getContextBaggage(ctx) {
				logEntry["trace."+k] = v
			}
		}
		for k, v := range fields {
			logEntry[k] = v
		}
		if data, err := json.Marshal(logEntry); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
	} else {
		traceInfo := ""
		if ctx != nil && p.metricsEnabled {
			if baggage := getContextBaggage(ctx); baggage["request_id"] != "" {
				traceInfo = fmt.Sprintf("[req=%s] ", baggage["request_id"])
			}
		}

		var fieldStr strings.Builder
		if len(fields) > 0 {
			fieldStr.WriteString(" ")
			for k, v := range fields {
				fieldStr.WriteString(fmt.Sprintf("%s=%v ", k, v))
			}
		}

		fmt.Fprintf(p.output, "%s [%s] [%s/%s] %s%s%s\n",
			timestamp, level, p.serviceName, p.component, traceInfo, msg, fieldStr.String())
	}

	if p.metricsEnabled {
		p.emitFrameworkMetric(level, msg, fields, ctx)
	}
}

func (p *ProductionLogger) emitFrameworkMetric(level, msg string, fields map[string]interface{}, ctx context.Context) {
	labels := []string{
		"level", level,
		"service", p.serviceName,
		"component", p.component,
	}
	for k, v := range fields {
		switch k {
		case "operation", "status", "error_type", "phase", "request_type":
			labels = append(labels, k, fmt.Sprintf("%v", v))
		}
	}

	if ctx != nil {
		emitMetricWithContext(ctx, "col.framework.events", 1.0, labels...)
	} else {
		emitMetric("col.framework.events", 1.0, labels...)
	}
}

func emitMetric(name string, value float64, labels ...string) {
	if globalMetricsRegistry != nil {
		globalMetricsRegistry.Counter(name, labels...)
	}
}

func emitMetricWithContext(ctx context.Context, name string, value float64, labels ...string) {
	if globalMetricsRegistry != nil {
		globalMetricsRegistry.EmitWithContext(ctx, name, value, labels...)
	}
}

func getContextBaggage(ctx context.Context) map[string]string {
	if globalMetricsRegistry != nil {
		return globalMetricsRegistry.GetBaggage(ctx)
	}
	return make(map[string]string)
}
