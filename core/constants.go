package core

import "time"

// Environment variables recognized by the default configuration loader.
const (
	EnvServiceName       = "COL_SERVICE_NAME"
	EnvRedisURL          = "COL_REDIS_URL"
	EnvStateDir          = "COL_STATE_DIR"
	EnvDailySupply       = "COL_DAILY_SUPPLY"
	EnvHeartbeatTimeout  = "COL_HEARTBEAT_TIMEOUT"
	EnvStaleAgentTimeout = "COL_STALE_AGENT_TIMEOUT"
)

// Registry namespace defaults.
const (
	// DefaultRegistryNamespace prefixes every key in the optional Redis mirror.
	DefaultRegistryNamespace = "col"

	// DefaultHeartbeatTimeout is the healthiness window applied when a
	// Config does not override it.
	DefaultHeartbeatTimeout = 60 * time.Second

	// DefaultStaleAgentTimeout is the stale-sweep threshold applied when a
	// Config does not override it.
	DefaultStaleAgentTimeout = 120 * time.Second
)
