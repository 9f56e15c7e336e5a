// Package config loads and hot-reloads the Gateway's JSON configuration,
// matching the teacher's tolerant-unmarshal + env-secret-overlay pattern.
package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the Gateway Core's root configuration, one sub-config per
// component named in SPEC_FULL §4.7.
type Config struct {
	Gateway      GatewayConfig      `json:"gateway"`
	EventBus     EventBusConfig     `json:"event_bus,omitempty"`
	Orchestrator OrchestratorConfig `json:"orchestrator,omitempty"`
	Memory       MemoryConfig       `json:"memory,omitempty"`
	Tools        ToolsConfig        `json:"tools"`
	Sessions     SessionsConfig     `json:"sessions"`
	Plugins      PluginsConfig      `json:"plugins,omitempty"`
	Telemetry    TelemetryConfig    `json:"telemetry,omitempty"`
	Database     DatabaseConfig     `json:"database,omitempty"`
	Providers    ProvidersConfig    `json:"providers"`

	mu sync.RWMutex
}

// GatewayConfig controls the WebSocket/HTTP protocol layer.
type GatewayConfig struct {
	Host              string   `json:"host"`
	Port              int      `json:"port"`
	Token             string   `json:"token,omitempty"` // bearer token; pluggable auth treats this as always-accept per spec §4.2
	OwnerIDs          []string `json:"owner_ids,omitempty"`
	AllowedOrigins    []string `json:"allowed_origins,omitempty"`
	MaxMessageChars   int      `json:"max_message_chars,omitempty"`
	RateLimitRPM      int      `json:"rate_limit_rpm,omitempty"`
	HeartbeatIntervalS int     `json:"heartbeat_interval_s,omitempty"` // default 30
	IdleTimeoutS       int     `json:"idle_timeout_s,omitempty"`       // default 300
}

// EventBusConfig controls the Event Bus's bounded history.
type EventBusConfig struct {
	HistoryCapacity int `json:"history_capacity,omitempty"` // default 1000
}

// OrchestratorConfig controls the Conversation Orchestrator's scheduling.
type OrchestratorConfig struct {
	MaxQueueSize     int     `json:"max_queue_size,omitempty"`      // default 32
	WorkerIdleTTLS   int     `json:"worker_idle_ttl_s,omitempty"`   // default 300
	MaxRetries       int     `json:"max_retries,omitempty"`         // default 2
	RetryBaseDelayS  float64 `json:"retry_base_delay_s,omitempty"`  // default 1
	RetryMaxDelayS   float64 `json:"retry_max_delay_s,omitempty"`   // default 30
	MinQueryChars    int     `json:"min_query_chars,omitempty"`     // default 6
	MaxQueryChars    int     `json:"max_query_chars,omitempty"`     // default 4000
	RecentWindow     int     `json:"recent_history_messages,omitempty"` // bounded window fetched per turn
}

// MemoryConfig controls the Memory Service: graph backend, classifier,
// recall, and maintenance thresholds.
type MemoryConfig struct {
	Enabled *bool `json:"enabled,omitempty"` // default true (nil = enabled)

	Neo4jURI      string `json:"-"` // from env only
	Neo4jUsername string `json:"-"`
	Neo4jPassword string `json:"-"`
	Neo4jDatabase string `json:"neo4j_database,omitempty"`

	ClassifierProvider string `json:"classifier_provider,omitempty"` // may differ from the chat model
	ClassifierModel    string `json:"classifier_model,omitempty"`
	SummaryModel       string `json:"summary_model,omitempty"`

	MinUserChars                  int     `json:"min_user_chars,omitempty"`                     // default 4
	MinAssistantCharsForShortUser int     `json:"min_assistant_chars_for_short_user,omitempty"` // default 20
	MaxCombinedChars              int     `json:"max_combined_chars,omitempty"`                 // default 8000
	MinCandidateChars             int     `json:"min_candidate_chars,omitempty"`                // default 8
	RecentWriteCacheSize          int     `json:"recent_write_cache_size,omitempty"`            // default 2000

	ClusterEveryMessages   int     `json:"cluster_every_messages,omitempty"`   // default 12
	ClusterMinIntervalS    int     `json:"cluster_min_interval_s,omitempty"`   // default 300
	IdleClusterDelayS      int     `json:"idle_cluster_delay_s,omitempty"`     // default 120
	IdleClusterMinMessages int     `json:"idle_cluster_min_messages,omitempty"` // default 2
	ClusteringThreshold    float64 `json:"clustering_threshold,omitempty"`    // default 0.7 → DBSCAN eps = 1-threshold
	MinClusterSize         int     `json:"min_cluster_size,omitempty"`        // default 3

	CompressionThreshold int `json:"compression_threshold,omitempty"` // default 50
	MaxSummaryLength     int `json:"max_summary_length,omitempty"`    // default 600

	DecayIntervalS  int     `json:"decay_interval_s,omitempty"`  // default 86400
	MinImportance   float64 `json:"min_importance,omitempty"`    // default 0.15
	ForgettingEvery int     `json:"forgetting_every,omitempty"`  // default 100 messages
}

// ToolsConfig controls tool availability, policy, MCP, and HITL risk gating.
type ToolsConfig struct {
	Profile      string                      `json:"profile,omitempty"` // "minimal", "coding", "full"
	Allow        []string                    `json:"allow,omitempty"`
	Deny         []string                    `json:"deny,omitempty"`
	AlsoAllow    []string                    `json:"alsoAllow,omitempty"`
	ByProvider   map[string]*ToolPolicySpec  `json:"byProvider,omitempty"`
	McpServers   map[string]*MCPServerConfig `json:"mcp_servers,omitempty"`
	HighRisk     []string                    `json:"high_risk,omitempty"`     // extends the default HIGH allowlist
	ModerateRisk []string                    `json:"moderate_risk,omitempty"` // extends the default MODERATE allowlist
	ExecApproval ExecApprovalCfg             `json:"exec_approval,omitempty"`
	PluginsDir   string                      `json:"plugins_dir,omitempty"` // directory of *.plugin.json manifests (§4.9)
}

// MCPServerConfig configures a single external MCP server connection.
type MCPServerConfig struct {
	Transport  string            `json:"transport"`
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	URL        string            `json:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Enabled    *bool             `json:"enabled,omitempty"`
	ToolPrefix string            `json:"tool_prefix,omitempty"`
	TimeoutSec int               `json:"timeout_sec,omitempty"`
	ToolAllow  []string          `json:"tool_allow,omitempty"`
	ToolDeny   []string          `json:"tool_deny,omitempty"`
}

// IsEnabled returns whether this MCP server is enabled (default true).
func (c *MCPServerConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// ToolPolicySpec defines a tool policy at any level (global or per-provider).
type ToolPolicySpec struct {
	Profile    string                     `json:"profile,omitempty"`
	Allow      []string                   `json:"allow,omitempty"`
	Deny       []string                   `json:"deny,omitempty"`
	AlsoAllow  []string                   `json:"alsoAllow,omitempty"`
	ByProvider map[string]*ToolPolicySpec `json:"byProvider,omitempty"`
}

// ExecApprovalCfg holds the shell tool's approval settings for the HIGH risk
// tier (§4.5). It is loaded with the config, but no code reads it: HITL
// confirmation follows tools.RiskTierFor alone.
type ExecApprovalCfg struct {
	Security  string              `json:"security,omitempty"` // "confirm" (default) or "allow_all"
	Ask       FlexibleStringSlice `json:"ask,omitempty"`
	Allowlist FlexibleStringSlice `json:"allowlist,omitempty"`
}

// SessionsConfig controls the Message/Turn Manager's persistence.
type SessionsConfig struct {
	Storage             string  `json:"storage"`                          // directory holding one JSON file per session (default "sessions.json")
	MaxHistoryRounds    int     `json:"max_history_rounds,omitempty"`     // not read by sessions.Manager; history is not bounded by it
	MaxCompletedTurnIDs int     `json:"max_completed_turn_ids,omitempty"` // default 1000
	CompactionHistoryShare float64 `json:"compaction_history_share,omitempty"` // fraction of context window that triggers summarization, default 0.75
	CompactionMinMessages  int     `json:"compaction_min_messages,omitempty"`  // minimum history length before compaction considers firing, default 50
	CompactionKeepLast     int     `json:"compaction_keep_last,omitempty"`     // messages kept verbatim after a compaction pass, default 4
}

// PluginsConfig controls the local tool-plugin loader (§4.9).
type PluginsConfig struct {
	Dir         string `json:"dir,omitempty"`
	WatchReload bool   `json:"watch_reload,omitempty"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// DatabaseConfig configures Postgres for the session/turn relational store.
// PostgresDSN is never read from config.json — only from env.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
	Backend     string `json:"backend,omitempty"` // "file" (default) or "postgres"
}

// ProvidersConfig maps provider name to its config. Only the Anthropic
// provider has a concrete adapter in this repo (internal/providers), and it
// is the only entry in the table.
type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic"`
}

// ProviderConfig holds one LLM provider's credentials.
type ProviderConfig struct {
	APIKey  string `json:"-"` // env only, never persisted
	APIBase string `json:"api_base,omitempty"`
	Model   string `json:"model,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// Used for hot-reload so existing pointers into the live Config keep working.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway = src.Gateway
	c.EventBus = src.EventBus
	c.Orchestrator = src.Orchestrator
	c.Memory = src.Memory
	c.Tools = src.Tools
	c.Sessions = src.Sessions
	c.Plugins = src.Plugins
	c.Telemetry = src.Telemetry
	c.Database = src.Database
	c.Providers = src.Providers
}

// Snapshot returns a shallow copy of c safe to read without holding c's lock.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := *c
	cp.mu = sync.RWMutex{}
	return cp
}
