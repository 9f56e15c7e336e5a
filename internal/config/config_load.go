package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	json5 "github.com/titanous/json5"
)

// Default returns a Config with sane defaults, matching what a fresh
// install would run with before any config.json exists.
func Default() *Config {
	enabled := true
	return &Config{
		Gateway: GatewayConfig{
			Host:               "0.0.0.0",
			Port:               8765,
			AllowedOrigins:     []string{"*"},
			MaxMessageChars:    8000,
			RateLimitRPM:       0,
			HeartbeatIntervalS: 30,
			IdleTimeoutS:       300,
		},
		EventBus: EventBusConfig{HistoryCapacity: 1000},
		Orchestrator: OrchestratorConfig{
			MaxQueueSize:    32,
			WorkerIdleTTLS:  300,
			MaxRetries:      2,
			RetryBaseDelayS: 1,
			RetryMaxDelayS:  30,
			MinQueryChars:   6,
			MaxQueryChars:   4000,
			RecentWindow:    20,
		},
		Memory: MemoryConfig{
			Enabled:                       &enabled,
			Neo4jDatabase:                 "neo4j",
			MinUserChars:                  4,
			MinAssistantCharsForShortUser: 20,
			MaxCombinedChars:              8000,
			MinCandidateChars:             8,
			RecentWriteCacheSize:          2000,
			ClusterEveryMessages:          12,
			ClusterMinIntervalS:           300,
			IdleClusterDelayS:             120,
			IdleClusterMinMessages:        2,
			ClusteringThreshold:           0.7,
			MinClusterSize:                3,
			CompressionThreshold:          50,
			MaxSummaryLength:              600,
			DecayIntervalS:                86400,
			MinImportance:                 0.15,
			ForgettingEvery:               100,
		},
		Tools: ToolsConfig{
			Profile:      "full",
			ExecApproval: ExecApprovalCfg{Security: "confirm"},
		},
		Sessions: SessionsConfig{
			Storage:                "sessions.json",
			MaxHistoryRounds:       50,
			MaxCompletedTurnIDs:    1000,
			CompactionHistoryShare: 0.75,
			CompactionMinMessages:  50,
			CompactionKeepLast:     4,
		},
		Plugins: PluginsConfig{Dir: "plugins"},
		Telemetry: TelemetryConfig{
			ServiceName: "gatewaycore",
			Protocol:    "grpc",
		},
		Database: DatabaseConfig{Backend: "file"},
	}
}

// Load reads cfg from path (tolerant JSON5), falling back to Default() when
// the file does not exist, then overlays secret-bearing env vars.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides layers GATEWAYCORE_* environment variables over cfg,
// matching the teacher's pattern of keeping secrets out of the JSON file
// entirely, plus the fixed set of operational fields listed below.
func applyEnvOverrides(c *Config) {
	envStr("GATEWAYCORE_NEO4J_URI", &c.Memory.Neo4jURI)
	envStr("GATEWAYCORE_NEO4J_USERNAME", &c.Memory.Neo4jUsername)
	envStr("GATEWAYCORE_NEO4J_PASSWORD", &c.Memory.Neo4jPassword)
	envStr("GATEWAYCORE_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("GATEWAYCORE_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("GATEWAYCORE_ANTHROPIC_API_BASE", &c.Providers.Anthropic.APIBase)
	envStr("GATEWAYCORE_ANTHROPIC_MODEL", &c.Providers.Anthropic.Model)
	envStr("GATEWAYCORE_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("GATEWAYCORE_OTEL_ENDPOINT", &c.Telemetry.Endpoint)

	envInt("GATEWAYCORE_GATEWAY_PORT", &c.Gateway.Port)
	envInt("GATEWAYCORE_GATEWAY_RATE_LIMIT_RPM", &c.Gateway.RateLimitRPM)
	envStrSlice("GATEWAYCORE_GATEWAY_ALLOWED_ORIGINS", &c.Gateway.AllowedOrigins)
	envStrSlice("GATEWAYCORE_GATEWAY_OWNER_IDS", &c.Gateway.OwnerIDs)
}

func envStr(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envStrSlice(key string, dst *[]string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		*dst = parts
	}
}

// Save writes cfg to path as indented JSON, 0600-permissioned, via a
// temp-file-then-rename so readers never observe a partial write. Secret
// fields (json:"-") are never serialized.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	data, err := json.MarshalIndent(cfg, "", "  ")
	cfg.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("config: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("config: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: close temp: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("config: chmod temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("config: rename: %w", err)
	}
	return nil
}

// Hash returns a sha256 digest of cfg's JSON encoding.
func Hash(cfg *Config) (string, error) {
	cfg.mu.RLock()
	data, err := json.Marshal(cfg)
	cfg.mu.RUnlock()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ExpandHome expands a leading "~/" in path to the user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
