// Package config loads the gateway's YAML configuration and owns the
// small SQLite store used for API keys and runtime settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pgguard/pgguard/internal/audit"
	"github.com/pgguard/pgguard/internal/model"
	"github.com/pgguard/pgguard/internal/ratelimit"
)

// YAMLConfig is the top-level gateway configuration file.
type YAMLConfig struct {
	Server    ServerConfig     `yaml:"server"`
	Auth      AuthConfig       `yaml:"auth"`
	Databases []DatabaseYAML   `yaml:"databases"`
	Limits    ratelimit.Config `yaml:"rate_limits"`
	Audit     audit.Config     `yaml:"audit"`
	Execution ExecutionConfig  `yaml:"execution"`
	MCP       MCPConfig        `yaml:"mcp"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string     `yaml:"host"`
	Port            int        `yaml:"port"`
	ShutdownTimeout string     `yaml:"shutdown_timeout"`
	EdgeRPM         int        `yaml:"edge_requests_per_minute"`
	CORS            CORSConfig `yaml:"cors"`
	TLS             TLSConfig  `yaml:"tls"`
}

// CORSConfig controls cross-origin resource sharing settings.
type CORSConfig struct {
	Origins []string `yaml:"origins"`
	Methods []string `yaml:"methods"`
}

// TLSConfig controls TLS termination at the server level.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AuthConfig controls authentication settings.
type AuthConfig struct {
	JWTSecret    string `yaml:"jwt_secret"`
	JWTExpiry    string `yaml:"jwt_expiry"`
	APIKeyHeader string `yaml:"api_key_header"`
}

// DatabaseYAML defines one guarded database: where it lives and what the
// policy allows callers to see.
type DatabaseYAML struct {
	Name   string             `yaml:"name"`
	Engine string             `yaml:"engine"`
	DSN    string             `yaml:"dsn"`
	Schema string             `yaml:"schema"`
	Policy model.PolicyConfig `yaml:"policy"`
	Pool   *PoolYAML          `yaml:"pool,omitempty"`
}

// PoolYAML controls the connection pool for one database.
type PoolYAML struct {
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime"`
}

// ExecutionConfig bounds query execution and the planner cost gate.
type ExecutionConfig struct {
	MaxRows        int     `yaml:"max_rows"`
	QueryTimeout   string  `yaml:"query_timeout"`
	SchemaCacheTTL string  `yaml:"schema_cache_ttl"`
	ExplainEnabled bool    `yaml:"explain_enabled"`
	MaxCost        float64 `yaml:"max_cost"`
	MaxPlanRows    float64 `yaml:"max_plan_rows"`
}

// MCPConfig controls the MCP (Model Context Protocol) server.
type MCPConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Transport string `yaml:"transport"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadYAMLConfig reads and parses a YAML configuration file. Environment
// variables referenced as ${VAR_NAME} in the file are expanded before
// parsing, so DSN credentials never have to live in the file itself.
func LoadYAMLConfig(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	content := os.ExpandEnv(string(data))

	cfg := DefaultYAMLConfig()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would start a gateway guarding
// nothing or guarding it incoherently.
func (c *YAMLConfig) Validate() error {
	if len(c.Databases) == 0 {
		return fmt.Errorf("config declares no databases")
	}
	seen := map[string]bool{}
	for _, db := range c.Databases {
		if db.Name == "" {
			return fmt.Errorf("database entry missing a name")
		}
		if seen[db.Name] {
			return fmt.Errorf("duplicate database name %q", db.Name)
		}
		seen[db.Name] = true
		if db.DSN == "" {
			return fmt.Errorf("database %q missing a dsn", db.Name)
		}
	}
	return nil
}

// Duration parses a duration field, falling back when empty or invalid.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// DefaultYAMLConfig returns a YAMLConfig pre-filled with the defaults a
// fresh install runs with.
func DefaultYAMLConfig() *YAMLConfig {
	return &YAMLConfig{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: "30s",
			EdgeRPM:         600,
			CORS: CORSConfig{
				Origins: []string{"*"},
				Methods: []string{"GET", "POST"},
			},
		},
		Auth: AuthConfig{
			JWTExpiry:    "1h",
			APIKeyHeader: "X-API-Key",
		},
		Limits: ratelimit.Config{
			Enabled:         true,
			GlobalPerMinute: 120,
			GlobalPerHour:   2000,
			ClientPerMinute: 30,
			TokensPerMinute: 50000,
			TokensPerHour:   500000,
		},
		Audit: audit.Config{
			Enabled: true,
			Backend: audit.BackendStdout,
			LogSQL:  true,
		},
		Execution: ExecutionConfig{
			MaxRows:        1000,
			QueryTimeout:   "30s",
			SchemaCacheTTL: "5m",
			ExplainEnabled: true,
			MaxCost:        100000,
			MaxPlanRows:    1000000,
		},
		MCP: MCPConfig{
			Enabled:   true,
			Transport: "stdio",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// WriteDefaultConfig writes the default configuration to a YAML file.
func WriteDefaultConfig(path string) error {
	cfg := DefaultYAMLConfig()
	cfg.Databases = []DatabaseYAML{{
		Name:   "appdb",
		Engine: "postgres",
		DSN:    "${PGGUARD_APPDB_DSN}",
		Schema: "public",
		Policy: model.PolicyConfig{
			AllowedSchemas: []string{"public"},
			SelectStar:     model.SelectStarReject,
		},
	}}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
