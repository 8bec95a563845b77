// Package config handles application configuration.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	Filesystem FilesystemConfig `mapstructure:"filesystem"`
	HTTPFetch  HTTPConfig       `mapstructure:"http_fetch"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Audit      AuditConfig      `mapstructure:"audit"`
	OPA        OPAConfig        `mapstructure:"opa"`
	OTEL       OTELConfig       `mapstructure:"otel"`
	Actor      string           `mapstructure:"actor"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string   `mapstructure:"port"`
	Host            string   `mapstructure:"host"`
	ReadTimeout     int      `mapstructure:"read_timeout"`
	WriteTimeout    int      `mapstructure:"write_timeout"`
	ShutdownTimeout int      `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string `mapstructure:"cors_origins"`
	BearerToken     string   `mapstructure:"bearer_token"`
	RateLimitPerMin int      `mapstructure:"rate_limit_per_minute"`
}

// PerToolConfig is the raw, mapstructure-decoded form of §3's per_tool
// record; ArgAllowlist entries are parsed into policy.ArgRule once at
// config-load time via policy.BuildConfig.
type PerToolConfig struct {
	Allow        *bool          `mapstructure:"allow"`
	TimeoutMs    int64          `mapstructure:"timeout_ms"`
	MaxBytes     int64          `mapstructure:"max_bytes"`
	ArgAllowlist map[string]any `mapstructure:"arg_allowlist"`
}

// PolicyConfig holds the static policy decision engine's configuration.
type PolicyConfig struct {
	DefaultDeny     bool                     `mapstructure:"default_deny"`
	AllowTools      []string                 `mapstructure:"allow_tools"`
	DenyTools       []string                 `mapstructure:"deny_tools"`
	PerTool         map[string]PerToolConfig `mapstructure:"per_tool"`
	GlobalTimeoutMs int64                    `mapstructure:"global_timeout_ms"`
	GlobalMaxBytes  int64                    `mapstructure:"global_max_bytes"`
}

// FilesystemConfig holds the fs.* connector's confinement configuration.
type FilesystemConfig struct {
	AllowedPaths []string `mapstructure:"allowed_paths"`
	DeniedPaths  []string `mapstructure:"denied_paths"`
	MaxFileSize  int64    `mapstructure:"max_file_size"`
}

// HTTPConfig holds the web.fetch connector's egress configuration.
type HTTPConfig struct {
	AllowedDomains   []string `mapstructure:"allowed_domains"`
	DeniedDomains    []string `mapstructure:"denied_domains"`
	MaxResponseBytes int64    `mapstructure:"max_response_bytes"`
	TimeoutMs        int64    `mapstructure:"timeout_ms"`
}

// DatabaseConfig holds PostgreSQL configuration for the SQL connector.
type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	Database       string `mapstructure:"database"`
	SSLMode        string `mapstructure:"sslmode"`
	MaxConns       int32  `mapstructure:"max_conns"`
	QueryTimeoutMs int64  `mapstructure:"query_timeout_ms"`
	MaxRows        int    `mapstructure:"max_rows"`
}

// AuditConfig holds the audit logger's sink configuration.
type AuditConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	FilePath string `mapstructure:"file_path"`
}

// OPAConfig holds the optional secondary policy hook's configuration.
type OPAConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	BundlePath string `mapstructure:"bundle_path"`
	PolicyPath string `mapstructure:"policy_path"`
}

// OTELConfig holds OpenTelemetry configuration.
type OTELConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	Endpoint       string  `mapstructure:"endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
	Environment    string  `mapstructure:"environment"`
	MetricsPort    int     `mapstructure:"metrics_port"`
	SamplingRate   float64 `mapstructure:"sampling_rate"`
}

// Load reads configuration from file and environment.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/mcp-gateway")
		v.AddConfigPath("$HOME/.mcp-gateway")

		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
			// Config file not found - continue with defaults and env vars.
		}
	}

	v.SetEnvPrefix("MCPGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", 15)
	v.SetDefault("server.write_timeout", 15)
	v.SetDefault("server.shutdown_timeout", 30)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.rate_limit_per_minute", 120)

	v.SetDefault("policy.default_deny", true)
	v.SetDefault("policy.global_timeout_ms", 5000)
	v.SetDefault("policy.global_max_bytes", 1048576)

	v.SetDefault("filesystem.max_file_size", 10485760)

	v.SetDefault("http_fetch.max_response_bytes", 1048576)
	v.SetDefault("http_fetch.timeout_ms", 10000)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "mcp_gateway")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 5)
	v.SetDefault("database.query_timeout_ms", 5000)
	v.SetDefault("database.max_rows", 1000)

	v.SetDefault("audit.enabled", true)

	v.SetDefault("opa.enabled", false)

	v.SetDefault("otel.enabled", false)
	v.SetDefault("otel.service_name", "mcp-gateway")
	v.SetDefault("otel.environment", "production")
	v.SetDefault("otel.metrics_port", 9090)
	v.SetDefault("otel.sampling_rate", 1.0)

	v.SetDefault("actor", "mcp-gateway")
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
