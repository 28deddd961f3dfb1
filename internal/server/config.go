package server

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/txn2/mcp-consent-proxy/pkg/policy"
	"github.com/txn2/mcp-consent-proxy/pkg/session"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config holds the complete proxy configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Downstream DownstreamConfig `yaml:"downstream"`
	AuthServer AuthServerConfig `yaml:"auth_server"`
	Grants     GrantsConfig     `yaml:"grants"`
	Session    SessionConfig    `yaml:"session"`
	Storage    StorageConfig    `yaml:"storage"`
	Audit      AuditConfig      `yaml:"audit"`
	Policy     PolicyConfig     `yaml:"policy"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Address     string `yaml:"address"`
	AdminAPIKey string `yaml:"admin_api_key"`
}

// DownstreamConfig identifies the tool server requests are forwarded to.
type DownstreamConfig struct {
	URL       string `yaml:"url"`
	Transport string `yaml:"transport"`
}

// AuthServerConfig configures the OAuth Authorization Server client.
type AuthServerConfig struct {
	URL         string `yaml:"url"`
	ClientID    string `yaml:"client_id"`
	RedirectURI string `yaml:"redirect_uri"`

	// SigningKey is the HMAC key for verifying access-token claims in the
	// OAuth callback. Without a key, token claims are not trusted.
	SigningKey string `yaml:"signing_key"`
}

// GrantsConfig configures the Grant Management API client.
type GrantsConfig struct {
	APIURL string `yaml:"api_url"`
}

// SessionConfig configures session lifecycle.
type SessionConfig struct {
	MaxAge        time.Duration `yaml:"max_age"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// StorageConfig selects the session/audit storage backend.
type StorageConfig struct {
	Backend      string `yaml:"backend"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// AuditConfig configures decision audit logging.
type AuditConfig struct {
	Enabled       bool `yaml:"enabled"`
	RetentionDays int  `yaml:"retention_days"`
}

// PolicyConfig carries custom tool groups that extend or override the
// built-in defaults.
type PolicyConfig struct {
	Groups []policy.Group `yaml:"groups"`
}

// LoadConfig loads configuration from a file.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.Server.Name == "" {
		cfg.Server.Name = "mcp-consent-proxy"
	}
	if cfg.Server.Version == "" {
		cfg.Server.Version = Version
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Downstream.Transport == "" {
		cfg.Downstream.Transport = "sse"
	}
	if cfg.AuthServer.ClientID == "" {
		cfg.AuthServer.ClientID = "mcp-consent-proxy"
	}
	if cfg.AuthServer.RedirectURI == "" {
		cfg.AuthServer.RedirectURI = "http://localhost:8080/callback"
	}
	if cfg.Session.MaxAge == 0 {
		cfg.Session.MaxAge = session.DefaultMaxAge
	}
	if cfg.Session.SweepInterval == 0 {
		cfg.Session.SweepInterval = session.DefaultSweepInterval
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendMemory
	}
	if cfg.Storage.MaxOpenConns == 0 {
		cfg.Storage.MaxOpenConns = 25
	}
	if cfg.Audit.RetentionDays == 0 {
		cfg.Audit.RetentionDays = 90
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Downstream.URL == "" {
		errs = append(errs, "downstream.url is required")
	}
	if c.AuthServer.URL == "" {
		errs = append(errs, "auth_server.url is required")
	}
	if c.Grants.APIURL == "" {
		errs = append(errs, "grants.api_url is required")
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, "storage.dsn is required for the postgres backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.backend must be %q or %q", BackendMemory, BackendPostgres))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
