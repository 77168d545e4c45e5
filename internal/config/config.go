// Package config handles configuration loading and validation for exitplane.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override secrets from the config file.
const (
	EnvJWTSecret    = "EXITPLANE_JWT_SECRET"
	EnvHybridSecret = "EXITPLANE_HYBRID_SECRET"
	EnvDatabaseDSN  = "EXITPLANE_DATABASE_DSN"
	EnvRedisAddr    = "EXITPLANE_REDIS_ADDR"
	EnvAPIKey       = "EXITPLANE_API_KEY"
)

// ServerConfig holds the control plane listener and the auth plugin settings.
type ServerConfig struct {
	Listen                      string `yaml:"listen"`
	InternalHostname            string `yaml:"internal_hostname"`
	InternalPort                int    `yaml:"internal_port"`
	SessionCookieName           string `yaml:"session_cookie_name"`
	ResourceAccessTokenParam    string `yaml:"resource_access_token_param"`
	ResourceSessionRequestParam string `yaml:"resource_session_request_param"`
	JWTSecret                   string `yaml:"jwt_secret"`
	// APIKey enables the management API. Empty disables it.
	APIKey                      string `yaml:"api_key"`
}

// GerbilConfig holds exit node address and port allocation settings.
type GerbilConfig struct {
	StartPort     int    `yaml:"start_port"`
	BaseEndpoint  string `yaml:"base_endpoint"`
	UseSubdomain  bool   `yaml:"use_subdomain"`
	ExitNodeName  string `yaml:"exit_node_name"`
	SubnetGroup   string `yaml:"subnet_group"`
	BlockSize     int    `yaml:"block_size"`
	SiteBlockSize int    `yaml:"site_block_size"`
}

// TraefikConfig holds the reverse proxy document locations and routing options.
type TraefikConfig struct {
	CertificatesPath        string        `yaml:"certificates_path"`
	DynamicRouterConfigPath string        `yaml:"dynamic_router_config_path"`
	DynamicCertConfigPath   string        `yaml:"dynamic_cert_config_path"`
	SyncInterval            time.Duration `yaml:"sync_interval"`
	SiteTypes               []string      `yaml:"site_types"`
	CertResolver            string        `yaml:"cert_resolver"`
	PreferWildcardCert      bool          `yaml:"prefer_wildcard_cert"`
	AdditionalMiddlewares   []string      `yaml:"additional_middlewares"`
}

// HybridConfig holds the credentials of a remote exit node.
type HybridConfig struct {
	Endpoint   string `yaml:"endpoint"`
	ID         string `yaml:"id"`
	Secret     string `yaml:"secret"`
	SNIURL     string `yaml:"sni_url"`
	Interface  string `yaml:"interface"`
	SocketPath string `yaml:"socket_path"`
}

// DatabaseConfig selects the store backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite or mysql
	DSN    string `yaml:"dsn"`
}

// RedisConfig enables shared port reservations when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MetricsConfig holds the standalone metrics listener of the exit node agent.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Config is the complete exitplane configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Gerbil   GerbilConfig   `yaml:"gerbil"`
	Traefik  TraefikConfig  `yaml:"traefik"`
	Hybrid   HybridConfig   `yaml:"hybrid"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// LoadEnv loads .env files into the process environment. Missing files are ignored.
func LoadEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env file %s: %w", p, err)
		}
	}
	return nil
}

// Load reads a YAML config file, applies defaults and environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with only defaults and environment overrides applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	_ = cfg.applyDefaults()
	return cfg
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvJWTSecret); v != "" {
		c.Server.JWTSecret = v
	}
	if v := os.Getenv(EnvHybridSecret); v != "" {
		c.Hybrid.Secret = v
	}
	if v := os.Getenv(EnvDatabaseDSN); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.Server.APIKey = v
	}
}

func (c *Config) applyDefaults() error {
	if c.Server.Listen == "" {
		c.Server.Listen = ":3001"
	}
	if c.Server.InternalHostname == "" {
		c.Server.InternalHostname = "exitplane"
	}
	if c.Server.InternalPort == 0 {
		c.Server.InternalPort = 3001
	}
	if c.Server.SessionCookieName == "" {
		c.Server.SessionCookieName = "p_session_token"
	}
	if c.Server.ResourceAccessTokenParam == "" {
		c.Server.ResourceAccessTokenParam = "p_token"
	}
	if c.Server.ResourceSessionRequestParam == "" {
		c.Server.ResourceSessionRequestParam = "p_session_request"
	}

	if c.Gerbil.StartPort == 0 {
		c.Gerbil.StartPort = 51820
	}
	if c.Gerbil.SubnetGroup == "" {
		c.Gerbil.SubnetGroup = "100.89.128.0/20"
	}
	if c.Gerbil.BlockSize == 0 {
		c.Gerbil.BlockSize = 24
	}
	if c.Gerbil.SiteBlockSize == 0 {
		c.Gerbil.SiteBlockSize = 30
	}

	if c.Traefik.CertificatesPath == "" {
		c.Traefik.CertificatesPath = "/var/certificates"
	}
	if c.Traefik.DynamicRouterConfigPath == "" {
		c.Traefik.DynamicRouterConfigPath = "/var/dynamic/router_config.yml"
	}
	if c.Traefik.DynamicCertConfigPath == "" {
		c.Traefik.DynamicCertConfigPath = "/var/dynamic/cert_config.yml"
	}
	if c.Traefik.SyncInterval == 0 {
		c.Traefik.SyncInterval = 5 * time.Second
	}
	if len(c.Traefik.SiteTypes) == 0 {
		c.Traefik.SiteTypes = []string{"newt", "wireguard", "local"}
	}
	if c.Traefik.CertResolver == "" {
		c.Traefik.CertResolver = "letsencrypt"
	}

	if c.Hybrid.Interface == "" {
		c.Hybrid.Interface = "wg0"
	}
	if c.Hybrid.SocketPath == "" {
		c.Hybrid.SocketPath = "/var/run/exitplane.sock"
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "/var/lib/exitplane/db.sqlite"
	}

	for _, p := range []*string{
		&c.Traefik.CertificatesPath,
		&c.Traefik.DynamicRouterConfigPath,
		&c.Traefik.DynamicCertConfigPath,
		&c.Hybrid.SocketPath,
	} {
		expanded, err := expandHome(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	if c.Database.Driver == "sqlite" {
		expanded, err := expandHome(c.Database.DSN)
		if err != nil {
			return err
		}
		c.Database.DSN = expanded
	}
	return nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", path, err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// Validate checks the settings the control plane needs.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Server.JWTSecret == "" {
		return fmt.Errorf("server.jwt_secret is required (or set %s)", EnvJWTSecret)
	}
	if c.Gerbil.BaseEndpoint == "" {
		return fmt.Errorf("gerbil.base_endpoint is required")
	}
	group, err := netip.ParsePrefix(c.Gerbil.SubnetGroup)
	if err != nil {
		return fmt.Errorf("invalid gerbil.subnet_group: %w", err)
	}
	if c.Gerbil.BlockSize < group.Bits() || c.Gerbil.BlockSize > 32 {
		return fmt.Errorf("gerbil.block_size must be between %d and 32", group.Bits())
	}
	if c.Gerbil.SiteBlockSize <= c.Gerbil.BlockSize || c.Gerbil.SiteBlockSize > 32 {
		return fmt.Errorf("gerbil.site_block_size must be between %d and 32", c.Gerbil.BlockSize+1)
	}
	if c.Gerbil.StartPort <= 0 || c.Gerbil.StartPort > 65535 {
		return fmt.Errorf("gerbil.start_port must be between 1 and 65535")
	}
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("database.driver must be sqlite or mysql, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	return c.validateTraefik()
}

// ValidateHybrid checks the settings a remote exit node needs.
func (c *Config) ValidateHybrid() error {
	if c.Hybrid.Endpoint == "" {
		return fmt.Errorf("hybrid.endpoint is required")
	}
	if c.Hybrid.ID == "" {
		return fmt.Errorf("hybrid.id is required")
	}
	if c.Hybrid.Secret == "" {
		return fmt.Errorf("hybrid.secret is required (or set %s)", EnvHybridSecret)
	}
	return c.validateTraefik()
}

func (c *Config) validateTraefik() error {
	if c.Traefik.SyncInterval < time.Second {
		return fmt.Errorf("traefik.sync_interval must be at least 1s")
	}
	if c.Traefik.DynamicRouterConfigPath == c.Traefik.DynamicCertConfigPath {
		return fmt.Errorf("traefik router and cert config paths must differ")
	}
	return nil
}
