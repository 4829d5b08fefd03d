package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete server configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Observability ObservabilityConfig `yaml:"observability"`
	WireGuard     WireGuardConfig     `yaml:"wireguard"`
	Outline       OutlineConfig       `yaml:"outline"`
	Pools         []PoolImportConfig  `yaml:"pools,omitempty"`
	Maintenance   MaintenanceConfig   `yaml:"maintenance"`
	Git           GitConfig           `yaml:"git"`
}

// ServerConfig holds server-specific settings
type ServerConfig struct {
	ServerID string `yaml:"server_id,omitempty"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Connection     string `yaml:"connection"`
	MaxConnections int32  `yaml:"max_connections"`
	MinConnections int32  `yaml:"min_connections"`
}

// ObservabilityConfig holds monitoring and logging settings
type ObservabilityConfig struct {
	MetricsEnabled bool    `yaml:"metrics_enabled"`
	LogLevel       string  `yaml:"log_level"`
	LogFormat      string  `yaml:"log_format"`
	WebEnabled     bool    `yaml:"web_enabled"`
	WebPort        int     `yaml:"web_port"`
	WebAuth        WebAuth `yaml:"web_auth"`
}

// WebAuth holds API authentication settings
type WebAuth struct {
	Enabled      bool   `yaml:"enabled"`
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

// WireGuardConfig describes the locally managed WireGuard interface
type WireGuardConfig struct {
	Enabled             bool          `yaml:"enabled"`
	Interface           string        `yaml:"interface"`
	ConfigPath          string        `yaml:"config_path"`
	ClientsDir          string        `yaml:"clients_dir"`
	ServerPublicKey     string        `yaml:"server_public_key"`
	Endpoint            string        `yaml:"endpoint"`
	DNS                 []string      `yaml:"dns,omitempty"`
	Subnet              string        `yaml:"subnet"`
	Control             string        `yaml:"control"` // tool, netlink
	KeyGen              string        `yaml:"keygen"`  // tool, native
	WGBinary            string        `yaml:"wg_binary"`
	ToolTimeout         time.Duration `yaml:"tool_timeout"`
	PersistentKeepalive int           `yaml:"persistent_keepalive"`
}

// OutlineConfig holds Outline management API settings
type OutlineConfig struct {
	Enabled        bool          `yaml:"enabled"`
	APIURL         string        `yaml:"api_url"`
	CertSHA256     string        `yaml:"cert_sha256"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// PoolImportConfig describes a block of addresses registered into a pool
type PoolImportConfig struct {
	PoolType    string   `yaml:"pool_type"`
	CIDR        string   `yaml:"cidr"`
	Exclude     []string `yaml:"exclude,omitempty"`
	Description string   `yaml:"description,omitempty"`
}

// MaintenanceConfig controls the periodic sweeper
type MaintenanceConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Interval     time.Duration `yaml:"interval"`
	ReleaseAfter time.Duration `yaml:"release_after"`
	BatchSize    int           `yaml:"batch_size"`
}

// GitConfig holds GitOps settings for the pool inventory
type GitConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Repository   string        `yaml:"repository,omitempty"`
	Branch       string        `yaml:"branch,omitempty"`
	Auth         GitAuth       `yaml:"auth,omitempty"`
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
	SyncTimeout  time.Duration `yaml:"sync_timeout,omitempty"`
	PoolsPath    string        `yaml:"pools_path,omitempty"`
	LocalPath    string        `yaml:"local_path,omitempty"`
	Depth        int           `yaml:"depth,omitempty"` // shallow clone depth, 0 for full history
}

// GitAuth holds Git authentication settings
type GitAuth struct {
	Type  string `yaml:"type"` // token, none
	Token string `yaml:"token,omitempty"`
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses YAML configuration bytes, applies defaults and validates the result
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	// Set defaults
	cfg.setDefaults()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for optional fields
func (c *Config) setDefaults() {
	// Database defaults
	if c.Database.MaxConnections == 0 {
		c.Database.MaxConnections = 20
	}
	if c.Database.MinConnections == 0 {
		c.Database.MinConnections = 2
	}

	// Observability defaults
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
	if c.Observability.LogFormat == "" {
		c.Observability.LogFormat = "json"
	}
	if c.Observability.WebPort == 0 {
		c.Observability.WebPort = 8080
	}

	// WireGuard defaults
	if c.WireGuard.Interface == "" {
		c.WireGuard.Interface = "wg0"
	}
	if c.WireGuard.ConfigPath == "" {
		c.WireGuard.ConfigPath = "/etc/wireguard/" + c.WireGuard.Interface + ".conf"
	}
	if c.WireGuard.ClientsDir == "" {
		c.WireGuard.ClientsDir = "/etc/wireguard/clients"
	}
	if c.WireGuard.Control == "" {
		c.WireGuard.Control = "tool"
	}
	if c.WireGuard.KeyGen == "" {
		c.WireGuard.KeyGen = "tool"
	}
	if c.WireGuard.WGBinary == "" {
		c.WireGuard.WGBinary = "wg"
	}
	if c.WireGuard.ToolTimeout == 0 {
		c.WireGuard.ToolTimeout = 10 * time.Second
	}
	if c.WireGuard.PersistentKeepalive == 0 {
		c.WireGuard.PersistentKeepalive = 25
	}

	if c.Outline.RequestTimeout == 0 {
		c.Outline.RequestTimeout = 30 * time.Second
	}

	// Sweeper defaults
	if c.Maintenance.Interval == 0 {
		c.Maintenance.Interval = 5 * time.Minute
	}
	if c.Maintenance.ReleaseAfter == 0 {
		c.Maintenance.ReleaseAfter = 168 * time.Hour // 7 days
	}
	if c.Maintenance.BatchSize == 0 {
		c.Maintenance.BatchSize = 100
	}

	// Git defaults
	if c.Git.Enabled {
		if c.Git.Branch == "" {
			c.Git.Branch = "main"
		}
		if c.Git.PollInterval == 0 {
			c.Git.PollInterval = 60 * time.Second
		}
		if c.Git.SyncTimeout == 0 {
			c.Git.SyncTimeout = 30 * time.Second
		}
		if c.Git.PoolsPath == "" {
			c.Git.PoolsPath = "pools.yaml"
		}
		if c.Git.LocalPath == "" {
			c.Git.LocalPath = "/var/lib/ironvpn/pools-git"
		}
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	// Validate database config
	if c.Database.Connection == "" {
		return fmt.Errorf("database connection string is required")
	}
	if c.Database.MaxConnections < c.Database.MinConnections {
		return fmt.Errorf("max_connections must be >= min_connections")
	}

	// Validate observability config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Observability.LogLevel] {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Observability.LogFormat] {
		return fmt.Errorf("log_format must be one of: json, text")
	}

	// Validate backends
	if !c.WireGuard.Enabled && !c.Outline.Enabled {
		return fmt.Errorf("at least one of wireguard or outline must be enabled")
	}

	if c.WireGuard.Enabled {
		if err := c.WireGuard.validate(); err != nil {
			return fmt.Errorf("wireguard: %w", err)
		}
	}

	if c.Outline.Enabled {
		if err := c.Outline.validate(); err != nil {
			return fmt.Errorf("outline: %w", err)
		}
	}

	// Validate pools
	for i := range c.Pools {
		if err := c.Pools[i].Validate(); err != nil {
			return fmt.Errorf("pool %d: %w", i, err)
		}
		if c.WireGuard.Enabled && strings.HasPrefix(c.Pools[i].PoolType, "wireguard_") {
			if err := c.WireGuard.containsBlock(c.Pools[i].CIDR); err != nil {
				return fmt.Errorf("pool %d: %w", i, err)
			}
		}
	}

	if c.Maintenance.Interval < time.Second {
		return fmt.Errorf("maintenance.interval must be at least 1s")
	}

	// Validate Git config
	if c.Git.Enabled {
		if c.Git.Repository == "" {
			return fmt.Errorf("git.repository is required when git is enabled")
		}
		if c.Git.Auth.Type != "" && c.Git.Auth.Type != "token" && c.Git.Auth.Type != "none" {
			return fmt.Errorf("git.auth.type must be one of: token, none")
		}
		if c.Git.Depth < 0 {
			return fmt.Errorf("git.depth must not be negative")
		}
	}

	return nil
}

func (w *WireGuardConfig) validate() error {
	if w.Interface == "" {
		return fmt.Errorf("interface is required")
	}
	if w.ServerPublicKey == "" {
		return fmt.Errorf("server_public_key is required")
	}
	if w.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if _, _, err := net.SplitHostPort(w.Endpoint); err != nil {
		return fmt.Errorf("endpoint must be host:port: %w", err)
	}
	if _, _, err := net.ParseCIDR(w.Subnet); err != nil {
		return fmt.Errorf("invalid subnet '%s': %w", w.Subnet, err)
	}
	for _, dns := range w.DNS {
		if net.ParseIP(dns) == nil {
			return fmt.Errorf("invalid DNS server IP '%s'", dns)
		}
	}
	if w.Control != "tool" && w.Control != "netlink" {
		return fmt.Errorf("control must be one of: tool, netlink")
	}
	if w.KeyGen != "tool" && w.KeyGen != "native" {
		return fmt.Errorf("keygen must be one of: tool, native")
	}
	if w.ToolTimeout <= 0 {
		return fmt.Errorf("tool_timeout must be positive")
	}
	return nil
}

// containsBlock reports an error unless cidr lies entirely inside the
// tunnel subnet
func (w *WireGuardConfig) containsBlock(cidr string) error {
	_, subnet, err := net.ParseCIDR(w.Subnet)
	if err != nil {
		return err
	}
	_, block, err := net.ParseCIDR(cidr)
	if err != nil {
		return err
	}
	subnetOnes, _ := subnet.Mask.Size()
	blockOnes, _ := block.Mask.Size()
	if blockOnes < subnetOnes || !subnet.Contains(block.IP) {
		return fmt.Errorf("cidr %s is not in wireguard subnet %s", cidr, w.Subnet)
	}
	return nil
}

func (o *OutlineConfig) validate() error {
	u, err := url.Parse(o.APIURL)
	if err != nil {
		return fmt.Errorf("invalid api_url: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("api_url must use https")
	}
	fp, err := hex.DecodeString(strings.ReplaceAll(o.CertSHA256, ":", ""))
	if err != nil || len(fp) != 32 {
		return fmt.Errorf("cert_sha256 must be a hex encoded SHA-256 fingerprint")
	}
	if o.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	return nil
}

// Validate checks a single pool import block
func (p *PoolImportConfig) Validate() error {
	if !IsValidPoolType(p.PoolType) {
		return fmt.Errorf("unknown pool_type '%s'", p.PoolType)
	}
	// Parse network CIDR
	_, network, err := net.ParseCIDR(p.CIDR)
	if err != nil {
		return fmt.Errorf("invalid cidr '%s': %w", p.CIDR, err)
	}
	// Check if excluded addresses are in the network
	for _, ex := range p.Exclude {
		ip := net.ParseIP(ex)
		if ip == nil {
			return fmt.Errorf("invalid exclude address '%s'", ex)
		}
		if !network.Contains(ip) {
			return fmt.Errorf("exclude address %s is not in %s", ex, p.CIDR)
		}
	}
	return nil
}
