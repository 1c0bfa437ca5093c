// Package config loads and validates the schlep server configuration from
// YAML, the way the teacher's config layer loads its own YAML-backed
// settings: unmarshal into a plain struct, then apply defaults and
// validate invariants that the rest of the system relies on.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// LDAP holds the auth.ldap configuration stanza.
type LDAP struct {
	URL             string        `yaml:"url"`
	BaseDN          string        `yaml:"base_dn"`
	BindDN          string        `yaml:"bind_dn"`
	BindPassword    string        `yaml:"bind_password"`
	UserAttribute   string        `yaml:"user_attribute"`
	SSHKeyAttribute string        `yaml:"ssh_key_attribute"`
	ConnTimeout     time.Duration `yaml:"conn_timeout"`
	PoolMaxSize     int           `yaml:"pool_max_size"`
	StartTLS        bool          `yaml:"starttls"`
	TLSNoVerify     bool          `yaml:"tls_no_verify"`
}

// Auth holds the auth configuration stanza.
type Auth struct {
	LDAP LDAP `yaml:"ldap"`
}

// Mount is one entry of the ordered fs mount list.
type Mount struct {
	VFSRoot  string `yaml:"vfs_root"`
	LocalDir string `yaml:"local_dir"`
}

// SFTP holds the sftp server configuration stanza.
type SFTP struct {
	Addresses         []string `yaml:"addresses"`
	Port              int      `yaml:"port"`
	AllowPassword     bool     `yaml:"allow_password"`
	AllowPublicKey    bool     `yaml:"allow_publickey"`
	PrivateHostKeyDir string   `yaml:"private_host_key_dir"`
	DefaultFileMode   uint32   `yaml:"default_file_mode"`
	DefaultDirMode    uint32   `yaml:"default_dir_mode"`
	// IdleTimeout closes a connection that has submitted no request for
	// this long. Zero disables the timeout. Not part of spec.md's
	// configuration surface; supplemented per SPEC_FULL.md §"Supplemented
	// features".
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// MaxAuthTries bounds failed authentication attempts per connection.
	MaxAuthTries int `yaml:"max_auth_tries"`
}

// Redis holds the optional shared credential-cache tier configuration.
type Redis struct {
	URL      string `yaml:"url"`
	PoolSize int    `yaml:"pool_size"`
}

// Metrics holds the metrics/health-check exporter configuration.
type Metrics struct {
	Address             string `yaml:"address"`
	Port                int    `yaml:"port"`
	EnableHealthCheck   bool   `yaml:"enable_health_check"`
	EnableMetricsExport bool   `yaml:"enable_metrics_export"`
}

// Cache holds the credential cache TTLs, which spec.md §4.4 leaves to
// configuration ("recommended default 30s" for negative entries).
type Cache struct {
	PositiveTTL time.Duration `yaml:"positive_ttl"`
	NegativeTTL time.Duration `yaml:"negative_ttl"`
}

// Config is the top-level configuration surface described in spec.md §6.
type Config struct {
	LogLevel string  `yaml:"log_level"`
	Auth     Auth    `yaml:"auth"`
	FS       []Mount `yaml:"fs"`
	SFTP     SFTP    `yaml:"sftp"`
	Redis    *Redis  `yaml:"redis"`
	Metrics  Metrics `yaml:"metrics"`
	Cache    Cache   `yaml:"cache"`
}

// Load reads and parses the YAML file at path, applies defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg := &Config{SFTP: SFTP{AllowPublicKey: true}}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Auth.LDAP.ConnTimeout == 0 {
		c.Auth.LDAP.ConnTimeout = 120 * time.Second
	}
	if c.Auth.LDAP.PoolMaxSize == 0 {
		c.Auth.LDAP.PoolMaxSize = 8
	}
	if len(c.SFTP.Addresses) == 0 {
		c.SFTP.Addresses = []string{"127.0.0.1", "::1"}
	}
	if c.SFTP.Port == 0 {
		c.SFTP.Port = 2222
	}
	if !c.SFTP.AllowPublicKey && !c.SFTP.AllowPassword {
		c.SFTP.AllowPublicKey = true
	}
	if c.SFTP.DefaultFileMode == 0 {
		c.SFTP.DefaultFileMode = 0o666
	}
	if c.SFTP.DefaultDirMode == 0 {
		c.SFTP.DefaultDirMode = 0o777
	}
	if c.SFTP.MaxAuthTries == 0 {
		c.SFTP.MaxAuthTries = 3
	}
	if c.Redis != nil && c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 10
	}
	if c.Cache.NegativeTTL == 0 {
		c.Cache.NegativeTTL = 30 * time.Second
	}
	if c.Cache.PositiveTTL == 0 {
		c.Cache.PositiveTTL = 5 * time.Minute
	}
}

// Validate checks the invariants the rest of the system depends on:
// mounts don't overlap or prefix one another (spec.md §3's mount-table
// invariant, rejected here at load time; mount.NewTable checks it again),
// and the host-key directory exists.
func (c *Config) Validate() error {
	if len(c.FS) == 0 {
		return fmt.Errorf("config: fs must list at least one mount")
	}
	seen := make(map[string]bool, len(c.FS))
	roots := make([]string, 0, len(c.FS))
	for _, m := range c.FS {
		root := normalizeRoot(m.VFSRoot)
		if root == "" {
			return fmt.Errorf("config: mount vfs_root %q is invalid", m.VFSRoot)
		}
		if seen[root] {
			return fmt.Errorf("config: duplicate vfs_root %q", m.VFSRoot)
		}
		seen[root] = true
		roots = append(roots, root)
	}
	for i, a := range roots {
		for j, b := range roots {
			if i == j {
				continue
			}
			if a == b {
				continue
			}
			if isProperPrefix(a, b) {
				return fmt.Errorf("config: vfs_root %q is a prefix of %q; mounts must not overlay", a, b)
			}
		}
	}
	if c.SFTP.PrivateHostKeyDir == "" {
		return fmt.Errorf("config: sftp.private_host_key_dir is required")
	}
	info, err := os.Stat(c.SFTP.PrivateHostKeyDir)
	if err != nil {
		return fmt.Errorf("config: private_host_key_dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("config: private_host_key_dir %q is not a directory", c.SFTP.PrivateHostKeyDir)
	}
	return nil
}

func normalizeRoot(root string) string {
	if root == "" {
		return ""
	}
	if !strings.HasPrefix(root, "/") {
		return ""
	}
	if root == "/" {
		return "/"
	}
	return strings.TrimSuffix(root, "/")
}

// isProperPrefix reports whether a is a proper path-component prefix of b.
func isProperPrefix(a, b string) bool {
	if a == "/" {
		return b != "/"
	}
	return strings.HasPrefix(b, a+"/")
}
