package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Defaults filled in by applyDefaults.
const (
	DefaultClientID        = "Ov23liczPsB3h6AqZNoB"
	DefaultDeviceAuthURL   = "https://github.com/login/device/code"
	DefaultTokenURL        = "https://github.com/login/oauth/access_token"
	DefaultAPIURL          = "https://api.github.com"
	DefaultMaxRepositories = 500
	DefaultDisplayLimit    = 2000
	DefaultBranch          = "master"
	DefaultUserName        = "BackupUser"
	DefaultUserEmail       = "backup@local"
)

// DefaultScopes are the OAuth scopes requested at login.
var DefaultScopes = []string{"repo", "user"}

// Config represents the main configuration for backit.
type Config struct {
	HostID     string           `toml:"host_id"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Project    ProjectConfig    `toml:"project"`
	Remote     RemoteConfig     `toml:"remote"`
	Auth       AuthConfig       `toml:"auth"`
	Hosting    HostingConfig    `toml:"hosting"`
	Git        GitConfig        `toml:"git"`
	Restore    RestoreConfig    `toml:"restore"`
	Database   DatabaseConfig   `toml:"database"`
	Vaults     []VaultConfig    `toml:"vaults"`
	Encryption EncryptionConfig `toml:"encryption"`
	Session    SessionConfig    `toml:"session"`
}

// ProjectConfig remembers the last opened project folder.
type ProjectConfig struct {
	Path string `toml:"path"`
}

// RemoteConfig is the default push destination. The URL never carries credentials.
type RemoteConfig struct {
	URL    string `toml:"url"`
	Branch string `toml:"branch"`
}

// AuthConfig selects the OAuth application used for device authorization.
type AuthConfig struct {
	ClientID      string   `toml:"client_id"`
	Scopes        []string `toml:"scopes"`
	DeviceAuthURL string   `toml:"device_auth_url"`
	TokenURL      string   `toml:"token_url"`
}

// HostingConfig points at the hosting service's REST API.
type HostingConfig struct {
	APIURL          string `toml:"api_url"`
	MaxRepositories int    `toml:"max_repositories"`
}

// GitConfig selects the git executable and the fallback snapshot author.
type GitConfig struct {
	Binary    string `toml:"binary"`
	UserName  string `toml:"user_name"`
	UserEmail string `toml:"user_email"`
}

// RestoreConfig tunes file listings.
type RestoreConfig struct {
	DisplayLimit int `toml:"display_limit"` // entries shown before truncating; 0 means unlimited
}

// EncryptionConfig holds the age identity used to protect the session record.
type EncryptionConfig struct {
	Type    string `toml:"type"` // "age" (default) or "test"
	KeyPath string `toml:"key_path"`
}

// SessionConfig locates the encrypted session record.
type SessionConfig struct {
	Path string `toml:"path"`
}

// VaultConfig represents configuration for a vault backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type VaultConfig struct {
	Type string `toml:"type"` // "memory", "s3", or "filesystem"
	Name string `toml:"name"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"` // for S3-compatible services

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSVaultRoot string `toml:"fs_vault_root,omitempty"`
}

// DatabaseConfig represents configuration for the operation journal.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// NewConfig creates a new Config with the provided values and every default filled in.
func NewConfig(hostID, baseDir string) *Config {
	cfg := &Config{HostID: hostID, BaseDir: baseDir}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills every blank field that has a default. Paths default
// to locations under BaseDir.
func (c *Config) applyDefaults() {
	if c.LogDir == "" && c.BaseDir != "" {
		c.LogDir = filepath.Join(c.BaseDir, "log")
	}
	if c.Remote.Branch == "" {
		c.Remote.Branch = DefaultBranch
	}
	if c.Auth.ClientID == "" {
		c.Auth.ClientID = DefaultClientID
	}
	if len(c.Auth.Scopes) == 0 {
		c.Auth.Scopes = append([]string(nil), DefaultScopes...)
	}
	if c.Auth.DeviceAuthURL == "" {
		c.Auth.DeviceAuthURL = DefaultDeviceAuthURL
	}
	if c.Auth.TokenURL == "" {
		c.Auth.TokenURL = DefaultTokenURL
	}
	if c.Hosting.APIURL == "" {
		c.Hosting.APIURL = DefaultAPIURL
	}
	if c.Hosting.MaxRepositories == 0 {
		c.Hosting.MaxRepositories = DefaultMaxRepositories
	}
	if c.Git.Binary == "" {
		c.Git.Binary = "git"
	}
	if c.Git.UserName == "" {
		c.Git.UserName = DefaultUserName
	}
	if c.Git.UserEmail == "" {
		c.Git.UserEmail = DefaultUserEmail
	}
	if c.Restore.DisplayLimit == 0 {
		c.Restore.DisplayLimit = DefaultDisplayLimit
	}
	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	if c.Database.Type == "sqlite" && c.Database.DataDir == "" && c.BaseDir != "" {
		c.Database.DataDir = filepath.Join(c.BaseDir, "db")
	}
	if c.Encryption.Type == "" {
		c.Encryption.Type = "age"
	}
	if c.Encryption.KeyPath == "" && c.BaseDir != "" {
		c.Encryption.KeyPath = filepath.Join(c.BaseDir, "keys", "backit.key")
	}
	if c.Session.Path == "" && c.BaseDir != "" {
		c.Session.Path = filepath.Join(c.BaseDir, "session.age")
	}
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	if c.HostID == "" {
		errs = append(errs, errors.New("host_id is required"))
	}
	if c.BaseDir == "" {
		errs = append(errs, errors.New("base_dir is required"))
	}
	if strings.Contains(c.Remote.URL, "://") {
		u, err := url.Parse(c.Remote.URL)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("remote.url: %w", err))
		case u.User != nil:
			errs = append(errs, errors.New("remote.url must not embed credentials"))
		}
	}
	if c.Hosting.MaxRepositories < 0 {
		errs = append(errs, errors.New("hosting.max_repositories must not be negative"))
	}
	if c.Restore.DisplayLimit < 0 {
		errs = append(errs, errors.New("restore.display_limit must not be negative"))
	}

	switch c.Database.Type {
	case "memory":
	case "sqlite":
		if c.Database.DataDir == "" {
			errs = append(errs, errors.New("database.data_dir is required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database type: %q", c.Database.Type))
	}

	switch c.Encryption.Type {
	case "test":
	case "age":
		if c.Encryption.KeyPath == "" {
			errs = append(errs, errors.New("encryption.key_path is required for age"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown encryption type: %q", c.Encryption.Type))
	}

	for i, v := range c.Vaults {
		switch v.Type {
		case "memory":
		case "filesystem":
			if v.FSVaultRoot == "" {
				errs = append(errs, fmt.Errorf("vaults[%d]: fs_vault_root is required", i))
			}
		case "s3":
			if v.S3Bucket == "" {
				errs = append(errs, fmt.Errorf("vaults[%d]: s3_bucket is required", i))
			}
			if v.S3Region == "" {
				errs = append(errs, fmt.Errorf("vaults[%d]: s3_region is required", i))
			}
		default:
			errs = append(errs, fmt.Errorf("vaults[%d]: unknown vault type: %q", i, v.Type))
		}
	}
	return errors.Join(errs...)
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader. Blank fields get their defaults.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to path through a temp file and rename, so a
// failed write never leaves a truncated config behind.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".backit-config-*.toml")
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	tmpPath := tmp.Name()

	m := &Manager{}
	if err := m.Write(tmp, cfg); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing config file: %w", err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}

// Save overwrites the config file at path.
func Save(path string, cfg *Config) error {
	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	return nil
}
