// Package settings loads node configuration from defaults, an optional
// config file, a .env file and OMSYNC_ environment variables.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Role says whether a node is the central server or a remote site.
type Role string

const (
	RoleCentral Role = "central"
	RoleRemote  Role = "remote"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "OMSYNC"

// Settings is the full node configuration.
type Settings struct {
	Node     Node     `mapstructure:"node" yaml:"node"`
	Sync     Sync     `mapstructure:"sync" yaml:"sync"`
	Files    Files    `mapstructure:"files" yaml:"files"`
	Database Database `mapstructure:"database" yaml:"database"`
	Server   Server   `mapstructure:"server" yaml:"server"`
	Log      Log      `mapstructure:"log" yaml:"log"`
}

// Node identifies this node.
type Node struct {
	Role       Role   `mapstructure:"role" yaml:"role"`
	SiteID     int64  `mapstructure:"site_id" yaml:"site_id"`
	HardwareID string `mapstructure:"hardware_id" yaml:"hardware_id"`
}

// Sync holds the central server address, the site credentials and the
// driver timing.
type Sync struct {
	URL             string    `mapstructure:"url" yaml:"url"`
	V6URL           string    `mapstructure:"v6_url" yaml:"v6_url,omitempty"`
	Username        string    `mapstructure:"username" yaml:"username"`
	PasswordSHA256  string    `mapstructure:"password_sha256" yaml:"password_sha256"`
	IntervalSeconds int       `mapstructure:"interval_seconds" yaml:"interval_seconds"`
	TimeoutSeconds  int       `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	BatchSize       BatchSize `mapstructure:"batch_size" yaml:"batch_size"`
}

// BatchSize caps the records per request of each step.
type BatchSize struct {
	RemotePull  uint32 `mapstructure:"remote_pull" yaml:"remote_pull"`
	RemotePush  uint32 `mapstructure:"remote_push" yaml:"remote_push"`
	CentralPull uint32 `mapstructure:"central_pull" yaml:"central_pull"`
}

// Files configures the sync file store and worker.
type Files struct {
	Dir      string `mapstructure:"dir" yaml:"dir"`
	Schedule string `mapstructure:"schedule" yaml:"schedule"`
	Watch    bool   `mapstructure:"watch" yaml:"watch"`
}

// Database locates the SQLite file.
type Database struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// Server configures the HTTP listener.
type Server struct {
	Port int `mapstructure:"port" yaml:"port"`
}

// Log configures the rotated log file. An empty File logs to stderr only.
type Log struct {
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Verbose    bool   `mapstructure:"verbose" yaml:"verbose"`
}

// Interval is the pause between driver cycles.
func (s Sync) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// Timeout bounds each outbound request.
func (s Sync) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// DirectURL is the v6 server address, the legacy URL when unset.
func (s Sync) DirectURL() string {
	if s.V6URL != "" {
		return s.V6URL
	}
	return s.URL
}

// SetDefaults registers the default of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("node.role", string(RoleRemote))
	v.SetDefault("node.site_id", 0)
	v.SetDefault("node.hardware_id", "")
	v.SetDefault("sync.url", "")
	v.SetDefault("sync.v6_url", "")
	v.SetDefault("sync.username", "")
	v.SetDefault("sync.password_sha256", "")
	v.SetDefault("sync.interval_seconds", 60)
	v.SetDefault("sync.timeout_seconds", 60)
	v.SetDefault("sync.batch_size.remote_pull", 500)
	v.SetDefault("sync.batch_size.remote_push", 1024)
	v.SetDefault("sync.batch_size.central_pull", 500)
	v.SetDefault("files.dir", "files")
	v.SetDefault("files.schedule", "@every 1m")
	v.SetDefault("files.watch", true)
	v.SetDefault("database.path", "omsync.db")
	v.SetDefault("server.port", 8000)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.verbose", false)
}

// New returns a viper instance with defaults and environment binding. A
// non-empty configFile is read explicitly; otherwise omsync.yaml is looked
// up in the working directory and $HOME/.omsync.
func New(configFile string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("omsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".omsync"))
		}
	}
	return v
}

// Load reads .env (when present), the config file (when present) and the
// environment into Settings.
func Load(v *viper.Viper) (*Settings, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &s, nil
}

// Validate checks the settings a node needs to run.
func (s *Settings) Validate() error {
	var errs []error
	switch s.Node.Role {
	case RoleCentral:
	case RoleRemote:
		if strings.TrimSpace(s.Sync.URL) == "" {
			errs = append(errs, errors.New("sync.url is required for a remote site"))
		}
		if s.Node.HardwareID == "" {
			errs = append(errs, errors.New("node.hardware_id is required for a remote site"))
		}
	default:
		errs = append(errs, fmt.Errorf("node.role must be %q or %q, got %q", RoleCentral, RoleRemote, s.Node.Role))
	}
	if s.Sync.IntervalSeconds <= 0 {
		errs = append(errs, errors.New("sync.interval_seconds must be positive"))
	}
	if s.Sync.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("sync.timeout_seconds must be positive"))
	}
	b := s.Sync.BatchSize
	if b.RemotePull == 0 || b.RemotePush == 0 || b.CentralPull == 0 {
		errs = append(errs, errors.New("sync.batch_size values must be positive"))
	}
	if s.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	return errors.Join(errs...)
}

// CoreSiteDetailsChanged reports whether a and b point at a different
// central server or authenticate as a different site.
func CoreSiteDetailsChanged(a, b Sync) bool {
	return strings.TrimRight(a.URL, "/") != strings.TrimRight(b.URL, "/") ||
		a.Username != b.Username ||
		a.PasswordSHA256 != b.PasswordSHA256
}

// Write saves s as YAML at path, creating parent directories.
func Write(path string, s *Settings) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}
