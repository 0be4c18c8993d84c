// Package config loads, validates and persists per-interpreter settings.
//
// Settings live in one YAML document per interpreter under the multipkg home
// directory. Environment variables with the MULTIPKG_ prefix override file
// values; defaults cover everything else, so a missing file is not an error.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// KBBackend selects the knowledge-base backend.
type KBBackend string

const (
	// KBAuto selects the fast backend when reachable at startup and falls
	// back to the embedded backend otherwise.
	KBAuto KBBackend = "auto"
	// KBFast is the in-memory KV store with persistence (Redis protocol).
	KBFast KBBackend = "fast"
	// KBEmbedded is the embedded relational file (SQLite).
	KBEmbedded KBBackend = "embedded"
)

// DedupPolicy controls how eagerly the bubble builder deduplicates files
// against the main environment.
type DedupPolicy string

const (
	DedupAggressive   DedupPolicy = "aggressive"
	DedupConservative DedupPolicy = "conservative"
	DedupOff          DedupPolicy = "off"
)

// DedupLinkMode controls the mechanism a dedup reference uses on disk.
type DedupLinkMode string

const (
	LinkSymlink  DedupLinkMode = "symlink"
	LinkHardlink DedupLinkMode = "hardlink"
	LinkManifest DedupLinkMode = "ref"
)

// Environment variables recognized by child processes.
const (
	// EnvInterpreter identifies the target interpreter; drives the shim
	// dispatcher.
	EnvInterpreter = "MULTIPKG_INTERPRETER"
	// EnvSubprocess flags subprocess mode and suppresses interactive
	// prompts.
	EnvSubprocess = "MULTIPKG_SUBPROCESS"
	// EnvActiveBubble carries the active bubble spec (name==version).
	EnvActiveBubble = "MULTIPKG_ACTIVE_BUBBLE"
)

// Config represents the per-interpreter configuration document.
type Config struct {
	// InstallRoot is the absolute path to the interpreter's package
	// directory (the main environment).
	InstallRoot string `mapstructure:"install_root" yaml:"install_root" validate:"required"`

	// BubbleRoot is the absolute path where bubbles are materialized.
	BubbleRoot string `mapstructure:"bubble_root" yaml:"bubble_root" validate:"required"`

	// SnapshotDir holds one file per snapshot.
	SnapshotDir string `mapstructure:"snapshot_dir" yaml:"snapshot_dir"`

	// KBBackend selects the knowledge-base backend.
	KBBackend KBBackend `mapstructure:"kb_backend" yaml:"kb_backend" validate:"oneof=auto fast embedded"`

	// KBEndpoint is the endpoint string for the fast backend.
	KBEndpoint string `mapstructure:"kb_endpoint" yaml:"kb_endpoint"`

	// KBPath is the embedded backend's database file.
	KBPath string `mapstructure:"kb_path" yaml:"kb_path"`

	// InstallerPriority is the ordered list of installer tool names the
	// driver will try.
	InstallerPriority []string `mapstructure:"installer_priority" yaml:"installer_priority" validate:"min=1"`

	// LanguageCode is the locale for user-facing messages.
	LanguageCode string `mapstructure:"language_code" yaml:"language_code"`

	// DedupPolicy controls bubble file deduplication.
	DedupPolicy DedupPolicy `mapstructure:"dedup_policy" yaml:"dedup_policy" validate:"oneof=aggressive conservative off"`

	// DedupLinkMode controls the dedup reference mechanism.
	DedupLinkMode DedupLinkMode `mapstructure:"dedup_link_mode" yaml:"dedup_link_mode" validate:"oneof=symlink hardlink ref"`

	// NativePackageList names packages excluded from dedup.
	NativePackageList []string `mapstructure:"native_package_list" yaml:"native_package_list"`

	Installer InstallerConfig `mapstructure:"installer" yaml:"installer"`
	Lock      LockConfig      `mapstructure:"lock" yaml:"lock"`
	Worker    WorkerConfig    `mapstructure:"worker" yaml:"worker"`
	Heal      HealConfig      `mapstructure:"heal" yaml:"heal"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// InstallerConfig holds installer-driver tuning.
type InstallerConfig struct {
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	PreflightTTL  time.Duration `mapstructure:"preflight_ttl" yaml:"preflight_ttl"`
	StderrTailLen int           `mapstructure:"stderr_tail_len" yaml:"stderr_tail_len"`
}

// LockConfig holds cross-process lock configuration.
type LockConfig struct {
	// Timeout bounds the wait for the advisory file lock; expiry yields a
	// Locked error.
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RetryInterval time.Duration `mapstructure:"retry_interval" yaml:"retry_interval"`
}

// WorkerConfig holds worker-daemon pool configuration.
type WorkerConfig struct {
	// MaxWorkers bounds the pool; eviction is least-recently-used.
	MaxWorkers     int           `mapstructure:"max_workers" yaml:"max_workers" validate:"min=1"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// HealConfig bounds the auto-heal loop.
type HealConfig struct {
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts" validate:"min=1"`
}

// LogConfig holds logging-related configuration.
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	Output     string `mapstructure:"output" yaml:"output"`
	Filename   string `mapstructure:"filename" yaml:"filename"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// Home returns the multipkg home directory (override via MULTIPKG_HOME).
func Home() string {
	if h := os.Getenv("MULTIPKG_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".multipkg"
	}
	return filepath.Join(home, ".multipkg")
}

// PathFor returns the config file path for one interpreter version.
func PathFor(interpreterVersion string) string {
	return filepath.Join(Home(), "config", interpreterVersion+".yaml")
}

func setDefaults(v *viper.Viper, home, interpreterVersion string) {
	v.SetDefault("snapshot_dir", filepath.Join(home, "snapshots", interpreterVersion))
	v.SetDefault("kb_backend", string(KBAuto))
	v.SetDefault("kb_endpoint", "localhost:6379")
	v.SetDefault("kb_path", filepath.Join(home, "kb", interpreterVersion+".db"))
	v.SetDefault("installer_priority", []string{"uv", "pip"})
	v.SetDefault("language_code", "en")
	v.SetDefault("dedup_policy", string(DedupConservative))
	v.SetDefault("dedup_link_mode", string(LinkSymlink))
	v.SetDefault("native_package_list", []string{})

	v.SetDefault("installer.timeout", 10*time.Minute)
	v.SetDefault("installer.preflight_ttl", 30*time.Second)
	v.SetDefault("installer.stderr_tail_len", 4096)

	v.SetDefault("lock.timeout", 60*time.Second)
	v.SetDefault("lock.retry_interval", 250*time.Millisecond)

	v.SetDefault("worker.max_workers", 4)
	v.SetDefault("worker.idle_timeout", 5*time.Minute)
	v.SetDefault("worker.request_timeout", 2*time.Minute)

	v.SetDefault("heal.max_attempts", 3)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "stderr")
	v.SetDefault("log.max_size", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 14)
}

// Load reads the configuration document for the given interpreter version,
// applying defaults and MULTIPKG_* environment overrides. A missing file is
// not an error; defaults require only install_root and bubble_root, which
// adopt-interpreter writes.
func Load(interpreterVersion string) (*Config, error) {
	home := Home()

	v := viper.New()
	v.SetConfigFile(PathFor(interpreterVersion))
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MULTIPKG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, home, interpreterVersion)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for structural errors.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if !filepath.IsAbs(c.InstallRoot) {
		return fmt.Errorf("install_root must be absolute: %s", c.InstallRoot)
	}
	if !filepath.IsAbs(c.BubbleRoot) {
		return fmt.Errorf("bubble_root must be absolute: %s", c.BubbleRoot)
	}
	return nil
}

// Save persists the configuration document for the given interpreter
// version. The write is atomic: a temp file in the same directory renamed
// over the destination.
func (c *Config) Save(interpreterVersion string) error {
	path := PathFor(interpreterVersion)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}
