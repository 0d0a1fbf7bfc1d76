package server

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeshaw/envdecode"
	"github.com/pkg/errors"
	"github.com/zond/apphost"
)

type Config struct {
	SSHAddr     string `env:"APPHOST_SSH_ADDR"`
	MetricsAddr string `env:"APPHOST_METRICS_ADDR"`
	// Dir holds the world, app data, keys and logs.
	Dir string `env:"APPHOST_DIR"`
	// ControlSocket is where the admin tool connects. Relative paths are
	// relative to Dir.
	ControlSocket string        `env:"APPHOST_CONTROL_SOCKET"`
	TickInterval  time.Duration `env:"APPHOST_TICK_INTERVAL"`
	ScriptTimeout time.Duration `env:"APPHOST_SCRIPT_TIMEOUT"`
	// AppStore is the base URL of a remote app catalog, if any.
	AppStore    string        `env:"APPHOST_APP_STORE"`
	AppStoreTTL time.Duration `env:"APPHOST_APP_STORE_TTL"`
	// Autoload installs every app in the world scripts at startup.
	Autoload bool `env:"APPHOST_AUTOLOAD"`
	// Rules are the rule apps enabled at startup.
	Rules []string
	// Ops are the principals allowed to manage apps.
	Ops            []string
	LogFile        string `env:"APPHOST_LOG_FILE"`
	LogMaxSizeMB   int    `env:"APPHOST_LOG_MAX_SIZE_MB"`
	AuditMaxSizeMB int    `env:"APPHOST_AUDIT_MAX_SIZE_MB"`
}

func DefaultConfig() Config {
	return Config{
		SSHAddr:        "127.0.0.1:15000",
		MetricsAddr:    "127.0.0.1:15001",
		Dir:            filepath.Join(os.Getenv("HOME"), ".apphost"),
		ControlSocket:  "control.sock",
		TickInterval:   50 * time.Millisecond,
		ScriptTimeout:  time.Second,
		AppStoreTTL:    5 * time.Minute,
		LogMaxSizeMB:   100,
		AuditMaxSizeMB: 100,
	}
}

func (c Config) path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir, p)
}

type fileConfig struct {
	SSHAddr        string   `toml:"ssh_addr"`
	MetricsAddr    string   `toml:"metrics_addr"`
	Dir            string   `toml:"dir"`
	ControlSocket  string   `toml:"control_socket"`
	TickInterval   string   `toml:"tick_interval"`
	ScriptTimeout  string   `toml:"script_timeout"`
	AppStore       string   `toml:"app_store"`
	AppStoreTTL    string   `toml:"app_store_ttl"`
	Autoload       bool     `toml:"autoload"`
	Rules          []string `toml:"rules"`
	Ops            []string `toml:"ops"`
	LogFile        string   `toml:"log_file"`
	LogMaxSizeMB   int      `toml:"log_max_size_mb"`
	AuditMaxSizeMB int      `toml:"audit_max_size_mb"`
}

func parseDuration(key string, s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s", key)
	}
	return d, nil
}

func normalizeNames(in []string) []string {
	out := make([]string, 0, len(in))
	for _, name := range in {
		if v := strings.ToLower(strings.TrimSpace(name)); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// LoadConfig returns the default config overridden by the TOML file at
// path, if given, and then by the environment.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var raw fileConfig
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return Config{}, errors.Wrap(err, "load config")
		}
		if meta.IsDefined("ssh_addr") {
			cfg.SSHAddr = strings.TrimSpace(raw.SSHAddr)
		}
		if meta.IsDefined("metrics_addr") {
			cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
		}
		if meta.IsDefined("dir") {
			cfg.Dir = strings.TrimSpace(raw.Dir)
		}
		if meta.IsDefined("control_socket") {
			cfg.ControlSocket = strings.TrimSpace(raw.ControlSocket)
		}
		if meta.IsDefined("tick_interval") {
			if cfg.TickInterval, err = parseDuration("tick_interval", raw.TickInterval); err != nil {
				return Config{}, err
			}
		}
		if meta.IsDefined("script_timeout") {
			if cfg.ScriptTimeout, err = parseDuration("script_timeout", raw.ScriptTimeout); err != nil {
				return Config{}, err
			}
		}
		if meta.IsDefined("app_store") {
			cfg.AppStore = strings.TrimSpace(raw.AppStore)
		}
		if meta.IsDefined("app_store_ttl") {
			if cfg.AppStoreTTL, err = parseDuration("app_store_ttl", raw.AppStoreTTL); err != nil {
				return Config{}, err
			}
		}
		if meta.IsDefined("autoload") {
			cfg.Autoload = raw.Autoload
		}
		if meta.IsDefined("rules") {
			cfg.Rules = normalizeNames(raw.Rules)
		}
		if meta.IsDefined("ops") {
			cfg.Ops = normalizeNames(raw.Ops)
		}
		if meta.IsDefined("log_file") {
			cfg.LogFile = strings.TrimSpace(raw.LogFile)
		}
		if meta.IsDefined("log_max_size_mb") {
			cfg.LogMaxSizeMB = raw.LogMaxSizeMB
		}
		if meta.IsDefined("audit_max_size_mb") {
			cfg.AuditMaxSizeMB = raw.AuditMaxSizeMB
		}
	}
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, apphost.WithStack(err)
	}
	if cfg.TickInterval <= 0 {
		return Config{}, errors.Errorf("tick interval must be positive, got %v", cfg.TickInterval)
	}
	return cfg, nil
}
