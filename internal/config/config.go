// Package config resolves tunnelroom settings from defaults, TUNNELROOM_*
// environment variables, an optional YAML file and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/koltyakov/tunnelroom/internal/directory"
	"github.com/koltyakov/tunnelroom/internal/health"
	ilog "github.com/koltyakov/tunnelroom/internal/log"
	"github.com/koltyakov/tunnelroom/internal/supervisor"
	"github.com/koltyakov/tunnelroom/internal/tunnel"
)

// UpConfig configures `tunnelroom up`.
type UpConfig struct {
	LocalPort int `yaml:"local_port"`

	DirectoryURL     string        `yaml:"directory_url"`
	DirectoryToken   string        `yaml:"directory_token"`
	DirectoryTimeout time.Duration `yaml:"directory_timeout"`

	CachePath   string `yaml:"cache_path"`
	JournalPath string `yaml:"journal_path"`

	Binary         string        `yaml:"binary"`
	URLPattern     string        `yaml:"url_pattern"`
	StartupTimeout time.Duration `yaml:"startup_timeout"`

	LivenessPath string        `yaml:"liveness_path"`
	PingTimeout  time.Duration `yaml:"ping_timeout"`

	CheckInterval        time.Duration `yaml:"check_interval"`
	MaxRetries           int           `yaml:"max_retries"`
	MaxEstablishAttempts int           `yaml:"max_establish_attempts"`
	RetryDelay           time.Duration `yaml:"retry_delay"`

	StatusListen string `yaml:"status_listen"`
	ServicePID   int    `yaml:"service_pid"`
	LogLevel     string `yaml:"log_level"`
}

// DirectoryServerConfig configures `tunnelroom directory serve`.
type DirectoryServerConfig struct {
	Listen       string `yaml:"listen"`
	DBPath       string `yaml:"db_path"`
	DBMaxConns   int    `yaml:"db_max_conns"`
	AuthToken    string `yaml:"auth_token"`
	PrivateReads bool   `yaml:"private_reads"`
	LogLevel     string `yaml:"log_level"`
}

const (
	defaultLocalPort            = 8000
	defaultDirectoryTimeout     = directory.DefaultTimeout
	defaultBinary               = tunnel.DefaultBinary
	defaultURLPattern           = tunnel.DefaultURLPattern
	defaultStartupTimeout       = tunnel.DefaultStartupTimeout
	defaultLivenessPath         = health.DefaultPath
	defaultPingTimeout          = health.DefaultTimeout
	defaultCheckInterval        = supervisor.DefaultCheckInterval
	defaultMaxRetries           = supervisor.DefaultMaxRetries
	defaultMaxEstablishAttempts = supervisor.DefaultMaxEstablishAttempts
	defaultRetryDelay           = supervisor.DefaultRetryDelay
	defaultDirectoryListen      = ":8790"
	defaultDBMaxConns           = 4
	defaultLogLevel             = "info"
)

// DefaultUp returns built-in defaults overlaid with TUNNELROOM_* variables.
func DefaultUp() UpConfig {
	return UpConfig{
		LocalPort:            envIntOrDefault("TUNNELROOM_PORT", defaultLocalPort),
		DirectoryURL:         envOrDefault("TUNNELROOM_DIRECTORY_URL", ""),
		DirectoryToken:       envOrDefault("TUNNELROOM_DIRECTORY_TOKEN", ""),
		DirectoryTimeout:     envDurationOrDefault("TUNNELROOM_DIRECTORY_TIMEOUT", defaultDirectoryTimeout),
		CachePath:            envOrDefault("TUNNELROOM_CACHE_PATH", ""),
		JournalPath:          envOrDefault("TUNNELROOM_JOURNAL_PATH", DefaultJournalPath()),
		Binary:               envOrDefault("TUNNELROOM_CLOUDFLARED", defaultBinary),
		URLPattern:           envOrDefault("TUNNELROOM_URL_PATTERN", defaultURLPattern),
		StartupTimeout:       envDurationOrDefault("TUNNELROOM_STARTUP_TIMEOUT", defaultStartupTimeout),
		LivenessPath:         envOrDefault("TUNNELROOM_LIVENESS_PATH", defaultLivenessPath),
		PingTimeout:          envDurationOrDefault("TUNNELROOM_PING_TIMEOUT", defaultPingTimeout),
		CheckInterval:        envDurationOrDefault("TUNNELROOM_CHECK_INTERVAL", defaultCheckInterval),
		MaxRetries:           envIntOrDefault("TUNNELROOM_MAX_RETRIES", defaultMaxRetries),
		MaxEstablishAttempts: envIntOrDefault("TUNNELROOM_MAX_ESTABLISH_ATTEMPTS", defaultMaxEstablishAttempts),
		RetryDelay:           envDurationOrDefault("TUNNELROOM_RETRY_DELAY", defaultRetryDelay),
		StatusListen:         envOrDefault("TUNNELROOM_STATUS_LISTEN", ""),
		LogLevel:             envOrDefault("TUNNELROOM_LOG_LEVEL", defaultLogLevel),
	}
}

// DefaultDirectoryServer returns built-in defaults overlaid with
// TUNNELROOM_* variables.
func DefaultDirectoryServer() DirectoryServerConfig {
	return DirectoryServerConfig{
		Listen:     envOrDefault("TUNNELROOM_DIRECTORY_LISTEN", defaultDirectoryListen),
		DBPath:     envOrDefault("TUNNELROOM_DIRECTORY_DB", "./tunnelroom-directory.db"),
		DBMaxConns: envIntOrDefault("TUNNELROOM_DIRECTORY_DB_MAX_CONNS", defaultDBMaxConns),
		AuthToken:  envOrDefault("TUNNELROOM_DIRECTORY_TOKEN", ""),
		LogLevel:   envOrDefault("TUNNELROOM_LOG_LEVEL", defaultLogLevel),
	}
}

// DefaultJournalPath returns ~/.tunnelroom/journal.db, or "" when the home
// directory is unknown.
func DefaultJournalPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ""
	}
	return filepath.Join(home, ".tunnelroom", "journal.db")
}

// Validate checks an up configuration.
func (c *UpConfig) Validate() error {
	c.DirectoryURL = strings.TrimRight(strings.TrimSpace(c.DirectoryURL), "/")
	var errs []error
	if c.LocalPort <= 0 || c.LocalPort > 65535 {
		errs = append(errs, errors.New("local port must be between 1 and 65535"))
	}
	if c.DirectoryURL == "" {
		errs = append(errs, errors.New("missing --directory-url or TUNNELROOM_DIRECTORY_URL"))
	}
	if strings.TrimSpace(c.Binary) == "" {
		errs = append(errs, errors.New("cloudflared binary must not be empty"))
	}
	if _, err := regexp.Compile(c.URLPattern); err != nil {
		errs = append(errs, fmt.Errorf("invalid url pattern: %w", err))
	}
	if !strings.HasPrefix(c.LivenessPath, "/") {
		errs = append(errs, errors.New("liveness path must start with /"))
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"directory timeout", c.DirectoryTimeout},
		{"startup timeout", c.StartupTimeout},
		{"ping timeout", c.PingTimeout},
		{"check interval", c.CheckInterval},
		{"retry delay", c.RetryDelay},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", d.name))
		}
	}
	if c.MaxRetries < 1 {
		errs = append(errs, errors.New("max retries must be >= 1"))
	}
	if c.MaxEstablishAttempts < 1 {
		errs = append(errs, errors.New("max establish attempts must be >= 1"))
	}
	if c.ServicePID < 0 {
		errs = append(errs, errors.New("service pid must be >= 0"))
	}
	if !ilog.ValidLevel(c.LogLevel) {
		errs = append(errs, fmt.Errorf("invalid log level %q (expected debug|info|warn|error)", c.LogLevel))
	}
	return errors.Join(errs...)
}

// Validate checks a directory server configuration.
func (c *DirectoryServerConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Listen) == "" {
		errs = append(errs, errors.New("listen address must not be empty"))
	}
	if strings.TrimSpace(c.DBPath) == "" {
		errs = append(errs, errors.New("db path must not be empty"))
	}
	if c.DBMaxConns < 1 {
		errs = append(errs, fmt.Errorf("db max conns must be at least 1, got %d", c.DBMaxConns))
	}
	if c.PrivateReads && strings.TrimSpace(c.AuthToken) == "" {
		errs = append(errs, errors.New("private reads require an auth token"))
	}
	if !ilog.ValidLevel(c.LogLevel) {
		errs = append(errs, fmt.Errorf("invalid log level %q (expected debug|info|warn|error)", c.LogLevel))
	}
	return errors.Join(errs...)
}

// LoadFile decodes the YAML file at path into dst. Unknown keys are
// rejected.
func LoadFile(path string, dst any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// LoadLayered rebuilds *cfg from defaults and the YAML file at path, then
// reapplies every flag the user set explicitly so flags win over the file.
// An empty path leaves *cfg as parsed.
func LoadLayered[T any](fs *pflag.FlagSet, path string, cfg *T, defaults func() T) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	changed := map[string]string{}
	fs.Visit(func(f *pflag.Flag) {
		changed[f.Name] = f.Value.String()
	})

	*cfg = defaults()
	if err := LoadFile(path, cfg); err != nil {
		return err
	}
	for name, value := range changed {
		if err := fs.Set(name, value); err != nil {
			return fmt.Errorf("reapply --%s: %w", name, err)
		}
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
