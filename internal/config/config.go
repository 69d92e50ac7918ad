package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Conflict policies accepted by CONFLICT_POLICY. "ask" defers every
// conflict to the interactive decider.
const (
	PolicyAsk       = "ask"
	PolicySkip      = "skip"
	PolicyOverwrite = "overwrite"
	PolicyRename    = "rename"
)

// Config holds all environment-based configuration for davbridge.
type Config struct {
	// WebDAV endpoint and credentials.
	URL      string `env:"DAV_URL"`
	Username string `env:"DAV_USERNAME"`
	Password string `env:"DAV_PASSWORD"`
	AuthType string `env:"DAV_AUTH" envDefault:"basic"`

	// Remote collection files are uploaded into.
	RemoteDir string `env:"DAV_REMOTE_DIR" envDefault:"/"`

	// Local directory to watch. Resolved to an absolute path on load.
	WatchDir string `env:"WATCH_DIR"`

	// Extensions to replicate, e.g. "raw,mzML". Empty means all files.
	Extensions []string `env:"WATCH_EXTENSIONS" envSeparator:","`

	Recursive         bool `env:"WATCH_RECURSIVE" envDefault:"true"`
	PreserveStructure bool `env:"PRESERVE_STRUCTURE" envDefault:"true"`
	ScanExisting      bool `env:"SCAN_EXISTING" envDefault:"true"`

	// PollInterval enables a periodic full rescan for filesystems that
	// drop notifications (network shares). Zero disables polling.
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"0s"`

	StabilityWindow  time.Duration `env:"STABILITY_WINDOW" envDefault:"1s"`
	StabilityRecheck time.Duration `env:"STABILITY_RECHECK" envDefault:"1500ms"`

	// Locked-file retry schedule. The initial wait is long because the
	// usual producers are instruments writing for tens of minutes.
	LockedRetryInitial  time.Duration `env:"LOCKED_RETRY_INITIAL" envDefault:"30m"`
	LockedRetryInterval time.Duration `env:"LOCKED_RETRY_INTERVAL" envDefault:"5m"`
	LockedRetryMax      int           `env:"LOCKED_RETRY_MAX" envDefault:"10"`

	ConflictPolicy string `env:"CONFLICT_POLICY" envDefault:"ask"`
	VerifyUploads  bool   `env:"VERIFY_UPLOADS" envDefault:"true"`
	StoreChecksums bool   `env:"STORE_CHECKSUMS" envDefault:"true"`

	ChecksumCacheMax int `env:"CHECKSUM_CACHE_MAX" envDefault:"1000"`

	// CheckOnStart re-verifies every recorded transfer when the daemon
	// starts and re-queues files whose remote copy is missing or differs.
	CheckOnStart bool `env:"CHECK_ON_START" envDefault:"false"`

	// StatePath is the bbolt database holding the checksum cache and
	// transfer records. Defaults to ~/.davbridge/state.db.
	StatePath string `env:"STATE_PATH"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogFile     string `env:"LOG_FILE"`

	// MetricsAddr serves Prometheus metrics when set, e.g. ":9102".
	MetricsAddr string `env:"METRICS_ADDR"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.Extensions = NormalizeExtensions(cfg.Extensions)
	cfg.AuthType = strings.ToLower(strings.TrimSpace(cfg.AuthType))
	cfg.ConflictPolicy = strings.ToLower(strings.TrimSpace(cfg.ConflictPolicy))
	cfg.RemoteDir = normalizeRemoteDir(cfg.RemoteDir)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Relative-path mapping for PRESERVE_STRUCTURE uses filepath.Rel
	// against this directory, which needs an absolute root.
	absDir, err := filepath.Abs(cfg.WatchDir)
	if err != nil {
		return nil, fmt.Errorf("resolving watch dir to absolute path: %w", err)
	}

	cfg.WatchDir = absDir

	if cfg.StatePath == "" {
		path, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = path
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.URL == "" {
		return fmt.Errorf("DAV_URL is required")
	}

	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("DAV_URL must be an absolute http or https URL")
	}

	if c.WatchDir == "" {
		return fmt.Errorf("WATCH_DIR is required")
	}

	if c.AuthType != "basic" && c.AuthType != "digest" {
		return fmt.Errorf("DAV_AUTH must be basic or digest, got %q", c.AuthType)
	}

	switch c.ConflictPolicy {
	case PolicyAsk, PolicySkip, PolicyOverwrite, PolicyRename:
	default:
		return fmt.Errorf("CONFLICT_POLICY must be one of ask, skip, overwrite, rename, got %q", c.ConflictPolicy)
	}

	if c.LockedRetryMax < 1 {
		return fmt.Errorf("LOCKED_RETRY_MAX must be at least 1")
	}

	if c.ChecksumCacheMax < 1 {
		return fmt.Errorf("CHECKSUM_CACHE_MAX must be at least 1")
	}

	if c.StabilityWindow <= 0 || c.StabilityRecheck <= 0 {
		return fmt.Errorf("STABILITY_WINDOW and STABILITY_RECHECK must be positive")
	}

	if c.PollInterval < 0 {
		return fmt.Errorf("POLL_INTERVAL must not be negative")
	}

	return nil
}

// DefaultStatePath returns ~/.davbridge/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".davbridge", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// NormalizeExtensions lowercases extensions and gives each a leading dot.
// Blank entries and duplicates are dropped.
func NormalizeExtensions(exts []string) []string {
	seen := make(map[string]struct{}, len(exts))
	out := make([]string, 0, len(exts))

	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" || ext == "." {
			continue
		}

		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}

		if _, dup := seen[ext]; dup {
			continue
		}

		seen[ext] = struct{}{}
		out = append(out, ext)
	}

	return out
}

func normalizeRemoteDir(dir string) string {
	dir = strings.ReplaceAll(strings.TrimSpace(dir), "\\", "/")
	if dir == "" {
		return "/"
	}

	if !strings.HasPrefix(dir, "/") {
		dir = "/" + dir
	}

	if len(dir) > 1 {
		dir = strings.TrimRight(dir, "/")
		if dir == "" {
			dir = "/"
		}
	}

	return dir
}
