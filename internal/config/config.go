package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"` // gRPC health endpoint; empty disables

	Env    string `yaml:"env"`     // "dev" | "prod"
	DBPath string `yaml:"db_path"` // e.g. "./data/portcullis.db"

	// Logging
	LogLevel      string `yaml:"log_level"`
	LogFile       string `yaml:"log_file"` // empty logs to stderr
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`

	// Tokens
	TokenSecret     string        `yaml:"token_secret"`
	TokenAlgorithm  string        `yaml:"token_algorithm"` // "shake256" | "blake3"
	TokenNonceSize  int           `yaml:"token_nonce_size"`
	TokenDigestSize int           `yaml:"token_digest_size"`
	DownloadSecret  string        `yaml:"download_secret"`
	DownloadTTL     time.Duration `yaml:"download_ttl"`
	Timezone        string        `yaml:"timezone"`

	// Networked readers
	KnownReaders []string `yaml:"known_readers"`
	ReaderToken  string   `yaml:"reader_token"`

	// Local hardware. An empty port disables that device.
	ScannerPort  string        `yaml:"scanner_port"`
	ScannerBaud  int           `yaml:"scanner_baud"`
	DisplayPort  string        `yaml:"display_port"`
	DisplayBaud  int           `yaml:"display_baud"`
	DisplayPanel string        `yaml:"display_panel"` // "status" | "lcd"
	RelayChip    string        `yaml:"relay_chip"`
	RelayOffset  int           `yaml:"relay_offset"`
	RelayPulse   time.Duration `yaml:"relay_pulse"`

	// Anti-passback. A zero window disables it.
	ReplayWindow time.Duration `yaml:"replay_window"`
	RedisAddr    string        `yaml:"redis_addr"`

	// Roster sync. An empty URL disables it.
	RosterURL          string        `yaml:"roster_url"`
	RosterToken        string        `yaml:"roster_token"`
	RosterInterval     time.Duration `yaml:"roster_interval"`
	RosterRetry        time.Duration `yaml:"roster_retry"`
	RosterInitialDelay time.Duration `yaml:"roster_initial_delay"`

	// Heartbeat retention
	HeartbeatRetentionDays int `yaml:"heartbeat_retention_days"` // 0 = keep forever
	PruneIntervalHours     int `yaml:"prune_interval_hours"`     // how often the pruner runs (default 6)

	// Remote reader
	ServerURL         string        `yaml:"server_url"`
	ReaderID          string        `yaml:"reader_id"`
	DecideTimeout     time.Duration `yaml:"decide_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// envErrs holds environment values that did not parse. The field keeps
	// its previous value and Validate reports them.
	envErrs []error
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		HTTPAddr: ":8080",
		GRPCAddr: ":9090",
		Env:      "dev",
		DBPath:   "./data/portcullis.db",

		LogLevel:      "info",
		LogMaxSizeMB:  50,
		LogMaxBackups: 5,

		TokenAlgorithm:  "shake256",
		TokenNonceSize:  4,
		TokenDigestSize: 10,
		DownloadTTL:     2 * time.Hour,
		Timezone:        "Local",

		ScannerBaud:  115200,
		DisplayBaud:  115200,
		DisplayPanel: "status",
		RelayChip:    "gpiochip0",
		RelayOffset:  16,
		RelayPulse:   5 * time.Second,

		RosterInterval: 24 * time.Hour,
		RosterRetry:    time.Hour,

		HeartbeatRetentionDays: 30,
		PruneIntervalHours:     6,

		ServerURL:         "http://localhost:8080",
		DecideTimeout:     5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
	}
}

// FromEnv applies PORTCULLIS_* environment variables over the defaults.
func FromEnv() Config {
	cfg := Defaults()
	applyEnv(&cfg)
	return cfg
}

// Load builds the configuration from, in increasing precedence: defaults,
// the YAML file at path (if any), a .env file in the working directory
// (if present) and the process environment.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Defaults()
	if path == "" {
		path = os.Getenv("PORTCULLIS_CONFIG")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	env := &envReader{}
	defer func() { cfg.envErrs = env.errs }()

	cfg.HTTPAddr = getenvDefault("PORTCULLIS_HTTP_ADDR", cfg.HTTPAddr)
	cfg.GRPCAddr = getenvDefault("PORTCULLIS_GRPC_ADDR", cfg.GRPCAddr)

	cfg.Env = strings.ToLower(getenvDefault("PORTCULLIS_ENV", cfg.Env))
	if cfg.Env != "dev" && cfg.Env != "prod" {
		// fail-soft: treat unknown as dev
		cfg.Env = "dev"
	}
	cfg.DBPath = getenvDefault("PORTCULLIS_DB_PATH", cfg.DBPath)

	cfg.LogLevel = getenvDefault("PORTCULLIS_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFile = getenvDefault("PORTCULLIS_LOG_FILE", cfg.LogFile)
	cfg.LogMaxSizeMB = env.integer("PORTCULLIS_LOG_MAX_SIZE_MB", cfg.LogMaxSizeMB)
	cfg.LogMaxBackups = env.integer("PORTCULLIS_LOG_MAX_BACKUPS", cfg.LogMaxBackups)

	cfg.TokenSecret = getenvDefault("PORTCULLIS_TOKEN_SECRET", cfg.TokenSecret)
	cfg.TokenAlgorithm = getenvDefault("PORTCULLIS_TOKEN_ALGORITHM", cfg.TokenAlgorithm)
	cfg.TokenNonceSize = env.integer("PORTCULLIS_TOKEN_NONCE_SIZE", cfg.TokenNonceSize)
	cfg.TokenDigestSize = env.integer("PORTCULLIS_TOKEN_DIGEST_SIZE", cfg.TokenDigestSize)
	cfg.DownloadSecret = getenvDefault("PORTCULLIS_DOWNLOAD_SECRET", cfg.DownloadSecret)
	cfg.DownloadTTL = env.duration("PORTCULLIS_DOWNLOAD_TTL", cfg.DownloadTTL)
	cfg.Timezone = getenvDefault("PORTCULLIS_TIMEZONE", cfg.Timezone)

	if v := splitCSV(os.Getenv("PORTCULLIS_KNOWN_READERS")); v != nil {
		cfg.KnownReaders = v
	}
	cfg.ReaderToken = getenvDefault("PORTCULLIS_READER_TOKEN", cfg.ReaderToken)

	cfg.ScannerPort = getenvDefault("PORTCULLIS_SCANNER_PORT", cfg.ScannerPort)
	cfg.ScannerBaud = env.integer("PORTCULLIS_SCANNER_BAUD", cfg.ScannerBaud)
	cfg.DisplayPort = getenvDefault("PORTCULLIS_DISPLAY_PORT", cfg.DisplayPort)
	cfg.DisplayBaud = env.integer("PORTCULLIS_DISPLAY_BAUD", cfg.DisplayBaud)
	cfg.DisplayPanel = strings.ToLower(getenvDefault("PORTCULLIS_DISPLAY_PANEL", cfg.DisplayPanel))
	cfg.RelayChip = getenvDefault("PORTCULLIS_RELAY_CHIP", cfg.RelayChip)
	cfg.RelayOffset = env.integer("PORTCULLIS_RELAY_OFFSET", cfg.RelayOffset)
	cfg.RelayPulse = env.duration("PORTCULLIS_RELAY_PULSE", cfg.RelayPulse)

	cfg.ReplayWindow = env.duration("PORTCULLIS_REPLAY_WINDOW", cfg.ReplayWindow)
	cfg.RedisAddr = getenvDefault("PORTCULLIS_REDIS_ADDR", cfg.RedisAddr)

	cfg.RosterURL = getenvDefault("PORTCULLIS_ROSTER_URL", cfg.RosterURL)
	cfg.RosterToken = getenvDefault("PORTCULLIS_ROSTER_TOKEN", cfg.RosterToken)
	cfg.RosterInterval = env.duration("PORTCULLIS_ROSTER_INTERVAL", cfg.RosterInterval)
	cfg.RosterRetry = env.duration("PORTCULLIS_ROSTER_RETRY", cfg.RosterRetry)
	cfg.RosterInitialDelay = env.duration("PORTCULLIS_ROSTER_INITIAL_DELAY", cfg.RosterInitialDelay)

	cfg.HeartbeatRetentionDays = env.integer("PORTCULLIS_HEARTBEAT_RETENTION_DAYS", cfg.HeartbeatRetentionDays)
	cfg.PruneIntervalHours = env.integer("PORTCULLIS_PRUNE_INTERVAL_HOURS", cfg.PruneIntervalHours)

	cfg.ServerURL = getenvDefault("PORTCULLIS_SERVER_URL", cfg.ServerURL)
	cfg.ReaderID = getenvDefault("PORTCULLIS_READER_ID", cfg.ReaderID)
	cfg.DecideTimeout = env.duration("PORTCULLIS_DECIDE_TIMEOUT", cfg.DecideTimeout)
	cfg.HeartbeatInterval = env.duration("PORTCULLIS_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
}

// Validate rejects configurations that cannot be run safely.
func (c Config) Validate() error {
	errs := append([]error(nil), c.envErrs...)
	if c.Env == "prod" {
		if len(c.TokenSecret) < 16 {
			errs = append(errs, errors.New("PORTCULLIS_TOKEN_SECRET must be at least 16 bytes in prod"))
		}
		if c.ReaderToken == "" {
			errs = append(errs, errors.New("PORTCULLIS_READER_TOKEN is required in prod"))
		}
	}
	if c.DisplayPanel != "status" && c.DisplayPanel != "lcd" {
		errs = append(errs, fmt.Errorf("unknown display panel %q", c.DisplayPanel))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Location resolves Timezone.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// DownloadKey falls back to a key derived from the token secret so a dev
// setup needs only one secret.
func (c Config) DownloadKey() []byte {
	if c.DownloadSecret != "" {
		return []byte(c.DownloadSecret)
	}
	return []byte("download:" + c.TokenSecret)
}

func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// envReader parses numeric environment values and remembers the ones it
// had to reject.
type envReader struct {
	errs []error
}

func (e *envReader) integer(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		e.errs = append(e.errs, fmt.Errorf("%s=%q: want a non-negative integer", key, v))
		return def
	}
	return n
}

func (e *envReader) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		e.errs = append(e.errs, fmt.Errorf("%s=%q: want a non-negative duration", key, v))
		return def
	}
	return d
}

func splitCSV(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
