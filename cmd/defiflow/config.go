package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

// Duration is a time.Duration that reads "30s"-style strings from settings.json.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("duration must be a string like \"5m\": %s", b)
		}
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Config holds all defiflow configuration.
// Priority: flags > env vars (.env included) > settings.json > defaults.
type Config struct {
	ListenAddr       string   `json:"listen_addr"`
	DBPath           string   `json:"db_path"` // empty disables the mirror
	LogLevel         string   `json:"log_level"`
	PoolSize         int      `json:"pool_size"`
	StallAfter       Duration `json:"stall_after"` // 0 disables the watchdog
	WatchdogSchedule string   `json:"watchdog_schedule"`
	MinAPYDiff       float64  `json:"min_apy_diff"`
	RiskThreshold    float64  `json:"risk_threshold"`
	CORSOrigins      []string `json:"cors_origins"`
	DefaultWallet    string   `json:"default_wallet"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:       ":8000",
		LogLevel:         "info",
		PoolSize:         10,
		StallAfter:       Duration(5 * time.Minute),
		WatchdogSchedule: "@every 30s",
		MinAPYDiff:       0.005,
		RiskThreshold:    7.0,
		CORSOrigins:      []string{"*"},
		DefaultWallet:    "0xDemoWallet123",
	}
}

func defiflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".defiflow"
	}
	return filepath.Join(home, ".defiflow")
}

func settingsPath() string {
	return filepath.Join(defiflowDir(), "settings.json")
}

// loadConfig layers defaults, settings.json, .env and the environment.
func loadConfig(settings string) (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settings); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settings, err)
		}
	}

	// Layer 3: .env never overrides variables already set in the process.
	_ = godotenv.Load()

	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv("DEFIFLOW_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := getenv("DEFIFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("DEFIFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("DEFIFLOW_POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DEFIFLOW_POOL_SIZE: %w", err)
		}
		cfg.PoolSize = n
	}
	if v := getenv("DEFIFLOW_STALL_AFTER"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("DEFIFLOW_STALL_AFTER: %w", err)
		}
		cfg.StallAfter = Duration(d)
	}
	if v := getenv("DEFIFLOW_WATCHDOG_SCHEDULE"); v != "" {
		cfg.WatchdogSchedule = v
	}
	if v := getenv("DEFIFLOW_MIN_APY_DIFF"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("DEFIFLOW_MIN_APY_DIFF: %w", err)
		}
		cfg.MinAPYDiff = f
	}
	if v := getenv("DEFIFLOW_RISK_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("DEFIFLOW_RISK_THRESHOLD: %w", err)
		}
		cfg.RiskThreshold = f
	}
	if v := getenv("DEFIFLOW_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitList(v)
	}
	if v := getenv("DEFIFLOW_DEFAULT_WALLET"); v != "" {
		cfg.DefaultWallet = v
	}
	return nil
}

// bindFlags registers the overridable keys on fs, defaulting to cfg.
func bindFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "libSQL mirror database path (empty disables the mirror)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug|info|warn|error")
	fs.IntVar(&cfg.PoolSize, "pool-size", cfg.PoolSize, "maximum concurrently running executions")
	fs.DurationVar((*time.Duration)(&cfg.StallAfter), "stall-after", time.Duration(cfg.StallAfter), "fail executions idle for this long (0 disables)")
	fs.StringVar(&cfg.WatchdogSchedule, "watchdog-schedule", cfg.WatchdogSchedule, "cron schedule of the stall watchdog")
	fs.Float64Var(&cfg.MinAPYDiff, "min-apy-diff", cfg.MinAPYDiff, "minimum APY gain that justifies a migration")
	fs.Float64Var(&cfg.RiskThreshold, "risk-threshold", cfg.RiskThreshold, "risk score at or above which a protocol is unsafe")
	fs.StringSliceVar(&cfg.CORSOrigins, "cors-origins", cfg.CORSOrigins, "allowed CORS origins")
	fs.StringVar(&cfg.DefaultWallet, "default-wallet", cfg.DefaultWallet, "wallet used for chats without one")
}

func (c Config) validate() error {
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive, got %d", c.PoolSize)
	}
	if c.StallAfter < 0 {
		return fmt.Errorf("stall_after must not be negative")
	}
	if c.RiskThreshold <= 0 || c.RiskThreshold > 10 {
		return fmt.Errorf("risk_threshold must be in (0, 10], got %g", c.RiskThreshold)
	}
	return nil
}

// mirrorURI turns a db_path into a libSQL file URI.
func mirrorURI(path string) string {
	if strings.HasPrefix(path, "file:") || strings.Contains(path, "://") {
		return path
	}
	return "file:" + path
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
