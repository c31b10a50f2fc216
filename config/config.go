// Package config assembles executor configuration from three layers:
// package defaults, an optional config.json, and environment variables.
// Later layers win. Secrets can additionally be overlaid from Vault.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"forex-executor/internal/api"
	"forex-executor/internal/bridge"
	"forex-executor/internal/correlation"
	"forex-executor/internal/exits"
	"forex-executor/internal/journal"
	"forex-executor/internal/killswitch"
	"forex-executor/internal/logging"
	"forex-executor/internal/mirror"
	"forex-executor/internal/platform"
	"forex-executor/internal/recovery"
	"forex-executor/internal/safety"
	"forex-executor/internal/scheduler"
	"forex-executor/internal/vault"
)

// Config is the full executor configuration
type Config struct {
	Executor    ExecutorConfig     `json:"executor"`
	Bridge      bridge.Config      `json:"bridge"`
	Logging     logging.Config     `json:"logging"`
	Safety      safety.Config      `json:"safety"`
	Correlation correlation.Config `json:"correlation"`
	Scheduler   scheduler.Config   `json:"scheduler"`
	Exits       exits.Config       `json:"exits"`
	KillSwitch  killswitch.Config  `json:"kill_switch"`
	Recovery    recovery.Config    `json:"recovery"`
	Platform    platform.Config    `json:"platform"`
	API         api.Config         `json:"api"`
	Journal     journal.Config     `json:"journal"`
	Mirror      mirror.Config      `json:"mirror"`
	Vault       vault.Config       `json:"vault"`
}

// ExecutorConfig holds top-level executor settings
type ExecutorConfig struct {
	ID            string  `json:"id"`
	StrategiesDir string  `json:"strategies_dir"`
	BarCount      int     `json:"bar_count"`
	MaxLots       float64 `json:"max_lots"`
	MockBroker    bool    `json:"mock_broker"`
	AutoResume    bool    `json:"auto_resume"`
}

// Default returns the executor defaults before any file or env overlay
func Default() Config {
	return Config{
		Executor: ExecutorConfig{
			ID:            "executor-1",
			StrategiesDir: "strategies",
			BarCount:      300,
			MaxLots:       10.0,
			AutoResume:    true,
		},
		Bridge:      bridge.DefaultConfig(),
		Logging:     logging.DefaultConfig(),
		Safety:      safety.DefaultConfig(),
		Correlation: correlation.DefaultConfig(),
		Scheduler:   scheduler.DefaultConfig(),
		Exits:       exits.DefaultConfig(),
		KillSwitch:  killswitch.DefaultConfig(),
		Recovery:    recovery.DefaultConfig(),
		Platform:    platform.DefaultConfig(),
		API:         api.DefaultConfig(),
		Journal:     journal.DefaultConfig(),
		Mirror:      mirror.DefaultConfig(),
		Vault:       vault.DefaultConfig(),
	}
}

// Load builds the configuration: defaults, then config file, then env
func Load(path string) (*Config, error) {
	// A missing .env is fine, env vars may come from the shell.
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		path = getEnvOrDefault("EXECUTOR_CONFIG", "config.json")
	}

	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	// Executor
	cfg.Executor.ID = getEnvOrDefault("EXECUTOR_ID", cfg.Executor.ID)
	cfg.Executor.StrategiesDir = getEnvOrDefault("EXECUTOR_STRATEGIES_DIR", cfg.Executor.StrategiesDir)
	cfg.Executor.MockBroker = getEnvBoolOrDefault("MOCK_BROKER", cfg.Executor.MockBroker)
	cfg.Executor.AutoResume = getEnvBoolOrDefault("EXECUTOR_AUTO_RESUME", cfg.Executor.AutoResume)

	// Bridge
	cfg.Bridge.Address = getEnvOrDefault("BRIDGE_ADDRESS", cfg.Bridge.Address)
	cfg.Bridge.TimeoutSeconds = getEnvIntOrDefault("BRIDGE_TIMEOUT_SECONDS", cfg.Bridge.TimeoutSeconds)

	// Logging
	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.File = getEnvOrDefault("LOG_FILE", cfg.Logging.File)
	cfg.Logging.Console = getEnvBoolOrDefault("LOG_CONSOLE", cfg.Logging.Console)

	// Safety
	cfg.Safety.MaxOpenPositions = getEnvIntOrDefault("SAFETY_MAX_OPEN_POSITIONS", cfg.Safety.MaxOpenPositions)
	cfg.Safety.MaxDailyTrades = getEnvIntOrDefault("SAFETY_MAX_DAILY_TRADES", cfg.Safety.MaxDailyTrades)
	cfg.Safety.MaxDailyLoss = getEnvFloatOrDefault("SAFETY_MAX_DAILY_LOSS", cfg.Safety.MaxDailyLoss)
	cfg.Safety.MaxDailyLossPercent = getEnvFloatOrDefault("SAFETY_MAX_DAILY_LOSS_PERCENT", cfg.Safety.MaxDailyLossPercent)
	cfg.Safety.MaxDrawdownPercent = getEnvFloatOrDefault("SAFETY_MAX_DRAWDOWN_PERCENT", cfg.Safety.MaxDrawdownPercent)
	cfg.Safety.MaxVolumePerTrade = getEnvFloatOrDefault("SAFETY_MAX_VOLUME_PER_TRADE", cfg.Safety.MaxVolumePerTrade)
	cfg.Safety.MaxTotalVolume = getEnvFloatOrDefault("SAFETY_MAX_TOTAL_VOLUME", cfg.Safety.MaxTotalVolume)

	// Recovery
	cfg.Recovery.DatabasePath = getEnvOrDefault("RECOVERY_DATABASE_PATH", cfg.Recovery.DatabasePath)
	cfg.Recovery.MarkerPath = getEnvOrDefault("RECOVERY_MARKER_PATH", cfg.Recovery.MarkerPath)
	cfg.Recovery.IntervalMinutes = getEnvIntOrDefault("RECOVERY_INTERVAL_MINUTES", cfg.Recovery.IntervalMinutes)

	// Kill switch
	cfg.KillSwitch.CooldownMinutes = getEnvIntOrDefault("KILL_SWITCH_COOLDOWN_MINUTES", cfg.KillSwitch.CooldownMinutes)

	// Platform link
	cfg.Platform.Enabled = getEnvBoolOrDefault("PLATFORM_ENABLED", cfg.Platform.Enabled)
	cfg.Platform.URL = getEnvOrDefault("PLATFORM_URL", cfg.Platform.URL)
	cfg.Platform.ExecutorID = getEnvOrDefault("PLATFORM_EXECUTOR_ID", cfg.Platform.ExecutorID)
	cfg.Platform.Token = getEnvOrDefault("PLATFORM_TOKEN", cfg.Platform.Token)
	if cfg.Platform.ExecutorID == "" {
		cfg.Platform.ExecutorID = cfg.Executor.ID
	}

	// Local API
	cfg.API.Enabled = getEnvBoolOrDefault("API_ENABLED", cfg.API.Enabled)
	cfg.API.Host = getEnvOrDefault("API_HOST", cfg.API.Host)
	cfg.API.Port = getEnvIntOrDefault("API_PORT", cfg.API.Port)
	cfg.API.ProductionMode = getEnvBoolOrDefault("API_PRODUCTION_MODE", cfg.API.ProductionMode)
	cfg.API.OperatorKey = getEnvOrDefault("API_OPERATOR_KEY", cfg.API.OperatorKey)
	cfg.API.JWTSecret = getEnvOrDefault("API_JWT_SECRET", cfg.API.JWTSecret)
	if origins := os.Getenv("API_ALLOW_ORIGINS"); origins != "" {
		cfg.API.AllowOrigins = strings.Split(origins, ",")
	}

	// Journal
	cfg.Journal.Enabled = getEnvBoolOrDefault("JOURNAL_ENABLED", cfg.Journal.Enabled)
	cfg.Journal.Host = getEnvOrDefault("JOURNAL_DB_HOST", cfg.Journal.Host)
	cfg.Journal.Port = getEnvIntOrDefault("JOURNAL_DB_PORT", cfg.Journal.Port)
	cfg.Journal.User = getEnvOrDefault("JOURNAL_DB_USER", cfg.Journal.User)
	cfg.Journal.Password = getEnvOrDefault("JOURNAL_DB_PASSWORD", cfg.Journal.Password)
	cfg.Journal.Database = getEnvOrDefault("JOURNAL_DB_NAME", cfg.Journal.Database)
	cfg.Journal.SSLMode = getEnvOrDefault("JOURNAL_DB_SSLMODE", cfg.Journal.SSLMode)

	// Mirror
	cfg.Mirror.Enabled = getEnvBoolOrDefault("MIRROR_ENABLED", cfg.Mirror.Enabled)
	cfg.Mirror.Address = getEnvOrDefault("REDIS_ADDR", cfg.Mirror.Address)
	cfg.Mirror.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Mirror.Password)
	cfg.Mirror.DB = getEnvIntOrDefault("REDIS_DB", cfg.Mirror.DB)

	// Vault
	cfg.Vault.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.Vault.Enabled)
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", cfg.Vault.Address)
	cfg.Vault.Token = getEnvOrDefault("VAULT_TOKEN", cfg.Vault.Token)
	cfg.Vault.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.Vault.MountPath)
	cfg.Vault.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.Vault.SecretPath)
}

// ApplySecrets overlays non-empty Vault secrets onto the config
func (c *Config) ApplySecrets(s vault.Secrets) {
	if s.PlatformToken != "" {
		c.Platform.Token = s.PlatformToken
	}
	if s.JWTSecret != "" {
		c.API.JWTSecret = s.JWTSecret
	}
	if s.OperatorKey != "" {
		c.API.OperatorKey = s.OperatorKey
	}
	if s.JournalPassword != "" {
		c.Journal.Password = s.JournalPassword
	}
	if s.RedisPassword != "" {
		c.Mirror.Password = s.RedisPassword
	}
}

// Validate rejects configurations the executor cannot safely run with
func (c *Config) Validate() error {
	if c.Executor.ID == "" {
		return fmt.Errorf("executor id must not be empty")
	}
	if c.Executor.BarCount < 50 {
		return fmt.Errorf("executor bar_count %d too small, indicators need history", c.Executor.BarCount)
	}
	if c.Platform.Enabled && c.Platform.URL == "" {
		return fmt.Errorf("platform link enabled but no url configured")
	}
	if c.Platform.HeartbeatSeconds > 0 && c.Platform.HeartbeatSeconds < 5 {
		return fmt.Errorf("platform heartbeat_seconds %d too aggressive, minimum is 5", c.Platform.HeartbeatSeconds)
	}
	if c.Safety.MaxDailyLossPercent < 0 || c.Safety.MaxDailyLossPercent > 100 {
		return fmt.Errorf("safety max_daily_loss_percent %.1f out of range", c.Safety.MaxDailyLossPercent)
	}
	if c.Safety.MaxDrawdownPercent < 0 || c.Safety.MaxDrawdownPercent > 100 {
		return fmt.Errorf("safety max_drawdown_percent %.1f out of range", c.Safety.MaxDrawdownPercent)
	}
	if c.Safety.MarginSafetyFactor < 1.0 {
		return fmt.Errorf("safety margin_safety_factor %.2f must be at least 1.0", c.Safety.MarginSafetyFactor)
	}
	return nil
}

// WriteSample writes a commented starting configuration to a file
func WriteSample(filename string) error {
	cfg := Default()
	cfg.Journal.Enabled = true
	cfg.Mirror.Enabled = true

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o644)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.EqualFold(value, "true") || value == "1"
	}
	return defaultValue
}
