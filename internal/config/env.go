package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// TradingEnv selects the brokerage environment.
type TradingEnv string

const (
	EnvVirtual TradingEnv = "virtual"
	EnvProd    TradingEnv = "prod"
)

// Env holds credentials and deployment identity from the environment.
// Secrets live here, never in the YAML file.
type Env struct {
	AppKey      string
	AppSecret   string
	AccountNo   string // 8-digit brokerage account
	Environment TradingEnv

	TelegramBotToken string
	TelegramChatID   string

	// Optional overrides
	RedisURL    string // overrides cache.redis_url
	LogJSON     bool
	LogLevel    string
	MaxInflight int    // overrides concurrency.brokerage_max_inflight when > 0
	DataDir     string // overrides paths.data_root

	BackupAccessKey string
	BackupSecretKey string

	// ResetKey signs manual circuit-breaker resets. Absent means manual
	// resets are disabled; only the cooldown clears a trip.
	ResetKey string
}

// LoadEnv reads the process environment, loading .env first if present.
func LoadEnv() (*Env, error) {
	_ = godotenv.Load()

	env := &Env{
		AppKey:           getEnv("KIS_APP_KEY", ""),
		AppSecret:        getEnv("KIS_APP_SECRET", ""),
		AccountNo:        getEnv("KIS_ACCOUNT_NO", ""),
		Environment:      TradingEnv(strings.ToLower(getEnv("KIS_ENV", string(EnvVirtual)))),
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		RedisURL:         getEnv("REDIS_URL", ""),
		LogJSON:          getEnvAsBool("HAETAE_LOG_JSON", false),
		LogLevel:         getEnv("HAETAE_LOG_LEVEL", "info"),
		MaxInflight:      getEnvAsInt("HAETAE_MAX_INFLIGHT", 0),
		DataDir:          getEnv("HAETAE_DATA_DIR", ""),
		BackupAccessKey:  getEnv("BACKUP_ACCESS_KEY", ""),
		BackupSecretKey:  getEnv("BACKUP_SECRET_KEY", ""),
		ResetKey:         getEnv("HAETAE_RESET_KEY", ""),
	}

	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// Validate checks the required variables and their formats.
func (e *Env) Validate() error {
	var missing []string
	if e.AppKey == "" {
		missing = append(missing, "KIS_APP_KEY")
	}
	if e.AppSecret == "" {
		missing = append(missing, "KIS_APP_SECRET")
	}
	if e.AccountNo == "" {
		missing = append(missing, "KIS_ACCOUNT_NO")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if len(e.AccountNo) != 8 {
		return fmt.Errorf("KIS_ACCOUNT_NO must be 8 digits, got %d characters", len(e.AccountNo))
	}
	for _, c := range e.AccountNo {
		if c < '0' || c > '9' {
			return fmt.Errorf("KIS_ACCOUNT_NO must be numeric")
		}
	}

	if e.Environment != EnvVirtual && e.Environment != EnvProd {
		return fmt.Errorf("KIS_ENV must be %q or %q, got %q", EnvVirtual, EnvProd, e.Environment)
	}
	return nil
}

// NotifierConfigured reports whether the Telegram credentials are present.
// The notifier degrades to log-only when they are not.
func (e *Env) NotifierConfigured() bool {
	return e.TelegramBotToken != "" && e.TelegramChatID != ""
}

// Secrets returns every secret value for log-masking registration.
func (e *Env) Secrets() []string {
	return []string{e.AppKey, e.AppSecret, e.TelegramBotToken, e.BackupSecretKey, e.ResetKey}
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
