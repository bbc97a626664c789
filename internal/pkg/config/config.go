package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/outlivion/outlivion-api/internal/pkg/env"
)

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

type Config struct {
	App        AppConfig
	Database   DatabaseConfig
	Cache      CacheConfig
	YooKassa   YooKassaConfig
	Marzban    MarzbanConfig
	Telegram   TelegramConfig
	Settlement SettlementConfig
	AwardRetry AwardRetryConfig
}

type AppConfig struct {
	Host           string `validate:"required"`
	Port           string `validate:"required,numeric"`
	Env            string `validate:"oneof=dev test prod"`
	AllowedOrigins string
	AdminAPIKey    string
	OpenAPIPath    string

	// ProxyHeader names the header carrying the client address behind a
	// reverse proxy. It is only honoured for TrustedProxies.
	ProxyHeader     string
	TrustedProxies  []string
	RateLimitMax    int           `validate:"gt=0"`
	RateLimitWindow time.Duration `validate:"gt=0"`
}

type DatabaseConfig struct {
	Driver   string `validate:"oneof=sqlite mysql"`
	Path     string `validate:"required_if=Driver sqlite"`
	User     string `validate:"required_if=Driver mysql"`
	Password string
	Host     string `validate:"required_if=Driver mysql"`
	Port     string `validate:"omitempty,numeric"`
	Name     string `validate:"required_if=Driver mysql"`
	// BotPath points at the Telegram bot's SQLite file holding the contest tables.
	BotPath string
}

type CacheConfig struct {
	Host     string
	Port     string `validate:"omitempty,numeric"`
	Password string
}

// Enabled reports whether a Redis endpoint was configured.
func (c CacheConfig) Enabled() bool {
	return strings.TrimSpace(c.Host) != ""
}

func (c CacheConfig) Addr() string {
	port := c.Port
	if port == "" {
		port = "6379"
	}
	return fmt.Sprintf("%s:%s", c.Host, port)
}

type YooKassaConfig struct {
	ShopID         string `validate:"required"`
	SecretKey      string `validate:"required"`
	BaseURL        string `validate:"required,url"`
	ReturnURL      string `validate:"required,url"`
	WebhookIPCheck bool
	Timeout        time.Duration `validate:"gt=0"`
}

type MarzbanConfig struct {
	BaseURL         string `validate:"required,url"`
	Username        string `validate:"required"`
	Password        string `validate:"required"`
	PublicURLPrefix string `validate:"omitempty,url"`
	Inbound         string `validate:"required"`
	Timeout         time.Duration `validate:"gt=0"`
}

type TelegramConfig struct {
	BotToken string
	AdminIDs []int64
}

type SettlementConfig struct {
	DefaultPlanDurationDays int           `validate:"gt=0"`
	LockTTL                 time.Duration `validate:"gt=0"`
}

type AwardRetryConfig struct {
	Interval    time.Duration `validate:"gt=0"`
	MaxAttempts int           `validate:"gt=0"`
	DBPath      string
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.App.Host, c.App.Port)
}

// IsAdminTelegramID reports whether id belongs to the operator list.
func (c *Config) IsAdminTelegramID(id int64) bool {
	for _, admin := range c.Telegram.AdminIDs {
		if admin == id {
			return true
		}
	}
	return false
}

// Load reads the environment through env.GetEnv and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		App: AppConfig{
			Host:            env.GetEnv("APP_HOST", "0.0.0.0"),
			Port:            env.GetEnv("APP_PORT", "3001"),
			Env:             env.GetEnv("APP_ENV", "prod"),
			AllowedOrigins:  env.GetEnv("ALLOWED_ORIGINS", "*"),
			AdminAPIKey:     env.GetEnv("ADMIN_API_KEY", ""),
			OpenAPIPath:     env.GetEnv("OPENAPI_PATH", "./docs/openapi.yml"),
			ProxyHeader:     env.GetEnv("PROXY_HEADER", ""),
			TrustedProxies:  env.GetEnvList("TRUSTED_PROXIES"),
			RateLimitMax:    env.GetEnvInt("RATE_LIMIT_MAX", 60),
			RateLimitWindow: env.GetEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Database: DatabaseConfig{
			Driver:   strings.ToLower(env.GetEnv("DB_DRIVER", DriverSQLite)),
			Path:     env.GetEnv("DB_PATH", "./data/outlivion.db"),
			User:     env.GetEnv("DB_USER", ""),
			Password: env.GetEnv("DB_PASSWORD", ""),
			Host:     env.GetEnv("DB_HOST", "127.0.0.1"),
			Port:     env.GetEnv("DB_PORT", "3306"),
			Name:     env.GetEnv("DB_NAME", ""),
			BotPath:  env.GetEnv("BOT_DATABASE_PATH", ""),
		},
		Cache: CacheConfig{
			Host:     env.GetEnv("CACHE_HOST", ""),
			Port:     env.GetEnv("CACHE_PORT", "6379"),
			Password: env.GetEnv("CACHE_PASSWORD", ""),
		},
		YooKassa: YooKassaConfig{
			ShopID:         env.GetEnv("YOOKASSA_SHOP_ID", ""),
			SecretKey:      env.GetEnv("YOOKASSA_SECRET_KEY", ""),
			BaseURL:        env.GetEnv("YOOKASSA_BASE_URL", "https://api.yookassa.ru/v3"),
			ReturnURL:      env.GetEnv("YOOKASSA_RETURN_URL", ""),
			WebhookIPCheck: env.GetEnvBool("YOOKASSA_WEBHOOK_IP_CHECK", true),
			Timeout:        env.GetEnvDuration("YOOKASSA_TIMEOUT", 15*time.Second),
		},
		Marzban: MarzbanConfig{
			BaseURL:         strings.TrimRight(env.GetEnv("MARZBAN_BASE_URL", ""), "/"),
			Username:        env.GetEnv("MARZBAN_USERNAME", ""),
			Password:        env.GetEnv("MARZBAN_PASSWORD", ""),
			PublicURLPrefix: strings.TrimRight(env.GetEnv("MARZBAN_PUBLIC_URL_PREFIX", ""), "/"),
			Inbound:         env.GetEnv("MARZBAN_INBOUND", "VLESS TCP REALITY"),
			Timeout:         env.GetEnvDuration("MARZBAN_TIMEOUT", 20*time.Second),
		},
		Telegram: TelegramConfig{
			BotToken: env.GetEnv("TELEGRAM_BOT_TOKEN", ""),
		},
		Settlement: SettlementConfig{
			DefaultPlanDurationDays: env.GetEnvInt("DEFAULT_PLAN_DURATION_DAYS", 30),
			LockTTL:                 env.GetEnvDuration("SETTLEMENT_LOCK_TTL", 2*time.Minute),
		},
		AwardRetry: AwardRetryConfig{
			Interval:    env.GetEnvDuration("AWARD_RETRY_INTERVAL", 5*time.Minute),
			MaxAttempts: env.GetEnvInt("AWARD_RETRY_MAX_ATTEMPTS", 3),
			DBPath:      env.GetEnv("AWARD_RETRY_DB_PATH", ""),
		},
	}

	ids, err := parseIDs(env.GetEnvList("ADMIN_TELEGRAM_IDS"))
	if err != nil {
		return nil, fmt.Errorf("ADMIN_TELEGRAM_IDS: %w", err)
	}
	cfg.Telegram.AdminIDs = ids

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints and returns the first violations joined.
func (c *Config) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

func parseIDs(items []string) ([]int64, error) {
	out := make([]int64, 0, len(items))
	for _, item := range items {
		id, err := strconv.ParseInt(item, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid telegram id %q", item)
		}
		out = append(out, id)
	}
	return out, nil
}
