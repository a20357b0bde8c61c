package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// envFiles are loaded, if present, before the process environment is read.
// Variables already set in the environment win.
var envFiles = []string{".env"}

type Config struct {
	DBSource string `validate:"required"`
	Port     string `validate:"required,numeric"`
	Env      string `validate:"oneof=development production test"`

	CryptoPayToken   string `validate:"required"`
	CryptoPayBaseURL string `validate:"required,url"`
	CryptoPayFiat    string `validate:"required,len=3"`
	// SkipSignature accepts unsigned crypto webhooks. Their status and amount
	// are then always read back from the provider. Refused in production.
	SkipSignature  bool
	TelegramToken  string `validate:"required"`
	TelegramSecret string `validate:"required"`
	// AdminToken guards the /api/v1 routes.
	AdminToken    string `validate:"required,min=16"`
	RedisAddr     string
	RedisPassword string

	OutboundTimeout time.Duration `validate:"gt=0"`
	PollInterval    time.Duration `validate:"gt=0"`
	NotifyAttempts  int           `validate:"gte=1,lte=10"`
	NotifyTimeout   time.Duration `validate:"gt=0,ltefield=NotifyBudget"`
	NotifyBudget    time.Duration `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
}

var errInsecureProduction = errors.New("CRYPTOPAY_INSECURE_SKIP_SIGNATURE cannot be enabled in production")

func Load() (*Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := &Config{
		DBSource:         os.Getenv("DB_SOURCE"),
		Port:             getEnv("SERVER_PORT", "8080"),
		Env:              getEnv("ENVIRONMENT", "development"),
		CryptoPayToken:   os.Getenv("CRYPTOPAY_TOKEN"),
		CryptoPayBaseURL: getEnv("CRYPTOPAY_BASE_URL", "https://pay.crypt.bot/api"),
		CryptoPayFiat:    getEnv("CRYPTOPAY_FIAT", "RUB"),
		TelegramToken:    os.Getenv("TELEGRAM_TOKEN"),
		TelegramSecret:   os.Getenv("TELEGRAM_WEBHOOK_SECRET"),
		AdminToken:       os.Getenv("ADMIN_TOKEN"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
	}

	var err error
	if cfg.SkipSignature, err = getBool("CRYPTOPAY_INSECURE_SKIP_SIGNATURE", false); err != nil {
		return nil, err
	}
	if cfg.OutboundTimeout, err = getDuration("OUTBOUND_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = getDuration("POLL_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = getDuration("SHUTDOWN_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.NotifyAttempts, err = getInt("NOTIFY_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.NotifyTimeout, err = getDuration("NOTIFY_TIMEOUT", 3*time.Second); err != nil {
		return nil, err
	}
	if cfg.NotifyBudget, err = getDuration("NOTIFY_BUDGET", 8*time.Second); err != nil {
		return nil, err
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.SkipSignature && cfg.IsProduction() {
		return nil, errInsecureProduction
	}
	return cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getBool(key string, def bool) (bool, error) {
	v := getEnv(key, "")
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getInt(key string, def int) (int, error) {
	v := getEnv(key, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := getEnv(key, "")
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
