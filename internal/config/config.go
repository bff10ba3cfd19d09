package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv                    string
	Port                      string
	AllowedOrigin             string
	DatabaseURL               string
	MigrateOnStart            bool
	RedisAddr                 string
	RedisPassword             string
	RedisDB                   int
	AuthSecret                string
	BootstrapAdminPassword    string
	AccessTokenTTLMinutes     int
	SummaryCacheTTLSeconds    int
	LowStockThreshold         int
	LowStockCron              string
	NotificationRetentionDays int
	ResendAPIKey              string
	MailFrom                  string
	AppURL                    string
	KafkaBrokers              []string
	KafkaTopic                string
	LogLevel                  string
	LogFormat                 string
}

// Load reads the environment. A .env file in the working directory is loaded
// first when present; variables already set in the environment win.
func Load() Config {
	_ = godotenv.Load()

	appEnv := getEnv("APP_ENV", "development")
	logFormat := "console"
	if appEnv == "production" {
		logFormat = "json"
	}

	return Config{
		AppEnv:                    appEnv,
		Port:                      getEnv("PORT", "8080"),
		AllowedOrigin:             getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:               os.Getenv("DATABASE_URL"),
		MigrateOnStart:            getBool("MIGRATE_ON_START", true),
		RedisAddr:                 os.Getenv("REDIS_ADDR"),
		RedisPassword:             os.Getenv("REDIS_PASSWORD"),
		RedisDB:                   getInt("REDIS_DB", 0, 0),
		AuthSecret:                strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		BootstrapAdminPassword:    os.Getenv("BOOTSTRAP_ADMIN_PASSWORD"),
		AccessTokenTTLMinutes:     getInt("ACCESS_TOKEN_TTL_MINUTES", 480, 1),
		SummaryCacheTTLSeconds:    getInt("SUMMARY_CACHE_TTL_SECONDS", 30, 1),
		LowStockThreshold:         getInt("LOW_STOCK_THRESHOLD", 10, 0),
		LowStockCron:              getEnv("LOW_STOCK_CRON", "0 7 * * *"),
		NotificationRetentionDays: getInt("NOTIFICATION_RETENTION_DAYS", 90, 1),
		ResendAPIKey:              strings.TrimSpace(os.Getenv("RESEND_API_KEY")),
		MailFrom:                  getEnv("MAIL_FROM", "UMS POS <no-reply@umspos.local>"),
		AppURL:                    getEnv("APP_URL", "http://127.0.0.1:3000"),
		KafkaBrokers:              splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:                getEnv("KAFKA_TOPIC", "meter-events"),
		LogLevel:                  getEnv("LOG_LEVEL", "info"),
		LogFormat:                 getEnv("LOG_FORMAT", logFormat),
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) SummaryCacheTTL() time.Duration {
	return time.Duration(c.SummaryCacheTTLSeconds) * time.Second
}

func (c Config) NotificationRetention() time.Duration {
	return time.Duration(c.NotificationRetentionDays) * 24 * time.Hour
}

func getEnv(key string, fallback string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	return val
}

// getInt falls back when the value is missing, malformed or below floor.
func getInt(key string, fallback int, floor int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || val < floor {
		return fallback
	}
	return val
}

func getBool(key string, fallback bool) bool {
	val, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(fallback)))
	if err != nil {
		return fallback
	}
	return val
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
