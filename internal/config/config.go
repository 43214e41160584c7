package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	DBUser        string
	DBPassword    string
	DBName        string
	DBHost        string
	DBPort        string
	RedisHost     string
	RedisPort     string
	RedisPassword string
	BotToken      string
	HTTPPort      string
	LogLevel      string

	// CatalogFile is an optional YAML tier list; empty means built-in tiers.
	CatalogFile string
	// BonusSchedule is a comma separated list of referral percentages,
	// level 1 first.
	BonusSchedule     string
	MachineSaleBonus  decimal.Decimal
	ActivityFeedSize  int
	ActivityRetention time.Duration
	SweepInterval     time.Duration
	LockTimeout       time.Duration
	CommitTimeout     time.Duration
	AllowedCIDRs      []string
}

// LoadConfig reads the given env files (".env" when none) and the process
// environment.
func LoadConfig(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil {
		log.Info("No .env file found, using system environment variables")
	}

	cfg := &Config{
		DBUser:        getEnv("DB_USER", "postgres"),
		DBPassword:    getEnv("DB_PASSWORD", "postgres"),
		DBName:        getEnv("DB_NAME", "bria_engine"),
		DBHost:        getEnv("DB_HOST", "localhost"),
		DBPort:        getEnv("DB_PORT", "5432"),
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		BotToken:      getEnv("TELEGRAM_BOT_TOKEN", ""),
		HTTPPort:      getEnv("HTTP_PORT", "8080"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		CatalogFile:   getEnv("CATALOG_FILE", ""),
		BonusSchedule: getEnv("REFERRAL_BONUS_SCHEDULE", "5,2,1,0.5,0.25,0.25,0.25,0.25,0.25,0.25"),
		AllowedCIDRs:  splitList(getEnv("ALLOWED_CIDRS", "127.0.0.1/32,::1/128")),
	}

	var err error
	if cfg.MachineSaleBonus, err = decimal.NewFromString(getEnv("MACHINE_SALE_BONUS", "5")); err != nil {
		return nil, fmt.Errorf("invalid MACHINE_SALE_BONUS: %w", err)
	}
	if cfg.ActivityFeedSize, err = strconv.Atoi(getEnv("ACTIVITY_FEED_SIZE", "100")); err != nil {
		return nil, fmt.Errorf("invalid ACTIVITY_FEED_SIZE: %w", err)
	}
	if cfg.ActivityRetention, err = time.ParseDuration(getEnv("ACTIVITY_RETENTION", "24h")); err != nil {
		return nil, fmt.Errorf("invalid ACTIVITY_RETENTION: %w", err)
	}
	if cfg.SweepInterval, err = time.ParseDuration(getEnv("SWEEP_INTERVAL", "1h")); err != nil {
		return nil, fmt.Errorf("invalid SWEEP_INTERVAL: %w", err)
	}
	if cfg.LockTimeout, err = time.ParseDuration(getEnv("LOCK_TIMEOUT", "5s")); err != nil {
		return nil, fmt.Errorf("invalid LOCK_TIMEOUT: %w", err)
	}
	if cfg.CommitTimeout, err = time.ParseDuration(getEnv("COMMIT_TIMEOUT", "10s")); err != nil {
		return nil, fmt.Errorf("invalid COMMIT_TIMEOUT: %w", err)
	}
	return cfg, nil
}

// DSN is the PostgreSQL connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
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
