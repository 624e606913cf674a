/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the token-ledger-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort               string `mapstructure:"SERVER_PORT"`
	DatabaseURL              string `mapstructure:"DATABASE_URL"`
	RedisURL                 string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix     string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL              string `mapstructure:"RABBITMQ_URL"`
	JWKSURL                  string `mapstructure:"JWKS_URL"`
	InternalAPIKey           string `mapstructure:"INTERNAL_API_KEY"`
	FreeDailyTokens          int64  `mapstructure:"FREE_DAILY_TOKENS"`
	ProRolloverCap           int64  `mapstructure:"PRO_ROLLOVER_CAP"`
	DeductRateLimitPerMinute int    `mapstructure:"DEDUCT_RATE_LIMIT_PER_MINUTE"`
	PoolExpirySchedule       string `mapstructure:"POOL_EXPIRY_SCHEDULE"`
	PeriodRolloverSchedule   string `mapstructure:"PERIOD_ROLLOVER_SCHEDULE"`
	HistoryDefaultPageSize   int    `mapstructure:"HISTORY_DEFAULT_PAGE_SIZE"`
	HistoryMaxPageSize       int    `mapstructure:"HISTORY_MAX_PAGE_SIZE"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "ledger:rate_limit")
	viper.SetDefault("FREE_DAILY_TOKENS", 50)
	viper.SetDefault("PRO_ROLLOVER_CAP", 1000)
	viper.SetDefault("DEDUCT_RATE_LIMIT_PER_MINUTE", 60)
	viper.SetDefault("POOL_EXPIRY_SCHEDULE", "@hourly")
	viper.SetDefault("PERIOD_ROLLOVER_SCHEDULE", "15 * * * *")
	viper.SetDefault("HISTORY_DEFAULT_PAGE_SIZE", 50)
	viper.SetDefault("HISTORY_MAX_PAGE_SIZE", 200)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "LEDGER_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("JWKS_URL", "JWKS_URL", "CLERK_JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "TOKEN_LEDGER_INTERNAL_API_KEY")
	_ = viper.BindEnv("FREE_DAILY_TOKENS")
	_ = viper.BindEnv("PRO_ROLLOVER_CAP")
	_ = viper.BindEnv("DEDUCT_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("POOL_EXPIRY_SCHEDULE")
	_ = viper.BindEnv("PERIOD_ROLLOVER_SCHEDULE")
	_ = viper.BindEnv("HISTORY_DEFAULT_PAGE_SIZE")
	_ = viper.BindEnv("HISTORY_MAX_PAGE_SIZE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("TOKEN_LEDGER_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "ledger:rate_limit"
	}

	if config.FreeDailyTokens < 0 {
		log.Printf("level=warn component=config msg=\"negative daily token amount configured; coercing to zero\" amount=%d", config.FreeDailyTokens)
		config.FreeDailyTokens = 0
	}
	if config.ProRolloverCap < 0 {
		log.Printf("level=warn component=config msg=\"negative rollover cap configured; coercing to zero\" cap=%d", config.ProRolloverCap)
		config.ProRolloverCap = 0
	}
	if config.DeductRateLimitPerMinute < 0 {
		config.DeductRateLimitPerMinute = 0
	}
	if strings.TrimSpace(config.PoolExpirySchedule) == "" {
		config.PoolExpirySchedule = "@hourly"
	}
	if strings.TrimSpace(config.PeriodRolloverSchedule) == "" {
		config.PeriodRolloverSchedule = "15 * * * *"
	}
	if config.HistoryDefaultPageSize <= 0 {
		config.HistoryDefaultPageSize = 50
	}
	if config.HistoryMaxPageSize < config.HistoryDefaultPageSize {
		config.HistoryMaxPageSize = 200
	}

	return
}
