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

const (
	sandboxBaseURL    = "https://sandbox.safaricom.co.ke"
	productionBaseURL = "https://api.safaricom.co.ke"
)

// Config holds all the configuration variables for the donation-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	ReceiptEventExchange string `mapstructure:"RECEIPT_EVENT_EXCHANGE"`
	JWTSecret            string `mapstructure:"JWT_SECRET"`

	MpesaEnv            string `mapstructure:"MPESA_ENV"`
	MpesaConsumerKey    string `mapstructure:"MPESA_CONSUMER_KEY"`
	MpesaConsumerSecret string `mapstructure:"MPESA_CONSUMER_SECRET"`
	MpesaShortcode      string `mapstructure:"MPESA_SHORTCODE"`
	MpesaPasskey        string `mapstructure:"MPESA_PASSKEY"`
	MpesaCallbackURL    string `mapstructure:"MPESA_CALLBACK_URL"`
	MpesaTimeoutURL     string `mapstructure:"MPESA_TIMEOUT_URL"`
	MpesaMockMode       bool   `mapstructure:"MPESA_MOCK_MODE"`

	StalePendingThresholdSeconds int `mapstructure:"STALE_PENDING_THRESHOLD_SECONDS"`
	ReconcileSweepIntervalSecs   int `mapstructure:"RECONCILE_SWEEP_INTERVAL_SECONDS"`
	StorageRetryAttempts         int `mapstructure:"STORAGE_RETRY_ATTEMPTS"`
	GatewayRetryAttempts         int `mapstructure:"GATEWAY_RETRY_ATTEMPTS"`
	DonationRateLimitPerMinute   int `mapstructure:"DONATION_RATE_LIMIT_PER_MINUTE"`
}

// MpesaBaseURL resolves the Daraja API base URL for the configured
// environment. Anything other than "production" is treated as sandbox.
func (c Config) MpesaBaseURL() string {
	if strings.EqualFold(strings.TrimSpace(c.MpesaEnv), "production") {
		return productionBaseURL
	}
	return sandboxBaseURL
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
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "sheneeds:rate_limit")
	viper.SetDefault("RECEIPT_EVENT_EXCHANGE", "donation_events")
	viper.SetDefault("MPESA_ENV", "sandbox")
	viper.SetDefault("MPESA_MOCK_MODE", false)
	viper.SetDefault("STALE_PENDING_THRESHOLD_SECONDS", 90)
	viper.SetDefault("RECONCILE_SWEEP_INTERVAL_SECONDS", 60)
	viper.SetDefault("STORAGE_RETRY_ATTEMPTS", 3)
	viper.SetDefault("GATEWAY_RETRY_ATTEMPTS", 3)
	viper.SetDefault("DONATION_RATE_LIMIT_PER_MINUTE", 10)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("RECEIPT_EVENT_EXCHANGE")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("MPESA_ENV")
	_ = viper.BindEnv("MPESA_CONSUMER_KEY")
	_ = viper.BindEnv("MPESA_CONSUMER_SECRET")
	_ = viper.BindEnv("MPESA_SHORTCODE")
	_ = viper.BindEnv("MPESA_PASSKEY")
	_ = viper.BindEnv("MPESA_CALLBACK_URL")
	_ = viper.BindEnv("MPESA_TIMEOUT_URL")
	_ = viper.BindEnv("MPESA_MOCK_MODE")
	_ = viper.BindEnv("STALE_PENDING_THRESHOLD_SECONDS")
	_ = viper.BindEnv("RECONCILE_SWEEP_INTERVAL_SECONDS")
	_ = viper.BindEnv("STORAGE_RETRY_ATTEMPTS")
	_ = viper.BindEnv("GATEWAY_RETRY_ATTEMPTS")
	_ = viper.BindEnv("DONATION_RATE_LIMIT_PER_MINUTE")

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
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "sheneeds:rate_limit"
	}
	config.ReceiptEventExchange = strings.TrimSpace(config.ReceiptEventExchange)
	if config.ReceiptEventExchange == "" {
		config.ReceiptEventExchange = "donation_events"
	}
	config.MpesaTimeoutURL = strings.TrimSpace(config.MpesaTimeoutURL)
	if config.MpesaTimeoutURL == "" {
		config.MpesaTimeoutURL = strings.TrimSpace(config.MpesaCallbackURL)
	}

	if config.StalePendingThresholdSeconds <= 0 {
		config.StalePendingThresholdSeconds = 90
	}
	if config.ReconcileSweepIntervalSecs <= 0 {
		config.ReconcileSweepIntervalSecs = 60
	}
	if config.StorageRetryAttempts <= 0 {
		config.StorageRetryAttempts = 3
	}
	if config.GatewayRetryAttempts <= 0 {
		config.GatewayRetryAttempts = 3
	}
	if config.DonationRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative donation rate limit configured; disabling limiter\" limit=%d", config.DonationRateLimitPerMinute)
		config.DonationRateLimitPerMinute = 0
	}

	return
}
