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

// Gateway modes. Sandbox keeps everything in-process and posts simulated
// callbacks back to the service; live talks to the real M-Pesa API.
const (
	GatewayModeLive    = "live"
	GatewayModeSandbox = "sandbox"
)

// Config holds all the configuration variables for the chama-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	JWKSURL              string `mapstructure:"JWKS_URL"`

	GatewayMode             string `mapstructure:"GATEWAY_MODE"`
	MpesaBaseURL            string `mapstructure:"MPESA_BASE_URL"`
	MpesaConsumerKey        string `mapstructure:"MPESA_CONSUMER_KEY"`
	MpesaConsumerSecret     string `mapstructure:"MPESA_CONSUMER_SECRET"`
	MpesaShortCode          string `mapstructure:"MPESA_SHORTCODE"`
	MpesaPasskey            string `mapstructure:"MPESA_PASSKEY"`
	MpesaInitiatorName      string `mapstructure:"MPESA_INITIATOR_NAME"`
	MpesaSecurityCredential string `mapstructure:"MPESA_SECURITY_CREDENTIAL"`
	CallbackBaseURL         string `mapstructure:"CALLBACK_BASE_URL"`

	ContributionTimeoutMinutes     int    `mapstructure:"CONTRIBUTION_TIMEOUT_MINUTES"`
	SweepSchedule                  string `mapstructure:"SWEEP_SCHEDULE"`
	ContributionRateLimitPerMinute int    `mapstructure:"CONTRIBUTION_RATE_LIMIT_PER_MINUTE"`
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
	viper.SetDefault("GATEWAY_MODE", GatewayModeSandbox)
	viper.SetDefault("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "chamapay:rate_limit")
	viper.SetDefault("CONTRIBUTION_TIMEOUT_MINUTES", 5)
	viper.SetDefault("SWEEP_SCHEDULE", "* * * * *")
	viper.SetDefault("CONTRIBUTION_RATE_LIMIT_PER_MINUTE", 5)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "CHAMA_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("GATEWAY_MODE")
	_ = viper.BindEnv("MPESA_BASE_URL")
	_ = viper.BindEnv("MPESA_CONSUMER_KEY")
	_ = viper.BindEnv("MPESA_CONSUMER_SECRET")
	_ = viper.BindEnv("MPESA_SHORTCODE")
	_ = viper.BindEnv("MPESA_PASSKEY")
	_ = viper.BindEnv("MPESA_INITIATOR_NAME")
	_ = viper.BindEnv("MPESA_SECURITY_CREDENTIAL")
	_ = viper.BindEnv("CALLBACK_BASE_URL")
	_ = viper.BindEnv("CONTRIBUTION_TIMEOUT_MINUTES")
	_ = viper.BindEnv("SWEEP_SCHEDULE")
	_ = viper.BindEnv("CONTRIBUTION_RATE_LIMIT_PER_MINUTE")

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
		config.RedisRateLimitPrefix = "chamapay:rate_limit"
	}

	config.GatewayMode = strings.ToLower(strings.TrimSpace(config.GatewayMode))
	if config.GatewayMode != GatewayModeLive && config.GatewayMode != GatewayModeSandbox {
		log.Printf("level=warn component=config msg=\"unknown gateway mode; falling back to sandbox\" mode=%q", config.GatewayMode)
		config.GatewayMode = GatewayModeSandbox
	}

	if config.ContributionTimeoutMinutes <= 0 {
		config.ContributionTimeoutMinutes = 5
	}
	if strings.TrimSpace(config.SweepSchedule) == "" {
		config.SweepSchedule = "* * * * *"
	}
	if config.ContributionRateLimitPerMinute <= 0 {
		config.ContributionRateLimitPerMinute = 5
	}

	return
}
