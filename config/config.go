package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration fields for the application.
type Config struct {
	Port           string
	DatabaseDriver string // "sqlite" or "postgres"
	DatabaseURL    string
	LogLevel       string
	LogFormat      string
	JWTSecret      string

	RedisURL string

	RabbitMQURL         string
	RabbitMQQueue       string
	RabbitMQQueuePrefix string
	RabbitSpecificEvent []string

	KafkaBrokers []string
	KafkaTopic   string

	PushGatewayURL   string
	PushGatewayToken string

	SweepInterval        time.Duration
	HoldingIdleInterval  time.Duration
	StatusExpiryInterval time.Duration
	AgentOfflineAfter    time.Duration
	DefaultMaxChats      int
	VirtualAgentName     string
}

// LoadConfig loads configuration from environment variables.
// It attempts to load a .env file if present; variables already set in the
// environment take precedence.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Info().Err(err).Msg("No .env file found or error loading it, relying on environment variables")
	} else {
		log.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{
		Port:                os.Getenv("PORT"),
		DatabaseDriver:      strings.ToLower(os.Getenv("DATABASE_DRIVER")),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		LogLevel:            os.Getenv("LOG_LEVEL"),
		LogFormat:           os.Getenv("LOG_FORMAT"),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		RedisURL:            os.Getenv("REDIS_URL"),
		RabbitMQURL:         os.Getenv("RABBITMQ_URL"),
		RabbitMQQueue:       os.Getenv("RABBITMQ_QUEUE"),
		RabbitMQQueuePrefix: os.Getenv("RABBITMQ_QUEUE_PREFIX"),
		RabbitSpecificEvent: splitList(os.Getenv("AMQP_SPECIFIC_EVENTS")),
		KafkaBrokers:        splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:          os.Getenv("KAFKA_TOPIC"),
		PushGatewayURL:      os.Getenv("PUSH_GATEWAY_URL"),
		PushGatewayToken:    os.Getenv("PUSH_GATEWAY_TOKEN"),
		VirtualAgentName:    os.Getenv("VIRTUAL_AGENT_NAME"),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET must be set")
	}

	if cfg.Port == "" {
		cfg.Port = "8080"
		log.Info().Str("port", cfg.Port).Msg("PORT not set, using default")
	}
	switch cfg.DatabaseDriver {
	case "":
		cfg.DatabaseDriver = "sqlite"
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("unsupported DATABASE_DRIVER %q", cfg.DatabaseDriver)
	}
	if cfg.DatabaseURL == "" && cfg.DatabaseDriver == "sqlite" {
		cfg.DatabaseURL = "support.db"
		log.Info().Str("database_url", cfg.DatabaseURL).Msg("DATABASE_URL not set, using local sqlite file")
	}
	if cfg.RabbitMQQueue == "" {
		cfg.RabbitMQQueue = "support_events"
	}
	if cfg.RabbitMQQueuePrefix == "" {
		cfg.RabbitMQQueuePrefix = "support"
	}
	if cfg.KafkaTopic == "" {
		cfg.KafkaTopic = "support.tickets"
	}
	if cfg.VirtualAgentName == "" {
		cfg.VirtualAgentName = "Support Assistant"
	}

	var err error
	if cfg.SweepInterval, err = durationEnv("SWEEP_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.HoldingIdleInterval, err = durationEnv("HOLDING_IDLE_INTERVAL", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.StatusExpiryInterval, err = durationEnv("STATUS_EXPIRY_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.AgentOfflineAfter, err = durationEnv("AGENT_OFFLINE_AFTER", 5*time.Minute); err != nil {
		return nil, err
	}

	cfg.DefaultMaxChats = 5
	if raw := os.Getenv("DEFAULT_MAX_CHATS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("DEFAULT_MAX_CHATS must be a positive integer, got %q", raw)
		}
		cfg.DefaultMaxChats = n
	}

	log.Info().
		Str("databaseDriver", cfg.DatabaseDriver).
		Dur("sweepInterval", cfg.SweepInterval).
		Dur("holdingIdleInterval", cfg.HoldingIdleInterval).
		Bool("redis", cfg.RedisURL != "").
		Bool("rabbitmq", cfg.RabbitMQURL != "").
		Bool("kafka", len(cfg.KafkaBrokers) > 0).
		Bool("pushGateway", cfg.PushGatewayURL != "").
		Msg("Configuration loaded")
	return cfg, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, d)
	}
	return d, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
