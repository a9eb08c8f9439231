package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the losocloud server.
type Config struct {
	Port     int
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string

	// Auth
	JWTSecret   string // Shared secret for browser session JWTs
	AdminAPIKey string // X-API-Key for the admin surface; empty disables auth (dev)

	// Discord OAuth
	DiscordClientID     string
	DiscordClientSecret string
	DiscordRedirectURI  string
	CookieDomain        string
	FrontendURL         string // redirect target after login; empty = same origin

	// MetricsAddr serves /metrics on a separate listener when set (e.g.
	// ":9090"); metrics stay on the main server either way.
	MetricsAddr string

	// NATS session event bus; empty falls back to the in-process bus.
	NATSURL string

	// Redis for worker availability caching; empty disables the cache.
	RedisURL string

	// Provisioning
	SessionTTL             time.Duration // lifetime of a purchased session
	MaxWorkerRetries       int           // worker attempts per purchase
	UnreachableRefundCoins int           // credit for confirmed-unreachable sessions
	WorkerCreateTimeout    time.Duration // remote VM creation timeout
	WorkerProbeTimeout     time.Duration // capacity/health probe timeout

	// Janitor
	CleanupInterval time.Duration // how often stale sessions are swept
	CleanupMaxAge   time.Duration // age past which active sessions are force-stopped

	// AWS Secrets Manager — if set, secrets are fetched at startup using IAM
	// credentials. The secret should be a JSON object with keys matching env
	// var names (e.g. LOSOCLOUD_JWT_SECRET). Env vars take precedence.
	SecretsARN string
}

// Load reads configuration from a .env file (if present) and environment
// variables with sensible defaults. If LOSOCLOUD_SECRETS_ARN is set, secrets
// are fetched from AWS Secrets Manager first, then environment variables are
// applied on top (env vars take precedence).
func Load() (*Config, error) {
	// .env is optional; real deployments use the environment directly.
	_ = godotenv.Load()

	if arn := os.Getenv("LOSOCLOUD_SECRETS_ARN"); arn != "" {
		if err := loadSecretsManager(arn); err != nil {
			return nil, fmt.Errorf("failed to load secrets from %s: %w", arn, err)
		}
	}

	cfg := &Config{
		Port:     8080,
		LogLevel: envOrDefault("LOSOCLOUD_LOG_LEVEL", "info"),

		DatabaseURL: envOrDefault("LOSOCLOUD_DATABASE_URL", os.Getenv("DATABASE_URL")),

		JWTSecret:   os.Getenv("LOSOCLOUD_JWT_SECRET"),
		AdminAPIKey: os.Getenv("LOSOCLOUD_ADMIN_API_KEY"),

		DiscordClientID:     os.Getenv("DISCORD_CLIENT_ID"),
		DiscordClientSecret: os.Getenv("DISCORD_CLIENT_SECRET"),
		DiscordRedirectURI:  envOrDefault("DISCORD_REDIRECT_URI", "http://localhost:8080/auth/callback"),
		CookieDomain:        os.Getenv("LOSOCLOUD_COOKIE_DOMAIN"),
		FrontendURL:         os.Getenv("LOSOCLOUD_FRONTEND_URL"),

		MetricsAddr: os.Getenv("LOSOCLOUD_METRICS_ADDR"),

		NATSURL:  os.Getenv("LOSOCLOUD_NATS_URL"),
		RedisURL: os.Getenv("LOSOCLOUD_REDIS_URL"),

		SessionTTL:             envOrDefaultDuration("LOSOCLOUD_SESSION_TTL", 5*time.Hour),
		MaxWorkerRetries:       envOrDefaultInt("LOSOCLOUD_MAX_WORKER_RETRIES", 3),
		UnreachableRefundCoins: envOrDefaultInt("LOSOCLOUD_UNREACHABLE_REFUND_COINS", 15),
		WorkerCreateTimeout:    envOrDefaultDuration("LOSOCLOUD_WORKER_CREATE_TIMEOUT", 300*time.Second),
		WorkerProbeTimeout:     envOrDefaultDuration("LOSOCLOUD_WORKER_PROBE_TIMEOUT", 10*time.Second),

		CleanupInterval: envOrDefaultDuration("LOSOCLOUD_CLEANUP_INTERVAL", 30*time.Minute),
		CleanupMaxAge:   envOrDefaultDuration("LOSOCLOUD_CLEANUP_MAX_AGE", 6*time.Hour),

		SecretsARN: os.Getenv("LOSOCLOUD_SECRETS_ARN"),
	}

	if portStr := os.Getenv("LOSOCLOUD_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid LOSOCLOUD_PORT %q: %w", portStr, err)
		}
		cfg.Port = port
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// loadSecretsManager fetches a JSON secret from AWS Secrets Manager and sets
// any values as environment variables (only if not already set, so explicit
// env vars always win). Uses the default AWS credential chain (IAM instance
// profile on EC2, or ~/.aws/credentials locally).
func loadSecretsManager(arn string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Extract region from ARN: arn:aws:secretsmanager:REGION:ACCOUNT:secret:NAME
	var opts []func(*awsconfig.LoadOptions) error
	if parts := strings.Split(arn, ":"); len(parts) >= 4 && parts[3] != "" {
		opts = append(opts, awsconfig.WithRegion(parts[3]))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg)
	result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &arn,
	})
	if err != nil {
		return fmt.Errorf("GetSecretValue: %w", err)
	}

	if result.SecretString == nil {
		return fmt.Errorf("secret %s has no string value", arn)
	}

	var secrets map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &secrets); err != nil {
		return fmt.Errorf("parse secret JSON: %w", err)
	}

	applied := 0
	for key, value := range secrets {
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
			applied++
		}
	}

	log.Printf("config: loaded %d secrets from Secrets Manager (%d keys in secret, env overrides take precedence)", applied, len(secrets))
	return nil
}
