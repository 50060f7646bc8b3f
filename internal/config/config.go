package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/xpadev-net/live-event-orchestrator/internal/log"
)

// ServerConfig holds configuration for the orchestrator server.
type ServerConfig struct {
	// Server settings
	Port        int
	Environment string

	// Storage
	DatabaseURL      string
	DatabaseMaxConns int
	DatabaseMinConns int
	RedisAddr        string
	RedisPassword    string
	RedisDB          int

	// API Keys
	APIKey         string
	InternalAPIKey string

	// SecretKey decrypts per-domain provider secrets stored at rest.
	SecretKey []byte

	// Session provider
	OpenTokAPIURL    string
	ArchiveBucketURL string
	ProviderTimeout  time.Duration
	TokenTTL         time.Duration

	// Lifecycle
	InteractiveStreamLimit int
	StrictTransitions      bool

	// Webhooks
	WebhookURL        string
	WebhookSigningKey string

	// Leader election
	LeaderElection bool
	InCluster      bool
	KubeConfigPath string
	Namespace      string
	PodName        string
	LeaseName      string

	HLSProbeTimeout time.Duration

	// Timeouts
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// LoadServerConfig loads the server configuration from environment
// variables, after merging an optional .env file from the working directory.
func LoadServerConfig() (*ServerConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file loaded", zap.Error(err))
	}

	cfg := &ServerConfig{
		Port:                   getEnvInt("PORT", 8080),
		Environment:            getEnv("ENVIRONMENT", "development"),
		DatabaseURL:            getEnv("DATABASE_URL", ""),
		DatabaseMaxConns:       getEnvInt("DB_MAX_CONNS", 20),
		DatabaseMinConns:       getEnvInt("DB_MIN_CONNS", 2),
		RedisAddr:              getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:          getEnv("REDIS_PASSWORD", ""),
		RedisDB:                getEnvInt("REDIS_DB", 0),
		APIKey:                 getEnv("API_KEY", ""),
		InternalAPIKey:         getEnv("INTERNAL_API_KEY", ""),
		OpenTokAPIURL:          getEnv("OPENTOK_API_URL", "https://api.opentok.com"),
		ArchiveBucketURL:       getEnv("ARCHIVE_BUCKET_URL", ""),
		ProviderTimeout:        getEnvDuration("PROVIDER_TIMEOUT", 15*time.Second),
		TokenTTL:               getEnvDuration("TOKEN_TTL", 24*time.Hour),
		InteractiveStreamLimit: getEnvInt("INTERACTIVE_STREAM_LIMIT", 3),
		StrictTransitions:      getEnvBool("STRICT_TRANSITIONS", true),
		WebhookURL:             getEnv("WEBHOOK_URL", ""),
		WebhookSigningKey:      getEnv("WEBHOOK_SIGNING_KEY", ""),
		LeaderElection:         getEnvBool("LEADER_ELECTION", false),
		InCluster:              getEnvBool("IN_CLUSTER", false),
		KubeConfigPath:         getEnv("KUBECONFIG", ""),
		Namespace:              getEnv("NAMESPACE", "default"),
		PodName:                getEnv("POD_NAME", ""),
		LeaseName:              getEnv("LEASE_NAME", "live-event-orchestrator"),
		HLSProbeTimeout:        getEnvDuration("HLS_PROBE_TIMEOUT", 5*time.Second),
		ReadTimeout:            getEnvDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:           getEnvDuration("WRITE_TIMEOUT", 30*time.Second),
		ShutdownTimeout:        getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API_KEY is required")
	}
	if cfg.InternalAPIKey == "" {
		return nil, fmt.Errorf("INTERNAL_API_KEY is required")
	}
	if cfg.WebhookURL != "" && cfg.WebhookSigningKey == "" {
		return nil, fmt.Errorf("WEBHOOK_SIGNING_KEY is required when WEBHOOK_URL is set")
	}
	if cfg.LeaderElection && cfg.PodName == "" {
		return nil, fmt.Errorf("POD_NAME is required when LEADER_ELECTION is enabled")
	}
	if cfg.DatabaseMaxConns < 1 || cfg.DatabaseMinConns < 0 || cfg.DatabaseMinConns > cfg.DatabaseMaxConns {
		return nil, fmt.Errorf("DB_MIN_CONNS must be between 0 and DB_MAX_CONNS, and DB_MAX_CONNS at least 1")
	}
	if cfg.InteractiveStreamLimit < 0 {
		return nil, fmt.Errorf("INTERACTIVE_STREAM_LIMIT must be non-negative")
	}

	key, err := parseSecretKey(os.Getenv("SECRET_KEY"))
	if err != nil {
		return nil, err
	}
	cfg.SecretKey = key

	return cfg, nil
}

// parseSecretKey decodes SECRET_KEY. An empty value leaves domain secrets
// stored in plaintext.
func parseSecretKey(v string) ([]byte, error) {
	if v == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("SECRET_KEY must be hex encoded: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("SECRET_KEY must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
