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
	Server       ServerConfig
	Database     DatabaseConfig
	JWT          JWTConfig
	Queue        QueueConfig
	Verification VerificationConfig
	Redis        RedisConfig
	Kafka        KafkaConfig
	WebSocket    WebSocketConfig
	CORS         CORSConfig
	Logging      LoggingConfig
}

type ServerConfig struct {
	Port            string
	Host            string
	Env             string
	ShutdownTimeout time.Duration
}

// DatabaseConfig points at CouchDB. An empty URL runs the server on the
// in-memory repositories, which is only meant for local development.
type DatabaseConfig struct {
	URL  string
	Name string
}

type JWTConfig struct {
	Secret     string
	Expiration time.Duration
}

type QueueConfig struct {
	MaxAttempts      int
	RetryDelay       time.Duration
	OperationTimeout time.Duration
}

type VerificationConfig struct {
	CodeTTL time.Duration
}

type RedisConfig struct {
	URL            string
	IdempotencyTTL time.Duration
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type WebSocketConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	WriteWait       time.Duration
	PongWait        time.Duration
	PingPeriod      time.Duration
	MaxConnPerUser  int
}

type CORSConfig struct {
	AllowedOrigins string
	AllowedMethods string
	AllowedHeaders string
}

type LoggingConfig struct {
	Level string
}

func Load() (*Config, error) {
	godotenv.Load()

	var errs []string
	dur := func(key, def string) time.Duration {
		d, err := time.ParseDuration(getEnv(key, def))
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid %s: %v", key, err))
		}
		return d
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", "8080"),
			Host:            getEnv("HOST", "0.0.0.0"),
			Env:             getEnv("ENV", "development"),
			ShutdownTimeout: dur("SHUTDOWN_TIMEOUT", "30s"),
		},
		Database: DatabaseConfig{
			URL:  getEnv("COUCHDB_URL", ""),
			Name: getEnv("DB_NAME", "wastesync"),
		},
		JWT: JWTConfig{
			Secret:     getEnv("JWT_SECRET", "dev-secret-change-in-production"),
			Expiration: dur("JWT_EXPIRATION", "24h"),
		},
		Queue: QueueConfig{
			MaxAttempts:      getEnvAsInt("QUEUE_MAX_ATTEMPTS", 3),
			RetryDelay:       dur("QUEUE_RETRY_DELAY", "1s"),
			OperationTimeout: dur("QUEUE_OPERATION_TIMEOUT", "10s"),
		},
		Verification: VerificationConfig{
			CodeTTL: dur("VERIFICATION_CODE_TTL", "72h"),
		},
		Redis: RedisConfig{
			URL:            getEnv("REDIS_URL", ""),
			IdempotencyTTL: dur("IDEMPOTENCY_TTL", "24h"),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvAsList("KAFKA_BROKERS"),
			Topic:   getEnv("KAFKA_TOPIC", "waste-transactions"),
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  getEnvAsInt("WS_READ_BUFFER_SIZE", 4096),
			WriteBufferSize: getEnvAsInt("WS_WRITE_BUFFER_SIZE", 4096),
			WriteWait:       10 * time.Second,
			PongWait:        60 * time.Second,
			PingPeriod:      54 * time.Second,
			MaxConnPerUser:  getEnvAsInt("WS_MAX_CONN_PER_USER", 5),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
			AllowedMethods: getEnv("CORS_ALLOWED_METHODS", "GET,POST,PUT,PATCH,DELETE,OPTIONS"),
			AllowedHeaders: getEnv("CORS_ALLOWED_HEADERS", "Content-Type,Authorization,Idempotency-Key"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	if cfg.Server.Env == "production" && cfg.JWT.Secret == "dev-secret-change-in-production" {
		return nil, fmt.Errorf("config: JWT_SECRET must be set in production")
	}
	return cfg, nil
}

// AgentConfig drives cmd/agent, the offline-tolerant client process.
type AgentConfig struct {
	API          APIConfig
	Store        StoreConfig
	Queue        QueueConfig
	Connectivity ConnectivityConfig
	Recovery     RecoveryConfig
	Env          string
	Logging      LoggingConfig
}

type APIConfig struct {
	BaseURL string
	Token   string
	Role    string
}

// StoreConfig picks the local store backend: redis when RedisURL is set,
// otherwise sqlite at Path, or memory when Path is empty.
type StoreConfig struct {
	Path     string
	RedisURL string
	Prefix   string
}

type ConnectivityConfig struct {
	ProbeInterval time.Duration
}

type RecoveryConfig struct {
	Debounce time.Duration
	MaxAge   time.Duration
}

func LoadAgent() (*AgentConfig, error) {
	godotenv.Load()

	var errs []string
	dur := func(key, def string) time.Duration {
		d, err := time.ParseDuration(getEnv(key, def))
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid %s: %v", key, err))
		}
		return d
	}

	cfg := &AgentConfig{
		API: APIConfig{
			BaseURL: getEnv("WASTESYNC_API_URL", "http://localhost:8080"),
			Token:   getEnv("WASTESYNC_TOKEN", ""),
			Role:    getEnv("WASTESYNC_ROLE", "worker"),
		},
		Store: StoreConfig{
			Path:     getEnv("WASTESYNC_STORE_PATH", "./data/agent.db"),
			RedisURL: getEnv("WASTESYNC_STORE_REDIS_URL", ""),
			Prefix:   getEnv("WASTESYNC_STORE_PREFIX", "wastesync:"),
		},
		Queue: QueueConfig{
			MaxAttempts:      getEnvAsInt("QUEUE_MAX_ATTEMPTS", 3),
			RetryDelay:       dur("QUEUE_RETRY_DELAY", "1s"),
			OperationTimeout: dur("QUEUE_REQUEST_TIMEOUT", "10s"),
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: dur("PROBE_INTERVAL", "30s"),
		},
		Recovery: RecoveryConfig{
			Debounce: dur("RECOVERY_DEBOUNCE", "30s"),
			MaxAge:   dur("RECOVERY_MAX_AGE", "15m"),
		},
		Env: getEnv("ENV", "development"),
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	if cfg.API.Token == "" {
		return nil, fmt.Errorf("config: WASTESYNC_TOKEN is required")
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	var out []string
	for _, v := range strings.Split(getEnv(key, ""), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
