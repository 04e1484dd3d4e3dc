package config

import (
	"fmt"
	"time"

	"secureconnect-calls/pkg/env"
)

// Signaling backends
const (
	BackendFirestore = "firestore"
	BackendMongo     = "mongo"
	BackendMemory    = "memory"
)

// DefaultSTUNServers are the public STUN servers used when none are configured.
// No TURN server is configured; peers behind symmetric NATs may fail to connect.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Firestore FirestoreConfig
	Mongo     MongoConfig
	Signaling SignalingConfig
	Presence  PresenceConfig
	Push      PushConfig
	JWT       JWTConfig
	Log       LogConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port        int
	Environment string // development, staging, production
	ServiceName string
}

// DatabaseConfig holds CockroachDB configuration for the call history archive
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// FirestoreConfig holds Firestore configuration
type FirestoreConfig struct {
	ProjectID       string
	CredentialsPath string
	Collection      string
}

// MongoConfig holds MongoDB configuration
type MongoConfig struct {
	URI        string
	Database   string
	Collection string
}

// SignalingConfig selects the call document store and negotiation settings
type SignalingConfig struct {
	Backend     string // firestore, mongo, memory
	STUNServers []string
	RingTimeout time.Duration
}

// PresenceConfig holds presence lease settings
type PresenceConfig struct {
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
	ReaperInterval    time.Duration
	MaxConnections    int
}

// PushConfig holds push notification configuration
type PushConfig struct {
	Provider          string // firebase, mock
	FirebaseProjectID string
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret   string
	Audience string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:        env.GetInt("PORT", 8085),
			Environment: env.GetString("ENV", "development"),
			ServiceName: env.GetString("SERVICE_NAME", "presence-service"),
		},
		Database: DatabaseConfig{
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 26257),
			User:     env.GetString("DB_USER", "root"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "secureconnect"),
			SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
			MaxConns: env.GetInt("DB_MAX_CONNS", 25),
			MinConns: env.GetInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  time.Duration(env.GetInt("REDIS_TIMEOUT", 5)) * time.Second,
		},
		Firestore: FirestoreConfig{
			ProjectID:       env.GetStringFromFile("FIREBASE_PROJECT_ID", ""),
			CredentialsPath: env.GetString("FIREBASE_CREDENTIALS_PATH", env.GetString("GOOGLE_APPLICATION_CREDENTIALS", "")),
			Collection:      env.GetString("FIRESTORE_CALLS_COLLECTION", "calls"),
		},
		Mongo: MongoConfig{
			URI:        env.GetStringFromFile("MONGO_URI", "mongodb://localhost:27017"),
			Database:   env.GetString("MONGO_DATABASE", "signaling"),
			Collection: env.GetString("MONGO_CALLS_COLLECTION", "calls"),
		},
		Signaling: SignalingConfig{
			Backend:     env.GetString("SIGNALING_BACKEND", BackendFirestore),
			STUNServers: env.GetSlice("STUN_SERVERS", DefaultSTUNServers),
			RingTimeout: env.GetDuration("CALL_RING_TIMEOUT", 45*time.Second),
		},
		Presence: PresenceConfig{
			LeaseTTL:          env.GetDuration("PRESENCE_LEASE_TTL", 30*time.Second),
			HeartbeatInterval: env.GetDuration("PRESENCE_HEARTBEAT_INTERVAL", 10*time.Second),
			ReaperInterval:    env.GetDuration("PRESENCE_REAPER_INTERVAL", 5*time.Second),
			MaxConnections:    env.GetInt("WS_MAX_PRESENCE_CONNECTIONS", 1000),
		},
		Push: PushConfig{
			Provider:          env.GetString("PUSH_PROVIDER", "mock"),
			FirebaseProjectID: env.GetStringFromFile("FIREBASE_PROJECT_ID", ""),
		},
		JWT: JWTConfig{
			Secret:   env.GetStringFromFile("JWT_SECRET", ""),
			Audience: env.GetString("JWT_AUDIENCE", "secureconnect-api"),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/app.log"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Signaling.Backend {
	case BackendFirestore, BackendMongo, BackendMemory:
	default:
		return fmt.Errorf("unknown SIGNALING_BACKEND %q", c.Signaling.Backend)
	}

	if len(c.Signaling.STUNServers) == 0 {
		return fmt.Errorf("at least one STUN server is required")
	}

	if c.Presence.HeartbeatInterval <= 0 || c.Presence.LeaseTTL <= c.Presence.HeartbeatInterval {
		return fmt.Errorf("PRESENCE_LEASE_TTL must exceed PRESENCE_HEARTBEAT_INTERVAL")
	}

	if c.Server.Environment == "production" {
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
		if c.Signaling.Backend == BackendMemory {
			return fmt.Errorf("SIGNALING_BACKEND=memory is not allowed in production")
		}
	}

	return nil
}

// RedisAddr returns host:port for the Redis client
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}
