package config

import (
	"fmt"
	"strings"
	"time"

	"callsession-backend/internal/domain"
	"callsession-backend/pkg/env"
)

// Config holds all configuration for the call service
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Embedded EmbeddedConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Log      LogConfig
	Call     CallConfig
	ICE      ICEConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Environment    string // development, staging, production
	ServiceName    string
	AllowedOrigins []string
	MaxConnections int
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Enabled    bool
	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	SSLMode    string
	MaxConns   int
	MinConns   int
	MaxRetries int
}

// EmbeddedConfig holds the Badger fallback store configuration.
// An empty Path keeps the store in memory.
type EmbeddedConfig struct {
	Path string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
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

// CallConfig holds call-control policy
type CallConfig struct {
	DefaultMaxParticipants int
	MaxParticipantsCap     int
	StoreTimeout           time.Duration
	LockTimeout            time.Duration
	LockTTL                time.Duration
	DisconnectTimeout      time.Duration
	OpenJoin               bool
	ImplicitCreate         bool
	TransientRetries       int
}

// ICEConfig holds the STUN/TURN endpoints handed to clients
type ICEConfig struct {
	STUNURLs       []string
	TURNURLs       []string
	TURNUsername   string
	TURNCredential string
}

// DefaultSTUNURLs are the public STUN servers used when none are configured
var DefaultSTUNURLs = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
	"stun:stun4.l.google.com:19302",
	"stun:stun.services.mozilla.com",
	"stun:stun.stunprotocol.org:3478",
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           env.GetInt("PORT", 8083),
			Environment:    env.GetString("ENV", "development"),
			ServiceName:    env.GetString("SERVICE_NAME", "call-service"),
			AllowedOrigins: env.GetSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://127.0.0.1:3000"}),
			MaxConnections: env.GetInt("WS_MAX_SIGNALING_CONNECTIONS", 1000),
		},
		Database: DatabaseConfig{
			Enabled:    env.GetBool("DB_ENABLED", true),
			Host:       env.GetString("DB_HOST", "localhost"),
			Port:       env.GetInt("DB_PORT", 26257),
			User:       env.GetString("DB_USER", "root"),
			Password:   env.GetStringFromFile("DB_PASSWORD", ""),
			Database:   env.GetString("DB_NAME", "callsessions"),
			SSLMode:    env.GetString("DB_SSL_MODE", "disable"),
			MaxConns:   env.GetInt("DB_MAX_CONNS", 25),
			MinConns:   env.GetInt("DB_MIN_CONNS", 5),
			MaxRetries: env.GetInt("DB_CONNECT_RETRIES", 5),
		},
		Embedded: EmbeddedConfig{
			Path: env.GetString("EMBEDDED_STORE_PATH", ""),
		},
		Redis: RedisConfig{
			Enabled:  env.GetBool("REDIS_ENABLED", true),
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
		},
		JWT: JWTConfig{
			Secret:   env.GetStringFromFile("JWT_SECRET", ""),
			Audience: env.GetString("JWT_AUDIENCE", "callsession-api"),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/call-service.log"),
		},
		Call: CallConfig{
			DefaultMaxParticipants: env.GetInt("CALL_DEFAULT_MAX_PARTICIPANTS", 8),
			MaxParticipantsCap:     env.GetInt("CALL_MAX_PARTICIPANTS_CAP", 32),
			StoreTimeout:           env.GetDuration("CALL_STORE_TIMEOUT", 3*time.Second),
			LockTimeout:            env.GetDuration("CALL_LOCK_TIMEOUT", 5*time.Second),
			LockTTL:                env.GetDuration("CALL_LOCK_TTL", 10*time.Second),
			DisconnectTimeout:      env.GetDuration("CALL_DISCONNECT_TIMEOUT", 10*time.Second),
			OpenJoin:               env.GetBool("CALL_OPEN_JOIN", false),
			ImplicitCreate:         env.GetBool("CALL_IMPLICIT_CREATE", false),
			TransientRetries:       env.GetInt("CALL_TRANSIENT_RETRIES", 3),
		},
		ICE: ICEConfig{
			STUNURLs:       env.GetSlice("ICE_SERVER_URLS", DefaultSTUNURLs),
			TURNURLs:       env.GetSlice("TURN_URLS", nil),
			TURNUsername:   env.GetStringFromFile("TURN_USERNAME", ""),
			TURNCredential: env.GetStringFromFile("TURN_CREDENTIAL", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Environment == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
	}

	if c.Call.DefaultMaxParticipants < 2 {
		return fmt.Errorf("CALL_DEFAULT_MAX_PARTICIPANTS must be at least 2, got %d", c.Call.DefaultMaxParticipants)
	}
	if c.Call.MaxParticipantsCap < c.Call.DefaultMaxParticipants {
		return fmt.Errorf("CALL_MAX_PARTICIPANTS_CAP (%d) is below CALL_DEFAULT_MAX_PARTICIPANTS (%d)",
			c.Call.MaxParticipantsCap, c.Call.DefaultMaxParticipants)
	}
	if c.Call.StoreTimeout <= 0 || c.Call.LockTimeout <= 0 {
		return fmt.Errorf("CALL_STORE_TIMEOUT and CALL_LOCK_TIMEOUT must be positive")
	}
	if len(c.ICE.TURNURLs) > 0 && (c.ICE.TURNUsername == "" || c.ICE.TURNCredential == "") {
		return fmt.Errorf("TURN_USERNAME and TURN_CREDENTIAL are required when TURN_URLS is set")
	}

	return nil
}

// IsProduction reports whether the service runs in production mode
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Server.Environment, "production")
}

// ICEServers returns the static ICE server list handed out on join/initiate
func (c *ICEConfig) ICEServers() []domain.ICEServer {
	servers := make([]domain.ICEServer, 0, 2)
	if len(c.STUNURLs) > 0 {
		servers = append(servers, domain.ICEServer{URLs: c.STUNURLs})
	}
	if len(c.TURNURLs) > 0 {
		servers = append(servers, domain.ICEServer{
			URLs:       c.TURNURLs,
			Username:   c.TURNUsername,
			Credential: c.TURNCredential,
		})
	}
	return servers
}
