// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPongWait is how long a signaling connection may stay silent
	WebSocketPongWait = 60 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong; must be below WebSocketPongWait
	WebSocketPingInterval = (WebSocketPongWait * 9) / 10

	// WebSocketWriteWait bounds a single frame write
	WebSocketWriteWait = 10 * time.Second

	// SignalingMessageTimeout bounds the handling of one inbound signaling message
	SignalingMessageTimeout = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second

	// RedisHealthCheckInterval is how often degraded mode is re-evaluated
	RedisHealthCheckInterval = 10 * time.Second
)

// JWT-related constants
const (
	// AccessTokenExpiry is the lifetime of tokens issued by the local JWT manager
	AccessTokenExpiry = 15 * time.Minute
)

// Database connection constants
const (
	// MaxConnLifetime is the maximum lifetime of a database connection
	MaxConnLifetime = 1 * time.Hour

	// MaxConnIdleTime is the maximum idle time for a database connection
	MaxConnIdleTime = 30 * time.Minute

	// HealthCheckPeriod is the interval between database health checks
	HealthCheckPeriod = 1 * time.Minute
)

// WebSocket limits
const (
	// MaxSignalingMessageSize caps one inbound frame (SDP bodies included)
	MaxSignalingMessageSize = 64 * 1024

	// SignalingSendBuffer is the per-connection outbound queue length
	SignalingSendBuffer = 256
)

// Rate limiting constants
const (
	// InitiateRateLimit is the number of calls a user may start per InitiateRateWindow
	InitiateRateLimit = 30

	// InitiateRateWindow is the window InitiateRateLimit applies to
	InitiateRateWindow = time.Minute
)

// Audit trail constants
const (
	// AuditLogRetention is how long a day's audit list is kept in Redis
	AuditLogRetention = 90 * 24 * time.Hour

	// AuditMaxEventsPerDay caps one day's audit list
	AuditMaxEventsPerDay = 100000

	// AuditBufferSize is the number of events queued before new ones are dropped
	AuditBufferSize = 1024
)
