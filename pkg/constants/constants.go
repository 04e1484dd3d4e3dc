// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WriteTimeout bounds a single store write issued from a callback
	WriteTimeout = 10 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 60 * time.Second

	// WebSocketWriteWait is the deadline for a single WebSocket write
	WebSocketWriteWait = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
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

// Presence key layout in Redis
const (
	// PresenceKeyPrefix prefixes per-user presence records
	PresenceKeyPrefix = "presence:user:"

	// PresenceOnlineSet holds the ids of users currently online
	PresenceOnlineSet = "presence:online"

	// PresenceLeaseSet is a sorted set of session ids scored by lease deadline
	PresenceLeaseSet = "presence:leases"

	// PresenceHooksPrefix prefixes the per-session hash of on-disconnect writes
	PresenceHooksPrefix = "presence:ondisconnect:"

	// PresenceChannelPrefix prefixes the pub/sub channel notified on each write
	PresenceChannelPrefix = "presence:changes:"

	// PresenceSeqPrefix prefixes the per-user write counter
	PresenceSeqPrefix = "presence:seq:"
)

// Push notification constants
const (
	// PushTokenExpiry is the validity period for push notification tokens
	PushTokenExpiry = 30 * 24 * time.Hour // 30 days
)

// Pagination constants
const (
	// DefaultPageSize is the default number of items per page
	DefaultPageSize = 20

	// MaxPageSize is the maximum number of items per page
	MaxPageSize = 100
)
