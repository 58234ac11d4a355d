package session

import (
	"time"

	"github.com/danmuck/peerwire/internal/protocol/frame"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines per-connection limits and timing.
type Config struct {
	Limits           frame.Limits
	TickInterval     time.Duration
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// SessionDeadAfter closes a connection that has been silent this long.
	SessionDeadAfter time.Duration
	ReadBufferSize   int
	OutboxLimit      int
	// SkipUnknown logs and drops frames with unregistered ids instead of
	// closing the connection.
	SkipUnknown bool
	Backoff     BackoffConfig
}

// DefaultConfig returns the connection defaults.
func DefaultConfig() Config {
	return Config{
		Limits:           frame.DefaultLimits(),
		TickInterval:     time.Second,
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     15 * time.Second,
		SessionDeadAfter: 3 * time.Minute,
		ReadBufferSize:   32 * 1024,
		OutboxLimit:      256,
		SkipUnknown:      true,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     30 * time.Second,
			Jitter:       true,
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Limits.MaxFrameBytes == 0 {
		c.Limits = d.Limits
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.SessionDeadAfter <= 0 {
		c.SessionDeadAfter = d.SessionDeadAfter
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.OutboxLimit <= 0 {
		c.OutboxLimit = d.OutboxLimit
	}
	return c
}
