package connection

import (
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected        = errors.New("not connected")
	ErrClosed              = errors.New("connection closed")
	ErrReadLoopClosed      = errors.New("connection closed, recreate the connection")
	ErrReconnectsExhausted = errors.New("max reconnections reached")
	ErrQueueOverflow       = errors.New("message queue overflow")
	ErrQueueFull           = errors.New("queue full")
	ErrQueueClosed         = errors.New("queue closed")
	ErrRecvTimeout         = errors.New("recv timeout")
)

// State is the lifecycle state of a Connection.
type State int32

const (
	StateInitialising State = iota
	StateStreaming
	StateReconnecting
	StateExiting
)

func (s State) String() string {
	switch s {
	case StateInitialising:
		return "initialising"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateExiting:
		return "exiting"
	}
	return "unknown"
}

// Config configures a Connection.
type Config struct {
	Key                 string        // Logical stream key reported to the exit callback
	BaseURL             string        // e.g. wss://stream.binance.com:9443/ws/
	Path                string        // Stream path appended to BaseURL (may be set later by hooks)
	ProxyURL            string        // Optional HTTP(S) proxy
	QueueSize           int           // Capacity of the incoming message queue
	MaxReconnects       int           // Consecutive failed attempts before the connection fails
	MaxReconnectSeconds int           // Upper bound of the backoff exponent term
	ReconnectUnit       time.Duration // Unit of the backoff formula (one second in production)
	RecvTimeout         time.Duration // Recv re-waits after each timeout
	WriteTimeout        time.Duration // Write deadline for sends
	HandshakeTimeout    time.Duration // Dial handshake timeout
	PingInterval        time.Duration // Client ping interval; 0 disables the heartbeat and is kept by New
	PingTimeout         time.Duration // Max time without ping/pong before the socket is considered stale
	ReadLimit           int64         // Max frame size (0 = library default)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:           100,
		MaxReconnects:       5,
		MaxReconnectSeconds: 60,
		ReconnectUnit:       time.Second,
		RecvTimeout:         10 * time.Second,
		WriteTimeout:        5 * time.Second,
		HandshakeTimeout:    10 * time.Second,
		PingInterval:        30 * time.Second,
		PingTimeout:         60 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = d.MaxReconnects
	}
	if c.MaxReconnectSeconds <= 0 {
		c.MaxReconnectSeconds = d.MaxReconnectSeconds
	}
	if c.ReconnectUnit <= 0 {
		c.ReconnectUnit = d.ReconnectUnit
	}
	if c.RecvTimeout <= 0 {
		c.RecvTimeout = d.RecvTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = d.PingTimeout
	}
	// PingInterval is left alone: zero means no client heartbeat
	return c
}

// Stats is a point-in-time view of a Connection.
type Stats struct {
	Key        string `json:"key"`
	State      string `json:"state"`
	Attempts   int    `json:"attempts"`
	Generation uint64 `json:"generation"`
	Queued     int    `json:"queued"`
	Capacity   int    `json:"capacity"`
	Error      string `json:"error,omitempty"`
}
