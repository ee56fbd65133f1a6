package wsapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rickgao/binance-stream/internal/connection"
)

// DefaultURL is the production WebSocket API endpoint.
const DefaultURL = "wss://ws-api.binance.com:443/ws-api/v3"

// User data stream methods.
const (
	MethodSubscribeSignature = "userDataStream.subscribe.signature"
	MethodUnsubscribe        = "userDataStream.unsubscribe"
	MethodPing               = "ping"
)

// Errors
var (
	ErrRequestTimeout = errors.New("request timed out")
	ErrNotReady       = errors.New("connection not ready")
	ErrChannelClosing = errors.New("channel closing")
	ErrDuplicateID    = errors.New("duplicate request id")
	ErrNoCredentials  = errors.New("signed request requires credentials")
)

// Config configures a Channel.
type Config struct {
	Connection        connection.Config
	RequestTimeout    time.Duration // Per-request wait for the response
	ReadyPollInterval time.Duration // Poll interval while the connection is reconnecting
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	conn := connection.DefaultConfig()
	conn.Key = "ws-api"
	conn.BaseURL = DefaultURL
	return Config{
		Connection:        conn,
		RequestTimeout:    10 * time.Second,
		ReadyPollInterval: 200 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Connection.BaseURL == "" {
		c.Connection.BaseURL = d.Connection.BaseURL
	}
	if c.Connection.Key == "" {
		c.Connection.Key = d.Connection.Key
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.ReadyPollInterval <= 0 {
		c.ReadyPollInterval = d.ReadyPollInterval
	}
	return c
}

// Request is an outbound call. An empty ID is replaced by a random UUID.
type Request struct {
	ID     string         `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

// Response is a successful reply.
type Response struct {
	ID         string
	Status     int
	Result     any
	RateLimits any
}

// Decode unmarshals Result into v.
func (r *Response) Decode(v any) error {
	data, err := json.Marshal(r.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return json.Unmarshal(data, v)
}

// APIError is returned when the server answers with an error status.
type APIError struct {
	Status int
	Code   int
	Msg    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d, code %d): %s", e.Status, e.Code, e.Msg)
}

// ConnectivityError is returned when a request could not be delivered or answered.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// parseResponse converts a correlated frame into a Response or an *APIError.
func parseResponse(msg connection.Message) (*Response, error) {
	id, _ := msg.Key("id")
	status := intField(msg["status"])

	if raw, ok := msg["error"]; ok && raw != nil {
		apiErr := &APIError{Status: status}
		if obj, ok := raw.(map[string]any); ok {
			apiErr.Code = intField(obj["code"])
			apiErr.Msg, _ = obj["msg"].(string)
		}
		return nil, apiErr
	}
	if status != 0 && status != 200 {
		return nil, &APIError{Status: status}
	}

	return &Response{
		ID:         id,
		Status:     status,
		Result:     msg["result"],
		RateLimits: msg["rateLimits"],
	}, nil
}

func intField(v any) int {
	switch n := v.(type) {
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}
