package keepalive

import (
	"context"
	"errors"
	"time"

	"github.com/rickgao/binance-stream/internal/connection"
)

// Kind selects the user data stream family.
type Kind string

const (
	KindUser             Kind = "user"
	KindMargin           Kind = "margin"
	KindIsolatedMargin   Kind = "isolated_margin"
	KindFutures          Kind = "futures"
	KindCoinFutures      Kind = "coin_futures"
	KindPortfolioMargin  Kind = "portfolio_margin"
	KindUserSubscription Kind = "user_subscription"
)

// Kinds lists every supported kind.
var Kinds = []Kind{
	KindUser, KindMargin, KindIsolatedMargin, KindFutures,
	KindCoinFutures, KindPortfolioMargin, KindUserSubscription,
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// PathToken reports whether k uses a listen key as the stream path.
func (k Kind) PathToken() bool {
	return k.Valid() && k != KindUserSubscription
}

// Errors
var (
	ErrUnknownKind    = errors.New("unknown stream kind")
	ErrSymbolRequired = errors.New("isolated margin streams require a symbol")
	ErrNoTokenService = errors.New("token service is required")
	ErrNoChannel      = errors.New("websocket api channel is required")
	ErrClosed         = errors.New("session closed")
)

// TokenService creates, renews and revokes listen keys.
type TokenService interface {
	CreateToken(ctx context.Context, kind Kind, symbol string) (string, error)
	RenewToken(ctx context.Context, kind Kind, symbol, token string) error
	RevokeToken(ctx context.Context, kind Kind, symbol, token string) error
}

// Channel is the subset of the WebSocket API channel used by subscription sessions.
type Channel interface {
	Subscribe(ctx context.Context, method string, params map[string]any, signed bool, q *connection.Queue) (string, error)
	Unsubscribe(ctx context.Context, id string) error
	UnregisterSubscription(id string) *connection.Queue
	Generation() uint64
	Alive() bool
	OnReconnect(fn func()) (remove func())
}

// Renewer is an optional liveness call made on fire by subscription sessions
// whose subscription is still current.
type Renewer func(ctx context.Context) error

// Deps are the collaborators of a Session.
type Deps struct {
	Tokens  TokenService // path token kinds
	Channel Channel      // subscription kind
	Renewer Renewer
}

// Config configures a Session.
type Config struct {
	Kind          Kind
	Symbol        string            // isolated margin only
	Interval      time.Duration     // keep-alive period
	RevokeOnClose bool              // revoke the listen key on Close
	CallTimeout   time.Duration     // timeout of each token or subscribe call made on fire
	QueueSize     int               // subscription event queue capacity
	RecvTimeout   time.Duration     // subscription Recv re-wait period
	Connection    connection.Config // path token connection; Path is filled from the token
}

// DefaultInterval is the listen key renewal period.
const DefaultInterval = 30 * time.Minute

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = connection.DefaultConfig().QueueSize
	}
	if c.RecvTimeout <= 0 {
		c.RecvTimeout = connection.DefaultConfig().RecvTimeout
	}
	if c.Connection.Key == "" {
		c.Connection.Key = Key(c.Kind, c.Symbol)
	}
	return c
}

// Key returns the logical stream key of a user data session.
func Key(kind Kind, symbol string) string {
	if symbol == "" {
		return string(kind)
	}
	return string(kind) + ":" + symbol
}

// Path returns the stream path of a listen key.
func Path(token string) string {
	return "ws/" + token
}
