package registry

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/binance-stream/internal/auth"
	"github.com/rickgao/binance-stream/internal/clock"
	"github.com/rickgao/binance-stream/internal/connection"
	"github.com/rickgao/binance-stream/internal/keepalive"
	"github.com/rickgao/binance-stream/internal/wsapi"
)

// Market selects a stream host.
type Market string

const (
	MarketSpot        Market = "spot"
	MarketFutures     Market = "futures"
	MarketCoinFutures Market = "coin_futures"
)

// Default stream hosts.
const (
	DefaultSpotURL            = "wss://stream.binance.com:9443/"
	DefaultFuturesURL         = "wss://fstream.binance.com/"
	DefaultCoinFuturesURL     = "wss://dstream.binance.com/"
	DefaultPortfolioMarginURL = "wss://fstream.binance.com/pm/"
)

// APIKey is the registry key of the shared WebSocket API channel.
const APIKey = "ws-api"

// Errors
var (
	ErrClosed        = errors.New("registry closed")
	ErrUnknownMarket = errors.New("unknown market")
	ErrNoStreams     = errors.New("at least one stream is required")
)

// Config configures a Registry.
type Config struct {
	SpotURL            string
	FuturesURL         string
	CoinFuturesURL     string
	PortfolioMarginURL string

	// Connection is the template for every socket. Key, BaseURL and Path are
	// set per entry.
	Connection connection.Config

	KeepAliveInterval time.Duration
	RevokeOnClose     bool

	API wsapi.Config
}

// DefaultConfig returns production hosts and connection defaults.
func DefaultConfig() Config {
	return Config{
		SpotURL:            DefaultSpotURL,
		FuturesURL:         DefaultFuturesURL,
		CoinFuturesURL:     DefaultCoinFuturesURL,
		PortfolioMarginURL: DefaultPortfolioMarginURL,
		Connection:         connection.DefaultConfig(),
		KeepAliveInterval:  keepalive.DefaultInterval,
		API:                wsapi.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SpotURL == "" {
		c.SpotURL = d.SpotURL
	}
	if c.FuturesURL == "" {
		c.FuturesURL = d.FuturesURL
	}
	if c.CoinFuturesURL == "" {
		c.CoinFuturesURL = d.CoinFuturesURL
	}
	if c.PortfolioMarginURL == "" {
		c.PortfolioMarginURL = d.PortfolioMarginURL
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = d.KeepAliveInterval
	}
	return c
}

// Deps are the collaborators of a Registry.
type Deps struct {
	Tokens      keepalive.TokenService // listen key REST client
	Credentials *auth.Credentials      // signs WebSocket API requests
	Clock       clock.Clock
	Dialer      *websocket.Dialer
}

// socket is what the registry needs from every entry.
type socket interface {
	Key() string
	Alive() bool
	Stats() connection.Stats
	Close() error
}

var (
	_ socket = (*connection.Connection)(nil)
	_ socket = (*keepalive.Session)(nil)
	_ socket = (*wsapi.Channel)(nil)
)
