package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultRestURL             = "https://api.binance.com"
	DefaultFuturesRestURL      = "https://fapi.binance.com"
	DefaultCoinFuturesRestURL  = "https://dapi.binance.com"
	DefaultPortfolioMarginURL  = "https://papi.binance.com"
	DefaultWSAPIURL            = "wss://ws-api.binance.com:443/ws-api/v3"
	DefaultAPITimeout          = 30 * time.Second
	DefaultMaxRetries          = 3
	DefaultRequestTimeout      = 10 * time.Second
	DefaultKeyType             = "hmac"
	DefaultSpotStreamURL       = "wss://stream.binance.com:9443/"
	DefaultFuturesStreamURL    = "wss://fstream.binance.com/"
	DefaultCoinFuturesStream   = "wss://dstream.binance.com/"
	DefaultPortfolioStreamURL  = "wss://fstream.binance.com/pm/"
	DefaultQueueSize           = 100
	DefaultMaxReconnects       = 5
	DefaultMaxReconnectSeconds = 60
	DefaultRecvTimeout         = 10 * time.Second
	DefaultPingInterval        = 30 * time.Second
	DefaultKeepAliveInterval   = 30 * time.Minute
	DefaultDBPort              = 5432
	DefaultDBSSLMode           = "prefer"
	DefaultDBConnectTimeout    = 10 * time.Second
	DefaultMaxConns            = 10
	DefaultMinConns            = 2
	DefaultBatchSize           = 1000
	DefaultFlushInterval       = 1 * time.Second
	DefaultBufferSize          = 10000
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultHealthPort          = 8080
	DefaultMarket              = "spot"
)

func (c *StreamerConfig) applyDefaults() {
	// API defaults
	if c.API.RestURL == "" {
		c.API.RestURL = DefaultRestURL
	}
	if c.API.FuturesURL == "" {
		c.API.FuturesURL = DefaultFuturesRestURL
	}
	if c.API.CoinFuturesURL == "" {
		c.API.CoinFuturesURL = DefaultCoinFuturesRestURL
	}
	if c.API.PortfolioMarginURL == "" {
		c.API.PortfolioMarginURL = DefaultPortfolioMarginURL
	}
	if c.API.WSAPIURL == "" {
		c.API.WSAPIURL = DefaultWSAPIURL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultMaxRetries
	}
	if c.API.RequestTimeout == 0 {
		c.API.RequestTimeout = DefaultRequestTimeout
	}
	if c.API.KeyType == "" {
		c.API.KeyType = DefaultKeyType
	}

	// Streams defaults
	if c.Streams.SpotURL == "" {
		c.Streams.SpotURL = DefaultSpotStreamURL
	}
	if c.Streams.FuturesURL == "" {
		c.Streams.FuturesURL = DefaultFuturesStreamURL
	}
	if c.Streams.CoinFuturesURL == "" {
		c.Streams.CoinFuturesURL = DefaultCoinFuturesStream
	}
	if c.Streams.PortfolioMarginURL == "" {
		c.Streams.PortfolioMarginURL = DefaultPortfolioStreamURL
	}
	if c.Streams.QueueSize == 0 {
		c.Streams.QueueSize = DefaultQueueSize
	}
	if c.Streams.MaxReconnects == 0 {
		c.Streams.MaxReconnects = DefaultMaxReconnects
	}
	if c.Streams.MaxReconnectSeconds == 0 {
		c.Streams.MaxReconnectSeconds = DefaultMaxReconnectSeconds
	}
	if c.Streams.RecvTimeout == 0 {
		c.Streams.RecvTimeout = DefaultRecvTimeout
	}
	if c.Streams.PingInterval == 0 {
		c.Streams.PingInterval = DefaultPingInterval
	}

	// Keep-alive defaults
	if c.KeepAlive.Interval == 0 {
		c.KeepAlive.Interval = DefaultKeepAliveInterval
	}

	// Subscription defaults
	for i := range c.Subscriptions {
		s := &c.Subscriptions[i]
		if s.UserData == "" && s.Market == "" {
			s.Market = DefaultMarket
		}
	}

	// Recorder defaults
	if c.Recorder.BatchSize == 0 {
		c.Recorder.BatchSize = DefaultBatchSize
	}
	if c.Recorder.FlushInterval == 0 {
		c.Recorder.FlushInterval = DefaultFlushInterval
	}
	if c.Recorder.BufferSize == 0 {
		c.Recorder.BufferSize = DefaultBufferSize
	}
	applyDBDefaults(&c.Recorder.Database)

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}

	// Health defaults
	if c.Health.Port == 0 {
		c.Health.Port = DefaultHealthPort
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
	if db.ConnectTimeout == 0 {
		db.ConnectTimeout = DefaultDBConnectTimeout
	}
}
