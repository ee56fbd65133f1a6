package config

import "time"

// StreamerConfig is the root configuration for a streamer instance.
type StreamerConfig struct {
	Instance      InstanceConfig       `yaml:"instance"`
	API           APIConfig            `yaml:"api"`
	Streams       StreamsConfig        `yaml:"streams"`
	KeepAlive     KeepAliveConfig      `yaml:"keepalive"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
	Recorder      RecorderConfig       `yaml:"recorder"`
	Log           LogConfig            `yaml:"log"`
	Health        HealthConfig         `yaml:"health"`
}

// InstanceConfig identifies this streamer.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// APIConfig holds Binance REST and WebSocket API settings.
type APIConfig struct {
	RestURL            string        `yaml:"rest_url"`             // Spot and margin REST host
	FuturesURL         string        `yaml:"futures_url"`          // USD-M futures REST host
	CoinFuturesURL     string        `yaml:"coin_futures_url"`     // COIN-M futures REST host
	PortfolioMarginURL string        `yaml:"portfolio_margin_url"` // Portfolio margin REST host
	WSAPIURL           string        `yaml:"ws_api_url"`
	APIKey             string        `yaml:"api_key"`          // Sent as X-MBX-APIKEY
	APISecret          string        `yaml:"api_secret"`       // HMAC secret
	PrivateKeyPath     string        `yaml:"private_key_path"` // RSA or Ed25519 PEM file
	KeyType            string        `yaml:"key_type"`         // hmac, rsa or ed25519
	Timeout            time.Duration `yaml:"timeout"`
	MaxRetries         int           `yaml:"max_retries"`
	RequestTimeout     time.Duration `yaml:"request_timeout"` // WebSocket API request timeout
}

// StreamsConfig holds market stream connection settings.
type StreamsConfig struct {
	SpotURL             string        `yaml:"spot_url"`
	FuturesURL          string        `yaml:"futures_url"`
	CoinFuturesURL      string        `yaml:"coin_futures_url"`
	PortfolioMarginURL  string        `yaml:"portfolio_margin_url"`
	ProxyURL            string        `yaml:"proxy_url"`
	QueueSize           int           `yaml:"queue_size"`
	MaxReconnects       int           `yaml:"max_reconnects"`
	MaxReconnectSeconds int           `yaml:"max_reconnect_seconds"`
	RecvTimeout         time.Duration `yaml:"recv_timeout"`
	PingInterval        time.Duration `yaml:"ping_interval"`
}

// KeepAliveConfig holds user data stream renewal settings.
type KeepAliveConfig struct {
	Interval      time.Duration `yaml:"interval"`
	RevokeOnClose bool          `yaml:"revoke_on_close"`
}

// SubscriptionConfig is one stream to open: either market streams or a user data kind.
type SubscriptionConfig struct {
	Name     string   `yaml:"name"`      // Label used in logs and recorded rows
	Market   string   `yaml:"market"`    // spot, futures or coin_futures
	Streams  []string `yaml:"streams"`   // One stream opens a plain socket, several a combined one
	UserData string   `yaml:"user_data"` // user, margin, isolated_margin, futures, coin_futures, portfolio_margin, user_subscription
	Symbol   string   `yaml:"symbol"`    // isolated_margin only
}

// RecorderConfig holds the PostgreSQL event recorder settings.
type RecorderConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
	Database      DBConfig      `yaml:"database"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"` // Rounded up to whole seconds
}

// LogConfig holds slog handler settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// HealthConfig holds the health endpoint settings.
type HealthConfig struct {
	Port int `yaml:"port"`
}
