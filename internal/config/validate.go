package config

import (
	"errors"
	"fmt"

	"github.com/rickgao/binance-stream/internal/keepalive"
)

var markets = map[string]bool{"spot": true, "futures": true, "coin_futures": true}

// Validate checks that all required fields are set and values are valid.
func (c *StreamerConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	switch c.API.KeyType {
	case "hmac", "rsa", "ed25519":
	default:
		return fmt.Errorf("api.key_type must be hmac, rsa or ed25519, got %q", c.API.KeyType)
	}

	if c.Streams.QueueSize < 1 {
		return errors.New("streams.queue_size must be >= 1")
	}
	if c.Streams.MaxReconnects < 1 {
		return errors.New("streams.max_reconnects must be >= 1")
	}

	if len(c.Subscriptions) == 0 {
		return errors.New("at least one subscription is required")
	}
	for i, s := range c.Subscriptions {
		if err := c.validateSubscription(fmt.Sprintf("subscriptions[%d]", i), s); err != nil {
			return err
		}
	}

	if c.Recorder.Enabled {
		if err := c.Recorder.Database.validate("recorder.database"); err != nil {
			return err
		}
		if c.Recorder.BatchSize < 1 {
			return errors.New("recorder.batch_size must be >= 1")
		}
		if c.Recorder.BufferSize < 1 {
			return errors.New("recorder.buffer_size must be >= 1")
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	if c.Health.Port < 1 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 1 and 65535, got %d", c.Health.Port)
	}

	return nil
}

func (c *StreamerConfig) validateSubscription(prefix string, s SubscriptionConfig) error {
	hasStreams := len(s.Streams) > 0
	hasUserData := s.UserData != ""

	if hasStreams == hasUserData {
		return fmt.Errorf("%s: exactly one of streams or user_data is required", prefix)
	}

	if hasStreams {
		if !markets[s.Market] {
			return fmt.Errorf("%s.market must be spot, futures or coin_futures, got %q", prefix, s.Market)
		}
		for _, stream := range s.Streams {
			if stream == "" {
				return fmt.Errorf("%s.streams must not contain empty names", prefix)
			}
		}
		return nil
	}

	kind := keepalive.Kind(s.UserData)
	if !kind.Valid() {
		return fmt.Errorf("%s.user_data: unknown kind %q", prefix, s.UserData)
	}
	if kind == keepalive.KindIsolatedMargin && s.Symbol == "" {
		return fmt.Errorf("%s.symbol is required for isolated_margin", prefix)
	}
	if c.API.APIKey == "" {
		return fmt.Errorf("%s: api.api_key is required for user data streams", prefix)
	}
	if kind == keepalive.KindUserSubscription && c.API.APISecret == "" && c.API.PrivateKeyPath == "" {
		return fmt.Errorf("%s: api.api_secret or api.private_key_path is required for user_subscription", prefix)
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	if db.ConnectTimeout < 0 {
		return fmt.Errorf("%s.connect_timeout must be >= 0", prefix)
	}
	return nil
}
