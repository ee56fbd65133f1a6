package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/rickgao/binance-stream/internal/clock"
	"github.com/rickgao/binance-stream/internal/connection"
	"github.com/rickgao/binance-stream/internal/keepalive"
	"github.com/rickgao/binance-stream/internal/wsapi"
)

// Registry maps logical stream keys to live sockets.
type Registry struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]socket
	closed  bool
}

// New creates an empty Registry.
func New(cfg Config, deps Deps, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	return &Registry{
		cfg:     cfg.withDefaults(),
		deps:    deps,
		logger:  logger.With("component", "registry"),
		entries: make(map[string]socket),
	}
}

// Stream returns the plain stream at path on market, e.g. "btcusdt@trade".
func (r *Registry) Stream(ctx context.Context, market Market, path string) (*connection.Connection, error) {
	if path == "" {
		return nil, ErrNoStreams
	}
	return r.market(ctx, market, "ws/"+path)
}

// Multiplex returns the combined stream of streams on market. Frames arrive
// wrapped as {"stream": name, "data": event}.
func (r *Registry) Multiplex(ctx context.Context, market Market, streams ...string) (*connection.Connection, error) {
	if len(streams) == 0 {
		return nil, ErrNoStreams
	}
	return r.market(ctx, market, "stream?streams="+strings.Join(streams, "/"))
}

func (r *Registry) market(ctx context.Context, market Market, path string) (*connection.Connection, error) {
	base, err := r.baseURL(market)
	if err != nil {
		return nil, err
	}
	key := string(market) + ":" + path

	s, err := r.get(ctx, key, func(onExit func(string)) (socket, error) {
		cfg := r.cfg.Connection
		cfg.Key = key
		cfg.BaseURL = base
		cfg.Path = path
		return connection.New(cfg, connection.NopHooks{}, r.logger, r.connectionOptions(onExit)...)
	}, func(ctx context.Context, s socket) error {
		return s.(*connection.Connection).Connect(ctx)
	})
	if err != nil {
		return nil, err
	}
	return s.(*connection.Connection), nil
}

// UserData returns the keep-alive session of kind. Symbol is required for
// isolated margin and ignored otherwise. The subscription kind runs on the
// shared WebSocket API channel.
func (r *Registry) UserData(ctx context.Context, kind keepalive.Kind, symbol string) (*keepalive.Session, error) {
	if kind != keepalive.KindIsolatedMargin {
		symbol = ""
	}
	key := "userdata:" + keepalive.Key(kind, symbol)

	var deps keepalive.Deps
	base := ""
	if kind.PathToken() {
		deps.Tokens = r.deps.Tokens
		base = r.userDataURL(kind)
	} else if kind.Valid() {
		ch, err := r.API(ctx)
		if err != nil {
			return nil, err
		}
		deps.Channel = ch
		deps.Renewer = func(ctx context.Context) error {
			_, err := ch.Request(ctx, wsapi.Request{Method: wsapi.MethodPing})
			return err
		}
	}

	s, err := r.get(ctx, key, func(onExit func(string)) (socket, error) {
		connCfg := r.cfg.Connection
		connCfg.Key = key
		connCfg.BaseURL = base
		cfg := keepalive.Config{
			Kind:          kind,
			Symbol:        symbol,
			Interval:      r.cfg.KeepAliveInterval,
			RevokeOnClose: r.cfg.RevokeOnClose,
			QueueSize:     connCfg.QueueSize,
			RecvTimeout:   connCfg.RecvTimeout,
			Connection:    connCfg,
		}
		opts := []keepalive.Option{
			keepalive.WithClock(r.deps.Clock),
			keepalive.WithOnExit(onExit),
		}
		if r.deps.Dialer != nil {
			opts = append(opts, keepalive.WithConnectionOptions(connection.WithDialer(r.deps.Dialer)))
		}
		return keepalive.New(cfg, deps, r.logger, opts...)
	}, func(ctx context.Context, s socket) error {
		return s.(*keepalive.Session).Connect(ctx)
	})
	if err != nil {
		return nil, err
	}
	return s.(*keepalive.Session), nil
}

// API returns the shared WebSocket API channel. It dials on its first request.
func (r *Registry) API(ctx context.Context) (*wsapi.Channel, error) {
	s, err := r.get(ctx, APIKey, func(onExit func(string)) (socket, error) {
		cfg := r.cfg.API
		cfg.Connection.Key = APIKey
		opts := []wsapi.Option{
			wsapi.WithClock(r.deps.Clock),
			wsapi.WithOnExit(onExit),
		}
		if r.deps.Dialer != nil {
			opts = append(opts, wsapi.WithDialer(r.deps.Dialer))
		}
		return wsapi.New(cfg, r.deps.Credentials, r.logger, opts...)
	}, nil)
	if err != nil {
		return nil, err
	}
	return s.(*wsapi.Channel), nil
}

// get returns the live entry for key, creating and connecting it when absent.
// A failed entry is closed and replaced.
func (r *Registry) get(ctx context.Context, key string, create func(onExit func(string)) (socket, error), connect func(context.Context, socket) error) (socket, error) {
	if s, err := r.lookup(key); s != nil || err != nil {
		return s, err
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		if s, err := r.lookup(key); s != nil || err != nil {
			return s, err
		}

		var s socket
		onExit := func(string) { r.evict(key, s) }

		created, err := create(onExit)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", key, err)
		}
		s = created

		if connect != nil {
			if err := connect(ctx, s); err != nil {
				s.Close()
				return nil, fmt.Errorf("connect %s: %w", key, err)
			}
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			s.Close()
			return nil, ErrClosed
		}
		r.entries[key] = s
		r.mu.Unlock()

		r.logger.Info("socket opened", "key", key)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(socket), nil
}

// lookup returns the live entry for key. A dead entry is removed and closed.
func (r *Registry) lookup(key string) (socket, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	s, ok := r.entries[key]
	if ok && !s.Alive() {
		delete(r.entries, key)
		r.mu.Unlock()
		r.logger.Warn("replacing failed socket", "key", key, "error", s.Stats().Error)
		s.Close()
		return nil, nil
	}
	r.mu.Unlock()

	if !ok {
		return nil, nil
	}
	return s, nil
}

// evict removes key only while it still maps to s.
func (r *Registry) evict(key string, s socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[key]; ok && cur == s {
		delete(r.entries, key)
		r.logger.Info("socket removed", "key", key)
	}
}

func (r *Registry) connectionOptions(onExit func(string)) []connection.Option {
	opts := []connection.Option{
		connection.WithClock(r.deps.Clock),
		connection.WithOnExit(onExit),
	}
	if r.deps.Dialer != nil {
		opts = append(opts, connection.WithDialer(r.deps.Dialer))
	}
	return opts
}

func (r *Registry) baseURL(market Market) (string, error) {
	switch market {
	case MarketSpot:
		return r.cfg.SpotURL, nil
	case MarketFutures:
		return r.cfg.FuturesURL, nil
	case MarketCoinFutures:
		return r.cfg.CoinFuturesURL, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMarket, market)
}

func (r *Registry) userDataURL(kind keepalive.Kind) string {
	switch kind {
	case keepalive.KindFutures:
		return r.cfg.FuturesURL
	case keepalive.KindCoinFutures:
		return r.cfg.CoinFuturesURL
	case keepalive.KindPortfolioMargin:
		return r.cfg.PortfolioMarginURL
	}
	return r.cfg.SpotURL
}

// Close closes every entry concurrently, then the shared API channel, which
// subscription sessions use to unsubscribe. Safe to call more than once.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := r.entries
	r.entries = make(map[string]socket)
	r.mu.Unlock()

	var g errgroup.Group
	for key, s := range entries {
		if key == APIKey {
			continue
		}
		g.Go(func() error {
			if err := s.Close(); err != nil {
				return fmt.Errorf("close %s: %w", key, err)
			}
			return nil
		})
	}
	err := g.Wait()

	if api, ok := entries[APIKey]; ok {
		if cerr := api.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", APIKey, cerr)
		}
	}

	r.logger.Info("registry closed", "count", len(entries))
	return err
}

// Keys returns the registered keys in order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Len returns the number of registered sockets.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot returns the stats of every registered socket ordered by key.
func (r *Registry) Snapshot() []connection.Stats {
	r.mu.Lock()
	entries := make([]socket, 0, len(r.entries))
	for _, s := range r.entries {
		entries = append(entries, s)
	}
	r.mu.Unlock()

	stats := make([]connection.Stats, 0, len(entries))
	for _, s := range entries {
		stats = append(stats, s.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Key < stats[j].Key })
	return stats
}
