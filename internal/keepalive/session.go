package keepalive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rickgao/binance-stream/internal/clock"
	"github.com/rickgao/binance-stream/internal/connection"
	"github.com/rickgao/binance-stream/internal/wsapi"
)

// Session keeps one user data stream alive.
type Session struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	clock  clock.Clock
	onExit func(key string)

	conn  *connection.Connection // path token strategy
	queue *connection.Queue      // subscription strategy

	// Lifetime of calls made on fire; cancelled by Close
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	token         string
	subGeneration uint64
	timer         clock.Timer
	epoch         uint64 // bumped by Close; a fire from an older epoch is void
	closed        bool

	subMu             sync.Mutex // serializes resubscribes from the timer and reconnect notices
	removeOnReconnect func()

	fires     sync.WaitGroup
	closeOnce sync.Once
}

// Option configures a Session.
type Option func(*options)

type options struct {
	clock    clock.Clock
	onExit   func(key string)
	connOpts []connection.Option
}

// WithClock sets the scheduler of the keep-alive timer and of the owned connection.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithOnExit sets a callback invoked with the session key once Close completes.
func WithOnExit(fn func(key string)) Option {
	return func(o *options) { o.onExit = fn }
}

// WithConnectionOptions passes options to the owned connection. They apply after
// the session's clock.
func WithConnectionOptions(opts ...connection.Option) Option {
	return func(o *options) { o.connOpts = append(o.connOpts, opts...) }
}

// New creates a Session. Call Connect to obtain the token and start streaming.
func New(cfg Config, deps Deps, logger *slog.Logger, opts ...Option) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch {
	case !cfg.Kind.Valid():
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	case cfg.Kind == KindIsolatedMargin && cfg.Symbol == "":
		return nil, ErrSymbolRequired
	case cfg.Kind.PathToken() && deps.Tokens == nil:
		return nil, ErrNoTokenService
	case !cfg.Kind.PathToken() && deps.Channel == nil:
		return nil, ErrNoChannel
	}
	cfg = cfg.withDefaults()

	o := options{clock: clock.Real()}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Session{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("session", cfg.Connection.Key),
		clock:  o.clock,
		onExit: o.onExit,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if cfg.Kind.PathToken() {
		connCfg := cfg.Connection
		connCfg.Path = ""
		connOpts := append([]connection.Option{connection.WithClock(o.clock)}, o.connOpts...)

		conn, err := connection.New(connCfg, s, logger, connOpts...)
		if err != nil {
			s.cancel()
			return nil, fmt.Errorf("create connection: %w", err)
		}
		s.conn = conn
	} else {
		s.queue = connection.NewQueue(cfg.QueueSize)
	}

	return s, nil
}

// Connect obtains the token and starts the stream. Path token sessions dial their
// connection; subscription sessions subscribe on the shared channel.
func (s *Session) Connect(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}

	if s.conn != nil {
		return s.conn.Connect(ctx)
	}

	s.mu.Lock()
	subscribed := s.token != ""
	s.mu.Unlock()
	if subscribed {
		return nil
	}

	if err := s.subscribe(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	if s.removeOnReconnect == nil {
		s.removeOnReconnect = s.deps.Channel.OnReconnect(s.reconnected)
	}
	s.mu.Unlock()

	s.arm()
	return nil
}

// Recv returns the next user data event.
func (s *Session) Recv(ctx context.Context) (connection.Message, error) {
	if s.conn != nil {
		return s.conn.Recv(ctx)
	}
	terminated := func() bool { return s.queue.Closed() || !s.deps.Channel.Alive() }
	return connection.Receive(ctx, s.queue, s.clock, s.cfg.RecvTimeout, terminated, s.logger)
}

// BeforeConnect implements connection.Hooks. It obtains a listen key when the
// connection has no path yet.
func (s *Session) BeforeConnect(ctx context.Context, c *connection.Connection) error {
	if c.Path() != "" {
		return nil
	}

	token, err := s.deps.Tokens.CreateToken(ctx, s.cfg.Kind, s.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("create listen key: %w", err)
	}

	s.mu.Lock()
	s.token = token
	s.mu.Unlock()

	c.SetPath(Path(token))
	return nil
}

// AfterConnect implements connection.Hooks.
func (s *Session) AfterConnect(context.Context, *connection.Connection) {
	s.arm()
}

// HandleMessage implements connection.Hooks. User data events are queued.
func (s *Session) HandleMessage(connection.Message) bool {
	return false
}

// arm schedules the next keep-alive. A pending timer keeps its schedule.
func (s *Session) arm() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.timer != nil {
		return
	}

	epoch := s.epoch
	s.timer = s.clock.AfterFunc(s.cfg.Interval, func() { s.fire(epoch) })
}

func (s *Session) fire(epoch uint64) {
	s.mu.Lock()
	if s.closed || epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.fires.Add(1)
	s.mu.Unlock()

	defer s.fires.Done()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.CallTimeout)
	defer cancel()

	if s.conn != nil {
		s.keepAlivePath(ctx)
	} else {
		s.keepAliveSubscription(ctx)
	}

	s.arm()
}

func (s *Session) keepAlivePath(ctx context.Context) {
	token, err := s.deps.Tokens.CreateToken(ctx, s.cfg.Kind, s.cfg.Symbol)
	if err != nil {
		s.logger.Warn("failed to fetch listen key", "error", err)
		return
	}

	s.mu.Lock()
	current := s.token
	rotated := token != current
	if rotated {
		s.token = token
	}
	s.mu.Unlock()

	if rotated {
		s.logger.Info("listen key rotated, reconnecting")
		s.conn.SetPath(Path(token))
		s.conn.ForceReconnect()
		return
	}

	if err := s.deps.Tokens.RenewToken(ctx, s.cfg.Kind, s.cfg.Symbol, token); err != nil {
		s.logger.Warn("failed to renew listen key", "error", err)
		return
	}
	s.logger.Debug("listen key renewed")
}

func (s *Session) keepAliveSubscription(ctx context.Context) {
	if s.resubscribeIfStale(ctx) {
		return
	}

	if s.deps.Renewer == nil {
		return
	}
	if err := s.deps.Renewer(ctx); err != nil {
		s.logger.Warn("subscription liveness check failed", "error", err)
	}
}

// reconnected runs when the channel's socket was replaced.
func (s *Session) reconnected() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.fires.Add(1)
	s.mu.Unlock()
	defer s.fires.Done()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.CallTimeout)
	defer cancel()
	s.resubscribeIfStale(ctx)
}

// resubscribeIfStale subscribes again when the channel generation moved since
// the last subscribe. It reports whether the subscription was stale.
func (s *Session) resubscribeIfStale(ctx context.Context) bool {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	s.mu.Lock()
	id, subGeneration := s.token, s.subGeneration
	s.mu.Unlock()

	if s.deps.Channel.Generation() == subGeneration {
		return false
	}

	// The socket was replaced and the server-side subscription went with it
	s.deps.Channel.UnregisterSubscription(id)
	if err := s.subscribe(ctx); err != nil {
		s.logger.Warn("failed to resubscribe", "error", err)
		return true
	}
	s.logger.Info("resubscribed after reconnect", "previous_id", id, "subscription_id", s.Token())
	return true
}

func (s *Session) subscribe(ctx context.Context) error {
	id, err := s.deps.Channel.Subscribe(ctx, wsapi.MethodSubscribeSignature, nil, true, s.queue)
	if err != nil {
		return fmt.Errorf("subscribe user data stream: %w", err)
	}

	s.mu.Lock()
	s.token = id
	s.subGeneration = s.deps.Channel.Generation()
	s.mu.Unlock()
	return nil
}

// Close cancels the timer, waits for an in-flight keep-alive, releases the token
// and closes the owned connection. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.epoch++
		timer := s.timer
		s.timer = nil
		token := s.token
		removeOnReconnect := s.removeOnReconnect
		s.mu.Unlock()

		if removeOnReconnect != nil {
			removeOnReconnect()
		}

		if timer != nil {
			timer.Stop()
		}
		s.cancel()
		s.fires.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout)
		defer cancel()

		if s.conn != nil {
			if s.cfg.RevokeOnClose && token != "" {
				if err := s.deps.Tokens.RevokeToken(ctx, s.cfg.Kind, s.cfg.Symbol, token); err != nil {
					s.logger.Warn("failed to revoke listen key", "error", err)
				}
			}
			s.conn.Close()
		} else {
			if token != "" {
				if err := s.deps.Channel.Unsubscribe(ctx, token); err != nil {
					s.logger.Warn("failed to unsubscribe", "error", err)
				}
			}
			s.queue.Fail(connection.ErrorMessage(connection.ErrorTypeClosed, "user data session closed"))
		}

		s.logger.Info("session closed")

		if s.onExit != nil {
			s.onExit(s.cfg.Connection.Key)
		}
	})
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Token returns the current listen key or subscription id.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Key returns the logical session key.
func (s *Session) Key() string {
	return s.cfg.Connection.Key
}

// Kind returns the stream kind.
func (s *Session) Kind() Kind {
	return s.cfg.Kind
}

// Alive reports whether the session can still deliver events.
func (s *Session) Alive() bool {
	if s.isClosed() {
		return false
	}
	if s.conn != nil {
		return s.conn.Alive()
	}
	return !s.queue.Closed() && s.deps.Channel.Alive()
}

// Stats returns a snapshot of the session's stream.
func (s *Session) Stats() connection.Stats {
	if s.conn != nil {
		return s.conn.Stats()
	}

	state := "subscribed"
	if !s.Alive() {
		state = connection.StateExiting.String()
	}
	return connection.Stats{
		Key:      s.Key(),
		State:    state,
		Queued:   s.queue.Len(),
		Capacity: s.queue.Cap(),
	}
}

var (
	_ connection.Hooks = (*Session)(nil)
	_ Channel          = (*wsapi.Channel)(nil)
)
