package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/binance-stream/internal/clock"
)

// Connection is a reconnecting WebSocket stream.
type Connection struct {
	cfg     Config
	hooks   Hooks
	logger  *slog.Logger
	clock   clock.Clock
	dialer  *websocket.Dialer
	backoff Backoff
	onExit  func(key string)

	queue *Queue

	// Lifetime of background goroutines; cancelled by Close
	ctx    context.Context
	cancel context.CancelFunc

	connectMu sync.Mutex // one handshake at a time
	writeMu   sync.Mutex

	// State
	mu          sync.Mutex
	conn        *websocket.Conn
	state       State
	path        string
	attempts    int
	generation  uint64
	lastPingAt  time.Time
	fatal       error
	readStarted bool

	readDone  chan struct{}
	wg        sync.WaitGroup // heartbeat goroutines
	closeOnce sync.Once
}

// Option configures a Connection.
type Option func(*Connection)

// WithClock sets the scheduler used for backoff sleeps, heartbeats and recv timeouts.
func WithClock(c clock.Clock) Option {
	return func(conn *Connection) {
		conn.clock = c
	}
}

// WithOnExit sets a callback invoked with the logical key once Close completes.
func WithOnExit(fn func(key string)) Option {
	return func(conn *Connection) {
		conn.onExit = fn
	}
}

// WithRand sets the random source of the reconnect backoff.
func WithRand(fn func() float64) Option {
	return func(conn *Connection) {
		conn.backoff.Rand = fn
	}
}

// WithDialer overrides the WebSocket dialer. ProxyURL is ignored when set.
func WithDialer(d *websocket.Dialer) Option {
	return func(conn *Connection) {
		conn.dialer = d
	}
}

// New creates a Connection. It does not dial; call Connect.
func New(cfg Config, hooks Hooks, logger *slog.Logger, opts ...Option) (*Connection, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if hooks == nil {
		hooks = NopHooks{}
	}
	cfg = cfg.withDefaults()

	c := &Connection{
		cfg:    cfg,
		hooks:  hooks,
		logger: logger.With("stream", cfg.Key),
		clock:  clock.Real(),
		backoff: Backoff{
			MaxSeconds: cfg.MaxReconnectSeconds,
			Unit:       cfg.ReconnectUnit,
		},
		queue:    NewQueue(cfg.QueueSize),
		path:     cfg.Path,
		readDone: make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	for _, opt := range opts {
		opt(c)
	}

	if c.dialer == nil {
		d, err := newDialer(cfg)
		if err != nil {
			c.cancel()
			return nil, err
		}
		c.dialer = d
	}

	return c, nil
}

func newDialer(cfg Config) (*websocket.Dialer, error) {
	d := &websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	if cfg.ProxyURL != "" {
		u, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		d.Proxy = http.ProxyURL(u)
	}
	return d, nil
}

// Connect dials BaseURL+Path and enters the streaming state. The read goroutine
// is started on the first successful connect only. Calling Connect while already
// streaming is a no-op.
func (c *Connection) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	switch c.State() {
	case StateExiting:
		return ErrClosed
	case StateStreaming:
		return nil
	}

	if err := c.hooks.BeforeConnect(ctx, c); err != nil {
		return fmt.Errorf("before connect: %w", err)
	}

	// Close aborts an in-flight handshake
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	target := c.URL()
	conn, _, err := c.dialer.DialContext(dialCtx, target, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}
	if c.cfg.ReadLimit > 0 {
		conn.SetReadLimit(c.cfg.ReadLimit)
	}

	// Server sends ping, we respond with pong
	conn.SetPingHandler(func(data string) error {
		c.touch()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	c.mu.Lock()
	if c.state == StateExiting {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.state = StateStreaming
	c.attempts = 0
	c.generation++
	c.lastPingAt = c.clock.Now()
	startRead := !c.readStarted
	c.readStarted = true
	if c.cfg.PingInterval > 0 {
		c.wg.Add(1)
		go c.heartbeatLoop(conn)
	}
	c.mu.Unlock()

	if startRead {
		go c.readLoop()
	}

	c.logger.Info("websocket connected", "url", target)

	c.hooks.AfterConnect(ctx, c)
	return nil
}

// Recv returns the next queued message. Timeouts are benign and re-waited. Once the
// read goroutine has ended and the queue is drained, Recv returns ErrReadLoopClosed.
func (c *Connection) Recv(ctx context.Context) (Message, error) {
	return Receive(ctx, c.queue, c.clock, c.cfg.RecvTimeout, c.readTerminated, c.logger)
}

// Receive implements the Recv contract over any queue. terminated reports whether
// the producer of q has stopped for good.
func Receive(ctx context.Context, q *Queue, clk clock.Clock, timeout time.Duration, terminated func() bool, logger *slog.Logger) (Message, error) {
	for {
		msg, err := q.Get(ctx, clk.After(timeout))
		switch {
		case err == nil:
			return msg, nil
		case errors.Is(err, ErrRecvTimeout):
			if terminated() {
				return nil, ErrReadLoopClosed
			}
			logger.Debug("no message received yet", "timeout", timeout)
		case errors.Is(err, ErrQueueClosed):
			return nil, ErrReadLoopClosed
		default:
			return nil, err
		}
	}
}

// Send writes a text frame.
func (c *Connection) Send(data []byte) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()

	if state != StateStreaming || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// SendJSON marshals v and writes it as a text frame.
func (c *Connection) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return c.Send(data)
}

// ForceReconnect closes the current socket so the read goroutine runs the
// reconnect sequence. The Connection itself stays open.
func (c *Connection) ForceReconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.logger.Info("forcing reconnect")
		conn.Close()
	}
}

// Close stops the connection, waits for its goroutines to finish and invokes
// the exit callback. Safe to call more than once.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateExiting
		conn := c.conn
		c.conn = nil
		started := c.readStarted
		c.readStarted = true
		c.mu.Unlock()

		c.cancel()

		if conn != nil {
			conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			conn.Close()
		}
		c.queue.Close()

		if started {
			<-c.readDone
		} else {
			close(c.readDone)
		}
		c.wg.Wait()

		c.logger.Info("websocket closed")

		if c.onExit != nil {
			c.onExit(c.cfg.Key)
		}
	})
	return nil
}

// readLoop is the only reader of the socket for the Connection's whole life.
func (c *Connection) readLoop() {
	defer close(c.readDone)

	for {
		c.mu.Lock()
		conn, state := c.conn, c.state
		c.mu.Unlock()

		if state == StateExiting {
			return
		}
		if conn == nil {
			if !c.reconnect() {
				return
			}
			continue
		}

		frameType, data, err := conn.ReadMessage()
		if err != nil {
			if c.State() == StateExiting {
				return
			}
			c.logReadError(err)
			if !c.reconnect() {
				return
			}
			continue
		}

		msg, err := Decode(frameType, data)
		if err != nil {
			c.logger.Debug("dropping undecodable frame", "error", err, "bytes", len(data))
			continue
		}

		if c.hooks.HandleMessage(msg) {
			continue
		}

		if err := c.queue.Put(msg); err != nil {
			if errors.Is(err, ErrQueueClosed) {
				return
			}
			c.fail(ErrQueueOverflow, ErrorMessage(ErrorTypeQueueOverflow,
				fmt.Sprintf("message queue size %d exceeded maximum %d", c.queue.Len()+1, c.queue.Cap())))
			return
		}
	}
}

// reconnect runs the backoff sequence. Returns false when the connection is
// closing or has exhausted its attempts.
func (c *Connection) reconnect() bool {
	for {
		c.mu.Lock()
		if c.state == StateExiting {
			c.mu.Unlock()
			return false
		}
		if c.attempts >= c.cfg.MaxReconnects {
			attempts := c.attempts
			c.mu.Unlock()
			c.fail(ErrReconnectsExhausted, ErrorMessage(ErrorTypeUnableToConnect,
				fmt.Sprintf("max reconnections %d reached", attempts)))
			return false
		}
		c.state = StateReconnecting
		stale := c.conn
		c.conn = nil
		attempt := c.attempts
		c.mu.Unlock()

		if stale != nil {
			stale.Close()
		}

		wait := c.backoff.Wait(attempt)
		c.logger.Info("attempting reconnection",
			"attempt", attempt+1,
			"max", c.cfg.MaxReconnects,
			"wait", wait,
		)

		select {
		case <-c.ctx.Done():
			return false
		case <-c.clock.After(wait):
		}

		c.mu.Lock()
		c.attempts++
		c.mu.Unlock()

		if err := c.Connect(c.ctx); err != nil {
			if errors.Is(err, ErrClosed) || c.ctx.Err() != nil {
				return false
			}
			c.logger.Warn("reconnection failed", "attempt", attempt+1, "error", err)
			continue
		}

		c.logger.Info("reconnected", "attempt", attempt+1)
		return true
	}
}

// fail marks the connection terminally failed and delivers sentinel to readers.
func (c *Connection) fail(err error, sentinel Message) {
	c.mu.Lock()
	if c.state == StateExiting {
		c.mu.Unlock()
		return
	}
	c.fatal = err
	c.state = StateExiting
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.queue.Fail(sentinel)

	c.logger.Error("connection failed, it must be recreated", "error", err)
}

// heartbeatLoop pings the server and drops the socket when it goes stale.
func (c *Connection) heartbeatLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.clock.After(c.cfg.PingInterval):
		}

		c.mu.Lock()
		current := c.conn == conn
		lastPing := c.lastPingAt
		c.mu.Unlock()

		if !current {
			return
		}

		deadline := time.Now().Add(c.cfg.WriteTimeout)
		if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
			c.logger.Debug("failed to send ping", "error", err)
		}

		if c.clock.Now().Sub(lastPing) > c.cfg.PingTimeout {
			c.logger.Warn("no ping received, connection stale",
				"last_ping", lastPing,
				"timeout", c.cfg.PingTimeout,
			)
			conn.Close()
			return
		}
	}
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastPingAt = c.clock.Now()
	c.mu.Unlock()
}

func (c *Connection) logReadError(err error) {
	if reason := classifyReadError(err); reason != "" {
		c.logger.Info("websocket read failed", "reason", reason, "error", err)
		return
	}
	c.logger.Warn("unexpected websocket read error", "error", err)
}

// classifyReadError names the transient failure classes; "" means unknown.
func classifyReadError(err error) string {
	var (
		closeErr *websocket.CloseError
		dnsErr   *net.DNSError
		netErr   net.Error
	)
	switch {
	case errors.As(err, &closeErr):
		return "peer closed"
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return "incomplete read"
	case errors.As(err, &dnsErr):
		return "dns failure"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.Is(err, net.ErrClosed):
		return "socket closed"
	}
	return ""
}

func (c *Connection) readTerminated() bool {
	c.mu.Lock()
	started := c.readStarted
	c.mu.Unlock()

	if !started {
		return false
	}
	select {
	case <-c.readDone:
		return true
	default:
		return false
	}
}

// Key returns the logical stream key.
func (c *Connection) Key() string {
	return c.cfg.Key
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Path returns the stream path.
func (c *Connection) Path() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path
}

// SetPath replaces the stream path used by the next dial.
func (c *Connection) SetPath(path string) {
	c.mu.Lock()
	c.path = path
	c.mu.Unlock()
}

// URL returns the address the next dial will use.
func (c *Connection) URL() string {
	return c.cfg.BaseURL + c.Path()
}

// Alive reports whether the connection has not failed or been closed.
func (c *Connection) Alive() bool {
	return c.State() != StateExiting
}

// Attempts returns the current consecutive reconnect attempt count.
func (c *Connection) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Generation increments on every successful connect.
func (c *Connection) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Err returns the fatal error once the connection has failed, nil otherwise.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatal
}

// Done is closed when the read goroutine has terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.readDone
}

// Clock returns the scheduler the connection was built with.
func (c *Connection) Clock() clock.Clock {
	return c.clock
}

// Config returns the effective configuration.
func (c *Connection) Config() Config {
	return c.cfg
}

// Stats returns a snapshot of the connection.
func (c *Connection) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Key:        c.cfg.Key,
		State:      c.state.String(),
		Attempts:   c.attempts,
		Generation: c.generation,
		Queued:     c.queue.Len(),
		Capacity:   c.queue.Cap(),
	}
	if c.fatal != nil {
		s.Error = c.fatal.Error()
	}
	return s
}
