package wsapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rickgao/binance-stream/internal/auth"
	"github.com/rickgao/binance-stream/internal/clock"
	"github.com/rickgao/binance-stream/internal/connection"
)

// Channel sends correlated requests over one Connection and routes subscription
// events to registered queues.
type Channel struct {
	cfg    Config
	creds  *auth.Credentials
	logger *slog.Logger
	clock  clock.Clock
	conn   *connection.Connection

	readyMu sync.Mutex // one connect-or-wait at a time
	pending *pendingTable

	subsMu sync.RWMutex
	subs   map[string]*connection.Queue

	listenersMu  sync.Mutex
	listeners    map[uint64]func()
	nextListener uint64

	closeOnce sync.Once
	closing   chan struct{}
}

// Option configures a Channel.
type Option func(*options)

type options struct {
	clock  clock.Clock
	onExit func(key string)
	dialer *websocket.Dialer
}

// WithClock sets the scheduler for request timeouts and readiness polling.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithOnExit sets a callback invoked with the channel key once Close completes.
func WithOnExit(fn func(key string)) Option {
	return func(o *options) { o.onExit = fn }
}

// WithDialer overrides the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// New creates a Channel. The connection is dialed lazily by the first request.
// creds may be nil when no signed requests are made.
func New(cfg Config, creds *auth.Credentials, logger *slog.Logger, opts ...Option) (*Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	o := options{clock: clock.Real()}
	for _, opt := range opts {
		opt(&o)
	}

	ch := &Channel{
		cfg:     cfg,
		creds:   creds,
		logger:  logger.With("channel", cfg.Connection.Key),
		clock:   o.clock,
		pending: newPendingTable(),
		subs:      make(map[string]*connection.Queue),
		listeners: make(map[uint64]func()),
		closing:   make(chan struct{}),
	}

	connOpts := []connection.Option{connection.WithClock(o.clock)}
	if o.onExit != nil {
		connOpts = append(connOpts, connection.WithOnExit(o.onExit))
	}
	if o.dialer != nil {
		connOpts = append(connOpts, connection.WithDialer(o.dialer))
	}

	conn, err := connection.New(cfg.Connection, ch, logger, connOpts...)
	if err != nil {
		return nil, fmt.Errorf("create connection: %w", err)
	}
	ch.conn = conn
	go ch.watch()

	return ch, nil
}

// watch fails every waiter and routed queue once the connection has given up.
func (c *Channel) watch() {
	<-c.conn.Done()

	select {
	case <-c.closing:
		return
	default:
	}

	err := c.conn.Err()
	if err == nil {
		err = connection.ErrClosed
	}

	c.subsMu.Lock()
	subs := c.subs
	c.subs = make(map[string]*connection.Queue)
	c.subsMu.Unlock()

	if n := c.pending.close(&ConnectivityError{Op: "read", Err: err}); n > 0 {
		c.logger.Warn("failed pending requests after connection loss", "count", n)
	}
	for id, q := range subs {
		q.Fail(connection.ErrorMessage(connection.ErrorTypeUnableToConnect,
			fmt.Sprintf("subscription %s lost: %v", id, err)))
	}
}

// Request sends req and waits for the matching response.
func (c *Channel) Request(ctx context.Context, req Request) (*Response, error) {
	return c.do(ctx, req, nil)
}

func (c *Channel) do(ctx context.Context, req Request, onResolve func(connection.Message)) (*Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	if err := c.ensureReady(ctx); err != nil {
		return nil, err
	}

	slot, release, err := c.pending.register(req.ID, onResolve)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := c.conn.SendJSON(req); err != nil {
		return nil, &ConnectivityError{Op: "send " + req.Method, Err: err}
	}

	c.logger.Debug("request sent", "id", req.ID, "method", req.Method)

	select {
	case res := <-slot:
		return c.result(res)
	case <-c.clock.After(c.cfg.RequestTimeout):
		c.logger.Warn("request timed out", "id", req.ID, "method", req.Method, "timeout", c.cfg.RequestTimeout)
		return nil, &ConnectivityError{Op: req.Method, Err: ErrRequestTimeout}
	case <-ctx.Done():
		// A response that raced the cancellation still wins
		select {
		case res := <-slot:
			return c.result(res)
		default:
		}
		return nil, ctx.Err()
	}
}

func (c *Channel) result(res result) (*Response, error) {
	if res.err != nil {
		return nil, res.err
	}
	return parseResponse(res.msg)
}

func (c *Channel) sign(method string, params map[string]any) (map[string]any, error) {
	if c.creds == nil {
		return nil, ErrNoCredentials
	}
	signed, err := c.creds.SignParams(params, c.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", method, err)
	}
	return signed, nil
}

// SignedRequest adds apiKey, timestamp and signature to params and sends the request.
func (c *Channel) SignedRequest(ctx context.Context, method string, params map[string]any) (*Response, error) {
	signed, err := c.sign(method, params)
	if err != nil {
		return nil, err
	}
	return c.Request(ctx, Request{Method: method, Params: signed})
}

// Subscribe issues a subscribe request and returns the server-assigned subscription id.
// When q is non-nil it is registered for the id on the read goroutine, before any
// event that follows the response can be dispatched.
func (c *Channel) Subscribe(ctx context.Context, method string, params map[string]any, signed bool, q *connection.Queue) (string, error) {
	if signed {
		var err error
		if params, err = c.sign(method, params); err != nil {
			return "", err
		}
	}

	var onResolve func(connection.Message)
	if q != nil {
		onResolve = func(msg connection.Message) {
			if id, ok := subscriptionID(msg); ok {
				if err := c.RegisterSubscription(id, q); err != nil {
					c.logger.Debug("subscription not registered", "subscription_id", id, "error", err)
				}
			}
		}
	}

	resp, err := c.do(ctx, Request{Method: method, Params: params}, onResolve)
	if err != nil {
		return "", err
	}

	obj, _ := resp.Result.(map[string]any)
	id, ok := connection.KeyOf(obj["subscriptionId"])
	if !ok {
		return "", fmt.Errorf("%s: response has no subscription id", method)
	}

	c.logger.Info("subscribed", "method", method, "subscription_id", id)
	return id, nil
}

// subscriptionID extracts result.subscriptionId from a successful response frame.
func subscriptionID(msg connection.Message) (string, bool) {
	if e, ok := msg["error"]; ok && e != nil {
		return "", false
	}
	obj, ok := msg["result"].(map[string]any)
	if !ok {
		return "", false
	}
	return connection.KeyOf(obj["subscriptionId"])
}

// Unsubscribe drops local routing for id and asks the server to end the subscription.
func (c *Channel) Unsubscribe(ctx context.Context, id string) error {
	c.UnregisterSubscription(id)

	var subID any = id
	if _, err := strconv.ParseInt(id, 10, 64); err == nil {
		subID = json.Number(id)
	}

	_, err := c.Request(ctx, Request{
		Method: MethodUnsubscribe,
		Params: map[string]any{"subscriptionId": subID},
	})
	if err != nil {
		return fmt.Errorf("unsubscribe %s: %w", id, err)
	}
	return nil
}

// RegisterSubscription routes events for id to q.
func (c *Channel) RegisterSubscription(id string, q *connection.Queue) error {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	select {
	case <-c.closing:
		return ErrChannelClosing
	default:
	}

	c.subs[id] = q
	return nil
}

// UnregisterSubscription removes routing for id and returns its queue, if any.
func (c *Channel) UnregisterSubscription(id string) *connection.Queue {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	q := c.subs[id]
	delete(c.subs, id)
	return q
}

// ensureReady connects on first use and waits out an in-progress reconnect.
func (c *Channel) ensureReady(ctx context.Context) error {
	c.readyMu.Lock()
	defer c.readyMu.Unlock()

	cc := c.conn.Config()
	deadline := c.clock.Now().Add(time.Duration(cc.MaxReconnects*(cc.MaxReconnectSeconds+1)) * cc.ReconnectUnit)

	for {
		select {
		case <-c.closing:
			return ErrChannelClosing
		default:
		}

		switch c.conn.State() {
		case connection.StateStreaming:
			return nil

		case connection.StateExiting:
			err := c.conn.Err()
			if err == nil {
				err = connection.ErrClosed
			}
			return &ConnectivityError{Op: "ready", Err: err}

		case connection.StateInitialising:
			if err := c.conn.Connect(ctx); err != nil {
				return &ConnectivityError{Op: "connect", Err: err}
			}
			return nil

		case connection.StateReconnecting:
			if !c.clock.Now().Before(deadline) {
				return &ConnectivityError{Op: "ready", Err: ErrNotReady}
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.closing:
				return ErrChannelClosing
			case <-c.clock.After(c.cfg.ReadyPollInterval):
			}
		}
	}
}

// BeforeConnect implements connection.Hooks.
func (c *Channel) BeforeConnect(context.Context, *connection.Connection) error { return nil }

// AfterConnect implements connection.Hooks. After a reconnect the server has
// dropped every subscription, so reconnect listeners are notified. They run on
// their own goroutines since they issue requests answered by the read goroutine.
func (c *Channel) AfterConnect(_ context.Context, conn *connection.Connection) {
	if conn.Generation() <= 1 {
		return
	}

	c.listenersMu.Lock()
	fns := make([]func(), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenersMu.Unlock()

	c.logger.Info("reconnected, notifying subscribers", "listeners", len(fns))
	for _, fn := range fns {
		go fn()
	}
}

// OnReconnect registers fn to run after every reconnect of the channel's
// socket. The returned func removes it.
func (c *Channel) OnReconnect(fn func()) func() {
	c.listenersMu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	c.listenersMu.Unlock()

	return func() {
		c.listenersMu.Lock()
		delete(c.listeners, id)
		c.listenersMu.Unlock()
	}
}

// HandleMessage implements connection.Hooks. Every frame is consumed.
func (c *Channel) HandleMessage(msg connection.Message) bool {
	if subID, ok := msg.Key("subscriptionId"); ok {
		if event, ok := msg["event"]; ok {
			c.route(subID, event)
			return true
		}
	}

	if id, ok := msg.Key("id"); ok {
		if !c.pending.resolve(id, msg) {
			c.logger.Warn("response for unknown request", "id", id)
		}
		return true
	}

	c.logger.Warn("unexpected message dropped", "keys", len(msg))
	return true
}

func (c *Channel) route(subID string, event any) {
	c.subsMu.RLock()
	q := c.subs[subID]
	c.subsMu.RUnlock()

	if q == nil {
		c.logger.Debug("event for unknown subscription dropped", "subscription_id", subID)
		return
	}

	msg, ok := event.(map[string]any)
	if !ok {
		msg = map[string]any{"data": event}
	}
	err := q.Put(msg)
	if err == nil {
		return
	}

	// A full queue ends the subscription; its holder must subscribe again
	c.subsMu.Lock()
	if c.subs[subID] == q {
		delete(c.subs, subID)
	}
	c.subsMu.Unlock()

	if errors.Is(err, connection.ErrQueueFull) {
		c.logger.Warn("subscription queue overflow",
			"subscription_id", subID,
			"capacity", q.Cap(),
		)
		q.Fail(connection.ErrorMessage(connection.ErrorTypeQueueOverflow,
			fmt.Sprintf("subscription %s queue size %d exceeded maximum %d", subID, q.Cap()+1, q.Cap())))
	}
}

// Close fails pending requests, closes subscription queues and the connection.
// Safe to call more than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.subsMu.Lock()
		close(c.closing)
		subs := c.subs
		c.subs = make(map[string]*connection.Queue)
		c.subsMu.Unlock()

		if n := c.pending.close(ErrChannelClosing); n > 0 {
			c.logger.Info("failed pending requests on close", "count", n)
		}

		for id, q := range subs {
			q.Fail(connection.ErrorMessage(connection.ErrorTypeClosed,
				fmt.Sprintf("subscription %s closed with channel", id)))
		}

		c.conn.Close()
	})
	return nil
}

// Pending returns the number of in-flight requests.
func (c *Channel) Pending() int {
	return c.pending.len()
}

// Generation returns the connection generation, incremented on every successful connect.
func (c *Channel) Generation() uint64 {
	return c.conn.Generation()
}

// Done is closed once Close has been called.
func (c *Channel) Done() <-chan struct{} {
	return c.closing
}

// Alive reports whether the channel can still serve requests.
func (c *Channel) Alive() bool {
	select {
	case <-c.closing:
		return false
	default:
	}
	return c.conn.State() != connection.StateExiting
}

// Key returns the logical key of the channel.
func (c *Channel) Key() string {
	return c.cfg.Connection.Key
}

// Stats returns a snapshot of the underlying connection.
func (c *Channel) Stats() connection.Stats {
	return c.conn.Stats()
}

var _ connection.Hooks = (*Channel)(nil)

// IsConnectivity reports whether err is a ConnectivityError.
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}
