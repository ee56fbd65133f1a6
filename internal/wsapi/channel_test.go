package wsapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/binance-stream/internal/auth"
	"github.com/rickgao/binance-stream/internal/connection"
)

type frame struct {
	ID     string         `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

// mockAPIServer serves the WebSocket API. handle is called for every request frame
// and returns the replies to write, in order.
func mockAPIServer(t *testing.T, handle func(req frame) []any) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()

		for {
			var req frame
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			for _, reply := range handle(req) {
				if err := conn.WriteJSON(reply); err != nil {
					return
				}
			}
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws-api/v3"
}

func ok(id string, result any) map[string]any {
	return map[string]any{"id": id, "status": 200, "result": result}
}

func newTestChannel(t *testing.T, server *httptest.Server, creds *auth.Credentials, opts ...Option) *Channel {
	t.Helper()
	cfg := Config{
		Connection: connection.Config{
			Key:           "ws-api",
			BaseURL:       wsURL(server),
			MaxReconnects: 2,
			ReconnectUnit: time.Millisecond,
		},
		RequestTimeout:    2 * time.Second,
		ReadyPollInterval: 5 * time.Millisecond,
	}
	ch, err := New(cfg, creds, nil, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { ch.Close() })
	return ch
}

func TestChannel_Request(t *testing.T) {
	server := mockAPIServer(t, func(req frame) []any {
		return []any{ok(req.ID, map[string]any{"serverTime": 1700000000000})}
	})
	defer server.Close()

	ch := newTestChannel(t, server, nil)

	resp, err := ch.Request(context.Background(), Request{ID: "time-1", Method: "time"})
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.ID != "time-1" {
		t.Errorf("ID = %q, want time-1", resp.ID)
	}
	if resp.Status != 200 {
		t.Errorf("Status = %d, want 200", resp.Status)
	}

	var result struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := resp.Decode(&result); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if result.ServerTime != 1700000000000 {
		t.Errorf("serverTime = %d", result.ServerTime)
	}
	if ch.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", ch.Pending())
	}
	if ch.Generation() != 1 {
		t.Errorf("Generation() = %d, want 1", ch.Generation())
	}
}

func TestChannel_GeneratesID(t *testing.T) {
	server := mockAPIServer(t, func(req frame) []any {
		return []any{ok(req.ID, nil)}
	})
	defer server.Close()

	ch := newTestChannel(t, server, nil)

	resp, err := ch.Request(context.Background(), Request{Method: "ping"})
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if len(resp.ID) != 36 {
		t.Errorf("generated ID = %q, want a UUID", resp.ID)
	}
}

func TestChannel_ConcurrentRequests(t *testing.T) {
	const n = 10

	// Collect every request, then answer in reverse order
	var (
		mu      sync.Mutex
		waiting []string
	)
	server := mockAPIServer(t, func(req frame) []any {
		mu.Lock()
		defer mu.Unlock()
		waiting = append(waiting, req.ID)
		if len(waiting) < n {
			return nil
		}
		replies := make([]any, 0, n)
		for i := len(waiting) - 1; i >= 0; i-- {
			replies = append(replies, ok(waiting[i], map[string]any{"echo": waiting[i]}))
		}
		return replies
	})
	defer server.Close()

	ch := newTestChannel(t, server, nil)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			resp, err := ch.Request(context.Background(), Request{ID: id, Method: "echo"})
			if err != nil {
				errs <- fmt.Errorf("%s: %w", id, err)
				return
			}
			result, _ := resp.Result.(map[string]any)
			if resp.ID != id || result["echo"] != id {
				errs <- fmt.Errorf("%s: got response %s with echo %v", id, resp.ID, result["echo"])
			}
		}(fmt.Sprintf("req-%d", i))
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	if ch.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", ch.Pending())
	}
}

func TestChannel_RequestTimeout(t *testing.T) {
	server := mockAPIServer(t, func(frame) []any { return nil })
	defer server.Close()

	ch := newTestChannel(t, server, nil)
	ch.cfg.RequestTimeout = 100 * time.Millisecond

	start := time.Now()
	_, err := ch.Request(context.Background(), Request{ID: "r1", Method: "silent"})
	elapsed := time.Since(start)

	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("Request = %v, want ErrRequestTimeout", err)
	}
	if !IsConnectivity(err) {
		t.Errorf("error %T is not a ConnectivityError", err)
	}
	if elapsed < 100*time.Millisecond {
		t.Errorf("timed out after %v, want at least 100ms", elapsed)
	}
	if ch.Pending() != 0 {
		t.Errorf("Pending() = %d, want r1 removed", ch.Pending())
	}

	// The id can be reused
	_, err = ch.Request(context.Background(), Request{ID: "r1", Method: "silent"})
	if errors.Is(err, ErrDuplicateID) {
		t.Error("r1 still registered after timeout")
	}
}

func TestChannel_APIError(t *testing.T) {
	server := mockAPIServer(t, func(req frame) []any {
		return []any{map[string]any{
			"id":     req.ID,
			"status": 400,
			"error":  map[string]any{"code": -1102, "msg": "Mandatory parameter 'symbol' was not sent."},
		}}
	})
	defer server.Close()

	ch := newTestChannel(t, server, nil)

	_, err := ch.Request(context.Background(), Request{Method: "order.place"})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Request = %v, want *APIError", err)
	}
	if apiErr.Status != 400 || apiErr.Code != -1102 {
		t.Errorf("APIError = %+v", apiErr)
	}
	if !strings.Contains(apiErr.Msg, "symbol") {
		t.Errorf("Msg = %q", apiErr.Msg)
	}
	if IsConnectivity(err) {
		t.Error("API error reported as connectivity error")
	}
}

func TestChannel_CloseFailsPending(t *testing.T) {
	server := mockAPIServer(t, func(frame) []any { return nil })
	defer server.Close()

	ch := newTestChannel(t, server, nil)

	errc := make(chan error, 1)
	go func() {
		_, err := ch.Request(context.Background(), Request{ID: "hang", Method: "silent"})
		errc <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for ch.Pending() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if ch.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", ch.Pending())
	}

	ch.Close()
	ch.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrChannelClosing) {
			t.Errorf("pending request = %v, want ErrChannelClosing", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending request not resolved by Close")
	}

	if _, err := ch.Request(context.Background(), Request{Method: "ping"}); !errors.Is(err, ErrChannelClosing) {
		t.Errorf("Request after Close = %v, want ErrChannelClosing", err)
	}
	if ch.Alive() {
		t.Error("Alive() = true after Close")
	}
}

func TestChannel_SubscriptionRouting(t *testing.T) {
	server := mockAPIServer(t, func(req frame) []any {
		if req.Method != MethodSubscribeSignature {
			return []any{ok(req.ID, nil)}
		}
		return []any{
			ok(req.ID, map[string]any{"subscriptionId": 0}),
			map[string]any{"subscriptionId": 0, "event": map[string]any{"e": "outboundAccountPosition", "E": 1}},
			map[string]any{"subscriptionId": 9, "event": map[string]any{"e": "lost"}},
			map[string]any{"subscriptionId": 0, "event": map[string]any{"e": "balanceUpdate", "E": 2}},
		}
	})
	defer server.Close()

	creds := &auth.Credentials{APIKey: "key", Signer: auth.HMACSigner{Secret: []byte("secret")}}
	ch := newTestChannel(t, server, creds)

	q := connection.NewQueue(10)
	id, err := ch.Subscribe(context.Background(), MethodSubscribeSignature, nil, true, q)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if id != "0" {
		t.Errorf("subscription id = %q, want 0", id)
	}

	for _, want := range []string{"outboundAccountPosition", "balanceUpdate"} {
		timeout := time.After(2 * time.Second)
		msg, err := q.Get(context.Background(), timeout)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if msg["e"] != want {
			t.Errorf("event = %v, want %s", msg["e"], want)
		}
	}
	if q.Len() != 0 {
		t.Errorf("queue holds %d unexpected events", q.Len())
	}

	ch.Close()
	msg, err := q.Get(context.Background(), time.After(time.Second))
	if err != nil {
		t.Fatalf("Get after Close failed: %v", err)
	}
	if msg.ErrorType() != connection.ErrorTypeClosed {
		t.Errorf("queue sentinel = %v, want %s", msg, connection.ErrorTypeClosed)
	}
}

func TestChannel_SignedRequest(t *testing.T) {
	creds := &auth.Credentials{APIKey: "key-1", Signer: auth.HMACSigner{Secret: []byte("secret")}}

	got := make(chan map[string]any, 1)
	server := mockAPIServer(t, func(req frame) []any {
		got <- req.Params
		return []any{ok(req.ID, nil)}
	})
	defer server.Close()

	ch := newTestChannel(t, server, creds)

	if _, err := ch.SignedRequest(context.Background(), "account.status", map[string]any{"omitZeroBalances": true}); err != nil {
		t.Fatalf("SignedRequest failed: %v", err)
	}

	params := <-got
	if params["apiKey"] != "key-1" {
		t.Errorf("apiKey = %v, want key-1", params["apiKey"])
	}
	if _, ok := params["timestamp"]; !ok {
		t.Error("timestamp missing")
	}

	signature, _ := params["signature"].(string)
	delete(params, "signature")
	want, _ := creds.Signer.Sign(auth.Canonical(params))
	if signature != want {
		t.Errorf("signature = %q, want %q", signature, want)
	}
}

func TestChannel_SignedRequestWithoutCredentials(t *testing.T) {
	server := mockAPIServer(t, func(req frame) []any { return []any{ok(req.ID, nil)} })
	defer server.Close()

	ch := newTestChannel(t, server, nil)

	if _, err := ch.SignedRequest(context.Background(), "account.status", nil); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("SignedRequest = %v, want ErrNoCredentials", err)
	}
}

func TestChannel_Unsubscribe(t *testing.T) {
	got := make(chan frame, 1)
	server := mockAPIServer(t, func(req frame) []any {
		got <- req
		return []any{ok(req.ID, map[string]any{})}
	})
	defer server.Close()

	ch := newTestChannel(t, server, nil)
	q := connection.NewQueue(1)
	if err := ch.RegisterSubscription("3", q); err != nil {
		t.Fatalf("RegisterSubscription failed: %v", err)
	}

	if err := ch.Unsubscribe(context.Background(), "3"); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}

	req := <-got
	if req.Method != MethodUnsubscribe {
		t.Errorf("method = %q, want %q", req.Method, MethodUnsubscribe)
	}
	if id, _ := req.Params["subscriptionId"].(float64); id != 3 {
		t.Errorf("subscriptionId = %v (%T), want numeric 3", req.Params["subscriptionId"], req.Params["subscriptionId"])
	}
	if ch.UnregisterSubscription("3") != nil {
		t.Error("subscription still routed after Unsubscribe")
	}
}

func TestChannel_ConnectFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(server)
	server.Close()

	ch, err := New(Config{Connection: connection.Config{BaseURL: url}}, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer ch.Close()

	_, err = ch.Request(context.Background(), Request{Method: "ping"})
	var ce *ConnectivityError
	if !errors.As(err, &ce) {
		t.Fatalf("Request = %v, want ConnectivityError", err)
	}
	if ce.Op != "connect" {
		t.Errorf("Op = %q, want connect", ce.Op)
	}
}

func TestChannel_CloseEvictsOnce(t *testing.T) {
	server := mockAPIServer(t, func(req frame) []any { return []any{ok(req.ID, nil)} })
	defer server.Close()

	var exits []string
	ch := newTestChannel(t, server, nil, WithOnExit(func(key string) { exits = append(exits, key) }))
	if _, err := ch.Request(context.Background(), Request{Method: "ping"}); err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	ch.Close()
	ch.Close()

	if len(exits) != 1 || exits[0] != "ws-api" {
		t.Errorf("exit callbacks = %v, want [ws-api]", exits)
	}
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name       string
		frame      string
		wantStatus int
		wantCode   int
		wantErr    bool
	}{
		{"ok", `{"id":"1","status":200,"result":{}}`, 200, 0, false},
		{"error object", `{"id":"1","status":400,"error":{"code":-1021,"msg":"late"}}`, 400, -1021, true},
		{"error status only", `{"id":"1","status":503}`, 503, 0, true},
		{"numeric id", `{"id":7,"status":200,"result":null}`, 200, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := connection.Decode(websocket.TextMessage, []byte(tt.frame))
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}

			resp, err := parseResponse(msg)
			if tt.wantErr {
				var apiErr *APIError
				if !errors.As(err, &apiErr) {
					t.Fatalf("parseResponse = %v, want *APIError", err)
				}
				if apiErr.Status != tt.wantStatus || apiErr.Code != tt.wantCode {
					t.Errorf("APIError = %+v", apiErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseResponse failed: %v", err)
			}
			if resp.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", resp.Status, tt.wantStatus)
			}
		})
	}
}


func TestChannel_SubscriptionOverflow(t *testing.T) {
	server := mockAPIServer(t, func(req frame) []any {
		if req.Method != MethodSubscribeSignature {
			return []any{ok(req.ID, nil)}
		}
		return []any{
			ok(req.ID, map[string]any{"subscriptionId": 7}),
			map[string]any{"subscriptionId": 7, "event": map[string]any{"e": "executionReport", "E": 1}},
			map[string]any{"subscriptionId": 7, "event": map[string]any{"e": "executionReport", "E": 2}},
		}
	})
	defer server.Close()

	creds := &auth.Credentials{APIKey: "key", Signer: auth.HMACSigner{Secret: []byte("secret")}}
	ch := newTestChannel(t, server, creds)

	q := connection.NewQueue(1)
	if _, err := ch.Subscribe(context.Background(), MethodSubscribeSignature, nil, true, q); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !q.Closed() {
		if time.Now().After(deadline) {
			t.Fatal("queue not closed after overflow")
		}
		time.Sleep(5 * time.Millisecond)
	}

	msg, err := q.Get(context.Background(), time.After(time.Second))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if e, _ := msg.Key("E"); e != "1" {
		t.Errorf("first event = %v, want E=1", msg)
	}

	msg, err = q.Get(context.Background(), time.After(time.Second))
	if err != nil {
		t.Fatalf("Get sentinel failed: %v", err)
	}
	if msg.ErrorType() != connection.ErrorTypeQueueOverflow {
		t.Errorf("sentinel = %v, want %s", msg, connection.ErrorTypeQueueOverflow)
	}
	if !strings.Contains(fmt.Sprint(msg["m"]), "exceeded maximum 1") {
		t.Errorf("sentinel text = %v", msg["m"])
	}
	if ch.UnregisterSubscription("7") != nil {
		t.Error("overflowed subscription still routed")
	}
}

func TestChannel_SubscriptionFailsWithConnection(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	var (
		mu      sync.Mutex
		accepts int
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		accepts++
		n := accepts
		mu.Unlock()

		if n > 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Ack the subscription, then drop the socket
		var req frame
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		conn.WriteJSON(ok(req.ID, map[string]any{"subscriptionId": 0}))
	}))
	defer server.Close()

	creds := &auth.Credentials{APIKey: "key", Signer: auth.HMACSigner{Secret: []byte("secret")}}
	ch := newTestChannel(t, server, creds)

	q := connection.NewQueue(10)
	if _, err := ch.Subscribe(context.Background(), MethodSubscribeSignature, nil, true, q); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	msg, err := q.Get(context.Background(), time.After(5*time.Second))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if msg.ErrorType() != connection.ErrorTypeUnableToConnect {
		t.Errorf("sentinel = %v, want %s", msg, connection.ErrorTypeUnableToConnect)
	}
	if ch.Alive() {
		t.Error("Alive() = true after the connection gave up")
	}

	_, err = ch.Request(context.Background(), Request{Method: "ping"})
	var ce *ConnectivityError
	if !errors.As(err, &ce) {
		t.Errorf("Request after failure = %v, want ConnectivityError", err)
	}
}

func TestChannel_OnReconnect(t *testing.T) {
	server := mockAPIServer(t, func(req frame) []any { return []any{ok(req.ID, nil)} })
	defer server.Close()

	ch := newTestChannel(t, server, nil)

	notified := make(chan uint64, 1)
	ch.OnReconnect(func() { notified <- ch.Generation() })
	removed := ch.OnReconnect(func() { t.Error("removed listener called") })
	removed()

	if _, err := ch.Request(context.Background(), Request{Method: "ping"}); err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	select {
	case gen := <-notified:
		t.Fatalf("listener called on first connect (generation %d)", gen)
	default:
	}

	ch.conn.ForceReconnect()

	select {
	case gen := <-notified:
		if gen < 2 {
			t.Errorf("Generation() = %d in listener, want >= 2", gen)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener not called after reconnect")
	}
}
