package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/binance-stream/internal/connection"
)

type fakeSink struct {
	mu     sync.Mutex
	rows   [][]any
	calls  int
	err    error
	table  pgx.Identifier
	copied chan int
}

func newFakeSink() *fakeSink {
	return &fakeSink{copied: make(chan int, 16)}
}

func (s *fakeSink) CopyFrom(ctx context.Context, table pgx.Identifier, cols []string, src pgx.CopyFromSource) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.table = table
	if s.err != nil {
		return 0, s.err
	}
	var n int64
	for src.Next() {
		vals, err := src.Values()
		if err != nil {
			return n, err
		}
		s.rows = append(s.rows, vals)
		n++
	}
	s.copied <- int(n)
	return n, nil
}

func (s *fakeSink) snapshot() [][]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]any(nil), s.rows...)
}

func TestTransform(t *testing.T) {
	receivedAt := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		msg        connection.Message
		wantSource string
		wantType   string
		wantTime   int64
		hasTime    bool
	}{
		{
			name:       "plain stream",
			msg:        connection.Message{"e": "trade", "E": json.Number("1705320000000"), "s": "BTCUSDT"},
			wantSource: "spot",
			wantType:   "trade",
			wantTime:   1705320000000,
			hasTime:    true,
		},
		{
			name: "combined stream",
			msg: connection.Message{
				"stream": "ethusdt@aggTrade",
				"data":   map[string]any{"e": "aggTrade", "E": json.Number("42")},
			},
			wantSource: "ethusdt@aggTrade",
			wantType:   "aggTrade",
			wantTime:   42,
			hasTime:    true,
		},
		{
			name:       "no event fields",
			msg:        connection.Message{"result": nil, "id": json.Number("1")},
			wantSource: "spot",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rw, err := transform(entry{source: "spot", msg: tt.msg, receivedAt: receivedAt})
			if err != nil {
				t.Fatalf("transform() error = %v", err)
			}
			if rw.Source != tt.wantSource {
				t.Errorf("Source = %q, want %q", rw.Source, tt.wantSource)
			}
			if rw.EventType != tt.wantType {
				t.Errorf("EventType = %q, want %q", rw.EventType, tt.wantType)
			}
			if tt.hasTime {
				if rw.EventTime == nil || *rw.EventTime != tt.wantTime {
					t.Errorf("EventTime = %v, want %d", rw.EventTime, tt.wantTime)
				}
			} else if rw.EventTime != nil {
				t.Errorf("EventTime = %d, want nil", *rw.EventTime)
			}
			if !rw.ReceivedAt.Equal(receivedAt) {
				t.Errorf("ReceivedAt = %v, want %v", rw.ReceivedAt, receivedAt)
			}
			if !json.Valid(rw.Payload) {
				t.Errorf("Payload is not valid JSON: %s", rw.Payload)
			}
		})
	}
}

func TestRecorder_FlushOnBatchSize(t *testing.T) {
	sink := newFakeSink()
	r := New(Config{InstanceID: "test", BatchSize: 2, FlushInterval: time.Hour, BufferSize: 10}, sink, nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer r.Stop(context.Background())

	r.Record("spot", connection.Message{"e": "trade"})
	r.Record("spot", connection.Message{"e": "trade"})

	select {
	case n := <-sink.copied:
		if n != 2 {
			t.Errorf("copied %d rows, want 2", n)
		}
	case <-time.After(time.Second):
		t.Fatal("batch was not flushed")
	}

	rows := sink.snapshot()
	if rows[0][0] != "test" {
		t.Errorf("instance_id = %v, want test", rows[0][0])
	}
	if sink.table[0] != Table {
		t.Errorf("table = %v, want %s", sink.table, Table)
	}
}

func TestRecorder_FlushOnInterval(t *testing.T) {
	sink := newFakeSink()
	r := New(Config{BatchSize: 100, FlushInterval: 20 * time.Millisecond, BufferSize: 10}, sink, nil)
	r.Start(context.Background())
	defer r.Stop(context.Background())

	r.Record("futures", connection.Message{"e": "markPriceUpdate"})

	select {
	case n := <-sink.copied:
		if n != 1 {
			t.Errorf("copied %d rows, want 1", n)
		}
	case <-time.After(time.Second):
		t.Fatal("interval flush did not happen")
	}
}

func TestRecorder_StopFlushes(t *testing.T) {
	sink := newFakeSink()
	r := New(Config{BatchSize: 100, FlushInterval: time.Hour, BufferSize: 10}, sink, nil)
	r.Start(context.Background())

	for i := 0; i < 3; i++ {
		r.Record("spot", connection.Message{"e": "trade"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if got := len(sink.snapshot()); got != 3 {
		t.Errorf("rows = %d, want 3", got)
	}
	if stats := r.Stats(); stats.Inserts != 3 {
		t.Errorf("Inserts = %d, want 3", stats.Inserts)
	}
}

func TestRecorder_RecordDropsWhenFull(t *testing.T) {
	r := New(Config{BatchSize: 10, FlushInterval: time.Hour, BufferSize: 1}, newFakeSink(), nil)

	if !r.Record("spot", connection.Message{}) {
		t.Fatal("first Record() = false, want true")
	}
	if r.Record("spot", connection.Message{}) {
		t.Fatal("second Record() = true, want false")
	}
	if stats := r.Stats(); stats.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", stats.Dropped)
	}
}

func TestRecorder_SinkError(t *testing.T) {
	sink := newFakeSink()
	sink.err = errors.New("connection refused")
	r := New(Config{BatchSize: 1, FlushInterval: time.Hour, BufferSize: 10}, sink, nil)

	r.add(entry{source: "spot", msg: connection.Message{"e": "trade"}})
	r.flush(context.Background())

	stats := r.Stats()
	if stats.Errors != 1 {
		t.Errorf("Errors = %d, want 1", stats.Errors)
	}
	if stats.Flushes != 0 {
		t.Errorf("Flushes = %d, want 0", stats.Flushes)
	}
}

func TestNew_Defaults(t *testing.T) {
	r := New(Config{}, newFakeSink(), nil)
	def := DefaultConfig()
	if r.cfg.BatchSize != def.BatchSize {
		t.Errorf("BatchSize = %d, want %d", r.cfg.BatchSize, def.BatchSize)
	}
	if cap(r.input) != def.BufferSize {
		t.Errorf("buffer cap = %d, want %d", cap(r.input), def.BufferSize)
	}
}
