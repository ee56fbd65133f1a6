package recorder

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/binance-stream/internal/connection"
)

// Table is the destination table for recorded events.
const Table = "stream_events"

var columns = []string{"instance_id", "source", "event_type", "event_time", "received_at", "payload"}

// Sink is the subset of pgxpool.Pool used for writes.
type Sink interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Config holds batching settings.
type Config struct {
	InstanceID    string
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
}

// DefaultConfig returns the default batching settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:     1000,
		FlushInterval: time.Second,
		BufferSize:    10000,
	}
}

// Metrics counts recorder activity.
type Metrics struct {
	Inserts int64
	Dropped int64
	Errors  int64
	Flushes int64
}

type entry struct {
	source     string
	msg        connection.Message
	receivedAt time.Time
}

type row struct {
	Source     string
	EventType  string
	EventTime  *int64
	ReceivedAt time.Time
	Payload    []byte
}

// Recorder batches stream messages into stream_events.
type Recorder struct {
	cfg    Config
	logger *slog.Logger
	sink   Sink

	input chan entry

	batch   []row
	batchMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics Metrics
}

// New creates a Recorder writing to sink.
func New(cfg Config, sink Sink, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	return &Recorder{
		cfg:    cfg,
		sink:   sink,
		logger: logger.With("component", "recorder"),
		input:  make(chan entry, cfg.BufferSize),
		batch:  make([]row, 0, cfg.BatchSize),
	}
}

// Record queues msg from source. It reports false when the buffer is full.
func (r *Recorder) Record(source string, msg connection.Message) bool {
	select {
	case r.input <- entry{source: source, msg: msg, receivedAt: time.Now()}:
		return true
	default:
		r.batchMu.Lock()
		r.metrics.Dropped++
		r.batchMu.Unlock()
		return false
	}
}

// Start begins consuming messages and writing to the database.
func (r *Recorder) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.consumeLoop()

	r.logger.Info("recorder started",
		"batch_size", r.cfg.BatchSize,
		"flush_interval", r.cfg.FlushInterval,
	)
	return nil
}

// Stop drains buffered messages, flushes and waits for the loop to exit.
func (r *Recorder) Stop(ctx context.Context) error {
	r.logger.Info("stopping recorder")

	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("recorder stop timed out")
		return ctx.Err()
	}

	// Drain whatever arrived after the loop exited
	for {
		select {
		case e := <-r.input:
			r.add(e)
			continue
		default:
		}
		break
	}
	r.flush(ctx)

	r.logger.Info("recorder stopped")
	return nil
}

// Stats returns current metrics.
func (r *Recorder) Stats() Metrics {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()
	return r.metrics
}

func (r *Recorder) consumeLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case e := <-r.input:
			if r.add(e) {
				r.flush(r.ctx)
			}
		case <-ticker.C:
			r.flush(r.ctx)
		}
	}
}

// add appends e to the batch and reports whether the batch is full.
func (r *Recorder) add(e entry) bool {
	rw, err := transform(e)
	if err != nil {
		r.logger.Debug("dropping unencodable message", "source", e.source, "error", err)
		r.batchMu.Lock()
		r.metrics.Errors++
		r.batchMu.Unlock()
		return false
	}

	r.batchMu.Lock()
	r.batch = append(r.batch, rw)
	full := len(r.batch) >= r.cfg.BatchSize
	r.batchMu.Unlock()
	return full
}

// transform extracts the event type and time from a message. Combined stream
// frames carry the event under "data" and the stream name under "stream".
func transform(e entry) (row, error) {
	payload, err := json.Marshal(e.msg)
	if err != nil {
		return row{}, err
	}

	rw := row{Source: e.source, ReceivedAt: e.receivedAt, Payload: payload}

	event := e.msg
	if data, ok := e.msg["data"].(map[string]any); ok {
		event = data
		if stream, ok := e.msg["stream"].(string); ok && stream != "" {
			rw.Source = stream
		}
	}
	if et, ok := event["e"].(string); ok {
		rw.EventType = et
	}
	if ts, ok := eventTime(event["E"]); ok {
		rw.EventTime = &ts
	}
	return rw, nil
}

func eventTime(v any) (int64, bool) {
	switch t := v.(type) {
	case json.Number:
		n, err := t.Int64()
		return n, err == nil
	case float64:
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		return n, err == nil
	}
	return 0, false
}

func (r *Recorder) flush(ctx context.Context) {
	r.batchMu.Lock()
	if len(r.batch) == 0 {
		r.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := r.batch
	r.batch = make([]row, 0, r.cfg.BatchSize)
	r.batchMu.Unlock()

	start := time.Now()

	n, err := r.copy(ctx, batch)
	if err != nil {
		r.logger.Error("copy failed", "error", err, "count", len(batch))
		r.batchMu.Lock()
		r.metrics.Errors++
		r.batchMu.Unlock()
		return
	}

	r.batchMu.Lock()
	r.metrics.Inserts += n
	r.metrics.Flushes++
	r.batchMu.Unlock()

	r.logger.Debug("flushed events", "count", n, "duration", time.Since(start))
}

func (r *Recorder) copy(ctx context.Context, batch []row) (int64, error) {
	// Stop cancels r.ctx before the final flush
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}

	data := make([][]any, len(batch))
	for i, rw := range batch {
		data[i] = []any{r.cfg.InstanceID, rw.Source, rw.EventType, rw.EventTime, rw.ReceivedAt, rw.Payload}
	}
	return r.sink.CopyFrom(ctx, pgx.Identifier{Table}, columns, pgx.CopyFromRows(data))
}
