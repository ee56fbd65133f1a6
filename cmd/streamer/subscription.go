package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/rickgao/binance-stream/internal/config"
	"github.com/rickgao/binance-stream/internal/connection"
	"github.com/rickgao/binance-stream/internal/keepalive"
	"github.com/rickgao/binance-stream/internal/recorder"
	"github.com/rickgao/binance-stream/internal/registry"
)

// reopenDelay is the pause before a failed stream is requested again.
const reopenDelay = 5 * time.Second

type receiver interface {
	Recv(ctx context.Context) (connection.Message, error)
}

type subscription struct {
	cfg     config.SubscriptionConfig
	name    string
	reg     *registry.Registry
	rec     *recorder.Recorder
	verbose bool
	logger  *slog.Logger
}

func newSubscription(cfg config.SubscriptionConfig, reg *registry.Registry, rec *recorder.Recorder, verbose bool, logger *slog.Logger) *subscription {
	name := cfg.Name
	if name == "" {
		if cfg.UserData != "" {
			name = keepalive.Key(keepalive.Kind(cfg.UserData), cfg.Symbol)
		} else {
			name = cfg.Market + ":" + strings.Join(cfg.Streams, "/")
		}
	}
	return &subscription{
		cfg:     cfg,
		name:    name,
		reg:     reg,
		rec:     rec,
		verbose: verbose,
		logger:  logger.With("subscription", name),
	}
}

func (s *subscription) open(ctx context.Context) (receiver, error) {
	switch {
	case s.cfg.UserData != "":
		return s.reg.UserData(ctx, keepalive.Kind(s.cfg.UserData), s.cfg.Symbol)
	case len(s.cfg.Streams) == 1:
		return s.reg.Stream(ctx, registry.Market(s.cfg.Market), s.cfg.Streams[0])
	default:
		return s.reg.Multiplex(ctx, registry.Market(s.cfg.Market), s.cfg.Streams...)
	}
}

// run receives until ctx is cancelled or the registry is closed. A stream
// that fails is requested again, which replaces it in the registry.
func (s *subscription) run(ctx context.Context) {
	for ctx.Err() == nil {
		src, err := s.open(ctx)
		if errors.Is(err, registry.ErrClosed) {
			return
		}
		if err != nil {
			s.logger.Warn("failed to open stream", "error", err)
			if !sleep(ctx, reopenDelay) {
				return
			}
			continue
		}

		s.logger.Info("stream opened")
		s.receive(ctx, src)
	}
}

func (s *subscription) receive(ctx context.Context, src receiver) {
	var count int64
	for {
		msg, err := src.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("stream ended", "error", err, "messages", count)
			sleep(ctx, reopenDelay)
			return
		}

		if msg.IsError() {
			s.logger.Warn("stream error", "type", msg.ErrorType(), "message", msg["m"])
			continue
		}

		count++
		s.log(msg)
		if s.rec != nil {
			s.rec.Record(s.name, msg)
		}
	}
}

func (s *subscription) log(msg connection.Message) {
	if s.verbose {
		data, _ := json.Marshal(msg)
		s.logger.Info("message", "json", string(data))
		return
	}

	event := msg
	if data, ok := msg["data"].(map[string]any); ok {
		event = data
	}
	s.logger.Debug("message", "event", event["e"], "symbol", event["s"])
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
