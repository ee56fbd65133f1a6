package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/binance-stream/internal/recorder"
	"github.com/rickgao/binance-stream/internal/registry"
	"github.com/rickgao/binance-stream/internal/version"
)

// createHealthHandler creates the HTTP handler for health checks.
func createHealthHandler(instanceID string, reg *registry.Registry, pool *pgxpool.Pool, rec *recorder.Recorder) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Instance   string         `json:"instance"`
			Version    version.Info   `json:"version"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Instance:   instanceID,
			Version:    version.Get(),
			Components: make(map[string]any),
		}

		// Sockets
		sockets := reg.Snapshot()
		for _, s := range sockets {
			if s.State == "exiting" || s.Error != "" {
				health.Status = "degraded"
			}
		}
		health.Components["sockets"] = sockets

		// Recorder
		if pool != nil {
			if err := pool.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["database"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["database"] = "connected"
			}
		}
		if rec != nil {
			health.Components["recorder"] = rec.Stats()
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/debug/sockets", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"count": reg.Len(),
			"keys":  reg.Keys(),
		})
	})

	return mux
}
