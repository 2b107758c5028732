package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"c3loc/go-ingest-server/internal/store"
)

func (a *App) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.HandleFunc("/readyz", a.handleReadyz)
	mux.HandleFunc("GET /api/zones", a.handleZones)
	mux.HandleFunc("GET /api/tags/{id}", a.handleTag)
	mux.HandleFunc("GET /api/ingest", a.handleIngestStats)
	return mux
}

func (a *App) metricsHandler() http.Handler {
	return promhttp.HandlerFor(a.stats.Prometheus(), promhttp.HandlerOpts{})
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !a.ready.Load() || a.store == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		a.logger.Warn("readiness: store unreachable", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"store unavailable"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleZones(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		http.Error(w, "store not initialized", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	zones, err := a.store.Zones(ctx)
	if err != nil {
		a.logger.Error("failed to load zones", "error", err)
		http.Error(w, "failed to load zones", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, map[string]any{"zones": zones})
}

func (a *App) handleTag(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		http.Error(w, "store not initialized", http.StatusServiceUnavailable)
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid tag id", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	tag, err := a.store.Tag(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		a.logger.Error("failed to load tag", "tag_id", id, "error", err)
		http.Error(w, "failed to load tag", http.StatusInternalServerError)
		return
	}
	alarms, err := a.store.Alarms(ctx, id)
	if err != nil {
		a.logger.Error("failed to load alarms", "tag_id", id, "error", err)
		http.Error(w, "failed to load tag", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, map[string]any{"tag": tag, "alarms": alarms})
}

func (a *App) handleIngestStats(w http.ResponseWriter, r *http.Request) {
	if a.pool == nil || a.server == nil || a.store == nil {
		http.Error(w, "ingest not started", http.StatusServiceUnavailable)
		return
	}
	a.writeJSON(w, map[string]any{
		"store":    a.store.Dialect().String(),
		"pool":     a.pool.Stats(),
		"sessions": a.server.Peers(),
	})
}

func (a *App) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}
