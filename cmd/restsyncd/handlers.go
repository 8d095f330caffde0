package main

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/restsync/restsync/internal/logging"
	"github.com/restsync/restsync/internal/models"
	"github.com/restsync/restsync/internal/netmon"
	"github.com/restsync/restsync/internal/queue"
	enginepkg "github.com/restsync/restsync/internal/sync"
)

// newRouter mounts the admin endpoints.
func newRouter(mgr *queue.Manager, engine *enginepkg.Engine, monitor *netmon.Monitor, hub *WSHub) chi.Router {
	r := chi.NewRouter()
	h := &handler{mgr: mgr, engine: engine, monitor: monitor}

	r.Get("/healthz", h.handleHealth)
	r.Get("/queue", h.handleList)
	r.Get("/queue/stats", h.handleStats)
	r.Delete("/queue/{id}", h.handleCancel)
	r.Post("/sync", h.handleSync)
	r.Get("/ws", hub.serveWS)
	return r
}

type handler struct {
	mgr     *queue.Manager
	engine  *enginepkg.Engine
	monitor *netmon.Monitor
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"online":   h.monitor.IsReachable(),
		"draining": h.engine.IsDraining(),
	})
}

func (h *handler) handleList(w http.ResponseWriter, r *http.Request) {
	items, err := h.mgr.ListAll(r.Context())
	if err != nil {
		logging.Error("list queue failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if items == nil {
		items = []models.QueuedRequest{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *handler) handleStats(w http.ResponseWriter, r *http.Request) {
	items, err := h.mgr.ListAll(r.Context())
	if err != nil {
		logging.Error("queue stats failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	byPriority := map[string]int{}
	retrying := 0
	for _, item := range items {
		byPriority[string(item.Priority)]++
		if item.RetryCount > 0 {
			retrying++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":       len(items),
		"by_priority": byPriority,
		"retrying":    retrying,
		"online":      h.monitor.IsReachable(),
		"draining":    h.engine.IsDraining(),
	})
}

func (h *handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	removed, err := h.mgr.Cancel(r.Context(), id)
	if err != nil {
		logging.Error("cancel failed", err, map[string]any{"id": id})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if !removed {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "queue entry not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": id})
}

func (h *handler) handleSync(w http.ResponseWriter, r *http.Request) {
	if !h.monitor.IsReachable() {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "network unreachable"})
		return
	}
	go h.engine.StartSync(context.Background())
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sync started"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("write response failed", map[string]any{"error": err.Error()})
	}
}
