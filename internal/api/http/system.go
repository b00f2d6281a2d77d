package http

import (
	"net/http"
	"time"

	"github.com/egatchal/tippers-services/internal/chunkstore"
	"github.com/egatchal/tippers-services/internal/storage"
)

// reconcilePrefix scopes the consistency sweep to chunk outputs.
const reconcilePrefix = "chunks/"

// HealthResponse reports process liveness.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  int64  `json:"uptime_seconds"`
}

// StatsProvider exposes scheduler counters to the stats endpoint. Nil
// when this process runs without a scheduler.
type StatsProvider func() interface{}

// SystemHandler serves health, stats, and the operator reconcile sweep.
type SystemHandler struct {
	version  string
	started  time.Time
	stats    StatsProvider
	registry chunkstore.Registry
	store    storage.ObjectStorage
}

// NewSystemHandler creates the system handler.
func NewSystemHandler(version string, stats StatsProvider, registry chunkstore.Registry, store storage.ObjectStorage) *SystemHandler {
	return &SystemHandler{
		version:  version,
		started:  time.Now(),
		stats:    stats,
		registry: registry,
		store:    store,
	}
}

// Register wires the system routes onto the mux.
func (h *SystemHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/health", h.Health)
	mux.HandleFunc("GET /v1/stats", h.Stats)
	mux.HandleFunc("POST /v1/reconcile", h.Reconcile)
}

// Health handles GET /v1/health.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: h.version,
		Uptime:  int64(time.Since(h.started).Seconds()),
	})
}

// Stats handles GET /v1/stats.
func (h *SystemHandler) Stats(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	if h.stats == nil {
		writeError(w, http.StatusNotFound, "no scheduler in this process", requestID)
		return
	}
	writeJSON(w, http.StatusOK, h.stats())
}

// Reconcile handles POST /v1/reconcile. The sweep is report-only; it
// never mutates the registry or storage.
func (h *SystemHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := chunkstore.Reconcile(r.Context(), h.registry, h.store, reconcilePrefix)
	if err != nil {
		writeServiceError(w, err, GetRequestID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, report)
}
