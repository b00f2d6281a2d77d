package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/egatchal/tippers-services/internal/dataset"
	"github.com/egatchal/tippers-services/pkg/types"
)

// DatasetResponse is a dataset with, while it runs, its chunk progress.
type DatasetResponse struct {
	Dataset  *types.Dataset    `json:"dataset"`
	Progress *dataset.Progress `json:"progress,omitempty"`
}

// ListResponse wraps the dataset listing.
type ListResponse struct {
	Datasets []*types.Dataset `json:"datasets"`
}

// RetryResponse reports how many failed chunks were requeued.
type RetryResponse struct {
	DatasetID string `json:"dataset_id"`
	Requeued  int64  `json:"requeued"`
}

// DownloadResponse carries presigned URLs for the dataset's chunk objects.
type DownloadResponse struct {
	DatasetID string                 `json:"dataset_id"`
	Links     []dataset.DownloadLink `json:"links"`
}

// DatasetsHandler serves the dataset lifecycle endpoints.
type DatasetsHandler struct {
	planner   *dataset.Planner
	assembler *dataset.Assembler
}

// NewDatasetsHandler creates the dataset handler.
func NewDatasetsHandler(planner *dataset.Planner, assembler *dataset.Assembler) *DatasetsHandler {
	return &DatasetsHandler{planner: planner, assembler: assembler}
}

// Register wires the dataset routes onto the mux.
func (h *DatasetsHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/datasets", h.Create)
	mux.HandleFunc("GET /v1/datasets", h.List)
	mux.HandleFunc("GET /v1/datasets/{id}", h.Get)
	mux.HandleFunc("DELETE /v1/datasets/{id}", h.Delete)
	mux.HandleFunc("GET /v1/datasets/{id}/results", h.Results)
	mux.HandleFunc("GET /v1/datasets/{id}/download", h.Download)
	mux.HandleFunc("POST /v1/datasets/{id}/retry", h.Retry)
}

// Create handles POST /v1/datasets.
func (h *DatasetsHandler) Create(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	var req dataset.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
		return
	}
	if req.RootSpaceID == 0 {
		writeError(w, http.StatusBadRequest, "root_space_id is required", requestID)
		return
	}
	if req.IntervalSeconds == 0 {
		writeError(w, http.StatusBadRequest, "interval_seconds is required", requestID)
		return
	}

	d, err := h.planner.Create(r.Context(), req)
	if err != nil {
		writeServiceError(w, err, requestID)
		return
	}

	writeJSON(w, http.StatusCreated, DatasetResponse{Dataset: d})
}

// List handles GET /v1/datasets.
func (h *DatasetsHandler) List(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	datasets, err := h.assembler.List(r.Context())
	if err != nil {
		writeServiceError(w, err, requestID)
		return
	}
	if datasets == nil {
		datasets = []*types.Dataset{}
	}
	writeJSON(w, http.StatusOK, ListResponse{Datasets: datasets})
}

// Get handles GET /v1/datasets/{id}. Status is derived from the
// dataset's chunk rows on every read until it turns terminal.
func (h *DatasetsHandler) Get(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	d, prog, err := h.assembler.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, DatasetResponse{Dataset: d, Progress: prog})
}

// spaceIDParam parses the optional space_id query parameter. Zero
// means unset; the assembler then falls back to the dataset's root.
func spaceIDParam(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("space_id")
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid space_id %q", raw)
	}
	return v, nil
}

// Results handles GET /v1/datasets/{id}/results. The series returned
// is the root space's unless space_id picks another participant.
func (h *DatasetsHandler) Results(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	spaceID, err := spaceIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	}

	rs, err := h.assembler.Results(r.Context(), r.PathValue("id"), spaceID)
	if err != nil {
		writeServiceError(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

// Download handles GET /v1/datasets/{id}/download. Like results, it
// serves the root space unless space_id says otherwise.
func (h *DatasetsHandler) Download(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	id := r.PathValue("id")

	spaceID, err := spaceIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	}

	links, err := h.assembler.Download(r.Context(), id, spaceID)
	if err != nil {
		writeServiceError(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, DownloadResponse{DatasetID: id, Links: links})
}

// Retry handles POST /v1/datasets/{id}/retry.
func (h *DatasetsHandler) Retry(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	id := r.PathValue("id")

	requeued, err := h.assembler.Retry(r.Context(), id)
	if err != nil {
		writeServiceError(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, RetryResponse{DatasetID: id, Requeued: requeued})
}

// Delete handles DELETE /v1/datasets/{id}.
func (h *DatasetsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if err := h.assembler.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, err, requestID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
