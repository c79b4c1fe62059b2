package fanout

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vorsengineer/cw-rpi-deployment/internal/apperr"
	"github.com/vorsengineer/cw-rpi-deployment/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	writeJSON(w, apperr.StatusCode(err), map[string]string{"error": err.Error()})
}

// handleStats is GET /api/stats, matching app.py's api_stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := dashboardStats(r.Context(), s.store)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleListVenues is GET /api/venues.
func (s *Server) handleListVenues(w http.ResponseWriter, r *http.Request) {
	venues, err := s.alloc.ListVenues(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, venues)
}

// updateVenueRequest is the body of PUT /api/venues/{code}.
type updateVenueRequest struct {
	Name     string `json:"name"`
	Location string `json:"location"`
	Email    string `json:"contact_email"`
}

// handleUpdateVenue is PUT /api/venues/{code} (SPEC_FULL.md §10).
func (s *Server) handleUpdateVenue(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	var req updateVenueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apperr.ErrInvalidArgs)
		return
	}

	if err := s.alloc.UpdateVenue(r.Context(), code, req.Name, req.Location, req.Email); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// handleVenueStats is GET /api/venues/{code}/stats.
func (s *Server) handleVenueStats(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	exists, err := s.store.VenueExists(r.Context(), code)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !exists {
		writeErr(w, apperr.ErrNotFound)
		return
	}
	stats, err := s.alloc.VenueStatistics(r.Context(), code)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleListDeployments is GET /api/deployments?limit=&venue=&status=,
// app.py's api_deployments (limit-only) plus deployments_list's venue and
// status filters, exposed as query parameters on one endpoint. There is no
// product filter: a product query parameter is ignored.
func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 20
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 100 {
		limit = 100
	}

	filter := store.DeploymentFilter{
		VenueCode: q.Get("venue"),
		Status:    q.Get("status"),
		Limit:     limit,
	}

	deployments, err := s.store.ListDeployments(r.Context(), filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deployments)
}

// handleSystemStatus is GET /api/system/status; it samples on demand rather
// than replaying the last periodic snapshot, matching get_system_status's
// synchronous probing. The snapshot carries services and disk_space
// alongside database, per spec.md §4.6.
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sampler.Sample(r.Context()))
}

// handleListBatches is GET /api/batches?venue=&status=.
func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	batches, err := s.alloc.ListBatches(r.Context(), q.Get("venue"), q.Get("status"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batches)
}

// handleActiveBatch is GET /api/batches/active.
func (s *Server) handleActiveBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := s.alloc.GetActiveBatch(r.Context())
	if err != nil {
		if err == apperr.ErrNotFound {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "No active batches"})
			return
		}
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// handleGetBatch is GET /api/batches/{id}.
func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id, err := batchID(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	batch, err := s.alloc.GetBatch(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

type createBatchRequest struct {
	VenueCode   string `json:"venue_code"`
	ProductType string `json:"product_type"`
	TotalCount  int    `json:"total_count"`
	Priority    int    `json:"priority"`
}

// handleCreateBatch is POST /api/batches.
func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	id, err := s.alloc.CreateBatch(r.Context(), req.VenueCode, req.ProductType, req.TotalCount, req.Priority)
	if err != nil {
		writeErr(w, err)
		return
	}

	batch, err := s.alloc.GetBatch(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, batch)
}

// handleStartBatch is POST /api/batches/{id}/start.
func (s *Server) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	id, err := batchID(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := s.alloc.StartBatch(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	batch, err := s.alloc.GetBatch(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// handlePauseBatch is POST /api/batches/{id}/pause.
func (s *Server) handlePauseBatch(w http.ResponseWriter, r *http.Request) {
	id, err := batchID(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := s.alloc.PauseBatch(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	batch, err := s.alloc.GetBatch(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

type updatePriorityRequest struct {
	Priority int `json:"priority"`
}

// handleUpdatePriority is PUT /api/batches/{id}/priority.
func (s *Server) handleUpdatePriority(w http.ResponseWriter, r *http.Request) {
	id, err := batchID(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	var req updatePriorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	rows, err := s.store.UpdatePriority(r.Context(), id, req.Priority)
	if err != nil {
		writeErr(w, err)
		return
	}
	if rows == 0 {
		writeErr(w, apperr.ErrNotFound)
		return
	}
	batch, err := s.alloc.GetBatch(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// handleListImages is GET /api/images (SPEC_FULL.md §10).
func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	images, err := s.store.ListImages(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, images)
}

// handleActivateImage is POST /api/images/{id}/activate (SPEC_FULL.md §10).
func (s *Server) handleActivateImage(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid image id"})
		return
	}
	if err := s.store.ActivateImage(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"activated": true})
}

func batchID(r *http.Request) (int64, error) {
	idStr := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return 0, apperr.ErrInvalidArgs
	}
	return id, nil
}
