package ops

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/spyglasshq/spyglass/internal/types"
)

// Store is the slice of the relational store the ops surface reads from.
type Store interface {
	Stats(ctx context.Context) (*types.DatabaseStats, error)
}

// RawCounter reports the size of the raw observation store.
type RawCounter interface {
	Count() (int, error)
}

// Handler implements the ops handlers
type Handler struct {
	store   Store
	raw     RawCounter
	version string
}

// NewHandler creates a new Handler
func NewHandler(s Store, raw RawCounter, version string) *Handler {
	return &Handler{
		store:   s,
		raw:     raw,
		version: version,
	}
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	rawCount, err := h.raw.Count()
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	resp := types.HealthResponse{
		Status:       "healthy",
		Version:      h.version,
		TargetCount:  stats.TargetCount,
		ServiceCount: stats.ServiceCount,
		RawRecords:   rawCount,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Stats returns the full aggregate view of the database, including run
// counts, recent runs, and per-profile collection state.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}
