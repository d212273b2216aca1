package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spyglasshq/spyglass/internal/store"
	"github.com/spyglasshq/spyglass/internal/types"
)

// --- Mock Implementations for Testing ---

// mockStore implements the Store interface for testing
type mockStore struct {
	stats    *types.DatabaseStats
	statsErr error
}

func (m *mockStore) Stats(ctx context.Context) (*types.DatabaseStats, error) {
	return m.stats, m.statsErr
}

// mockRawCounter implements the RawCounter interface for testing
type mockRawCounter struct {
	count    int
	countErr error
}

func (m *mockRawCounter) Count() (int, error) {
	return m.count, m.countErr
}

func newTestHandler(s Store, raw RawCounter, version string) *Handler {
	return &Handler{
		store:   s,
		raw:     raw,
		version: version,
	}
}

// --- Health Endpoint Tests ---

func TestHealth_ReturnsHealthyStatus(t *testing.T) {
	st := &mockStore{
		stats: &types.DatabaseStats{TargetCount: 0, ServiceCount: 0},
	}
	handler := newTestHandler(st, &mockRawCounter{}, "1.0.0")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	handler.Health(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp types.HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	if resp.Status != "healthy" {
		t.Errorf("status = %q, want %q", resp.Status, "healthy")
	}
	if resp.Version != "1.0.0" {
		t.Errorf("version = %q, want %q", resp.Version, "1.0.0")
	}
}

func TestHealth_ReturnsCorrectJSONStructure(t *testing.T) {
	st := &mockStore{
		stats: &types.DatabaseStats{TargetCount: 12, ServiceCount: 40},
	}
	handler := newTestHandler(st, &mockRawCounter{count: 7}, "1.0.0")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	handler.Health(w, req)

	// Parse as raw JSON to check field names
	var rawResp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &rawResp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	requiredFields := []string{"status", "version", "target_count", "service_count", "raw_records"}
	for _, field := range requiredFields {
		if _, ok := rawResp[field]; !ok {
			t.Errorf("missing required field: %s", field)
		}
	}
}

func TestHealth_CountsReflectStoreValues(t *testing.T) {
	st := &mockStore{
		stats: &types.DatabaseStats{TargetCount: 42, ServiceCount: 99},
	}
	handler := newTestHandler(st, &mockRawCounter{count: 13}, "1.0.0")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	handler.Health(w, req)

	var resp types.HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	if resp.TargetCount != 42 {
		t.Errorf("target_count = %d, want %d", resp.TargetCount, 42)
	}
	if resp.ServiceCount != 99 {
		t.Errorf("service_count = %d, want %d", resp.ServiceCount, 99)
	}
	if resp.RawRecords != 13 {
		t.Errorf("raw_records = %d, want %d", resp.RawRecords, 13)
	}
}

func TestHealth_StoreErrorReturns500(t *testing.T) {
	st := &mockStore{statsErr: errors.New("database unavailable")}
	handler := newTestHandler(st, &mockRawCounter{}, "1.0.0")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	handler.Health(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestHealth_RawStoreErrorReturns500(t *testing.T) {
	st := &mockStore{
		stats: &types.DatabaseStats{TargetCount: 1, ServiceCount: 1},
	}
	raw := &mockRawCounter{countErr: errors.New("store closed")}
	handler := newTestHandler(st, raw, "1.0.0")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	handler.Health(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

// --- Stats Endpoint Tests ---

func TestStats_ReturnsFullView(t *testing.T) {
	st := &mockStore{
		stats: &types.DatabaseStats{
			TargetCount:      3,
			ServiceCount:     11,
			HighRiskServices: 2,
			RunCounts: map[types.RunStatus]int64{
				types.RunStatusCompleted: 5,
				types.RunStatusFailed:    1,
			},
			Profiles: []types.ProfileStats{
				{ProfileName: "ssh-exposure", TotalCount: 11},
			},
		},
	}
	handler := newTestHandler(st, &mockRawCounter{}, "1.0.0")

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()

	handler.Stats(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp types.DatabaseStats
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	if resp.TargetCount != 3 {
		t.Errorf("target_count = %d, want %d", resp.TargetCount, 3)
	}
	if resp.HighRiskServices != 2 {
		t.Errorf("high_risk_services = %d, want %d", resp.HighRiskServices, 2)
	}
	if resp.RunCounts[types.RunStatusCompleted] != 5 {
		t.Errorf("run_counts[completed] = %d, want %d", resp.RunCounts[types.RunStatusCompleted], 5)
	}
	if len(resp.Profiles) != 1 || resp.Profiles[0].ProfileName != "ssh-exposure" {
		t.Errorf("profiles = %+v, want single ssh-exposure entry", resp.Profiles)
	}
}

func TestStats_StoreErrorMapsToProblem(t *testing.T) {
	st := &mockStore{statsErr: errors.New("disk I/O error")}
	handler := newTestHandler(st, &mockRawCounter{}, "1.0.0")

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()

	handler.Stats(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}

	contentType := w.Header().Get("Content-Type")
	if contentType != "application/problem+json" {
		t.Errorf("Content-Type = %v, want application/problem+json", contentType)
	}
}

func TestStats_AcquireTimeoutMapsTo503(t *testing.T) {
	st := &mockStore{statsErr: store.ErrAcquireTimeout}
	handler := newTestHandler(st, &mockRawCounter{}, "1.0.0")

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()

	handler.Stats(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

// --- Router Tests ---

func TestRouter_RoutesHealthAndStats(t *testing.T) {
	st := &mockStore{
		stats: &types.DatabaseStats{TargetCount: 1, ServiceCount: 2},
	}
	handler := NewHandler(st, &mockRawCounter{count: 3}, "1.0.0")
	router := NewRouter(handler)

	srv := httptest.NewServer(router)
	defer srv.Close()

	for _, path := range []string{"/healthz", "/stats"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want %d", path, resp.StatusCode, http.StatusOK)
		}
	}
}

func TestRouter_ServesPrometheusMetrics(t *testing.T) {
	st := &mockStore{
		stats: &types.DatabaseStats{},
	}
	handler := NewHandler(st, &mockRawCounter{}, "1.0.0")
	router := NewRouter(handler)

	srv := httptest.NewServer(router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "# HELP") {
		t.Error("metrics output missing exposition comments")
	}
}

func TestRouter_UnknownPathReturns404(t *testing.T) {
	st := &mockStore{
		stats: &types.DatabaseStats{},
	}
	handler := NewHandler(st, &mockRawCounter{}, "1.0.0")
	router := NewRouter(handler)

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}
