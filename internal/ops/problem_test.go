package ops

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spyglasshq/spyglass/internal/store"
)

func TestProblem_JSONSerialization(t *testing.T) {
	p := Problem{
		Type:     "https://spyglass.dev/errors/not-found",
		Title:    "Not Found",
		Status:   404,
		Detail:   "Resource not found",
		Instance: "/stats",
	}

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("failed to marshal Problem: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal Problem JSON: %v", err)
	}

	// Verify all RFC 7807 fields present
	if decoded["type"] != "https://spyglass.dev/errors/not-found" {
		t.Errorf("type = %v, want %v", decoded["type"], "https://spyglass.dev/errors/not-found")
	}
	if decoded["title"] != "Not Found" {
		t.Errorf("title = %v, want %v", decoded["title"], "Not Found")
	}
	if decoded["status"] != float64(404) {
		t.Errorf("status = %v, want %v", decoded["status"], 404)
	}
	if decoded["detail"] != "Resource not found" {
		t.Errorf("detail = %v, want %v", decoded["detail"], "Resource not found")
	}
	if decoded["instance"] != "/stats" {
		t.Errorf("instance = %v, want %v", decoded["instance"], "/stats")
	}
}

func TestWriteProblem_ContentType(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/stats", nil)

	WriteProblem(w, r, http.StatusServiceUnavailable, "Storage busy")

	contentType := w.Header().Get("Content-Type")
	if contentType != "application/problem+json" {
		t.Errorf("Content-Type = %v, want application/problem+json", contentType)
	}
}

func TestWriteProblem_StatusCode(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/stats", nil)

	WriteProblem(w, r, http.StatusServiceUnavailable, "Storage busy")

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestWriteProblem_BodyFormat(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/stats", nil)

	WriteProblem(w, r, http.StatusServiceUnavailable, "Storage busy")

	var p Problem
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("failed to unmarshal response body: %v", err)
	}

	if p.Type != "https://spyglass.dev/errors/service-unavailable" {
		t.Errorf("type = %v, want https://spyglass.dev/errors/service-unavailable", p.Type)
	}
	if p.Title != "Service Unavailable" {
		t.Errorf("title = %v, want Service Unavailable", p.Title)
	}
	if p.Status != 503 {
		t.Errorf("status = %d, want 503", p.Status)
	}
	if p.Detail != "Storage busy" {
		t.Errorf("detail = %v, want 'Storage busy'", p.Detail)
	}
	if p.Instance != "/stats" {
		t.Errorf("instance = %v, want /stats", p.Instance)
	}
}

func TestWriteProblem_UnknownStatusFallsBack(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/stats", nil)

	WriteProblem(w, r, http.StatusTeapot, "short and stout")

	var p Problem
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("failed to unmarshal response body: %v", err)
	}

	if p.Type != "https://spyglass.dev/errors/unknown" {
		t.Errorf("type = %v, want https://spyglass.dev/errors/unknown", p.Type)
	}
	if p.Title != http.StatusText(http.StatusTeapot) {
		t.Errorf("title = %v, want %v", p.Title, http.StatusText(http.StatusTeapot))
	}
	if w.Code != http.StatusTeapot {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusTeapot)
	}
}

// --- MapStoreError Tests ---

func TestMapStoreError_NotFound(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/stats", nil)

	MapStoreError(w, r, store.ErrNotFound)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestMapStoreError_WrappedNotFound(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/stats", nil)

	MapStoreError(w, r, fmt.Errorf("lookup profile: %w", store.ErrNotFound))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestMapStoreError_AcquireTimeout(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/stats", nil)

	MapStoreError(w, r, store.ErrAcquireTimeout)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}

	var p Problem
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("failed to unmarshal response body: %v", err)
	}
	if p.Detail != "Storage busy" {
		t.Errorf("detail = %v, want 'Storage busy'", p.Detail)
	}
}

func TestMapStoreError_DefaultHidesInternalDetails(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/stats", nil)

	MapStoreError(w, r, errors.New("sqlite: disk image is malformed"))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}

	if strings.Contains(w.Body.String(), "malformed") {
		t.Error("internal error detail leaked into response body")
	}
}
