package internal

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestReadBodyStrict_WithinLimit(t *testing.T) {
	req := httptest.NewRequest("POST", "/webhook", strings.NewReader(`{"id":"evt_1"}`))
	w := httptest.NewRecorder()

	body, err := ReadBodyStrict(w, req, 1024)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if string(body) != `{"id":"evt_1"}` {
		t.Errorf("Unexpected body: %q", body)
	}
}

func TestReadBodyStrict_OverLimit(t *testing.T) {
	req := httptest.NewRequest("POST", "/webhook", strings.NewReader(strings.Repeat("x", 64)))
	w := httptest.NewRecorder()

	_, err := ReadBodyStrict(w, req, 16)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("Expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestReadBodyStrict_EmptyBody(t *testing.T) {
	req := httptest.NewRequest("POST", "/webhook", http.NoBody)
	w := httptest.NewRecorder()

	_, err := ReadBodyStrict(w, req, 1024)
	if !errors.Is(err, ErrEmptyBody) {
		t.Errorf("Expected ErrEmptyBody, got %v", err)
	}
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	if err := WriteJSON(w, http.StatusOK, map[string]bool{"received": true}); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Unexpected Content-Type %q", ct)
	}
	if got := strings.TrimSpace(w.Body.String()); got != `{"received":true}` {
		t.Errorf("Unexpected body %q", got)
	}
}
