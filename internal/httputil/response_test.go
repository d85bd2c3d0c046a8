package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/banshee-data/vrutest/internal/fault"
)

func TestJSONWriters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		write      func(http.ResponseWriter)
		wantStatus int
		wantField  string
		wantValue  string
	}{
		{"error", func(w http.ResponseWriter) { WriteJSONError(w, http.StatusTeapot, "short and stout") }, http.StatusTeapot, "error", "short and stout"},
		{"created", func(w http.ResponseWriter) { WriteJSON(w, http.StatusCreated, map[string]string{"id": "s1"}) }, http.StatusCreated, "id", "s1"},
		{"ok", func(w http.ResponseWriter) { WriteJSONOK(w, map[string]string{"state": "running"}) }, http.StatusOK, "state", "running"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			tt.write(rec)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("content-type = %q", ct)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode %q: %v", rec.Body.String(), err)
			}
			if body[tt.wantField] != tt.wantValue {
				t.Errorf("%s = %q, want %q", tt.wantField, body[tt.wantField], tt.wantValue)
			}
		})
	}
}

func TestWriteFault(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{"invalid state", fault.New(fault.InvalidState, "cannot pause: state is paused"), http.StatusConflict, "cannot pause"},
		{"invalid action", fault.New(fault.InvalidAction, "unknown action \"jump\""), http.StatusBadRequest, "jump"},
		{"malformed", fault.New(fault.MalformedDetection, "no class label"), http.StatusBadRequest, "no class label"},
		{"overflow", fault.New(fault.Overflow, "queue full"), http.StatusServiceUnavailable, "queue full"},
		{"sync disabled", fault.New(fault.SyncNotEnabled, "sync off"), http.StatusOK, `"status":"sync_not_enabled"`},
		{"foreign error", errors.New("disk on fire"), http.StatusInternalServerError, "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			WriteFault(rec, tt.err)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body %q does not contain %q", rec.Body.String(), tt.wantBody)
			}
			if strings.Contains(rec.Body.String(), "disk on fire") {
				t.Error("internal error detail leaked to the response")
			}
		})
	}
}
