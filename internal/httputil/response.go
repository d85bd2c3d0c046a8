// Package httputil holds the JSON response helpers shared by the HTTP
// surfaces.
package httputil

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/banshee-data/vrutest/internal/fault"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error string     `json:"error"`
	Kind  fault.Kind `json:"kind,omitempty"`
}

// WriteJSONError writes a JSON error response with the given status code and message.
func WriteJSONError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorBody{Error: msg})
}

// WriteJSON writes a JSON response with the given status code and data.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("failed to encode json response: %v", err)
	}
}

// WriteJSONOK writes a successful JSON response (200 OK).
func WriteJSONOK(w http.ResponseWriter, data interface{}) {
	WriteJSON(w, http.StatusOK, data)
}

// WriteFault maps err onto its status code and writes the reason and kind.
// SyncNotEnabled is a no-op signal rather than a failure and is answered
// with 200 and {"status":"sync_not_enabled"}.
func WriteFault(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	if kind == fault.SyncNotEnabled {
		WriteJSONOK(w, map[string]string{"status": "sync_not_enabled"})
		return
	}
	if kind == fault.Internal {
		log.Printf("internal error: %v", err)
	}
	WriteJSON(w, fault.HTTPStatus(kind), ErrorBody{Error: fault.Reason(err), Kind: kind})
}
