// Package handlers implements the HTTP handlers of the hub server.
//
// Each handler serves one endpoint of the hub API defined in package api and
// reads or writes repositories through a hub.LocalStore.
package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tsingmao/qfilter/internal/api"
	"github.com/tsingmao/qfilter/internal/hub"
	"github.com/tsingmao/qfilter/internal/logger"
)

// MaxUploadSize bounds a single uploaded file (4GB).
const MaxUploadSize = 4 << 30

// Handler holds the dependencies shared by all endpoints.
type Handler struct {
	// store is the repository store served by this hub.
	store *hub.LocalStore

	// token, when non-empty, is required as a bearer token on uploads.
	token string

	build api.VersionResponse
}

// NewHandler creates a handler serving store.
//
// Parameters:
//   - store: Repository store backing the hub
//   - token: Upload token; empty disables authentication
//   - build: Version, build time and commit reported by /api/version
func NewHandler(store *hub.LocalStore, token string, build api.VersionResponse) *Handler {
	return &Handler{
		store: store,
		token: token,
		build: build,
	}
}

// Health reports that the server is up.
//
// HTTP Method: GET
// Endpoint: /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.WriteJSON(w, api.HealthResponse{Status: "ok"}, http.StatusOK)
}

// Version reports the server version.
//
// HTTP Method: GET
// Endpoint: /api/version
func (h *Handler) Version(w http.ResponseWriter, r *http.Request) {
	h.WriteJSON(w, h.build, http.StatusOK)
}

// WriteJSON writes v as a JSON response with the given status code.
func (h *Handler) WriteJSON(w http.ResponseWriter, v interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response: %v", err)
	}
}

// WriteError writes an api.ErrorResponse.
func (h *Handler) WriteError(w http.ResponseWriter, message string, status int) {
	h.WriteJSON(w, api.ErrorResponse{Error: message, Code: status}, status)
}

// authorized checks the bearer token when one is configured.
func (h *Handler) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	got, ok := strings.CutPrefix(auth, "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) == 1
}
