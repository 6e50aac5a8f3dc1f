// Package handlers exposes the collaboration core over HTTP: the
// WebSocket upgrade endpoint plus the read-only query surface used for
// observability and end-to-end validation.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"gitlab.com/autograph/services/collab/internal/auth"
	"gitlab.com/autograph/services/collab/internal/collab"
)

// API bundles the HTTP query handlers.
type API struct {
	coord    *collab.Coordinator
	verifier *auth.Verifier
}

func NewAPI(coord *collab.Coordinator, verifier *auth.Verifier) *API {
	return &API{coord: coord, verifier: verifier}
}

// HealthCheck returns the health status of the service.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetRoomUsers handles GET /rooms/{room}/users.
func (a *API) GetRoomUsers(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["room"]
	users, err := a.coord.GetUsers(roomID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"room":    roomID,
		"users":   users,
	})
}

// GetAnnotations handles GET /annotations/{room}.
func (a *API) GetAnnotations(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["room"]
	annotations, err := a.coord.Annotations(roomID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"room":        roomID,
		"annotations": annotations,
	})
}

// GetConflicts handles GET /ot/conflicts/{room}.
func (a *API) GetConflicts(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["room"]
	entries, err := a.coord.ListConflicts(r.Context(), roomID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"room":      roomID,
		"conflicts": entries,
	})
}

// ApplyOperation handles POST /ot/apply, the direct injection path used
// by tests and debugging. The caller must already be a room member over a
// live connection; the operation goes through the same gate and resolver.
func (a *API) ApplyOperation(w http.ResponseWriter, r *http.Request) {
	ident, err := a.bearerIdentity(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}

	var ev collab.OperationEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": "malformed operation"})
		return
	}
	if ev.UserID == "" {
		ev.UserID = ident.UserID
	}
	if ev.UserID != ident.UserID {
		writeJSON(w, http.StatusForbidden, map[string]interface{}{"success": false, "error": collab.ErrIdentityMismatch.Error()})
		return
	}

	res, err := a.coord.ApplyOperation(ev)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"operation": res.Op,
		"strategy":  res.Strategy,
	})
}

func (a *API) bearerIdentity(r *http.Request) (auth.Identity, error) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return a.verifier.Verify(token)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, collab.ErrRoomNotFound):
		status = http.StatusNotFound
	case errors.Is(err, collab.ErrCapabilityDenied), errors.Is(err, collab.ErrLockHeld):
		status = http.StatusForbidden
	case errors.Is(err, collab.ErrNotMember), errors.Is(err, collab.ErrIdentityMismatch):
		status = http.StatusForbidden
	}
	writeJSON(w, status, map[string]interface{}{"success": false, "error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
