package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	gateway "github.com/eugener/radagast/internal"
)

// sessionResponse is the wire form of GET /sessions/{id}.
type sessionResponse struct {
	Session *gateway.Session `json:"session"`
}

// loadOwnSession fetches a session and enforces tenant ownership. A session
// belonging to another tenant reads as not found so existence does not leak.
func (s *server) loadOwnSession(r *http.Request) (*gateway.Session, error) {
	id := chi.URLParam(r, "id")
	sess, err := s.deps.Sessions.Load(r.Context(), id)
	if err != nil {
		return nil, err
	}
	identity := gateway.IdentityFromContext(r.Context())
	if identity == nil || sess.TenantID != identity.TenantID {
		return nil, gateway.ErrTenantMismatch
	}
	return sess, nil
}

func (s *server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.loadOwnSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: sess})
}

func (s *server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.loadOwnSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Sessions.Delete(r.Context(), sess.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
