package server

import "net/http"

// Pre-allocated response body and header value slice.
// okBody avoids a []byte("ok") heap escape per call.
// plainCT avoids the []string{v} alloc from Header.Set (see errors.go:jsonCT).
var (
	okBody       = []byte("ok")
	notReadyBody = []byte("not ready")
	plainCT      = []string{"text/plain"}
)

// healthResponse summarizes provider availability for GET /health.
type healthResponse struct {
	Status    string `json:"status"`
	Providers any    `json:"providers"`
}

// handleHealth probes every registered provider and reports the aggregate.
// The endpoint answers 200 even when degraded; the body carries the detail.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.deps.Engine.HealthCheckAll(r.Context())
	status := "healthy"
	if !report.Healthy {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    status,
		Providers: report.Providers,
	})
}

func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			w.Header()["Content-Type"] = plainCT
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write(notReadyBody)
			return
		}
	}
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

func (s *server) handleLive(w http.ResponseWriter, _ *http.Request) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}
