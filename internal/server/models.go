package server

import (
	"net/http"

	gateway "github.com/eugener/radagast/internal"
)

// modelsResponse lists every registered provider's descriptor.
type modelsResponse struct {
	Providers []gateway.ProviderDescriptor `json:"providers"`
}

func (s *server) handleModels(w http.ResponseWriter, r *http.Request) {
	names := s.deps.Providers.List()
	out := make([]gateway.ProviderDescriptor, 0, len(names))
	for _, name := range names {
		p, err := s.deps.Providers.Get(name)
		if err != nil {
			continue
		}
		out = append(out, p.Describe())
	}
	writeJSON(w, http.StatusOK, modelsResponse{Providers: out})
}
