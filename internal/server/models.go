package server

import (
	"net/http"
	"time"

	gateway "github.com/eugener/gandalf/internal"
)

// handleListModels returns the models available through the caller's bound
// provider type, in OpenAI's model-list format.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	sk := gateway.ServiceKeyFromContext(r.Context())
	if sk == nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse("unauthorized", "unauthorized"))
		return
	}
	p, err := s.deps.Providers.Get(sk.ProviderTypeID)
	if err != nil {
		writeUpstreamError(w, gateway.ErrNoUpstreamAvailable)
		return
	}
	models, err := p.ListModels(r.Context())
	if err != nil {
		writeUpstreamError(w, err)
		return
	}

	now := time.Now().Unix()
	data := make([]modelEntry, len(models))
	for i, m := range models {
		data[i] = modelEntry{
			ID:      m,
			Object:  "model",
			Created: now,
			OwnedBy: sk.ProviderTypeID,
		}
	}

	writeJSON(w, http.StatusOK, modelListResponse{
		Object: "list",
		Data:   data,
	})
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}
