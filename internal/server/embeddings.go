package server

import (
	"net/http"

	gateway "github.com/eugener/gandalf/internal"
)

// handleEmbeddings decodes an embedding request and forwards it through the
// caller's ServiceKey pool.
func (s *server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req gateway.EmbeddingRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}

	sk := gateway.ServiceKeyFromContext(r.Context())
	s.emitAdmitted(r, sk, req.Model)

	resp, attempts, err := s.deps.Forwarder.Embeddings(r.Context(), sk, &req)
	if err != nil {
		s.emitTraceFailure(r, sk, req.Model, attempts, err)
		writeUpstreamError(w, err)
		return
	}

	s.emitTrace(r, sk, req.Model, http.StatusOK, resp.Usage, attempts)
	writeJSON(w, http.StatusOK, resp)
}
