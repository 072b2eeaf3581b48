package engine

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mirahq/cmdgate/pkg/cerr"
)

// Server exposes the authorization entry point the upstream agent calls.
type Server struct {
	engine *Engine
}

func NewServer(e *Engine) *Server {
	return &Server{engine: e}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Post("/authorize", s.handleAuthorize)
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}

	out, err := s.engine.Authorize(ctx, req)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, out)
}
