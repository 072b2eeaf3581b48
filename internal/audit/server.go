package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mirahq/cmdgate/pkg/cerr"
)

// Server exposes read access to the audit log. There are deliberately no
// write routes.
type Server struct {
	repo Repository
}

func NewServer(repo Repository) *Server {
	return &Server{repo: repo}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Get("/audit", s.handleList)
}

const defaultListLimit = 100

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	f := Filter{
		SessionID:         q.Get("session_id"),
		OperationID:       q.Get("operation_id"),
		AuthorizationType: AuthorizationType(q.Get("type")),
		Limit:             defaultListLimit,
	}
	if f.AuthorizationType != "" && !f.AuthorizationType.Valid() {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid authorization type filter", nil)
		return
	}
	if v := q.Get("success"); v != "" {
		success, err := strconv.ParseBool(v)
		if err != nil {
			cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid success filter", err)
			return
		}
		f.Success = &success
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid since timestamp", err)
			return
		}
		f.Since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid until timestamp", err)
			return
		}
		f.Until = t
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid limit", err)
			return
		}
		f.Limit = limit
	}

	entries, err := s.repo.List(ctx, f)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	cerr.SetJSONResponse(ctx, map[string]any{"entries": entries})
}
