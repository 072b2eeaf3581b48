package approval

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mirahq/cmdgate/pkg/cerr"
)

// Resolver is the part of the engine the approval handlers need:
// resolution with execution side effects lives there, not here.
type Resolver interface {
	Approve(ctx context.Context, id, approvedBy string) (*Request, error)
	Deny(ctx context.Context, id, deniedBy, reason string) (*Request, error)
}

// Server exposes the approval workflow over JSON.
type Server struct {
	repo     Repository
	resolver Resolver
}

func NewServer(repo Repository, resolver Resolver) *Server {
	return &Server{repo: repo, resolver: resolver}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Get("/approvals/pending", s.handleListPending)
	r.Get("/approvals/{id}", s.handleGet)
	r.Post("/approvals/{id}/approve", s.handleApprove)
	r.Post("/approvals/{id}/deny", s.handleDeny)
}

type pendingItem struct {
	*Request
	RemainingSeconds int64 `json:"remaining_seconds"`
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqs, err := s.repo.ListPending(ctx, r.URL.Query().Get("session_id"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}

	now := time.Now().UTC()
	items := make([]pendingItem, 0, len(reqs))
	for _, req := range reqs {
		items = append(items, pendingItem{
			Request:          req,
			RemainingSeconds: int64(req.RemainingTTL(now).Seconds()),
		})
	}
	cerr.SetJSONResponse(ctx, map[string]any{"requests": items})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := s.repo.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, req)
}

type approveRequest struct {
	ApprovedBy string `json:"approved_by"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body approveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}
	if body.ApprovedBy == "" {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "approved_by must not be empty", nil)
		return
	}

	req, err := s.resolver.Approve(ctx, chi.URLParam(r, "id"), body.ApprovedBy)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, req)
}

type denyRequest struct {
	DeniedBy string `json:"denied_by"`
	Reason   string `json:"reason"`
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body denyRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}
	if body.DeniedBy == "" {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "denied_by must not be empty", nil)
		return
	}

	req, err := s.resolver.Deny(ctx, chi.URLParam(r, "id"), body.DeniedBy, body.Reason)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, req)
}
