package rule

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/mirahq/cmdgate/internal/eventbus"
	"github.com/mirahq/cmdgate/pkg/cerr"
)

// Server exposes rule and blocklist management over JSON. Writes refresh
// the matcher snapshot before responding, so the next authorization sees
// the change.
type Server struct {
	repo     Repository
	provider *Provider
	bus      *eventbus.Bus
}

func NewServer(repo Repository, provider *Provider, bus *eventbus.Bus) *Server {
	return &Server{repo: repo, provider: provider, bus: bus}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Get("/rules", s.handleListRules)
	r.Post("/rules", s.handleCreateRule)
	r.Delete("/rules/{id}", s.handleDeleteRule)
	r.Post("/rules/{id}/toggle", s.handleToggleRule)
	r.Post("/rules/{id}/approval", s.handleSetRuleApproval)

	r.Get("/blocklist", s.handleListBlocklist)
	r.Post("/blocklist", s.handleCreateBlocklistEntry)
	r.Delete("/blocklist/{id}", s.handleDeleteBlocklistEntry)
	r.Post("/blocklist/{id}/toggle", s.handleToggleBlocklistEntry)
}

type createRuleRequest struct {
	Name             string    `json:"name"`
	Description      string    `json:"description"`
	Match            MatchSpec `json:"match"`
	RequiresApproval bool      `json:"requires_approval"`
	CreatedBy        string    `json:"created_by"`
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}

	pr := &PermissionRule{
		ID:               ulid.Make().String(),
		Name:             req.Name,
		Description:      req.Description,
		Match:            req.Match,
		RequiresApproval: req.RequiresApproval,
		Enabled:          true,
		CreatedBy:        req.CreatedBy,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.repo.CreateRule(ctx, pr); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	s.refresh(r, pr.ID)
	cerr.SetJSONResponseStatus(ctx, http.StatusCreated, pr)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rules, err := s.repo.ListRules(ctx)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if rules == nil {
		rules = []*PermissionRule{}
	}
	cerr.SetJSONResponse(ctx, map[string]any{"rules": rules})
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if err := s.repo.DeleteRule(ctx, id); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	s.refresh(r, id)
	cerr.SetJSONResponse(ctx, map[string]any{"deleted": true})
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleToggleRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.repo.SetRuleEnabled(ctx, id, req.Enabled); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	s.refresh(r, id)
	pr, err := s.repo.GetRule(ctx, id)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, pr)
}

type setApprovalRequest struct {
	RequiresApproval bool `json:"requires_approval"`
}

func (s *Server) handleSetRuleApproval(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req setApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.repo.SetRuleRequiresApproval(ctx, id, req.RequiresApproval); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	s.refresh(r, id)
	pr, err := s.repo.GetRule(ctx, id)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, pr)
}

type createBlocklistEntryRequest struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Match       MatchSpec `json:"match"`
	Severity    Severity  `json:"severity"`
}

func (s *Server) handleCreateBlocklistEntry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createBlocklistEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}

	e := &BlocklistEntry{
		ID:          ulid.Make().String(),
		Name:        req.Name,
		Description: req.Description,
		Match:       req.Match,
		Severity:    req.Severity,
		Enabled:     true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.repo.CreateBlocklistEntry(ctx, e); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	s.refresh(r, e.ID)
	cerr.SetJSONResponseStatus(ctx, http.StatusCreated, e)
}

func (s *Server) handleListBlocklist(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entries, err := s.repo.ListBlocklistEntries(ctx)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if entries == nil {
		entries = []*BlocklistEntry{}
	}
	cerr.SetJSONResponse(ctx, map[string]any{"entries": entries})
}

func (s *Server) handleDeleteBlocklistEntry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if err := s.repo.DeleteBlocklistEntry(ctx, id); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	s.refresh(r, id)
	cerr.SetJSONResponse(ctx, map[string]any{"deleted": true})
}

func (s *Server) handleToggleBlocklistEntry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.repo.SetBlocklistEntryEnabled(ctx, id, req.Enabled); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	s.refresh(r, id)
	e, err := s.repo.GetBlocklistEntry(ctx, id)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, e)
}

func (s *Server) refresh(r *http.Request, resourceID string) {
	if s.provider != nil {
		// Best effort; the interval refresher catches up otherwise.
		_, _ = s.provider.Refresh(r.Context())
	}
	if s.bus != nil {
		s.bus.PublishNew(eventbus.EventTypeRuleUpdated, resourceID, nil)
	}
}
