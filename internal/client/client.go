// Package client is the JSON HTTP client the operator CLI uses to talk
// to the gate server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mirahq/cmdgate/internal/approval"
	"github.com/mirahq/cmdgate/internal/audit"
	"github.com/mirahq/cmdgate/internal/engine"
	"github.com/mirahq/cmdgate/internal/rule"
	"github.com/mirahq/cmdgate/pkg/cerr"
)

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		http:    http.DefaultClient,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		data, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(data, &apiErr); err != nil || apiErr.Message == "" {
			return fmt.Errorf("server returned %s", resp.Status)
		}
		return cerr.NewError(codeFromString(apiErr.Code), apiErr.Message, nil)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func codeFromString(s string) cerr.Code {
	for c := cerr.OK; c <= cerr.Unauthenticated; c++ {
		if c.String() == s {
			return c
		}
	}
	return cerr.Unknown
}

func (c *Client) Authorize(ctx context.Context, req engine.Request) (*engine.Outcome, error) {
	var out engine.Outcome
	if err := c.do(ctx, http.MethodPost, "/api/authorize", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PendingRequest is a pending approval with its remaining TTL.
type PendingRequest struct {
	approval.Request
	RemainingSeconds int64 `json:"remaining_seconds"`
}

func (c *Client) ListPending(ctx context.Context, sessionID string) ([]*PendingRequest, error) {
	path := "/api/approvals/pending"
	if sessionID != "" {
		path += "?session_id=" + sessionID
	}
	var out struct {
		Requests []*PendingRequest `json:"requests"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Requests, nil
}

func (c *Client) GetApproval(ctx context.Context, id string) (*approval.Request, error) {
	var out approval.Request
	if err := c.do(ctx, http.MethodGet, "/api/approvals/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Approve(ctx context.Context, id, approvedBy string) (*approval.Request, error) {
	var out approval.Request
	body := map[string]string{"approved_by": approvedBy}
	if err := c.do(ctx, http.MethodPost, "/api/approvals/"+id+"/approve", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Deny(ctx context.Context, id, deniedBy, reason string) (*approval.Request, error) {
	var out approval.Request
	body := map[string]string{"denied_by": deniedBy, "reason": reason}
	if err := c.do(ctx, http.MethodPost, "/api/approvals/"+id+"/deny", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListRules(ctx context.Context) ([]*rule.PermissionRule, error) {
	var out struct {
		Rules []*rule.PermissionRule `json:"rules"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/rules", nil, &out); err != nil {
		return nil, err
	}
	return out.Rules, nil
}

type CreateRuleRequest struct {
	Name             string         `json:"name"`
	Description      string         `json:"description"`
	Match            rule.MatchSpec `json:"match"`
	RequiresApproval bool           `json:"requires_approval"`
	CreatedBy        string         `json:"created_by"`
}

func (c *Client) CreateRule(ctx context.Context, req CreateRuleRequest) (*rule.PermissionRule, error) {
	var out rule.PermissionRule
	if err := c.do(ctx, http.MethodPost, "/api/rules", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ToggleRule(ctx context.Context, id string, enabled bool) (*rule.PermissionRule, error) {
	var out rule.PermissionRule
	body := map[string]bool{"enabled": enabled}
	if err := c.do(ctx, http.MethodPost, "/api/rules/"+id+"/toggle", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteRule(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/rules/"+id, nil, nil)
}

func (c *Client) ListBlocklist(ctx context.Context) ([]*rule.BlocklistEntry, error) {
	var out struct {
		Entries []*rule.BlocklistEntry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/blocklist", nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

type CreateBlocklistEntryRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Match       rule.MatchSpec `json:"match"`
	Severity    rule.Severity  `json:"severity"`
}

func (c *Client) CreateBlocklistEntry(ctx context.Context, req CreateBlocklistEntryRequest) (*rule.BlocklistEntry, error) {
	var out rule.BlocklistEntry
	if err := c.do(ctx, http.MethodPost, "/api/blocklist", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ToggleBlocklistEntry(ctx context.Context, id string, enabled bool) (*rule.BlocklistEntry, error) {
	var out rule.BlocklistEntry
	body := map[string]bool{"enabled": enabled}
	if err := c.do(ctx, http.MethodPost, "/api/blocklist/"+id+"/toggle", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListAudit(ctx context.Context, query string) ([]*audit.Entry, error) {
	path := "/api/audit"
	if query != "" {
		path += "?" + query
	}
	var out struct {
		Entries []*audit.Entry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}
