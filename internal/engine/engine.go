// Package engine orchestrates authorization: it sequences the matcher,
// rule counters, the approval workflow and the audit log so every
// decision leaves a trace before the caller sees an outcome.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mirahq/cmdgate/internal/approval"
	"github.com/mirahq/cmdgate/internal/audit"
	"github.com/mirahq/cmdgate/internal/eventbus"
	"github.com/mirahq/cmdgate/internal/matcher"
	"github.com/mirahq/cmdgate/internal/rule"
	"github.com/mirahq/cmdgate/pkg/cerr"
	"github.com/mirahq/cmdgate/pkg/clog"
)

// UnmatchedPolicy decides commands no rule or blocklist entry matched.
type UnmatchedPolicy string

const (
	// UnmatchedDeny audits the attempt as denied and rejects it.
	UnmatchedDeny UnmatchedPolicy = "deny"
	// UnmatchedApproval routes the command through the approval workflow.
	UnmatchedApproval UnmatchedPolicy = "approval"
)

type OutcomeKind string

const (
	OutcomeAllowed         OutcomeKind = "allowed"
	OutcomePendingApproval OutcomeKind = "pending_approval"
	OutcomeBlocked         OutcomeKind = "blocked"
	OutcomeDenied          OutcomeKind = "denied"
)

// Outcome is the authorization verdict returned to the upstream caller.
// Blocked and denied verdicts are data, not errors: the caller must not
// retry the same command through the engine.
type Outcome struct {
	Kind      OutcomeKind `json:"kind"`
	AuditID   string      `json:"audit_id,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty"`
	Reason    string      `json:"reason,omitempty"`

	// Execution reflects the auto-allowed run, when one happened.
	Execution *Result `json:"execution,omitempty"`
}

// Request is what the upstream agent submits.
type Request struct {
	Command     string `json:"command"`
	WorkingDir  string `json:"working_dir"`
	OperationID string `json:"operation_id"`
	SessionID   string `json:"session_id"`
	RequestedBy string `json:"requested_by"`
	Reason      string `json:"reason"`
}

type Config struct {
	ApprovalTTL     time.Duration
	UnmatchedPolicy UnmatchedPolicy
}

type Engine struct {
	rules     rule.Repository
	snapshots *rule.Provider
	approvals approval.Repository
	auditLog  audit.Repository
	executor  Executor
	bus       *eventbus.Bus
	cfg       Config
}

func New(
	rules rule.Repository,
	snapshots *rule.Provider,
	approvals approval.Repository,
	auditLog audit.Repository,
	executor Executor,
	bus *eventbus.Bus,
	cfg Config,
) *Engine {
	return &Engine{
		rules:     rules,
		snapshots: snapshots,
		approvals: approvals,
		auditLog:  auditLog,
		executor:  executor,
		bus:       bus,
		cfg:       cfg,
	}
}

// Authorize classifies the command and drives it to an outcome. The
// audit or approval record is written before the outcome is returned, so
// a caller never holds a verdict the log does not know about.
func (e *Engine) Authorize(ctx context.Context, req Request) (*Outcome, error) {
	if req.Command == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "command must not be empty", nil)
	}
	clog.AddAttributes(ctx, map[string]any{
		"session_id":   req.SessionID,
		"operation_id": req.OperationID,
	})

	snap, err := e.snapshots.Current(ctx)
	if err != nil {
		return nil, err
	}

	decision := matcher.Classify(req.Command, snap)
	switch decision.Kind {
	case matcher.DecisionBlocked:
		return e.handleBlocked(ctx, req, decision.Entry)
	case matcher.DecisionAutoAllowed:
		return e.handleAutoAllowed(ctx, req, decision.Rule)
	case matcher.DecisionNeedsApproval:
		return e.handleNeedsApproval(ctx, req, decision.Rule)
	default:
		if e.cfg.UnmatchedPolicy == UnmatchedApproval {
			return e.handleNeedsApproval(ctx, req, nil)
		}
		return e.handleUnmatchedDenied(ctx, req)
	}
}

func (e *Engine) handleBlocked(ctx context.Context, req Request, entry *rule.BlocklistEntry) (*Outcome, error) {
	auditID, err := e.record(ctx, &audit.Entry{
		Command:           req.Command,
		WorkingDir:        req.WorkingDir,
		OperationID:       req.OperationID,
		SessionID:         req.SessionID,
		RequestedBy:       req.RequestedBy,
		AuthorizationType: audit.AuthorizationBlocked,
		BlocklistEntryID:  entry.ID,
		ErrorMessage:      fmt.Sprintf("blocked: %s", entry.Name),
	})
	if err != nil {
		return nil, err
	}

	slog.WarnContext(ctx, "command blocked", "entry", entry.Name, "severity", entry.Severity)
	e.bus.PublishNew(eventbus.EventTypeCommandBlocked, auditID, map[string]string{
		"entry":    entry.Name,
		"severity": string(entry.Severity),
	})

	return &Outcome{
		Kind:    OutcomeBlocked,
		AuditID: auditID,
		Reason:  entry.Name,
	}, nil
}

func (e *Engine) handleAutoAllowed(ctx context.Context, req Request, r *rule.PermissionRule) (*Outcome, error) {
	if err := e.rules.IncrementRuleUsage(ctx, r.ID); err != nil {
		return nil, err
	}

	res, runErr := e.executor.Run(ctx, req.Command, req.WorkingDir)

	// The command already ran; its audit entry must survive request
	// teardown.
	ctx = context.WithoutCancel(ctx)

	entry := &audit.Entry{
		Command:           req.Command,
		WorkingDir:        req.WorkingDir,
		OperationID:       req.OperationID,
		SessionID:         req.SessionID,
		RequestedBy:       req.RequestedBy,
		AuthorizationType: audit.AuthorizationWhitelist,
		RuleID:            r.ID,
	}
	applyResult(entry, res, runErr)

	auditID, err := e.record(ctx, entry)
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "command auto-allowed", "rule", r.Name, "exit_code", entry.ExitCode)
	return &Outcome{
		Kind:      OutcomeAllowed,
		AuditID:   auditID,
		Execution: res,
	}, nil
}

func (e *Engine) handleNeedsApproval(ctx context.Context, req Request, r *rule.PermissionRule) (*Outcome, error) {
	var ruleID string
	if r != nil {
		if err := e.rules.IncrementRuleUsage(ctx, r.ID); err != nil {
			return nil, err
		}
		ruleID = r.ID
	}

	now := time.Now().UTC()
	areq := &approval.Request{
		ID:          ulid.Make().String(),
		Command:     req.Command,
		WorkingDir:  req.WorkingDir,
		OperationID: req.OperationID,
		SessionID:   req.SessionID,
		RequestedBy: req.RequestedBy,
		Reason:      req.Reason,
		RuleID:      ruleID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(e.cfg.ApprovalTTL),
	}
	if err := e.approvals.Create(ctx, areq); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "approval requested", "request_id", areq.ID, "expires_at", areq.ExpiresAt)
	e.bus.PublishNew(eventbus.EventTypeApprovalCreated, areq.ID, map[string]string{
		"command":    areq.Command,
		"session_id": areq.SessionID,
	})

	expiresAt := areq.ExpiresAt
	return &Outcome{
		Kind:      OutcomePendingApproval,
		RequestID: areq.ID,
		ExpiresAt: &expiresAt,
	}, nil
}

func (e *Engine) handleUnmatchedDenied(ctx context.Context, req Request) (*Outcome, error) {
	auditID, err := e.record(ctx, &audit.Entry{
		Command:           req.Command,
		WorkingDir:        req.WorkingDir,
		OperationID:       req.OperationID,
		SessionID:         req.SessionID,
		RequestedBy:       req.RequestedBy,
		AuthorizationType: audit.AuthorizationDenied,
		ErrorMessage:      "no matching rule",
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "command denied: no matching rule")
	return &Outcome{
		Kind:    OutcomeDenied,
		AuditID: auditID,
		Reason:  "no matching rule",
	}, nil
}

// Approve resolves a pending request and dispatches the executor. An
// executor failure lands in the execution/audit fields, never in the
// response: the approval itself succeeded.
func (e *Engine) Approve(ctx context.Context, id, approvedBy string) (*approval.Request, error) {
	req, err := e.approvals.Resolve(ctx, id, approval.StatusApproved, approvedBy, "")
	if err != nil {
		return nil, err
	}

	e.bus.PublishNew(eventbus.EventTypeApprovalResolved, req.ID, map[string]string{
		"status": string(req.Status),
		"actor":  approvedBy,
	})

	res, runErr := e.executor.Run(ctx, req.Command, req.WorkingDir)

	// The resolution is durable and the command has run; the write-back
	// and audit entry must not be lost to a canceled approve request.
	ctx = context.WithoutCancel(ctx)

	execResult := approval.ExecutionResult{ExecutedAt: time.Now().UTC()}
	if res != nil {
		execResult.ExecutedAt = res.FinishedAt
		code := res.ExitCode
		execResult.ExitCode = &code
		execResult.Output = combineOutput(res.Stdout, res.Stderr)
	}
	if runErr != nil {
		execResult.Error = runErr.Error()
	}
	if err := e.approvals.RecordExecution(ctx, req.ID, execResult); err != nil {
		return nil, err
	}

	entry := &audit.Entry{
		Command:           req.Command,
		WorkingDir:        req.WorkingDir,
		OperationID:       req.OperationID,
		SessionID:         req.SessionID,
		RequestedBy:       req.RequestedBy,
		AuthorizationType: audit.AuthorizationApproval,
		RuleID:            req.RuleID,
		RequestID:         req.ID,
	}
	applyResult(entry, res, runErr)
	if _, err := e.record(ctx, entry); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "approval executed",
		"request_id", req.ID, "approved_by", approvedBy, "success", entry.Success)
	return e.approvals.Get(ctx, req.ID)
}

// Deny resolves a pending request without execution.
func (e *Engine) Deny(ctx context.Context, id, deniedBy, reason string) (*approval.Request, error) {
	req, err := e.approvals.Resolve(ctx, id, approval.StatusDenied, deniedBy, reason)
	if err != nil {
		return nil, err
	}

	e.bus.PublishNew(eventbus.EventTypeApprovalResolved, req.ID, map[string]string{
		"status": string(req.Status),
		"actor":  deniedBy,
	})

	if _, err := e.record(ctx, &audit.Entry{
		Command:           req.Command,
		WorkingDir:        req.WorkingDir,
		OperationID:       req.OperationID,
		SessionID:         req.SessionID,
		RequestedBy:       req.RequestedBy,
		AuthorizationType: audit.AuthorizationDenied,
		RuleID:            req.RuleID,
		RequestID:         req.ID,
		ErrorMessage:      reason,
	}); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "approval denied", "request_id", req.ID, "denied_by", deniedBy)
	return req, nil
}

func (e *Engine) record(ctx context.Context, entry *audit.Entry) (string, error) {
	entry.ID = ulid.Make().String()
	entry.CreatedAt = time.Now().UTC()
	if err := e.auditLog.Record(ctx, entry); err != nil {
		return "", err
	}
	return entry.ID, nil
}

func applyResult(entry *audit.Entry, res *Result, runErr error) {
	if res != nil {
		started := res.StartedAt
		finished := res.FinishedAt
		code := res.ExitCode
		entry.StartedAt = &started
		entry.FinishedAt = &finished
		entry.ExitCode = &code
		entry.Stdout = res.Stdout
		entry.Stderr = res.Stderr
		entry.Success = runErr == nil && res.ExitCode == 0
	}
	if runErr != nil {
		entry.Success = false
		entry.ErrorMessage = runErr.Error()
	}
}

func combineOutput(stdout, stderr string) string {
	switch {
	case stdout != "" && stderr != "":
		return stdout + "\n" + stderr
	case stderr != "":
		return stderr
	default:
		return stdout
	}
}
