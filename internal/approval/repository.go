package approval

import (
	"context"
	"time"
)

// ExecutionResult is what gets recorded after the executor ran (or
// failed to run) an approved command.
type ExecutionResult struct {
	ExecutedAt time.Time
	ExitCode   *int
	Output     string
	Error      string
}

// Repository persists approval requests. Implementations must make
// Resolve atomic: with N concurrent resolvers of the same pending
// request exactly one succeeds and the rest observe StateConflict (or
// Expired). Reads lazily expire requests whose TTL elapsed.
type Repository interface {
	Create(ctx context.Context, req *Request) error

	// Get returns the request, flipping it to Expired first when the TTL
	// elapsed while it was still Pending.
	Get(ctx context.Context, id string) (*Request, error)

	// ListPending returns pending, unexpired requests in creation order,
	// optionally filtered by session. Expired stragglers are flipped, not
	// returned.
	ListPending(ctx context.Context, sessionID string) ([]*Request, error)

	// Resolve transitions Pending → Approved or Denied. actor is stored as
	// approved_by for both outcomes; reason only applies to denials.
	// Returns NotFound for unknown ids, FailedPrecondition when already
	// resolved, DeadlineExceeded when expired.
	Resolve(ctx context.Context, id string, status Status, actor, reason string) (*Request, error)

	// RecordExecution writes the execution fields exactly once for an
	// Approved request. A second call returns FailedPrecondition.
	RecordExecution(ctx context.Context, id string, res ExecutionResult) error

	// ExpireOverdue flips every Pending request past its TTL to Expired
	// and returns the ids it touched.
	ExpireOverdue(ctx context.Context) ([]string, error)
}
