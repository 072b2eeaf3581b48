package repositoryimpl

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mirahq/cmdgate/internal/approval"
	"github.com/mirahq/cmdgate/pkg/cerr"
)

// SQLiteRepository stores approval requests in SQLite. All state
// transitions are conditional UPDATEs guarded on the current status, so
// concurrent resolvers race on the database row, not on process memory:
// exactly one wins, the rest read the row back and report why they lost.
type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(db *sql.DB) (*SQLiteRepository, error) {
	r := &SQLiteRepository{db: db}
	if err := r.migrate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *SQLiteRepository) migrate() error {
	_, err := r.db.Exec(`
CREATE TABLE IF NOT EXISTS approval_requests (
  id TEXT PRIMARY KEY,
  command TEXT NOT NULL,
  working_dir TEXT NOT NULL DEFAULT '',
  operation_id TEXT NOT NULL DEFAULT '',
  session_id TEXT NOT NULL DEFAULT '',
  requested_by TEXT NOT NULL DEFAULT '',
  reason TEXT NOT NULL DEFAULT '',
  rule_id TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  created_at_unix INTEGER NOT NULL,
  expires_at_unix INTEGER NOT NULL,
  responded_at_unix INTEGER,
  approved_by TEXT NOT NULL DEFAULT '',
  denial_reason TEXT NOT NULL DEFAULT '',
  executed_at_unix INTEGER,
  exit_code INTEGER,
  output TEXT NOT NULL DEFAULT '',
  error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_approval_requests_status ON approval_requests(status);
CREATE INDEX IF NOT EXISTS idx_approval_requests_session ON approval_requests(session_id);
`)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to migrate approval_requests: %w", err))
	}
	return nil
}

const requestColumns = `
  id, command, working_dir, operation_id, session_id, requested_by, reason, rule_id,
  status, created_at_unix, expires_at_unix, responded_at_unix, approved_by, denial_reason,
  executed_at_unix, exit_code, output, error`

func (r *SQLiteRepository) Create(ctx context.Context, req *approval.Request) error {
	if req.ID == "" {
		return cerr.NewError(cerr.InvalidArgument, "approval request id must not be empty", nil)
	}
	if req.Command == "" {
		return cerr.NewError(cerr.InvalidArgument, "approval request command must not be empty", nil)
	}
	if !req.ExpiresAt.After(req.CreatedAt) {
		return cerr.NewError(cerr.InvalidArgument, "approval request must expire after creation", nil)
	}
	req.Status = approval.StatusPending

	_, err := r.db.ExecContext(ctx, `
INSERT INTO approval_requests (`+requestColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, '', '', NULL, NULL, '', '')
`, req.ID, req.Command, req.WorkingDir, req.OperationID, req.SessionID, req.RequestedBy,
		req.Reason, req.RuleID, string(req.Status), req.CreatedAt.Unix(), req.ExpiresAt.Unix())
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to insert approval request: %w", err))
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*approval.Request, error) {
	if err := r.expireOne(ctx, id, time.Now().UTC()); err != nil {
		return nil, err
	}
	return r.read(ctx, id)
}

func (r *SQLiteRepository) ListPending(ctx context.Context, sessionID string) ([]*approval.Request, error) {
	now := time.Now().UTC()
	if _, err := r.expireOverdueAt(ctx, now); err != nil {
		return nil, err
	}

	query := `SELECT ` + requestColumns + ` FROM approval_requests WHERE status = ?`
	args := []any{string(approval.StatusPending)}
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at_unix ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to list pending approvals: %w", err))
	}
	defer rows.Close()

	var reqs []*approval.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to iterate pending approvals: %w", err))
	}
	return reqs, nil
}

func (r *SQLiteRepository) Resolve(ctx context.Context, id string, status approval.Status, actor, reason string) (*approval.Request, error) {
	switch status {
	case approval.StatusApproved, approval.StatusDenied:
	default:
		return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("cannot resolve to status %q", status), nil)
	}
	if status == approval.StatusApproved {
		reason = ""
	}

	now := time.Now().UTC()

	// Flip an overdue pending row first so the losing reason is Expired,
	// not StateConflict.
	if err := r.expireOne(ctx, id, now); err != nil {
		return nil, err
	}

	res, err := r.db.ExecContext(ctx, `
UPDATE approval_requests
SET status = ?, approved_by = ?, denial_reason = ?, responded_at_unix = ?
WHERE id = ? AND status = ? AND expires_at_unix > ?
`, string(status), actor, reason, now.Unix(), id, string(approval.StatusPending), now.Unix())
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to resolve approval request: %w", err))
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to read rows affected: %w", err))
	}
	if affected == 0 {
		// Lost the race or the id is wrong; the row tells us which.
		current, err := r.read(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.Status == approval.StatusExpired {
			return nil, cerr.NewError(cerr.DeadlineExceeded, "approval request has expired", nil)
		}
		return nil, cerr.NewError(cerr.FailedPrecondition,
			fmt.Sprintf("approval request already resolved (%s)", current.Status), nil)
	}

	return r.read(ctx, id)
}

func (r *SQLiteRepository) RecordExecution(ctx context.Context, id string, res approval.ExecutionResult) error {
	var exitCode any
	if res.ExitCode != nil {
		exitCode = *res.ExitCode
	}

	out, err := r.db.ExecContext(ctx, `
UPDATE approval_requests
SET executed_at_unix = ?, exit_code = ?, output = ?, error = ?
WHERE id = ? AND status = ? AND executed_at_unix IS NULL
`, res.ExecutedAt.Unix(), exitCode, res.Output, res.Error, id, string(approval.StatusApproved))
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to record execution: %w", err))
	}

	affected, err := out.RowsAffected()
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to read rows affected: %w", err))
	}
	if affected == 0 {
		current, err := r.read(ctx, id)
		if err != nil {
			return err
		}
		if current.Status != approval.StatusApproved {
			return cerr.NewError(cerr.FailedPrecondition,
				fmt.Sprintf("cannot record execution on %s request", current.Status), nil)
		}
		return cerr.NewError(cerr.FailedPrecondition, "execution already recorded", nil)
	}
	return nil
}

func (r *SQLiteRepository) ExpireOverdue(ctx context.Context) ([]string, error) {
	return r.expireOverdueAt(ctx, time.Now().UTC())
}

func (r *SQLiteRepository) expireOverdueAt(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
UPDATE approval_requests
SET status = ?, responded_at_unix = ?
WHERE status = ? AND expires_at_unix <= ?
RETURNING id
`, string(approval.StatusExpired), now.Unix(), string(approval.StatusPending), now.Unix())
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to expire overdue approvals: %w", err))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to scan expired id: %w", err))
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to iterate expired ids: %w", err))
	}
	return ids, nil
}

func (r *SQLiteRepository) expireOne(ctx context.Context, id string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE approval_requests
SET status = ?, responded_at_unix = ?
WHERE id = ? AND status = ? AND expires_at_unix <= ?
`, string(approval.StatusExpired), now.Unix(), id, string(approval.StatusPending), now.Unix())
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to lazily expire approval request: %w", err))
	}
	return nil
}

func (r *SQLiteRepository) read(ctx context.Context, id string) (*approval.Request, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM approval_requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if cerr.IsCode(err, cerr.NotFound) {
		return nil, cerr.NewError(cerr.NotFound, "approval request not found", nil)
	}
	return req, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*approval.Request, error) {
	var (
		req             approval.Request
		status          string
		createdAtUnix   int64
		expiresAtUnix   int64
		respondedAtUnix sql.NullInt64
		executedAtUnix  sql.NullInt64
		exitCode        sql.NullInt64
	)
	err := row.Scan(
		&req.ID, &req.Command, &req.WorkingDir, &req.OperationID, &req.SessionID,
		&req.RequestedBy, &req.Reason, &req.RuleID,
		&status, &createdAtUnix, &expiresAtUnix, &respondedAtUnix, &req.ApprovedBy, &req.DenialReason,
		&executedAtUnix, &exitCode, &req.Output, &req.Error,
	)
	if err == sql.ErrNoRows {
		return nil, cerr.NewError(cerr.NotFound, "approval request not found", nil)
	}
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to scan approval request: %w", err))
	}

	req.Status = approval.Status(status)
	req.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
	req.ExpiresAt = time.Unix(expiresAtUnix, 0).UTC()
	if respondedAtUnix.Valid {
		t := time.Unix(respondedAtUnix.Int64, 0).UTC()
		req.RespondedAt = &t
	}
	if executedAtUnix.Valid {
		t := time.Unix(executedAtUnix.Int64, 0).UTC()
		req.ExecutedAt = &t
	}
	if exitCode.Valid {
		c := int(exitCode.Int64)
		req.ExitCode = &c
	}
	return &req, nil
}
