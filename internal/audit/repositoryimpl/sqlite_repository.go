package repositoryimpl

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mirahq/cmdgate/internal/audit"
	"github.com/mirahq/cmdgate/pkg/cerr"
)

// SQLiteRepository is the append-only audit store. Only INSERT and
// SELECT statements exist here.
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
CREATE TABLE IF NOT EXISTS audit_log (
  id TEXT PRIMARY KEY,
  command TEXT NOT NULL,
  working_dir TEXT NOT NULL DEFAULT '',
  operation_id TEXT NOT NULL DEFAULT '',
  session_id TEXT NOT NULL DEFAULT '',
  requested_by TEXT NOT NULL DEFAULT '',
  authorization_type TEXT NOT NULL,
  rule_id TEXT NOT NULL DEFAULT '',
  blocklist_entry_id TEXT NOT NULL DEFAULT '',
  request_id TEXT NOT NULL DEFAULT '',
  started_at_unix INTEGER,
  finished_at_unix INTEGER,
  success INTEGER NOT NULL DEFAULT 0,
  exit_code INTEGER,
  stdout TEXT NOT NULL DEFAULT '',
  stderr TEXT NOT NULL DEFAULT '',
  error_message TEXT NOT NULL DEFAULT '',
  created_at_unix INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_session ON audit_log(session_id);
CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at_unix);
`)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to migrate audit_log: %w", err))
	}
	return nil
}

func (r *SQLiteRepository) Record(ctx context.Context, e *audit.Entry) error {
	if e.ID == "" {
		return cerr.NewError(cerr.InvalidArgument, "audit entry id must not be empty", nil)
	}
	if !e.AuthorizationType.Valid() {
		return cerr.NewError(cerr.InvalidArgument,
			fmt.Sprintf("invalid authorization type %q", e.AuthorizationType), nil)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	var exitCode any
	if e.ExitCode != nil {
		exitCode = *e.ExitCode
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO audit_log (
  id, command, working_dir, operation_id, session_id, requested_by,
  authorization_type, rule_id, blocklist_entry_id, request_id,
  started_at_unix, finished_at_unix, success, exit_code, stdout, stderr, error_message,
  created_at_unix
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, e.ID, e.Command, e.WorkingDir, e.OperationID, e.SessionID, e.RequestedBy,
		string(e.AuthorizationType), e.RuleID, e.BlocklistEntryID, e.RequestID,
		nullTimeUnix(e.StartedAt), nullTimeUnix(e.FinishedAt), boolToInt(e.Success),
		exitCode, e.Stdout, e.Stderr, e.ErrorMessage,
		e.CreatedAt.Unix())
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to insert audit entry: %w", err))
	}
	return nil
}

func (r *SQLiteRepository) List(ctx context.Context, f audit.Filter) ([]*audit.Entry, error) {
	query := `
SELECT
  id, command, working_dir, operation_id, session_id, requested_by,
  authorization_type, rule_id, blocklist_entry_id, request_id,
  started_at_unix, finished_at_unix, success, exit_code, stdout, stderr, error_message,
  created_at_unix
FROM audit_log
WHERE 1=1`
	var args []any

	if f.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, f.SessionID)
	}
	if f.OperationID != "" {
		query += ` AND operation_id = ?`
		args = append(args, f.OperationID)
	}
	if f.AuthorizationType != "" {
		query += ` AND authorization_type = ?`
		args = append(args, string(f.AuthorizationType))
	}
	if f.Success != nil {
		query += ` AND success = ?`
		args = append(args, boolToInt(*f.Success))
	}
	if !f.Since.IsZero() {
		query += ` AND created_at_unix >= ?`
		args = append(args, f.Since.Unix())
	}
	if !f.Until.IsZero() {
		query += ` AND created_at_unix <= ?`
		args = append(args, f.Until.Unix())
	}

	query += ` ORDER BY created_at_unix DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to list audit entries: %w", err))
	}
	defer rows.Close()

	var entries []*audit.Entry
	for rows.Next() {
		var (
			e              audit.Entry
			authType       string
			startedAtUnix  sql.NullInt64
			finishedAtUnix sql.NullInt64
			success        int
			exitCode       sql.NullInt64
			createdAtUnix  int64
		)
		if err := rows.Scan(
			&e.ID, &e.Command, &e.WorkingDir, &e.OperationID, &e.SessionID, &e.RequestedBy,
			&authType, &e.RuleID, &e.BlocklistEntryID, &e.RequestID,
			&startedAtUnix, &finishedAtUnix, &success, &exitCode, &e.Stdout, &e.Stderr, &e.ErrorMessage,
			&createdAtUnix,
		); err != nil {
			return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to scan audit entry: %w", err))
		}
		e.AuthorizationType = audit.AuthorizationType(authType)
		e.Success = success != 0
		e.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
		if startedAtUnix.Valid {
			t := time.Unix(startedAtUnix.Int64, 0).UTC()
			e.StartedAt = &t
		}
		if finishedAtUnix.Valid {
			t := time.Unix(finishedAtUnix.Int64, 0).UTC()
			e.FinishedAt = &t
		}
		if exitCode.Valid {
			c := int(exitCode.Int64)
			e.ExitCode = &c
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to iterate audit entries: %w", err))
	}
	return entries, nil
}

func nullTimeUnix(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Unix()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
