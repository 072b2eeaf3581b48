package audit

import "time"

type AuthorizationType string

const (
	AuthorizationWhitelist AuthorizationType = "whitelist"
	AuthorizationApproval  AuthorizationType = "approval"
	AuthorizationDenied    AuthorizationType = "denied"
	AuthorizationBlocked   AuthorizationType = "blocked"
)

func (a AuthorizationType) Valid() bool {
	switch a {
	case AuthorizationWhitelist, AuthorizationApproval, AuthorizationDenied, AuthorizationBlocked:
		return true
	}
	return false
}

// Entry records one authorization decision and, when the command ran,
// its execution outcome. Exactly one entry exists per
// executed-or-rejected command attempt. The log is append-only.
type Entry struct {
	ID          string `json:"id"`
	Command     string `json:"command"`
	WorkingDir  string `json:"working_dir"`
	OperationID string `json:"operation_id"`
	SessionID   string `json:"session_id"`
	RequestedBy string `json:"requested_by"`

	AuthorizationType AuthorizationType `json:"authorization_type"`
	RuleID            string            `json:"rule_id,omitempty"`
	BlocklistEntryID  string            `json:"blocklist_entry_id,omitempty"`
	RequestID         string            `json:"request_id,omitempty"`

	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Success      bool       `json:"success"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	Stdout       string     `json:"stdout,omitempty"`
	Stderr       string     `json:"stderr,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Filter narrows List results. Zero values mean "any".
type Filter struct {
	SessionID         string
	OperationID       string
	AuthorizationType AuthorizationType
	// Success filters on outcome when set.
	Success *bool
	// Since/Until bound created_at.
	Since time.Time
	Until time.Time
	Limit int
}
