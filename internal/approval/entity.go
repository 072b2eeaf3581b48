package approval

import "time"

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// Terminal reports whether the status can never change again.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusDenied || s == StatusExpired
}

// Request is a time-bounded unit awaiting a human approve/deny decision.
// Status is monotonic: it leaves Pending at most once and never changes
// afterwards. Execution fields are populated at most once, only after
// Approved.
type Request struct {
	ID          string `json:"id"`
	Command     string `json:"command"`
	WorkingDir  string `json:"working_dir"`
	OperationID string `json:"operation_id"`
	SessionID   string `json:"session_id"`
	RequestedBy string `json:"requested_by"`
	Reason      string `json:"reason"`
	RuleID      string `json:"rule_id,omitempty"`

	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	RespondedAt  *time.Time `json:"responded_at,omitempty"`
	ApprovedBy   string     `json:"approved_by,omitempty"`
	DenialReason string     `json:"denial_reason,omitempty"`

	ExecutedAt *time.Time `json:"executed_at,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// RemainingTTL returns how long the request stays actionable, zero when
// already past expiry.
func (r *Request) RemainingTTL(now time.Time) time.Duration {
	if d := r.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
