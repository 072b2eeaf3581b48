package rule

import "context"

// Repository provides persistence for whitelist rules and blocklist
// entries. Implementations validate entities at write time; malformed
// match specs are rejected with InvalidArgument and never stored.
type Repository interface {
	CreateRule(ctx context.Context, r *PermissionRule) error
	GetRule(ctx context.Context, id string) (*PermissionRule, error)
	// ListRules returns all rules (enabled and disabled) in creation order.
	ListRules(ctx context.Context) ([]*PermissionRule, error)
	DeleteRule(ctx context.Context, id string) error
	SetRuleEnabled(ctx context.Context, id string, enabled bool) error
	SetRuleRequiresApproval(ctx context.Context, id string, requiresApproval bool) error
	// IncrementRuleUsage bumps use_count and stamps last_used_at.
	IncrementRuleUsage(ctx context.Context, id string) error

	CreateBlocklistEntry(ctx context.Context, e *BlocklistEntry) error
	GetBlocklistEntry(ctx context.Context, id string) (*BlocklistEntry, error)
	// ListBlocklistEntries returns all entries in creation order.
	ListBlocklistEntries(ctx context.Context) ([]*BlocklistEntry, error)
	DeleteBlocklistEntry(ctx context.Context, id string) error
	SetBlocklistEntryEnabled(ctx context.Context, id string, enabled bool) error
}
