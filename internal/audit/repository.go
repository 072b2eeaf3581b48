package audit

import "context"

// Repository is the append-only audit store. There is deliberately no
// update or delete: entries are immutable once recorded.
type Repository interface {
	Record(ctx context.Context, e *Entry) error
	// List returns entries newest first.
	List(ctx context.Context, f Filter) ([]*Entry, error)
}
