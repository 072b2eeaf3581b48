package repositoryimpl

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mirahq/cmdgate/internal/rule"
	"github.com/mirahq/cmdgate/pkg/cerr"
	"github.com/mirahq/cmdgate/pkg/storage"
)

const (
	rulesPrefix     = "rules"
	blocklistPrefix = "blocklist"
)

// YAMLRepository stores one YAML document per rule or blocklist entry.
// ULID filenames sort lexically in creation order, so List preserves
// insertion order without an index file. Updates are read-modify-write
// on the file, so mu serializes them: N concurrent usage increments must
// always land as +N.
type YAMLRepository struct {
	storage storage.Storage
	mu      sync.Mutex
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{storage: s}
}

func rulePath(id string) string {
	return fmt.Sprintf("%s/%s.yaml", rulesPrefix, id)
}

func blocklistPath(id string) string {
	return fmt.Sprintf("%s/%s.yaml", blocklistPrefix, id)
}

func (r *YAMLRepository) CreateRule(ctx context.Context, pr *rule.PermissionRule) error {
	if err := pr.Validate(); err != nil {
		return err
	}
	exists, err := r.storage.Exists(ctx, rulePath(pr.ID))
	if err != nil {
		return cerr.WrapStorageWriteError("rule", err)
	}
	if exists {
		return cerr.NewError(cerr.AlreadyExists, "rule already exists", nil)
	}
	return r.writeRule(ctx, pr)
}

func (r *YAMLRepository) GetRule(ctx context.Context, id string) (*rule.PermissionRule, error) {
	data, err := r.storage.Read(ctx, rulePath(id))
	if err != nil {
		return nil, cerr.WrapStorageReadError("rule", err)
	}
	var pr rule.PermissionRule
	if err := yaml.Unmarshal(data, &pr); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to unmarshal rule: %w", err))
	}
	return &pr, nil
}

func (r *YAMLRepository) ListRules(ctx context.Context) ([]*rule.PermissionRule, error) {
	paths, err := r.storage.List(ctx, rulesPrefix)
	if err != nil {
		return nil, cerr.WrapStorageReadError("rules", err)
	}
	sort.Strings(paths)

	var rules []*rule.PermissionRule
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			continue
		}
		var pr rule.PermissionRule
		if err := yaml.Unmarshal(data, &pr); err != nil {
			continue
		}
		rules = append(rules, &pr)
	}
	return rules, nil
}

func (r *YAMLRepository) DeleteRule(ctx context.Context, id string) error {
	if err := r.storage.Delete(ctx, rulePath(id)); err != nil {
		return cerr.WrapStorageDeleteError("rule", err)
	}
	return nil
}

func (r *YAMLRepository) SetRuleEnabled(ctx context.Context, id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pr, err := r.GetRule(ctx, id)
	if err != nil {
		return err
	}
	pr.Enabled = enabled
	return r.writeRule(ctx, pr)
}

func (r *YAMLRepository) SetRuleRequiresApproval(ctx context.Context, id string, requiresApproval bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pr, err := r.GetRule(ctx, id)
	if err != nil {
		return err
	}
	pr.RequiresApproval = requiresApproval
	return r.writeRule(ctx, pr)
}

func (r *YAMLRepository) IncrementRuleUsage(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pr, err := r.GetRule(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	pr.UseCount++
	pr.LastUsedAt = &now
	return r.writeRule(ctx, pr)
}

func (r *YAMLRepository) writeRule(ctx context.Context, pr *rule.PermissionRule) error {
	data, err := yaml.Marshal(pr)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal rule: %w", err))
	}
	if err := r.storage.Write(ctx, rulePath(pr.ID), data); err != nil {
		return cerr.WrapStorageWriteError("rule", err)
	}
	return nil
}

func (r *YAMLRepository) CreateBlocklistEntry(ctx context.Context, e *rule.BlocklistEntry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	exists, err := r.storage.Exists(ctx, blocklistPath(e.ID))
	if err != nil {
		return cerr.WrapStorageWriteError("blocklist entry", err)
	}
	if exists {
		return cerr.NewError(cerr.AlreadyExists, "blocklist entry already exists", nil)
	}
	return r.writeBlocklistEntry(ctx, e)
}

func (r *YAMLRepository) GetBlocklistEntry(ctx context.Context, id string) (*rule.BlocklistEntry, error) {
	data, err := r.storage.Read(ctx, blocklistPath(id))
	if err != nil {
		return nil, cerr.WrapStorageReadError("blocklist entry", err)
	}
	var e rule.BlocklistEntry
	if err := yaml.Unmarshal(data, &e); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to unmarshal blocklist entry: %w", err))
	}
	return &e, nil
}

func (r *YAMLRepository) ListBlocklistEntries(ctx context.Context) ([]*rule.BlocklistEntry, error) {
	paths, err := r.storage.List(ctx, blocklistPrefix)
	if err != nil {
		return nil, cerr.WrapStorageReadError("blocklist", err)
	}
	sort.Strings(paths)

	var entries []*rule.BlocklistEntry
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			continue
		}
		var e rule.BlocklistEntry
		if err := yaml.Unmarshal(data, &e); err != nil {
			continue
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

func (r *YAMLRepository) DeleteBlocklistEntry(ctx context.Context, id string) error {
	if err := r.storage.Delete(ctx, blocklistPath(id)); err != nil {
		return cerr.WrapStorageDeleteError("blocklist entry", err)
	}
	return nil
}

func (r *YAMLRepository) SetBlocklistEntryEnabled(ctx context.Context, id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.GetBlocklistEntry(ctx, id)
	if err != nil {
		return err
	}
	e.Enabled = enabled
	return r.writeBlocklistEntry(ctx, e)
}

func (r *YAMLRepository) writeBlocklistEntry(ctx context.Context, e *rule.BlocklistEntry) error {
	data, err := yaml.Marshal(e)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal blocklist entry: %w", err))
	}
	if err := r.storage.Write(ctx, blocklistPath(e.ID), data); err != nil {
		return cerr.WrapStorageWriteError("blocklist entry", err)
	}
	return nil
}
