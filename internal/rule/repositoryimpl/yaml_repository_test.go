package repositoryimpl

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirahq/cmdgate/internal/rule"
	"github.com/mirahq/cmdgate/pkg/cerr"
	"github.com/mirahq/cmdgate/pkg/storage"
)

func newTestRepo(t *testing.T) *YAMLRepository {
	t.Helper()
	s, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return NewYAMLRepository(s)
}

func TestRuleCRUD(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	r := &rule.PermissionRule{
		ID:               "01AAAA",
		Name:             "service status",
		Description:      "read-only status checks",
		Match:            rule.Prefix("systemctl status "),
		RequiresApproval: false,
		Enabled:          true,
		CreatedBy:        "ops",
		CreatedAt:        time.Now().UTC(),
	}
	require.NoError(t, repo.CreateRule(ctx, r))

	// Duplicate create is rejected.
	err := repo.CreateRule(ctx, r)
	assert.True(t, cerr.IsCode(err, cerr.AlreadyExists))

	got, err := repo.GetRule(ctx, "01AAAA")
	require.NoError(t, err)
	assert.Equal(t, "service status", got.Name)
	assert.Equal(t, rule.MatchPrefix, got.Match.Kind())
	assert.True(t, got.Match.Matches("systemctl status mira-backend"))

	_, err = repo.GetRule(ctx, "missing")
	assert.True(t, cerr.IsCode(err, cerr.NotFound))

	require.NoError(t, repo.SetRuleEnabled(ctx, "01AAAA", false))
	got, err = repo.GetRule(ctx, "01AAAA")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	// Toggling keeps everything else.
	assert.Equal(t, "service status", got.Name)

	require.NoError(t, repo.SetRuleRequiresApproval(ctx, "01AAAA", true))
	got, err = repo.GetRule(ctx, "01AAAA")
	require.NoError(t, err)
	assert.True(t, got.RequiresApproval)

	require.NoError(t, repo.DeleteRule(ctx, "01AAAA"))
	_, err = repo.GetRule(ctx, "01AAAA")
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
}

func TestCreateRuleValidates(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	err := repo.CreateRule(ctx, &rule.PermissionRule{ID: "01BBBB", Name: "no match spec"})
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))

	// Nothing was stored.
	rules, err := repo.ListRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestIncrementRuleUsage(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	r := &rule.PermissionRule{
		ID:        "01CCCC",
		Name:      "uptime",
		Match:     rule.Exact("uptime"),
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.CreateRule(ctx, r))

	require.NoError(t, repo.IncrementRuleUsage(ctx, "01CCCC"))
	require.NoError(t, repo.IncrementRuleUsage(ctx, "01CCCC"))

	got, err := repo.GetRule(ctx, "01CCCC")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.UseCount)
	require.NotNil(t, got.LastUsedAt)
	assert.WithinDuration(t, time.Now().UTC(), *got.LastUsedAt, time.Minute)

	err = repo.IncrementRuleUsage(ctx, "missing")
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
}

func TestIncrementRuleUsageConcurrent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.CreateRule(ctx, &rule.PermissionRule{
		ID:        "01FFFF",
		Name:      "uptime",
		Match:     rule.Exact("uptime"),
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}))

	// Parallel decisions on the same rule must never lose an increment.
	const decisions = 50
	var wg sync.WaitGroup
	errs := make([]error, decisions)
	for i := 0; i < decisions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = repo.IncrementRuleUsage(ctx, "01FFFF")
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	got, err := repo.GetRule(ctx, "01FFFF")
	require.NoError(t, err)
	assert.Equal(t, int64(decisions), got.UseCount)
}

func TestListRulesCreationOrder(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	// ULIDs sort lexically by creation time; use ordered ids directly.
	ids := []string{"01AAA1", "01AAA2", "01AAA3"}
	for _, id := range ids {
		require.NoError(t, repo.CreateRule(ctx, &rule.PermissionRule{
			ID:        id,
			Name:      "rule " + id,
			Match:     rule.Exact(id),
			Enabled:   true,
			CreatedAt: time.Now().UTC(),
		}))
	}

	rules, err := repo.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 3)
	for i, id := range ids {
		assert.Equal(t, id, rules[i].ID)
	}
}

func TestBlocklistCRUD(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	spec, err := rule.Regex(`rm\s+-rf\s+/`)
	require.NoError(t, err)

	e := &rule.BlocklistEntry{
		ID:        "01DDDD",
		Name:      "recursive root deletion",
		Match:     spec,
		Severity:  rule.SeverityCritical,
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.CreateBlocklistEntry(ctx, e))

	got, err := repo.GetBlocklistEntry(ctx, "01DDDD")
	require.NoError(t, err)
	assert.Equal(t, rule.SeverityCritical, got.Severity)
	// Compiled regex survives persistence.
	assert.True(t, got.Match.Matches("rm -rf /var/data"))

	require.NoError(t, repo.SetBlocklistEntryEnabled(ctx, "01DDDD", false))
	got, err = repo.GetBlocklistEntry(ctx, "01DDDD")
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	require.NoError(t, repo.DeleteBlocklistEntry(ctx, "01DDDD"))
	_, err = repo.GetBlocklistEntry(ctx, "01DDDD")
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
}

func TestCreateBlocklistEntryRejectsBadSeverity(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	err := repo.CreateBlocklistEntry(ctx, &rule.BlocklistEntry{
		ID:       "01EEEE",
		Name:     "bad",
		Match:    rule.Exact("x"),
		Severity: "catastrophic",
	})
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))
}
