package repositoryimpl

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirahq/cmdgate/internal/audit"
	"github.com/mirahq/cmdgate/internal/db"
	"github.com/mirahq/cmdgate/pkg/cerr"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	repo, err := NewSQLiteRepository(conn)
	require.NoError(t, err)
	return repo
}

func newEntry(authType audit.AuthorizationType, createdAt time.Time) *audit.Entry {
	return &audit.Entry{
		ID:                ulid.Make().String(),
		Command:           "systemctl status mira-backend",
		WorkingDir:        "/srv",
		OperationID:       "op-1",
		SessionID:         "sess-1",
		RequestedBy:       "agent",
		AuthorizationType: authType,
		Success:           authType == audit.AuthorizationWhitelist,
		CreatedAt:         createdAt,
	}
}

func TestRecordAndList(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	now := time.Now().UTC()
	code := 0
	started := now.Add(-2 * time.Second)
	finished := now.Add(-time.Second)

	e := newEntry(audit.AuthorizationWhitelist, now)
	e.RuleID = "rule-1"
	e.StartedAt = &started
	e.FinishedAt = &finished
	e.ExitCode = &code
	e.Stdout = "active (running)\n"
	require.NoError(t, repo.Record(ctx, e))

	entries, err := repo.List(ctx, audit.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	got := entries[0]
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, audit.AuthorizationWhitelist, got.AuthorizationType)
	assert.Equal(t, "rule-1", got.RuleID)
	assert.True(t, got.Success)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
	assert.Equal(t, "active (running)\n", got.Stdout)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)
}

func TestRecordValidates(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	e := newEntry("unknown", time.Now().UTC())
	err := repo.Record(ctx, e)
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))

	e = newEntry(audit.AuthorizationBlocked, time.Now().UTC())
	e.ID = ""
	err = repo.Record(ctx, e)
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))
}

func TestListFilters(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	now := time.Now().UTC()

	blocked := newEntry(audit.AuthorizationBlocked, now.Add(-3*time.Hour))
	blocked.SessionID = "sess-other"
	require.NoError(t, repo.Record(ctx, blocked))

	denied := newEntry(audit.AuthorizationDenied, now.Add(-2*time.Hour))
	require.NoError(t, repo.Record(ctx, denied))

	allowed := newEntry(audit.AuthorizationWhitelist, now.Add(-time.Hour))
	require.NoError(t, repo.Record(ctx, allowed))

	byType, err := repo.List(ctx, audit.Filter{AuthorizationType: audit.AuthorizationDenied})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, denied.ID, byType[0].ID)

	bySession, err := repo.List(ctx, audit.Filter{SessionID: "sess-other"})
	require.NoError(t, err)
	require.Len(t, bySession, 1)
	assert.Equal(t, blocked.ID, bySession[0].ID)

	success := true
	bySuccess, err := repo.List(ctx, audit.Filter{Success: &success})
	require.NoError(t, err)
	require.Len(t, bySuccess, 1)
	assert.Equal(t, allowed.ID, bySuccess[0].ID)

	byTime, err := repo.List(ctx, audit.Filter{Since: now.Add(-150 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, byTime, 2)

	limited, err := repo.List(ctx, audit.Filter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	// Newest first.
	assert.Equal(t, allowed.ID, limited[0].ID)
}
