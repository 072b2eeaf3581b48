package repositoryimpl

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirahq/cmdgate/internal/approval"
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

func newPendingRequest(ttl time.Duration) *approval.Request {
	now := time.Now().UTC()
	return &approval.Request{
		ID:          ulid.Make().String(),
		Command:     "apt install curl",
		WorkingDir:  "/srv",
		OperationID: "op-1",
		SessionID:   "sess-1",
		RequestedBy: "agent",
		Reason:      "install http client",
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

func TestCreateAndGet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	req := newPendingRequest(5 * time.Minute)
	require.NoError(t, repo.Create(ctx, req))

	got, err := repo.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusPending, got.Status)
	assert.Equal(t, "apt install curl", got.Command)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Nil(t, got.RespondedAt)
	assert.Nil(t, got.ExecutedAt)

	_, err = repo.Get(ctx, "missing")
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
}

func TestCreateValidates(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	req := newPendingRequest(5 * time.Minute)
	req.Command = ""
	err := repo.Create(ctx, req)
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))

	req = newPendingRequest(5 * time.Minute)
	req.ExpiresAt = req.CreatedAt
	err = repo.Create(ctx, req)
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))
}

func TestResolveApprove(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	req := newPendingRequest(5 * time.Minute)
	require.NoError(t, repo.Create(ctx, req))

	got, err := repo.Resolve(ctx, req.ID, approval.StatusApproved, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusApproved, got.Status)
	assert.Equal(t, "alice", got.ApprovedBy)
	require.NotNil(t, got.RespondedAt)
}

func TestResolveDenyKeepsReason(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	req := newPendingRequest(5 * time.Minute)
	require.NoError(t, repo.Create(ctx, req))

	got, err := repo.Resolve(ctx, req.ID, approval.StatusDenied, "bob", "too risky")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusDenied, got.Status)
	assert.Equal(t, "bob", got.ApprovedBy)
	assert.Equal(t, "too risky", got.DenialReason)
}

func TestResolveAlreadyResolved(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	req := newPendingRequest(5 * time.Minute)
	require.NoError(t, repo.Create(ctx, req))

	_, err := repo.Resolve(ctx, req.ID, approval.StatusApproved, "alice", "")
	require.NoError(t, err)

	_, err = repo.Resolve(ctx, req.ID, approval.StatusDenied, "bob", "late")
	assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition))

	// The winner's resolution is untouched.
	got, err := repo.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusApproved, got.Status)
	assert.Equal(t, "alice", got.ApprovedBy)
}

func TestResolveUnknownID(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.Resolve(context.Background(), "missing", approval.StatusApproved, "alice", "")
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
}

func TestResolveInvalidTargetStatus(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.Resolve(context.Background(), "any", approval.StatusExpired, "alice", "")
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))
}

func TestLazyExpiryOnGet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	req := newPendingRequest(-time.Second)
	req.ExpiresAt = req.CreatedAt.Add(time.Millisecond)
	// Creation in the past so the TTL has already elapsed.
	req.CreatedAt = req.CreatedAt.Add(-time.Minute)
	req.ExpiresAt = req.CreatedAt.Add(time.Second)
	require.NoError(t, repo.Create(ctx, req))

	got, err := repo.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusExpired, got.Status)
}

func TestResolveExpired(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	req := newPendingRequest(time.Second)
	req.CreatedAt = req.CreatedAt.Add(-time.Minute)
	req.ExpiresAt = req.CreatedAt.Add(time.Second)
	require.NoError(t, repo.Create(ctx, req))

	_, err := repo.Resolve(ctx, req.ID, approval.StatusApproved, "alice", "")
	assert.True(t, cerr.IsCode(err, cerr.DeadlineExceeded))

	got, err := repo.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusExpired, got.Status)
}

func TestListPendingFiltersAndExpires(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	live := newPendingRequest(5 * time.Minute)
	live.SessionID = "sess-a"
	require.NoError(t, repo.Create(ctx, live))

	other := newPendingRequest(5 * time.Minute)
	other.SessionID = "sess-b"
	require.NoError(t, repo.Create(ctx, other))

	stale := newPendingRequest(time.Second)
	stale.SessionID = "sess-a"
	stale.CreatedAt = stale.CreatedAt.Add(-time.Minute)
	stale.ExpiresAt = stale.CreatedAt.Add(time.Second)
	require.NoError(t, repo.Create(ctx, stale))

	reqs, err := repo.ListPending(ctx, "sess-a")
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, live.ID, reqs[0].ID)
	assert.Greater(t, reqs[0].RemainingTTL(time.Now().UTC()), time.Duration(0))

	all, err := repo.ListPending(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	got, err := repo.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusExpired, got.Status)
}

func TestConcurrentResolveExactlyOneWinner(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	req := newPendingRequest(5 * time.Minute)
	require.NoError(t, repo.Create(ctx, req))

	const resolvers = 16
	var wg sync.WaitGroup
	errs := make([]error, resolvers)
	for i := 0; i < resolvers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := approval.StatusApproved
			if i%2 == 1 {
				status = approval.StatusDenied
			}
			_, errs[i] = repo.Resolve(ctx, req.ID, status, "racer", "r")
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition), "loser got %v", err)
		}
	}
	assert.Equal(t, 1, winners)

	got, err := repo.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.True(t, got.Status.Terminal())
}

func TestRecordExecutionWriteOnce(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	req := newPendingRequest(5 * time.Minute)
	require.NoError(t, repo.Create(ctx, req))
	_, err := repo.Resolve(ctx, req.ID, approval.StatusApproved, "alice", "")
	require.NoError(t, err)

	code := 0
	res := approval.ExecutionResult{
		ExecutedAt: time.Now().UTC(),
		ExitCode:   &code,
		Output:     "done\n",
	}
	require.NoError(t, repo.RecordExecution(ctx, req.ID, res))

	got, err := repo.Get(ctx, req.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ExecutedAt)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
	assert.Equal(t, "done\n", got.Output)

	// Second write is rejected and changes nothing.
	err = repo.RecordExecution(ctx, req.ID, approval.ExecutionResult{ExecutedAt: time.Now().UTC(), Output: "again"})
	assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition))

	got, err = repo.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "done\n", got.Output)
}

func TestRecordExecutionRequiresApproved(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	req := newPendingRequest(5 * time.Minute)
	require.NoError(t, repo.Create(ctx, req))

	err := repo.RecordExecution(ctx, req.ID, approval.ExecutionResult{ExecutedAt: time.Now().UTC()})
	assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition))
}

func TestExpireOverdue(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	stale := newPendingRequest(time.Second)
	stale.CreatedAt = stale.CreatedAt.Add(-time.Minute)
	stale.ExpiresAt = stale.CreatedAt.Add(time.Second)
	require.NoError(t, repo.Create(ctx, stale))

	live := newPendingRequest(5 * time.Minute)
	require.NoError(t, repo.Create(ctx, live))

	ids, err := repo.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{stale.ID}, ids)

	// Idempotent.
	ids, err = repo.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
