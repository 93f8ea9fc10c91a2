package service

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/ledgercore/internal/domain"
	"github.com/punchamoorthee/ledgercore/internal/store"
	"github.com/punchamoorthee/ledgercore/internal/store/memory"
)

// laggingReplica serves frozen snapshots to reads that do not ask for the
// primary, the way a replica behind on replication would.
type laggingReplica struct {
	*memory.Store

	mu           sync.Mutex
	frozen       map[uuid.UUID]domain.Transaction
	replicaReads int
}

func (r *laggingReplica) freeze(tx domain.Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen[tx.ID] = tx
}

func (r *laggingReplica) GetTransaction(ctx context.Context, id uuid.UUID) (domain.Transaction, error) {
	if store.PrimaryRequested(ctx) {
		return r.Store.GetTransaction(ctx, id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replicaReads++
	if tx, ok := r.frozen[id]; ok {
		return tx, nil
	}
	return r.Store.GetTransaction(ctx, id)
}

func newLaggingManager(t *testing.T, opts ...Option) (*Manager, *laggingReplica, *fixture) {
	t.Helper()

	f := newFixture(t)
	repo := &laggingReplica{Store: f.store, frozen: map[uuid.UUID]domain.Transaction{}}
	return NewManager(repo, f.store, opts...), repo, f
}

func TestWritePathsReadPrimary(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mgr, repo, f := newLaggingManager(t)

	tx, _, err := mgr.Submit(ctx, f.request("lag", 100))
	require.NoError(t, err)
	repo.freeze(tx)

	tx, err = mgr.Advance(ctx, tx.ID, domain.StatusSuccess)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, tx.Status)

	// the replica still says Pending, the refund must not care
	stale, err := mgr.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stale.Status)

	tx, err = mgr.Refund(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefunded, tx.Status)

	_, err = mgr.Advance(ctx, tx.ID, domain.StatusFailed)
	var te *domain.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, domain.StatusRefunded, te.From)
}

func TestCacheReplayReadsPrimary(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mgr, repo, f := newLaggingManager(t, WithKeyCache(newMapCache()))

	tx, _, err := mgr.Submit(ctx, f.request("lag-cache", 100))
	require.NoError(t, err)

	again, replayed, err := mgr.Submit(ctx, f.request("lag-cache", 100))
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, tx.ID, again.ID)
	assert.Zero(t, repo.replicaReads)
}
