package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devghori1264/aerophoenix/serverbot/internal/models"
)

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := NewMemoryBadgerStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestBadgerStoreOnDisk(t *testing.T) {
	store, err := NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.PutSpec(ctx, &models.Spec{Name: "small", Backend: models.BackendContainer}))
	spec, err := store.GetSpec(ctx, "small")
	require.NoError(t, err)
	require.Equal(t, models.BackendContainer, spec.Backend)
}

func TestCatalogRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetGuild(ctx, "g1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.PutGuild(ctx, &models.Guild{ID: "g1", Authorized: []string{"u1"}, Quota: 2}))
	g, err := store.GetGuild(ctx, "g1")
	require.NoError(t, err)
	require.True(t, g.Allows("u1"))
	require.False(t, g.Allows("u2"))
}

func TestServerGenerationFence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	srv := &models.Server{GuildID: "g1", Name: "box1", Spec: "small", Desired: models.DesiredStopped}
	require.NoError(t, store.CreateServer(ctx, srv))
	require.EqualValues(t, 1, srv.Generation)
	require.ErrorIs(t, store.CreateServer(ctx, &models.Server{GuildID: "g1", Name: "box1"}), ErrExists)

	stale := *srv
	srv.Desired = models.DesiredRunning
	require.NoError(t, store.UpdateServer(ctx, srv, 1))
	require.EqualValues(t, 2, srv.Generation)

	stale.InstanceID = "i-1"
	require.ErrorIs(t, store.UpdateServer(ctx, &stale, stale.Generation), ErrConflict)
	require.EqualValues(t, 1, stale.Generation, "failed write must not touch the caller's copy")

	got, err := store.GetServer(ctx, "g1", "box1")
	require.NoError(t, err)
	require.Equal(t, models.DesiredRunning, got.Desired)
	require.Empty(t, got.InstanceID)

	require.ErrorIs(t, store.DeleteServer(ctx, "g1", "box1", 1), ErrConflict)
	require.NoError(t, store.DeleteServer(ctx, "g1", "box1", 2))
	_, err = store.GetServer(ctx, "g1", "box1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentUpdatesOneWinner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateServer(ctx, &models.Server{GuildID: "g1", Name: "box1"}))

	const n = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			srv := &models.Server{GuildID: "g1", Name: "box1", InstanceID: string(rune('a' + i)), UpdatedAt: time.Now()}
			if store.UpdateServer(ctx, srv, 1) == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	require.EqualValues(t, 1, wins.Load())

	got, err := store.GetServer(ctx, "g1", "box1")
	require.NoError(t, err)
	require.EqualValues(t, 2, got.Generation)
}

func TestListServersByGuild(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for _, s := range []struct{ g, n string }{{"g1", "a"}, {"g1", "b"}, {"g10", "c"}, {"g2", "d"}} {
		require.NoError(t, store.CreateServer(ctx, &models.Server{GuildID: s.g, Name: s.n}))
	}
	list, err := store.ListServers(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, list, 2)
}

func TestInstancePhaseFence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inst := &models.Instance{ID: "i-1", GuildID: "g1", ServerName: "box1", Phase: models.PhaseProvisioning}
	require.NoError(t, store.CreateInstance(ctx, inst))
	require.ErrorIs(t, store.CreateInstance(ctx, inst), ErrExists)

	running := *inst
	running.Phase = models.PhaseRunning
	require.NoError(t, store.UpdateInstance(ctx, &running, models.PhaseProvisioning))
	require.ErrorIs(t, store.UpdateInstance(ctx, &running, models.PhaseProvisioning), ErrConflict)

	require.NoError(t, store.DeleteInstance(ctx, "i-1"))
	require.NoError(t, store.DeleteInstance(ctx, "i-1"))
	_, err := store.GetInstance(ctx, "i-1")
	require.ErrorIs(t, err, ErrNotFound)
}
