package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb, "test:")
}

func TestSaveAndLookupRefresh(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := Record{UserID: "u1", RefreshID: "r1", CreatedAt: time.Now().UTC(), IPAddress: "127.0.0.1"}
	require.NoError(t, store.SaveRefresh(ctx, "r1", rec, time.Hour))

	got, err := store.LookupRefresh(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, "u1", got.UserID)
}

func TestLookupMissingRefreshErrors(t *testing.T) {
	store := newTestStore(t)
	_, err := store.LookupRefresh(context.Background(), "missing")
	require.Error(t, err)
}

func TestDeleteRefreshIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.DeleteRefresh(ctx, "never-existed"))

	rec := Record{UserID: "u1", RefreshID: "r1"}
	require.NoError(t, store.SaveRefresh(ctx, "r1", rec, time.Hour))
	require.NoError(t, store.DeleteRefresh(ctx, "r1"))
	require.NoError(t, store.DeleteRefresh(ctx, "r1"))

	_, err := store.LookupRefresh(ctx, "r1")
	require.Error(t, err)
}

func TestDeleteAllForUserRemovesAllSessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveRefresh(ctx, "r1", Record{UserID: "u1", RefreshID: "r1"}, time.Hour))
	require.NoError(t, store.SaveRefresh(ctx, "r2", Record{UserID: "u1", RefreshID: "r2"}, time.Hour))

	require.NoError(t, store.DeleteAllForUser(ctx, "u1"))

	_, err1 := store.LookupRefresh(ctx, "r1")
	_, err2 := store.LookupRefresh(ctx, "r2")
	require.Error(t, err1)
	require.Error(t, err2)
}
