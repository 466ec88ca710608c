package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, "test:")
}

// TestSlidingWindowAdmitsUpToLimit exercises spec §8's literal property:
// W=60s, N=3, fire 5 requests → {allow,allow,allow,deny,deny}.
func TestSlidingWindowAdmitsUpToLimit(t *testing.T) {
	l := newTestLimiter(t)
	preset := IPBasicPreset(60*time.Second, 3)
	ctx := context.Background()

	var results []bool
	for i := 0; i < 5; i++ {
		ok, err := l.Allow(ctx, preset, "1.2.3.4")
		require.NoError(t, err)
		results = append(results, ok)
	}

	require.Equal(t, []bool{true, true, true, false, false}, results)
}

func TestLoginGuardIsAdditive(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	ipPreset := IPBasicPreset(60*time.Second, 100)
	for i := 0; i < 10; i++ {
		denied, err := l.AllowRequest(ctx, "9.9.9.9", "", ipPreset, LoginGuardPreset)
		require.NoError(t, err)
		require.Nil(t, denied)
	}

	denied, err := l.AllowRequest(ctx, "9.9.9.9", "", ipPreset, LoginGuardPreset)
	require.NoError(t, err)
	require.NotNil(t, denied)
	require.Equal(t, "login-guard", denied.Name)
}
