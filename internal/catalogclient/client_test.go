package catalogclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetops/platform/internal/circuitbreaker"
)

func TestGetPrincipalSucceedsWithoutBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"u1","username":"alice","role":"admin"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	p, err := c.GetPrincipal(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, "u1", p.ID)
}

func TestWithBreakerTripsOpenAfterConsecutiveFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cb := circuitbreaker.New(&circuitbreaker.Config{
		Name:        "catalog-store-test",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts circuitbreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 2
		},
	})
	c := New(srv.URL, time.Second).WithBreaker(cb)

	for i := 0; i < 2; i++ {
		_, err := c.GetPrincipal(context.Background(), "u1")
		require.Error(t, err)
	}
	require.Equal(t, circuitbreaker.StateOpen, cb.State())

	callsBeforeOpenCheck := atomic.LoadInt32(&calls)
	_, err := c.GetPrincipal(context.Background(), "u1")
	require.Error(t, err)
	require.Equal(t, callsBeforeOpenCheck, atomic.LoadInt32(&calls), "circuit open must short-circuit without another round trip")
}
