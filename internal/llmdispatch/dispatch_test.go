package llmdispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/platform/internal/apperr"
	"github.com/fleetops/platform/internal/circuitbreaker"
	"github.com/fleetops/platform/internal/eventbus"
	"github.com/fleetops/platform/internal/llmcache"
	"github.com/fleetops/platform/internal/llmprovider"
)

type fakeStore struct {
	providers map[string]*llmprovider.Provider
	defaults  map[llmprovider.Purpose]string
}

func (f *fakeStore) GetDecrypted(ctx context.Context, id string) (*llmprovider.Provider, error) {
	p, ok := f.providers[id]
	if !ok {
		return nil, apperr.NotFound("provider")
	}
	return p, nil
}

func (f *fakeStore) GetDefault(ctx context.Context, purpose llmprovider.Purpose) (*llmprovider.Provider, error) {
	id, ok := f.defaults[purpose]
	if !ok {
		return nil, apperr.NotFound("default provider")
	}
	return f.GetDecrypted(ctx, id)
}

func (f *fakeStore) List(ctx context.Context) ([]llmprovider.Provider, error) {
	var out []llmprovider.Provider
	for _, p := range f.providers {
		out = append(out, *p)
	}
	return out, nil
}

func newTestDispatcher(t *testing.T, store ProviderStore) (*Dispatcher, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cache := llmcache.New(rdb, time.Hour)
	bus := eventbus.NewLocalBus()
	breakers := circuitbreaker.NewPlatformBreakers()

	return New(store, cache, bus, breakers, nil, rdb), rdb
}

func TestChatReturnsNoProviderWhenNoneConfigured(t *testing.T) {
	store := &fakeStore{providers: map[string]*llmprovider.Provider{}, defaults: map[llmprovider.Purpose]string{}}
	d, _ := newTestDispatcher(t, store)

	_, err := d.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}}, "")
	require.Error(t, err)
	appErr := apperr.As(err)
	require.Equal(t, "NO_PROVIDER", appErr.Code)
}

func TestChatInvokesOpenAILikeProviderAndCaches(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"resp-1","model":"gpt-4o-mini","choices":[{"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}`))
	}))
	defer srv.Close()

	provider := &llmprovider.Provider{
		ID: "p1", Type: llmprovider.TypeOpenAI, Purpose: llmprovider.PurposeChat,
		Config: llmprovider.Config{BaseURL: srv.URL, APIKey: "sk-test"},
		Models: []string{"gpt-4o-mini"}, IsActive: true, UpdatedAt: time.Now(),
	}
	store := &fakeStore{
		providers: map[string]*llmprovider.Provider{"p1": provider},
		defaults:  map[llmprovider.Purpose]string{llmprovider.PurposeChat: "p1"},
	}
	d, _ := newTestDispatcher(t, store)

	resp, err := d.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}}, "")
	require.NoError(t, err)
	require.Equal(t, "hello", resp.Choices[0].Message.Content)
	require.False(t, resp.Cached)
	require.Equal(t, 1, calls)

	cached, err := d.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}}, "")
	require.NoError(t, err)
	require.True(t, cached.Cached)
	require.Equal(t, 1, calls) // cache hit, no second HTTP call
}
