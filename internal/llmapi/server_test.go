package llmapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/platform/internal/circuitbreaker"
	"github.com/fleetops/platform/internal/eventbus"
	"github.com/fleetops/platform/internal/llmcache"
	"github.com/fleetops/platform/internal/llmdispatch"
	"github.com/fleetops/platform/internal/llmprovider"
	"github.com/fleetops/platform/internal/realtime"
)

// fakeProviders is a minimal in-memory stand-in for *llmprovider.Registry,
// wired to whichever concrete llmdispatch.ProviderStore consumer needs it.
type fakeProviders struct {
	byID map[string]llmprovider.Provider
	def  map[llmprovider.Purpose]string
}

func newFakeProviders() *fakeProviders {
	return &fakeProviders{byID: make(map[string]llmprovider.Provider), def: make(map[llmprovider.Purpose]string)}
}

func (f *fakeProviders) List(ctx context.Context) ([]llmprovider.Provider, error) {
	out := make([]llmprovider.Provider, 0, len(f.byID))
	for _, p := range f.byID {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeProviders) GetByID(ctx context.Context, id string) (*llmprovider.Provider, error) {
	p, ok := f.byID[id]
	if !ok {
		return nil, errNotFound
	}
	return &p, nil
}

func (f *fakeProviders) GetDecrypted(ctx context.Context, id string) (*llmprovider.Provider, error) {
	return f.GetByID(ctx, id)
}

func (f *fakeProviders) Create(ctx context.Context, p llmprovider.Provider) (*llmprovider.Provider, error) {
	f.byID[p.ID] = p
	return &p, nil
}

func (f *fakeProviders) Update(ctx context.Context, id string, patch map[string]any) (*llmprovider.Provider, error) {
	p, ok := f.byID[id]
	if !ok {
		return nil, errNotFound
	}
	if name, ok := patch["name"].(string); ok {
		p.Name = name
	}
	f.byID[id] = p
	return &p, nil
}

func (f *fakeProviders) Delete(ctx context.Context, id string) error {
	if _, ok := f.byID[id]; !ok {
		return errNotFound
	}
	delete(f.byID, id)
	return nil
}

func (f *fakeProviders) SetDefault(ctx context.Context, id string, purpose llmprovider.Purpose) error {
	if _, ok := f.byID[id]; !ok {
		return errNotFound
	}
	f.def[purpose] = id
	return nil
}

func (f *fakeProviders) GetDefault(ctx context.Context, purpose llmprovider.Purpose) (*llmprovider.Provider, error) {
	id, ok := f.def[purpose]
	if !ok {
		return nil, errNotFound
	}
	return f.GetByID(context.Background(), id)
}

var errNotFound = errNotFoundErr{}

type errNotFoundErr struct{}

func (errNotFoundErr) Error() string { return "provider not found" }

// This fake satisfies llmapi's ProviderStore interface (a structural subset
// of *llmprovider.Registry's exported methods) and, through
// GetDecrypted/GetDefault/List, llmdispatch.ProviderStore too, so
// newTestServer hands the same value to both.

func newTestServer(t *testing.T) (*Server, *fakeProviders) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	providers := newFakeProviders()
	cache := llmcache.New(rdb, time.Hour)
	breakers := circuitbreaker.NewPlatformBreakers()
	hub := realtime.NewHub()
	dispatch := llmdispatch.New(providers, cache, eventbus.NewLocalBus(), breakers, hub, rdb)

	srv := New(providers, dispatch, rdb, nil)
	return srv, providers
}

func TestHandleCreateAndListProviders(t *testing.T) {
	s, _ := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"name": "p1", "type": "ollama", "config": map[string]any{"baseUrl": "http://localhost:11434"}})
	req := httptest.NewRequest(http.MethodPost, "/providers", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/providers", nil)
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var out []llmprovider.Provider
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out, 1)
	require.Equal(t, "p1", out[0].Name)
}

func TestHandleCreateRejectsMissingFields(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/providers", strings.NewReader(`{"name":""}`))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleSetDefault(t *testing.T) {
	s, providers := newTestServer(t)
	providers.byID["p1"] = llmprovider.Provider{ID: "p1", Name: "p1", Type: llmprovider.TypeOllama, IsActive: true}

	body, _ := json.Marshal(setDefaultRequest{Purpose: llmprovider.PurposeChat})
	req := httptest.NewRequest(http.MethodPost, "/providers/p1/set-default", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "p1", providers.def[llmprovider.PurposeChat])
}

func TestHandleModelsFiltersByProvider(t *testing.T) {
	s, providers := newTestServer(t)
	providers.byID["p1"] = llmprovider.Provider{ID: "p1", Name: "alpha", Models: []string{"m1", "m2"}}
	providers.byID["p2"] = llmprovider.Provider{ID: "p2", Name: "beta", Models: []string{"m3"}}

	req := httptest.NewRequest(http.MethodGet, "/models?provider=alpha", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var out []map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out, 2)
}

func TestHandleChatCompletionsAgainstOllamaProvider(t *testing.T) {
	ollama := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":   "llama3",
			"message": map[string]string{"role": "assistant", "content": "pong"},
			"done":    true,
		})
	}))
	t.Cleanup(ollama.Close)

	s, providers := newTestServer(t)
	providers.byID["p1"] = llmprovider.Provider{
		ID: "p1", Name: "local-ollama", Type: llmprovider.TypeOllama, IsActive: true,
		Config: llmprovider.Config{BaseURL: ollama.URL},
	}

	body, _ := json.Marshal(chatRequestBody{
		ChatRequest: llmdispatch.ChatRequest{Messages: []llmdispatch.Message{{Role: "user", Content: "hi"}}},
		ProviderID:  "p1",
	})
	req := httptest.NewRequest(http.MethodPost, "/chat/completions", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp llmdispatch.ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "pong", resp.Choices[0].Message.Content)
}

func TestHandleWorkflowFallsBackOnUnparsableOutput(t *testing.T) {
	ollama := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":   "llama3",
			"message": map[string]string{"role": "assistant", "content": "not json at all"},
			"done":    true,
		})
	}))
	t.Cleanup(ollama.Close)

	s, providers := newTestServer(t)
	providers.byID["p1"] = llmprovider.Provider{
		ID: "p1", Name: "local-ollama", Type: llmprovider.TypeOllama, IsActive: true,
		Config: llmprovider.Config{BaseURL: ollama.URL},
	}

	body, _ := json.Marshal(workflowRequestBody{Prompt: "do the thing", ProviderID: "p1"})
	req := httptest.NewRequest(http.MethodPost, "/workflow/completions", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp workflowResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "general_task", resp.Result.Intent)
	require.Equal(t, []string{"analyze_request", "execute_action", "return_result"}, resp.Result.Steps)
	require.Equal(t, "do the thing", resp.Result.Parameters["prompt"])
}

func TestHandleWorkflowParsesStructuredOutput(t *testing.T) {
	ollama := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		content := `{"intent":"restart_device","parameters":{"deviceId":"d1"},"steps":["locate","restart"]}`
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":   "llama3",
			"message": map[string]string{"role": "assistant", "content": content},
			"done":    true,
		})
	}))
	t.Cleanup(ollama.Close)

	s, providers := newTestServer(t)
	providers.byID["p1"] = llmprovider.Provider{
		ID: "p1", Name: "local-ollama", Type: llmprovider.TypeOllama, IsActive: true,
		Config: llmprovider.Config{BaseURL: ollama.URL},
	}

	body, _ := json.Marshal(workflowRequestBody{Prompt: "restart it", ProviderID: "p1"})
	req := httptest.NewRequest(http.MethodPost, "/workflow/completions", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp workflowResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "restart_device", resp.Result.Intent)
	require.Equal(t, []string{"locate", "restart"}, resp.Result.Steps)
}

func TestHandleUsageWithoutAnyRecordedTokens(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/usage?providerId=p1&days=3", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandleCreateAndListTemplates(t *testing.T) {
	s, _ := newTestServer(t)
	body, _ := json.Marshal(PromptTemplate{Name: "summarize", Prompt: "Summarize: {{input}}"})
	req := httptest.NewRequest(http.MethodPost, "/templates", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/templates", nil)
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var out []PromptTemplate
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out, 1)
	require.Equal(t, "summarize", out[0].Name)
}

func TestHandleHealthWithoutAggregator(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}
