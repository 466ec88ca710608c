package llmdispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fleetops/platform/internal/apperr"
	"github.com/fleetops/platform/internal/circuitbreaker"
	"github.com/fleetops/platform/internal/eventbus"
	"github.com/fleetops/platform/internal/llmcache"
	"github.com/fleetops/platform/internal/llmprovider"
	"github.com/fleetops/platform/internal/metrics"
	"github.com/fleetops/platform/internal/realtime"
)

const reloadInterval = 30 * time.Second

// ProviderStore is the subset of *llmprovider.Registry the Dispatcher
// needs — kept as an interface so tests can substitute a fake instead of a
// live Mongo collection.
type ProviderStore interface {
	GetDecrypted(ctx context.Context, id string) (*llmprovider.Provider, error)
	GetDefault(ctx context.Context, purpose llmprovider.Purpose) (*llmprovider.Provider, error)
	List(ctx context.Context) ([]llmprovider.Provider, error)
}

// Price is a per-1k-token input/output price pair; defaultPrices maps
// provider type+model to one.
type Price struct {
	InputPer1K  float64
	OutputPer1K float64
}

// defaultPrices is a deliberately small seed table; unknown model/provider
// pairs cost zero rather than erroring (spec §4.9 cost model — never blocks
// a response on missing pricing data).
var defaultPrices = map[string]Price{
	"openai:gpt-4o":              {InputPer1K: 0.005, OutputPer1K: 0.015},
	"openai:gpt-4o-mini":         {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"anthropic:claude-3-5-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"anthropic:claude-3-haiku":   {InputPer1K: 0.00025, OutputPer1K: 0.00125},
}

// Dispatcher orchestrates provider selection, invocation, caching, and
// usage accounting (spec §4.9).
type Dispatcher struct {
	registry ProviderStore
	cache    *llmcache.Cache
	bus      eventbus.Bus
	breakers *circuitbreaker.PlatformBreakers
	hub      *realtime.Hub
	redis    *redis.Client
	envChat  *llmprovider.Provider
	envFlow  *llmprovider.Provider

	mu      sync.RWMutex
	clients map[string]vendorClient // providerID -> built client
	built   map[string]time.Time    // providerID -> last build time (by provider.UpdatedAt)
}

func New(registry ProviderStore, cache *llmcache.Cache, bus eventbus.Bus, breakers *circuitbreaker.PlatformBreakers, hub *realtime.Hub, redisClient *redis.Client) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		cache:    cache,
		bus:      bus,
		breakers: breakers,
		hub:      hub,
		redis:    redisClient,
		clients:  make(map[string]vendorClient),
		built:    make(map[string]time.Time),
	}
}

// SetEnvProvider registers an environment-provisioned fallback provider for
// a purpose, used when the registry has no active default (spec §4.9
// selection step 3).
func (d *Dispatcher) SetEnvProvider(purpose llmprovider.Purpose, p *llmprovider.Provider) {
	if purpose == llmprovider.PurposeWorkflow {
		d.envFlow = p
	} else {
		d.envChat = p
	}
}

// Chat selects a provider, runs the per-request pipeline, and returns the
// normalized response.
func (d *Dispatcher) Chat(ctx context.Context, req ChatRequest, providerID string) (ChatResponse, error) {
	provider, err := d.selectProvider(ctx, providerID, llmprovider.PurposeChat)
	if err != nil {
		return ChatResponse{}, err
	}

	requestID := newRequestID()
	d.publish(ctx, "LLMRequestStarted", requestID, map[string]any{"providerId": provider.ID})

	cacheKey := cacheKeyFor(provider.ID, req.Messages)
	if cached, ok := d.cache.Get(ctx, cacheKey); ok {
		var resp ChatResponse
		if err := json.Unmarshal(cached, &resp); err == nil {
			resp.ID = requestID
			resp.Cached = true
			metrics.CacheHits.WithLabelValues(provider.ID).Inc()
			d.publish(ctx, "CacheHit", requestID, map[string]any{"providerId": provider.ID})
			return resp, nil
		}
	}
	metrics.CacheMisses.WithLabelValues(provider.ID).Inc()
	d.publish(ctx, "CacheMiss", requestID, map[string]any{"providerId": provider.ID})

	start := time.Now()
	resp, err := d.invokeWithRetry(ctx, provider, req)
	duration := time.Since(start)

	if err != nil {
		d.publish(ctx, "LLMRequestFailed", requestID, map[string]any{
			"providerId": provider.ID, "durationMs": duration.Milliseconds(), "error": err.Error(),
		})
		return ChatResponse{}, err
	}

	resp.ID = requestID
	resp.Usage.Cost = computeCost(provider, resp.Model, resp.Usage)

	if b, err := json.Marshal(resp); err == nil {
		_ = d.cache.Set(ctx, cacheKey, b)
	}

	d.recordUsage(ctx, provider, resp, duration, false)
	d.publish(ctx, "LLMRequestCompleted", requestID, map[string]any{
		"providerId": provider.ID, "durationMs": duration.Milliseconds(),
	})

	return resp, nil
}

// ChatStream is identical to Chat but also sends the reply to the Realtime
// Hub session room (spec §4.9 "Streaming variant"). Vendor clients in this
// package invoke synchronously, so the room receives a single fragment
// carrying the whole completed message with finished=true; no vendor-native
// incremental streaming is done.
func (d *Dispatcher) ChatStream(ctx context.Context, req ChatRequest, providerID, sessionID string) (ChatResponse, error) {
	resp, err := d.Chat(ctx, req, providerID)
	if err != nil {
		return ChatResponse{}, err
	}
	if d.hub != nil && sessionID != "" {
		content := ""
		if len(resp.Choices) > 0 {
			content = resp.Choices[0].Message.Content
		}
		frag, _ := json.Marshal(StreamFragment{RequestID: resp.ID, Delta: content, Finished: true})
		var payload map[string]any
		_ = json.Unmarshal(frag, &payload)
		d.hub.Broadcast("session:"+sessionID, realtime.Message{
			Type: "chat_fragment", Timestamp: time.Now().UTC(), Payload: payload,
		}, realtime.PriorityNormal)
	}
	return resp, nil
}

// Workflow runs a single-shot prompt (no cache, no streaming).
func (d *Dispatcher) Workflow(ctx context.Context, prompt string, providerID string) (WorkflowResult, error) {
	provider, err := d.selectProvider(ctx, providerID, llmprovider.PurposeWorkflow)
	if err != nil {
		return WorkflowResult{}, err
	}

	resp, err := d.invokeWithRetry(ctx, provider, ChatRequest{Messages: []Message{{Role: "user", Content: prompt}}})
	if err != nil {
		return WorkflowResult{}, err
	}

	output := ""
	if len(resp.Choices) > 0 {
		output = resp.Choices[0].Message.Content
	}
	resp.Usage.Cost = computeCost(provider, resp.Model, resp.Usage)

	return WorkflowResult{Output: output, Model: resp.Model, Usage: resp.Usage, CreatedAt: time.Now().UTC()}, nil
}

// selectProvider implements spec §4.9's 4-step selection cascade.
func (d *Dispatcher) selectProvider(ctx context.Context, providerID string, purpose llmprovider.Purpose) (*llmprovider.Provider, error) {
	if providerID != "" {
		p, err := d.registry.GetDecrypted(ctx, providerID)
		if err == nil && p.IsActive {
			return p, nil
		}
	}

	if p, err := d.registry.GetDefault(ctx, purpose); err == nil {
		decrypted, derr := d.registry.GetDecrypted(ctx, p.ID)
		if derr == nil {
			return decrypted, nil
		}
	}

	if purpose == llmprovider.PurposeWorkflow && d.envFlow != nil {
		return d.envFlow, nil
	}
	if d.envChat != nil {
		return d.envChat, nil
	}

	return nil, apperr.NoProvider()
}

// invokeWithRetry applies the per-type timeout and the 3-attempt
// exponential-backoff-on-transient-errors policy, isolated per provider by
// a dedicated circuit breaker (spec §4.9 point 3, §4.9 retry policy).
func (d *Dispatcher) invokeWithRetry(ctx context.Context, provider *llmprovider.Provider, req ChatRequest) (ChatResponse, error) {
	client, err := d.clientFor(provider)
	if err != nil {
		return ChatResponse{}, err
	}

	breaker := d.breakers.ForProvider(provider.ID)

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, client.timeout())
		result, err := circuitbreaker.ExecuteWithFallback(breaker,
			func() (ChatResponse, error) { return client.invoke(callCtx, req) },
			func(cause error) (ChatResponse, error) { return ChatResponse{}, cause },
		)
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err

		appErr := apperr.As(err)
		if appErr.Kind == apperr.KindValidation {
			return ChatResponse{}, err // 4xx: no retry
		}
		if attempt < 2 {
			time.Sleep(time.Duration(1<<attempt) * 200 * time.Millisecond)
		}
	}
	return ChatResponse{}, lastErr
}

func (d *Dispatcher) clientFor(provider *llmprovider.Provider) (vendorClient, error) {
	d.mu.RLock()
	client, ok := d.clients[provider.ID]
	built, builtOK := d.built[provider.ID]
	d.mu.RUnlock()

	if ok && builtOK && !built.Before(provider.UpdatedAt) {
		return client, nil
	}

	newClient, err := newVendorClient(provider)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.clients[provider.ID] = newClient
	d.built[provider.ID] = provider.UpdatedAt
	d.mu.Unlock()

	return newClient, nil
}

// RunReloadLoop diffs the in-memory client map against the registry every
// 30s, rebuilding providers whose UpdatedAt advanced and evicting ones that
// were deactivated or removed (spec §4.9 "Reload loop"). Rebuild failures
// are logged and skipped, never fatal.
func (d *Dispatcher) RunReloadLoop(ctx context.Context) {
	ticker := time.NewTicker(reloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.reloadOnce(ctx)
		}
	}
}

func (d *Dispatcher) reloadOnce(ctx context.Context) {
	providers, err := d.registry.List(ctx)
	if err != nil {
		slog.Warn("llmdispatch: reload failed to list providers", "error", err)
		return
	}

	seen := make(map[string]bool, len(providers))
	for _, p := range providers {
		seen[p.ID] = true
		if !p.IsActive {
			d.evict(p.ID)
			continue
		}
		decrypted, err := d.registry.GetDecrypted(ctx, p.ID)
		if err != nil {
			slog.Warn("llmdispatch: reload failed to load provider", "provider", p.ID, "error", err)
			continue
		}
		if _, err := d.clientFor(decrypted); err != nil {
			slog.Warn("llmdispatch: reload failed to build client", "provider", p.ID, "error", err)
		}
	}

	d.mu.Lock()
	for id := range d.clients {
		if !seen[id] {
			delete(d.clients, id)
			delete(d.built, id)
		}
	}
	d.mu.Unlock()
}

func (d *Dispatcher) evict(providerID string) {
	d.mu.Lock()
	delete(d.clients, providerID)
	delete(d.built, providerID)
	d.mu.Unlock()
}

func (d *Dispatcher) recordUsage(ctx context.Context, provider *llmprovider.Provider, resp ChatResponse, duration time.Duration, cached bool) {
	if d.redis != nil {
		key := fmt.Sprintf("usage:llm:%s:%s", provider.ID, time.Now().UTC().Format("2006-01-02"))
		_ = d.redis.IncrBy(ctx, key, int64(resp.Usage.TotalTokens)).Err()
	}
	// LLMRequestLog persistence is append-only storage outside this
	// package's scope (the catalog store / a log sink, spec §1); the event
	// below carries every field a subscriber needs to append one.
	d.publish(ctx, "LLMRequestLogged", resp.ID, map[string]any{
		"providerId": provider.ID,
		"model":      resp.Model,
		"durationMs": duration.Milliseconds(),
		"cached":     cached,
		"usage":      resp.Usage,
	})
}

func (d *Dispatcher) publish(ctx context.Context, eventType, key string, payload map[string]any) {
	if d.bus == nil {
		return
	}
	event := eventbus.NewDomainEvent(eventType, key, "llm-dispatcher", payload)
	_ = d.bus.Publish(ctx, eventbus.TopicLLMEvents, event)
}

func cacheKeyFor(providerID string, messages []Message) string {
	cacheMessages := make([]llmcache.Message, len(messages))
	for i, m := range messages {
		cacheMessages[i] = llmcache.Message{Role: m.Role, Content: m.Content}
	}
	return llmcache.KeyWithProvider(providerID, cacheMessages)
}

func computeCost(provider *llmprovider.Provider, model string, usage Usage) float64 {
	if provider.Type == llmprovider.TypeOllama {
		return 0
	}
	price, ok := defaultPrices[fmt.Sprintf("%s:%s", provider.Type, model)]
	if !ok {
		return 0
	}
	return float64(usage.PromptTokens)/1000*price.InputPer1K + float64(usage.CompletionTokens)/1000*price.OutputPer1K
}

func newRequestID() string {
	id, _ := uuid.NewRandom()
	return id.String()
}
