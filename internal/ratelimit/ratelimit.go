// Package ratelimit implements the Rate Limiter (C2): a sliding-window
// counter in Redis, applied as three presets (IP basic, per-principal,
// login guard). The read-modify-write is a single atomic Lua script so
// concurrent requests against the same key never overshoot the limit.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript implements spec §4.2's algorithm as one atomic
// server-side operation: trim timestamps older than now-W, count what's
// left, and either admit (push now, set TTL) or reject.
const slidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window_ms)
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, now, now .. '-' .. math.random(1000000))
  redis.call('PEXPIRE', key, window_ms)
  return 1
end
return 0
`

// Preset names a window+limit pair and how the key is derived.
type Preset struct {
	Name   string
	Window time.Duration
	Limit  int
}

// IPBasicPreset, PerPrincipalPreset and LoginGuardPreset match spec §4.2.
// LoginGuardPreset is a hard floor — never overridable by config (spec §9
// Open Question resolution #2).
func IPBasicPreset(window time.Duration, limit int) Preset {
	return Preset{Name: "ip-basic", Window: window, Limit: limit}
}

func PerPrincipalPreset(window time.Duration, limit int) Preset {
	return Preset{Name: "per-principal", Window: window, Limit: limit}
}

var LoginGuardPreset = Preset{Name: "login-guard", Window: 5 * time.Minute, Limit: 10}

// Limiter applies sliding-window presets against a shared Redis store,
// failing open (log and continue, never block the request) if the store is
// unreachable — spec §4.2 "Overload of the rate limiter must never cause a
// global outage."
type Limiter struct {
	rdb    *redis.Client
	prefix string
	script *redis.Script

	mu       sync.Mutex
	failedAt time.Time
}

func New(rdb *redis.Client, keyPrefix string) *Limiter {
	return &Limiter{
		rdb:    rdb,
		prefix: keyPrefix,
		script: redis.NewScript(slidingWindowScript),
	}
}

// Allow checks key against preset. On Redis failure it fails open (returns
// allowed=true) and logs a warning, matching §7's "Rate-limit store
// unavailability → fail open, log warning."
func (l *Limiter) Allow(ctx context.Context, preset Preset, key string) (allowed bool, err error) {
	redisKey := fmt.Sprintf("%sratelimit:%s:%s", l.prefix, preset.Name, key)
	now := time.Now().UnixMilli()
	windowMs := preset.Window.Milliseconds()

	res, err := l.script.Run(ctx, l.rdb, []string{redisKey}, now, windowMs, preset.Limit).Int()
	if err != nil {
		slog.Warn("rate limiter store unavailable, failing open", "preset", preset.Name, "error", err)
		return true, nil
	}
	return res == 1, nil
}

// AllowRequest applies every applicable preset for a request and returns
// the first one that denies, or nil if all admit. Login attempts should
// pass both an IP-keyed preset and LoginGuardPreset; the guard is additive,
// not a replacement (§9 resolution #2).
func (l *Limiter) AllowRequest(ctx context.Context, ip, principalKey string, presets ...Preset) (denied *Preset, err error) {
	for i := range presets {
		p := presets[i]
		key := ip
		if p.Name == "per-principal" && principalKey != "" {
			key = principalKey
		}
		ok, err := l.Allow(ctx, p, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return &p, nil
		}
	}
	return nil, nil
}
