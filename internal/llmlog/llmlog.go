// Package llmlog persists the append-only LLMRequestLog (spec §1) to
// Postgres: one row per chat request answered by a provider (cache hits and
// workflow requests publish no LLMRequestLogged event and get no row), fed by subscribing
// to the Event Bus's llm-events topic rather than being called directly by
// the Dispatcher (keeps the dispatcher free of a storage dependency).
package llmlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/fleetops/platform/internal/eventbus"
)

// Logger owns the Postgres connection pool and the durable request log
// table.
type Logger struct {
	db *sql.DB
}

// Open connects to Postgres and ensures the request-log table exists.
func Open(dsn string) (*Logger, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS llm_request_log (
			id            TEXT PRIMARY KEY,
			provider_id   TEXT NOT NULL,
			model         TEXT NOT NULL,
			duration_ms   BIGINT NOT NULL,
			cached        BOOLEAN NOT NULL,
			prompt_tokens INTEGER NOT NULL,
			completion_tokens INTEGER NOT NULL,
			total_tokens  INTEGER NOT NULL,
			cost          DOUBLE PRECISION NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL
		)`); err != nil {
		return nil, err
	}
	return &Logger{db: db}, nil
}

func (l *Logger) Close() error {
	return l.db.Close()
}

type logEntry struct {
	ProviderID string `json:"providerId"`
	Model      string `json:"model"`
	DurationMs int64  `json:"durationMs"`
	Cached     bool   `json:"cached"`
	Usage      struct {
		PromptTokens     int     `json:"promptTokens"`
		CompletionTokens int     `json:"completionTokens"`
		TotalTokens      int     `json:"totalTokens"`
		Cost             float64 `json:"cost"`
	} `json:"usage"`
}

// Insert appends one row, keyed by the request id carried as event.Key.
func (l *Logger) Insert(ctx context.Context, requestID string, payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var entry logEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return err
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO llm_request_log
			(id, provider_id, model, duration_ms, cached, prompt_tokens, completion_tokens, total_tokens, cost, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		requestID, entry.ProviderID, entry.Model, entry.DurationMs, entry.Cached,
		entry.Usage.PromptTokens, entry.Usage.CompletionTokens, entry.Usage.TotalTokens, entry.Usage.Cost,
		time.Now().UTC(),
	)
	return err
}

// SubscribeTo wires the logger onto the bus's llm-events topic, appending a
// row for every LLMRequestLogged event and ignoring every other event type
// on the same topic (spec §6's llm-events also carries lifecycle events
// this table doesn't track). Returns the unsubscribe func.
func (l *Logger) SubscribeTo(bus eventbus.Bus) func() {
	return bus.Subscribe(eventbus.TopicLLMEvents, func(ctx context.Context, event eventbus.DomainEvent) error {
		if event.EventType != "LLMRequestLogged" {
			return nil
		}
		if err := l.Insert(ctx, event.Key, event.Payload); err != nil {
			slog.Warn("llmlog: insert failed", "error", err)
		}
		return nil
	})
}
