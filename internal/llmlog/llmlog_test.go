package llmlog

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/fleetops/platform/internal/eventbus"
)

// syncBus is a minimal eventbus.Bus that dispatches Publish synchronously,
// so tests can assert on SubscribeTo's handler without racing a goroutine.
type syncBus struct {
	handlers map[string][]eventbus.Handler
}

func newSyncBus() *syncBus {
	return &syncBus{handlers: make(map[string][]eventbus.Handler)}
}

func (b *syncBus) Publish(ctx context.Context, topic string, event eventbus.DomainEvent) error {
	for _, h := range b.handlers[topic] {
		if err := h(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (b *syncBus) Subscribe(topic string, handler eventbus.Handler) func() {
	b.handlers[topic] = append(b.handlers[topic], handler)
	return func() {}
}

func (b *syncBus) Close() error { return nil }

func newMockLogger(t *testing.T) (*Logger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &Logger{db: db}, mock
}

func TestInsertExecutesParameterizedStatement(t *testing.T) {
	logger, mock := newMockLogger(t)

	payload := map[string]any{
		"providerId": "prov-1",
		"model":      "gpt-4o",
		"durationMs": float64(120),
		"cached":     false,
		"usage": map[string]any{
			"promptTokens":     float64(10),
			"completionTokens": float64(20),
			"totalTokens":      float64(30),
			"cost":             0.002,
		},
	}

	mock.ExpectExec("INSERT INTO llm_request_log").
		WithArgs("req-1", "prov-1", "gpt-4o", int64(120), false, 10, 20, 30, 0.002, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := logger.Insert(context.Background(), "req-1", payload); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %s", err)
	}
}

func TestInsertIsIdempotentOnConflict(t *testing.T) {
	logger, mock := newMockLogger(t)

	mock.ExpectExec("INSERT INTO llm_request_log").
		WithArgs("req-dup", "prov-1", "llama3", int64(0), true, 0, 0, 0, 0.0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	payload := map[string]any{"providerId": "prov-1", "model": "llama3", "cached": true}
	if err := logger.Insert(context.Background(), "req-dup", payload); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %s", err)
	}
}

func TestSubscribeToOnlyLogsRequestLoggedEvents(t *testing.T) {
	logger, mock := newMockLogger(t)
	bus := newSyncBus()

	unsubscribe := logger.SubscribeTo(bus)
	defer unsubscribe()

	mock.ExpectExec("INSERT INTO llm_request_log").
		WithArgs("req-logged", "prov-2", "claude-3-haiku", int64(50), true, 5, 5, 10, 0.0001, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	logged := eventbus.NewDomainEvent("LLMRequestLogged", "req-logged", "llm-dispatch", map[string]any{
		"providerId": "prov-2",
		"model":      "claude-3-haiku",
		"durationMs": float64(50),
		"cached":     true,
		"usage": map[string]any{
			"promptTokens":     float64(5),
			"completionTokens": float64(5),
			"totalTokens":      float64(10),
			"cost":             0.0001,
		},
	})
	if err := bus.Publish(context.Background(), eventbus.TopicLLMEvents, logged); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ignored := eventbus.NewDomainEvent("CacheMiss", "req-ignored", "llm-dispatch", map[string]any{"providerId": "prov-2"})
	if err := bus.Publish(context.Background(), eventbus.TopicLLMEvents, ignored); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations (CacheMiss must not trigger an insert): %s", err)
	}
}
