package llmapi

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// PromptTemplate is a reusable prompt skeleton a caller can list and fill in
// client-side before issuing a chat or workflow request.
type PromptTemplate struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Prompt    string    `json:"prompt"`
	Variables []string  `json:"variables,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// templateStore is an in-memory catalog — templates are operator-authored
// convenience text, not durable domain state, so they don't need a Mongo
// collection of their own.
type templateStore struct {
	mu    sync.RWMutex
	items map[string]PromptTemplate
}

func newTemplateStore() *templateStore {
	return &templateStore{items: make(map[string]PromptTemplate)}
}

func (s *templateStore) list() []PromptTemplate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PromptTemplate, 0, len(s.items))
	for _, t := range s.items {
		out = append(out, t)
	}
	return out
}

func (s *templateStore) create(t PromptTemplate) PromptTemplate {
	id, _ := uuid.NewRandom()
	t.ID = id.String()
	t.CreatedAt = time.Now().UTC()

	s.mu.Lock()
	s.items[t.ID] = t
	s.mu.Unlock()
	return t
}
