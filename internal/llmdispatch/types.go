// Package llmdispatch implements the Provider Dispatcher (C9): selects a
// provider for a request, invokes the correct remote wire shape, normalizes
// the response, and records usage. Wire shapes are grounded on
// internal/protocol/openai_parser.go's OpenAI request/response structs.
package llmdispatch

import "time"

// Message is the uniform chat message shape accepted from clients.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the Dispatcher's input (spec §4.9).
type ChatRequest struct {
	Messages []Message `json:"messages"`
	Model    string    `json:"model,omitempty"`
	Stream   bool      `json:"stream,omitempty"`
}

// Usage carries token accounting and computed cost.
type Usage struct {
	PromptTokens     int     `json:"promptTokens"`
	CompletionTokens int     `json:"completionTokens"`
	TotalTokens      int     `json:"totalTokens"`
	Cost             float64 `json:"cost"`
}

// Choice is a single completion candidate.
type Choice struct {
	Message      Message `json:"message"`
	FinishReason string  `json:"finishReason"`
}

// ChatResponse is the normalized, vendor-agnostic shape every provider
// client is mapped into (spec §4.9 point 4).
type ChatResponse struct {
	ID           string    `json:"id"`
	Model        string    `json:"model"`
	Usage        Usage     `json:"usage"`
	Choices      []Choice  `json:"choices"`
	CreatedAt    time.Time `json:"createdAt"`
	FinishReason string    `json:"finishReason"`
	Cached       bool      `json:"cached,omitempty"`
}

// StreamFragment is emitted to the Realtime Hub during a streaming
// dispatch (spec §4.9 "Streaming variant").
type StreamFragment struct {
	RequestID string `json:"requestId"`
	Delta     string `json:"delta"`
	Finished  bool   `json:"finished"`
}

// WorkflowResult is the output of Workflow(); workflows are single-shot
// prompts without a message history.
type WorkflowResult struct {
	Output    string    `json:"output"`
	Model     string    `json:"model"`
	Usage     Usage     `json:"usage"`
	CreatedAt time.Time `json:"createdAt"`
}
