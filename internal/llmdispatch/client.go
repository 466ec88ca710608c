package llmdispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fleetops/platform/internal/apperr"
	"github.com/fleetops/platform/internal/llmprovider"
)

// vendorClient is implemented once per provider type (spec §4.9 "Provider
// clients").
type vendorClient interface {
	invoke(ctx context.Context, req ChatRequest) (ChatResponse, error)
	timeout() time.Duration
}

func newVendorClient(p *llmprovider.Provider) (vendorClient, error) {
	switch p.Type {
	case llmprovider.TypeOpenAI:
		return &openAILikeClient{provider: p}, nil
	case llmprovider.TypeAnthropic:
		return &anthropicClient{provider: p}, nil
	case llmprovider.TypeOllama:
		return &ollamaClient{provider: p}, nil
	case llmprovider.TypeCustom, llmprovider.TypeGoogle:
		return &customClient{provider: p}, nil
	default:
		return nil, apperr.InvalidProviderConfig(fmt.Sprintf("unknown provider type %q", p.Type))
	}
}

func doJSON(ctx context.Context, method, url string, headers map[string]string, body any, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

// --- OpenAI-like -------------------------------------------------------

type openAILikeClient struct {
	provider *llmprovider.Provider
}

type openAIChatRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *openAILikeClient) timeout() time.Duration { return 30 * time.Second }

func (c *openAILikeClient) invoke(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	model := req.Model
	if model == "" && len(c.provider.Models) > 0 {
		model = c.provider.Models[0]
	}

	wireReq := openAIChatRequest{Model: model}
	for _, m := range req.Messages {
		wireReq.Messages = append(wireReq.Messages, openAIMessage{Role: m.Role, Content: m.Content})
	}

	headers := map[string]string{"Authorization": "Bearer " + c.provider.Config.APIKey}
	if c.provider.Config.Organization != "" {
		headers["OpenAI-Organization"] = c.provider.Config.Organization
	}

	var wireResp openAIChatResponse
	status, err := doJSON(ctx, http.MethodPost, c.provider.Config.BaseURL+"/chat/completions", headers, wireReq, &wireResp)
	if err != nil {
		return ChatResponse{}, err
	}
	if status >= 400 {
		return ChatResponse{}, httpStatusError(status)
	}

	resp := ChatResponse{ID: wireResp.ID, Model: wireResp.Model, CreatedAt: time.Now().UTC()}
	resp.Usage = Usage{
		PromptTokens:     wireResp.Usage.PromptTokens,
		CompletionTokens: wireResp.Usage.CompletionTokens,
		TotalTokens:      wireResp.Usage.TotalTokens,
	}
	for _, choice := range wireResp.Choices {
		resp.Choices = append(resp.Choices, Choice{
			Message:      Message{Role: choice.Message.Role, Content: choice.Message.Content},
			FinishReason: choice.FinishReason, // mapped verbatim, spec §4.9
		})
		resp.FinishReason = choice.FinishReason
	}
	return resp, nil
}

// --- Anthropic ----------------------------------------------------------

type anthropicClient struct {
	provider *llmprovider.Provider
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *anthropicClient) timeout() time.Duration { return 45 * time.Second }

func (c *anthropicClient) invoke(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	model := req.Model
	if model == "" && len(c.provider.Models) > 0 {
		model = c.provider.Models[0]
	}

	wireReq := anthropicRequest{Model: model, MaxTokens: 4096}
	for _, m := range req.Messages {
		if m.Role == "system" {
			wireReq.System = m.Content
			continue
		}
		wireReq.Messages = append(wireReq.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	headers := map[string]string{
		"x-api-key":         c.provider.Config.APIKey,
		"anthropic-version": "2023-06-01",
	}

	var wireResp anthropicResponse
	status, err := doJSON(ctx, http.MethodPost, c.provider.Config.BaseURL+"/v1/messages", headers, wireReq, &wireResp)
	if err != nil {
		return ChatResponse{}, err
	}
	if status >= 400 {
		return ChatResponse{}, httpStatusError(status)
	}

	var content string
	if len(wireResp.Content) > 0 {
		content = wireResp.Content[0].Text
	}

	finish := mapAnthropicStopReason(wireResp.StopReason)
	return ChatResponse{
		ID:        wireResp.ID,
		Model:     wireResp.Model,
		CreatedAt: time.Now().UTC(),
		Usage: Usage{
			PromptTokens:     wireResp.Usage.InputTokens,
			CompletionTokens: wireResp.Usage.OutputTokens,
			TotalTokens:      wireResp.Usage.InputTokens + wireResp.Usage.OutputTokens,
		},
		Choices:      []Choice{{Message: Message{Role: "assistant", Content: content}, FinishReason: finish}},
		FinishReason: finish,
	}, nil
}

func mapAnthropicStopReason(reason string) string {
	switch reason {
	case "end_turn":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return "stop"
	}
}

// --- Ollama ---------------------------------------------------------------

type ollamaClient struct {
	provider *llmprovider.Provider
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type ollamaChatResponse struct {
	Model   string        `json:"model"`
	Message openAIMessage `json:"message"`
	Done    bool          `json:"done"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func (c *ollamaClient) timeout() time.Duration { return 30 * time.Second }

func (c *ollamaClient) invoke(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = c.firstAvailableModel(ctx)
	}

	wireReq := ollamaChatRequest{Model: model, Stream: false}
	for _, m := range req.Messages {
		wireReq.Messages = append(wireReq.Messages, openAIMessage{Role: m.Role, Content: m.Content})
	}

	var wireResp ollamaChatResponse
	status, err := doJSON(ctx, http.MethodPost, c.provider.Config.BaseURL+"/api/chat", nil, wireReq, &wireResp)
	if err != nil {
		return ChatResponse{}, err
	}
	if status >= 400 {
		return ChatResponse{}, httpStatusError(status)
	}

	finish := "stop"
	return ChatResponse{
		Model:        wireResp.Model,
		CreatedAt:    time.Now().UTC(),
		Choices:      []Choice{{Message: Message{Role: wireResp.Message.Role, Content: wireResp.Message.Content}, FinishReason: finish}},
		FinishReason: finish,
	}, nil
}

func (c *ollamaClient) firstAvailableModel(ctx context.Context) string {
	var tags ollamaTagsResponse
	_, err := doJSON(ctx, http.MethodGet, c.provider.Config.BaseURL+"/api/tags", nil, nil, &tags)
	if err != nil || len(tags.Models) == 0 {
		return ""
	}
	return tags.Models[0].Name
}

// --- Custom -----------------------------------------------------------

// customClient sends the OpenAI-compatible wire shape for both custom and
// Google providers; there is no testEndpoint override and no Gemini-specific
// request shape.
type customClient struct {
	provider *llmprovider.Provider
}

func (c *customClient) timeout() time.Duration {
	if c.provider.Config.TimeoutSec > 0 {
		return time.Duration(c.provider.Config.TimeoutSec) * time.Second
	}
	return 30 * time.Second
}

func (c *customClient) invoke(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	delegate := &openAILikeClient{provider: c.provider}
	return delegate.invoke(ctx, req)
}

func httpStatusError(status int) error {
	if status >= 500 {
		return apperr.Wrap(apperr.KindUpstreamUnavailable, "PROVIDER_UNAVAILABLE", fmt.Sprintf("provider returned %d", status), nil)
	}
	return apperr.Validation(fmt.Sprintf("provider rejected request: %d", status))
}
