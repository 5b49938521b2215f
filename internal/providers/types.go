package providers

import (
	"context"
	"strings"
)

// Provider is the interface all completion providers must implement.
type Provider interface {
	// Chat sends messages to the model and returns the complete response.
	// Cancelling ctx aborts the underlying network call.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// DefaultModel returns the provider's default model name.
	DefaultModel() string

	// Name returns the provider identifier (e.g. "anthropic", "openai").
	Name() string
}

// ChatRequest contains the input for a Chat call.
type ChatRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`

	// WebSearch lets the model run web searches server-side. Providers
	// without a search tool ignore it.
	WebSearch bool `json:"web_search,omitempty"`
}

// ChatResponse is the result from a Chat call.
type ChatResponse struct {
	Content      string     `json:"content"`
	Citations    []Citation `json:"citations,omitempty"` // in the order the model cited them
	FinishReason string     `json:"finish_reason"`       // "stop", "length"
	Usage        *Usage     `json:"usage,omitempty"`
}

// Message represents a conversation message.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// Citation is a source the model attributed part of its answer to.
type Citation struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// String renders the citation as a markdown link, or the bare URL when untitled.
func (c Citation) String() string {
	title := strings.TrimSpace(c.Title)
	if title == "" {
		return c.URL
	}
	return "[" + title + "](" + c.URL + ")"
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens      int `json:"prompt_tokens"`
	CompletionTokens  int `json:"completion_tokens"`
	TotalTokens       int `json:"total_tokens"`
	WebSearchRequests int `json:"web_search_requests,omitempty"`
}
