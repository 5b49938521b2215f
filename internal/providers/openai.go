package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIProvider implements Provider for OpenAI-compatible chat completion
// APIs (OpenAI, Groq, OpenRouter, DeepSeek, vLLM, etc.). These APIs expose no
// server-side search tool, so WebSearch is ignored and no citations are returned.
type OpenAIProvider struct {
	name         string
	apiBase      string
	defaultModel string
	client       *openai.Client
	retryConfig  RetryConfig
}

func NewOpenAIProvider(name, apiKey, apiBase, defaultModel string) *OpenAIProvider {
	if name == "" {
		name = "openai"
	}
	if defaultModel == "" {
		defaultModel = defaultOpenAIModel
	}

	clientConfig := openai.DefaultConfig(apiKey)
	if apiBase != "" {
		clientConfig.BaseURL = strings.TrimRight(apiBase, "/")
	}

	return &OpenAIProvider{
		name:         name,
		apiBase:      clientConfig.BaseURL,
		defaultModel: defaultModel,
		client:       openai.NewClientWithConfig(clientConfig),
		retryConfig:  DefaultRetryConfig(),
	}
}

// WithRetries sets the number of transport retries on 429/5xx.
func (p *OpenAIProvider) WithRetries(n int) *OpenAIProvider {
	p.retryConfig.MaxRetries = n
	return p
}

func (p *OpenAIProvider) Name() string         { return p.name }
func (p *OpenAIProvider) DefaultModel() string { return p.defaultModel }
func (p *OpenAIProvider) APIBase() string      { return p.apiBase }

func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	oaiReq := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  msgs,
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature != nil {
		oaiReq.Temperature = float32(*req.Temperature)
	}

	return RetryDo(ctx, p.retryConfig, func() (*ChatResponse, error) {
		resp, err := p.client.CreateChatCompletion(ctx, oaiReq)
		if err != nil {
			return nil, p.wrapError(err)
		}
		if len(resp.Choices) == 0 {
			return nil, fmt.Errorf("%s: empty chat response", p.name)
		}

		choice := resp.Choices[0]
		result := &ChatResponse{
			Content:      strings.TrimSpace(choice.Message.Content),
			FinishReason: "stop",
			Usage: &Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			},
		}
		if choice.FinishReason == openai.FinishReasonLength {
			result.FinishReason = "length"
		}
		return result, nil
	})
}

// wrapError turns go-openai status errors into *HTTPError so RetryDo and
// callers see one error shape across providers.
func (p *OpenAIProvider) wrapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		return &HTTPError{Status: apiErr.HTTPStatusCode, Body: fmt.Sprintf("%s: %s", p.name, apiErr.Message)}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return &HTTPError{Status: reqErr.HTTPStatusCode, Body: fmt.Sprintf("%s: %v", p.name, reqErr.Err)}
	}
	return fmt.Errorf("%s: %w", p.name, err)
}
