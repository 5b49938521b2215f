package providers

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nextlevelbuilder/roomclaw/internal/metrics"
	"github.com/nextlevelbuilder/roomclaw/internal/tracing"
)

// Instrument wraps p so every Chat call is counted and traced.
func Instrument(p Provider) Provider {
	if _, ok := p.(*instrumented); ok {
		return p
	}
	return &instrumented{Provider: p}
}

type instrumented struct {
	Provider
}

func (i *instrumented) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	metrics.ProviderCalls.WithLabelValues(i.Name(), strconv.FormatBool(req.WebSearch)).Inc()

	ctx, span := tracing.Tracer().Start(ctx, "provider.chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", i.Name()),
		attribute.String("model", req.Model),
		attribute.Bool("web_search", req.WebSearch),
		attribute.Int("messages", len(req.Messages)),
	)

	resp, err := i.Provider.Chat(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("citations", len(resp.Citations)))
	if resp.Usage != nil {
		span.SetAttributes(
			attribute.Int("usage.prompt_tokens", resp.Usage.PromptTokens),
			attribute.Int("usage.completion_tokens", resp.Usage.CompletionTokens),
		)
	}
	return resp, nil
}
