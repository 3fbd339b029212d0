package llmprovider

import (
	"context"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/medpipe/core/infrastructure/httputil"
)

// AnthropicProvider invokes Claude-family models via the official SDK.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider constructs a provider authenticated with apiKey. The
// underlying HTTP client enforces TLS 1.2+ and a generation-sized timeout;
// per-step cancellation is still driven by ctx in Complete.
func NewAnthropicProvider(apiKey string) *AnthropicProvider {
	httpClient := httputil.CopyHTTPClientWithTimeout(&http.Client{
		Transport: httputil.DefaultTransportWithMinTLS12(),
	}, 2*time.Minute, true)

	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey), option.WithHTTPClient(httpClient)),
	}
}

// Complete sends req to the Messages API and classifies failures into the
// transient/permanent taxonomy the executor's retry policy depends on.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (Response, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		MaxTokens:   int64(maxTokensOrDefault(req.MaxTokens)),
		Temperature: anthropic.Float(req.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, classifyAnthropicError(err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return Response{
		Text:         text,
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}, nil
}

func maxTokensOrDefault(n int) int {
	if n <= 0 {
		return 4096
	}
	return n
}

func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if ok := anthropicAsAPIError(err, &apiErr); ok {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return &TransientError{Err: err}
		default:
			return &PermanentError{Err: err}
		}
	}
	// network-level errors (timeouts, connection resets) without a
	// structured API error are treated as transient.
	return &TransientError{Err: err}
}

func anthropicAsAPIError(err error, target **anthropic.Error) bool {
	apiErr, ok := err.(*anthropic.Error)
	if ok {
		*target = apiErr
	}
	return ok
}
