package llmprovider

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/medpipe/core/infrastructure/httputil"
)

// LangchainProvider adapts any OpenAI-compatible or local model server
// langchaingo supports, for providers not covered by the dedicated
// Anthropic and Bedrock adapters.
type LangchainProvider struct {
	model llms.Model
}

// NewLangchainProvider constructs an OpenAI-compatible langchaingo model
// client. baseURL may point at a local/self-hosted OpenAI-compatible
// server; an empty string uses the public OpenAI endpoint.
func NewLangchainProvider(apiKey, baseURL string) (*LangchainProvider, error) {
	httpClient := httputil.CopyHTTPClientWithTimeout(&http.Client{
		Transport: httputil.DefaultTransportWithMinTLS12(),
	}, 2*time.Minute, true)

	opts := []openai.Option{openai.WithToken(apiKey), openai.WithHTTPClient(httpClient)}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, err
	}
	return &LangchainProvider{model: model}, nil
}

// Complete sends req through langchaingo's GenerateContent call.
func (p *LangchainProvider) Complete(ctx context.Context, req Request) (Response, error) {
	var messages []llms.MessageContent
	if req.System != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt))

	resp, err := p.model.GenerateContent(ctx, messages,
		llms.WithModel(req.Model),
		llms.WithTemperature(req.Temperature),
		llms.WithMaxTokens(maxTokensOrDefault(req.MaxTokens)),
	)
	if err != nil {
		return Response{}, classifyLangchainError(err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, &PermanentError{Err: errNoChoices}
	}

	choice := resp.Choices[0]
	return Response{
		Text:         choice.Content,
		InputTokens:  intFromGenInfo(choice.GenerationInfo, "PromptTokens"),
		OutputTokens: intFromGenInfo(choice.GenerationInfo, "CompletionTokens"),
	}, nil
}

func intFromGenInfo(info map[string]interface{}, key string) int {
	v, ok := info[key].(int)
	if !ok {
		return 0
	}
	return v
}

var errNoChoices = errNoChoicesErr("langchain provider returned no choices")

type errNoChoicesErr string

func (e errNoChoicesErr) Error() string { return string(e) }

func classifyLangchainError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "500"):
		return &TransientError{Err: err}
	default:
		return &PermanentError{Err: err}
	}
}
