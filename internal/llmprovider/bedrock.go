package llmprovider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// BedrockProvider invokes AWS Bedrock-hosted models through the
// InvokeModel API using each model family's native request envelope.
type BedrockProvider struct {
	client *bedrockruntime.Client
}

// NewBedrockProvider loads the default AWS config for the given region and
// constructs a Bedrock runtime client.
func NewBedrockProvider(ctx context.Context, region string) (*BedrockProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &BedrockProvider{client: bedrockruntime.NewFromConfig(cfg)}, nil
}

type bedrockAnthropicRequest struct {
	AnthropicVersion string                   `json:"anthropic_version"`
	MaxTokens        int                      `json:"max_tokens"`
	Temperature      float64                  `json:"temperature"`
	System           string                   `json:"system,omitempty"`
	Messages         []bedrockAnthropicMessage `json:"messages"`
}

type bedrockAnthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockAnthropicResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Complete invokes req.Model with the Anthropic-on-Bedrock message
// envelope, the most common Bedrock model family wired into this core.
func (p *BedrockProvider) Complete(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(bedrockAnthropicRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokensOrDefault(req.MaxTokens),
		Temperature:      req.Temperature,
		System:           req.System,
		Messages: []bedrockAnthropicMessage{
			{Role: "user", Content: req.Prompt},
		},
	})
	if err != nil {
		return Response{}, &PermanentError{Err: err}
	}

	out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(req.Model),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return Response{}, classifyBedrockError(err)
	}

	var parsed bedrockAnthropicResponse
	if err := json.Unmarshal(out.Body, &parsed); err != nil {
		return Response{}, &PermanentError{Err: fmt.Errorf("decode bedrock response: %w", err)}
	}

	var text string
	for _, block := range parsed.Content {
		text += block.Text
	}

	return Response{
		Text:         text,
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
	}, nil
}

func classifyBedrockError(err error) error {
	var throttled *types.ThrottlingException
	var serviceUnavailable *types.ServiceUnavailableException
	var internalErr *types.InternalServerException
	var respErr *smithyhttp.ResponseError

	switch {
	case asBedrockErr(err, &throttled), asBedrockErr(err, &serviceUnavailable), asBedrockErr(err, &internalErr):
		return &TransientError{Err: err}
	case asBedrockErr(err, &respErr) && respErr.HTTPStatusCode() >= 500:
		return &TransientError{Err: err}
	default:
		return &PermanentError{Err: err}
	}
}

func asBedrockErr[T error](err error, target *T) bool {
	for e := err; e != nil; e = unwrapOnce(e) {
		if t, ok := e.(T); ok {
			*target = t
			return true
		}
	}
	return false
}

func unwrapOnce(err error) error {
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return u.Unwrap()
	}
	return nil
}
