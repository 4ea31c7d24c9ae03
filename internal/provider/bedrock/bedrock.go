// Package bedrock invokes Anthropic models hosted on AWS Bedrock.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"
	"github.com/felipepmaragno/adventure-engine/internal/domain"
	"github.com/felipepmaragno/adventure-engine/internal/provider/anthropic"
)

const bedrockAnthropicVersion = "bedrock-2023-05-31"

// InvokeAPI is the subset of the Bedrock runtime client the driver calls.
type InvokeAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

type Provider struct {
	id     string
	client InvokeAPI
}

func New(id string, cfg aws.Config) *Provider {
	return &Provider{id: id, client: bedrockruntime.NewFromConfig(cfg)}
}

func NewWithClient(id string, client InvokeAPI) *Provider {
	return &Provider{id: id, client: client}
}

func (p *Provider) ID() string {
	return p.id
}

func (p *Provider) Generate(ctx context.Context, role domain.Role, req domain.CallRequest) (*domain.RawResponse, error) {
	if role != domain.RoleChat {
		return nil, domain.NewProviderError(p.id, domain.KindNetwork, 0, fmt.Errorf("unsupported role %q", role))
	}

	body := anthropic.ToRequest(req)
	body.Model = ""
	body.AnthropicVersion = bedrockAnthropicVersion

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(req.Model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        payload,
	})
	if err != nil {
		return nil, p.classify(ctx, err)
	}

	return anthropic.DecodeResponse(p.id, out.Body)
}

func (p *Provider) classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}

	status := 0
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}

	kind := domain.KindNetwork
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ThrottlingException" {
		kind = domain.KindRateLimited
	} else if status != 0 {
		kind = domain.ClassifyStatus(status)
	}

	return domain.NewProviderError(p.id, kind, status, err)
}
