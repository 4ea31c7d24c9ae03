package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/felipepmaragno/adventure-engine/internal/domain"
	"github.com/felipepmaragno/adventure-engine/internal/httputil"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
	defaultMaxTokens = 4096
)

type Provider struct {
	id      string
	apiKey  string
	baseURL string
	client  *http.Client
}

func New(id, apiKey, baseURL string, client *http.Client) *Provider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Provider{
		id:      id,
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (p *Provider) ID() string {
	return p.id
}

func (p *Provider) Generate(ctx context.Context, role domain.Role, req domain.CallRequest) (*domain.RawResponse, error) {
	if role != domain.RoleChat {
		return nil, domain.NewProviderError(p.id, domain.KindNetwork, 0, fmt.Errorf("unsupported role %q", role))
	}

	var resp messagesResponse
	n, err := httputil.DoJSON(ctx, p.client, p.id, httputil.Request{
		URL: p.baseURL + "/messages",
		Header: http.Header{
			"X-Api-Key":         {p.apiKey},
			"Anthropic-Version": {anthropicVersion},
		},
		Body: ToRequest(req),
	}, &resp)
	if err != nil {
		return nil, err
	}

	return fromResponse(p.id, resp, n)
}

// ToRequest builds a Messages API body. Bedrock reuses it for Claude models.
func ToRequest(req domain.CallRequest) MessagesRequest {
	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	system := req.System
	if req.JSONOutput {
		system = strings.TrimSpace(system + "\nRespond with a single JSON document and nothing else.")
	}

	return MessagesRequest{
		Model:     req.Model,
		MaxTokens: maxTokens,
		System:    system,
		Messages:  []Message{{Role: "user", Content: req.Prompt}},
	}
}

func fromResponse(providerID string, resp messagesResponse, n int) (*domain.RawResponse, error) {
	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 && resp.StopReason != "max_tokens" {
		return nil, domain.NewProviderError(providerID, domain.KindNetwork, http.StatusOK, errors.New("response has no text content"))
	}

	return &domain.RawResponse{
		Text:         text.String(),
		FinishReason: MapStopReason(resp.StopReason),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		Bytes:        n,
	}, nil
}

func MapStopReason(reason string) domain.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return domain.FinishStop
	case "max_tokens":
		return domain.FinishLength
	case "refusal":
		return domain.FinishContentFilter
	default:
		return domain.FinishUnknown
	}
}

type MessagesRequest struct {
	AnthropicVersion string    `json:"anthropic_version,omitempty"`
	Model            string    `json:"model,omitempty"`
	Messages         []Message `json:"messages"`
	MaxTokens        int       `json:"max_tokens"`
	System           string    `json:"system,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	ID         string         `json:"id"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// DecodeResponse parses a Messages API response body.
func DecodeResponse(providerID string, body []byte) (*domain.RawResponse, error) {
	var resp messagesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, domain.NewProviderError(providerID, domain.KindNetwork, 0, fmt.Errorf("decode response: %w", err))
	}
	return fromResponse(providerID, resp, len(body))
}
