// Package ollama calls a self-hosted Ollama server. Useful as a last-resort
// fallback and for local development without vendor keys.
package ollama

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/felipepmaragno/adventure-engine/internal/domain"
	"github.com/felipepmaragno/adventure-engine/internal/httputil"
)

const defaultBaseURL = "http://localhost:11434"

type Provider struct {
	id      string
	baseURL string
	client  *http.Client
}

func New(id, baseURL string, client *http.Client) *Provider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Provider{
		id:      id,
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

	body := chatRequest{
		Model:  req.Model,
		Stream: false,
	}
	if req.System != "" {
		body.Messages = append(body.Messages, message{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, message{Role: "user", Content: req.Prompt})
	if req.MaxOutputTokens > 0 {
		body.Options = &options{NumPredict: req.MaxOutputTokens}
	}
	if req.JSONOutput {
		body.Format = "json"
	}

	var resp chatResponse
	n, err := httputil.DoJSON(ctx, p.client, p.id, httputil.Request{
		URL:  p.baseURL + "/api/chat",
		Body: body,
	}, &resp)
	if err != nil {
		return nil, err
	}

	return &domain.RawResponse{
		Text:         resp.Message.Content,
		FinishReason: mapDoneReason(resp.DoneReason),
		InputTokens:  resp.PromptEvalCount,
		OutputTokens: resp.EvalCount,
		Bytes:        n,
	}, nil
}

func mapDoneReason(reason string) domain.FinishReason {
	switch reason {
	case "stop":
		return domain.FinishStop
	case "length":
		return domain.FinishLength
	default:
		return domain.FinishUnknown
	}
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
	Stream   bool      `json:"stream"`
	Format   string    `json:"format,omitempty"`
	Options  *options  `json:"options,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type options struct {
	NumPredict int `json:"num_predict,omitempty"`
}

type chatResponse struct {
	Model           string  `json:"model"`
	Message         message `json:"message"`
	Done            bool    `json:"done"`
	DoneReason      string  `json:"done_reason"`
	PromptEvalCount int     `json:"prompt_eval_count"`
	EvalCount       int     `json:"eval_count"`
}
