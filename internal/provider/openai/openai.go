// Package openai talks to OpenAI and to any OpenAI-compatible endpoint
// (OpenRouter, vLLM, LM gateways).
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/felipepmaragno/adventure-engine/internal/domain"
	"github.com/felipepmaragno/adventure-engine/internal/httputil"
)

const defaultBaseURL = "https://api.openai.com/v1"

type Provider struct {
	id      string
	apiKey  string
	baseURL string
	client  *http.Client
	headers http.Header
}

type Option func(*Provider)

// WithHeader adds a static header to every request, e.g. OpenRouter's
// HTTP-Referer and X-Title attribution headers.
func WithHeader(key, value string) Option {
	return func(p *Provider) {
		p.headers.Set(key, value)
	}
}

func New(id, apiKey, baseURL string, client *http.Client, opts ...Option) *Provider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	p := &Provider{
		id:      id,
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		headers: http.Header{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) ID() string {
	return p.id
}

func (p *Provider) Generate(ctx context.Context, role domain.Role, req domain.CallRequest) (*domain.RawResponse, error) {
	switch role {
	case domain.RoleChat:
		return p.chat(ctx, req)
	case domain.RoleImage:
		return p.image(ctx, req)
	default:
		return nil, domain.NewProviderError(p.id, domain.KindNetwork, 0, fmt.Errorf("unsupported role %q", role))
	}
}

func (p *Provider) header() http.Header {
	h := p.headers.Clone()
	if p.apiKey != "" {
		h.Set("Authorization", "Bearer "+p.apiKey)
	}
	return h
}

func (p *Provider) chat(ctx context.Context, req domain.CallRequest) (*domain.RawResponse, error) {
	body := chatRequest{
		Model:     req.Model,
		MaxTokens: req.MaxOutputTokens,
	}
	if req.System != "" {
		body.Messages = append(body.Messages, message{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, message{Role: "user", Content: req.Prompt})
	if req.JSONOutput {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	var resp chatResponse
	n, err := httputil.DoJSON(ctx, p.client, p.id, httputil.Request{
		URL:    p.baseURL + "/chat/completions",
		Header: p.header(),
		Body:   body,
	}, &resp)
	if err != nil {
		return nil, err
	}

	if len(resp.Choices) == 0 {
		return nil, domain.NewProviderError(p.id, domain.KindNetwork, http.StatusOK, errors.New("response has no choices"))
	}

	choice := resp.Choices[0]
	return &domain.RawResponse{
		Text:         choice.Message.Content,
		FinishReason: mapFinishReason(choice.FinishReason),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Bytes:        n,
	}, nil
}

func (p *Provider) image(ctx context.Context, req domain.CallRequest) (*domain.RawResponse, error) {
	count := req.ImageCount
	if count <= 0 {
		count = 1
	}
	size := req.ImageSize
	if size == "" {
		size = "1024x1024"
	}

	var resp imageResponse
	n, err := httputil.DoJSON(ctx, p.client, p.id, httputil.Request{
		URL:    p.baseURL + "/images/generations",
		Header: p.header(),
		Body: imageRequest{
			Model:  req.Model,
			Prompt: req.Prompt,
			N:      count,
			Size:   size,
		},
	}, &resp)
	if err != nil {
		return nil, err
	}

	out := &domain.RawResponse{FinishReason: domain.FinishStop, Bytes: n}
	for _, img := range resp.Data {
		switch {
		case img.URL != "":
			out.Images = append(out.Images, img.URL)
		case img.B64JSON != "":
			out.Images = append(out.Images, "data:image/png;base64,"+img.B64JSON)
		}
	}
	if len(out.Images) == 0 {
		return nil, domain.NewProviderError(p.id, domain.KindNetwork, http.StatusOK, errors.New("response has no images"))
	}
	return out, nil
}

func mapFinishReason(reason string) domain.FinishReason {
	switch reason {
	case "stop":
		return domain.FinishStop
	case "length":
		return domain.FinishLength
	case "content_filter":
		return domain.FinishContentFilter
	default:
		return domain.FinishUnknown
	}
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []message       `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message      message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type imageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
	Size   string `json:"size"`
}

type imageResponse struct {
	Data []struct {
		URL     string `json:"url"`
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}
