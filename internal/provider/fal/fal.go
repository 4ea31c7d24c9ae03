// Package fal generates images through fal.ai model endpoints.
package fal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/felipepmaragno/adventure-engine/internal/domain"
	"github.com/felipepmaragno/adventure-engine/internal/httputil"
)

const (
	defaultBaseURL   = "https://fal.run"
	defaultImageSize = "landscape_4_3"
	pollInterval     = 2 * time.Second
)

type Provider struct {
	id           string
	apiKey       string
	baseURL      string
	client       *http.Client
	pollInterval time.Duration
}

func New(id, apiKey, baseURL string, client *http.Client) *Provider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Provider{
		id:           id,
		apiKey:       apiKey,
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		pollInterval: pollInterval,
	}
}

func (p *Provider) ID() string {
	return p.id
}

func (p *Provider) Generate(ctx context.Context, role domain.Role, req domain.CallRequest) (*domain.RawResponse, error) {
	if role != domain.RoleImage {
		return nil, domain.NewProviderError(p.id, domain.KindNetwork, 0, fmt.Errorf("unsupported role %q", role))
	}

	size := strings.TrimSpace(req.ImageSize)
	if size == "" {
		size = defaultImageSize
	}
	count := req.ImageCount
	if count <= 0 {
		count = 1
	}

	var env envelope
	n, err := httputil.DoJSON(ctx, p.client, p.id, httputil.Request{
		URL:    p.baseURL + "/" + strings.TrimLeft(req.Model, "/"),
		Header: p.header(),
		Body: map[string]any{
			"prompt":     req.Prompt,
			"image_size": size,
			"num_images": count,
		},
	}, &env)
	if err != nil {
		return nil, err
	}

	// Queue endpoints answer with a request handle instead of the result.
	if len(env.Images) == 0 && env.ResponseURL != "" {
		polled, m, err := p.poll(ctx, env.ResponseURL)
		if err != nil {
			return nil, err
		}
		env = *polled
		n += m
	}

	if env.Error != nil {
		return nil, domain.NewProviderError(p.id, domain.KindNetwork, http.StatusOK, errors.New(env.Error.Message))
	}

	out := &domain.RawResponse{FinishReason: domain.FinishStop, Bytes: n}
	for _, img := range env.Images {
		if u := strings.TrimSpace(img.URL); u != "" {
			out.Images = append(out.Images, u)
		}
	}
	if len(out.Images) == 0 {
		return nil, domain.NewProviderError(p.id, domain.KindNetwork, http.StatusOK, errors.New("response did not include images"))
	}
	return out, nil
}

func (p *Provider) header() http.Header {
	return http.Header{"Authorization": {"Key " + p.apiKey}}
}

func (p *Provider) poll(ctx context.Context, responseURL string) (*envelope, int, error) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	total := 0
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, total, ctx.Err()
			}
			return nil, total, domain.NewProviderError(p.id, domain.KindNetwork, 0, ctx.Err())
		case <-ticker.C:
		}

		var env envelope
		n, err := httputil.DoJSON(ctx, p.client, p.id, httputil.Request{
			Method: http.MethodGet,
			URL:    responseURL,
			Header: p.header(),
		}, &env)
		total += n
		if err != nil {
			return nil, total, err
		}

		switch strings.ToUpper(env.Status) {
		case "", "COMPLETED":
			return &env, total, nil
		case "FAILED", "CANCELLED", "ERROR":
			msg := "job " + strings.ToLower(env.Status)
			if env.Error != nil {
				msg = env.Error.Message
			}
			return nil, total, domain.NewProviderError(p.id, domain.KindNetwork, http.StatusOK, errors.New(msg))
		}
	}
}

type envelope struct {
	Status      string  `json:"status,omitempty"`
	RequestID   string  `json:"request_id,omitempty"`
	ResponseURL string  `json:"response_url,omitempty"`
	Images      []image `json:"images"`
	Error       *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type image struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
}
