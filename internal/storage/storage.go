// Package storage persists generated images so runs reference stable keys
// instead of short-lived provider URLs or inline base64 payloads.
package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
)

type Storage interface {
	// Put writes data under key and returns the reference callers store.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// ImageStore stores the inline images of a step. Remote URLs are kept as
// they are.
type ImageStore struct {
	backend Storage
}

func NewImageStore(backend Storage) *ImageStore {
	return &ImageStore{backend: backend}
}

func (s *ImageStore) StoreImages(ctx context.Context, runID, step string, images []string) ([]string, error) {
	out := make([]string, 0, len(images))
	for i, img := range images {
		if isRemote(img) {
			out = append(out, img)
			continue
		}

		data, err := decodeImage(img)
		if err != nil {
			return nil, fmt.Errorf("image %d of %s: %w", i, step, err)
		}

		contentType := http.DetectContentType(data)
		key := path.Join(sanitize(runID), fmt.Sprintf("%s-%d%s", sanitize(step), i, extension(contentType)))

		ref, err := s.backend.Put(ctx, key, data, contentType)
		if err != nil {
			return nil, fmt.Errorf("store image %d of %s: %w", i, step, err)
		}
		out = append(out, ref)
	}
	return out, nil
}

func isRemote(img string) bool {
	return strings.HasPrefix(img, "https://") || strings.HasPrefix(img, "http://")
}

// decodeImage accepts data URIs and bare base64.
func decodeImage(img string) ([]byte, error) {
	payload := img
	if strings.HasPrefix(img, "data:") {
		idx := strings.Index(img, ",")
		if idx < 0 || !strings.Contains(img[:idx], ";base64") {
			return nil, errors.New("unsupported data URI")
		}
		payload = img[idx+1:]
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("empty image")
	}
	return data, nil
}

func extension(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".bin"
	}
}

func sanitize(segment string) string {
	segment = strings.TrimSpace(segment)
	var b strings.Builder
	for _, r := range segment {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "misc"
	}
	return b.String()
}
