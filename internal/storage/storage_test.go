package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

type mockS3 struct {
	existing map[string]bool
	puts     []*s3.PutObjectInput
	HeadFunc func(key string) error
}

func (m *mockS3) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	key := aws.ToString(params.Key)
	if m.HeadFunc != nil {
		if err := m.HeadFunc(key); err != nil {
			return nil, err
		}
	}
	if m.existing[key] {
		return &s3.HeadObjectOutput{}, nil
	}
	return nil, &types.NotFound{}
}

func (m *mockS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.puts = append(m.puts, params)
	return &s3.PutObjectOutput{}, nil
}

func TestImageStore_Local(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewLocalStorage(dir)
	if err != nil {
		t.Fatal(err)
	}
	store := NewImageStore(backend)

	b64 := base64.StdEncoding.EncodeToString(pngHeader)
	refs, err := store.StoreImages(context.Background(), "run-1", "cover art", []string{
		"https://fal.media/files/abc.png",
		"data:image/png;base64," + b64,
		b64,
	})
	if err != nil {
		t.Fatalf("StoreImages() error = %v", err)
	}

	want := []string{"https://fal.media/files/abc.png", "run-1/cover_art-1.png", "run-1/cover_art-2.png"}
	for i := range want {
		if refs[i] != want[i] {
			t.Errorf("refs[%d] = %q, want %q", i, refs[i], want[i])
		}
	}

	data, err := os.ReadFile(filepath.Join(dir, "run-1", "cover_art-1.png"))
	if err != nil {
		t.Fatalf("read stored image: %v", err)
	}
	if string(data) != string(pngHeader) {
		t.Error("stored bytes differ")
	}
}

func TestImageStore_RejectsGarbage(t *testing.T) {
	store := NewImageStore(&mockStorage{})

	tests := []string{"data:image/png,rawbytes", "%%%not-base64%%%", ""}
	for _, img := range tests {
		if _, err := store.StoreImages(context.Background(), "run", "cover", []string{img}); err == nil {
			t.Errorf("StoreImages(%q) expected error", img)
		}
	}
}

type mockStorage struct{}

func (mockStorage) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	return key, nil
}

func TestS3Storage_Put(t *testing.T) {
	client := &mockS3{existing: map[string]bool{}}
	s, err := NewS3StorageWithClient(client, "assets", "/adventures/")
	if err != nil {
		t.Fatal(err)
	}

	ref, err := s.Put(context.Background(), "run-1/cover-0.png", pngHeader, "image/png")
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if ref != "s3://assets/adventures/run-1/cover-0.png" {
		t.Errorf("ref = %s", ref)
	}
	if len(client.puts) != 1 || aws.ToString(client.puts[0].ContentType) != "image/png" {
		t.Fatalf("puts = %+v", client.puts)
	}

	client.existing["adventures/run-1/cover-0.png"] = true
	if _, err := s.Put(context.Background(), "run-1/cover-0.png", pngHeader, "image/png"); err != nil {
		t.Fatal(err)
	}
	if len(client.puts) != 1 {
		t.Errorf("existing object uploaded again")
	}
}

func TestS3Storage_HeadError(t *testing.T) {
	client := &mockS3{HeadFunc: func(string) error {
		return &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"}
	}}
	s, _ := NewS3StorageWithClient(client, "assets", "")

	_, err := s.Put(context.Background(), "k", pngHeader, "image/png")
	if err == nil || !strings.Contains(err.Error(), "head object") {
		t.Fatalf("error = %v", err)
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		t.Error("expected smithy API error in chain")
	}
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&types.NotFound{}, true},
		{&smithy.GenericAPIError{Code: "NoSuchKey"}, true},
		{&smithy.GenericAPIError{Code: "AccessDenied"}, false},
		{errors.New("boom"), false},
	}
	for _, tt := range tests {
		if got := isNotFound(tt.err); got != tt.want {
			t.Errorf("isNotFound(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestNewS3Storage_RequiresBucket(t *testing.T) {
	if _, err := NewS3StorageWithClient(&mockS3{}, " ", ""); err == nil {
		t.Error("expected error for empty bucket")
	}
}
