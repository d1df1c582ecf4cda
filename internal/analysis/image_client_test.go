package analysis

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	domain "github.com/ArmDaniel/medrouter/internal/domain/analysis"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

func writeUpload(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("write upload: %v", err)
	}
}

func TestImageClientAnalyze(t *testing.T) {
	dir := t.TempDir()
	writeUpload(t, dir, "scan.png", "fake-image-bytes")

	const body = `{"description":"Chest X-ray, <no> acute findings","anomalies":["opacity"],"confidence":0.82}`
	var auth atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		file, header, err := r.FormFile("image")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"message":"missing image"}`))
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if header.Filename != "scan.png" || string(data) != "fake-image-bytes" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"message":"unexpected upload"}`))
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	client := NewImageClient(ImageClientConfig{URL: server.URL, APIKey: "img-key"}, NewLocalFileSource(dir), zap.NewNop())
	result := client.Analyze(context.Background(), "uploads/scan.png")

	if !result.OK() {
		t.Fatalf("expected success, got %+v", result.Error)
	}
	if result.Ref != "uploads/scan.png" || result.Data.ImageID != "uploads/scan.png" {
		t.Errorf("expected reference echoed, got %q / %q", result.Ref, result.Data.ImageID)
	}
	if result.Data.Confidence != 0.82 || len(result.Data.Anomalies) != 1 {
		t.Errorf("unexpected findings %+v", result.Data)
	}
	if result.Data.RawOutput != body {
		t.Errorf("expected raw body verbatim, got %q", result.Data.RawOutput)
	}
	if got := auth.Load(); got != "Bearer img-key" {
		t.Errorf("expected bearer header, got %v", got)
	}
}

func TestImageClientWithoutKeySendsNoAuthorization(t *testing.T) {
	dir := t.TempDir()
	writeUpload(t, dir, "scan.png", "x")

	var auth atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := NewImageClient(ImageClientConfig{URL: server.URL}, NewLocalFileSource(dir), zap.NewNop())
	result := client.Analyze(context.Background(), "scan.png")

	if !result.OK() {
		t.Fatalf("expected success, got %+v", result.Error)
	}
	if got := auth.Load(); got != "" {
		t.Errorf("expected no authorization header, got %v", got)
	}
	if result.Data.Description != noDescriptionText || result.Data.Anomalies == nil {
		t.Errorf("expected defaults for empty response, got %+v", result.Data)
	}
}

func TestImageClientFailures(t *testing.T) {
	dir := t.TempDir()
	writeUpload(t, dir, "scan.png", "x")

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"unsupported format"}`))
	}))
	defer server.Close()

	tests := []struct {
		name    string
		cfg     ImageClientConfig
		ref     string
		kind    domain.ErrorKind
		message string
	}{
		{
			name:    "not configured",
			cfg:     ImageClientConfig{},
			ref:     "scan.png",
			kind:    domain.KindConfiguration,
			message: "Mistral Image API URL not configured.",
		},
		{
			name: "missing file",
			cfg:  ImageClientConfig{URL: server.URL},
			ref:  "missing.png",
			kind: domain.KindNotFound,
		},
		{
			name: "traversal stays in upload dir",
			cfg:  ImageClientConfig{URL: server.URL},
			ref:  "../../etc/passwd",
			kind: domain.KindNotFound,
		},
		{
			name:    "upstream rejection",
			cfg:     ImageClientConfig{URL: server.URL},
			ref:     "scan.png",
			kind:    domain.KindUpstream,
			message: "Mistral Image API Error: unsupported format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewImageClient(tt.cfg, NewLocalFileSource(dir), zap.NewNop())
			result := client.Analyze(context.Background(), tt.ref)

			if result.Error == nil || result.Data != nil {
				t.Fatalf("expected failure, got %+v", result)
			}
			if result.Ref != tt.ref {
				t.Errorf("expected ref %q on failure, got %q", tt.ref, result.Ref)
			}
			if result.Error.Kind != tt.kind {
				t.Errorf("expected kind %s, got %s (%s)", tt.kind, result.Error.Kind, result.Error.Message)
			}
			if tt.message != "" && result.Error.Message != tt.message {
				t.Errorf("expected message %q, got %q", tt.message, result.Error.Message)
			}
		})
	}

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected only the upstream case to reach the server, got %d calls", got)
	}
}

func TestImageClientRejectsOversizedFile(t *testing.T) {
	dir := t.TempDir()
	writeUpload(t, dir, "fits.png", "1234")
	writeUpload(t, dir, "big.png", "12345")

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{"description":"ok"}`))
	}))
	defer server.Close()

	client := NewImageClient(ImageClientConfig{URL: server.URL, MaxFileBytes: 4}, NewLocalFileSource(dir), zap.NewNop())

	if result := client.Analyze(context.Background(), "fits.png"); !result.OK() {
		t.Fatalf("expected a file at the limit to upload, got %+v", result.Error)
	}

	result := client.Analyze(context.Background(), "big.png")
	if result.Error == nil || result.Error.Kind != domain.KindValidation {
		t.Fatalf("expected validation failure, got %+v", result)
	}
	if result.Ref != "big.png" || !strings.Contains(result.Error.Message, "exceeds 4 bytes") {
		t.Errorf("unexpected failure %+v", result.Error)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("oversized file must not be uploaded, server saw %d calls", got)
	}
}

type fakeS3 struct {
	objects map[string]string
	lastKey string
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.lastKey = aws.ToString(in.Key)
	content, ok := f.objects[f.lastKey]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("missing")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(content))}, nil
}

func TestS3FileSource(t *testing.T) {
	fake := &fakeS3{objects: map[string]string{"cases/scan.png": "bytes"}}
	src := NewS3FileSource(fake, "medrouter-uploads", "/cases/")

	rc, err := src.Open(context.Background(), "scan.png")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(data) != "bytes" {
		t.Errorf("unexpected content %q", data)
	}

	_, err = src.Open(context.Background(), "other.png")
	if !errors.Is(err, ErrFileNotFound) {
		t.Errorf("expected ErrFileNotFound, got %v", err)
	}
	if fake.lastKey != "cases/other.png" {
		t.Errorf("expected prefixed key, got %q", fake.lastKey)
	}
}
