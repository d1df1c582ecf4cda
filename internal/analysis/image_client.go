package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strings"
	"time"

	domain "github.com/ArmDaniel/medrouter/internal/domain/analysis"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const (
	ImageProvider = "Mistral Image"

	imageFormField    = "image"
	maxImageBytes     = 32 << 20
	noDescriptionText = "No description provided."
)

var ErrFileTooLarge = errors.New("file too large")

type ImageClientConfig struct {
	URL        string
	APIKey     string
	Timeout    time.Duration
	Breaker    BreakerConfig
	HTTPClient *http.Client

	// MaxFileBytes caps the upload size. Zero means 32 MiB.
	MaxFileBytes int64
}

// ImageClient uploads one case file per call to the image analysis endpoint.
type ImageClient struct {
	endpoint *endpoint
	files    FileSource
	maxBytes int64
	log      *zap.Logger
}

func NewImageClient(cfg ImageClientConfig, files FileSource, log *zap.Logger) *ImageClient {
	c := &ImageClient{
		endpoint: newEndpoint(ImageProvider, cfg.URL, cfg.APIKey, cfg.Timeout, cfg.HTTPClient, cfg.Breaker),
		files:    files,
		maxBytes: cfg.MaxFileBytes,
		log:      log.Named("image_analyzer"),
	}
	if c.maxBytes <= 0 {
		c.maxBytes = maxImageBytes
	}
	switch {
	case !c.endpoint.configured():
		c.log.Warn("image analysis endpoint not configured, analyses will report a configuration error")
	case c.endpoint.apiKey == "":
		c.log.Warn("image analysis API key not configured, requests are sent without credentials")
	}
	return c
}

// imageResponse is the wire schema of the image endpoint.
type imageResponse struct {
	Description string   `json:"description"`
	Anomalies   []string `json:"anomalies"`
	Confidence  float64  `json:"confidence"`
}

func (c *ImageClient) Analyze(ctx context.Context, ref string) domain.Result[domain.ImageFindings] {
	ctx, span := tracer.Start(ctx, "analysis.image")
	defer span.End()
	span.SetAttributes(attribute.String("provider", ImageProvider), attribute.String("file.ref", ref))

	findings, err := c.analyze(ctx, ref)
	if err != nil {
		kind, message := classify(ImageProvider, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		c.log.Warn("image analysis failed",
			zap.String("provider", ImageProvider),
			zap.String("file_ref", ref),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return domain.Failed[domain.ImageFindings](ref, kind, message)
	}
	return domain.Succeeded(ref, findings)
}

func (c *ImageClient) analyze(ctx context.Context, ref string) (domain.ImageFindings, error) {
	if !c.endpoint.configured() {
		return domain.ImageFindings{}, errNotConfigured
	}

	body, contentType, err := c.buildForm(ctx, ref)
	if err != nil {
		return domain.ImageFindings{}, err
	}

	raw, err := c.endpoint.post(ctx, contentType, body)
	if err != nil {
		return domain.ImageFindings{}, err
	}

	var resp imageResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return domain.ImageFindings{}, fmt.Errorf("%w: %v", errMalformed, err)
	}

	findings := domain.ImageFindings{
		ImageID:     ref,
		Description: resp.Description,
		Anomalies:   resp.Anomalies,
		Confidence:  resp.Confidence,
		RawOutput:   string(raw),
	}
	if strings.TrimSpace(findings.Description) == "" {
		findings.Description = noDescriptionText
	}
	if findings.Anomalies == nil {
		findings.Anomalies = []string{}
	}
	return findings, nil
}

func (c *ImageClient) buildForm(ctx context.Context, ref string) ([]byte, string, error) {
	if c.files == nil {
		return nil, "", fmt.Errorf("%w: no file source configured for %s", ErrFileNotFound, ref)
	}
	rc, err := c.files.Open(ctx, ref)
	if err != nil {
		return nil, "", err
	}
	defer rc.Close()

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile(imageFormField, path.Base(ref))
	if err != nil {
		return nil, "", fmt.Errorf("creating form file: %w", err)
	}
	n, err := io.Copy(part, io.LimitReader(rc, c.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("reading %s: %w", ref, err)
	}
	if n > c.maxBytes {
		return nil, "", fmt.Errorf("%w: %s exceeds %d bytes", ErrFileTooLarge, ref, c.maxBytes)
	}
	if err := form.Close(); err != nil {
		return nil, "", fmt.Errorf("closing form: %w", err)
	}
	return buf.Bytes(), form.FormDataContentType(), nil
}
