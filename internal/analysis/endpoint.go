// Package analysis holds the adapters that call the external text and image
// analysis providers and normalize every outcome into an analysis.Result.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	domain "github.com/ArmDaniel/medrouter/internal/domain/analysis"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
)

const (
	defaultTimeout     = 60 * time.Second
	defaultMaxFailures = 5
	defaultOpenTimeout = 30 * time.Second
	maxResponseBytes   = 10 << 20
	maxErrorMessageLen = 500
)

var tracer = otel.Tracer("github.com/ArmDaniel/medrouter/internal/analysis")

var (
	errNotConfigured = errors.New("provider endpoint is not configured")
	errTransport     = errors.New("provider transport error")
	errMalformed     = errors.New("malformed provider response")
)

// BreakerConfig controls when a provider's circuit opens.
type BreakerConfig struct {
	MaxConsecutiveFailures uint32
	OpenTimeout            time.Duration
}

// upstreamError is returned when the provider answered with a non-2xx status.
type upstreamError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// endpoint performs single-attempt HTTP calls to one provider, bounded by a
// timeout and guarded by a circuit breaker.
type endpoint struct {
	name       string
	url        string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[[]byte]
}

func newEndpoint(name, url, apiKey string, timeout time.Duration, client *http.Client, bc BreakerConfig) *endpoint {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if client == nil {
		client = &http.Client{}
	}
	if bc.MaxConsecutiveFailures == 0 {
		bc.MaxConsecutiveFailures = defaultMaxFailures
	}
	if bc.OpenTimeout <= 0 {
		bc.OpenTimeout = defaultOpenTimeout
	}

	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     bc.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bc.MaxConsecutiveFailures
		},
		// A 4xx is the provider rejecting our request, not the provider being down.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var ue *upstreamError
			return errors.As(err, &ue) && ue.StatusCode < http.StatusInternalServerError
		},
	})

	return &endpoint{
		name:       name,
		url:        strings.TrimSpace(url),
		apiKey:     strings.TrimSpace(apiKey),
		timeout:    timeout,
		httpClient: client,
		breaker:    breaker,
	}
}

func (e *endpoint) configured() bool {
	return e.url != ""
}

// post sends body to the endpoint and returns the raw 2xx response body.
func (e *endpoint) post(ctx context.Context, contentType string, body []byte) ([]byte, error) {
	if !e.configured() {
		return nil, errNotConfigured
	}

	return e.breaker.Execute(func() ([]byte, error) {
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(callCtx, http.MethodPost, e.url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("%w: building request: %v", errTransport, err)
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Accept", "application/json")
		if e.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+e.apiKey)
		}

		resp, err := e.httpClient.Do(req)
		if err != nil {
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: timed out after %s", errTransport, e.timeout)
			}
			return nil, fmt.Errorf("%w: %v", errTransport, err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, fmt.Errorf("%w: reading body: %v", errTransport, err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &upstreamError{
				Provider:   e.name,
				StatusCode: resp.StatusCode,
				Message:    extractErrorMessage(raw),
			}
		}
		return raw, nil
	})
}

// classify maps a call error onto the failure taxonomy.
func classify(provider string, err error) (domain.ErrorKind, string) {
	var ue *upstreamError
	switch {
	case errors.Is(err, errNotConfigured):
		return domain.KindConfiguration, provider + " API URL not configured."
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return domain.KindTransport, provider + " is unavailable: circuit open after repeated failures."
	case errors.As(err, &ue):
		return domain.KindUpstream, fmt.Sprintf("%s API Error: %s", provider, ue.Message)
	case errors.Is(err, errMalformed):
		return domain.KindUpstream, fmt.Sprintf("%s API Error: %v", provider, err)
	case errors.Is(err, ErrFileNotFound):
		return domain.KindNotFound, err.Error()
	case errors.Is(err, ErrFileTooLarge):
		return domain.KindValidation, err.Error()
	}
	return domain.KindTransport, fmt.Sprintf("%s request failed: %v", provider, err)
}

// extractErrorMessage pulls a readable message out of an error body.
func extractErrorMessage(raw []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   any    `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil {
		switch v := payload.Error.(type) {
		case string:
			if v != "" {
				return v
			}
		case map[string]any:
			if msg, ok := v["message"].(string); ok && msg != "" {
				return msg
			}
		}
		if payload.Message != "" {
			return payload.Message
		}
	}

	message := strings.TrimSpace(string(raw))
	if message == "" {
		return "empty error response"
	}
	if len(message) > maxErrorMessageLen {
		message = message[:maxErrorMessageLen]
	}
	return message
}
