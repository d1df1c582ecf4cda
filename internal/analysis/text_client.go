package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	domain "github.com/ArmDaniel/medrouter/internal/domain/analysis"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const (
	TextProvider = "MedGemma"

	defaultTextModel   = "local-model"
	textTemperature    = 0.7
	fallbackSummaryLen = 100
	minUsableContent   = 10
)

const textSystemPrompt = "You are a helpful medical AI assistant. Analyze the following patient query to identify " +
	"key symptoms, their duration, and any relevant medical history mentioned. Respond with a JSON object " +
	`with the keys "summary" (string), "entities" (array of {"type","text"}) and "potentialConditions" ` +
	"(array of strings). Do not add any text outside the JSON object."

type TextClientConfig struct {
	URL        string
	Model      string
	APIKey     string
	Timeout    time.Duration
	Breaker    BreakerConfig
	HTTPClient *http.Client
}

// TextClient analyzes free text through an OpenAI-compatible chat completions
// endpoint.
type TextClient struct {
	endpoint *endpoint
	model    string
	log      *zap.Logger
}

func NewTextClient(cfg TextClientConfig, log *zap.Logger) *TextClient {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultTextModel
	}
	c := &TextClient{
		endpoint: newEndpoint(TextProvider, cfg.URL, cfg.APIKey, cfg.Timeout, cfg.HTTPClient, cfg.Breaker),
		model:    model,
		log:      log.Named("text_analyzer"),
	}
	if !c.endpoint.configured() {
		c.log.Warn("text analysis endpoint not configured, analyses will report a configuration error")
	}
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// structuredFindings is the JSON object the system prompt asks for.
type structuredFindings struct {
	Summary             string          `json:"summary"`
	Entities            []domain.Entity `json:"entities"`
	PotentialConditions []string        `json:"potentialConditions"`
}

func (c *TextClient) Analyze(ctx context.Context, text string) domain.Result[domain.TextFindings] {
	ctx, span := tracer.Start(ctx, "analysis.text")
	defer span.End()
	span.SetAttributes(attribute.String("provider", TextProvider), attribute.Int("input.length", len(text)))

	if strings.TrimSpace(text) == "" {
		return domain.NoTextInput()
	}

	findings, err := c.analyze(ctx, text)
	if err != nil {
		kind, message := classify(TextProvider, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		c.log.Warn("text analysis failed",
			zap.String("provider", TextProvider),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return domain.Failed[domain.TextFindings]("", kind, message)
	}
	return domain.Succeeded("", findings)
}

func (c *TextClient) analyze(ctx context.Context, text string) (domain.TextFindings, error) {
	payload, err := json.Marshal(chatCompletionRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: textSystemPrompt},
			{Role: "user", Content: text},
		},
		Temperature: textTemperature,
	})
	if err != nil {
		return domain.TextFindings{}, fmt.Errorf("encoding request: %w", err)
	}

	body, err := c.endpoint.post(ctx, "application/json", payload)
	if err != nil {
		return domain.TextFindings{}, err
	}

	var resp chatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.TextFindings{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if len(resp.Choices) == 0 {
		return domain.TextFindings{}, fmt.Errorf("%w: response has no choices", errMalformed)
	}

	return parseTextContent(resp.Choices[0].Message.Content), nil
}

// parseTextContent turns the model's reply into findings. A reply that is not
// the requested JSON object still succeeds, with a summary cut from the text.
func parseTextContent(content string) domain.TextFindings {
	findings := domain.TextFindings{
		Entities:            []domain.Entity{},
		PotentialConditions: []string{},
		RawOutput:           content,
	}

	var structured structuredFindings
	if err := json.Unmarshal([]byte(stripCodeFence(content)), &structured); err == nil && structured.Summary != "" {
		findings.Summary = structured.Summary
		if structured.Entities != nil {
			findings.Entities = structured.Entities
		}
		if structured.PotentialConditions != nil {
			findings.PotentialConditions = structured.PotentialConditions
		}
		return findings
	}

	trimmed := strings.TrimSpace(content)
	if len([]rune(trimmed)) < minUsableContent {
		findings.Summary = "Could not generate a valid summary from the text analysis response."
		return findings
	}
	findings.Summary = truncateRunes(trimmed, fallbackSummaryLen)
	return findings
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
