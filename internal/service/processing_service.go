package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ArmDaniel/medrouter/internal/domain/analysis"
	"github.com/ArmDaniel/medrouter/internal/domain/medcase"
	"github.com/ArmDaniel/medrouter/pkg/metrics"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("github.com/ArmDaniel/medrouter/internal/service")

// Provider labels used in metrics and logs.
const (
	textProviderLabel  = "text"
	imageProviderLabel = "image"
)

// TextAnalyzer and ImageAnalyzer never return Go errors: every failure is
// carried inside the result.
type TextAnalyzer interface {
	Analyze(ctx context.Context, text string) analysis.Result[analysis.TextFindings]
}

type ImageAnalyzer interface {
	Analyze(ctx context.Context, ref string) analysis.Result[analysis.ImageFindings]
}

// ProcessingService fans a case's input out to the analyzers and stores the
// compiled results on the case.
type ProcessingService struct {
	cases          medcase.Repository
	text           TextAnalyzer
	images         ImageAnalyzer
	maxConcurrency int
	metrics        *metrics.Collector
	log            *zap.Logger
	now            func() time.Time
}

func NewProcessingService(
	cases medcase.Repository,
	text TextAnalyzer,
	images ImageAnalyzer,
	maxConcurrency int,
	m *metrics.Collector,
	log *zap.Logger,
) *ProcessingService {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &ProcessingService{
		cases:          cases,
		text:           text,
		images:         images,
		maxConcurrency: maxConcurrency,
		metrics:        m,
		log:            log,
		now:            time.Now,
	}
}

// Compile runs every applicable analysis over input. At most maxConcurrency
// calls are in flight; with a limit of 1 they run one after another in
// submission order. Image results are stored by position, so their order
// always matches input.Files.
func (s *ProcessingService) Compile(ctx context.Context, input medcase.InitialInput) medcase.CompiledData {
	files := append([]string{}, input.Files...)
	compiled := medcase.CompiledData{
		PatientProvidedInput: medcase.InitialInput{Text: input.Text, Files: files},
		LLMOutputs: medcase.LLMOutputs{
			Images: make([]analysis.Result[analysis.ImageFindings], len(files)),
		},
	}

	var g errgroup.Group
	g.SetLimit(s.maxConcurrency)

	if input.HasText() {
		g.Go(func() error {
			start := time.Now()
			res := s.text.Analyze(ctx, input.Text)
			s.metrics.ObserveAnalysisCall(textProviderLabel, res.Outcome(), time.Since(start))
			compiled.LLMOutputs.Text = res
			return nil
		})
	} else {
		compiled.LLMOutputs.Text = analysis.NoTextInput()
	}

	for i, ref := range files {
		g.Go(func() error {
			start := time.Now()
			res := s.images.Analyze(ctx, ref)
			s.metrics.ObserveAnalysisCall(imageProviderLabel, res.Outcome(), time.Since(start))
			compiled.LLMOutputs.Images[i] = res
			return nil
		})
	}

	_ = g.Wait()
	compiled.ProcessedAt = s.now().UTC()
	return compiled
}

// Process reads the current case, compiles its input and merges the result
// into the case data with a single store write.
func (s *ProcessingService) Process(ctx context.Context, caseID uuid.UUID) (*medcase.Case, error) {
	ctx, span := tracer.Start(ctx, "processing.Process")
	defer span.End()
	span.SetAttributes(attribute.String("case.id", caseID.String()))

	c, err := s.cases.GetByID(ctx, caseID)
	if err != nil {
		return nil, err
	}

	data, err := c.DecodeData()
	if err != nil {
		return nil, err
	}
	if data.InitialInput == nil {
		return nil, medcase.ErrInitialInputMissing
	}

	start := time.Now()
	compiled := s.Compile(ctx, *data.InitialInput)
	s.metrics.ObserveProcessing(time.Since(start))

	updated, err := s.cases.SaveProcessedData(ctx, caseID, compiled)
	if errors.Is(err, medcase.ErrInvalidStatusTransition) {
		s.log.Warn("discarding processed data, case left review while analyses ran",
			zap.String("case_id", caseID.String()),
		)
		return nil, err
	}
	if err != nil {
		s.log.Error("failed to store processed data",
			zap.String("case_id", caseID.String()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("storing processed data: %w", err)
	}

	failed := 0
	if !compiled.LLMOutputs.Text.OK() {
		failed++
	}
	for _, img := range compiled.LLMOutputs.Images {
		if !img.OK() {
			failed++
		}
	}
	span.SetAttributes(
		attribute.Int("analysis.images", len(compiled.LLMOutputs.Images)),
		attribute.Int("analysis.failed", failed),
	)
	s.log.Info("case processed",
		zap.String("case_id", caseID.String()),
		zap.Int("images", len(compiled.LLMOutputs.Images)),
		zap.Int("failed_analyses", failed),
		zap.Duration("duration", time.Since(start)),
	)

	return updated, nil
}
