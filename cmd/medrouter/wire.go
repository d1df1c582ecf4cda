package main

import (
	"context"
	"fmt"

	"github.com/ArmDaniel/medrouter/internal/analysis"
	"github.com/ArmDaniel/medrouter/internal/config"
	"github.com/ArmDaniel/medrouter/internal/domain/medcase"
	"github.com/ArmDaniel/medrouter/internal/events"
	"github.com/ArmDaniel/medrouter/internal/repository"
	"github.com/ArmDaniel/medrouter/internal/service"
	"github.com/ArmDaniel/medrouter/pkg/database"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

type stores struct {
	cases medcase.Repository
	users service.UserRepository
	audit service.AuditRepository
	ready func(ctx context.Context) error
	close func()
}

func openStores(cfg *config.Config, log *zap.Logger) (*stores, error) {
	if cfg.Store.Driver == "memory" {
		log.Warn("using in-memory stores, data is lost on restart")
		return &stores{
			cases: repository.NewMemoryCaseRepository(),
			users: repository.NewMemoryUserRepository(),
			audit: repository.NewMemoryAuditRepository(),
			close: func() {},
		}, nil
	}

	db, err := database.Connect(cfg.Database, log)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}

	return &stores{
		cases: repository.NewCaseRepository(db),
		users: repository.NewUserRepository(db),
		audit: repository.NewAuditRepository(db),
		ready: sqlDB.PingContext,
		close: func() {
			if err := sqlDB.Close(); err != nil {
				log.Warn("closing database failed", zap.Error(err))
			}
		},
	}, nil
}

func newFileSource(ctx context.Context, cfg config.AnalysisConfig) (analysis.FileSource, error) {
	if cfg.S3Bucket == "" {
		return analysis.NewLocalFileSource(cfg.UploadDir), nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return analysis.NewS3FileSource(s3.NewFromConfig(awsCfg), cfg.S3Bucket, cfg.S3Prefix), nil
}

func newAnalyzers(cfg config.AnalysisConfig, files analysis.FileSource, log *zap.Logger) (*analysis.TextClient, *analysis.ImageClient) {
	breaker := analysis.BreakerConfig{
		MaxConsecutiveFailures: cfg.BreakerMaxFailures,
		OpenTimeout:            cfg.BreakerOpenTimeout,
	}

	text := analysis.NewTextClient(analysis.TextClientConfig{
		URL:     cfg.TextURL,
		Model:   cfg.TextModel,
		APIKey:  cfg.TextAPIKey,
		Timeout: cfg.CallTimeout,
		Breaker: breaker,
	}, log)

	images := analysis.NewImageClient(analysis.ImageClientConfig{
		URL:     cfg.ImageURL,
		APIKey:  cfg.ImageAPIKey,
		Timeout: cfg.CallTimeout,
		Breaker: breaker,
	}, files, log)

	return text, images
}

func newPublisher(cfg config.EventsConfig, log *zap.Logger) events.Publisher {
	if !cfg.Enabled() {
		log.Info("case events disabled, no Kafka brokers configured")
		return events.NoopPublisher{}
	}
	log.Info("publishing case events", zap.Strings("brokers", cfg.Brokers), zap.String("topic", cfg.Topic))
	return events.NewKafkaPublisher(cfg.Brokers, cfg.Topic)
}
