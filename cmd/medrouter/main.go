package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ArmDaniel/medrouter/internal/config"
	"github.com/ArmDaniel/medrouter/internal/handler"
	"github.com/ArmDaniel/medrouter/internal/service"
	"github.com/ArmDaniel/medrouter/pkg/auth"
	"github.com/ArmDaniel/medrouter/pkg/database"
	"github.com/ArmDaniel/medrouter/pkg/logger"
	"github.com/ArmDaniel/medrouter/pkg/metrics"
	"github.com/ArmDaniel/medrouter/pkg/tracer"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "medrouter",
		Short:         "Medical case routing and analysis API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create schemas, tables and indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			db, err := database.Connect(cfg.Database, log)
			if err != nil {
				return err
			}
			if sqlDB, err := db.DB(); err == nil {
				defer sqlDB.Close()
			}
			return database.Migrate(db, log)
		},
	}
}

func runServer(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	tp, err := tracer.Init(ctx, cfg.Tracing, cfg.App.Version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	if cfg.App.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewCollector("medrouter", reg)

	st, err := openStores(cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	files, err := newFileSource(ctx, cfg.Analysis)
	if err != nil {
		return err
	}
	textClient, imageClient := newAnalyzers(cfg.Analysis, files, log)

	pub := newPublisher(cfg.Events, log)
	defer func() {
		if err := pub.Close(); err != nil {
			log.Warn("event publisher close failed", zap.Error(err))
		}
	}()

	auditSvc := service.NewAuditService(st.audit, m, log)
	jwt := auth.NewJWTManager(cfg.JWT)
	processing := service.NewProcessingService(st.cases, textClient, imageClient, cfg.Analysis.MaxConcurrency, m, log)

	router := handler.NewRouter(handler.RouterDeps{
		Config:   cfg,
		Log:      log,
		Metrics:  m,
		Gatherer: reg,
		JWT:      jwt,
		Auth:     service.NewAuthService(st.users, jwt, auditSvc, log),
		Cases:    service.NewCaseService(st.cases, st.users, processing, auditSvc, pub, m, log),
		Chat:     service.NewChatService(st.cases, auditSvc, pub, m, log),
		Ready:    st.ready,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.String("addr", srv.Addr),
			zap.String("env", cfg.App.Environment),
			zap.String("store", cfg.Store.Driver),
			zap.String("version", cfg.App.Version),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}

	// Handlers have returned, so no more audit entries can be produced.
	auditSvc.Shutdown()
	log.Info("server stopped")
	return nil
}
