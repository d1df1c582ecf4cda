package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/ArmDaniel/medrouter/internal/config"
	"github.com/ArmDaniel/medrouter/internal/domain"
	"github.com/ArmDaniel/medrouter/internal/handler/middleware"
	v1 "github.com/ArmDaniel/medrouter/internal/handler/v1"
	"github.com/ArmDaniel/medrouter/internal/service"
	"github.com/ArmDaniel/medrouter/pkg/auth"
	"github.com/ArmDaniel/medrouter/pkg/metrics"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type RouterDeps struct {
	Config   *config.Config
	Log      *zap.Logger
	Metrics  *metrics.Collector
	Gatherer prometheus.Gatherer
	JWT      *auth.JWTManager

	Auth  *service.AuthService
	Cases *service.CaseService
	Chat  *service.ChatService

	// Ready reports whether backing stores are reachable. Nil means always ready.
	Ready func(ctx context.Context) error
}

func NewRouter(d RouterDeps) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true

	r.Use(
		middleware.Recovery(d.Log),
		middleware.RequestID(),
		middleware.Tracing(d.Config.Tracing.ServiceName),
		middleware.Metrics(d.Metrics),
		middleware.Logger(d.Log),
		middleware.CORS(d.Config.CORS),
		middleware.RateLimit(d.Config.RateLimit.RequestsPerSecond, d.Config.RateLimit.BurstSize),
	)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", readiness(d.Ready))
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(metrics.Handler(d.Gatherer)))
	}

	authH := v1.NewAuthHandler(d.Auth, d.Log)
	caseH := v1.NewCaseHandler(d.Cases, d.Chat, d.Log)

	api := r.Group("/api/v1")

	public := api.Group("/auth", middleware.RateLimitPerMinute(d.Config.RateLimit.AuthRequestsPerMinute))
	public.POST("/register", authH.Register)
	public.POST("/login", authH.Login)
	public.POST("/refresh", authH.Refresh)

	protected := api.Group("", middleware.Authenticate(d.JWT))
	protected.GET("/me", authH.Me)
	protected.POST("/auth/password", authH.ChangePassword)
	protected.GET("/doctors", authH.ListDoctors)

	patient := middleware.RequireRole(domain.RolePatient)
	doctor := middleware.RequireRole(domain.RoleDoctor)

	cases := protected.Group("/cases")
	cases.POST("", patient, caseH.Create)
	cases.GET("/mine", patient, caseH.ListMine)
	cases.GET("/assigned", doctor, caseH.ListAssigned)
	cases.GET("/:id", caseH.Get)
	cases.POST("/:id/doctor", patient, caseH.SelectDoctor)
	cases.POST("/:id/process", doctor, caseH.Process)
	cases.POST("/:id/reports/:variant", caseH.GenerateReport)
	cases.GET("/:id/final-report", caseH.FinalReport)
	cases.GET("/:id/chat", caseH.ListMessages)
	cases.POST("/:id/chat", caseH.PostMessage)

	return r
}

func readiness(ready func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if ready == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := ready(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}
