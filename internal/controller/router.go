package controller

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"card-grading-service/internal/middleware"
	"card-grading-service/internal/observability"
	"card-grading-service/internal/service"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type RouterDeps struct {
	Controller     *GradingController
	Auth           middleware.Authenticator
	Store          Pinger
	Gatherer       prometheus.Gatherer
	Metrics        *observability.Metrics
	Logger         *zap.Logger
	RequestTimeout time.Duration
}

func NewRouter(d RouterDeps) *gin.Engine {
	ctrl := d.Controller

	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(d.Logger), middleware.Metrics(d.Metrics), middleware.Timeout(d.RequestTimeout))

	r.GET("/healthz", func(c *gin.Context) {
		if d.Store != nil {
			if err := d.Store.Ping(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	// Public routes
	r.GET("/verify/:code", ctrl.Verify)
	r.GET("/pricing/quote", ctrl.Quote)

	// Authenticated routes
	auth := r.Group("/")
	auth.Use(middleware.AuthMiddleware(d.Auth))
	// Only checkout reports payments the processor has confirmed.
	auth.POST("/orders", middleware.RequireRole(service.RoleCheckout), ctrl.CreateOrder)

	// Staff routes; per-action permissions are checked by the service
	admin := auth.Group("/admin")
	admin.Use(middleware.RequireRole(service.RoleAdmin, service.RoleGrader))
	admin.GET("/records", ctrl.ListRecords)
	admin.GET("/records/:id", ctrl.GetRecord)
	admin.GET("/records/:id/history", ctrl.History)
	admin.GET("/records/:id/suggest", ctrl.SuggestForRecord)
	admin.POST("/records/:id/accept", ctrl.Accept)
	admin.POST("/records/:id/reject", ctrl.Reject)
	admin.POST("/records/:id/start", ctrl.StartGrading)
	admin.POST("/records/:id/complete", ctrl.CompleteGrading)
	admin.POST("/grading/suggest", ctrl.SuggestGrade)
	admin.GET("/orders", ctrl.ListOrders)
	admin.GET("/orders/:orderId", ctrl.GetOrder)
	admin.GET("/stats", ctrl.Stats)

	return r
}
