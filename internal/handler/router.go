package handler

import (
	"txnledger/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SetupRouter 配置路由
func SetupRouter(submitter Submitter, cfg *config.Config, log *zap.Logger) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()

	r.Use(RecoveryMiddleware(log))
	r.Use(LoggerMiddleware(log.Named("http")))
	r.Use(MetricsMiddleware())

	h := NewHandler(submitter, cfg, log)

	api := r.Group("/api/v1")
	{
		api.POST("/transactions", h.CreateTransaction)
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}
