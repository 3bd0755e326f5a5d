package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// RouterConfig wires optional pieces of the HTTP surface.
type RouterConfig struct {
	MaxUploadBytes int64        // 0: unlimited
	Metrics        http.Handler // nil: no /metrics route
	Logger         *slog.Logger
}

// NewRouter builds the gin engine for h.
func NewRouter(h *TaskHandler, cfg RouterConfig) *gin.Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(cfg.Logger))
	if cfg.MaxUploadBytes > 0 {
		router.MaxMultipartMemory = cfg.MaxUploadBytes
		router.Use(limitBody(cfg.MaxUploadBytes))
	}

	v1 := router.Group("/v1")
	v1.POST("/parse", h.Parse)
	v1.POST("/match", h.Match)
	v1.POST("/schema", h.Schema)
	v1.POST("/agent", h.Agent)
	v1.GET("/tasks/:id", h.GetTask)
	v1.GET("/stats", h.Stats)

	router.GET("/healthz", h.Health)
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics))
	}
	return router
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed", time.Since(start))
	}
}

func limitBody(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		c.Next()
	}
}
