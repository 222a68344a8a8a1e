package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/report-pipeline/api/handlers"
	"github.com/feichai0017/report-pipeline/api/middleware"
	"github.com/feichai0017/report-pipeline/internal/layout"
	"github.com/feichai0017/report-pipeline/pkg/logger"
)

// Options configures the router beyond the handlers.
type Options struct {
	AllowedOrigins []string
	// Layout, when set, serves the data trees as static files.
	Layout *layout.Layout
	Logger logger.Logger
}

// SetupRoutes 配置所有路由
func SetupRoutes(r *gin.Engine, h *handlers.Handlers, opts Options) {
	// 全局中间件
	r.Use(middleware.CORS(opts.AllowedOrigins))
	if opts.Logger != nil {
		r.Use(middleware.RequestLogger(opts.Logger))
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if opts.Layout != nil {
		r.Static("/uploads", opts.Layout.UploadRoot)
		r.Static("/extracts", opts.Layout.ExtractRoot)
		r.Static("/jsons", opts.Layout.JSONRoot)
	}

	// API 版本组
	v1 := r.Group("/api/v1")

	reports := v1.Group("/reports")
	{
		reports.POST("/upload", h.Report.Upload)
		reports.GET("/query", h.Report.Query)
		reports.POST("/query", h.Report.Query)
		reports.GET("/summary", h.Report.Summary)
		reports.GET("/metadata", h.Report.Metadata)
	}

	v1.GET("/pipeline/status", h.Pipeline.GetStatus)

	aggregations := v1.Group("/aggregations")
	{
		aggregations.POST("", h.Aggregation.Enqueue)
		aggregations.GET("/:taskId", h.Aggregation.GetStatus)
		aggregations.DELETE("/:taskId", h.Aggregation.CancelTask)
	}
}
