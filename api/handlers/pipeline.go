package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/report-pipeline/pkg/logger"
)

type PipelineHandler struct {
	source StatusSource
	logger logger.Logger
}

func NewPipelineHandler(source StatusSource, log logger.Logger) *PipelineHandler {
	return &PipelineHandler{source: source, logger: log.Named("pipeline-api")}
}

// GetStatus 获取流水线状态
func (h *PipelineHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.source.Status())
}
