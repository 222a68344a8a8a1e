package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/report-pipeline/internal/models"
	"github.com/feichai0017/report-pipeline/internal/utils/validator"
	"github.com/feichai0017/report-pipeline/pkg/logger"
	"github.com/feichai0017/report-pipeline/pkg/queue"
)

// AggregationHandler exposes the aggregation task queue. Both collaborators are nil
// unless aggregation runs through the queue.
type AggregationHandler struct {
	queue    queue.Queue
	enqueuer Enqueuer
	logger   logger.Logger
}

// AggregateRequest names the document to aggregate.
type AggregateRequest struct {
	Tenant     string `json:"tenant" binding:"required"`
	ReportType string `json:"report_type" binding:"required"`
	Year       string `json:"year" binding:"required"`
	Document   string `json:"document" binding:"required"`
	Priority   int    `json:"priority"`
}

func NewAggregationHandler(q queue.Queue, enq Enqueuer, log logger.Logger) *AggregationHandler {
	return &AggregationHandler{queue: q, enqueuer: enq, logger: log.Named("aggregation-api")}
}

func (h *AggregationHandler) available(c *gin.Context) bool {
	if h.queue == nil || h.enqueuer == nil {
		handleError(c, h.logger, http.StatusServiceUnavailable, "Aggregation queue is not enabled", nil)
		return false
	}
	return true
}

// Enqueue 手动提交聚合任务
func (h *AggregationHandler) Enqueue(c *gin.Context) {
	if !h.available(c) {
		return
	}
	var req AggregateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handleError(c, h.logger, http.StatusBadRequest, "Invalid request", err)
		return
	}
	key := models.DocumentKey{Tenant: req.Tenant, ReportType: req.ReportType, Period: req.Year, Name: req.Document}
	if err := validator.ValidateTarget(key); err != nil {
		handleError(c, h.logger, http.StatusBadRequest, "Invalid document", err)
		return
	}
	priority := req.Priority
	if priority == 0 {
		priority = queue.PriorityDefault
	}

	taskID, err := h.enqueuer.Enqueue(c.Request.Context(), key, priority)
	if err != nil {
		handleError(c, h.logger, statusFor(err), "Failed to enqueue aggregation", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"taskId":   taskID,
		"document": key.String(),
		"status":   "pending",
	})
}

// GetStatus 获取聚合任务状态
func (h *AggregationHandler) GetStatus(c *gin.Context) {
	if !h.available(c) {
		return
	}
	taskID := c.Param("taskId")
	status, err := h.queue.GetTaskStatus(c.Request.Context(), taskID)
	if err != nil {
		handleError(c, h.logger, statusFor(err), "Failed to get status", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// CancelTask 取消聚合任务
func (h *AggregationHandler) CancelTask(c *gin.Context) {
	if !h.available(c) {
		return
	}
	taskID := c.Param("taskId")
	if err := h.queue.CancelTask(c.Request.Context(), taskID); err != nil {
		handleError(c, h.logger, statusFor(err), "Failed to cancel task", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Task cancelled successfully",
		"taskId":  taskID,
	})
}
