package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/report-pipeline/internal/layout"
	"github.com/feichai0017/report-pipeline/internal/models"
	"github.com/feichai0017/report-pipeline/internal/pipeline"
	"github.com/feichai0017/report-pipeline/internal/utils/validator"
	"github.com/feichai0017/report-pipeline/pkg/logger"
	"github.com/feichai0017/report-pipeline/pkg/queue"
)

// ReportService answers read queries over the analyzed tree.
type ReportService interface {
	Query(ctx context.Context, q models.Query) (*models.QueryResult, error)
	Summary(ctx context.Context) (*models.Summary, error)
	Metadata(ctx context.Context) (*models.Metadata, error)
}

// StatusSource reports the running pipeline's state.
type StatusSource interface {
	Status() pipeline.Status
}

// Enqueuer schedules an aggregation task.
type Enqueuer interface {
	Enqueue(ctx context.Context, key models.DocumentKey, priority int) (string, error)
}

type Handlers struct {
	Report      *ReportHandler
	Pipeline    *PipelineHandler
	Aggregation *AggregationHandler
}

func NewHandlers(p *pipeline.Pipeline, v *validator.DocumentValidator, log logger.Logger) *Handlers {
	var enq Enqueuer
	if p.Enqueuer != nil {
		enq = p.Enqueuer
	}
	return &Handlers{
		Report:      NewReportHandler(p.Reports, p.Layout, v, log),
		Pipeline:    NewPipelineHandler(p, log),
		Aggregation: NewAggregationHandler(p.Queue, enq, log),
	}
}

// ErrorResponse 定义错误响应结构
type ErrorResponse struct {
	Error   string `json:"error,omitempty"`
	Message string `json:"message"`
}

// handleError 统一错误处理
func handleError(c *gin.Context, log logger.Logger, status int, message string, err error) {
	fields := []logger.Field{logger.String("path", c.Request.URL.Path), logger.Int("status", status)}
	if err != nil {
		fields = append(fields, logger.Error(err))
	}
	if status >= http.StatusInternalServerError {
		log.Error(message, fields...)
	} else {
		log.Warn(message, fields...)
	}

	response := ErrorResponse{Message: message}
	if err != nil {
		response.Error = err.Error()
	}
	c.JSON(status, response)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, layout.ErrMalformedPath):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
