package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/report-pipeline/internal/layout"
	"github.com/feichai0017/report-pipeline/internal/models"
	"github.com/feichai0017/report-pipeline/internal/service/report"
	"github.com/feichai0017/report-pipeline/internal/utils/fsutil"
	"github.com/feichai0017/report-pipeline/internal/utils/validator"
	"github.com/feichai0017/report-pipeline/pkg/logger"
)

// ReportHandler serves uploads and read queries.
type ReportHandler struct {
	service   ReportService
	layout    *layout.Layout
	validator *validator.DocumentValidator
	logger    logger.Logger
}

// UploadResponse 定义上传响应结构
type UploadResponse struct {
	Filename string                      `json:"filename"`
	Document string                      `json:"document,omitempty"`
	Path     string                      `json:"path,omitempty"`
	Status   string                      `json:"status"`
	Pages    int                         `json:"pages,omitempty"`
	Hash     string                      `json:"hash,omitempty"`
	Errors   []validator.ValidationError `json:"errors,omitempty"`
}

func NewReportHandler(service ReportService, l *layout.Layout, v *validator.DocumentValidator, log logger.Logger) *ReportHandler {
	return &ReportHandler{
		service:   service,
		layout:    l,
		validator: v,
		logger:    log.Named("report-api"),
	}
}

// Upload saves validated PDFs into the upload tree, where the upload watcher picks
// them up.
func (h *ReportHandler) Upload(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		handleError(c, h.logger, http.StatusBadRequest, "Invalid form data", err)
		return
	}
	files := form.File["pdf_files"]
	if len(files) == 0 {
		handleError(c, h.logger, http.StatusBadRequest, "No files provided", nil)
		return
	}
	tenant := strings.TrimSpace(c.PostForm("tenant"))
	reportType := strings.TrimSpace(c.PostForm("report_type"))
	year := strings.TrimSpace(c.PostForm("year"))

	results, err := h.validator.ValidateFiles(c.Request.Context(), files)
	if err != nil {
		handleError(c, h.logger, http.StatusInternalServerError, "Failed to read files", err)
		return
	}

	responses := make([]UploadResponse, len(files))
	accepted := 0
	for i, result := range results {
		resp := UploadResponse{Filename: files[i].Filename, Status: "rejected"}
		key := models.DocumentKey{
			Tenant:     tenant,
			ReportType: reportType,
			Period:     year,
			Name:       strings.TrimSuffix(filepath.Base(files[i].Filename), filepath.Ext(files[i].Filename)),
		}
		if err := validator.ValidateTarget(key); err != nil {
			resp.Errors = []validator.ValidationError{{Code: "INVALID_TARGET", Message: err.Error()}}
			responses[i] = resp
			continue
		}
		if !result.IsValid {
			resp.Errors = result.Errors
			responses[i] = resp
			continue
		}

		path := h.layout.UploadPath(key)
		if err := fsutil.WriteFile(path, result.Data, 0644); err != nil {
			handleError(c, h.logger, http.StatusInternalServerError, "Failed to save file", err)
			return
		}
		h.logger.Info("Report uploaded",
			logger.String("document", key.String()),
			logger.Int("pages", result.FileInfo.Pages),
			logger.Int64("size", result.FileInfo.Size))

		resp.Status = "accepted"
		resp.Document = key.String()
		resp.Path = h.layout.Rel(path)
		resp.Pages = result.FileInfo.Pages
		resp.Hash = result.FileInfo.Hash
		responses[i] = resp
		accepted++
	}

	status := http.StatusAccepted
	if accepted == 0 {
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{
		"message": fmt.Sprintf("Accepted %d of %d files", accepted, len(files)),
		"files":   responses,
	})
}

// Query accepts the query as URL parameters on GET and as a JSON body on POST.
func (h *ReportHandler) Query(c *gin.Context) {
	var q models.Query
	bind := c.ShouldBindQuery
	if c.Request.Method == http.MethodPost {
		bind = c.ShouldBindJSON
	}
	if err := bind(&q); err != nil {
		handleError(c, h.logger, http.StatusBadRequest, "Invalid query", err)
		return
	}
	q.Years = splitList(q.Years)
	q.Categories = splitList(q.Categories)

	result, err := h.service.Query(c.Request.Context(), q)
	if err != nil {
		if errors.Is(err, report.ErrInvalidQuery) {
			handleError(c, h.logger, http.StatusBadRequest, "Invalid query", err)
			return
		}
		handleError(c, h.logger, statusFor(err), "Failed to run query", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Summary 汇总处理进度
func (h *ReportHandler) Summary(c *gin.Context) {
	summary, err := h.service.Summary(c.Request.Context())
	if err != nil {
		handleError(c, h.logger, statusFor(err), "Failed to build summary", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *ReportHandler) Metadata(c *gin.Context) {
	metadata, err := h.service.Metadata(c.Request.Context())
	if err != nil {
		handleError(c, h.logger, statusFor(err), "Failed to build metadata", err)
		return
	}
	c.JSON(http.StatusOK, metadata)
}

// splitList accepts both repeated parameters and comma separated values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
