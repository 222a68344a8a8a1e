// Package validator checks uploaded reports before they enter the upload tree.
package validator

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime/multipart"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/report-pipeline/internal/agent/render"
	"github.com/feichai0017/report-pipeline/internal/layout"
	"github.com/feichai0017/report-pipeline/internal/models"
	"github.com/feichai0017/report-pipeline/pkg/logger"
)

// DocumentValidator 文档验证器
type DocumentValidator struct {
	logger logger.Logger
	config *ValidatorConfig
}

// ValidatorConfig 验证器配置
type ValidatorConfig struct {
	MaxFileSize  int64               // 最大文件大小（字节）
	AllowedTypes map[string][]string // 允许的文件类型 {扩展名: []MIME类型}
	MaxPageCount int                 // PDF最大页数
}

// ValidationResult 验证结果
type ValidationResult struct {
	IsValid  bool              `json:"isValid"`
	Errors   []ValidationError `json:"errors,omitempty"`
	FileInfo FileInfo          `json:"fileInfo"`
	// Data holds the file content once read, so callers need not reopen the upload.
	Data []byte `json:"-"`
}

// ValidationError 验证错误
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// FileInfo 文件信息
type FileInfo struct {
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mimeType"`
	Extension string `json:"extension"`
	Hash      string `json:"hash"`
	Pages     int    `json:"pages,omitempty"`
	Title     string `json:"title,omitempty"`
}

func DefaultConfig() *ValidatorConfig {
	return &ValidatorConfig{
		MaxFileSize:  50 * 1024 * 1024, // 50MB
		AllowedTypes: map[string][]string{".pdf": {"application/pdf"}},
		MaxPageCount: 1000,
	}
}

// NewDocumentValidator 创建新的文档验证器
func NewDocumentValidator(log logger.Logger, config *ValidatorConfig) *DocumentValidator {
	if config == nil {
		config = DefaultConfig()
	}
	return &DocumentValidator{logger: log.Named("validator"), config: config}
}

// ValidateFile 验证单个文件
func (v *DocumentValidator) ValidateFile(file *multipart.FileHeader) (*ValidationResult, error) {
	result := &ValidationResult{
		IsValid: true,
		FileInfo: FileInfo{
			Filename:  file.Filename,
			Size:      file.Size,
			Extension: strings.ToLower(filepath.Ext(file.Filename)),
		},
	}

	// 基本验证
	if errs := v.performBasicValidation(result.FileInfo); len(errs) > 0 {
		result.fail(errs...)
		return result, nil
	}

	f, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, v.config.MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return v.validateData(result, data), nil
}

// ValidateBytes runs the content checks on an in-memory file.
func (v *DocumentValidator) ValidateBytes(filename string, data []byte) *ValidationResult {
	result := &ValidationResult{
		IsValid: true,
		FileInfo: FileInfo{
			Filename:  filename,
			Size:      int64(len(data)),
			Extension: strings.ToLower(filepath.Ext(filename)),
		},
	}
	if errs := v.performBasicValidation(result.FileInfo); len(errs) > 0 {
		result.fail(errs...)
		return result
	}
	return v.validateData(result, data)
}

// ValidateFiles 批量验证文件
func (v *DocumentValidator) ValidateFiles(ctx context.Context, files []*multipart.FileHeader) ([]*ValidationResult, error) {
	results := make([]*ValidationResult, len(files))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, file := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			result, err := v.ValidateFile(file)
			if err != nil {
				return fmt.Errorf("%s: %w", file.Filename, err)
			}
			results[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// ValidateTarget checks that the form fields name a valid place in the upload tree.
func ValidateTarget(key models.DocumentKey) error {
	for _, seg := range []string{key.Tenant, key.ReportType, key.Period, key.Name} {
		if strings.ContainsAny(seg, `/\`) || strings.HasPrefix(seg, ".") {
			return fmt.Errorf("%w: invalid segment %q", layout.ErrMalformedPath, seg)
		}
	}
	return layout.ValidateKey(key)
}

func (r *ValidationResult) fail(errs ...ValidationError) {
	r.IsValid = false
	r.Errors = append(r.Errors, errs...)
}

func (v *DocumentValidator) validateData(result *ValidationResult, data []byte) *ValidationResult {
	result.Data = data
	result.FileInfo.Size = int64(len(data))
	if result.FileInfo.Size > v.config.MaxFileSize {
		result.fail(tooLarge(v.config.MaxFileSize))
		return result
	}

	sum := sha256.Sum256(data)
	result.FileInfo.Hash = hex.EncodeToString(sum[:])

	// MIME类型验证
	result.FileInfo.MimeType = mimetype.Detect(data).String()
	if errs := v.validateMimeType(result.FileInfo); len(errs) > 0 {
		result.fail(errs...)
		return result
	}

	if result.FileInfo.Extension == ".pdf" {
		if errs := v.validatePDF(data, &result.FileInfo); len(errs) > 0 {
			result.fail(errs...)
		}
	}
	if !result.IsValid {
		v.logger.Info("Upload rejected",
			logger.String("filename", result.FileInfo.Filename),
			logger.Any("errors", result.Errors))
	}
	return result
}

// 基本验证
func (v *DocumentValidator) performBasicValidation(fileInfo FileInfo) []ValidationError {
	var errors []ValidationError

	if fileInfo.Size > v.config.MaxFileSize {
		errors = append(errors, tooLarge(v.config.MaxFileSize))
	}
	if fileInfo.Size == 0 {
		errors = append(errors, ValidationError{
			Code:    "EMPTY_FILE",
			Message: "File is empty",
			Field:   "size",
		})
	}
	if _, ok := v.config.AllowedTypes[fileInfo.Extension]; !ok {
		errors = append(errors, ValidationError{
			Code:    "INVALID_FILE_TYPE",
			Message: fmt.Sprintf("File type %s is not allowed", fileInfo.Extension),
			Field:   "extension",
		})
	}
	return errors
}

func tooLarge(limit int64) ValidationError {
	return ValidationError{
		Code:    "FILE_TOO_LARGE",
		Message: fmt.Sprintf("File size exceeds maximum limit of %d bytes", limit),
		Field:   "size",
	}
}

// MIME类型验证
func (v *DocumentValidator) validateMimeType(fileInfo FileInfo) []ValidationError {
	for _, allowed := range v.config.AllowedTypes[fileInfo.Extension] {
		if mimetype.EqualsAny(fileInfo.MimeType, allowed) {
			return nil
		}
	}
	return []ValidationError{{
		Code:    "INVALID_MIME_TYPE",
		Message: fmt.Sprintf("Invalid MIME type %s for extension %s", fileInfo.MimeType, fileInfo.Extension),
		Field:   "mimeType",
	}}
}

// PDF特定验证
func (v *DocumentValidator) validatePDF(data []byte, info *FileInfo) []ValidationError {
	meta, err := render.Inspect(bytes.Clone(data))
	if err != nil {
		return []ValidationError{{
			Code:    "INVALID_PDF",
			Message: err.Error(),
			Field:   "file",
		}}
	}
	info.Pages = meta.Pages
	info.Title = meta.Title
	if meta.Pages == 0 {
		return []ValidationError{{Code: "EMPTY_PDF", Message: "PDF has no pages", Field: "pages"}}
	}
	if v.config.MaxPageCount > 0 && meta.Pages > v.config.MaxPageCount {
		return []ValidationError{{
			Code:    "TOO_MANY_PAGES",
			Message: fmt.Sprintf("PDF has %d pages, limit is %d", meta.Pages, v.config.MaxPageCount),
			Field:   "pages",
		}}
	}
	return nil
}
