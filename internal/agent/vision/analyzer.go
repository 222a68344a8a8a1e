// Package vision holds the analysis collaborator backends. Every backend returns raw
// JSON that converters.ParsePage accepts.
package vision

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/feichai0017/report-pipeline/internal/models"
)

// ErrUnsupported is returned by backends that cannot serve a request kind.
var ErrUnsupported = errors.New("operation not supported by backend")

// Analyzer analyzes single page images and, where supported, summarizes a set of
// pages under a category prompt.
type Analyzer interface {
	AnalyzePage(ctx context.Context, page models.PageRef, image []byte) ([]byte, error)
	Summarize(ctx context.Context, prompt string, images []Image) ([]byte, error)
	Name() string
	Close() error
}

// Image is one input image for Summarize.
type Image struct {
	Path string
	Data []byte
}

// mimeOf prefers the file extension and falls back to sniffing.
func mimeOf(path string, data []byte) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	}
	return http.DetectContentType(data)
}
