// Package render turns uploaded PDFs into page images in the extract tree.
package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/go-fitz"

	"github.com/feichai0017/report-pipeline/internal/utils/fsutil"
	"github.com/feichai0017/report-pipeline/pkg/logger"
)

// Renderer is the rendering collaborator: it writes <name>_page_<N>.jpg files into
// targetDir, where name is the base of targetDir, and reports how many it wrote.
// Zero pages is a valid outcome.
type Renderer interface {
	Render(ctx context.Context, pdfPath, targetDir string) (int, error)
}

type Options struct {
	DPI       float64
	Quality   int
	Grayscale bool
	MaxWidth  int
}

// pageFunc receives every rasterized page, numbered from 1.
type pageFunc func(page int, img image.Image) error

type rasterizer func(ctx context.Context, data []byte, dpi float64, fn pageFunc) (int, error)

// FitzRenderer rasterizes with MuPDF through go-fitz.
type FitzRenderer struct {
	opts      Options
	pipeline  Pipeline
	rasterize rasterizer
	logger    logger.Logger
}

func NewFitzRenderer(opts Options, log logger.Logger) *FitzRenderer {
	if opts.DPI <= 0 {
		opts.DPI = 96
	}
	if opts.Quality <= 0 {
		opts.Quality = 60
	}
	var pipeline Pipeline
	if opts.MaxWidth > 0 {
		pipeline = append(pipeline, NewResizeProcessor(opts.MaxWidth))
	}
	if opts.Grayscale {
		pipeline = append(pipeline, NewGrayscaleProcessor())
	}
	return &FitzRenderer{opts: opts, pipeline: pipeline, rasterize: fitzRasterize, logger: log}
}

func (r *FitzRenderer) Render(ctx context.Context, pdfPath, targetDir string) (int, error) {
	data, err := os.ReadFile(pdfPath)
	if err != nil {
		return 0, fmt.Errorf("failed to read pdf: %w", err)
	}
	if err := Validate(data); err != nil {
		r.logger.Warn("PDF failed validation, rendering anyway",
			logger.String("path", pdfPath), logger.Error(err))
	}

	name := filepath.Base(targetDir)
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", targetDir, err)
	}

	n, err := r.rasterize(ctx, data, r.opts.DPI, func(page int, img image.Image) error {
		img, err := r.pipeline.Process(img)
		if err != nil {
			return fmt.Errorf("failed to preprocess page %d: %w", page, err)
		}
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(r.opts.Quality)); err != nil {
			return fmt.Errorf("failed to encode page %d: %w", page, err)
		}
		out := filepath.Join(targetDir, fmt.Sprintf("%s_page_%d.jpg", name, page))
		return fsutil.WriteFile(out, buf.Bytes(), 0644)
	})
	if err != nil {
		return n, err
	}

	r.logger.Info("Rendered PDF",
		logger.String("path", pdfPath),
		logger.String("target", targetDir),
		logger.Int("pages", n))
	return n, nil
}

func fitzRasterize(ctx context.Context, data []byte, dpi float64, fn pageFunc) (int, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return 0, fmt.Errorf("failed to open pdf: %w", err)
	}
	defer doc.Close()

	written := 0
	for i := 0; i < doc.NumPage(); i++ {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}
		img, err := doc.ImageDPI(i, dpi)
		if err != nil {
			return written, fmt.Errorf("failed to render page %d: %w", i+1, err)
		}
		if err := fn(i+1, img); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}
