// Package report answers queries over the analysis tree and aggregates completed
// documents into per-category outputs.
package report

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/feichai0017/report-pipeline/internal/agent/vision"
	"github.com/feichai0017/report-pipeline/internal/cache"
	"github.com/feichai0017/report-pipeline/internal/layout"
	"github.com/feichai0017/report-pipeline/internal/models"
	"github.com/feichai0017/report-pipeline/pkg/logger"
	"github.com/feichai0017/report-pipeline/pkg/storage"
)

var (
	ErrInvalidQuery = errors.New("invalid query")
	ErrNoArtifacts  = errors.New("document has no analysis artifacts")
)

// Summarizer is the part of the vision backend used for category summaries.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string, images []vision.Image) ([]byte, error)
}

type Config struct {
	CacheTTL time.Duration
	// MaxSummaryImages caps the pages sent with one category prompt.
	MaxSummaryImages int
	// Workers bounds parallel file reads.
	Workers int
}

func DefaultConfig() Config {
	return Config{CacheTTL: 5 * time.Minute, MaxSummaryImages: 10, Workers: 8}
}

// queryItems maps an artifact path to its result item; nil marks a file that was read
// and did not match or could not be parsed.
type queryItems map[string]*models.ResultItem

type Service struct {
	layout     *layout.Layout
	summarizer Summarizer
	store      storage.Storage
	cache      *cache.ResultCache[queryItems]
	cfg        Config
	logger     logger.Logger
}

// NewService creates the service. summarizer and store may be nil: category
// summaries and mirroring are then skipped.
func NewService(l *layout.Layout, summarizer Summarizer, store storage.Storage, cfg Config, log logger.Logger) *Service {
	def := DefaultConfig()
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.MaxSummaryImages <= 0 {
		cfg.MaxSummaryImages = def.MaxSummaryImages
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	return &Service{
		layout:     l,
		summarizer: summarizer,
		store:      store,
		cache:      cache.New[queryItems](cfg.CacheTTL, nil),
		cfg:        cfg,
		logger:     log.Named("report"),
	}
}

func (s *Service) mirror(ctx context.Context, path string, data []byte) {
	if s.store == nil {
		return
	}
	key := s.layout.Rel(path)
	if _, err := s.store.Store(ctx, bytes.NewReader(data), key); err != nil {
		s.logger.Warn("Failed to mirror output", logger.String("key", key), logger.Error(err))
	}
}
