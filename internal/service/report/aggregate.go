package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/feichai0017/report-pipeline/internal/agent/vision"
	"github.com/feichai0017/report-pipeline/internal/layout"
	"github.com/feichai0017/report-pipeline/internal/models"
	"github.com/feichai0017/report-pipeline/internal/utils/fsutil"
	"github.com/feichai0017/report-pipeline/pkg/converters"
	"github.com/feichai0017/report-pipeline/pkg/logger"
)

// Aggregate groups the categories of every analyzed page of a document, summarizes the
// categories that have a prompt for the report type and writes the category index.
// The index is written last so its mtime marks a finished aggregation.
func (s *Service) Aggregate(ctx context.Context, key models.DocumentKey) (*models.AggregateResult, error) {
	if err := layout.ValidateKey(key); err != nil {
		return nil, err
	}
	log := s.logger.With(logger.String("document", key.String()))
	start := time.Now()

	files, err := s.layout.PageFiles(key)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	if len(files) == 0 {
		return nil, ErrNoArtifacts
	}

	// 按类别分组
	groups := make(map[string][]models.CategoryPage)
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			log.Warn("Failed to read artifact", logger.String("path", f), logger.Error(err))
			continue
		}
		page, err := converters.ParsePage(data)
		if err != nil {
			log.Warn("Failed to parse artifact", logger.String("path", f), logger.Error(err))
			continue
		}
		n, err := layout.PageNumber(filepath.Base(f))
		if err != nil {
			log.Warn("Skipping artifact without page number", logger.String("path", f))
			continue
		}
		for _, c := range page.Categories {
			name := converters.NormalizeName(c.Name)
			groups[name] = append(groups[name], models.CategoryPage{
				Page:       n,
				Source:     s.layout.Rel(f),
				Confidence: c.Confidence,
				Content:    c.Content,
			})
		}
	}

	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	res := &models.AggregateResult{Key: key, Categories: len(names), Summarized: []string{}, Outputs: []string{}}
	for _, name := range names {
		prompt, ok := vision.CategoryPrompt(name, key.ReportType)
		if !ok || s.summarizer == nil {
			continue
		}
		out, err := s.summarize(ctx, key, name, prompt, groups[name])
		if errors.Is(err, vision.ErrUnsupported) {
			log.Info("Backend cannot summarize, skipping category", logger.String("category", name))
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Error("Failed to summarize category", logger.String("category", name), logger.Error(err))
			continue
		}
		res.Summarized = append(res.Summarized, name)
		res.Outputs = append(res.Outputs, s.layout.Rel(out))
	}

	index := models.CategoryIndex{Key: key, GeneratedAt: time.Now(), Pages: len(files), Categories: groups}
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal category index: %w", err)
	}
	indexPath := s.layout.IndexPath(key)
	if err := fsutil.WriteFile(indexPath, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write category index: %w", err)
	}
	s.mirror(ctx, indexPath, data)
	res.Outputs = append(res.Outputs, s.layout.Rel(indexPath))

	log.Info("Document aggregated",
		logger.Int("pages", len(files)),
		logger.Int("categories", len(names)),
		logger.Int("summarized", len(res.Summarized)),
		logger.Duration("elapsed", time.Since(start)))
	return res, nil
}

func (s *Service) summarize(ctx context.Context, key models.DocumentKey, category, prompt string, pages []models.CategoryPage) (string, error) {
	payload, err := json.MarshalIndent(struct {
		Category string                `json:"category"`
		Contents []models.CategoryPage `json:"contents"`
	}{category, pages}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal category payload: %w", err)
	}

	var images []vision.Image
	seen := make(map[int]struct{})
	for _, p := range pages {
		if len(images) >= s.cfg.MaxSummaryImages {
			break
		}
		if _, dup := seen[p.Page]; dup {
			continue
		}
		seen[p.Page] = struct{}{}
		path := s.layout.ImagePath(key, p.Page)
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Debug("Page image unavailable", logger.String("path", path), logger.Error(err))
			continue
		}
		images = append(images, vision.Image{Path: path, Data: data})
	}

	raw, err := s.summarizer.Summarize(ctx, prompt+"\n\n"+string(payload), images)
	if err != nil {
		return "", err
	}
	out := s.layout.CategoryPath(key, category)
	if err := fsutil.WriteFile(out, converters.Indent(raw), 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", out, err)
	}
	s.mirror(ctx, out, raw)
	return out, nil
}
