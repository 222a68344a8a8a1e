package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/report-pipeline/internal/layout"
	"github.com/feichai0017/report-pipeline/internal/models"
	"github.com/feichai0017/report-pipeline/pkg/converters"
	"github.com/feichai0017/report-pipeline/pkg/logger"
)

// CacheKey is the signature a query is cached under: years and categories are
// order-insensitive, categories case-insensitive.
func CacheKey(q models.Query) string {
	years := append([]string(nil), q.Years...)
	sort.Strings(years)
	cats := make([]string, 0, len(q.Categories))
	for _, c := range q.Categories {
		cats = append(cats, strings.ToLower(strings.TrimSpace(c)))
	}
	sort.Strings(cats)
	return strings.Join([]string{q.Tenant, q.ReportType, strings.Join(years, ","), strings.Join(cats, ",")}, "|")
}

func validate(q models.Query) error {
	if q.Tenant == "" || q.ReportType == "" {
		return fmt.Errorf("%w: missing required parameters (tenant, report_type)", ErrInvalidQuery)
	}
	if len(q.Years) == 0 {
		return fmt.Errorf("%w: at least one year must be specified", ErrInvalidQuery)
	}
	var bad []string
	for _, y := range q.Years {
		if y == "" || strings.Trim(y, "0123456789") != "" {
			bad = append(bad, y)
		}
	}
	if len(bad) > 0 {
		return fmt.Errorf("%w: invalid year format: %s", ErrInvalidQuery, strings.Join(bad, ", "))
	}
	return nil
}

// Query returns every analyzed page of the requested years that carries any of the
// requested categories. Pages whose artifact did not change since the last identical
// query are served from the cache.
func (s *Service) Query(ctx context.Context, q models.Query) (*models.QueryResult, error) {
	if err := validate(q); err != nil {
		return nil, err
	}

	files, err := s.queryFiles(q)
	if err != nil {
		return nil, err
	}
	key := CacheKey(q)
	lookup := s.cache.Lookup(key, files)
	if lookup.Hit {
		return buildResult(lookup.Payload, 0, true), nil
	}

	items := make(queryItems, len(files))
	reused := 0
	var stale []string
	for _, f := range files {
		if !lookup.Fresh[f] {
			stale = append(stale, f)
			continue
		}
		items[f] = lookup.Payload[f]
		if items[f] != nil {
			reused++
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, f := range stale {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			item := s.readItem(q, f)
			mu.Lock()
			items[f] = item
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to read results: %w", err)
	}

	s.cache.Put(key, items, files)
	res := buildResult(items, reused, false)
	s.logger.Debug("Query answered",
		logger.String("key", key),
		logger.Int("files", len(files)),
		logger.Int("results", res.Count),
		logger.Int("reused", reused))
	return res, nil
}

func buildResult(items queryItems, reused int, cached bool) *models.QueryResult {
	res := &models.QueryResult{Results: []models.ResultItem{}, Cached: cached}
	for _, it := range items {
		if it != nil {
			res.Results = append(res.Results, *it)
		}
	}
	sort.Slice(res.Results, func(i, j int) bool {
		a, b := res.Results[i], res.Results[j]
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return a.Page < b.Page
	})
	res.Count = len(res.Results)
	if cached {
		reused = res.Count
	}
	res.Reused = reused
	return res
}

// queryFiles lists the JSON artifacts under every requested year.
func (s *Service) queryFiles(q models.Query) ([]string, error) {
	seen := make(map[string]struct{})
	var files []string
	for _, year := range q.Years {
		if _, dup := seen[year]; dup {
			continue
		}
		seen[year] = struct{}{}
		root := filepath.Join(s.layout.JSONRoot, q.Tenant, q.ReportType, year)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if d.IsDir() || !layout.Visible(path) || !strings.EqualFold(filepath.Ext(path), ".json") {
				return nil
			}
			files = append(files, path)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", root, err)
		}
	}
	sort.Strings(files)
	return files, nil
}

func (s *Service) readItem(q models.Query, path string) *models.ResultItem {
	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Warn("Failed to read artifact", logger.String("path", path), logger.Error(err))
		return nil
	}
	page, err := converters.ParsePage(data)
	if err != nil {
		s.logger.Warn("Failed to parse artifact", logger.String("path", path), logger.Error(err))
		return nil
	}
	if !page.MatchesAny(q.Categories) {
		return nil
	}

	rel, _ := filepath.Rel(filepath.Join(s.layout.JSONRoot, q.Tenant, q.ReportType), path)
	year := strings.Split(filepath.ToSlash(rel), "/")[0]
	n, err := layout.PageNumber(filepath.Base(path))
	if err != nil {
		n = 1
	}
	return &models.ResultItem{
		Path:       s.layout.Rel(path),
		Tenant:     q.Tenant,
		ReportType: q.ReportType,
		Year:       year,
		Document:   filepath.Base(filepath.Dir(path)),
		Page:       n,
		Categories: page.Names(),
		Data:       json.RawMessage(data),
		Content:    page.Content,
	}
}

// Summary compares rendered and analyzed pages for every known document.
func (s *Service) Summary(ctx context.Context) (*models.Summary, error) {
	keys, err := s.allDocuments()
	if err != nil {
		return nil, err
	}

	tenants := make(map[string]*models.TenantSummary)
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rendered, err := s.layout.CountRendered(key)
		if err != nil {
			return nil, err
		}
		analyzed, err := s.layout.CountAnalyzed(key)
		if err != nil {
			return nil, err
		}
		t, ok := tenants[key.Tenant]
		if !ok {
			t = &models.TenantSummary{Tenant: key.Tenant, ReportTypes: map[string]map[string]map[string]models.DocumentSummary{}}
			tenants[key.Tenant] = t
		}
		years, ok := t.ReportTypes[key.ReportType]
		if !ok {
			years = map[string]map[string]models.DocumentSummary{}
			t.ReportTypes[key.ReportType] = years
		}
		docs, ok := years[key.Period]
		if !ok {
			docs = map[string]models.DocumentSummary{}
			years[key.Period] = docs
		}
		docs[key.Name] = models.DocumentSummary{TotalPages: rendered, AnalyzedImages: analyzed}
	}

	out := &models.Summary{Tenants: []models.TenantSummary{}}
	for _, t := range tenants {
		out.Tenants = append(out.Tenants, *t)
	}
	sort.Slice(out.Tenants, func(i, j int) bool { return out.Tenants[i].Tenant < out.Tenants[j].Tenant })
	out.TotalTenants = len(out.Tenants)
	return out, nil
}

// Metadata counts, per document, how many pages carry each category.
func (s *Service) Metadata(ctx context.Context) (*models.Metadata, error) {
	keys, err := s.layout.AnalyzedDocuments()
	if err != nil {
		return nil, err
	}

	counts := make([]map[string]int, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for i, key := range keys {
		g.Go(func() error {
			c, err := s.categoryCounts(gctx, key)
			counts[i] = c
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	tenants := make(map[string]*models.TenantMetadata)
	for i, key := range keys {
		if len(counts[i]) == 0 {
			continue
		}
		t, ok := tenants[key.Tenant]
		if !ok {
			t = &models.TenantMetadata{Tenant: key.Tenant, ReportTypes: map[string]map[string]map[string]map[string]int{}}
			tenants[key.Tenant] = t
		}
		if t.ReportTypes[key.ReportType] == nil {
			t.ReportTypes[key.ReportType] = map[string]map[string]map[string]int{}
		}
		if t.ReportTypes[key.ReportType][key.Period] == nil {
			t.ReportTypes[key.ReportType][key.Period] = map[string]map[string]int{}
		}
		t.ReportTypes[key.ReportType][key.Period][key.Name] = counts[i]
	}

	out := &models.Metadata{Tenants: []models.TenantMetadata{}}
	for _, t := range tenants {
		out.Tenants = append(out.Tenants, *t)
	}
	sort.Slice(out.Tenants, func(i, j int) bool { return out.Tenants[i].Tenant < out.Tenants[j].Tenant })
	return out, nil
}

func (s *Service) categoryCounts(ctx context.Context, key models.DocumentKey) (map[string]int, error) {
	files, err := s.layout.PageFiles(key)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		page, err := converters.ParsePage(data)
		if err != nil {
			continue
		}
		for _, c := range page.Categories {
			counts[c.Name]++
		}
	}
	return counts, nil
}

// FindMissing lists rendered pages that have no analysis artifact.
func (s *Service) FindMissing(ctx context.Context) ([]models.PageRef, error) {
	var missing []models.PageRef
	err := filepath.WalkDir(s.layout.ExtractRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !layout.Visible(path) {
			return nil
		}
		if _, ok := layout.ImageExts[strings.ToLower(filepath.Ext(path))]; !ok {
			return nil
		}
		ref, err := s.layout.ClassifyImage(path)
		if err != nil {
			s.logger.Debug("Skipping unrecognized image", logger.String("path", path))
			return nil
		}
		if _, err := os.Stat(s.layout.JSONPath(ref.Key, ref.Page)); errors.Is(err, fs.ErrNotExist) {
			missing = append(missing, ref)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan extract tree: %w", err)
	}
	return missing, nil
}

// allDocuments is the union of rendered and analyzed documents.
func (s *Service) allDocuments() ([]models.DocumentKey, error) {
	rendered, err := s.layout.Documents()
	if err != nil {
		return nil, err
	}
	analyzed, err := s.layout.AnalyzedDocuments()
	if err != nil {
		return nil, err
	}
	seen := make(map[models.DocumentKey]struct{}, len(rendered))
	keys := make([]models.DocumentKey, 0, len(rendered)+len(analyzed))
	for _, k := range append(rendered, analyzed...) {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}
