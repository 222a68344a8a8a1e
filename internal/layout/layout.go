// Package layout owns the on-disk contract shared by the watchers, the dispatcher, the
// completion tracker and the query path:
//
//	uploads/{tenant}/{reportType}/{period}/{document}.pdf
//	extracts/{tenant}/{reportType}/{period}/{document}/{document}_page_{N}.jpg
//	jsons/{tenant}/{reportType}/{period}/{document}/{document}_page_{N}.json
//	processed/{tenant}/{reportType}/{period}/{document}/{category}.json
package layout

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/feichai0017/report-pipeline/internal/models"
)

// ErrMalformedPath marks a path that does not fit the layout. Such events are rejected
// permanently, never retried.
var ErrMalformedPath = errors.New("malformed path")

var (
	periodPattern = regexp.MustCompile(`^\d{4}$`)
	pagePattern   = regexp.MustCompile(`^(.+)_page_(\d+)$`)
)

// ImageExts are the extensions the extract tree may contain.
var ImageExts = map[string]struct{}{".jpg": {}, ".jpeg": {}, ".png": {}}

// UploadExts are the extensions the upload tree may contain.
var UploadExts = map[string]struct{}{".pdf": {}}

// Layout resolves every artifact path from a data directory.
type Layout struct {
	UploadRoot    string
	ExtractRoot   string
	JSONRoot      string
	ProcessedRoot string
}

// New builds the default layout under dataDir.
func New(dataDir string) *Layout {
	return &Layout{
		UploadRoot:    filepath.Join(dataDir, "uploads"),
		ExtractRoot:   filepath.Join(dataDir, "extracts"),
		JSONRoot:      filepath.Join(dataDir, "jsons"),
		ProcessedRoot: filepath.Join(dataDir, "processed"),
	}
}

// EnsureRoots creates the four trees.
func (l *Layout) EnsureRoots() error {
	for _, dir := range []string{l.UploadRoot, l.ExtractRoot, l.JSONRoot, l.ProcessedRoot} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// ClassifyUpload maps uploads/tenant/type/period/name.pdf to its document key.
func (l *Layout) ClassifyUpload(path string) (models.DocumentKey, error) {
	parts, err := relParts(l.UploadRoot, path)
	if err != nil {
		return models.DocumentKey{}, err
	}
	if len(parts) != 4 {
		return models.DocumentKey{}, fmt.Errorf("%w: expected tenant/type/period/file, got %q", ErrMalformedPath, filepath.Join(parts...))
	}
	ext := strings.ToLower(filepath.Ext(parts[3]))
	if _, ok := UploadExts[ext]; !ok {
		return models.DocumentKey{}, fmt.Errorf("%w: unsupported upload extension %q", ErrMalformedPath, ext)
	}
	key := models.DocumentKey{
		Tenant:     parts[0],
		ReportType: parts[1],
		Period:     parts[2],
		Name:       strings.TrimSuffix(parts[3], filepath.Ext(parts[3])),
	}
	if err := ValidateKey(key); err != nil {
		return models.DocumentKey{}, err
	}
	return key, nil
}

// ClassifyImage maps extracts/tenant/type/period/doc/doc_page_N.jpg to its page.
func (l *Layout) ClassifyImage(path string) (models.PageRef, error) {
	parts, err := relParts(l.ExtractRoot, path)
	if err != nil {
		return models.PageRef{}, err
	}
	if len(parts) != 5 {
		return models.PageRef{}, fmt.Errorf("%w: expected tenant/type/period/document/page, got %q", ErrMalformedPath, filepath.Join(parts...))
	}
	file := parts[4]
	ext := strings.ToLower(filepath.Ext(file))
	if _, ok := ImageExts[ext]; !ok {
		return models.PageRef{}, fmt.Errorf("%w: unsupported image extension %q", ErrMalformedPath, ext)
	}
	page, err := PageNumber(file)
	if err != nil {
		return models.PageRef{}, err
	}
	key := models.DocumentKey{Tenant: parts[0], ReportType: parts[1], Period: parts[2], Name: parts[3]}
	if err := ValidateKey(key); err != nil {
		return models.PageRef{}, err
	}
	return models.PageRef{Key: key, Page: page, ImagePath: path}, nil
}

// ValidateKey enforces the period invariant and non-empty segments.
func ValidateKey(key models.DocumentKey) error {
	if key.Tenant == "" || key.ReportType == "" || key.Name == "" {
		return fmt.Errorf("%w: empty segment in %q", ErrMalformedPath, key.String())
	}
	if !periodPattern.MatchString(key.Period) {
		return fmt.Errorf("%w: period %q is not a 4-digit year", ErrMalformedPath, key.Period)
	}
	return nil
}

// PageNumber extracts N from "<doc>_page_<N>.<ext>".
func PageNumber(file string) (int, error) {
	base := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	m := pagePattern.FindStringSubmatch(base)
	if m == nil {
		return 0, fmt.Errorf("%w: %q has no _page_N suffix", ErrMalformedPath, file)
	}
	n, err := strconv.Atoi(m[2])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: bad page number in %q", ErrMalformedPath, file)
	}
	return n, nil
}

func (l *Layout) UploadPath(key models.DocumentKey) string {
	return filepath.Join(l.UploadRoot, key.Tenant, key.ReportType, key.Period, key.Name+".pdf")
}

func (l *Layout) ImageDir(key models.DocumentKey) string {
	return filepath.Join(l.ExtractRoot, key.Tenant, key.ReportType, key.Period, key.Name)
}

func (l *Layout) ImagePath(key models.DocumentKey, page int) string {
	return filepath.Join(l.ImageDir(key), pageBase(key, page)+".jpg")
}

func (l *Layout) JSONDir(key models.DocumentKey) string {
	return filepath.Join(l.JSONRoot, key.Tenant, key.ReportType, key.Period, key.Name)
}

// JSONPath is the deterministic artifact location for an analyzed page.
func (l *Layout) JSONPath(key models.DocumentKey, page int) string {
	return filepath.Join(l.JSONDir(key), pageBase(key, page)+".json")
}

func (l *Layout) ProcessedDir(key models.DocumentKey) string {
	return filepath.Join(l.ProcessedRoot, key.Tenant, key.ReportType, key.Period, key.Name)
}

// IndexFile is the aggregation output listing a document's categories.
const IndexFile = "categories.json"

func (l *Layout) IndexPath(key models.DocumentKey) string {
	return filepath.Join(l.ProcessedDir(key), IndexFile)
}

// CategoryPath is the aggregated output of one normalized category.
func (l *Layout) CategoryPath(key models.DocumentKey, category string) string {
	return filepath.Join(l.ProcessedDir(key), category+".json")
}

// Rel returns path relative to the data directory, used as the object-storage key.
func (l *Layout) Rel(path string) string {
	root := filepath.Dir(l.JSONRoot)
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

func pageBase(key models.DocumentKey, page int) string {
	return fmt.Sprintf("%s_page_%d", key.Name, page)
}

func relParts(root, path string) ([]string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("%w: %q is outside %q", ErrMalformedPath, path, root)
	}
	return strings.Split(filepath.ToSlash(rel), "/"), nil
}
