package layout

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/feichai0017/report-pipeline/internal/models"
)

// CountRendered counts page images of a document. A missing directory counts zero.
func (l *Layout) CountRendered(key models.DocumentKey) (int, error) {
	return countFiles(l.ImageDir(key), ImageExts)
}

// CountAnalyzed counts JSON artifacts of a document that belong to a currently rendered
// page. Artifacts left over from an earlier rendering are not counted. A missing
// directory counts zero.
func (l *Layout) CountAnalyzed(key models.DocumentKey) (int, error) {
	images, err := listFiles(l.ImageDir(key), ImageExts)
	if err != nil {
		return 0, err
	}
	rendered := make(map[int]struct{}, len(images))
	for _, img := range images {
		if n, err := PageNumber(filepath.Base(img)); err == nil {
			rendered[n] = struct{}{}
		}
	}

	jsons, err := listFiles(l.JSONDir(key), map[string]struct{}{".json": {}})
	if err != nil {
		return 0, err
	}
	count := 0
	for _, f := range jsons {
		n, err := PageNumber(filepath.Base(f))
		if err != nil {
			continue
		}
		if _, ok := rendered[n]; ok {
			count++
		}
	}
	return count, nil
}

// Documents lists every document directory in the extract tree whose path fits the
// layout. Malformed directories are skipped.
func (l *Layout) Documents() ([]models.DocumentKey, error) {
	return documentsIn(l.ExtractRoot)
}

// AnalyzedDocuments lists every document directory in the JSON tree.
func (l *Layout) AnalyzedDocuments() ([]models.DocumentKey, error) {
	return documentsIn(l.JSONRoot)
}

func documentsIn(root string) ([]models.DocumentKey, error) {
	var keys []models.DocumentKey
	dirs, err := filepath.Glob(filepath.Join(root, "*", "*", "*", "*"))
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	for _, dir := range dirs {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		parts, err := relParts(root, dir)
		if err != nil || len(parts) != 4 {
			continue
		}
		key := models.DocumentKey{Tenant: parts[0], ReportType: parts[1], Period: parts[2], Name: parts[3]}
		if ValidateKey(key) != nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

// PageFiles returns the sorted JSON artifacts of a document.
func (l *Layout) PageFiles(key models.DocumentKey) ([]string, error) {
	return listFiles(l.JSONDir(key), map[string]struct{}{".json": {}})
}

// Visible reports whether a file name is a finished artifact, not a hidden or temp file.
func Visible(name string) bool {
	base := filepath.Base(name)
	return !strings.HasPrefix(base, ".") && !strings.HasSuffix(base, ".tmp")
}

func countFiles(dir string, exts map[string]struct{}) (int, error) {
	files, err := listFiles(dir, exts)
	return len(files), err
}

func listFiles(dir string, exts map[string]struct{}) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !Visible(e.Name()) {
			continue
		}
		if _, ok := exts[strings.ToLower(filepath.Ext(e.Name()))]; !ok {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}
