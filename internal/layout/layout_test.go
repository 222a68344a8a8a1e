package layout

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/report-pipeline/internal/models"
)

func TestClassifyUpload(t *testing.T) {
	l := New("/data")

	tests := []struct {
		name    string
		path    string
		want    models.DocumentKey
		wantErr bool
	}{
		{
			name: "valid upload",
			path: "/data/uploads/acme/annual/2024/report.pdf",
			want: models.DocumentKey{Tenant: "acme", ReportType: "annual", Period: "2024", Name: "report"},
		},
		{
			name: "uppercase extension",
			path: "/data/uploads/acme/quarterly/2023/Q1.PDF",
			want: models.DocumentKey{Tenant: "acme", ReportType: "quarterly", Period: "2023", Name: "Q1"},
		},
		{name: "too few segments", path: "/data/uploads/acme/2024/report.pdf", wantErr: true},
		{name: "too many segments", path: "/data/uploads/acme/annual/2024/x/report.pdf", wantErr: true},
		{name: "non numeric period", path: "/data/uploads/acme/annual/FY24/report.pdf", wantErr: true},
		{name: "five digit period", path: "/data/uploads/acme/annual/20245/report.pdf", wantErr: true},
		{name: "wrong extension", path: "/data/uploads/acme/annual/2024/report.docx", wantErr: true},
		{name: "outside root", path: "/elsewhere/acme/annual/2024/report.pdf", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := l.ClassifyUpload(tt.path)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedPath)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassifyImage(t *testing.T) {
	l := New("/data")

	ref, err := l.ClassifyImage("/data/extracts/acme/annual/2024/report/report_page_12.jpg")
	require.NoError(t, err)
	assert.Equal(t, models.DocumentKey{Tenant: "acme", ReportType: "annual", Period: "2024", Name: "report"}, ref.Key)
	assert.Equal(t, 12, ref.Page)

	for _, bad := range []string{
		"/data/extracts/acme/annual/2024/report_page_1.jpg",
		"/data/extracts/acme/annual/20x4/report/report_page_1.jpg",
		"/data/extracts/acme/annual/2024/report/report_page_0.jpg",
		"/data/extracts/acme/annual/2024/report/report.jpg",
		"/data/extracts/acme/annual/2024/report/report_page_1.gif",
	} {
		_, err := l.ClassifyImage(bad)
		assert.ErrorIs(t, err, ErrMalformedPath, bad)
	}
}

func TestDerivedPaths(t *testing.T) {
	l := New("/data")
	key := models.DocumentKey{Tenant: "acme", ReportType: "annual", Period: "2024", Name: "report"}

	assert.Equal(t, "/data/uploads/acme/annual/2024/report.pdf", l.UploadPath(key))
	assert.Equal(t, "/data/extracts/acme/annual/2024/report/report_page_3.jpg", l.ImagePath(key, 3))
	assert.Equal(t, "/data/jsons/acme/annual/2024/report/report_page_3.json", l.JSONPath(key, 3))
	assert.Equal(t, "/data/processed/acme/annual/2024/report", l.ProcessedDir(key))
	assert.Equal(t, "jsons/acme/annual/2024/report/report_page_3.json", l.Rel(l.JSONPath(key, 3)))

	ref, err := l.ClassifyImage(l.ImagePath(key, 3))
	require.NoError(t, err)
	assert.Equal(t, key, ref.Key)
}

func TestCounts(t *testing.T) {
	l := New(t.TempDir())
	key := models.DocumentKey{Tenant: "acme", ReportType: "annual", Period: "2024", Name: "report"}

	n, err := l.CountRendered(key)
	require.NoError(t, err)
	assert.Zero(t, n, "missing directory counts zero")

	require.NoError(t, os.MkdirAll(l.ImageDir(key), 0755))
	require.NoError(t, os.MkdirAll(l.JSONDir(key), 0755))
	for _, name := range []string{"report_page_1.jpg", "report_page_2.jpg", ".hidden.jpg", "report_page_3.jpg.tmp"} {
		require.NoError(t, os.WriteFile(filepath.Join(l.ImageDir(key), name), []byte("x"), 0644))
	}
	require.NoError(t, os.WriteFile(l.JSONPath(key, 1), []byte("{}"), 0644))
	require.NoError(t, os.WriteFile(l.JSONPath(key, 2)+".tmp", []byte("{"), 0644))

	rendered, err := l.CountRendered(key)
	require.NoError(t, err)
	assert.Equal(t, 2, rendered)

	analyzed, err := l.CountAnalyzed(key)
	require.NoError(t, err)
	assert.Equal(t, 1, analyzed)
}

func TestCountAnalyzedIgnoresStalePages(t *testing.T) {
	l := New(t.TempDir())
	key := models.DocumentKey{Tenant: "acme", ReportType: "annual", Period: "2024", Name: "report.final"}

	require.NoError(t, os.MkdirAll(l.ImageDir(key), 0755))
	require.NoError(t, os.MkdirAll(l.JSONDir(key), 0755))
	for _, page := range []int{1, 2} {
		require.NoError(t, os.WriteFile(l.ImagePath(key, page), []byte("x"), 0644))
	}
	// 第 3 页来自上一次渲染
	for _, page := range []int{1, 3} {
		require.NoError(t, os.WriteFile(l.JSONPath(key, page), []byte("{}"), 0644))
	}

	analyzed, err := l.CountAnalyzed(key)
	require.NoError(t, err)
	assert.Equal(t, 1, analyzed)

	require.NoError(t, os.RemoveAll(l.ImageDir(key)))
	analyzed, err = l.CountAnalyzed(key)
	require.NoError(t, err)
	assert.Zero(t, analyzed, "no rendered pages means nothing counts")
}

func TestPageNumberDottedName(t *testing.T) {
	n, err := PageNumber("report.final_page_3.json")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = PageNumber("report.final_page_3")
	assert.ErrorIs(t, err, ErrMalformedPath, "extension is stripped by PageNumber itself")
}

func TestDocuments(t *testing.T) {
	l := New(t.TempDir())
	good := models.DocumentKey{Tenant: "acme", ReportType: "annual", Period: "2024", Name: "report"}
	require.NoError(t, os.MkdirAll(l.ImageDir(good), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(l.ExtractRoot, "acme", "annual", "draft", "x"), 0755))

	docs, err := l.Documents()
	require.NoError(t, err)
	assert.Equal(t, []models.DocumentKey{good}, docs)
}
