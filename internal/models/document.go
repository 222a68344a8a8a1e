package models

import (
	"path"
	"time"
)

// DocumentKey identifies one uploaded report. It is derived from a path and never mutated.
type DocumentKey struct {
	Tenant     string `json:"tenant"`
	ReportType string `json:"report_type"`
	Period     string `json:"period"`
	Name       string `json:"document"`
}

// String renders the key as tenant/reportType/period/name.
func (k DocumentKey) String() string {
	return path.Join(k.Tenant, k.ReportType, k.Period, k.Name)
}

// PageRef is a single rendered page of a document.
type PageRef struct {
	Key       DocumentKey `json:"key"`
	Page      int         `json:"page"`
	ImagePath string      `json:"image_path"`
}

// PageArtifact tracks a rendered page and, once analyzed, its JSON result.
type PageArtifact struct {
	Key            DocumentKey `json:"key"`
	PageNumber     int         `json:"page"`
	ImagePath      string      `json:"image_path"`
	AnalysisPath   string      `json:"analysis_path,omitempty"`
	LastRenderedAt time.Time   `json:"last_rendered_at"`
	LastAnalyzedAt *time.Time  `json:"last_analyzed_at,omitempty"`
}

// Analyzed reports whether the analysis fields have been populated.
func (a PageArtifact) Analyzed() bool {
	return a.AnalysisPath != "" && a.LastAnalyzedAt != nil
}

// FileType 文件类型
type FileType string

const PDF FileType = "pdf"

// DocumentMetadata is what the renderer can tell about a PDF before rasterizing it.
type DocumentMetadata struct {
	Title    string   `json:"title,omitempty"`
	Author   string   `json:"author,omitempty"`
	FileType FileType `json:"fileType"`
	FileSize int64    `json:"fileSize"`
	Pages    int      `json:"pages"`
	Hash     string   `json:"hash"`
}
