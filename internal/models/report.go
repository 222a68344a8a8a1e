package models

import (
	"encoding/json"
	"time"
)

// Query selects analyzed pages of one tenant and report type.
type Query struct {
	Tenant     string   `json:"tenant" form:"tenant"`
	ReportType string   `json:"report_type" form:"report_type"`
	Years      []string `json:"years" form:"year"`
	Categories []string `json:"categories" form:"category"`
}

// ResultItem is one analyzed page matching a query.
type ResultItem struct {
	Path       string          `json:"path"`
	Tenant     string          `json:"tenant"`
	ReportType string          `json:"report_type"`
	Year       string          `json:"year"`
	Document   string          `json:"document"`
	Page       int             `json:"page"`
	Categories []string        `json:"categories"`
	Data       json.RawMessage `json:"data"`
	Content    json.RawMessage `json:"content_json,omitempty"`
}

type QueryResult struct {
	Count   int          `json:"count"`
	Results []ResultItem `json:"results"`
	// Reused counts items served from the cache without re-reading their file.
	Reused int  `json:"reused"`
	Cached bool `json:"cached"`
}

// DocumentSummary compares rendered pages with analyzed ones.
type DocumentSummary struct {
	TotalPages     int `json:"total_pages"`
	AnalyzedImages int `json:"analyzed_images"`
}

// TenantSummary maps reportType -> year -> document.
type TenantSummary struct {
	Tenant      string                                           `json:"tenant"`
	ReportTypes map[string]map[string]map[string]DocumentSummary `json:"report_types"`
}

type Summary struct {
	TotalTenants int             `json:"total_tenants"`
	Tenants      []TenantSummary `json:"tenants"`
}

// TenantMetadata maps reportType -> year -> document -> category -> page count.
type TenantMetadata struct {
	Tenant      string                                          `json:"tenant"`
	ReportTypes map[string]map[string]map[string]map[string]int `json:"report_types"`
}

type Metadata struct {
	Tenants []TenantMetadata `json:"tenants"`
}

// CategoryPage is one page contributing to an aggregated category.
type CategoryPage struct {
	Page       int     `json:"page"`
	Source     string  `json:"source"`
	Confidence float64 `json:"confidence"`
	Content    any     `json:"content"`
}

// CategoryIndex is written next to the aggregated category files.
type CategoryIndex struct {
	Key         DocumentKey               `json:"key"`
	GeneratedAt time.Time                 `json:"generated_at"`
	Pages       int                       `json:"pages"`
	Categories  map[string][]CategoryPage `json:"categories"`
}

// AggregateResult reports what an aggregation run produced.
type AggregateResult struct {
	Key        DocumentKey `json:"key"`
	Categories int         `json:"categories"`
	Summarized []string    `json:"summarized"`
	Outputs    []string    `json:"outputs"`
}
