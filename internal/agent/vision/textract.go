package vision

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"

	"github.com/feichai0017/report-pipeline/internal/models"
	"github.com/feichai0017/report-pipeline/pkg/converters"
	"github.com/feichai0017/report-pipeline/pkg/logger"
)

type textractAPI interface {
	AnalyzeDocument(ctx context.Context, params *textract.AnalyzeDocumentInput, optFns ...func(*textract.Options)) (*textract.AnalyzeDocumentOutput, error)
}

type TextractConfig struct {
	Region        string
	Endpoint      string
	AccessKey     string
	SecretKey     string
	MinConfidence float32
	FeatureTypes  []types.FeatureType
}

// TextractAnalyzer maps Textract blocks onto the direct categories shape: page text,
// one category per table and one for key/value pairs.
type TextractAnalyzer struct {
	client textractAPI
	config *TextractConfig
	logger logger.Logger
}

func NewTextractAnalyzer(ctx context.Context, cfg *TextractConfig, log logger.Logger) (*TextractAnalyzer, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	client := textract.NewFromConfig(awsCfg, func(o *textract.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	if len(cfg.FeatureTypes) == 0 {
		cfg.FeatureTypes = []types.FeatureType{types.FeatureTypeTables, types.FeatureTypeForms}
	}
	return &TextractAnalyzer{client: client, config: cfg, logger: log}, nil
}

func (p *TextractAnalyzer) Name() string { return "textract" }

func (p *TextractAnalyzer) AnalyzePage(ctx context.Context, page models.PageRef, image []byte) ([]byte, error) {
	result, err := p.client.AnalyzeDocument(ctx, &textract.AnalyzeDocumentInput{
		Document:     &types.Document{Bytes: image},
		FeatureTypes: p.config.FeatureTypes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to analyze document: %w", err)
	}

	p.logger.Debug("Textract analysis complete",
		logger.String("document", page.Key.String()),
		logger.Int("page", page.Page),
		logger.Int("blocks", len(result.Blocks)))

	return json.Marshal(map[string]any{
		"report_type": DocumentType(page.Key.ReportType),
		"categories":  p.categorize(result.Blocks),
	})
}

// Summarize needs a generative model.
func (p *TextractAnalyzer) Summarize(context.Context, string, []Image) ([]byte, error) {
	return nil, ErrUnsupported
}

func (p *TextractAnalyzer) Close() error { return nil }

type tableContent struct {
	Rows [][]string `json:"rows"`
}

type formField struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (p *TextractAnalyzer) categorize(blocks []types.Block) []converters.Category {
	index := make(map[string]types.Block, len(blocks))
	for _, b := range blocks {
		if b.Id != nil {
			index[*b.Id] = b
		}
	}

	var categories []converters.Category

	var lines []string
	var lineConf float32
	for _, b := range blocks {
		if b.BlockType == types.BlockTypeLine && b.Text != nil && conf(b) >= p.config.MinConfidence {
			lines = append(lines, *b.Text)
			lineConf += conf(b)
		}
	}
	if len(lines) > 0 {
		categories = append(categories, converters.Category{
			Name:       "text",
			Confidence: float64(lineConf) / float64(len(lines)) / 100,
			Content:    map[string]string{"text": strings.Join(lines, "\n")},
		})
	}

	tables := 0
	for _, b := range blocks {
		if b.BlockType != types.BlockTypeTable {
			continue
		}
		tables++
		categories = append(categories, converters.Category{
			Name:       fmt.Sprintf("table_%d", tables),
			Confidence: float64(conf(b)) / 100,
			Content:    tableContent{Rows: tableRows(b, index)},
		})
	}

	var fields []formField
	for _, b := range blocks {
		if b.BlockType != types.BlockTypeKeyValueSet || len(b.EntityTypes) == 0 || b.EntityTypes[0] != types.EntityTypeKey {
			continue
		}
		key := childText(b, index)
		value := valueText(b, index)
		if key != "" && value != "" {
			fields = append(fields, formField{Key: key, Value: value})
		}
	}
	if len(fields) > 0 {
		categories = append(categories, converters.Category{Name: "key_values", Confidence: 1, Content: fields})
	}
	if categories == nil {
		categories = []converters.Category{}
	}
	return categories
}

func tableRows(table types.Block, index map[string]types.Block) [][]string {
	var cells []types.Block
	var rows, cols int32
	for _, rel := range table.Relationships {
		if rel.Type != types.RelationshipTypeChild {
			continue
		}
		for _, id := range rel.Ids {
			cell, ok := index[id]
			if !ok || cell.BlockType != types.BlockTypeCell || cell.RowIndex == nil || cell.ColumnIndex == nil {
				continue
			}
			cells = append(cells, cell)
			rows = max(rows, *cell.RowIndex)
			cols = max(cols, *cell.ColumnIndex)
		}
	}
	grid := make([][]string, rows)
	for i := range grid {
		grid[i] = make([]string, cols)
	}
	for _, cell := range cells {
		grid[*cell.RowIndex-1][*cell.ColumnIndex-1] = childText(cell, index)
	}
	return grid
}

func childText(b types.Block, index map[string]types.Block) string {
	var words []string
	for _, rel := range b.Relationships {
		if rel.Type != types.RelationshipTypeChild {
			continue
		}
		for _, id := range rel.Ids {
			if child, ok := index[id]; ok && child.Text != nil {
				words = append(words, *child.Text)
			}
		}
	}
	return strings.Join(words, " ")
}

func valueText(key types.Block, index map[string]types.Block) string {
	for _, rel := range key.Relationships {
		if rel.Type != types.RelationshipTypeValue {
			continue
		}
		for _, id := range rel.Ids {
			if v, ok := index[id]; ok {
				return childText(v, index)
			}
		}
	}
	return ""
}

func conf(b types.Block) float32 {
	if b.Confidence == nil {
		return 0
	}
	return *b.Confidence
}
