package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/feichai0017/report-pipeline/internal/models"
	"github.com/feichai0017/report-pipeline/pkg/converters"
	"github.com/feichai0017/report-pipeline/pkg/logger"
)

// OllamaResponse 定义 Ollama API 响应结构
type OllamaResponse struct {
	Response        string `json:"response"`
	Model           string `json:"model"`
	Done            bool   `json:"done"`
	TotalDuration   int64  `json:"total_duration,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
	Error           string `json:"error,omitempty"`
}

type OllamaConfig struct {
	Endpoint    string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// OllamaClient runs a local multimodal model. Its plain-text answer is stored in the
// envelope shape.
type OllamaClient struct {
	endpoint    string
	model       string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
	logger      logger.Logger
}

func NewOllamaClient(config *OllamaConfig, log logger.Logger) *OllamaClient {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OllamaClient{
		endpoint:    config.Endpoint,
		model:       config.Model,
		maxTokens:   config.MaxTokens,
		temperature: config.Temperature,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      log,
	}
}

func (c *OllamaClient) Name() string { return "ollama:" + c.model }

func (c *OllamaClient) AnalyzePage(ctx context.Context, page models.PageRef, image []byte) ([]byte, error) {
	return c.generate(ctx, PagePrompt(page.Key.ReportType), [][]byte{image})
}

func (c *OllamaClient) Summarize(ctx context.Context, prompt string, images []Image) ([]byte, error) {
	data := make([][]byte, 0, len(images))
	for _, img := range images {
		small, err := shrink(img.Data, 800, 60)
		if err != nil {
			c.logger.Warn("Skipping undecodable image", logger.String("path", img.Path), logger.Error(err))
			continue
		}
		data = append(data, small)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("no usable images to summarize")
	}
	return c.generate(ctx, prompt, data)
}

func (c *OllamaClient) generate(ctx context.Context, prompt string, images [][]byte) ([]byte, error) {
	encoded := make([]string, len(images))
	for i, img := range images {
		encoded[i] = base64.StdEncoding.EncodeToString(img)
	}

	reqBody := map[string]interface{}{
		"model":  c.model,
		"prompt": prompt,
		"images": encoded,
		"stream": false,
		"format": "json",
		"options": map[string]interface{}{
			"num_predict": c.maxTokens,
			"temperature": c.temperature,
		},
	}

	reqData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/generate", bytes.NewReader(reqData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, truncate(body, 512))
	}

	var result OllamaResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, defaultMaxResponse)).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("ollama error: %s", result.Error)
	}

	return converters.WrapEnvelope(result.Response)
}

func (c *OllamaClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
