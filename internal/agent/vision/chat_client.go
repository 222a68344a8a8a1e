package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/feichai0017/report-pipeline/internal/models"
	"github.com/feichai0017/report-pipeline/pkg/logger"
)

// ChatConfig configures an OpenAI-compatible chat-completions backend.
type ChatConfig struct {
	URL     string
	APIKey  string
	Model   string
	Timeout time.Duration
	// Summarize inputs are fitted into MaxSide x MaxSide and re-encoded at Quality.
	MaxSide int
	Quality int
	// MaxResponse caps the response body in bytes.
	MaxResponse int64
}

// ErrResponseTooLarge means the backend sent more than the configured response cap.
var ErrResponseTooLarge = errors.New("response body too large")

const defaultMaxResponse = 8 << 20

// ChatClient sends page images as data URLs to a chat-completions endpoint (Qwen-VL on
// DashScope by default) and keeps the response envelope as the artifact.
type ChatClient struct {
	cfg        ChatConfig
	httpClient *http.Client
	logger     logger.Logger
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewChatClient(cfg ChatConfig, log logger.Logger) (*ChatClient, error) {
	if cfg.URL == "" {
		return nil, errors.New("chat endpoint url is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("chat api key is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxSide <= 0 {
		cfg.MaxSide = 800
	}
	if cfg.Quality <= 0 {
		cfg.Quality = 60
	}
	if cfg.MaxResponse <= 0 {
		cfg.MaxResponse = defaultMaxResponse
	}
	return &ChatClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     log,
	}, nil
}

func (c *ChatClient) Name() string { return "chat:" + c.cfg.Model }

// AnalyzePage classifies one page image.
func (c *ChatClient) AnalyzePage(ctx context.Context, page models.PageRef, image []byte) ([]byte, error) {
	req := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: []contentPart{{Type: "text", Text: PagePrompt(page.Key.ReportType)}}},
			{Role: "user", Content: []contentPart{imagePart(mimeOf(page.ImagePath, image), image)}},
		},
	}
	return c.complete(ctx, req)
}

// Summarize sends every image with the category prompt in one request.
func (c *ChatClient) Summarize(ctx context.Context, prompt string, images []Image) ([]byte, error) {
	parts := make([]contentPart, 0, len(images))
	for _, img := range images {
		data, err := shrink(img.Data, c.cfg.MaxSide, c.cfg.Quality)
		if err != nil {
			c.logger.Warn("Skipping undecodable image", logger.String("path", img.Path), logger.Error(err))
			continue
		}
		parts = append(parts, imagePart("image/jpeg", data))
	}
	if len(parts) == 0 {
		return nil, errors.New("no usable images to summarize")
	}
	req := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: []contentPart{{Type: "text", Text: prompt}}},
			{Role: "user", Content: parts},
		},
	}
	return c.complete(ctx, req)
}

func (c *ChatClient) complete(ctx context.Context, body chatRequest) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := readLimited(resp.Body, c.cfg.MaxResponse)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, truncate(raw, 512))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("chat api error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, errors.New("chat api returned no choices")
	}
	return raw, nil
}

func (c *ChatClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func imagePart(mime string, data []byte) contentPart {
	return contentPart{
		Type:     "image_url",
		ImageURL: &imageURL{URL: "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)},
	}
}

// readLimited reads at most limit bytes of r and fails if r holds more.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, limit)
	}
	return data, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
