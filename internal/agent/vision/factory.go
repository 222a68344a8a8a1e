package vision

import (
	"context"
	"fmt"
	"strings"
	"time"

	cfg "github.com/feichai0017/report-pipeline/config"
	"github.com/feichai0017/report-pipeline/pkg/logger"
)

// NewAnalyzer builds the backend named by the vision config: "qwen"/"openai"/"chat",
// "ollama" or "textract".
func NewAnalyzer(ctx context.Context, vc *cfg.VisionConfig, timeout time.Duration, log logger.Logger) (Analyzer, error) {
	log = log.Named("vision")
	backend := strings.ToLower(vc.Backend)
	log.Info("Creating analyzer", logger.String("backend", backend))

	switch backend {
	case "qwen", "openai", "chat":
		return NewChatClient(ChatConfig{
			URL:     vc.APIURL,
			APIKey:  vc.APIKey,
			Model:   vc.Model,
			Timeout: timeout,
		}, log)
	case "ollama":
		return NewOllamaClient(&OllamaConfig{
			Endpoint:    vc.OllamaEndpoint,
			Model:       vc.OllamaModel,
			MaxTokens:   4096,
			Temperature: 0.1,
			Timeout:     timeout,
		}, log), nil
	case "textract":
		tc := cfg.GetTextractConfig()
		return NewTextractAnalyzer(ctx, &TextractConfig{
			Region:        tc.Region,
			Endpoint:      tc.Endpoint,
			AccessKey:     tc.AccessKey,
			SecretKey:     tc.SecretKey,
			MinConfidence: tc.MinConfidence,
		}, log)
	default:
		return nil, fmt.Errorf("unsupported vision backend: %s", vc.Backend)
	}
}
