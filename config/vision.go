package config

import "sync"

var (
	visionOnce   sync.Once
	visionConfig *VisionConfig
)

// VisionConfig holds credentials and endpoints of the analysis backends.
type VisionConfig struct {
	Backend string
	// OpenAI-compatible chat completions (Qwen on DashScope by default)
	APIURL string
	APIKey string
	Model  string

	OllamaEndpoint string
	OllamaModel    string
}

func GetVisionConfig() *VisionConfig {
	visionOnce.Do(func() {
		loadEnv()
		visionConfig = &VisionConfig{
			Backend:        envOr("VISION_BACKEND", "qwen"),
			APIURL:         envOr("VISION_API_URL", "https://dashscope-intl.aliyuncs.com/compatible-mode/v1/chat/completions"),
			APIKey:         envOr("VISION_API_KEY", envOr("QWEN_API_KEY", "")),
			Model:          envOr("VISION_MODEL", "qwen-vl-max"),
			OllamaEndpoint: envOr("OLLAMA_ENDPOINT", "http://localhost:11434"),
			OllamaModel:    envOr("OLLAMA_MODEL", "llava"),
		}
	})
	return visionConfig
}
