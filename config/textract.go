package config

import "sync"

var (
	textractOnce   sync.Once
	textractConfig *TextractConfig
)

type TextractConfig struct {
	Region        string
	Endpoint      string
	AccessKey     string
	SecretKey     string
	MinConfidence float32
}

func GetTextractConfig() *TextractConfig {
	textractOnce.Do(func() {
		loadEnv()
		textractConfig = &TextractConfig{
			Region:        envOr("AWS_REGION", "us-east-1"),
			Endpoint:      envOr("AWS_ENDPOINT", ""),
			AccessKey:     envOr("AWS_ACCESS_KEY", ""),
			SecretKey:     envOr("AWS_SECRET_KEY", ""),
			MinConfidence: float32(envInt("TEXTRACT_MIN_CONFIDENCE", 80)),
		}
	})
	return textractConfig
}
