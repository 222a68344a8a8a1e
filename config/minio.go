package config

import "sync"

var (
	minioOnce   sync.Once
	minioConfig *MinioConfig
)

type MinioConfig struct {
	AccessKey  string
	SecretKey  string
	Endpoint   string
	UseSSL     bool
	Region     string
	BucketName string
}

func GetMinioConfig() *MinioConfig {
	minioOnce.Do(func() {
		loadEnv()
		minioConfig = &MinioConfig{
			AccessKey:  envOr("MINIO_ACCESS_KEY", ""),
			SecretKey:  envOr("MINIO_SECRET_KEY", ""),
			Endpoint:   envOr("MINIO_ENDPOINT", "localhost:9000"),
			UseSSL:     envBool("MINIO_USE_SSL", false),
			Region:     envOr("MINIO_REGION", ""),
			BucketName: envOr("MINIO_BUCKET_NAME", "report-artifacts"),
		}
	})
	return minioConfig
}
