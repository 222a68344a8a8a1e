// Package storage mirrors pipeline artifacts to object storage.
package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/feichai0017/report-pipeline/pkg/logger"
	"github.com/feichai0017/report-pipeline/pkg/storage/minio"
	"github.com/feichai0017/report-pipeline/pkg/storage/s3"
)

// StorageType 定义存储类型
type StorageType string

const (
	StorageTypeNone  StorageType = "none"
	StorageTypeS3    StorageType = "s3"
	StorageTypeMinio StorageType = "minio"
)

// Storage is an object store keyed by the artifact path relative to the data dir.
type Storage interface {
	// Store uploads reader under key and returns the stored key.
	Store(ctx context.Context, reader io.Reader, key string) (string, error)
	// Prune deletes objects under prefix last modified before threshold.
	Prune(ctx context.Context, prefix string, threshold time.Time) (int, error)
}

// NewStorage 创建存储实例的工厂方法. StorageTypeNone and "" return a nil Storage.
func NewStorage(ctx context.Context, storageType StorageType, log logger.Logger) (Storage, error) {
	switch storageType {
	case StorageTypeNone, "":
		return nil, nil
	case StorageTypeS3:
		return s3.NewS3Storage(ctx, log)
	case StorageTypeMinio:
		return minio.NewMinioStorage(ctx, log)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
}
