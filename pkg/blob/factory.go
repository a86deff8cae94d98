package blob

import (
	"context"
	"fmt"
)

// Backend names accepted by New.
const (
	BackendFile   = "file"
	BackendS3     = "s3"
	BackendGCS    = "gcs"
	BackendMemory = "memory"
)

// GCSConfig configures GCSStore.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// Config selects and configures a backend.
type Config struct {
	Backend string
	Dir     string
	S3      S3Config
	GCS     GCSConfig
}

// New builds the configured store. An empty backend means file.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendFile:
		dir := cfg.Dir
		if dir == "" {
			dir = "data/blobs"
		}
		return NewFileStore(dir)
	case BackendS3:
		if cfg.S3.Region == "" {
			cfg.S3.Region = "us-east-1"
		}
		return NewS3Store(ctx, cfg.S3)
	case BackendGCS:
		return newGCSStore(ctx, cfg.GCS)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("blob: unsupported backend %q", cfg.Backend)
	}
}
