package storage

import (
	"context"
	"fmt"

	"github.com/meshdocs/meshdocs/internal/v1/config"
	"github.com/meshdocs/meshdocs/internal/v1/crdt"
)

// Open selects a driver from the STORAGE configuration value.
func Open(ctx context.Context, cfg *config.Config, provider crdt.Provider) (Storage, error) {
	switch cfg.Storage {
	case "memory":
		return NewMemory(provider), nil
	case "fs":
		return NewFS(cfg.StorageDir, provider)
	case "s3":
		return NewS3(ctx, S3Options{
			Bucket:   cfg.S3Bucket,
			Prefix:   cfg.S3Prefix,
			Endpoint: cfg.S3Endpoint,
		}, provider)
	default:
		return nil, fmt.Errorf("storage driver %q is not built into this binary", cfg.Storage)
	}
}
