package blob

import (
	"context"
	"fmt"

	"docflow/internal/config"
)

// Open constructs the blob backend selected in configuration.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Blob.Backend {
	case config.BlobLocal:
		return NewLocalFS(cfg.Blob.Root)
	case config.BlobGridFS:
		return OpenGridFS(ctx, cfg.Blob.Endpoint, cfg.Blob.Database, cfg.Blob.Bucket)
	default:
		return nil, fmt.Errorf("unsupported blob backend %q", cfg.Blob.Backend)
	}
}
