package queue

import (
	"context"
	"fmt"

	"docflow/internal/config"
)

// Open constructs the queue backend selected in configuration.
func Open(ctx context.Context, cfg *config.Config) (Queue, error) {
	switch cfg.Queue.Backend {
	case config.QueueMemory:
		return NewMemoryQueue(), nil
	case config.QueueSQLite:
		return OpenSQLite(cfg.Queue.DSN)
	case config.QueuePostgres:
		return OpenPostgres(ctx, cfg.Queue.DSN)
	case config.QueueRedis:
		return OpenRedis(cfg.Queue.DSN, cfg.Queue.Prefix)
	case config.QueueMongo:
		return OpenMongo(ctx, cfg.Queue.DSN, "", cfg.Queue.Prefix+"_jobs")
	default:
		return nil, fmt.Errorf("unsupported queue backend %q", cfg.Queue.Backend)
	}
}
