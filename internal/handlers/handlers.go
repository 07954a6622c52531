package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"docflow/internal/blob"
	"docflow/internal/config"
	"docflow/internal/logging"
	"docflow/internal/services"
	"docflow/internal/stage"
)

// Set constructs the reference handlers for the configured stages. An empty
// stage list yields every stage.
func Set(cfg *config.Config, store blob.Store, logger *slog.Logger) ([]stage.Handler, error) {
	names := stage.All
	if cfg != nil && len(cfg.Workers.Stages) > 0 {
		names = names[:0:0]
		for _, raw := range cfg.Workers.Stages {
			name, err := stage.Parse(raw)
			if err != nil {
				return nil, services.Wrap(services.ErrConfiguration, "workers", "select stages", "", err)
			}
			names = append(names, name)
		}
	}
	chunkSize, chunkOverlap := 0, 0
	if cfg != nil {
		chunkSize, chunkOverlap = cfg.Workers.ChunkSize, cfg.Workers.ChunkOverlap
	}
	handlers := make([]stage.Handler, 0, len(names))
	for _, name := range names {
		switch name {
		case stage.Convert:
			handlers = append(handlers, NewConverter(store, logger))
		case stage.ExtractMetadata:
			handlers = append(handlers, NewMetadataExtractor(store, logger))
		case stage.IndexA:
			handlers = append(handlers, NewKeywordIndexer(store, logger))
		case stage.IndexB:
			handlers = append(handlers, NewChunkIndexer(store, chunkSize, chunkOverlap, logger))
		}
	}
	return handlers, nil
}

// base carries the collaborators every reference handler shares.
type base struct {
	name   stage.Name
	store  blob.Store
	logger *slog.Logger
}

func newBase(name stage.Name, store blob.Store, logger *slog.Logger) base {
	return base{
		name:   name,
		store:  store,
		logger: logging.NewComponentLogger(logger, "handler").With(logging.String(logging.FieldStage, string(name))),
	}
}

func (b base) Stage() stage.Name { return b.name }

func (b base) HealthCheck(ctx context.Context) stage.Health {
	if b.store == nil {
		return stage.Unhealthy(string(b.name), "blob store not configured")
	}
	return stage.FromError(string(b.name), b.store.Ping(ctx))
}

// read loads an input blob. A missing input is permanent: retrying cannot
// make it appear.
func (b base) read(ctx context.Context, key string) ([]byte, error) {
	data, err := blob.ReadAll(ctx, b.store, key)
	switch {
	case err == nil:
		return data, nil
	case errors.Is(err, blob.ErrNotFound):
		return nil, services.Wrap(services.ErrValidation, string(b.name), "read input", fmt.Sprintf("blob %s is missing", key), err)
	default:
		return nil, services.Wrap(services.ErrStageExecution, string(b.name), "read input", key, err)
	}
}

func (b base) write(ctx context.Context, key string, data []byte) error {
	if err := blob.PutBytes(ctx, b.store, key, data); err != nil {
		return services.Wrap(services.ErrStageExecution, string(b.name), "write artifact", key, err)
	}
	return nil
}

func (b base) artifactKey(documentID, name string) string {
	return blob.ArtifactKey(documentID, string(b.name), name)
}
