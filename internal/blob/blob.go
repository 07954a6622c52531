// Package blob stores submitted documents and the artifacts stages produce.
//
// Keys are slash-separated relative paths such as
// documents/<id>/<filename> or artifacts/<id>/<stage>/<name>. Stages pass
// keys to each other through job payloads; content never travels through
// the queue.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"docflow/internal/services"
)

// Store is the contract shared by every blob backend.
type Store interface {
	// Put writes r under key, replacing existing content, and returns the
	// number of bytes stored.
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// ErrNotFound is returned when no content exists under a key.
var ErrNotFound = errors.New("blob not found")

// DocumentKey returns the key a submitted source document is stored under.
func DocumentKey(documentID, filename string) string {
	return path.Join("documents", documentID, sanitizeName(filename))
}

// ArtifactKey returns the key for an artifact written by a stage.
func ArtifactKey(documentID, stage, name string) string {
	return path.Join("artifacts", documentID, stage, sanitizeName(name))
}

func sanitizeName(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "." || name == "/" || name == ".." || name == "" {
		return "unnamed"
	}
	return name
}

// ValidateKey rejects keys that could escape the store root.
func ValidateKey(key string) error {
	trimmed := strings.TrimSpace(key)
	switch {
	case trimmed == "":
		return services.Wrap(services.ErrValidation, "blob", "validate key", "key is empty", nil)
	case strings.HasPrefix(trimmed, "/"), strings.Contains(trimmed, "\\"):
		return services.Wrap(services.ErrValidation, "blob", "validate key", fmt.Sprintf("key %q must be relative", key), nil)
	}
	for _, part := range strings.Split(trimmed, "/") {
		if part == ".." || part == "." || part == "" {
			return services.Wrap(services.ErrValidation, "blob", "validate key", fmt.Sprintf("key %q has an invalid segment", key), nil)
		}
	}
	return nil
}

// ReadAll fetches the full content stored under key.
func ReadAll(ctx context.Context, store Store, key string) ([]byte, error) {
	rc, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", key, err)
	}
	return data, nil
}

// PutBytes stores data under key.
func PutBytes(ctx context.Context, store Store, key string, data []byte) error {
	_, err := store.Put(ctx, key, bytes.NewReader(data))
	return err
}

// unavailable tags backend failures so callers can map them to 503.
func unavailable(operation string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, services.ErrValidation) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return services.Wrap(services.ErrBlobUnavailable, "blob", operation, "", err)
}
