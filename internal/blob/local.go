package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"docflow/internal/logging"
)

const tempPrefix = ".tmp-"

// LocalFS stores blobs as files below a root directory. Writes land in a
// temporary file and are renamed into place so readers never observe a
// partial blob.
type LocalFS struct {
	root string
}

// NewLocalFS creates the root directory when missing.
func NewLocalFS(root string) (*LocalFS, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("blob root is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &LocalFS{root: root}, nil
}

// Root returns the directory blobs are stored under.
func (s *LocalFS) Root() string { return s.root }

func (s *LocalFS) path(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(strings.TrimSpace(key))), nil
}

func (s *LocalFS) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	dst, err := s.path(key)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, unavailable("put", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), tempPrefix+"*")
	if err != nil {
		return 0, unavailable("put", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	written, err := io.Copy(tmp, contextReader{ctx: ctx, r: r})
	if err != nil {
		return 0, unavailable("put", err)
	}
	if err := tmp.Sync(); err != nil {
		return 0, unavailable("put", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, unavailable("put", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return 0, unavailable("put", err)
	}
	return written, nil
}

func (s *LocalFS) Get(_ context.Context, key string) (io.ReadCloser, error) {
	src, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(src)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return f, nil
}

func (s *LocalFS) Delete(_ context.Context, key string) error {
	target, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return unavailable("delete", err)
	}
	return nil
}

// Ping verifies that the root exists and is readable and writable.
func (s *LocalFS) Ping(context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return unavailable("ping", fmt.Errorf("stat %s: %w", s.root, err))
	}
	if !info.IsDir() {
		return unavailable("ping", fmt.Errorf("%s is not a directory", s.root))
	}
	if err := unix.Access(s.root, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return unavailable("ping", fmt.Errorf("%s: insufficient permissions: %w", s.root, err))
	}
	return nil
}

func (s *LocalFS) Close() error { return nil }

// CleanTemp removes temporary files older than maxAge that interrupted
// writes left behind. It returns the number of files removed.
func (s *LocalFS) CleanTemp(ctx context.Context, maxAge time.Duration, logger *slog.Logger) int {
	if logger == nil {
		logger = logging.NewNop()
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			return nil
		}
		if err := os.Remove(p); err != nil {
			logging.WarnWithContext(logger, "blob temp cleanup failed", "blob_temp_cleanup_failed",
				logging.String(logging.FieldErrorHint, "check permissions on the blob root"),
				logging.String("path", p),
				logging.Error(err),
			)
			return nil
		}
		removed++
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.WarnWithContext(logger, "blob temp cleanup aborted", "blob_temp_cleanup_failed",
			logging.String(logging.FieldErrorHint, "check that the blob root is readable"),
			logging.Error(err),
		)
	}
	if removed > 0 {
		logger.Info("removed stale blob temp files", logging.Int("count", removed))
	}
	return removed
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

var _ Store = (*LocalFS)(nil)
