package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// GridFS stores blobs in a MongoDB GridFS bucket, using the key as the file
// name. Put uploads a new revision and then removes older ones.
type GridFS struct {
	client *mongo.Client
	bucket *gridfs.Bucket
	owned  bool
}

// NewGridFS uses an existing client.
func NewGridFS(client *mongo.Client, database, bucket string) (*GridFS, error) {
	b, err := gridfs.NewBucket(client.Database(database), options.GridFSBucket().SetName(bucket))
	if err != nil {
		return nil, fmt.Errorf("open gridfs bucket: %w", err)
	}
	return &GridFS{client: client, bucket: b}, nil
}

// OpenGridFS connects to uri and opens the named bucket.
func OpenGridFS(ctx context.Context, uri, database, bucket string) (*GridFS, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, unavailable("connect", err)
	}
	store, err := NewGridFS(client, database, bucket)
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	store.owned = true
	return store, nil
}

type gridFile struct {
	ID primitive.ObjectID `bson:"_id"`
}

func (s *GridFS) revisions(ctx context.Context, key string) ([]primitive.ObjectID, error) {
	cursor, err := s.bucket.FindContext(ctx, bson.M{"filename": key},
		options.GridFSFind().SetSort(bson.D{{Key: "uploadDate", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var files []gridFile
	if err := cursor.All(ctx, &files); err != nil {
		return nil, err
	}
	ids := make([]primitive.ObjectID, 0, len(files))
	for _, f := range files {
		ids = append(ids, f.ID)
	}
	return ids, nil
}

// countingReader records how many bytes were read.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (s *GridFS) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	previous, err := s.revisions(ctx, key)
	if err != nil {
		return 0, unavailable("put", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := s.bucket.SetWriteDeadline(deadline); err != nil {
			return 0, unavailable("put", err)
		}
		defer func() { _ = s.bucket.SetWriteDeadline(time.Time{}) }()
	}
	counter := &countingReader{r: contextReader{ctx: ctx, r: r}}
	if _, err := s.bucket.UploadFromStream(key, counter); err != nil {
		return 0, unavailable("put", err)
	}
	for _, id := range previous {
		if err := s.bucket.DeleteContext(ctx, id); err != nil && !errors.Is(err, gridfs.ErrFileNotFound) {
			return 0, unavailable("put", err)
		}
	}
	return counter.n, nil
}

func (s *GridFS) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := s.bucket.SetReadDeadline(deadline); err != nil {
			return nil, unavailable("get", err)
		}
	}
	stream, err := s.bucket.OpenDownloadStreamByName(key)
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return stream, nil
}

func (s *GridFS) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	ids, err := s.revisions(ctx, key)
	if err != nil {
		return unavailable("delete", err)
	}
	for _, id := range ids {
		if err := s.bucket.DeleteContext(ctx, id); err != nil && !errors.Is(err, gridfs.ErrFileNotFound) {
			return unavailable("delete", err)
		}
	}
	return nil
}

func (s *GridFS) Ping(ctx context.Context) error {
	return unavailable("ping", s.client.Ping(ctx, nil))
}

func (s *GridFS) Close() error {
	if !s.owned {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

var _ Store = (*GridFS)(nil)
