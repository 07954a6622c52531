package blob

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"docflow/internal/testsupport/containers"
)

func TestGridFSIntegration(t *testing.T) {
	uri := containers.MongoURI(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := OpenGridFS(ctx, uri, "docflow_test", "blobs_"+uuid.NewString()[:8])
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	exerciseStore(t, store)
}
