package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"docflow/internal/testsupport/containers"
)

func TestRedisQueueIntegration(t *testing.T) {
	addr := containers.RedisAddress(t)
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Ping(ctx).Err())

	q := NewRedisQueue(client, "docflow-test-"+uuid.NewString())
	t.Cleanup(func() { _ = q.Close() })
	exerciseQueue(t, q)
}

func TestRedisQueueKeyLayout(t *testing.T) {
	addr := containers.RedisAddress(t)
	q := NewRedisQueue(redis.NewClient(&redis.Options{Addr: addr}), "layout-"+uuid.NewString())
	t.Cleanup(func() { _ = q.Close() })
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "docflow.convert", "convert", Payload{"document_id": "doc-1"}, Options{JobID: "doc-1:convert"})
	require.NoError(t, err)
	n, err := q.client.ZCard(ctx, q.readyKey("docflow.convert")).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	job, err := q.Lease(ctx, "docflow.convert", "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, "doc-1", job.Payload["document_id"])

	n, err = q.client.ZCard(ctx, q.activeKey("docflow.convert")).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	state, err := q.client.HGet(ctx, q.jobKey("doc-1:convert"), "state").Result()
	require.NoError(t, err)
	require.Equal(t, "active", state)

	require.NoError(t, q.Ack(ctx, job.ID, "w1", nil))
	n, err = q.client.ZCard(ctx, q.activeKey("docflow.convert")).Result()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestPostgresQueueIntegration(t *testing.T) {
	dsn := containers.PostgresDSN(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	q, err := OpenPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	_, err = q.db.ExecContext(ctx, "DELETE FROM docflow_jobs")
	require.NoError(t, err)
	exerciseQueue(t, q)
}

func TestPostgresQueueConcurrentLeasesAreExclusive(t *testing.T) {
	dsn := containers.PostgresDSN(t)
	ctx := context.Background()
	q, err := OpenPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	queueName := "concurrent-" + uuid.NewString()
	for i := 0; i < 20; i++ {
		_, err := q.Enqueue(ctx, queueName, "index_a", nil, Options{})
		require.NoError(t, err)
	}

	type leased struct {
		id  string
		err error
	}
	results := make(chan leased, 40)
	for w := 0; w < 4; w++ {
		go func(owner string) {
			for {
				job, err := q.Lease(ctx, queueName, owner, time.Minute)
				if err != nil || job == nil {
					results <- leased{err: err}
					return
				}
				results <- leased{id: job.ID}
			}
		}(uuid.NewString())
	}

	seen := make(map[string]bool)
	finished := 0
	for finished < 4 {
		r := <-results
		if r.id == "" {
			require.NoError(t, r.err)
			finished++
			continue
		}
		require.False(t, seen[r.id], "job %s leased twice", r.id)
		seen[r.id] = true
	}
	require.Len(t, seen, 20)
}

func TestMongoQueueIntegration(t *testing.T) {
	uri := containers.MongoURI(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	q, err := OpenMongo(ctx, uri, "docflow_test", "jobs_"+uuid.NewString()[:8])
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	exerciseQueue(t, q)
}
