package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	defaultMongoDatabase   = "docflow"
	defaultMongoCollection = "docflow_jobs"
)

// MongoQueue stores one document per job. Leases are claimed with
// FindOneAndUpdate ordered by not_before and created_at.
type MongoQueue struct {
	client *mongo.Client
	coll   *mongo.Collection
	owned  bool
	now    func() time.Time
}

type mongoJobDoc struct {
	ID             string            `bson:"_id"`
	Queue          string            `bson:"queue"`
	Name           string            `bson:"name"`
	Payload        map[string]string `bson:"payload,omitempty"`
	State          string            `bson:"state"`
	Attempts       int               `bson:"attempts"`
	MaxAttempts    int               `bson:"max_attempts"`
	BackoffMS      int64             `bson:"backoff_ms"`
	Progress       int               `bson:"progress"`
	Error          string            `bson:"error"`
	Result         map[string]string `bson:"result,omitempty"`
	LeaseOwner     string            `bson:"lease_owner"`
	LeaseExpiresAt int64             `bson:"lease_expires_at"`
	NotBefore      int64             `bson:"not_before"`
	CreatedAt      int64             `bson:"created_at"`
	UpdatedAt      int64             `bson:"updated_at"`
	FinishedAt     int64             `bson:"finished_at"`
}

func (d mongoJobDoc) job() *Job {
	job := &Job{
		ID:             d.ID,
		Queue:          d.Queue,
		Name:           d.Name,
		Payload:        Payload(d.Payload),
		State:          State(d.State),
		Attempts:       d.Attempts,
		MaxAttempts:    d.MaxAttempts,
		Backoff:        Backoff{Type: backoffExponential, Delay: time.Duration(d.BackoffMS) * time.Millisecond},
		Progress:       d.Progress,
		Error:          d.Error,
		Result:         Payload(d.Result),
		LeaseOwner:     d.LeaseOwner,
		LeaseExpiresAt: fromNanos(d.LeaseExpiresAt),
		NotBefore:      fromNanos(d.NotBefore),
		CreatedAt:      fromNanos(d.CreatedAt),
		UpdatedAt:      fromNanos(d.UpdatedAt),
	}
	if d.FinishedAt != 0 {
		finished := fromNanos(d.FinishedAt)
		job.FinishedAt = &finished
	}
	return job
}

// NewMongoQueue uses an existing client. database and collection fall back
// to docflow and docflow_jobs.
func NewMongoQueue(client *mongo.Client, database, collection string) *MongoQueue {
	if database == "" {
		database = defaultMongoDatabase
	}
	if collection == "" {
		collection = defaultMongoCollection
	}
	return &MongoQueue{
		client: client,
		coll:   client.Database(database).Collection(collection),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// OpenMongo connects to uri and ensures the scheduling index exists.
func OpenMongo(ctx context.Context, uri, database, collection string) (*MongoQueue, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, unavailable("connect", err)
	}
	q := NewMongoQueue(client, database, collection)
	q.owned = true
	if err := q.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return q, nil
}

// EnsureIndexes creates the index used by Lease.
func (q *MongoQueue) EnsureIndexes(ctx context.Context) error {
	_, err := q.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "queue", Value: 1}, {Key: "state", Value: 1}, {Key: "not_before", Value: 1}},
	})
	return unavailable("create index", err)
}

// SetClock overrides the time source. Intended for tests.
func (q *MongoQueue) SetClock(now func() time.Time) {
	q.now = now
}

func (q *MongoQueue) Enqueue(ctx context.Context, queue, name string, payload Payload, opts Options) (string, error) {
	opts = normalizeOptions(opts)
	now := nanos(q.now())
	doc := mongoJobDoc{
		ID:          opts.JobID,
		Queue:       queue,
		Name:        name,
		Payload:     copyPayload(payload),
		State:       string(StateWaiting),
		MaxAttempts: opts.MaxAttempts,
		BackoffMS:   opts.Backoff.Delay.Milliseconds(),
		NotBefore:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := q.coll.InsertOne(ctx, doc)
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return "", unavailable("enqueue", err)
	}
	return opts.JobID, nil
}

func (q *MongoQueue) Lease(ctx context.Context, queue, owner string, ttl time.Duration) (*Job, error) {
	now := q.now()
	ts := nanos(now)

	_, err := q.coll.UpdateMany(ctx,
		bson.M{
			"queue":            queue,
			"state":            string(StateActive),
			"lease_expires_at": bson.M{"$lte": ts},
			"$expr":            bson.M{"$gte": bson.A{"$attempts", "$max_attempts"}},
		},
		bson.M{"$set": bson.M{
			"state":       string(StateFailed),
			"error":       reclaimExhaustedCause,
			"lease_owner": "",
			"finished_at": ts,
			"updated_at":  ts,
		}},
	)
	if err != nil {
		return nil, unavailable("lease", err)
	}

	filter := bson.M{
		"queue": queue,
		"$or": bson.A{
			bson.M{
				"state":      bson.M{"$in": bson.A{string(StateWaiting), string(StateDelayed)}},
				"not_before": bson.M{"$lte": ts},
			},
			bson.M{
				"state":            string(StateActive),
				"lease_expires_at": bson.M{"$lte": ts},
				"$expr":            bson.M{"$lt": bson.A{"$attempts", "$max_attempts"}},
			},
		},
	}
	update := bson.M{
		"$set": bson.M{
			"state":            string(StateActive),
			"lease_owner":      owner,
			"lease_expires_at": nanos(now.Add(ttl)),
			"updated_at":       ts,
		},
		"$inc": bson.M{"attempts": 1},
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "not_before", Value: 1}, {Key: "created_at", Value: 1}}).
		SetReturnDocument(options.After)

	var doc mongoJobDoc
	err = q.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("lease", err)
	}
	return doc.job(), nil
}

// updateOwned applies update to a job leased by owner and classifies a miss.
func (q *MongoQueue) updateOwned(ctx context.Context, operation, jobID, owner string, update bson.M) error {
	res, err := q.coll.UpdateOne(ctx,
		bson.M{"_id": jobID, "state": string(StateActive), "lease_owner": owner},
		update,
	)
	if err != nil {
		return unavailable(operation, err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	return q.missing(ctx, operation, jobID)
}

func (q *MongoQueue) missing(ctx context.Context, operation, jobID string) error {
	n, err := q.coll.CountDocuments(ctx, bson.M{"_id": jobID})
	if err != nil {
		return unavailable(operation, err)
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return ErrLeaseLost
}

func (q *MongoQueue) Extend(ctx context.Context, jobID, owner string, ttl time.Duration) error {
	now := q.now()
	return q.updateOwned(ctx, "extend", jobID, owner, bson.M{"$set": bson.M{
		"lease_expires_at": nanos(now.Add(ttl)),
		"updated_at":       nanos(now),
	}})
}

func (q *MongoQueue) Progress(ctx context.Context, jobID, owner string, percent int) error {
	return q.updateOwned(ctx, "progress", jobID, owner, bson.M{
		"$max": bson.M{"progress": clampPercent(percent)},
		"$set": bson.M{"updated_at": nanos(q.now())},
	})
}

func (q *MongoQueue) Ack(ctx context.Context, jobID, owner string, result Payload) error {
	ts := nanos(q.now())
	return q.updateOwned(ctx, "ack", jobID, owner, bson.M{"$set": bson.M{
		"state":       string(StateCompleted),
		"progress":    100,
		"result":      copyPayload(result),
		"lease_owner": "",
		"finished_at": ts,
		"updated_at":  ts,
	}})
}

func (q *MongoQueue) Nack(ctx context.Context, jobID, owner, cause string, retryable bool) (State, error) {
	var doc mongoJobDoc
	err := q.coll.FindOne(ctx, bson.M{"_id": jobID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", ErrJobNotFound
	}
	if err != nil {
		return "", unavailable("nack", err)
	}
	if doc.State != string(StateActive) || doc.LeaseOwner != owner {
		return "", ErrLeaseLost
	}

	now := q.now()
	ts := nanos(now)
	next := StateFailed
	set := bson.M{
		"error":       cause,
		"lease_owner": "",
		"updated_at":  ts,
	}
	if retryable && doc.Attempts < doc.MaxAttempts {
		next = StateDelayed
		delay := time.Duration(doc.BackoffMS) * time.Millisecond
		set["not_before"] = nanos(now.Add(RetryDelay(delay, doc.Attempts)))
	} else {
		set["finished_at"] = ts
	}
	set["state"] = string(next)

	// The attempt counter guards against a concurrent reclaim between the
	// read and the write.
	res, err := q.coll.UpdateOne(ctx,
		bson.M{"_id": jobID, "state": string(StateActive), "lease_owner": owner, "attempts": doc.Attempts},
		bson.M{"$set": set},
	)
	if err != nil {
		return "", unavailable("nack", err)
	}
	if res.MatchedCount == 0 {
		return "", q.missing(ctx, "nack", jobID)
	}
	return next, nil
}

func (q *MongoQueue) Status(ctx context.Context, queue, jobID string) (Status, error) {
	var doc mongoJobDoc
	err := q.coll.FindOne(ctx, bson.M{"_id": jobID, "queue": queue}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Status{}, ErrJobNotFound
	}
	if err != nil {
		return Status{}, unavailable("status", err)
	}
	return doc.job().Status(), nil
}

func (q *MongoQueue) Retry(ctx context.Context, queue, jobID string) (bool, error) {
	ts := nanos(q.now())
	res, err := q.coll.UpdateOne(ctx,
		bson.M{"_id": jobID, "queue": queue, "state": string(StateFailed)},
		bson.M{"$set": bson.M{
			"state":       string(StateWaiting),
			"attempts":    0,
			"progress":    0,
			"error":       "",
			"finished_at": int64(0),
			"not_before":  ts,
			"updated_at":  ts,
		}},
	)
	if err != nil {
		return false, unavailable("retry", err)
	}
	if res.MatchedCount > 0 {
		return true, nil
	}
	n, err := q.coll.CountDocuments(ctx, bson.M{"_id": jobID, "queue": queue})
	if err != nil {
		return false, unavailable("retry", err)
	}
	if n == 0 {
		return false, ErrJobNotFound
	}
	return false, nil
}

func (q *MongoQueue) Ping(ctx context.Context) error {
	return unavailable("ping", q.client.Ping(ctx, nil))
}

func (q *MongoQueue) Close() error {
	if !q.owned {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongo: %w", err)
	}
	return nil
}

var _ Queue = (*MongoQueue)(nil)
