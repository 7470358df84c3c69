// Package mongo implements episodic.Backend on top of MongoDB, the durable
// store flushed episodic events land in.
package mongo

import (
	"context"
	"encoding/json"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/procmem/episodic"
	"goa.design/procmem/procerrors"
)

const (
	defaultCollection = "procmem_episodic_events"
	defaultTimeout    = 5 * time.Second
)

// Options configures the Backend.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type eventDoc struct {
	EventID     string    `bson:"_id"`
	WorkflowID  string    `bson:"workflow_id"`
	Type        string    `bson:"type"`
	Timestamp   time.Time `bson:"timestamp"`
	TaskID      string    `bson:"task_id"`
	ContextHash string    `bson:"context_hash"`
	Data        []byte    `bson:"data"`
}

func toDoc(e episodic.Event) (eventDoc, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return eventDoc{}, err
	}
	return eventDoc{
		EventID:     e.EventID,
		WorkflowID:  e.WorkflowID,
		Type:        string(e.Type),
		Timestamp:   e.Timestamp,
		TaskID:      e.TaskID,
		ContextHash: e.ContextHash,
		Data:        data,
	}, nil
}

func fromDoc(d eventDoc) episodic.Event {
	var data any
	_ = json.Unmarshal(d.Data, &data)
	return episodic.Event{
		EventID:     d.EventID,
		WorkflowID:  d.WorkflowID,
		Type:        episodic.EventType(d.Type),
		Timestamp:   d.Timestamp,
		TaskID:      d.TaskID,
		ContextHash: d.ContextHash,
		Data:        data,
	}
}

// Backend implements episodic.Backend backed by a Mongo collection.
type Backend struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

// New constructs a Backend and ensures its supporting indexes exist.
func New(ctx context.Context, opts Options) (*Backend, error) {
	if opts.Client == nil {
		return nil, procerrors.New(procerrors.InvalidInput, "mongo client is required")
	}
	if opts.Database == "" {
		return nil, procerrors.New(procerrors.InvalidInput, "database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	coll := opts.Client.Database(opts.Database).Collection(collName)
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := coll.Indexes().CreateMany(ictx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "context_hash", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "workflow_id", Value: 1}, {Key: "timestamp", Value: 1}}},
		{Keys: bson.D{{Key: "type", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "timestamp", Value: 1}}},
	})
	if err != nil {
		return nil, procerrors.Wrap(procerrors.Internal, "create episodic indexes", err)
	}

	return &Backend{coll: coll, timeout: timeout}, nil
}

func (b *Backend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.timeout)
}

// Append persists a batch of flushed events.
func (b *Backend) Append(ctx context.Context, events []episodic.Event) error {
	if len(events) == 0 {
		return nil
	}
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	docs := make([]any, 0, len(events))
	for _, e := range events {
		d, err := toDoc(e)
		if err != nil {
			return procerrors.Wrap(procerrors.Internal, "marshal episodic event", err)
		}
		docs = append(docs, d)
	}
	if _, err := b.coll.InsertMany(ctx, docs); err != nil {
		return procerrors.Wrap(procerrors.Internal, "insert episodic events", err)
	}
	return nil
}

// Query returns events matching contextHash, honoring opts.
func (b *Backend) Query(ctx context.Context, opts episodic.RetrieveOptions, contextHash string) ([]episodic.Event, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"context_hash": contextHash}
	if !opts.AfterTS.IsZero() {
		filter["timestamp"] = bson.M{"$gt": opts.AfterTS}
	}
	if len(opts.EventTypes) > 0 {
		types := make([]string, len(opts.EventTypes))
		for i, t := range opts.EventTypes {
			types[i] = string(t)
		}
		filter["type"] = bson.M{"$in": types}
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}})
	if opts.Limit > 0 {
		findOpts = findOpts.SetLimit(int64(opts.Limit))
	}

	return b.find(ctx, filter, findOpts)
}

// ByWorkflow returns every event captured for workflowID.
func (b *Backend) ByWorkflow(ctx context.Context, workflowID string) ([]episodic.Event, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	return b.find(ctx, bson.M{"workflow_id": workflowID}, options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}))
}

// ByType returns up to limit events of the given type, newest first.
func (b *Backend) ByType(ctx context.Context, t episodic.EventType, limit int) ([]episodic.Event, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	findOpts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}})
	if limit > 0 {
		findOpts = findOpts.SetLimit(int64(limit))
	}
	return b.find(ctx, bson.M{"type": string(t)}, findOpts)
}

func (b *Backend) find(ctx context.Context, filter bson.M, opts *options.FindOptionsBuilder) ([]episodic.Event, error) {
	cur, err := b.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, procerrors.Wrap(procerrors.Internal, "query episodic events", err)
	}
	defer cur.Close(ctx)

	var out []episodic.Event
	for cur.Next(ctx) {
		var d eventDoc
		if err := cur.Decode(&d); err != nil {
			return nil, procerrors.Wrap(procerrors.Internal, "decode episodic event", err)
		}
		out = append(out, fromDoc(d))
	}
	return out, cur.Err()
}

// Prune removes events older than retention, then, if still over cap,
// removes the oldest until within it.
func (b *Backend) Prune(ctx context.Context, retention time.Duration, maxEvents int) (int, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	cutoff := time.Now().Add(-retention)
	res, err := b.coll.DeleteMany(ctx, bson.M{"timestamp": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, procerrors.Wrap(procerrors.Internal, "prune by age", err)
	}
	removed := int(res.DeletedCount)

	total, err := b.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return removed, procerrors.Wrap(procerrors.Internal, "count events", err)
	}
	if maxEvents <= 0 || int(total) <= maxEvents {
		return removed, nil
	}

	excess := int(total) - maxEvents
	cur, err := b.coll.Find(ctx, bson.M{}, options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: 1}}).
		SetLimit(int64(excess)).
		SetProjection(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return removed, procerrors.Wrap(procerrors.Internal, "query prune-by-count candidates", err)
	}
	defer cur.Close(ctx)

	var ids []string
	for cur.Next(ctx) {
		var d struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&d); err != nil {
			return removed, err
		}
		ids = append(ids, d.ID)
	}
	if len(ids) == 0 {
		return removed, nil
	}
	delRes, err := b.coll.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return removed, procerrors.Wrap(procerrors.Internal, "prune by count", err)
	}
	return removed + int(delRes.DeletedCount), nil
}
