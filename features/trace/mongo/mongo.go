// Package mongo implements trace.ReaderSink on top of MongoDB, the durable
// counterpart to trace/inmem for deployments that need traces to survive a
// process restart.
package mongo

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/procmem/graph"
	"goa.design/procmem/procerrors"
	"goa.design/procmem/trace"
)

const (
	defaultCollection = "procmem_traces"
	defaultTimeout    = 5 * time.Second
)

// Options configures the Store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
	// Seed seeds the deterministic sampler used by SampleByPriority.
	Seed int64
}

type memberDoc struct {
	Kind int    `bson:"kind"`
	ID   string `bson:"id"`
}

type traceDoc struct {
	TraceID         string      `bson:"_id"`
	CapabilityID    string      `bson:"capability_id"`
	IntentEmbedding []float64   `bson:"intent_embedding"`
	ExecutedPath    []memberDoc `bson:"executed_path"`
	Success         bool        `bson:"success"`
	DurationMS      int64       `bson:"duration_ms"`
	Priority        float64     `bson:"priority"`
	ParentTraceID   string      `bson:"parent_trace_id"`
	CreatedAt       time.Time   `bson:"created_at"`
}

func toDoc(t trace.Trace) traceDoc {
	members := make([]memberDoc, len(t.ExecutedPath))
	for i, m := range t.ExecutedPath {
		members[i] = memberDoc{Kind: int(m.Kind), ID: m.ID}
	}
	return traceDoc{
		TraceID:         t.TraceID,
		CapabilityID:    t.CapabilityID,
		IntentEmbedding: t.IntentEmbedding,
		ExecutedPath:    members,
		Success:         t.Success,
		DurationMS:      t.DurationMS,
		Priority:        t.Priority,
		ParentTraceID:   t.ParentTraceID,
		CreatedAt:       t.CreatedAt,
	}
}

func fromDoc(d traceDoc) trace.Trace {
	path := make([]graph.Member, len(d.ExecutedPath))
	for i, m := range d.ExecutedPath {
		path[i] = graph.Member{Kind: graph.MemberKind(m.Kind), ID: m.ID}
	}
	return trace.Trace{
		TraceID:         d.TraceID,
		CapabilityID:    d.CapabilityID,
		IntentEmbedding: d.IntentEmbedding,
		ExecutedPath:    path,
		Success:         d.Success,
		DurationMS:      d.DurationMS,
		Priority:        d.Priority,
		ParentTraceID:   d.ParentTraceID,
		CreatedAt:       d.CreatedAt,
	}
}

// Store implements trace.ReaderSink backed by a Mongo collection.
type Store struct {
	coll    *mongodriver.Collection
	timeout time.Duration
	rng     *rand.Rand
}

// New constructs a Store and ensures its supporting indexes exist.
func New(ctx context.Context, opts Options) (*Store, error) {
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
	seed := opts.Seed
	if seed == 0 {
		seed = 1
	}

	coll := opts.Client.Database(opts.Database).Collection(collName)
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := coll.Indexes().CreateMany(ictx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "parent_trace_id", Value: 1}}},
		{Keys: bson.D{{Key: "priority", Value: -1}}},
		{Keys: bson.D{{Key: "created_at", Value: 1}}},
	})
	if err != nil {
		return nil, procerrors.Wrap(procerrors.Internal, "create trace indexes", err)
	}

	return &Store{coll: coll, timeout: timeout, rng: rand.New(rand.NewSource(seed))}, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// Append persists a newly committed trace.
func (s *Store) Append(ctx context.Context, t trace.Trace) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	t.Priority = trace.ClampPriority(t.Priority)
	_, err := s.coll.InsertOne(ctx, toDoc(t))
	if err != nil {
		return procerrors.Wrap(procerrors.Internal, "insert trace", err)
	}
	return nil
}

// Get returns a single trace by id.
func (s *Store) Get(ctx context.Context, traceID string) (trace.Trace, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc traceDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": traceID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return trace.Trace{}, false, nil
	}
	if err != nil {
		return trace.Trace{}, false, procerrors.Wrap(procerrors.Internal, "get trace", err)
	}
	return fromDoc(doc), true, nil
}

// ChildrenOf returns traces whose ParentTraceID equals parentTraceID.
func (s *Store) ChildrenOf(ctx context.Context, parentTraceID string) ([]trace.Trace, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.coll.Find(ctx, bson.M{"parent_trace_id": parentTraceID})
	if err != nil {
		return nil, procerrors.Wrap(procerrors.Internal, "query children", err)
	}
	defer cur.Close(ctx)

	var out []trace.Trace
	for cur.Next(ctx) {
		var doc traceDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, procerrors.Wrap(procerrors.Internal, "decode trace", err)
		}
		out = append(out, fromDoc(doc))
	}
	return out, cur.Err()
}

// Count returns the number of traces currently available for sampling.
func (s *Store) Count(ctx context.Context) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := s.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, procerrors.Wrap(procerrors.Internal, "count traces", err)
	}
	return int(n), nil
}

// SampleByPriority draws up to maxCount traces without replacement, with
// probability proportional to priority^alpha, filtered to
// priority >= minPriority. The candidate pool above minPriority is pulled
// client-side (bounded by maxCount*20) and sampled in process, since
// weighted-without-replacement sampling has no native Mongo query shape.
func (s *Store) SampleByPriority(ctx context.Context, maxCount int, minPriority, alpha float64) ([]trace.Trace, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	poolLimit := int64(maxCount * 20)
	if poolLimit <= 0 {
		poolLimit = 1000
	}
	cur, err := s.coll.Find(ctx, bson.M{"priority": bson.M{"$gte": minPriority}},
		options.Find().SetSort(bson.D{{Key: "priority", Value: -1}}).SetLimit(poolLimit))
	if err != nil {
		return nil, procerrors.Wrap(procerrors.Internal, "query sample pool", err)
	}
	defer cur.Close(ctx)

	var pool []trace.Trace
	for cur.Next(ctx) {
		var doc traceDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, procerrors.Wrap(procerrors.Internal, "decode trace", err)
		}
		pool = append(pool, fromDoc(doc))
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}

	return weightedPick(s.rng, pool, maxCount, alpha), nil
}

func weightedPick(rng *rand.Rand, pool []trace.Trace, maxCount int, alpha float64) []trace.Trace {
	if maxCount <= 0 || len(pool) == 0 {
		return nil
	}
	remaining := append([]trace.Trace(nil), pool...)
	out := make([]trace.Trace, 0, maxCount)
	for len(remaining) > 0 && len(out) < maxCount {
		var total float64
		weights := make([]float64, len(remaining))
		for i, t := range remaining {
			w := math.Pow(t.Priority, alpha)
			weights[i] = w
			total += w
		}
		if total <= 0 {
			break
		}
		r := rng.Float64() * total
		idx := 0
		var acc float64
		for i, w := range weights {
			acc += w
			if r <= acc {
				idx = i
				break
			}
		}
		out = append(out, remaining[idx])
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}
	return out
}

// UpdatePriorities persists new priority values keyed by trace id. Traces
// not present in the store are ignored.
func (s *Store) UpdatePriorities(ctx context.Context, priorities map[string]float64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	for id, p := range priorities {
		_, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"priority": trace.ClampPriority(p)}})
		if err != nil {
			return procerrors.Wrap(procerrors.Internal, "update priority", err)
		}
	}
	return nil
}

// Prune removes traces older than maxAge, then, if still over maxCount,
// removes the oldest until within the cap.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration, maxCount int) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cutoff := time.Now().Add(-maxAge)
	res, err := s.coll.DeleteMany(ctx, bson.M{"created_at": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, procerrors.Wrap(procerrors.Internal, "prune by age", err)
	}
	removed := int(res.DeletedCount)

	remaining, err := s.Count(ctx)
	if err != nil {
		return removed, err
	}
	if maxCount <= 0 || remaining <= maxCount {
		return removed, nil
	}

	excess := remaining - maxCount
	cur, err := s.coll.Find(ctx, bson.M{}, options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}}).
		SetLimit(int64(excess)).
		SetProjection(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return removed, procerrors.Wrap(procerrors.Internal, "query prune-by-count candidates", err)
	}
	defer cur.Close(ctx)

	var ids []string
	for cur.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return removed, err
		}
		ids = append(ids, doc.ID)
	}
	if len(ids) == 0 {
		return removed, nil
	}
	delRes, err := s.coll.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return removed, procerrors.Wrap(procerrors.Internal, "prune by count", err)
	}
	return removed + int(delRes.DeletedCount), nil
}
