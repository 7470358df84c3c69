// Package redis implements trace.ReaderSink on top of Redis: traces are
// stored as JSON hash values keyed by trace id, with a sorted set tracking
// priority for sampling and a secondary set tracking parent/child links.
package redis

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/procmem/procerrors"
	"goa.design/procmem/trace"
)

const (
	defaultKeyPrefix = "procmem:trace"
)

// Options configures the Store.
type Options struct {
	Client    *redis.Client
	KeyPrefix string
	// Seed seeds the deterministic sampler used by SampleByPriority.
	Seed int64
}

// Store implements trace.ReaderSink backed by Redis.
type Store struct {
	client *redis.Client
	prefix string
	rng    *rand.Rand
}

// New constructs a Store.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, procerrors.New(procerrors.InvalidInput, "redis client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	seed := opts.Seed
	if seed == 0 {
		seed = 1
	}
	return &Store{client: opts.Client, prefix: prefix, rng: rand.New(rand.NewSource(seed))}, nil
}

func (s *Store) traceKey(id string) string    { return s.prefix + ":t:" + id }
func (s *Store) priorityKey() string          { return s.prefix + ":priority" }
func (s *Store) createdKey() string           { return s.prefix + ":created" }
func (s *Store) childrenKey(parent string) string {
	return s.prefix + ":children:" + parent
}

// Append persists a newly committed trace.
func (s *Store) Append(ctx context.Context, t trace.Trace) error {
	t.Priority = trace.ClampPriority(t.Priority)
	payload, err := json.Marshal(t)
	if err != nil {
		return procerrors.Wrap(procerrors.Internal, "marshal trace", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.traceKey(t.TraceID), payload, 0)
	pipe.ZAdd(ctx, s.priorityKey(), redis.Z{Score: t.Priority, Member: t.TraceID})
	pipe.ZAdd(ctx, s.createdKey(), redis.Z{Score: float64(t.CreatedAt.UnixNano()), Member: t.TraceID})
	if t.ParentTraceID != "" {
		pipe.SAdd(ctx, s.childrenKey(t.ParentTraceID), t.TraceID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return procerrors.Wrap(procerrors.Internal, "append trace", err)
	}
	return nil
}

// Get returns a single trace by id.
func (s *Store) Get(ctx context.Context, traceID string) (trace.Trace, bool, error) {
	payload, err := s.client.Get(ctx, s.traceKey(traceID)).Bytes()
	if err == redis.Nil {
		return trace.Trace{}, false, nil
	}
	if err != nil {
		return trace.Trace{}, false, procerrors.Wrap(procerrors.Internal, "get trace", err)
	}
	var t trace.Trace
	if err := json.Unmarshal(payload, &t); err != nil {
		return trace.Trace{}, false, procerrors.Wrap(procerrors.Internal, "decode trace", err)
	}
	return t, true, nil
}

// ChildrenOf returns traces whose ParentTraceID equals parentTraceID.
func (s *Store) ChildrenOf(ctx context.Context, parentTraceID string) ([]trace.Trace, error) {
	ids, err := s.client.SMembers(ctx, s.childrenKey(parentTraceID)).Result()
	if err != nil {
		return nil, procerrors.Wrap(procerrors.Internal, "list children", err)
	}
	out := make([]trace.Trace, 0, len(ids))
	for _, id := range ids {
		t, ok, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// Count returns the number of traces currently available for sampling.
func (s *Store) Count(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.priorityKey()).Result()
	if err != nil {
		return 0, procerrors.Wrap(procerrors.Internal, "count traces", err)
	}
	return int(n), nil
}

// SampleByPriority draws up to maxCount traces without replacement, with
// probability proportional to priority^alpha, filtered to
// priority >= minPriority. Candidates above minPriority are pulled
// client-side (bounded by maxCount*20) and sampled in process, since
// weighted-without-replacement sampling has no native Redis query shape.
func (s *Store) SampleByPriority(ctx context.Context, maxCount int, minPriority, alpha float64) ([]trace.Trace, error) {
	poolLimit := int64(maxCount*20) - 1
	if poolLimit < 0 {
		poolLimit = 999
	}
	ids, err := s.client.ZRevRangeByScore(ctx, s.priorityKey(), &redis.ZRangeBy{
		Min:   formatScore(minPriority),
		Max:   "+inf",
		Count: poolLimit + 1,
	}).Result()
	if err != nil {
		return nil, procerrors.Wrap(procerrors.Internal, "query sample pool", err)
	}

	pool := make([]trace.Trace, 0, len(ids))
	for _, id := range ids {
		t, ok, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			pool = append(pool, t)
		}
	}
	return weightedPick(s.rng, pool, maxCount, alpha), nil
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
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
	for id, p := range priorities {
		exists, err := s.client.Exists(ctx, s.traceKey(id)).Result()
		if err != nil {
			return procerrors.Wrap(procerrors.Internal, "check trace existence", err)
		}
		if exists == 0 {
			continue
		}
		t, ok, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		t.Priority = trace.ClampPriority(p)
		if err := s.Append(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// Prune removes traces older than maxAge, then, if still over maxCount,
// removes the oldest until within the cap.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration, maxCount int) (int, error) {
	cutoff := time.Now().Add(-maxAge).UnixNano()
	staleIDs, err := s.client.ZRangeByScore(ctx, s.createdKey(), &redis.ZRangeBy{
		Min: "-inf", Max: formatScore(float64(cutoff)),
	}).Result()
	if err != nil {
		return 0, procerrors.Wrap(procerrors.Internal, "query stale traces", err)
	}
	removed := 0
	for _, id := range staleIDs {
		if err := s.remove(ctx, id); err != nil {
			return removed, err
		}
		removed++
	}

	remaining, err := s.Count(ctx)
	if err != nil {
		return removed, err
	}
	if maxCount <= 0 || remaining <= maxCount {
		return removed, nil
	}
	excess := remaining - maxCount
	oldestIDs, err := s.client.ZRange(ctx, s.createdKey(), 0, int64(excess)-1).Result()
	if err != nil {
		return removed, procerrors.Wrap(procerrors.Internal, "query prune-by-count candidates", err)
	}
	for _, id := range oldestIDs {
		if err := s.remove(ctx, id); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *Store) remove(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.traceKey(id))
	pipe.ZRem(ctx, s.priorityKey(), id)
	pipe.ZRem(ctx, s.createdKey(), id)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return procerrors.Wrap(procerrors.Internal, "remove trace", err)
	}
	return nil
}
