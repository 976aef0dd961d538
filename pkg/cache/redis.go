package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dyluth/burrow/pkg/fault"
	"github.com/redis/go-redis/v9"
)

// scanCount is the HSCAN page-size hint used by ReadAll.
const scanCount = 200

// evictScript removes one generation of an agent's type, but only if the
// manifest still records that generation (a newer write wins over eviction).
//
// KEYS: current, manifest, data
// ARGV: agent, seq, type, generation value
var evictScript = redis.NewScript(`
if redis.call("HGET", KEYS[2], ARGV[3]) ~= ARGV[4] then
	return -1
end
if redis.call("HGET", KEYS[1], ARGV[1]) == ARGV[4] then
	redis.call("HDEL", KEYS[1], ARGV[1])
end
redis.call("HDEL", KEYS[2], ARGV[3])
return redis.call("DEL", KEYS[3])
`)

// RedisStore implements Store on Redis.
// It is safe for concurrent use from multiple goroutines and processes.
type RedisStore struct {
	rdb redis.UniversalClient
	cfg Config
}

// NewRedisStore wraps an existing Redis client. The caller owns the client.
func NewRedisStore(rdb redis.UniversalClient, cfg Config) *RedisStore {
	return &RedisStore{rdb: rdb, cfg: cfg}
}

// Write implements Store.
//
// The new generation is staged under fresh keys that no reader references,
// then every current pointer for the run is flipped in one transaction.
// A failure before the flip leaves the previous generation fully intact.
func (s *RedisStore) Write(ctx context.Context, namespace, agentID string, entries []Entry) (Generation, error) {
	if err := checkScope("cache.write", namespace, agentID); err != nil {
		return Generation{}, err
	}
	if agentID == "" {
		return Generation{}, fmt.Errorf("agent id cannot be empty")
	}

	byType, err := s.cfg.groupByType("cache.write", entries)
	if err != nil {
		return Generation{}, err
	}

	seq, err := s.rdb.Incr(ctx, SeqKey(namespace, agentID)).Result()
	if err != nil {
		return Generation{}, fmt.Errorf("failed to allocate generation: %w", err)
	}
	gen := Generation{
		Seq:       seq,
		WrittenAt: s.cfg.now().Truncate(time.Millisecond),
		Agent:     agentID,
	}

	// Encode everything before touching Redis so serialization failures
	// leave no trace.
	staged := make(map[string]map[string]interface{}, len(byType))
	for typ, ids := range byType {
		fields := make(map[string]interface{}, len(ids))
		for id, e := range ids {
			e.Generation = gen
			encoded, err := EncodeEntry(&e)
			if err != nil {
				return Generation{}, fault.New(fault.KindUnsupportedOperation, "cache.write", err)
			}
			fields[id] = encoded
		}
		staged[DataKey(namespace, agentID, typ, seq)] = fields
	}

	if len(staged) > 0 {
		pipe := s.rdb.Pipeline()
		for key, fields := range staged {
			pipe.HSet(ctx, key, fields)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			s.discard(staged)
			return Generation{}, fmt.Errorf("failed to stage generation %d: %w", seq, err)
		}
	}

	previous, err := s.rdb.HGetAll(ctx, ManifestKey(namespace, agentID)).Result()
	if err != nil {
		s.discard(staged)
		return Generation{}, fmt.Errorf("failed to read manifest: %w", err)
	}

	manifestValue := formatManifestField(gen)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		manifest := ManifestKey(namespace, agentID)
		for typ := range byType {
			pipe.HSet(ctx, CurrentKey(namespace, typ), agentID, manifestValue)
			pipe.HSet(ctx, manifest, typ, manifestValue)
		}
		pipe.HSet(ctx, manifest, runField, manifestValue)
		return nil
	})
	if err != nil {
		s.discard(staged)
		return Generation{}, fmt.Errorf("failed to publish generation %d: %w", seq, err)
	}

	s.retire(ctx, namespace, agentID, byType, previous)
	return gen, nil
}

// discard removes staged generation data after a failed write. Best effort:
// the keys are unreachable from any pointer either way.
func (s *RedisStore) discard(staged map[string]map[string]interface{}) {
	if len(staged) == 0 {
		return
	}
	keys := make([]string, 0, len(staged))
	for k := range staged {
		keys = append(keys, k)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.rdb.Del(ctx, keys...).Err()
}

// retire schedules superseded generations for deletion.
func (s *RedisStore) retire(ctx context.Context, namespace, agentID string, written map[string]map[string]Entry, previous map[string]string) {
	pipe := s.rdb.Pipeline()
	n := 0
	for typ := range written {
		old, ok := previous[typ]
		if !ok {
			continue
		}
		g, err := parseManifestField(agentID, old)
		if err != nil {
			continue
		}
		key := DataKey(namespace, agentID, typ, g.Seq)
		if s.cfg.StaleGrace > 0 {
			pipe.Expire(ctx, key, s.cfg.StaleGrace)
		} else {
			pipe.Del(ctx, key)
		}
		n++
	}
	if n > 0 {
		// Leftover data is unreachable; a failure here only wastes memory.
		_, _ = pipe.Exec(ctx)
	}
}

// currentPointers returns agent -> current generation for a type, read in
// one HGETALL so every reader works from a consistent snapshot.
func (s *RedisStore) currentPointers(ctx context.Context, namespace, typ string) (map[string]Generation, error) {
	raw, err := s.rdb.HGetAll(ctx, CurrentKey(namespace, typ)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read current generations for %s: %w", typ, err)
	}
	ptrs := make(map[string]Generation, len(raw))
	for agent, v := range raw {
		g, err := parseManifestField(agent, v)
		if err != nil {
			return nil, fmt.Errorf("invalid generation pointer for agent %s: %w", agent, err)
		}
		ptrs[agent] = g
	}
	return ptrs, nil
}

// Read implements Store.
func (s *RedisStore) Read(ctx context.Context, namespace, typ, id string) (*Entry, error) {
	if err := checkScope("cache.read", namespace, ""); err != nil {
		return nil, err
	}
	if err := s.cfg.checkType("cache.read", typ); err != nil {
		return nil, err
	}

	ptrs, err := s.currentPointers(ctx, namespace, typ)
	if err != nil {
		return nil, err
	}
	if len(ptrs) == 0 {
		return nil, ErrNotFound
	}

	pipe := s.rdb.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(ptrs))
	for agent, g := range ptrs {
		cmds[agent] = pipe.HGet(ctx, DataKey(namespace, agent, typ, g.Seq), id)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read entry %s/%s: %w", typ, id, err)
	}

	var best *Entry
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read entry %s/%s: %w", typ, id, err)
		}
		e, err := DecodeEntry(data)
		if err != nil {
			return nil, err
		}
		if best == nil || e.Generation.Newer(best.Generation) {
			best = e
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

// ReadAll implements Store.
func (s *RedisStore) ReadAll(ctx context.Context, namespace, typ string) *Iterator {
	if err := checkScope("cache.read_all", namespace, ""); err != nil {
		return errIterator(err)
	}
	if err := s.cfg.checkType("cache.read_all", typ); err != nil {
		return errIterator(err)
	}
	return newIterator(&redisPager{store: s, namespace: namespace, typ: typ})
}

// redisPager snapshots the current pointers on its first page and then
// HSCANs each agent's generation, newest generation first. A key held by
// several agents is yielded once, from the newest generation, as Read
// would resolve it.
type redisPager struct {
	store     *RedisStore
	namespace string
	typ       string

	started bool
	gens    []Generation
	idx     int
	cursor  uint64
	emitted map[string]bool
}

func (p *redisPager) nextPage(ctx context.Context) ([]Entry, bool, error) {
	if !p.started {
		ptrs, err := p.store.currentPointers(ctx, p.namespace, p.typ)
		if err != nil {
			return nil, true, err
		}
		for _, g := range ptrs {
			p.gens = append(p.gens, g)
		}
		sortNewestFirst(p.gens)
		p.emitted = make(map[string]bool)
		p.started = true
	}
	if p.idx >= len(p.gens) {
		return nil, true, nil
	}

	g := p.gens[p.idx]
	key := DataKey(p.namespace, g.Agent, p.typ, g.Seq)
	kvs, cursor, err := p.store.rdb.HScan(ctx, key, p.cursor, "", scanCount).Result()
	if err != nil {
		return nil, true, fmt.Errorf("failed to scan %s: %w", key, err)
	}
	if len(kvs) == 0 && cursor == 0 {
		// Published generations are never empty, so a missing key was
		// expired or evicted under the iterator.
		n, err := p.store.rdb.Exists(ctx, key).Result()
		if err != nil {
			return nil, true, fmt.Errorf("failed to check %s: %w", key, err)
		}
		if n == 0 {
			return nil, true, fault.Errorf(fault.KindTransientCoordination, "cache.read_all",
				"generation %d of agent %s for %s was removed during iteration, restart ReadAll", g.Seq, g.Agent, p.typ)
		}
	}

	page := make([]Entry, 0, len(kvs)/2)
	for i := 0; i+1 < len(kvs); i += 2 {
		// HSCAN may repeat fields while the server rehashes, and older
		// generations may hold ids a newer one already yielded.
		if p.emitted[kvs[i]] {
			continue
		}
		p.emitted[kvs[i]] = true
		e, err := DecodeEntry(kvs[i+1])
		if err != nil {
			return nil, true, err
		}
		page = append(page, *e)
	}

	p.cursor = cursor
	if cursor == 0 {
		p.idx++
	}
	return page, p.idx >= len(p.gens), nil
}

// EvictStale implements Store.
func (s *RedisStore) EvictStale(ctx context.Context, namespace, agentID string, maxAge time.Duration) (int, error) {
	if err := checkScope("cache.evict", namespace, agentID); err != nil {
		return 0, err
	}
	if maxAge < 0 {
		return 0, fmt.Errorf("max age must not be negative, got %v", maxAge)
	}

	manifestKey := ManifestKey(namespace, agentID)
	manifest, err := s.rdb.HGetAll(ctx, manifestKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read manifest: %w", err)
	}

	boundary := s.cfg.now().Add(-maxAge)
	removed := 0
	remainingTypes := 0

	for typ, value := range manifest {
		if typ == runField {
			continue
		}
		g, err := parseManifestField(agentID, value)
		if err != nil {
			return removed, err
		}
		if !g.WrittenAt.Before(boundary) {
			remainingTypes++
			continue
		}

		dataKey := DataKey(namespace, agentID, typ, g.Seq)
		n, err := s.rdb.HLen(ctx, dataKey).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to count %s: %w", dataKey, err)
		}
		res, err := evictScript.Run(ctx, s.rdb,
			[]string{CurrentKey(namespace, typ), manifestKey, dataKey},
			agentID, strconv.FormatInt(g.Seq, 10), typ, value,
		).Int64()
		if err != nil {
			return removed, fmt.Errorf("failed to evict %s: %w", dataKey, err)
		}
		if res < 0 {
			// A newer generation was written after we read the manifest.
			remainingTypes++
			continue
		}
		removed += int(n)
	}

	if run, ok := manifest[runField]; ok && remainingTypes == 0 {
		g, err := parseManifestField(agentID, run)
		if err == nil && g.WrittenAt.Before(boundary) {
			if err := s.rdb.HDel(ctx, manifestKey, runField).Err(); err != nil {
				return removed, fmt.Errorf("failed to clear run marker: %w", err)
			}
		}
	}

	return removed, nil
}

// LastGeneration implements Store.
func (s *RedisStore) LastGeneration(ctx context.Context, namespace, agentID string) (Generation, error) {
	if err := checkScope("cache.last_generation", namespace, agentID); err != nil {
		return Generation{}, err
	}
	value, err := s.rdb.HGet(ctx, ManifestKey(namespace, agentID), runField).Result()
	if errors.Is(err, redis.Nil) {
		return Generation{}, nil
	}
	if err != nil {
		return Generation{}, fmt.Errorf("failed to read last generation: %w", err)
	}
	return parseManifestField(agentID, value)
}

// Ping verifies Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
