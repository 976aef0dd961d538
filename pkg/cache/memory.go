package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dyluth/burrow/pkg/fault"
)

// memGeneration is one published generation of an agent's entries for a
// type. It is never mutated after publication.
type memGeneration struct {
	gen     Generation
	ids     []string
	entries map[string]Entry
}

type memNamespace struct {
	current map[string]map[string]*memGeneration // type -> agent -> generation
	runs    map[string]Generation                // agent -> last run
	seqs    map[string]int64                     // agent -> last seq
}

// MemoryStore is an in-process Store with the same replacement semantics as
// RedisStore. Schedulers sharing one MemoryStore observe a single cache.
type MemoryStore struct {
	mu  sync.RWMutex
	cfg Config
	ns  map[string]*memNamespace
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore(cfg Config) *MemoryStore {
	return &MemoryStore{
		cfg: cfg,
		ns:  make(map[string]*memNamespace),
	}
}

func (s *MemoryStore) namespace(name string) *memNamespace {
	n, ok := s.ns[name]
	if !ok {
		n = &memNamespace{
			current: make(map[string]map[string]*memGeneration),
			runs:    make(map[string]Generation),
			seqs:    make(map[string]int64),
		}
		s.ns[name] = n
	}
	return n
}

// cloneEntry copies the slices and maps of an entry so callers cannot mutate
// published generations.
func cloneEntry(e Entry) Entry {
	out := e
	if e.Attributes != nil {
		out.Attributes = make(map[string]any, len(e.Attributes))
		for k, v := range e.Attributes {
			out.Attributes[k] = v
		}
	}
	if e.Relationships != nil {
		out.Relationships = append([]Key(nil), e.Relationships...)
	}
	return out
}

// Write implements Store.
func (s *MemoryStore) Write(_ context.Context, namespace, agentID string, entries []Entry) (Generation, error) {
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

	// Match the Redis backend: anything that cannot be serialized is rejected.
	for _, ids := range byType {
		for _, e := range ids {
			if _, err := EncodeEntry(&e); err != nil {
				return Generation{}, fault.New(fault.KindUnsupportedOperation, "cache.write", err)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.namespace(namespace)
	n.seqs[agentID]++
	gen := Generation{
		Seq:       n.seqs[agentID],
		WrittenAt: s.cfg.now().Truncate(time.Millisecond),
		Agent:     agentID,
	}

	for typ, ids := range byType {
		mg := &memGeneration{gen: gen, entries: make(map[string]Entry, len(ids))}
		for id, e := range ids {
			e = cloneEntry(e)
			e.Generation = gen
			mg.entries[id] = e
			mg.ids = append(mg.ids, id)
		}
		sort.Strings(mg.ids)

		agents, ok := n.current[typ]
		if !ok {
			agents = make(map[string]*memGeneration)
			n.current[typ] = agents
		}
		agents[agentID] = mg
	}
	n.runs[agentID] = gen
	return gen, nil
}

// Read implements Store.
func (s *MemoryStore) Read(_ context.Context, namespace, typ, id string) (*Entry, error) {
	if err := checkScope("cache.read", namespace, ""); err != nil {
		return nil, err
	}
	if err := s.cfg.checkType("cache.read", typ); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.ns[namespace]
	if !ok {
		return nil, ErrNotFound
	}
	var best *Entry
	for _, mg := range n.current[typ] {
		e, ok := mg.entries[id]
		if !ok {
			continue
		}
		if best == nil || e.Generation.Newer(best.Generation) {
			c := cloneEntry(e)
			best = &c
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

// ReadAll implements Store.
func (s *MemoryStore) ReadAll(_ context.Context, namespace, typ string) *Iterator {
	if err := checkScope("cache.read_all", namespace, ""); err != nil {
		return errIterator(err)
	}
	if err := s.cfg.checkType("cache.read_all", typ); err != nil {
		return errIterator(err)
	}

	s.mu.RLock()
	var gens []*memGeneration
	if n, ok := s.ns[namespace]; ok {
		for _, mg := range n.current[typ] {
			gens = append(gens, mg)
		}
	}
	s.mu.RUnlock()

	sort.Slice(gens, func(i, j int) bool { return gens[i].gen.Newer(gens[j].gen) })
	return newIterator(&memPager{gens: gens, emitted: make(map[string]bool)})
}

// memPager yields one generation per page from an immutable snapshot,
// newest first, skipping ids a newer generation already yielded.
type memPager struct {
	gens    []*memGeneration
	idx     int
	emitted map[string]bool
}

func (p *memPager) nextPage(_ context.Context) ([]Entry, bool, error) {
	if p.idx >= len(p.gens) {
		return nil, true, nil
	}
	mg := p.gens[p.idx]
	p.idx++
	page := make([]Entry, 0, len(mg.ids))
	for _, id := range mg.ids {
		if p.emitted[id] {
			continue
		}
		p.emitted[id] = true
		page = append(page, cloneEntry(mg.entries[id]))
	}
	return page, p.idx >= len(p.gens), nil
}

// EvictStale implements Store.
func (s *MemoryStore) EvictStale(_ context.Context, namespace, agentID string, maxAge time.Duration) (int, error) {
	if err := checkScope("cache.evict", namespace, agentID); err != nil {
		return 0, err
	}
	if maxAge < 0 {
		return 0, fmt.Errorf("max age must not be negative, got %v", maxAge)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.ns[namespace]
	if !ok {
		return 0, nil
	}

	boundary := s.cfg.now().Add(-maxAge)
	removed := 0
	remaining := 0
	for typ, agents := range n.current {
		mg, ok := agents[agentID]
		if !ok {
			continue
		}
		if !mg.gen.WrittenAt.Before(boundary) {
			remaining++
			continue
		}
		removed += len(mg.entries)
		delete(agents, agentID)
		if len(agents) == 0 {
			delete(n.current, typ)
		}
	}
	if run, ok := n.runs[agentID]; ok && remaining == 0 && run.WrittenAt.Before(boundary) {
		delete(n.runs, agentID)
	}
	return removed, nil
}

// LastGeneration implements Store.
func (s *MemoryStore) LastGeneration(_ context.Context, namespace, agentID string) (Generation, error) {
	if err := checkScope("cache.last_generation", namespace, agentID); err != nil {
		return Generation{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if n, ok := s.ns[namespace]; ok {
		return n.runs[agentID], nil
	}
	return Generation{}, nil
}
