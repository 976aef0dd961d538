package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dyluth/burrow/pkg/fault"
)

// ErrNotFound is returned by Read when no agent holds the requested key.
var ErrNotFound = errors.New("cache entry not found")

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Store is the cache contract shared by all backends.
//
// Read operations never trigger a fetch from an external system.
type Store interface {
	// Write atomically replaces, for each entry type present in entries, the
	// previous generation written by agentID in namespace. Entry types not
	// present are left untouched. The run is recorded as a new generation
	// even when entries is empty.
	Write(ctx context.Context, namespace, agentID string, entries []Entry) (Generation, error)

	// Read returns the entry for (type, id). When several agents hold the
	// same key the newest generation wins. Returns ErrNotFound if absent.
	Read(ctx context.Context, namespace, typ, id string) (*Entry, error)

	// ReadAll returns a lazy iterator over all entries of a type. Each call
	// starts a fresh iteration; the set of generations it walks is fixed when
	// iteration starts, so a concurrent write is seen entirely or not at all.
	// Each key is yielded once, resolved as Read resolves it. A generation
	// removed mid-iteration ends it with a fault.KindTransientCoordination
	// error rather than a truncated result.
	ReadAll(ctx context.Context, namespace, typ string) *Iterator

	// EvictStale removes agentID's generations in namespace that were written
	// before now-maxAge and returns the number of entries removed.
	EvictStale(ctx context.Context, namespace, agentID string, maxAge time.Duration) (int, error)

	// LastGeneration returns agentID's most recent run generation, or the
	// zero Generation if it has never written.
	LastGeneration(ctx context.Context, namespace, agentID string) (Generation, error)
}

// Config holds the options shared by the store backends.
type Config struct {
	// IndexedTypes restricts the entry types the store accepts. Empty means
	// any type with a valid name.
	IndexedTypes []string

	// StaleGrace is how long a superseded generation stays readable for
	// iterators that started before the swap. Zero deletes it immediately.
	StaleGrace time.Duration

	// Now overrides the clock used to stamp generations. Defaults to time.Now.
	Now func() time.Time
}

// DefaultStaleGrace is used by callers that do not configure a grace period.
const DefaultStaleGrace = time.Minute

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

// checkType returns an unsupported-operation error for a type the store
// cannot index.
func (c Config) checkType(op, typ string) error {
	if !indexable(typ) {
		return fault.Errorf(fault.KindUnsupportedOperation, op, "type name %q cannot be indexed", typ)
	}
	if len(c.IndexedTypes) == 0 {
		return nil
	}
	for _, t := range c.IndexedTypes {
		if t == typ {
			return nil
		}
	}
	return fault.Errorf(fault.KindUnsupportedOperation, op, "type %q is not in the indexed type set", typ)
}

func checkScope(op, namespace, agentID string) error {
	if !indexable(namespace) {
		return fault.Errorf(fault.KindUnsupportedOperation, op, "namespace %q cannot be indexed", namespace)
	}
	if agentID != "" && !indexable(agentID) {
		return fault.Errorf(fault.KindUnsupportedOperation, op, "agent id %q cannot be indexed", agentID)
	}
	return nil
}

// groupByType validates entries and groups them by type, keyed by id.
// Duplicate keys within one run are rejected.
func (c Config) groupByType(op string, entries []Entry) (map[string]map[string]Entry, error) {
	byType := make(map[string]map[string]Entry)
	for i := range entries {
		e := entries[i]
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("invalid entry %d: %w", i, err)
		}
		if err := c.checkType(op, e.Key.Type); err != nil {
			return nil, err
		}
		ids, ok := byType[e.Key.Type]
		if !ok {
			ids = make(map[string]Entry)
			byType[e.Key.Type] = ids
		}
		if _, dup := ids[e.Key.ID]; dup {
			return nil, fmt.Errorf("duplicate entry %s in one write", e.Key)
		}
		ids[e.Key.ID] = e
	}
	return byType, nil
}

// sortNewestFirst orders generations so the one Read would prefer for a
// shared key comes first.
func sortNewestFirst(gens []Generation) {
	sort.Slice(gens, func(i, j int) bool { return gens[i].Newer(gens[j]) })
}
