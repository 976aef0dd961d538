package cache

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/burrow/pkg/fault"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type storeFactory struct {
	name string
	make func(t *testing.T, cfg Config) Store
}

// backends returns constructors for every Store implementation so each test
// runs against Redis (via miniredis) and the in-memory store.
func backends() []storeFactory {
	return []storeFactory{
		{
			name: "redis",
			make: func(t *testing.T, cfg Config) Store {
				mr := miniredis.NewMiniRedis()
				require.NoError(t, mr.Start())
				t.Cleanup(mr.Close)
				rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
				t.Cleanup(func() { rdb.Close() })
				return NewRedisStore(rdb, cfg)
			},
		},
		{
			name: "memory",
			make: func(t *testing.T, cfg Config) Store {
				return NewMemoryStore(cfg)
			},
		},
	}
}

func entry(typ, id string, attrs map[string]any) Entry {
	return Entry{Key: Key{Type: typ, ID: id}, Attributes: attrs}
}

func keysOf(entries []Entry) []string {
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key.String())
	}
	sort.Strings(keys)
	return keys
}

func readAll(t *testing.T, s Store, ns, typ string) []Entry {
	t.Helper()
	entries, err := Collect(context.Background(), s.ReadAll(context.Background(), ns, typ))
	require.NoError(t, err)
	return entries
}

func TestWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.make(t, Config{StaleGrace: time.Minute})

			e1 := entry("Instance", "i-1", map[string]any{"state": "running"})
			e1.Relationships = []Key{{Type: "Vpc", ID: "vpc-1"}}
			e2 := entry("Vpc", "vpc-1", map[string]any{"cidr": "10.0.0.0/16"})

			gen, err := s.Write(ctx, "aws", "ec2-agent", []Entry{e1, e2})
			require.NoError(t, err)
			assert.Equal(t, int64(1), gen.Seq)
			assert.Equal(t, "ec2-agent", gen.Agent)

			instances := readAll(t, s, "aws", "Instance")
			require.Len(t, instances, 1)
			assert.Equal(t, e1.Key, instances[0].Key)
			assert.Equal(t, "running", instances[0].Attributes["state"])
			assert.Equal(t, []Key{{Type: "Vpc", ID: "vpc-1"}}, instances[0].Relationships)
			assert.Equal(t, gen.Seq, instances[0].Generation.Seq)

			vpcs := readAll(t, s, "aws", "Vpc")
			assert.Equal(t, []string{"Vpc/vpc-1"}, keysOf(vpcs))

			got, err := s.Read(ctx, "aws", "Vpc", "vpc-1")
			require.NoError(t, err)
			assert.Equal(t, "10.0.0.0/16", got.Attributes["cidr"])
			assert.True(t, got.Generation.WrittenAt.Equal(gen.WrittenAt))
		})
	}
}

func TestWriteReplacesPreviousGeneration(t *testing.T) {
	ctx := context.Background()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.make(t, Config{StaleGrace: time.Minute})

			_, err := s.Write(ctx, "aws", "ec2-agent", []Entry{
				entry("Instance", "i-1", nil),
				entry("Instance", "i-2", nil),
			})
			require.NoError(t, err)

			gen, err := s.Write(ctx, "aws", "ec2-agent", []Entry{
				entry("Instance", "i-3", nil),
			})
			require.NoError(t, err)
			assert.Equal(t, int64(2), gen.Seq)

			assert.Equal(t, []string{"Instance/i-3"}, keysOf(readAll(t, s, "aws", "Instance")))

			_, err = s.Read(ctx, "aws", "Instance", "i-1")
			assert.True(t, IsNotFound(err))
		})
	}
}

func TestWriteLeavesAbsentTypesUntouched(t *testing.T) {
	ctx := context.Background()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.make(t, Config{StaleGrace: time.Minute})

			_, err := s.Write(ctx, "aws", "ec2-agent", []Entry{
				entry("Instance", "i-1", nil),
				entry("SecurityGroup", "sg-1", nil),
			})
			require.NoError(t, err)

			_, err = s.Write(ctx, "aws", "ec2-agent", []Entry{
				entry("Instance", "i-2", nil),
			})
			require.NoError(t, err)

			assert.Equal(t, []string{"Instance/i-2"}, keysOf(readAll(t, s, "aws", "Instance")))
			assert.Equal(t, []string{"SecurityGroup/sg-1"}, keysOf(readAll(t, s, "aws", "SecurityGroup")))
		})
	}
}

func TestWriteIsScopedToAgent(t *testing.T) {
	ctx := context.Background()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.make(t, Config{StaleGrace: time.Minute})

			_, err := s.Write(ctx, "aws", "ec2-east", []Entry{entry("Instance", "i-east", nil)})
			require.NoError(t, err)
			_, err = s.Write(ctx, "aws", "ec2-west", []Entry{entry("Instance", "i-west", nil)})
			require.NoError(t, err)

			_, err = s.Write(ctx, "aws", "ec2-east", []Entry{entry("Instance", "i-east-2", nil)})
			require.NoError(t, err)

			assert.Equal(t, []string{"Instance/i-east-2", "Instance/i-west"}, keysOf(readAll(t, s, "aws", "Instance")))

			// Namespaces are independent.
			assert.Empty(t, readAll(t, s, "gcp", "Instance"))
		})
	}
}

func TestReadNewestGenerationWins(t *testing.T) {
	ctx := context.Background()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
			s := b.make(t, Config{StaleGrace: time.Minute, Now: clock.Now})

			_, err := s.Write(ctx, "aws", "agent-a", []Entry{entry("Instance", "i-1", map[string]any{"from": "a"})})
			require.NoError(t, err)
			clock.Advance(time.Second)
			_, err = s.Write(ctx, "aws", "agent-b", []Entry{entry("Instance", "i-1", map[string]any{"from": "b"})})
			require.NoError(t, err)

			got, err := s.Read(ctx, "aws", "Instance", "i-1")
			require.NoError(t, err)
			assert.Equal(t, "b", got.Attributes["from"])
			assert.Equal(t, "agent-b", got.Generation.Agent)
		})
	}
}

func TestReadAllYieldsEachKeyOnce(t *testing.T) {
	ctx := context.Background()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
			s := b.make(t, Config{StaleGrace: time.Minute, Now: clock.Now})

			_, err := s.Write(ctx, "aws", "agent-b", []Entry{
				entry("Instance", "i-1", map[string]any{"from": "b-old"}),
			})
			require.NoError(t, err)
			clock.Advance(time.Second)
			_, err = s.Write(ctx, "aws", "agent-a", []Entry{
				entry("Instance", "i-1", map[string]any{"from": "a"}),
				entry("Instance", "i-2", map[string]any{"from": "a"}),
			})
			require.NoError(t, err)

			entries := readAll(t, s, "aws", "Instance")
			assert.Equal(t, []string{"Instance/i-1", "Instance/i-2"}, keysOf(entries))
			for _, e := range entries {
				got, err := s.Read(ctx, "aws", "Instance", e.Key.ID)
				require.NoError(t, err)
				assert.Equal(t, got.Generation, e.Generation, "ReadAll and Read agree on %s", e.Key)
				assert.Equal(t, "a", e.Attributes["from"])
			}

			// agent-b publishes again and now wins the shared key.
			clock.Advance(time.Second)
			_, err = s.Write(ctx, "aws", "agent-b", []Entry{
				entry("Instance", "i-1", map[string]any{"from": "b"}),
			})
			require.NoError(t, err)

			entries = readAll(t, s, "aws", "Instance")
			require.Len(t, entries, 2)
			byID := map[string]Entry{}
			for _, e := range entries {
				byID[e.Key.ID] = e
			}
			assert.Equal(t, "b", byID["i-1"].Attributes["from"])
			assert.Equal(t, "a", byID["i-2"].Attributes["from"])
		})
	}
}

func TestReadNotFound(t *testing.T) {
	ctx := context.Background()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.make(t, Config{})

			_, err := s.Read(ctx, "aws", "Instance", "missing")
			assert.True(t, IsNotFound(err))

			_, err = s.Write(ctx, "aws", "ec2-agent", []Entry{entry("Instance", "i-1", nil)})
			require.NoError(t, err)

			_, err = s.Read(ctx, "aws", "Instance", "missing")
			assert.True(t, IsNotFound(err))
		})
	}
}

func TestUnsupportedOperations(t *testing.T) {
	ctx := context.Background()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.make(t, Config{IndexedTypes: []string{"Instance", "Vpc"}})

			_, err := s.Write(ctx, "aws", "ec2-agent", []Entry{entry("Instance", "i-1", map[string]any{"v": "1"})})
			require.NoError(t, err)

			t.Run("type outside indexed set", func(t *testing.T) {
				_, err := s.Write(ctx, "aws", "ec2-agent", []Entry{entry("Bucket", "b-1", nil)})
				assert.True(t, fault.Is(err, fault.KindUnsupportedOperation))

				_, err = s.Read(ctx, "aws", "Bucket", "b-1")
				assert.True(t, fault.Is(err, fault.KindUnsupportedOperation))

				_, err = Collect(ctx, s.ReadAll(ctx, "aws", "Bucket"))
				assert.True(t, fault.Is(err, fault.KindUnsupportedOperation))
			})

			t.Run("reserved characters in type", func(t *testing.T) {
				_, err := s.Read(ctx, "aws", "Inst:ance", "x")
				assert.True(t, fault.Is(err, fault.KindUnsupportedOperation))
			})

			t.Run("unserializable attributes", func(t *testing.T) {
				bad := entry("Instance", "i-2", map[string]any{"callback": func() {}})
				_, err := s.Write(ctx, "aws", "ec2-agent", []Entry{entry("Instance", "i-3", nil), bad})
				assert.True(t, fault.Is(err, fault.KindUnsupportedOperation))
			})

			t.Run("failed writes preserve previous generation", func(t *testing.T) {
				got, err := s.Read(ctx, "aws", "Instance", "i-1")
				require.NoError(t, err)
				assert.Equal(t, "1", got.Attributes["v"])
				assert.Equal(t, []string{"Instance/i-1"}, keysOf(readAll(t, s, "aws", "Instance")))
			})
		})
	}
}

func TestWriteRejectsInvalidEntries(t *testing.T) {
	ctx := context.Background()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.make(t, Config{})

			_, err := s.Write(ctx, "aws", "ec2-agent", []Entry{entry("Instance", "", nil)})
			assert.Error(t, err)

			_, err = s.Write(ctx, "aws", "ec2-agent", []Entry{
				entry("Instance", "i-1", nil),
				entry("Instance", "i-1", nil),
			})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "duplicate entry")

			_, err = s.Write(ctx, "aws", "", []Entry{entry("Instance", "i-1", nil)})
			assert.Error(t, err)

			assert.Empty(t, readAll(t, s, "aws", "Instance"))
		})
	}
}

func TestIteratorSeesOneGeneration(t *testing.T) {
	ctx := context.Background()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.make(t, Config{StaleGrace: time.Minute})

			_, err := s.Write(ctx, "aws", "ec2-agent", []Entry{
				entry("Instance", "i-1", nil),
				entry("Instance", "i-2", nil),
			})
			require.NoError(t, err)

			it := s.ReadAll(ctx, "aws", "Instance")
			require.True(t, it.Next(ctx))
			seen := []Entry{it.Entry()}

			_, err = s.Write(ctx, "aws", "ec2-agent", []Entry{entry("Instance", "i-9", nil)})
			require.NoError(t, err)

			for it.Next(ctx) {
				seen = append(seen, it.Entry())
			}
			require.NoError(t, it.Err())
			assert.Equal(t, []string{"Instance/i-1", "Instance/i-2"}, keysOf(seen))

			// A new call is a fresh iteration over the new generation.
			assert.Equal(t, []string{"Instance/i-9"}, keysOf(readAll(t, s, "aws", "Instance")))
		})
	}
}

func TestEvictStale(t *testing.T) {
	ctx := context.Background()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
			s := b.make(t, Config{StaleGrace: time.Minute, Now: clock.Now})

			_, err := s.Write(ctx, "aws", "retired-agent", []Entry{
				entry("Instance", "i-1", nil),
				entry("Instance", "i-2", nil),
				entry("Vpc", "vpc-1", nil),
			})
			require.NoError(t, err)

			clock.Advance(30 * time.Minute)
			_, err = s.Write(ctx, "aws", "live-agent", []Entry{entry("Instance", "i-live", nil)})
			require.NoError(t, err)

			removed, err := s.EvictStale(ctx, "aws", "retired-agent", time.Hour)
			require.NoError(t, err)
			assert.Equal(t, 0, removed, "nothing is older than an hour yet")

			clock.Advance(time.Hour)

			removed, err = s.EvictStale(ctx, "aws", "retired-agent", time.Hour)
			require.NoError(t, err)
			assert.Equal(t, 3, removed)

			assert.Equal(t, []string{"Instance/i-live"}, keysOf(readAll(t, s, "aws", "Instance")))
			assert.Empty(t, readAll(t, s, "aws", "Vpc"))

			gen, err := s.LastGeneration(ctx, "aws", "retired-agent")
			require.NoError(t, err)
			assert.True(t, gen.IsZero())

			_, err = s.EvictStale(ctx, "aws", "retired-agent", -time.Second)
			assert.Error(t, err)
		})
	}
}

func TestLastGeneration(t *testing.T) {
	ctx := context.Background()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
			s := b.make(t, Config{Now: clock.Now})

			gen, err := s.LastGeneration(ctx, "aws", "ec2-agent")
			require.NoError(t, err)
			assert.True(t, gen.IsZero())

			_, err = s.Write(ctx, "aws", "ec2-agent", []Entry{entry("Instance", "i-1", nil)})
			require.NoError(t, err)

			clock.Advance(time.Minute)
			written, err := s.Write(ctx, "aws", "ec2-agent", nil)
			require.NoError(t, err)

			gen, err = s.LastGeneration(ctx, "aws", "ec2-agent")
			require.NoError(t, err)
			assert.Equal(t, int64(2), gen.Seq)
			assert.True(t, gen.WrittenAt.Equal(written.WrittenAt))

			// An empty run does not wipe existing types.
			assert.Equal(t, []string{"Instance/i-1"}, keysOf(readAll(t, s, "aws", "Instance")))
		})
	}
}

func TestRedisSupersededGenerationExpires(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	s := NewRedisStore(rdb, Config{StaleGrace: time.Minute})

	_, err := s.Write(ctx, "aws", "ec2-agent", []Entry{entry("Instance", "i-1", nil)})
	require.NoError(t, err)
	_, err = s.Write(ctx, "aws", "ec2-agent", []Entry{entry("Instance", "i-2", nil)})
	require.NoError(t, err)

	old := DataKey("aws", "ec2-agent", "Instance", 1)
	assert.True(t, mr.Exists(old))
	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists(old))
	assert.True(t, mr.Exists(DataKey("aws", "ec2-agent", "Instance", 2)))
}

func TestRedisIteratorReportsRemovedGeneration(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := NewRedisStore(rdb, Config{StaleGrace: time.Minute, Now: clock.Now})

	_, err := s.Write(ctx, "aws", "agent-a", []Entry{entry("Instance", "i-a", nil)})
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = s.Write(ctx, "aws", "agent-b", []Entry{entry("Instance", "i-b", nil)})
	require.NoError(t, err)

	it := s.ReadAll(ctx, "aws", "Instance")
	require.True(t, it.Next(ctx))
	assert.Equal(t, "i-b", it.Entry().Key.ID, "newest generation first")

	// agent-a's snapshotted generation is superseded and its grace runs out
	// before the iterator reaches it.
	clock.Advance(time.Second)
	_, err = s.Write(ctx, "aws", "agent-a", []Entry{entry("Instance", "i-a2", nil)})
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	assert.False(t, it.Next(ctx))
	require.Error(t, it.Err())
	assert.True(t, fault.Is(it.Err(), fault.KindTransientCoordination))
	assert.Contains(t, it.Err().Error(), "removed during iteration")

	// A fresh iteration sees the current generations.
	assert.Equal(t, []string{"Instance/i-a2", "Instance/i-b"}, keysOf(readAll(t, s, "aws", "Instance")))
}

func TestSchemaKeys(t *testing.T) {
	assert.Equal(t, "burrow:aws:data:ec2-agent:Instance:7", DataKey("aws", "ec2-agent", "Instance", 7))
	assert.Equal(t, "burrow:aws:current:Instance", CurrentKey("aws", "Instance"))
	assert.Equal(t, "burrow:aws:manifest:ec2-agent", ManifestKey("aws", "ec2-agent"))
	assert.Equal(t, "burrow:aws:seq:ec2-agent", SeqKey("aws", "ec2-agent"))
}
