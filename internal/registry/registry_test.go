package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/dccp/internal/config"
	"github.com/ocx/dccp/internal/core"
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

func TestSovereigntyScore(t *testing.T) {
	caps := []core.Capability{core.CapJSONMode}

	low := SovereigntyScore(core.TierLowest, core.KindAPI, caps)
	mid := SovereigntyScore(core.TierMid, core.KindAPI, caps)
	high := SovereigntyScore(core.TierHighest, core.KindAPI, caps)

	assert.Equal(t, 55, low)
	assert.Equal(t, 75, mid)
	assert.Equal(t, 90, high)
	assert.LessOrEqual(t, low, mid)
	assert.LessOrEqual(t, mid, high)

	// 50 + 35 + 5 + 10
	assert.Equal(t, 100, SovereigntyScore(core.TierHighest, core.KindWebGhost, caps))

	all := []core.Capability{core.CapJSONMode, core.CapFunctionCalling, core.CapVision}
	assert.Equal(t, 100, SovereigntyScore(core.TierHighest, core.KindWebGhost, all), "capped at 100")
	assert.Equal(t, 50, SovereigntyScore(core.TierLowest, core.KindAPI, nil))
}

func TestRegisterDefaultsAndOverwrite(t *testing.T) {
	r := New()

	n := r.Register(NodeConfig{ID: "a", Provider: core.ProviderOpenAI, Tier: core.TierLowest})
	assert.Equal(t, core.StatusActive, n.Status)
	assert.Equal(t, []core.Capability{core.CapTextGeneration}, n.Capabilities)
	assert.Equal(t, 4096, n.MaxTokens)
	assert.Equal(t, core.KindAPI, n.Kind)
	assert.Equal(t, 50, n.Score)

	r.Register(NodeConfig{ID: "b", Provider: core.ProviderGoogle, Tier: core.TierMid})
	n = r.Register(NodeConfig{ID: "a", Provider: core.ProviderOpenAI, Tier: core.TierHighest})
	assert.Equal(t, 85, n.Score)

	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID, "overwrite keeps registration position")
	assert.Equal(t, core.TierHighest, all[0].Tier)
}

func TestGetReturnsCopy(t *testing.T) {
	r := New()
	r.Register(NodeConfig{ID: "a", Tier: core.TierMid, Capabilities: []core.Capability{core.CapVision}})

	n, ok := r.Get("a")
	require.True(t, ok)
	n.Capabilities[0] = core.CapJSONMode
	n.Status = core.StatusOffline

	again, _ := r.Get("a")
	assert.Equal(t, core.CapVision, again.Capabilities[0])
	assert.Equal(t, core.StatusActive, again.Status)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestStatusAndAvailability(t *testing.T) {
	r := New()
	r.Register(NodeConfig{ID: "a", Provider: core.ProviderOpenAI, Tier: core.TierLowest})
	r.Register(NodeConfig{ID: "b", Provider: core.ProviderGoogle, Tier: core.TierMid})
	r.Register(NodeConfig{ID: "c", Provider: core.ProviderGoogle, Tier: core.TierHighest})

	require.True(t, r.SetStatus("b", core.StatusDormant))
	assert.False(t, r.SetStatus("missing", core.StatusDormant))

	ids := func(nodes []Node) []string {
		out := make([]string, len(nodes))
		for i, n := range nodes {
			out[i] = n.ID
		}
		return out
	}

	assert.Equal(t, []string{"a", "c"}, ids(r.Available()))
	assert.Equal(t, []string{"c"}, ids(r.ByProvider(core.ProviderGoogle)))
	assert.Equal(t, []string{"a"}, ids(r.ByTier(core.TierLowest)))
	assert.Empty(t, r.ByTier(core.TierMid))

	require.True(t, r.Heartbeat("b"))
	assert.Equal(t, []string{"a", "b", "c"}, ids(r.Available()))
	assert.False(t, r.Heartbeat("missing"))

	assert.True(t, r.Unregister("a"))
	assert.False(t, r.Unregister("a"))
	assert.Equal(t, []string{"b", "c"}, ids(r.All()))
}

func TestSovereignNodes(t *testing.T) {
	r := New()
	r.Register(NodeConfig{ID: "mid-plain", Tier: core.TierMid})
	r.Register(NodeConfig{ID: "mid-json", Tier: core.TierMid, Capabilities: []core.Capability{core.CapJSONMode}})
	r.Register(NodeConfig{ID: "next", Tier: core.TierHighest, Kind: core.KindWebGhost})

	mid := r.Sovereign(core.TierMid)
	require.Len(t, mid, 1)
	assert.Equal(t, "mid-json", mid[0].ID)

	next := r.Sovereign(core.TierHighest)
	require.Len(t, next, 1)
	assert.Equal(t, 95, next[0].Score)
}

func TestStats(t *testing.T) {
	r := New()
	r.Register(NodeConfig{ID: "a", Provider: core.ProviderOpenAI, Tier: core.TierLowest})
	r.Register(NodeConfig{ID: "b", Provider: core.ProviderGoogle, Tier: core.TierMid})
	r.Register(NodeConfig{ID: "c", Provider: core.ProviderGoogle, Tier: core.TierHighest})
	r.SetStatus("c", core.StatusOffline)

	s := r.Stats()
	assert.Equal(t, 3, s.TotalNodes)
	assert.Equal(t, 2, s.ActiveNodes)
	assert.Equal(t, 2, s.ByProvider[core.ProviderGoogle])
	assert.Equal(t, 1, s.ByTier[core.TierLowest])
	assert.Equal(t, 60, s.AverageScore) // (50 + 70) / 2
}

func TestSweepMarksSilentNodesOffline(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := New(WithClock(clock.Now))

	r.Register(NodeConfig{ID: "quiet", Tier: core.TierMid})
	r.Register(NodeConfig{ID: "chatty", Tier: core.TierMid})
	r.Register(NodeConfig{ID: "dormant", Tier: core.TierMid})
	r.SetStatus("dormant", core.StatusDormant)

	clock.Advance(4 * time.Minute)
	r.Heartbeat("chatty")
	clock.Advance(2 * time.Minute)

	assert.Equal(t, 1, r.Sweep(0))

	quiet, _ := r.Get("quiet")
	assert.Equal(t, core.StatusOffline, quiet.Status)
	chatty, _ := r.Get("chatty")
	assert.Equal(t, core.StatusActive, chatty.Status)
	dormant, _ := r.Get("dormant")
	assert.Equal(t, core.StatusDormant, dormant.Status, "sweep only flips active nodes")
}

func TestScoreIsRegistrationSnapshot(t *testing.T) {
	r := New()
	r.Register(NodeConfig{ID: "a", Tier: core.TierMid})
	r.SetStatus("a", core.StatusDormant)
	r.Heartbeat("a")

	n, _ := r.Get("a")
	assert.Equal(t, 70, n.Score)
}

func TestConcurrentMutationAndReads(t *testing.T) {
	r := New()
	for i := 0; i < 10; i++ {
		r.Register(NodeConfig{ID: fmt.Sprintf("n-%d", i), Tier: core.TierMid})
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		id := fmt.Sprintf("n-%d", i)
		go func() {
			defer wg.Done()
			r.SetStatus(id, core.StatusDormant)
			r.Heartbeat(id)
		}()
		go func() {
			defer wg.Done()
			_ = r.Available()
			_ = r.Stats()
		}()
	}
	wg.Wait()

	assert.Len(t, r.Available(), 10)
}

func TestMetricsTrackStatus(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	r := New(WithMetrics(m))

	r.Register(NodeConfig{ID: "a", Tier: core.TierMid})
	r.Register(NodeConfig{ID: "b", Tier: core.TierMid})
	r.SetStatus("b", core.StatusOffline)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Nodes.WithLabelValues("active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Nodes.WithLabelValues("offline")))
}

// memRedis is an in-memory RedisClient.
type memRedis struct {
	mu   sync.Mutex
	kv   map[string][]byte
	sets map[string]map[string]bool
}

func newMemRedis() *memRedis {
	return &memRedis{kv: map[string][]byte{}, sets: map[string]map[string]bool{}}
}

func (m *memRedis) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = append([]byte(nil), value...)
	return nil
}

func (m *memRedis) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.kv[key]
	if !ok {
		return nil, fmt.Errorf("key not found: %s", key)
	}
	return v, nil
}

func (m *memRedis) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.kv, k)
	}
	return nil
}

func (m *memRedis) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sets[key] == nil {
		m.sets[key] = map[string]bool{}
	}
	for _, mem := range members {
		m.sets[key][mem] = true
	}
	return nil
}

func (m *memRedis) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mem := range members {
		delete(m.sets[key], mem)
	}
	return nil
}

func (m *memRedis) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sets[key]))
	for mem := range m.sets[key] {
		out = append(out, mem)
	}
	return out, nil
}

func TestRedisStoreRestore(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	redis := newMemRedis()
	store := NewRedisStore(redis, "", 0)

	first := New(WithStore(store), WithClock(clock.Now))
	first.Register(NodeConfig{ID: "a", Tier: core.TierMid})
	clock.Advance(time.Second)
	first.Register(NodeConfig{ID: "b", Tier: core.TierHighest})
	clock.Advance(time.Second)
	first.Register(NodeConfig{ID: "gone", Tier: core.TierLowest})
	first.SetStatus("b", core.StatusDormant)
	first.Unregister("gone")

	second := New(WithStore(store))
	n, err := second.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	all := second.All()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, "b", all[1].ID)
	assert.Equal(t, core.StatusDormant, all[1].Status)
	assert.Equal(t, 85, all[1].Score)
}

func TestRedisStoreSkipsStaleEntries(t *testing.T) {
	redis := newMemRedis()
	store := NewRedisStore(redis, "test:", 0)
	require.NoError(t, redis.SAdd(context.Background(), "test:nodes", "ghost"))

	nodes, err := store.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, nodes)

	members, _ := redis.SMembers(context.Background(), "test:nodes")
	assert.Empty(t, members)
}

func TestStoreDropsStaleSnapshots(t *testing.T) {
	redis := newMemRedis()
	store := NewRedisStore(redis, "", 0)
	r := New(WithStore(store))

	registered := r.Register(NodeConfig{ID: "a", Tier: core.TierMid})
	require.True(t, r.SetStatus("a", core.StatusDormant))

	// A snapshot taken at registration arrives after the status change.
	r.persist(1, registered)
	nodes, err := store.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, core.StatusDormant, nodes[0].Status)

	// Nor may it bring the node back once unregistered.
	require.True(t, r.Unregister("a"))
	r.persist(2, registered)
	nodes, err = store.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestStoreMatchesMemoryAfterConcurrentUpdates(t *testing.T) {
	redis := newMemRedis()
	store := NewRedisStore(redis, "", 0)
	r := New(WithStore(store))
	r.Register(NodeConfig{ID: "a", Tier: core.TierMid})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				r.Heartbeat("a")
			} else {
				r.SetStatus("a", core.StatusDormant)
			}
		}(i)
	}
	wg.Wait()

	want, ok := r.Get("a")
	require.True(t, ok)
	nodes, err := store.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, want.Status, nodes[0].Status)
}

func TestSeedSkipsInvalidAndExisting(t *testing.T) {
	r := New()
	r.Register(NodeConfig{ID: "kept", Tier: core.TierLowest})
	require.True(t, r.SetStatus("kept", core.StatusDormant))

	added := r.Seed([]config.NodeConfig{
		{ID: "kept", Tier: "vNext"},
		{ID: "ghost", Provider: "arena", Tier: "highest", Kind: "web_ghost", Capabilities: []string{" JSON_MODE "}},
		{ID: "broken", Tier: "v9"},
		{Tier: "mid"},
	})
	assert.Equal(t, 1, added)

	kept, _ := r.Get("kept")
	assert.Equal(t, core.TierLowest, kept.Tier)
	assert.Equal(t, core.StatusDormant, kept.Status)

	ghost, ok := r.Get("ghost")
	require.True(t, ok)
	assert.Equal(t, core.ProviderArena, ghost.Provider)
	assert.Equal(t, core.KindWebGhost, ghost.Kind)
	assert.True(t, ghost.HasCapability(core.CapJSONMode))
	assert.Equal(t, 100, ghost.Score)
}
