// Package registry is the in-memory directory of computation backends.
//
// Every node carries a sovereignty score computed when it registers. The
// score is a snapshot: later capability or status changes do not rescore.
// Reads return copies so callers may hold them while the registry mutates.
package registry

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ocx/dccp/internal/core"
)

const (
	defaultMaxTokens = 4096

	// DefaultInactivityTimeout is how long an active node may stay silent
	// before the sweep marks it offline.
	DefaultInactivityTimeout = 5 * time.Minute

	storeTimeout = 2 * time.Second
)

// NodeConfig describes a backend at registration time.
type NodeConfig struct {
	ID           string            `json:"id" yaml:"id"`
	Provider     core.Provider     `json:"provider" yaml:"provider"`
	Tier         core.Tier         `json:"tier" yaml:"tier"`
	Kind         core.BackendKind  `json:"type" yaml:"type"`
	Endpoint     string            `json:"endpoint,omitempty" yaml:"endpoint"`
	Capabilities []core.Capability `json:"capabilities,omitempty" yaml:"capabilities"`
	MaxTokens    int               `json:"max_tokens,omitempty" yaml:"max_tokens"`
}

// Node is a registered backend.
type Node struct {
	ID           string            `json:"id"`
	Provider     core.Provider     `json:"provider"`
	Tier         core.Tier         `json:"tier"`
	Kind         core.BackendKind  `json:"type"`
	Endpoint     string            `json:"endpoint,omitempty"`
	Capabilities []core.Capability `json:"capabilities"`
	MaxTokens    int               `json:"max_tokens"`
	Status       core.NodeStatus   `json:"status"`
	LastSeen     time.Time         `json:"last_seen"`
	RegisteredAt time.Time         `json:"registered_at"`
	Score        int               `json:"sovereignty_score"`
}

// HasCapability reports whether the node declared c.
func (n Node) HasCapability(c core.Capability) bool {
	return containsCapability(n.Capabilities, c)
}

func (n Node) clone() Node {
	n.Capabilities = append([]core.Capability(nil), n.Capabilities...)
	return n
}

// Stats aggregates the registry contents.
type Stats struct {
	TotalNodes   int                   `json:"total_nodes"`
	ActiveNodes  int                   `json:"active_nodes"`
	ByProvider   map[core.Provider]int `json:"by_provider"`
	ByTier       map[core.Tier]int     `json:"by_tier"`
	AverageScore int                   `json:"average_sovereignty_score"`
}

// Registry holds the nodes in registration order.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	order []string

	// version orders mutations under mu; store writes older than the last
	// one written for a node are skipped.
	version uint64
	storeMu sync.Mutex
	written map[string]uint64

	store   Store
	metrics *Metrics
	now     func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore mirrors every mutation into s.
func WithStore(s Store) Option {
	return func(r *Registry) { r.store = s }
}

// WithMetrics publishes node gauges through m.
func WithMetrics(m *Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		nodes:   make(map[string]*Node),
		written: make(map[string]uint64),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or overwrites a node. The node starts active with a fresh
// score. Re-registering an id keeps its original position in the order.
func (r *Registry) Register(cfg NodeConfig) Node {
	caps := cfg.Capabilities
	if len(caps) == 0 {
		caps = []core.Capability{core.CapTextGeneration}
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	kind := cfg.Kind
	if kind == "" {
		kind = core.KindAPI
	}

	now := r.now()
	node := &Node{
		ID:           cfg.ID,
		Provider:     cfg.Provider,
		Tier:         cfg.Tier,
		Kind:         kind,
		Endpoint:     cfg.Endpoint,
		Capabilities: append([]core.Capability(nil), caps...),
		MaxTokens:    maxTokens,
		Status:       core.StatusActive,
		LastSeen:     now,
		RegisteredAt: now,
		Score:        SovereigntyScore(cfg.Tier, kind, cfg.Capabilities),
	}

	r.mu.Lock()
	if _, exists := r.nodes[cfg.ID]; !exists {
		r.order = append(r.order, cfg.ID)
	}
	r.nodes[cfg.ID] = node
	snapshot := node.clone()
	version := r.nextVersion()
	r.mu.Unlock()

	slog.Info("[Registry] Node registered",
		"node_id", node.ID, "provider", node.Provider, "tier", node.Tier, "score", node.Score)

	r.persist(version, snapshot)
	r.refreshMetrics()
	return snapshot
}

// Unregister removes a node. It reports whether the node existed.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	_, ok := r.nodes[id]
	var version uint64
	if ok {
		version = r.nextVersion()
		delete(r.nodes, id)
		for i, nid := range r.order {
			if nid == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	slog.Info("[Registry] Node unregistered", "node_id", id)
	r.writeStore(version, id, func(ctx context.Context) error {
		return r.store.Delete(ctx, id)
	})
	r.refreshMetrics()
	return true
}

// Get returns a copy of the node with the given id.
func (r *Registry) Get(id string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.clone(), true
}

// Heartbeat bumps the last-seen time and forces the node active.
func (r *Registry) Heartbeat(id string) bool {
	return r.mutate(id, func(n *Node) {
		n.LastSeen = r.now()
		n.Status = core.StatusActive
	})
}

// SetStatus changes a node's status without touching last-seen.
func (r *Registry) SetStatus(id string, status core.NodeStatus) bool {
	ok := r.mutate(id, func(n *Node) { n.Status = status })
	if ok {
		slog.Info("[Registry] Node status changed", "node_id", id, "status", status)
	}
	return ok
}

func (r *Registry) mutate(id string, fn func(*Node)) bool {
	r.mu.Lock()
	n, ok := r.nodes[id]
	var snapshot Node
	var version uint64
	if ok {
		fn(n)
		snapshot = n.clone()
		version = r.nextVersion()
	}
	r.mu.Unlock()

	if ok {
		r.persist(version, snapshot)
		r.refreshMetrics()
	}
	return ok
}

// All returns every node in registration order.
func (r *Registry) All() []Node {
	return r.filter(func(Node) bool { return true })
}

// Available returns the active nodes in registration order.
func (r *Registry) Available() []Node {
	return r.filter(func(n Node) bool { return n.Status == core.StatusActive })
}

// ByProvider returns the active nodes of one provider.
func (r *Registry) ByProvider(p core.Provider) []Node {
	return r.filter(func(n Node) bool { return n.Status == core.StatusActive && n.Provider == p })
}

// ByTier returns the active nodes of one tier.
func (r *Registry) ByTier(t core.Tier) []Node {
	return r.filter(func(n Node) bool { return n.Status == core.StatusActive && n.Tier == t })
}

// Sovereign returns active nodes of tier t whose score meets that tier's threshold.
func (r *Registry) Sovereign(t core.Tier) []Node {
	threshold, ok := sovereignThresholds[t]
	if !ok {
		return nil
	}
	return r.filter(func(n Node) bool {
		return n.Status == core.StatusActive && n.Tier == t && n.Score >= threshold
	})
}

func (r *Registry) filter(keep func(Node) bool) []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Node, 0, len(r.order))
	for _, id := range r.order {
		n := r.nodes[id]
		if keep(*n) {
			out = append(out, n.clone())
		}
	}
	return out
}

// Stats counts nodes by provider and tier. The average score covers active
// nodes only and is rounded to the nearest integer.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		TotalNodes: len(r.nodes),
		ByProvider: make(map[core.Provider]int),
		ByTier:     make(map[core.Tier]int),
	}
	total := 0
	for _, n := range r.nodes {
		s.ByProvider[n.Provider]++
		s.ByTier[n.Tier]++
		if n.Status == core.StatusActive {
			s.ActiveNodes++
			total += n.Score
		}
	}
	if s.ActiveNodes > 0 {
		s.AverageScore = int(math.Round(float64(total) / float64(s.ActiveNodes)))
	}
	return s
}

// Sweep marks offline every active node silent for longer than timeout and
// returns how many nodes it flipped.
func (r *Registry) Sweep(timeout time.Duration) int {
	if timeout <= 0 {
		timeout = DefaultInactivityTimeout
	}
	now := r.now()

	r.mu.Lock()
	var flipped []Node
	var versions []uint64
	for _, id := range r.order {
		n := r.nodes[id]
		if n.Status == core.StatusActive && now.Sub(n.LastSeen) > timeout {
			n.Status = core.StatusOffline
			flipped = append(flipped, n.clone())
			versions = append(versions, r.nextVersion())
		}
	}
	r.mu.Unlock()

	for i, n := range flipped {
		slog.Warn("[Registry] Node marked offline after inactivity", "node_id", n.ID, "last_seen", n.LastSeen)
		r.persist(versions[i], n)
	}
	if len(flipped) > 0 {
		r.refreshMetrics()
	}
	return len(flipped)
}

// RunSweeper sweeps every interval until ctx is cancelled.
func (r *Registry) RunSweeper(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(timeout)
		}
	}
}

// Restore loads previously mirrored nodes from the store. Nodes keep their
// stored score and status. It returns the number of nodes restored.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	nodes, err := r.store.LoadAll(ctx)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	for i := range nodes {
		n := nodes[i].clone()
		if _, exists := r.nodes[n.ID]; !exists {
			r.order = append(r.order, n.ID)
		}
		r.nodes[n.ID] = &n
	}
	r.mu.Unlock()

	r.refreshMetrics()
	slog.Info("[Registry] Restored nodes from store", "count", len(nodes))
	return len(nodes), nil
}

// nextVersion must be called with mu held.
func (r *Registry) nextVersion() uint64 {
	r.version++
	return r.version
}

func (r *Registry) persist(version uint64, n Node) {
	r.writeStore(version, n.ID, func(ctx context.Context) error {
		return r.store.Save(ctx, n)
	})
}

// writeStore applies one store operation for a node. Operations are
// serialized, and one older than the last applied for the same node is
// dropped, so a late snapshot can neither overwrite a newer state nor
// bring back a deleted node.
func (r *Registry) writeStore(version uint64, id string, op func(ctx context.Context) error) {
	if r.store == nil {
		return
	}
	r.storeMu.Lock()
	defer r.storeMu.Unlock()

	if version <= r.written[id] {
		slog.Debug("[Registry] Skipping stale store write", "node_id", id, "version", version)
		return
	}
	r.written[id] = version

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := op(ctx); err != nil {
		slog.Warn("[Registry] Store write failed", "node_id", id, "error", err)
	}
}

func (r *Registry) refreshMetrics() {
	if r.metrics == nil {
		return
	}
	counts := map[core.NodeStatus]int{
		core.StatusActive:  0,
		core.StatusDormant: 0,
		core.StatusOffline: 0,
	}
	r.mu.RLock()
	for _, n := range r.nodes {
		counts[n.Status]++
	}
	r.mu.RUnlock()
	r.metrics.setNodeCounts(counts)
}
