// Package adapter translates packets into backend-specific requests and
// backend responses back into normalized results.
//
// Each backend integration implements Adapter. Adapters are collected in a
// Set keyed by adapter id; the orchestrator never needs to know which
// concrete type it is talking to.
package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/ocx/dccp/internal/compiler"
	"github.com/ocx/dccp/internal/core"
)

// Well-known adapter ids.
const (
	IDOpenAI    = "OPENAI_ADAPTER"
	IDAnthropic = "ANTHROPIC_ADAPTER"
	IDGoogle    = "GOOGLE_ADAPTER"
	IDArena     = "ARENA_CLUSTER"
)

// Request is a backend-specific request built from a packet.
type Request struct {
	AdapterID string `json:"adapter_id"`
	PacketID  string `json:"packet_id"`
	Model     string `json:"model,omitempty"`
	// System and Prompt carry the flattened text for backends that do not
	// take a JSON body.
	System string `json:"system,omitempty"`
	Prompt string `json:"prompt"`
	// Body is the provider wire request, JSON encoded.
	Body []byte `json:"body,omitempty"`
}

// RawResponse is what a backend returned, before normalization.
type RawResponse struct {
	AdapterID string `json:"adapter_id"`
	Body      []byte `json:"body"`
}

// Adapter is the uniform contract every backend integration implements.
type Adapter interface {
	ID() string
	Provider() core.Provider
	Transform(p *compiler.Packet) (*Request, error)
	Execute(ctx context.Context, req *Request) (*RawResponse, error)
	Recover(raw *RawResponse) (*Result, error)
}

// Streamer is implemented by adapters that can deliver output incrementally.
type Streamer interface {
	Stream(ctx context.Context, req *Request, onChunk func(chunk string) error) error
}

// Result is a normalized backend result.
type Result struct {
	// Value is the decoded result: a map or slice for structured output,
	// a string otherwise.
	Value any `json:"value"`
	// Strategy names the parse strategy that produced Value.
	Strategy string `json:"strategy"`
}

// Structured reports whether the result decoded to an object or array.
func (r *Result) Structured() bool {
	switch r.Value.(type) {
	case map[string]any, []any:
		return true
	}
	return false
}

// Content returns the textual payload to materialize: the "content" field of
// an object result, pretty-printed when it is not already a string. Results
// without a content field have nothing to materialize.
func (r *Result) Content() string {
	obj, ok := r.Value.(map[string]any)
	if !ok {
		return ""
	}
	c, ok := obj["content"]
	if !ok || c == nil {
		return ""
	}
	if s, ok := c.(string); ok {
		return s
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return ""
	}
	return string(data)
}

// Serialize renders the whole result as JSON, the form the auditors scan.
// HTML characters are left unescaped so pattern rules see them verbatim.
func (r *Result) Serialize() string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r.Value); err != nil {
		return ""
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// Keys lists the top-level keys of an object result, sorted.
func (r *Result) Keys() []string {
	obj, ok := r.Value.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set holds adapters in registration order. The first registered adapter is
// the default.
type Set struct {
	mu    sync.RWMutex
	byID  map[string]Adapter
	order []string
}

// NewSet creates a set containing adapters, in order.
func NewSet(adapters ...Adapter) *Set {
	s := &Set{byID: make(map[string]Adapter)}
	for _, a := range adapters {
		s.Register(a)
	}
	return s
}

// Register adds or replaces an adapter under its id.
func (s *Set) Register(a Adapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[a.ID()]; !ok {
		s.order = append(s.order, a.ID())
	}
	s.byID[a.ID()] = a
}

// Get returns the adapter with the given id.
func (s *Set) Get(id string) (Adapter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	return a, ok
}

// ForProvider returns the first adapter serving provider p.
func (s *Set) ForProvider(p core.Provider) (Adapter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		if a := s.byID[id]; a.Provider() == p {
			return a, true
		}
	}
	return nil, false
}

// First returns the earliest registered adapter.
func (s *Set) First() (Adapter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.order) == 0 {
		return nil, false
	}
	return s.byID[s.order[0]], true
}

// IDs lists adapter ids in registration order.
func (s *Set) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// Len is the number of registered adapters.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
