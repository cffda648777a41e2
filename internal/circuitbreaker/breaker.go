// Package circuitbreaker guards backend adapters against cascading failures.
// One breaker is kept per adapter id; an open breaker makes the orchestrator
// skip straight to its retry and auto-switch handling instead of waiting on
// a backend that keeps failing.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var (
	ErrOpen            = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Rejected reports whether err came from a breaker refusing the call.
func Rejected(err error) bool {
	return errors.Is(err, ErrOpen) || errors.Is(err, ErrTooManyRequests)
}

type Config struct {
	Name string

	// HalfOpenProbes is how many calls may pass in half-open state, and how
	// many consecutive successes close the breaker again.
	HalfOpenProbes uint32

	// Window clears the closed-state counts periodically. Zero keeps them.
	Window time.Duration

	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration

	// ShouldTrip is consulted after every closed-state failure.
	ShouldTrip func(c Counts) bool

	OnTransition func(name string, from, to State)
}

// DefaultConfig trips after five consecutive backend failures and probes
// again after thirty seconds.
func DefaultConfig(name string) Config {
	return Config{
		Name:           name,
		HalfOpenProbes: 1,
		Window:         60 * time.Second,
		Cooldown:       30 * time.Second,
		ShouldTrip: func(c Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	}
}

type Counts struct {
	Requests             uint32 `json:"requests"`
	Successes            uint32 `json:"successes"`
	Failures             uint32 `json:"failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
}

func (c Counts) FailureRatio() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.Failures) / float64(c.Requests)
}

func (c *Counts) success() {
	c.Successes++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) failure() {
	c.Failures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Breaker is a single circuit breaker. The zero value is not usable; use New.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

// New creates a closed breaker. Unset config fields take the defaults.
func New(cfg Config) *Breaker {
	def := DefaultConfig(cfg.Name)
	if cfg.HalfOpenProbes == 0 {
		cfg.HalfOpenProbes = def.HalfOpenProbes
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = def.ShouldTrip
	}
	b := &Breaker{cfg: cfg, now: time.Now}
	b.resetGeneration(b.now())
	return b
}

func (b *Breaker) Name() string { return b.cfg.Name }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.current(b.now())
	return state
}

func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Do runs fn when the breaker admits the call and records its outcome.
// Context cancellation by the caller is not counted against the backend.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	gen, err := b.admit()
	if err != nil {
		return fmt.Errorf("%s: %w", b.cfg.Name, err)
	}

	defer func() {
		if r := recover(); r != nil {
			b.record(gen, false)
			panic(r)
		}
	}()

	err = fn(ctx)
	if err != nil && ctx.Err() != nil {
		b.release(gen)
		return err
	}
	b.record(gen, err == nil)
	return err
}

// Execute is Do for calls that produce a value.
func Execute[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := b.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}

// Allow reports whether a call would currently be admitted without
// reserving a slot.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.current(b.now())
	switch {
	case state == StateOpen:
		return ErrOpen
	case state == StateHalfOpen && b.counts.Requests >= b.cfg.HalfOpenProbes:
		return ErrTooManyRequests
	}
	return nil
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, gen := b.current(b.now())
	switch {
	case state == StateOpen:
		return gen, ErrOpen
	case state == StateHalfOpen && b.counts.Requests >= b.cfg.HalfOpenProbes:
		return gen, ErrTooManyRequests
	}
	b.counts.Requests++
	return gen, nil
}

// release returns an admitted slot without recording an outcome.
func (b *Breaker) release(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, cur := b.current(b.now()); cur == gen && b.counts.Requests > 0 {
		b.counts.Requests--
	}
}

func (b *Breaker) record(gen uint64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state, cur := b.current(now)
	if gen != cur {
		return
	}

	if ok {
		b.counts.success()
		if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.cfg.HalfOpenProbes {
			b.transition(StateClosed, now)
		}
		return
	}

	b.counts.failure()
	switch state {
	case StateClosed:
		if b.cfg.ShouldTrip(b.counts) {
			b.transition(StateOpen, now)
		}
	case StateHalfOpen:
		b.transition(StateOpen, now)
	}
}

func (b *Breaker) current(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.resetGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.transition(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) transition(to State, now time.Time) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.resetGeneration(now)

	slog.Warn("[CircuitBreaker] State change", "breaker", b.cfg.Name, "from", from.String(), "to", to.String())
	if b.cfg.OnTransition != nil {
		b.cfg.OnTransition(b.cfg.Name, from, to)
	}
}

func (b *Breaker) resetGeneration(now time.Time) {
	b.generation++
	b.counts = Counts{}
	b.expiry = time.Time{}
	switch b.state {
	case StateClosed:
		if b.cfg.Window > 0 {
			b.expiry = now.Add(b.cfg.Window)
		}
	case StateOpen:
		b.expiry = now.Add(b.cfg.Cooldown)
	}
}

// Manager hands out one breaker per name, created lazily from a template.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	template Config
	now      func() time.Time
}

func NewManager(template Config) *Manager {
	return &Manager{
		breakers: make(map[string]*Breaker),
		template: template,
		now:      time.Now,
	}
}

// Get returns the breaker for name, creating it on first use.
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[name]; ok {
		return b
	}
	cfg := m.template
	cfg.Name = name
	b = New(cfg)
	b.now = m.now
	b.resetGeneration(b.now())
	m.breakers[name] = b
	return b
}

func (m *Manager) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, name)
}

// Names lists the breakers created so far, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type Stats struct {
	Name   string `json:"name"`
	State  State  `json:"state"`
	Counts Counts `json:"counts"`
}

func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Stats, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = Stats{Name: name, State: b.State(), Counts: b.Counts()}
	}
	return out
}

// Health is "HEALTHY" unless some breaker is open, then "DEGRADED".
func (m *Manager) Health() string {
	for _, s := range m.Stats() {
		if s.State == StateOpen {
			return "DEGRADED"
		}
	}
	return "HEALTHY"
}
