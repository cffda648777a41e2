// Package orchestrator routes compiled packets to a backend: it picks an
// adapter and a node, checks eligibility, executes with retries, audits the
// normalized result and hands approved output to the disk materializer.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ocx/dccp/internal/adapter"
	"github.com/ocx/dccp/internal/bridge"
	"github.com/ocx/dccp/internal/circuitbreaker"
	"github.com/ocx/dccp/internal/compiler"
	"github.com/ocx/dccp/internal/config"
	"github.com/ocx/dccp/internal/events"
	"github.com/ocx/dccp/internal/handshake"
	"github.com/ocx/dccp/internal/registry"
	"github.com/ocx/dccp/internal/security"
)

const (
	eventSource = "orchestrator"

	// NoSelection fills adapter and node ids when routing failed before
	// either was chosen.
	NoSelection = "NONE"
)

var (
	ErrNoAdapter = errors.New("no adapter available")
	ErrNoNode    = errors.New("no node available")
	ErrTimeout   = errors.New("execution timeout")
)

// ErrorKind classifies why a route failed.
type ErrorKind string

const (
	KindSelection     ErrorKind = "SELECTION"
	KindAuthorization ErrorKind = "AUTHORIZATION"
	KindExecution     ErrorKind = "EXECUTION"
	KindAudit         ErrorKind = "AUDIT"
)

// Config tunes routing. It can be swapped at runtime with SetConfig; a
// route in progress keeps the config it started with.
type Config struct {
	EnableAudit      bool
	EnableAutoSwitch bool
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries    int
	Timeout       time.Duration
	BaseBackoff   time.Duration
	MaxJitter     time.Duration
	DedupInFlight bool
}

func DefaultConfig() Config {
	return Config{
		EnableAudit:      true,
		EnableAutoSwitch: true,
		MaxRetries:       3,
		Timeout:          30 * time.Second,
		BaseBackoff:      time.Second,
		MaxJitter:        500 * time.Millisecond,
	}
}

// ConfigFromRouter converts the file/env router section.
func ConfigFromRouter(rc config.RouterConfig) Config {
	return Config{
		EnableAudit:      rc.EnableAudit,
		EnableAutoSwitch: rc.EnableAutoSwitch,
		MaxRetries:       rc.MaxRetries,
		Timeout:          rc.Timeout(),
		BaseBackoff:      rc.BaseBackoff(),
		MaxJitter:        rc.MaxJitter(),
		DedupInFlight:    rc.DedupInFlight,
	}
}

// Deps are the collaborators of an Orchestrator. Registry and Adapters are
// required; the rest may be nil.
type Deps struct {
	Registry *registry.Registry
	Adapters *adapter.Set
	Auditor  *security.Auditor
	Events   events.Publisher
	// Ingest receives materialization instructions for approved results.
	Ingest   chan<- bridge.Signal
	Breakers *circuitbreaker.Manager
	Metrics  *Metrics
}

// AuditReport is the combined structural and security verdict on a result.
type AuditReport struct {
	Passed           bool             `json:"passed"`
	Deviations       []string         `json:"deviations"`
	SovereigntyScore int              `json:"sovereignty_score"`
	Security         *security.Result `json:"security,omitempty"`
}

// ExecutionResult is the outcome of one Route call.
type ExecutionResult struct {
	Success         bool              `json:"success"`
	PacketID        string            `json:"packet_id"`
	AdapterID       string            `json:"adapter_id"`
	NodeID          string            `json:"node_id"`
	Response        any               `json:"response,omitempty"`
	Strategy        string            `json:"recovery_strategy,omitempty"`
	Audit           *AuditReport      `json:"audit_result,omitempty"`
	Handshake       *handshake.Result `json:"handshake,omitempty"`
	Attempts        int               `json:"attempts"`
	Error           string            `json:"error,omitempty"`
	ErrorKind       ErrorKind         `json:"error_kind,omitempty"`
	ExecutionTimeMs int64             `json:"execution_time_ms"`
	Materialized    bool              `json:"materialized"`
	Deduplicated    bool              `json:"deduplicated,omitempty"`
	LeaderPacketID  string            `json:"leader_packet_id,omitempty"`
}

// Stats is a point-in-time view of routing activity.
type Stats struct {
	InFlight  int64  `json:"in_flight"`
	Routed    uint64 `json:"routed"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Adapters  int    `json:"adapters"`
	Config    Config `json:"-"`
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	deps Deps

	mu  sync.RWMutex
	cfg Config

	inFlight  atomic.Int64
	routed    atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64

	group singleflight.Group

	// seams for tests
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
}

// New validates deps and creates an orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Registry == nil {
		return nil, errors.New("orchestrator: registry is required")
	}
	if deps.Adapters == nil {
		return nil, errors.New("orchestrator: adapter set is required")
	}
	if deps.Auditor == nil {
		deps.Auditor = security.NewDefaultAuditor()
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Breakers == nil {
		deps.Breakers = circuitbreaker.NewManager(circuitbreaker.DefaultConfig("adapter"))
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		now:    time.Now,
		sleep:  sleepCtx,
		jitter: randomJitter,
	}, nil
}

// Config returns the active routing config.
func (o *Orchestrator) Config() Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg
}

// SetConfig replaces the routing config for subsequent routes.
func (o *Orchestrator) SetConfig(cfg Config) {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	o.mu.Lock()
	o.cfg = cfg
	o.mu.Unlock()
	slog.Info("[Orchestrator] Config updated",
		"audit", cfg.EnableAudit, "auto_switch", cfg.EnableAutoSwitch,
		"max_retries", cfg.MaxRetries, "timeout", cfg.Timeout)
}

func (o *Orchestrator) Stats() Stats {
	return Stats{
		InFlight:  o.inFlight.Load(),
		Routed:    o.routed.Load(),
		Succeeded: o.succeeded.Load(),
		Failed:    o.failed.Load(),
		Adapters:  o.deps.Adapters.Len(),
		Config:    o.Config(),
	}
}

// Route runs a packet through selection, handshake, execution, audit and
// materialization. Failures are reported in the result, never as a panic
// or error return.
func (o *Orchestrator) Route(ctx context.Context, p *compiler.Packet) *ExecutionResult {
	cfg := o.Config()
	if !cfg.DedupInFlight {
		return o.route(ctx, p, cfg)
	}

	// The shared execution outlives any one caller; each caller waits on
	// its own ctx.
	key := p.Fingerprint() + "|" + p.TargetPath() + "|" + string(p.Zone())
	shared := context.WithoutCancel(ctx)
	ch := o.group.DoChan(key, func() (any, error) {
		return o.route(shared, p, cfg), nil
	})

	select {
	case r := <-ch:
		res := *r.Val.(*ExecutionResult)
		if res.PacketID != p.ID() {
			res.LeaderPacketID = res.PacketID
			res.PacketID = p.ID()
			res.Deduplicated = true
			slog.Info("[Orchestrator] Joined in-flight execution",
				"packet_id", p.ShortID(), "leader", shortID(res.LeaderPacketID))
		}
		return &res
	case <-ctx.Done():
		res := failure(p, NoSelection, NoSelection, KindExecution,
			fmt.Errorf("%w while waiting for in-flight execution", ctx.Err()))
		o.finish(ctx, p, res)
		return res
	}
}

func (o *Orchestrator) route(ctx context.Context, p *compiler.Packet, cfg Config) (res *ExecutionResult) {
	start := o.now()
	slog.Info("[Orchestrator] Routing packet", "packet_id", p.ShortID(), "fingerprint", p.Fingerprint())

	defer func() {
		res.ExecutionTimeMs = o.now().Sub(start).Milliseconds()
		o.finish(ctx, p, res)
	}()

	ad, ok := o.selectAdapter(p)
	if !ok {
		return failure(p, NoSelection, NoSelection, KindSelection, ErrNoAdapter)
	}
	node, ok := o.selectNode(p)
	if !ok {
		return failure(p, ad.ID(), NoSelection, KindSelection, ErrNoNode)
	}

	hs := o.handshake(ctx, p, node)
	if !hs.Authorized {
		if !cfg.EnableAutoSwitch {
			return o.unauthorized(p, ad.ID(), hs)
		}
		alt, ok := o.alternativeNode(node.ID)
		if !ok {
			return o.unauthorized(p, ad.ID(), hs)
		}
		slog.Warn("[Orchestrator] Node not authorized, switching",
			"packet_id", p.ShortID(), "from", node.ID, "to", alt.ID, "score", hs.Score)
		node = alt
		hs = o.handshake(ctx, p, node)
		if !hs.Authorized {
			return o.unauthorized(p, ad.ID(), hs)
		}
	}

	o.inFlight.Add(1)
	if m := o.deps.Metrics; m != nil {
		m.InFlight.Inc()
	}
	defer func() {
		o.inFlight.Add(-1)
		if m := o.deps.Metrics; m != nil {
			m.InFlight.Dec()
		}
	}()

	res = o.execute(ctx, p, ad, node, cfg)
	res.Handshake = &hs
	return res
}

func (o *Orchestrator) execute(ctx context.Context, p *compiler.Packet, ad adapter.Adapter, node registry.Node, cfg Config) *ExecutionResult {
	o.publish(ctx, events.New(events.TypeExecutionStarted, eventSource, p.ID(), map[string]any{
		"adapter_id": ad.ID(),
		"node_id":    node.ID,
		"node_tier":  node.Tier,
		"message":    fmt.Sprintf("routing %s to %s via %s", p.ShortID(), node.ID, ad.ID()),
	}))

	req, err := ad.Transform(p)
	if err != nil {
		return failure(p, ad.ID(), node.ID, KindExecution, fmt.Errorf("transform: %w", err))
	}
	o.publish(ctx, events.New(events.TypePromptTransformed, eventSource, p.ID(), map[string]any{
		"adapter_id":   ad.ID(),
		"prompt_bytes": len(req.Prompt) + len(req.Body),
	}))

	raw, attempts, err := o.executeWithRetry(ctx, ad, req, cfg)
	if err != nil {
		slog.Error("[Orchestrator] Execution failed",
			"packet_id", p.ShortID(), "adapter", ad.ID(), "node_id", node.ID, "attempts", attempts, "error", err)
		res := failure(p, ad.ID(), node.ID, KindExecution, err)
		res.Attempts = attempts
		return res
	}

	recovered, err := ad.Recover(raw)
	if err != nil {
		res := failure(p, ad.ID(), node.ID, KindExecution, fmt.Errorf("recover: %w", err))
		res.Attempts = attempts
		return res
	}
	o.publish(ctx, events.New(events.TypeResponseRecovered, eventSource, p.ID(), map[string]any{
		"keys":     recovered.Keys(),
		"strategy": recovered.Strategy,
	}))

	res := &ExecutionResult{
		Success:   true,
		PacketID:  p.ID(),
		AdapterID: ad.ID(),
		NodeID:    node.ID,
		Response:  recovered.Value,
		Strategy:  recovered.Strategy,
		Attempts:  attempts,
	}
	if !cfg.EnableAudit {
		return res
	}

	report := o.audit(p, recovered)
	res.Audit = &report
	o.publish(ctx, events.New(events.TypeAuditCompleted, eventSource, p.ID(), report))
	if m := o.deps.Metrics; m != nil {
		m.AuditScore.Observe(float64(report.SovereigntyScore))
	}
	if report.Security != nil && !report.Security.Passed {
		o.publish(ctx, events.NewAlert(eventSource, p.ID(), events.AlertError,
			fmt.Sprintf("security audit blocked output from %s: %s", node.ID, strings.Join(report.Security.Violations, "; "))))
	}

	if !report.Passed {
		res.Success = false
		res.ErrorKind = KindAudit
		res.Error = "audit failed: " + strings.Join(report.Deviations, "; ")
		return res
	}

	if p.TargetPath() != "" {
		if content := recovered.Content(); content != "" {
			res.Materialized = o.emitSignal(ctx, bridge.Signal{
				PacketID:         p.ID(),
				FilePath:         p.TargetPath(),
				Content:          content,
				Encoding:         bridge.EncodingUTF8,
				Backup:           true,
				SourceNodeID:     node.ID,
				AuditPassed:      true,
				SovereigntyScore: report.SovereigntyScore,
				Zone:             p.Zone(),
			})
		}
	}
	return res
}

func (o *Orchestrator) handshake(ctx context.Context, p *compiler.Packet, node registry.Node) handshake.Result {
	hs := handshake.VerifyAlignment(p, node)
	o.publish(ctx, events.New(events.TypeHandshake, eventSource, p.ID(), map[string]any{
		"node_id": node.ID,
		"result":  hs,
	}))
	if m := o.deps.Metrics; m != nil {
		m.HandshakeScore.Observe(float64(hs.Score))
	}
	return hs
}

func (o *Orchestrator) unauthorized(p *compiler.Packet, adapterID string, hs handshake.Result) *ExecutionResult {
	reasons := hs.Errors
	if len(reasons) == 0 {
		reasons = []string{fmt.Sprintf("alignment score %d below %d", hs.Score, handshake.AuthorizedThreshold)}
	}
	res := failure(p, adapterID, hs.NodeID, KindAuthorization,
		fmt.Errorf("handshake failed: %s", strings.Join(reasons, ", ")))
	res.Handshake = &hs
	return res
}

func (o *Orchestrator) emitSignal(ctx context.Context, sig bridge.Signal) bool {
	o.publish(ctx, events.New(events.TypeDiskIngest, eventSource, sig.PacketID, sig))
	if o.deps.Ingest == nil {
		return false
	}

	select {
	case o.deps.Ingest <- sig:
		slog.Info("[Orchestrator] Materialization signal sent",
			"packet_id", shortID(sig.PacketID), "path", sig.FilePath)
		o.countSignal("sent")
		return true
	case <-ctx.Done():
		slog.Warn("[Orchestrator] Materialization signal dropped",
			"packet_id", shortID(sig.PacketID), "path", sig.FilePath, "error", ctx.Err())
		o.countSignal("dropped")
		return false
	}
}

func (o *Orchestrator) countSignal(result string) {
	if m := o.deps.Metrics; m != nil {
		m.Signals.WithLabelValues(result).Inc()
	}
}

func (o *Orchestrator) finish(ctx context.Context, p *compiler.Packet, res *ExecutionResult) {
	o.routed.Add(1)
	outcome := "success"
	if res.Success {
		o.succeeded.Add(1)
	} else {
		o.failed.Add(1)
		outcome = "failure"
	}
	if m := o.deps.Metrics; m != nil {
		m.Routes.WithLabelValues(outcome, string(res.ErrorKind)).Inc()
	}

	o.publish(ctx, events.New(events.TypeExecutionCompleted, eventSource, p.ID(), map[string]any{
		"success":           res.Success,
		"adapter_id":        res.AdapterID,
		"node_id":           res.NodeID,
		"execution_time_ms": res.ExecutionTimeMs,
		"error":             res.Error,
	}))
	slog.Info("[Orchestrator] Route finished",
		"packet_id", p.ShortID(), "success", res.Success, "adapter", res.AdapterID,
		"node_id", res.NodeID, "duration_ms", res.ExecutionTimeMs, "error_kind", res.ErrorKind)
}

func (o *Orchestrator) publish(ctx context.Context, e *events.Event) {
	if err := o.deps.Events.Publish(ctx, e); err != nil {
		slog.Debug("[Orchestrator] Event publish failed", "type", e.Type, "error", err)
	}
}

func failure(p *compiler.Packet, adapterID, nodeID string, kind ErrorKind, err error) *ExecutionResult {
	return &ExecutionResult{
		PacketID:  p.ID(),
		AdapterID: adapterID,
		NodeID:    nodeID,
		Error:     err.Error(),
		ErrorKind: kind,
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}
