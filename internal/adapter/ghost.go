package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/ocx/dccp/internal/compiler"
	"github.com/ocx/dccp/internal/core"
)

// Consensus states reported by the ghost adapter.
const (
	ConsensusReached = "CONSENSUS_REACHED"
	ConsensusSplit   = "SPLIT_DECISION"
)

// PageDriver submits a prompt to a chat page and returns the replies
// visible afterwards, oldest first.
type PageDriver interface {
	Exchange(ctx context.Context, prompt string) ([]string, error)
}

// GhostConfig configures the browser-automation adapter.
type GhostConfig struct {
	URL           string
	InputSelector string
	ReplySelector string
	// Settle is how long to wait for replies after submitting.
	Settle   time.Duration
	Headless bool
	// ControlURL attaches to a running browser instead of launching one.
	ControlURL string
}

func (c GhostConfig) withDefaults() GhostConfig {
	if c.URL == "" {
		c.URL = "https://lmarena.ai"
	}
	if c.InputSelector == "" {
		c.InputSelector = "textarea"
	}
	if c.ReplySelector == "" {
		c.ReplySelector = ".prose"
	}
	if c.Settle <= 0 {
		c.Settle = 10 * time.Second
	}
	return c
}

// GhostAdapter runs packets as adversarial audits on a multi-model arena
// page and compares the last two replies.
type GhostAdapter struct {
	driver PageDriver
}

// NewGhostAdapter creates the arena adapter on top of driver.
func NewGhostAdapter(driver PageDriver) *GhostAdapter {
	return &GhostAdapter{driver: driver}
}

func (a *GhostAdapter) ID() string              { return IDArena }
func (a *GhostAdapter) Provider() core.Provider { return core.ProviderArena }

var arenaDirectives = []string{
	"You are an adversarial auditor in a multi-model arena.",
	"Your output will be compared against other models.",
	"Prioritize accuracy over politeness.",
}

// Transform wraps the packet in the arena mission envelope.
func (a *GhostAdapter) Transform(p *compiler.Packet) (*Request, error) {
	var b strings.Builder
	b.WriteString("# ARENA MISSION\nMission Type: ADVERSARIAL_AUDIT\n\n")
	b.WriteString(addSystemPrompt(p.Payload(), arenaDirectives))
	b.WriteString(embedConstraints(p.Constraints()))
	b.WriteString("\n\n# OUTPUT REQUIREMENTS\n")
	b.WriteString("- Return raw JSON only\n- No conversational filler\n")
	b.WriteString("\n# MISSION ID\n")
	b.WriteString(p.ID())

	return &Request{
		AdapterID: a.ID(),
		PacketID:  p.ID(),
		Prompt:    wrapProtocol(b.String()),
	}, nil
}

type ghostEnvelope struct {
	Status  string   `json:"status"`
	Content string   `json:"content"`
	Replies []string `json:"replies"`
}

// Execute submits the prompt and records whether the last two replies agree.
func (a *GhostAdapter) Execute(ctx context.Context, req *Request) (*RawResponse, error) {
	replies, err := a.driver.Exchange(ctx, req.Prompt)
	if err != nil {
		return nil, fmt.Errorf("arena exchange: %w", err)
	}
	if len(replies) == 0 {
		return nil, fmt.Errorf("arena returned no replies")
	}
	if len(replies) > 2 {
		replies = replies[len(replies)-2:]
	}

	env := ghostEnvelope{
		Status:  ConsensusSplit,
		Content: replies[len(replies)-1],
		Replies: replies,
	}
	if len(replies) == 2 && repliesAgree(replies[0], replies[1]) {
		env.Status = ConsensusReached
	}
	slog.Info("[Arena] Exchange complete", "packet_id", req.PacketID, "replies", len(replies), "status", env.Status)

	body, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return &RawResponse{AdapterID: a.ID(), Body: body}, nil
}

// repliesAgree compares decoded structures when both replies decode,
// trimmed text otherwise.
func repliesAgree(x, y string) bool {
	rx, ry := RecoverText(x), RecoverText(y)
	if rx.Strategy != StrategyText && ry.Strategy != StrategyText {
		return reflect.DeepEqual(rx.Value, ry.Value)
	}
	return strings.TrimSpace(x) == strings.TrimSpace(y)
}

// Recover unwraps the consensus envelope. A reached consensus yields the
// decoded reply itself; anything else is decoded as-is.
func (a *GhostAdapter) Recover(raw *RawResponse) (*Result, error) {
	var env ghostEnvelope
	if err := json.Unmarshal(raw.Body, &env); err == nil && env.Status == ConsensusReached && env.Content != "" {
		res := RecoverText(env.Content)
		if res.Strategy == StrategyText {
			return &Result{Value: map[string]any{"content": env.Content}, Strategy: "consensus"}, nil
		}
		return res, nil
	}
	return RecoverText(string(raw.Body)), nil
}

// RodDriver drives a Chromium page with go-rod.
type RodDriver struct {
	cfg GhostConfig

	mu      sync.Mutex
	browser *rod.Browser
}

// NewRodDriver creates a driver. The browser is started on first use.
func NewRodDriver(cfg GhostConfig) *RodDriver {
	return &RodDriver{cfg: cfg.withDefaults()}
}

func (d *RodDriver) connect(ctx context.Context) (*rod.Browser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browser != nil {
		return d.browser, nil
	}

	controlURL := d.cfg.ControlURL
	if controlURL == "" {
		u, err := launcher.New().Headless(d.cfg.Headless).Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	d.browser = browser
	slog.Info("[Arena] Browser connected", "url", d.cfg.URL)
	return browser, nil
}

// Exchange opens a fresh page, submits prompt and collects replies.
func (d *RodDriver) Exchange(ctx context.Context, prompt string) ([]string, error) {
	browser, err := d.connect(ctx)
	if err != nil {
		return nil, err
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: d.cfg.URL})
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	defer func() { _ = page.Close() }()

	p := page.Context(ctx)
	if err := p.WaitLoad(); err != nil {
		return nil, fmt.Errorf("wait load: %w", err)
	}

	el, err := p.Element(d.cfg.InputSelector)
	if err != nil {
		return nil, fmt.Errorf("find input %q: %w", d.cfg.InputSelector, err)
	}
	if err := el.Input(prompt); err != nil {
		return nil, fmt.Errorf("type prompt: %w", err)
	}
	if err := el.Type(input.Enter); err != nil {
		return nil, fmt.Errorf("submit prompt: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(d.cfg.Settle):
	}

	elements, err := p.Elements(d.cfg.ReplySelector)
	if err != nil {
		return nil, fmt.Errorf("find replies %q: %w", d.cfg.ReplySelector, err)
	}
	replies := make([]string, 0, len(elements))
	for _, e := range elements {
		text, err := e.Text()
		if err != nil {
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			replies = append(replies, text)
		}
	}
	return replies, nil
}

// Close shuts the browser down if it was started.
func (d *RodDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browser == nil {
		return nil
	}
	err := d.browser.Close()
	d.browser = nil
	return err
}
