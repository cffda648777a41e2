package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ocx/dccp/internal/compiler"
	"github.com/ocx/dccp/internal/core"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	defaultAnthropicModel   = "claude-sonnet-4-20250514"
	anthropicVersion        = "2023-06-01"
)

// AnthropicConfig configures the messages-API adapter.
type AnthropicConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

// AnthropicAdapter talks to the Anthropic messages API.
type AnthropicAdapter struct {
	cfg AnthropicConfig
}

// NewAnthropicAdapter applies defaults to cfg.
func NewAnthropicAdapter(cfg AnthropicConfig) *AnthropicAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultAnthropicBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &AnthropicAdapter{cfg: cfg}
}

func (a *AnthropicAdapter) ID() string              { return IDAnthropic }
func (a *AnthropicAdapter) Provider() core.Provider { return core.ProviderAnthropic }

type anthropicRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	System      string          `json:"system"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	Stream      bool            `json:"stream"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Transform builds a messages request with the constraints in the system prompt.
func (a *AnthropicAdapter) Transform(p *compiler.Packet) (*Request, error) {
	system := strings.Join(nodeDirectives, "\n") + embedConstraints(p.Constraints())
	user := userPrompt(p)

	body, err := json.Marshal(anthropicRequest{
		Model:       a.cfg.Model,
		MaxTokens:   defaultMaxTokens,
		System:      system,
		Messages:    []openAIMessage{{Role: "user", Content: user}},
		Temperature: defaultTemperature,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal anthropic request: %w", err)
	}

	return &Request{
		AdapterID: a.ID(),
		PacketID:  p.ID(),
		Model:     a.cfg.Model,
		System:    system,
		Prompt:    user,
		Body:      body,
	}, nil
}

// Execute posts the request and returns the raw response body.
func (a *AnthropicAdapter) Execute(ctx context.Context, req *Request) (*RawResponse, error) {
	resp, err := a.post(ctx, req.Body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read anthropic response: %w", err)
	}
	return &RawResponse{AdapterID: a.ID(), Body: data}, nil
}

// Recover decodes the first text content block.
func (a *AnthropicAdapter) Recover(raw *RawResponse) (*Result, error) {
	var parsed anthropicResponse
	if err := json.Unmarshal(raw.Body, &parsed); err == nil {
		for _, block := range parsed.Content {
			if block.Type == "text" {
				return RecoverText(block.Text), nil
			}
		}
	}
	return RecoverText(string(raw.Body)), nil
}

// Stream forwards each text delta to onChunk.
func (a *AnthropicAdapter) Stream(ctx context.Context, req *Request, onChunk func(string) error) error {
	body, err := withStreamFlag(req.Body)
	if err != nil {
		return err
	}
	resp, err := a.post(ctx, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return readSSE(resp.Body, func(data string) (bool, error) {
		if data == "[DONE]" {
			return true, nil
		}
		var ev struct {
			Type  string `json:"type"`
			Delta struct {
				Text string `json:"text"`
			} `json:"delta"`
		}
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return false, nil
		}
		if ev.Type == "message_stop" {
			return true, nil
		}
		if ev.Delta.Text != "" {
			return false, onChunk(ev.Delta.Text)
		}
		return false, nil
	})
}

func (a *AnthropicAdapter) post(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	start := time.Now()
	resp, err := a.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic request: %w", err)
	}
	if err := checkStatus("anthropic", resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	logCall(a.ID(), "/messages", resp.StatusCode, time.Since(start))
	return resp, nil
}
