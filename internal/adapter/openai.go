package adapter

import (
	"bufio"
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
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultOpenAIModel   = "gpt-4o"

	defaultMaxTokens   = 4096
	defaultTemperature = 0.7

	// cap on error bodies quoted back in errors
	maxErrorBody = 512
)

// OpenAIConfig configures the chat-completions adapter.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	// HTTPClient defaults to a client without its own timeout; calls are
	// bounded by the caller's context.
	HTTPClient *http.Client
}

// OpenAIAdapter talks to an OpenAI-compatible chat-completions endpoint.
type OpenAIAdapter struct {
	cfg OpenAIConfig
}

// NewOpenAIAdapter applies defaults to cfg.
func NewOpenAIAdapter(cfg OpenAIConfig) *OpenAIAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &OpenAIAdapter{cfg: cfg}
}

func (a *OpenAIAdapter) ID() string              { return IDOpenAI }
func (a *OpenAIAdapter) Provider() core.Provider { return core.ProviderOpenAI }

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model          string            `json:"model"`
	Messages       []openAIMessage   `json:"messages"`
	Temperature    float64           `json:"temperature"`
	MaxTokens      int               `json:"max_tokens"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
	Stream         bool              `json:"stream,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Transform builds a chat-completions request in JSON mode.
func (a *OpenAIAdapter) Transform(p *compiler.Packet) (*Request, error) {
	system := addSystemPrompt(p.Payload(), nodeDirectives)
	user := userPrompt(p)

	body, err := json.Marshal(openAIRequest{
		Model: a.cfg.Model,
		Messages: []openAIMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature:    defaultTemperature,
		MaxTokens:      defaultMaxTokens,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal openai request: %w", err)
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
func (a *OpenAIAdapter) Execute(ctx context.Context, req *Request) (*RawResponse, error) {
	resp, err := a.post(ctx, "/chat/completions", req.Body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read openai response: %w", err)
	}
	return &RawResponse{AdapterID: a.ID(), Body: data}, nil
}

// Recover pulls the first choice's message and decodes it.
func (a *OpenAIAdapter) Recover(raw *RawResponse) (*Result, error) {
	var parsed openAIResponse
	if err := json.Unmarshal(raw.Body, &parsed); err == nil && len(parsed.Choices) > 0 {
		if content := parsed.Choices[0].Message.Content; content != "" {
			return RecoverText(content), nil
		}
	}
	return RecoverText(string(raw.Body)), nil
}

// Stream re-issues the request with streaming enabled and forwards each
// content delta to onChunk.
func (a *OpenAIAdapter) Stream(ctx context.Context, req *Request, onChunk func(string) error) error {
	body, err := withStreamFlag(req.Body)
	if err != nil {
		return err
	}
	resp, err := a.post(ctx, "/chat/completions", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return readSSE(resp.Body, func(data string) (bool, error) {
		if data == "[DONE]" {
			return true, nil
		}
		var chunk openAIResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return false, nil
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			return false, onChunk(chunk.Choices[0].Delta.Content)
		}
		return false, nil
	})
}

// Models lists the model ids the endpoint exposes.
func (a *OpenAIAdapter) Models(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

	resp, err := a.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai models: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus("openai", resp); err != nil {
		return nil, err
	}

	var list struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode openai models: %w", err)
	}
	ids := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (a *OpenAIAdapter) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

	start := time.Now()
	resp, err := a.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai request: %w", err)
	}
	if err := checkStatus("openai", resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	logCall(a.ID(), path, resp.StatusCode, time.Since(start))
	return resp, nil
}

// withStreamFlag sets "stream": true on a JSON request body.
func withStreamFlag(body []byte) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode request body: %w", err)
	}
	m["stream"] = true
	return json.Marshal(m)
}

// readSSE feeds the payload of every "data: " line to handle until handle
// reports done, returns an error, or the stream ends.
func readSSE(r io.Reader, handle func(data string) (done bool, err error)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		done, err := handle(strings.TrimPrefix(line, "data: "))
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return scanner.Err()
}

// StatusError is returned when a backend answers with a non-2xx status.
type StatusError struct {
	Backend    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error: %d - %s", e.Backend, e.StatusCode, e.Body)
}

func checkStatus(backend string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Backend: backend, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
}
