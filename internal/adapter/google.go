package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/genai"

	"github.com/ocx/dccp/internal/compiler"
	"github.com/ocx/dccp/internal/core"
)

const defaultGoogleModel = "gemini-2.0-flash-exp"

// contentGenerator is the slice of genai.Models the adapter uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GoogleConfig configures the Gemini adapter.
type GoogleConfig struct {
	APIKey string
	Model  string
}

// GoogleAdapter calls Gemini through the genai SDK.
type GoogleAdapter struct {
	model string
	gen   contentGenerator
}

// NewGoogleAdapter creates a genai client for the Gemini API backend.
func NewGoogleAdapter(ctx context.Context, cfg GoogleConfig) (*GoogleAdapter, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return newGoogleAdapter(cfg.Model, client.Models), nil
}

func newGoogleAdapter(model string, gen contentGenerator) *GoogleAdapter {
	if model == "" {
		model = defaultGoogleModel
	}
	return &GoogleAdapter{model: model, gen: gen}
}

func (a *GoogleAdapter) ID() string              { return IDGoogle }
func (a *GoogleAdapter) Provider() core.Provider { return core.ProviderGoogle }

// googleBody records the generation request for observability; the SDK
// builds the wire request itself.
type googleBody struct {
	Model            string  `json:"model"`
	System           string  `json:"system_instruction"`
	Prompt           string  `json:"prompt"`
	Temperature      float64 `json:"temperature"`
	MaxOutputTokens  int     `json:"max_output_tokens"`
	ResponseMIMEType string  `json:"response_mime_type"`
}

// Transform builds a JSON-mode generation request.
func (a *GoogleAdapter) Transform(p *compiler.Packet) (*Request, error) {
	system := addSystemPrompt(p.Payload(), nodeDirectives)
	user := userPrompt(p)

	body, err := json.Marshal(googleBody{
		Model:            a.model,
		System:           system,
		Prompt:           user,
		Temperature:      defaultTemperature,
		MaxOutputTokens:  defaultMaxTokens,
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal google request: %w", err)
	}

	return &Request{
		AdapterID: a.ID(),
		PacketID:  p.ID(),
		Model:     a.model,
		System:    system,
		Prompt:    user,
		Body:      body,
	}, nil
}

// Execute runs GenerateContent and returns the response text as the body.
func (a *GoogleAdapter) Execute(ctx context.Context, req *Request) (*RawResponse, error) {
	temperature := float32(defaultTemperature)
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(req.System, genai.RoleUser),
		Temperature:       &temperature,
		MaxOutputTokens:   defaultMaxTokens,
		ResponseMIMEType:  "application/json",
	}
	contents := []*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}

	start := time.Now()
	resp, err := a.gen.GenerateContent(ctx, a.model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	logCall(a.ID(), a.model, 200, time.Since(start))

	return &RawResponse{AdapterID: a.ID(), Body: []byte(resp.Text())}, nil
}

// Recover decodes the generated text.
func (a *GoogleAdapter) Recover(raw *RawResponse) (*Result, error) {
	return RecoverText(string(raw.Body)), nil
}
