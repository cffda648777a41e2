package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/ocx/dccp/internal/compiler"
	"github.com/ocx/dccp/internal/config"
	"github.com/ocx/dccp/internal/core"
)

func testPacket(t *testing.T) *compiler.Packet {
	t.Helper()
	p, err := compiler.Compile("build a login form", core.TierMid, "src/login.ts", core.ZoneStaging)
	require.NoError(t, err)
	return p
}

func TestRecoverText_Strategies(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		strategy string
	}{
		{"direct object", `{"a": 1}`, "direct"},
		{"direct array", `[1, 2]`, "direct"},
		{"prose around block", `Sure! {"a": 1} hope that helps`, "block"},
		{"trailing comma", `{"a": 1,}`, "trailing_comma"},
		{"fenced inside noise", "note {bad\n```json\n{\"a\": 1}\n```\n}", "fenced"},
		{"plain text", "hello there", StrategyText},
		{"scalar json", "42", StrategyText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := RecoverText(tt.input)
			assert.Equal(t, tt.strategy, res.Strategy)
		})
	}
}

func TestRecoverText_TextFallbackKeepsRaw(t *testing.T) {
	res := RecoverText("just words")
	assert.Equal(t, map[string]any{"text": "just words"}, res.Value)
	assert.True(t, res.Structured())
	assert.Equal(t, "", res.Content())
}

func TestResult_Content(t *testing.T) {
	str := &Result{Value: map[string]any{"content": "export const x = 1;"}}
	assert.Equal(t, "export const x = 1;", str.Content())

	nested := &Result{Value: map[string]any{"content": map[string]any{"x": float64(1)}}}
	assert.Equal(t, "{\n  \"x\": 1\n}", nested.Content())

	arr := &Result{Value: []any{"a"}}
	assert.Equal(t, "", arr.Content())
	assert.Nil(t, arr.Keys())

	keys := &Result{Value: map[string]any{"b": 1, "a": 2}}
	assert.Equal(t, []string{"a", "b"}, keys.Keys())
	assert.Equal(t, `{"a":2,"b":1}`, keys.Serialize())
}

func TestSet_Ordering(t *testing.T) {
	openai := NewOpenAIAdapter(OpenAIConfig{APIKey: "k"})
	anthropic := NewAnthropicAdapter(AnthropicConfig{APIKey: "k"})
	set := NewSet(anthropic, openai)

	assert.Equal(t, []string{IDAnthropic, IDOpenAI}, set.IDs())
	first, ok := set.First()
	require.True(t, ok)
	assert.Equal(t, IDAnthropic, first.ID())

	set.Register(NewAnthropicAdapter(AnthropicConfig{APIKey: "other"}))
	assert.Equal(t, []string{IDAnthropic, IDOpenAI}, set.IDs(), "re-register keeps position")
	assert.Equal(t, 2, set.Len())

	a, ok := set.ForProvider(core.ProviderOpenAI)
	require.True(t, ok)
	assert.Equal(t, IDOpenAI, a.ID())

	_, ok = set.Get(IDArena)
	assert.False(t, ok)

	_, ok = NewSet().First()
	assert.False(t, ok)
}

func TestOpenAI_TransformExecuteRecover(t *testing.T) {
	var gotAuth string
	var gotBody openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"{\"content\":\"hi\"}"}}]}`)
	}))
	defer srv.Close()

	a := NewOpenAIAdapter(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/"})
	p := testPacket(t)

	req, err := a.Transform(p)
	require.NoError(t, err)
	assert.Equal(t, IDOpenAI, req.AdapterID)
	assert.Equal(t, p.ID(), req.PacketID)
	assert.Contains(t, req.Prompt, p.Fingerprint())
	assert.Contains(t, req.Prompt, compiler.ConstraintStrictJSON)
	assert.Contains(t, req.System, "# SYSTEM DIRECTIVES")

	raw, err := a.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "json_object", gotBody.ResponseFormat["type"])
	assert.Equal(t, defaultOpenAIModel, gotBody.Model)
	require.Len(t, gotBody.Messages, 2)

	res, err := a.Recover(raw)
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Content())
	assert.Equal(t, "direct", res.Strategy)
}

func TestOpenAI_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, "rate limited")
	}))
	defer srv.Close()

	a := NewOpenAIAdapter(OpenAIConfig{APIKey: "k", BaseURL: srv.URL})
	req, err := a.Transform(testPacket(t))
	require.NoError(t, err)

	_, err = a.Execute(context.Background(), req)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
	assert.Equal(t, "rate limited", se.Body)
}

func TestOpenAI_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["stream"])
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		_, _ = io.WriteString(w, ": keep-alive\n\n")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ignored\"}}]}\n\n")
	}))
	defer srv.Close()

	a := NewOpenAIAdapter(OpenAIConfig{APIKey: "k", BaseURL: srv.URL})
	req, err := a.Transform(testPacket(t))
	require.NoError(t, err)

	var chunks []string
	err = a.Stream(context.Background(), req, func(c string) error {
		chunks = append(chunks, c)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, chunks)
}

func TestOpenAI_Models(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/models", r.URL.Path)
		_, _ = io.WriteString(w, `{"data":[{"id":"gpt-4o"},{"id":"gpt-4o-mini"}]}`)
	}))
	defer srv.Close()

	a := NewOpenAIAdapter(OpenAIConfig{APIKey: "k", BaseURL: srv.URL})
	models, err := a.Models(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"gpt-4o", "gpt-4o-mini"}, models)
}

func TestAnthropic_ExecuteRecover(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "ak-test", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))

		var body anthropicRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, defaultMaxTokens, body.MaxTokens)
		assert.Contains(t, body.System, "# CONSTRAINTS (MANDATORY)")

		_, _ = io.WriteString(w, `{"content":[{"type":"tool_use","text":""},{"type":"text","text":"Here: {\"content\":\"done\"}"}]}`)
	}))
	defer srv.Close()

	a := NewAnthropicAdapter(AnthropicConfig{APIKey: "ak-test", BaseURL: srv.URL})
	req, err := a.Transform(testPacket(t))
	require.NoError(t, err)

	raw, err := a.Execute(context.Background(), req)
	require.NoError(t, err)
	res, err := a.Recover(raw)
	require.NoError(t, err)
	assert.Equal(t, "done", res.Content())
	assert.Equal(t, "block", res.Strategy)
}

func TestAnthropic_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "event: content_block_delta\n")
		_, _ = io.WriteString(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"a\"}}\n\n")
		_, _ = io.WriteString(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"b\"}}\n\n")
		_, _ = io.WriteString(w, "data: {\"type\":\"message_stop\"}\n\n")
	}))
	defer srv.Close()

	a := NewAnthropicAdapter(AnthropicConfig{APIKey: "k", BaseURL: srv.URL})
	req, err := a.Transform(testPacket(t))
	require.NoError(t, err)

	var got strings.Builder
	require.NoError(t, a.Stream(context.Background(), req, func(c string) error {
		got.WriteString(c)
		return nil
	}))
	assert.Equal(t, "ab", got.String())
}

type fakeGenerator struct {
	model    string
	config   *genai.GenerateContentConfig
	contents []*genai.Content
	text     string
	err      error
}

func (f *fakeGenerator) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.model, f.contents, f.config = model, contents, config
	if f.err != nil {
		return nil, f.err
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: f.text}}},
		}},
	}, nil
}

func TestGoogle_ExecuteRecover(t *testing.T) {
	gen := &fakeGenerator{text: `{"content":"gemini says hi"}`}
	a := newGoogleAdapter("", gen)

	req, err := a.Transform(testPacket(t))
	require.NoError(t, err)
	assert.Equal(t, defaultGoogleModel, req.Model)

	raw, err := a.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, defaultGoogleModel, gen.model)
	assert.Equal(t, "application/json", gen.config.ResponseMIMEType)
	require.Len(t, gen.contents, 1)

	res, err := a.Recover(raw)
	require.NoError(t, err)
	assert.Equal(t, "gemini says hi", res.Content())
}

func TestGoogle_ExecuteError(t *testing.T) {
	a := newGoogleAdapter("gemini-pro", &fakeGenerator{err: errors.New("quota")})
	req, err := a.Transform(testPacket(t))
	require.NoError(t, err)

	_, err = a.Execute(context.Background(), req)
	assert.ErrorContains(t, err, "quota")
}

type fakeDriver struct {
	prompt  string
	replies []string
	err     error
}

func (f *fakeDriver) Exchange(ctx context.Context, prompt string) ([]string, error) {
	f.prompt = prompt
	return f.replies, f.err
}

func TestGhost_Transform(t *testing.T) {
	a := NewGhostAdapter(&fakeDriver{})
	p := testPacket(t)

	req, err := a.Transform(p)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(req.Prompt, envelopeStart))
	assert.True(t, strings.HasSuffix(req.Prompt, envelopeEnd))
	assert.Contains(t, req.Prompt, "# ARENA MISSION")
	assert.Contains(t, req.Prompt, p.ID())
}

func TestGhost_Consensus(t *testing.T) {
	driver := &fakeDriver{replies: []string{
		"stale reply",
		`{"content": "same"}`,
		"```json\n{\"content\": \"same\"}\n```",
	}}
	a := NewGhostAdapter(driver)
	req, err := a.Transform(testPacket(t))
	require.NoError(t, err)

	raw, err := a.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, req.Prompt, driver.prompt)

	var env ghostEnvelope
	require.NoError(t, json.Unmarshal(raw.Body, &env))
	assert.Equal(t, ConsensusReached, env.Status)
	assert.Len(t, env.Replies, 2)

	res, err := a.Recover(raw)
	require.NoError(t, err)
	assert.Equal(t, "same", res.Content())
}

func TestGhost_SplitDecision(t *testing.T) {
	a := NewGhostAdapter(&fakeDriver{replies: []string{`{"content":"a"}`, `{"content":"b"}`}})
	req, err := a.Transform(testPacket(t))
	require.NoError(t, err)

	raw, err := a.Execute(context.Background(), req)
	require.NoError(t, err)
	res, err := a.Recover(raw)
	require.NoError(t, err)
	assert.Equal(t, "{\"content\":\"b\"}", res.Content())
	assert.Contains(t, res.Keys(), "status")
}

func TestGhost_NoReplies(t *testing.T) {
	a := NewGhostAdapter(&fakeDriver{})
	_, err := a.Execute(context.Background(), &Request{Prompt: "x"})
	assert.Error(t, err)

	a = NewGhostAdapter(&fakeDriver{err: errors.New("browser gone")})
	_, err = a.Execute(context.Background(), &Request{Prompt: "x"})
	assert.ErrorContains(t, err, "browser gone")
}

func TestFromConfig_SkipsPlaceholderKeys(t *testing.T) {
	set, closer, err := FromConfig(context.Background(), config.AdaptersConfig{
		OpenAI:    config.ProviderConfig{APIKey: "sk-real"},
		Anthropic: config.ProviderConfig{APIKey: "your-anthropic-api-key"},
	})
	require.NoError(t, err)
	defer closer.Close()

	assert.Equal(t, []string{IDOpenAI}, set.IDs())
}

func TestFromConfig_Empty(t *testing.T) {
	set, closer, err := FromConfig(context.Background(), config.AdaptersConfig{})
	require.NoError(t, err)
	assert.NoError(t, closer.Close())
	assert.Equal(t, 0, set.Len())
}
