package adapter

import (
	"encoding/json"
	"regexp"
	"strings"
)

// ParseStrategy tries to decode structured data out of backend text.
type ParseStrategy struct {
	Name  string
	Parse func(text string) (any, bool)
}

// StrategyText names the fallback used when no strategy decodes the text.
const StrategyText = "text"

// DefaultStrategies are tried in order; the first success wins.
var DefaultStrategies = []ParseStrategy{
	{Name: "direct", Parse: parseDirect},
	{Name: "block", Parse: parseBlock},
	{Name: "trailing_comma", Parse: parseRepaired},
	{Name: "fenced", Parse: parseFenced},
}

var (
	trailingComma = regexp.MustCompile(`,\s*([}\]])`)
	fencedBlock   = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n?(.*?)```")
)

// RecoverText runs DefaultStrategies over text. When nothing decodes, the
// raw text is wrapped as {"text": ...}.
func RecoverText(text string) *Result {
	return RecoverWith(DefaultStrategies, text)
}

// RecoverWith runs the given strategies over text in order.
func RecoverWith(strategies []ParseStrategy, text string) *Result {
	for _, s := range strategies {
		if v, ok := s.Parse(text); ok {
			return &Result{Value: v, Strategy: s.Name}
		}
	}
	return &Result{Value: map[string]any{"text": text}, Strategy: StrategyText}
}

func decode(text string) (any, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, false
	}
	switch v.(type) {
	case map[string]any, []any:
		return v, true
	}
	return nil, false
}

func parseDirect(text string) (any, bool) {
	return decode(text)
}

// outermostBlock returns the span from the first opening brace or bracket
// to the last matching closer.
func outermostBlock(text string) (string, bool) {
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return "", false
	}
	closer := byte('}')
	if text[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(text, closer)
	if end <= start {
		return "", false
	}
	return text[start : end+1], true
}

func parseBlock(text string) (any, bool) {
	block, ok := outermostBlock(text)
	if !ok {
		return nil, false
	}
	return decode(block)
}

func parseRepaired(text string) (any, bool) {
	block, ok := outermostBlock(text)
	if !ok {
		block = text
	}
	return decode(trailingComma.ReplaceAllString(block, "$1"))
}

func parseFenced(text string) (any, bool) {
	for _, m := range fencedBlock.FindAllStringSubmatch(text, -1) {
		if v, ok := decode(m[1]); ok {
			return v, true
		}
		if v, ok := decode(trailingComma.ReplaceAllString(m[1], "$1")); ok {
			return v, true
		}
	}
	return nil, false
}
