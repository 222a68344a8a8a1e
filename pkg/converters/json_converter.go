// Package converters normalizes analysis artifacts. An artifact is stored either in the
// direct shape
//
//	{"categories": [{"name": ..., "confidence": ..., "content": ...}]}
//
// or wrapped in a chat-completion envelope
//
//	{"choices": [{"message": {"content": "<direct shape, possibly fenced>"}}]}
//
// and both are reduced to a PageResult before any downstream logic looks at them.
package converters

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformed means the bytes are not a JSON object.
	ErrMalformed = errors.New("malformed analysis json")
	// ErrNoCategories means neither shape carried a categories list.
	ErrNoCategories = errors.New("analysis json has no categories")
)

// Format tells which shape an artifact was stored in.
type Format string

const (
	FormatDirect   Format = "direct"
	FormatEnvelope Format = "envelope"
)

// Category is one classified block of a page.
type Category struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
	Content    any     `json:"content"`
}

// PageResult is the normalized view of one page artifact.
type PageResult struct {
	Format     Format          `json:"format"`
	Categories []Category      `json:"categories"`
	Content    json.RawMessage `json:"content_json,omitempty"`
}

type direct struct {
	Categories *[]json.RawMessage `json:"categories"`
}

type envelope struct {
	Choices []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// ParsePage accepts either shape and returns the normalized result. Category entries
// without a usable name are skipped.
func ParsePage(data []byte) (*PageResult, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, ErrMalformed
	}

	var d direct
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if d.Categories != nil {
		return &PageResult{Format: FormatDirect, Categories: decodeCategories(*d.Categories)}, nil
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	for _, choice := range env.Choices {
		inner, err := contentBytes(choice.Message.Content)
		if err != nil {
			continue
		}
		var d direct
		if err := json.Unmarshal(inner, &d); err != nil || d.Categories == nil {
			continue
		}
		return &PageResult{
			Format:     FormatEnvelope,
			Categories: decodeCategories(*d.Categories),
			Content:    json.RawMessage(inner),
		}, nil
	}
	return nil, ErrNoCategories
}

// Names returns the normalized category names of the page.
func (p *PageResult) Names() []string {
	names := make([]string, 0, len(p.Categories))
	for _, c := range p.Categories {
		names = append(names, strings.ToLower(strings.TrimSpace(c.Name)))
	}
	return names
}

// MatchesAny reports whether the page carries any of the wanted categories, compared
// case-insensitively. An empty filter matches every page.
func (p *PageResult) MatchesAny(wanted []string) bool {
	if len(wanted) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(p.Categories))
	for _, n := range p.Names() {
		have[n] = struct{}{}
	}
	for _, w := range wanted {
		if _, ok := have[strings.ToLower(strings.TrimSpace(w))]; ok {
			return true
		}
	}
	return false
}

// NormalizeName turns a display name into the key used for aggregated artifacts,
// e.g. "Financial Highlights" -> "financial_highlights".
func NormalizeName(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
}

// StripFence removes a surrounding markdown code fence, with or without a language tag.
func StripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.HasPrefix(strings.TrimSpace(s[:nl]), "{") {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// WrapEnvelope stores model output that arrived as plain text in the envelope shape so
// every artifact on disk stays in one of the two accepted forms.
func WrapEnvelope(content string) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	type choice struct {
		Index   int     `json:"index"`
		Message message `json:"message"`
	}
	return json.Marshal(map[string]any{
		"choices": []choice{{Message: message{Role: "assistant", Content: content}}},
	})
}

func contentBytes(raw json.RawMessage) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, ErrNoCategories
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []byte(StripFence(s)), nil
	case '{':
		return raw, nil
	default:
		return nil, ErrNoCategories
	}
}

// Indent pretty-prints an artifact for storage. Bytes that are not valid JSON are
// returned unchanged.
func Indent(raw []byte) []byte {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return raw
	}
	return buf.Bytes()
}

func decodeCategories(items []json.RawMessage) []Category {
	out := make([]Category, 0, len(items))
	for _, item := range items {
		var c Category
		if err := json.Unmarshal(item, &c); err != nil {
			continue
		}
		c.Name = strings.TrimSpace(c.Name)
		if c.Name == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}
