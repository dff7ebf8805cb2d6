// Package content handles task descriptions stored as Tiptap JSON documents.
package content

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/bytedance/sonic"

	"prism-board/domain"
)

var (
	ErrNotDoc      = errors.New("content must be a Tiptap document with type \"doc\"")
	ErrUnsupported = errors.New("content must be a string or a Tiptap document")
)

// codec sorts map keys so that equal documents encode to equal bytes.
var codec = sonic.ConfigStd

type node = map[string]any

// Processor implements domain.Content.
type Processor struct{}

func New() Processor { return Processor{} }

// Normalize turns a JSON string into a document with one paragraph per line,
// validates an existing document and returns nil for empty content.
func (Processor) Normalize(raw json.RawMessage) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	switch raw[0] {
	case '"':
		var text string
		if err := codec.Unmarshal(raw, &text); err != nil {
			return nil, err
		}
		doc := FromText(text)
		if doc == nil {
			return nil, nil
		}
		return codec.Marshal(doc)
	case '{':
		var doc node
		if err := codec.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}
		if doc["type"] != "doc" {
			return nil, ErrNotDoc
		}
		if len(children(doc)) == 0 || strings.TrimSpace(plainText(doc)) == "" {
			return nil, nil
		}
		return codec.Marshal(doc)
	}
	return nil, ErrUnsupported
}

// FromText builds a document from plain text. Blank lines become empty paragraphs.
func FromText(text string) node {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var paragraphs []any
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			paragraphs = append(paragraphs, node{"type": "paragraph"})
			continue
		}
		paragraphs = append(paragraphs, node{
			"type":    "paragraph",
			"content": []any{node{"type": "text", "text": line}},
		})
	}
	return node{"type": "doc", "content": paragraphs}
}

// PlainText projects a document to searchable text.
func (Processor) PlainText(doc json.RawMessage) string {
	n, ok := decode(doc)
	if !ok {
		return ""
	}
	return plainText(n)
}

func plainText(doc node) string {
	var parts []string
	walk(doc, func(n node) {
		switch n["type"] {
		case "text":
			if s, _ := n["text"].(string); s != "" {
				parts = append(parts, s)
			}
		case "mention":
			if label := attr(n, "label"); label != "" {
				parts = append(parts, "@"+label)
			}
		case "hardBreak":
			parts = append(parts, "\n")
		}
	})
	return strings.TrimSpace(strings.Join(parts, " "))
}

// Mentions returns mention nodes in document order, limited to kinds when given.
func (Processor) Mentions(doc json.RawMessage, kinds ...domain.MemberKind) []domain.MemberRef {
	n, ok := decode(doc)
	if !ok {
		return nil
	}
	want := map[string]bool{}
	for _, k := range kinds {
		want[string(k)] = true
	}
	var out []domain.MemberRef
	walk(n, func(n node) {
		if n["type"] != "mention" {
			return
		}
		kind, id := attr(n, "entityType"), attr(n, "id")
		if id == "" || (len(want) > 0 && !want[kind]) {
			return
		}
		out = append(out, domain.MemberRef{Kind: domain.MemberKind(kind), ID: id, Name: attr(n, "label")})
	})
	return out
}

func decode(doc json.RawMessage) (node, bool) {
	if len(doc) == 0 {
		return nil, false
	}
	var n node
	if err := codec.Unmarshal(doc, &n); err != nil {
		return nil, false
	}
	return n, true
}

func walk(n node, visit func(node)) {
	visit(n)
	for _, c := range children(n) {
		if child, ok := c.(node); ok {
			walk(child, visit)
		}
	}
}

func children(n node) []any {
	c, _ := n["content"].([]any)
	return c
}

func attr(n node, key string) string {
	attrs, _ := n["attrs"].(node)
	s, _ := attrs[key].(string)
	return s
}
