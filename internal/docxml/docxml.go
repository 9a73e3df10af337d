// Package docxml implements the tag-tree document format used for every
// persisted artifact the daemon writes or reads: leases, address requests,
// policies, and structured RPC error documents.
//
// The format is a tree of elements, each with a tag name, an ordered set of
// string attributes, optional character data, and ordered child elements.
// No third-party library in the example pack supports an arbitrary
// attributes-plus-character-data tag tree — candidates considered were
// howett.net/plist (rejected: its value model is typed dict/array/
// string/int/real/data with no notion of element attributes) and
// encoding/json (rejected: objects have no ordered children or attribute/
// text distinction). encoding/xml's Token-based API matches the document
// model exactly, so it is used directly here rather than reached for
// reluctantly.
package docxml

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Node is one element in a tag-tree document.
type Node struct {
	Tag      string
	Attrs    map[string]string
	Text     string
	Children []*Node
}

// NewNode creates a Node with an initialized attribute map.
func NewNode(tag string) *Node {
	return &Node{Tag: tag, Attrs: make(map[string]string)}
}

// SetAttr sets an attribute, returning the Node for chaining.
func (n *Node) SetAttr(key, value string) *Node {
	if n.Attrs == nil {
		n.Attrs = make(map[string]string)
	}
	n.Attrs[key] = value
	return n
}

// AddChild appends a child element, returning the child for chaining.
func (n *Node) AddChild(tag string) *Node {
	c := NewNode(tag)
	n.Children = append(n.Children, c)
	return c
}

// Find returns the first direct child with the given tag, or nil.
func (n *Node) Find(tag string) *Node {
	for _, c := range n.Children {
		if c.Tag == tag {
			return c
		}
	}
	return nil
}

// FindAll returns every direct child with the given tag.
func (n *Node) FindAll(tag string) []*Node {
	var out []*Node
	for _, c := range n.Children {
		if c.Tag == tag {
			out = append(out, c)
		}
	}
	return out
}

// Marshal renders the document rooted at n as indented XML.
func Marshal(n *Node) ([]byte, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := encodeNode(enc, n); err != nil {
		return nil, fmt.Errorf("docxml: marshal: %w", err)
	}
	if err := enc.Flush(); err != nil {
		return nil, fmt.Errorf("docxml: marshal: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeNode(enc *xml.Encoder, n *Node) error {
	attrs := make([]xml.Attr, 0, len(n.Attrs))
	keys := make([]string, 0, len(n.Attrs))
	for k := range n.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys) // deterministic output for reproducible writes/diffs
	for _, k := range keys {
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: k}, Value: n.Attrs[k]})
	}

	start := xml.StartElement{Name: xml.Name{Local: n.Tag}, Attr: attrs}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if n.Text != "" {
		if err := enc.EncodeToken(xml.CharData(n.Text)); err != nil {
			return err
		}
	}
	for _, c := range n.Children {
		if err := encodeNode(enc, c); err != nil {
			return err
		}
	}
	return enc.EncodeToken(xml.EndElement{Name: start.Name})
}

// Unmarshal parses a tag-tree document. A truncated or structurally invalid
// document (as produced by a crash mid-write to a file not written through
// the lease store's atomic rename-based writer) returns an error; callers
// persisting leases
// and requests must treat that as "discard, do not trust partial state."
func Unmarshal(data []byte) (*Node, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))

	var stack []*Node
	var root *Node

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("docxml: unmarshal: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			n := NewNode(t.Name.Local)
			for _, a := range t.Attr {
				n.SetAttr(a.Name.Local, a.Value)
			}
			if len(stack) > 0 {
				top := stack[len(stack)-1]
				top.Children = append(top.Children, n)
			} else {
				root = n
			}
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) == 0 {
				return nil, fmt.Errorf("docxml: unmarshal: unbalanced end element %q", t.Name.Local)
			}
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if text := string(t); len(stack) > 0 && strings.TrimSpace(text) != "" {
				top := stack[len(stack)-1]
				top.Text += text
			}
		}
	}

	if len(stack) != 0 {
		return nil, fmt.Errorf("docxml: unmarshal: truncated document, %d element(s) unclosed", len(stack))
	}
	if root == nil {
		return nil, fmt.Errorf("docxml: unmarshal: empty document")
	}
	return root, nil
}

// Query resolves a slash-separated path of tag names against n, returning
// every matching descendant at that path depth. It supports only the
// literal subset of XPath the CLI's `xpath` subcommand needs — plain child
// steps, no predicates or wildcards — which is sufficient for addressing
// into the daemon's own documents.
func Query(n *Node, path string) []*Node {
	steps := strings.Split(strings.Trim(path, "/"), "/")
	current := []*Node{n}
	for _, step := range steps {
		if step == "" {
			continue
		}
		var next []*Node
		for _, c := range current {
			next = append(next, c.FindAll(step)...)
		}
		current = next
	}
	return current
}
