// Package sofer reads and writes the sofer outline interchange format.
//
// Each non-empty line is one node:
//
//	<id> <parent-id> <attrs> <content>
//
// The nil uuid (all zeros) as parent marks a root. attrs is a ';'-terminated
// list of typed attributes: k="v"; for strings, k=3.5; for numbers, k=T; or
// k=F; for booleans, k=&<id>; for node references. String values are Go
// quoted with spaces written as \x20, keeping the space-delimited attrs
// token free of literal spaces. Content runs to end of line. Sibling order
// is file order; output is written depth-first in sibling order, so a
// round-trip preserves structure and metadata exactly.
package sofer

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/starford/sofer/internal/outline"
)

// NilID is the parent marker for root nodes.
const NilID = "00000000-0000-0000-0000-000000000000"

// Parse builds an outline from sofer-format data.
func Parse(data []byte) (*outline.Outline, error) {
	type rawNode struct {
		id     outline.ID
		parent outline.ID
		node   *outline.Node
	}
	var raws []rawNode

	for i, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 4)
		if len(parts) < 4 {
			return nil, fmt.Errorf("line %d: want <id> <parent> <attrs> <content>", i+1)
		}
		id, err := parseID(parts[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: node id: %w", i+1, err)
		}
		parent, err := parseID(parts[1])
		if err != nil {
			return nil, fmt.Errorf("line %d: parent id: %w", i+1, err)
		}
		meta, err := parseAttrs(parts[2])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}

		n := &outline.Node{
			ID:    id,
			Text:  parts[3],
			Meta:  meta,
			State: outline.StateDirty,
		}
		if string(parent) != NilID {
			n.Parent = parent
		}
		raws = append(raws, rawNode{id: id, parent: n.Parent, node: n})
	}

	// Wire children in file order. A parent that never appears makes the
	// node a root, matching the original reader's behavior.
	byID := make(map[outline.ID]*outline.Node, len(raws))
	for _, r := range raws {
		if _, dup := byID[r.id]; dup {
			return nil, fmt.Errorf("duplicate node id %s", r.id)
		}
		byID[r.id] = r.node
	}
	for _, r := range raws {
		if r.parent == "" {
			continue
		}
		p, ok := byID[r.parent]
		if !ok {
			r.node.Parent = ""
			continue
		}
		p.Children = append(p.Children, r.id)
	}

	out := outline.New()
	for _, r := range raws {
		if err := out.Adopt(r.node); err != nil {
			return nil, err
		}
	}
	if err := out.Seal(); err != nil {
		return nil, err
	}
	return out, nil
}

// Write serializes an outline depth-first in sibling order, so the file
// order a reader wires children from reproduces the tree exactly.
func Write(out *outline.Outline) []byte {
	var b strings.Builder
	var emit func(id outline.ID)
	emit = func(id outline.ID) {
		n, err := out.Node(id)
		if err != nil {
			return
		}
		parent := NilID
		if n.Parent != "" {
			parent = string(n.Parent)
		}
		fmt.Fprintf(&b, "%s %s %s %s\n", n.ID, parent, formatAttrs(n.Meta), n.Text)
		for _, c := range n.Children {
			emit(c)
		}
	}
	for _, root := range out.Roots() {
		emit(root)
	}
	return []byte(b.String())
}

func parseID(s string) (outline.ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", err
	}
	return outline.ID(u.String()), nil
}

// parseAttrs decodes the ';'-terminated attribute list. An empty token means
// no attributes.
func parseAttrs(s string) (map[string]outline.FieldValue, error) {
	meta := make(map[string]outline.FieldValue)
	if s == "" {
		return meta, nil
	}
	for _, pair := range strings.Split(strings.TrimSuffix(s, ";"), ";") {
		if pair == "" {
			continue
		}
		eq := strings.Index(pair, "=")
		if eq <= 0 {
			return nil, fmt.Errorf("attribute %q: want key=value", pair)
		}
		key, raw := pair[:eq], pair[eq+1:]
		v, err := parseAttrValue(raw)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", key, err)
		}
		meta[key] = v
	}
	return meta, nil
}

func parseAttrValue(raw string) (outline.FieldValue, error) {
	switch {
	case raw == "":
		return outline.FieldValue{}, fmt.Errorf("empty value")
	case raw == "T":
		return outline.Bool(true), nil
	case raw == "F":
		return outline.Bool(false), nil
	case strings.HasPrefix(raw, `"`):
		s, err := strconv.Unquote(raw)
		if err != nil {
			return outline.FieldValue{}, fmt.Errorf("string: %w", err)
		}
		return outline.String(s), nil
	case strings.HasPrefix(raw, "&"):
		id, err := parseID(raw[1:])
		if err != nil {
			return outline.FieldValue{}, fmt.Errorf("reference: %w", err)
		}
		return outline.Ref(id), nil
	default:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return outline.FieldValue{}, fmt.Errorf("number %q: %w", raw, err)
		}
		return outline.Number(f), nil
	}
}

func formatAttrs(meta map[string]outline.FieldValue) string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v := meta[k]
		switch v.Type {
		case outline.TypeString:
			fmt.Fprintf(&b, "%s=%s;", k, quoteAttr(v.Str))
		case outline.TypeNumber:
			fmt.Fprintf(&b, "%s=%s;", k, strconv.FormatFloat(v.Num, 'g', -1, 64))
		case outline.TypeBool:
			if v.Bool {
				fmt.Fprintf(&b, "%s=T;", k)
			} else {
				fmt.Fprintf(&b, "%s=F;", k)
			}
		case outline.TypeRef:
			fmt.Fprintf(&b, "%s=&%s;", k, v.Ref)
		}
	}
	return b.String()
}

// quoteAttr quotes a string value for the attrs token. Go quoting escapes
// every whitespace character except the plain space, which would split the
// token, so spaces are written as \x20 (an escape Unquote already accepts).
func quoteAttr(s string) string {
	return strings.ReplaceAll(strconv.Quote(s), " ", `\x20`)
}
