// Package script defines the sandbox contract for node scripts and provides
// the Lua reference engine.
//
// A script is embedded in node text after the '@' marker. Parsing yields the
// declared read set and an engine-specific executable form without running
// the body; execution is a pure function of the supplied input snapshot and
// expresses writes only as returned mutation requests.
package script

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/starford/sofer/internal/outline"
)

// Marker separates literal node text from the embedded script.
const Marker = "@"

// SelectorKind classifies a declared read.
type SelectorKind string

const (
	// SelectChildren declares a read of all current children of the node.
	SelectChildren SelectorKind = "children"
	// SelectDescendants declares a read of the node's whole subtree.
	SelectDescendants SelectorKind = "descendants"
	// SelectNode declares a read of one specific node by id.
	SelectNode SelectorKind = "node"
)

// ReadSelector is one declared read shape. Selectors are resolved against the
// tree to concrete node ids by the evaluator, and re-resolved whenever the
// structure changes.
type ReadSelector struct {
	Kind SelectorKind
	Node outline.ID // set for SelectNode
}

// ParseSelector parses a selector token: "children", "descendants" or
// "node:<id>".
func ParseSelector(tok string) (ReadSelector, error) {
	switch {
	case tok == string(SelectChildren):
		return ReadSelector{Kind: SelectChildren}, nil
	case tok == string(SelectDescendants):
		return ReadSelector{Kind: SelectDescendants}, nil
	case strings.HasPrefix(tok, "node:"):
		id := strings.TrimPrefix(tok, "node:")
		if id == "" {
			return ReadSelector{}, fmt.Errorf("empty node selector")
		}
		return ReadSelector{Kind: SelectNode, Node: outline.ID(id)}, nil
	}
	return ReadSelector{}, fmt.Errorf("unknown read selector %q", tok)
}

// Form is the engine-specific compiled representation of a script body.
type Form interface{}

// Parsed is the outcome of parsing a node's text.
type Parsed struct {
	// Prefix is the literal text before the script marker.
	Prefix string
	// Source is the raw script body after the marker.
	Source string
	// Reads is the declared read set.
	Reads []ReadSelector
	// Form is the compiled body, opaque to everything but its engine.
	Form Form
}

// Input is the read-only view of one node inside the execution snapshot.
type Input struct {
	ID       outline.ID
	Text     string
	Computed *outline.FieldValue
	Meta     map[string]outline.FieldValue
}

// Snapshot is the full set of inputs for one execution. Children are the
// declared child reads in sibling order; Nodes is every declared read sorted
// by id. Self's computed value is never included (a script reading its own
// output is a cycle, handled by the evaluator).
type Snapshot struct {
	Self     Input
	Children []Input
	Nodes    []Input
}

// MutationKind classifies a mutation request.
type MutationKind string

const (
	MutateSetText     MutationKind = "set_text"
	MutateSetField    MutationKind = "set_field"
	MutateRemoveField MutationKind = "remove_field"
)

// Mutation is a proposed node store write emitted by a script, applied after
// execution by the evaluator.
type Mutation struct {
	Kind  MutationKind
	Node  outline.ID
	Text  string
	Key   string
	Value outline.FieldValue
}

// ErrorKind classifies script failures. All of them are node-local.
type ErrorKind string

const (
	KindParse   ErrorKind = "parse"
	KindTimeout ErrorKind = "timeout"
	KindRuntime ErrorKind = "runtime"
)

// Error is a script failure with its kind.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("script %s error: %s", e.Kind, e.Msg)
}

// AsError extracts a script *Error from err, if any.
func AsError(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// Engine is the protocol a script evaluator must satisfy. The engine is
// stateless; each Execute runs in a fresh sandbox.
type Engine interface {
	// Parse extracts the script from node text. A text without the marker
	// parses to (nil, nil): no script, literal text value. Malformed script
	// syntax yields an Error of KindParse.
	Parse(text string) (*Parsed, error)

	// Execute runs the compiled body against the snapshot. The context bounds
	// wall-clock time; exceeding it yields an Error of KindTimeout. A nil
	// returned value is the "no value" sentinel.
	Execute(ctx context.Context, p *Parsed, snap Snapshot) (*outline.FieldValue, []Mutation, error)
}
