// Package outline implements the node store: a forest of outline nodes with
// ordered children, typed metadata, and cached computed values.
package outline

import "github.com/google/uuid"

// ID identifies a node for the lifetime of the outline. IDs are never reused
// after deletion.
type ID string

// NewID returns a fresh node id.
func NewID() ID {
	return ID(uuid.NewString())
}

// State is the evaluation state of a node's cached computed value.
type State string

const (
	// StateClean means the computed value is consistent with current inputs.
	StateClean State = "clean"
	// StateDirty means an input changed and the value is stale.
	StateDirty State = "dirty"
	// StateEvaluating means the node's script is currently executing.
	StateEvaluating State = "evaluating"
	// StateCycleError means evaluation was aborted by a dependency cycle
	// through this node.
	StateCycleError State = "cycle_error"
	// StateScriptError means the script failed; the last-known-good computed
	// value, if any, is retained.
	StateScriptError State = "script_error"
)

// Node is a single outline entry.
//
// Parent is a non-owning back-reference; ownership runs top-down through
// Children. A node with an empty Parent is a root.
type Node struct {
	ID       ID
	Parent   ID
	Text     string
	Children []ID
	Meta     map[string]FieldValue

	// Computed is the cached script output; nil is the "no value" sentinel.
	Computed *FieldValue
	State    State
	// Version is the outline version at the node's last successful evaluation.
	Version uint64
	// EvalErr holds the last cycle or script failure message, empty when none.
	EvalErr string
}

func newNode(id ID, parent ID) *Node {
	return &Node{
		ID:     id,
		Parent: parent,
		Meta:   make(map[string]FieldValue),
		State:  StateDirty,
	}
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	c := *n
	c.Children = append([]ID(nil), n.Children...)
	c.Meta = make(map[string]FieldValue, len(n.Meta))
	for k, v := range n.Meta {
		c.Meta[k] = v
	}
	if n.Computed != nil {
		cv := *n.Computed
		c.Computed = &cv
	}
	return &c
}
