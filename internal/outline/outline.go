package outline

import (
	"fmt"
	"sort"

	"github.com/starford/sofer/internal/apperr"
)

// Outline is the root collection: a forest of nodes plus the id table.
//
// The outline exclusively owns all nodes. It is not safe for concurrent use;
// callers serialize access (see the engine's mutation queue).
type Outline struct {
	nodes   map[ID]*Node
	roots   []ID
	deleted map[ID]struct{}
	version uint64
}

// New returns an empty outline.
func New() *Outline {
	return &Outline{
		nodes:   make(map[ID]*Node),
		deleted: make(map[ID]struct{}),
	}
}

// Version is the current write version. It increments on every mutation.
func (o *Outline) Version() uint64 { return o.version }

// Len returns the number of live nodes.
func (o *Outline) Len() int { return len(o.nodes) }

// Roots returns the root node ids in order.
func (o *Outline) Roots() []ID {
	return append([]ID(nil), o.roots...)
}

// Node returns the node with the given id. The returned pointer is owned by
// the outline; callers that escape it must Clone.
func (o *Outline) Node(id ID) (*Node, error) {
	n, ok := o.nodes[id]
	if !ok {
		if _, was := o.deleted[id]; was {
			return nil, fmt.Errorf("node %s: %w", id, apperr.ErrStaleRef)
		}
		return nil, fmt.Errorf("node %s: %w", id, apperr.ErrNotFound)
	}
	return n, nil
}

// Has reports whether id names a live node.
func (o *Outline) Has(id ID) bool {
	_, ok := o.nodes[id]
	return ok
}

// WasDeleted reports whether id belonged to a node that has been removed.
func (o *Outline) WasDeleted(id ID) bool {
	_, ok := o.deleted[id]
	return ok
}

// IDs returns all live node ids sorted.
func (o *Outline) IDs() []ID {
	out := make([]ID, 0, len(o.nodes))
	for id := range o.nodes {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Children returns the ordered child ids of a node.
func (o *Outline) Children(id ID) ([]ID, error) {
	n, err := o.Node(id)
	if err != nil {
		return nil, err
	}
	return append([]ID(nil), n.Children...), nil
}

// Subtree returns id and all its descendants in depth-first order.
func (o *Outline) Subtree(id ID) ([]ID, error) {
	if _, err := o.Node(id); err != nil {
		return nil, err
	}
	var out []ID
	var walk func(ID)
	walk = func(cur ID) {
		out = append(out, cur)
		for _, c := range o.nodes[cur].Children {
			walk(c)
		}
	}
	walk(id)
	return out, nil
}

// Create adds a new empty node under parent at the given sibling position.
// An empty parent creates a root. Position is clamped to the sibling range.
func (o *Outline) Create(parent ID, pos int) (*Node, error) {
	if parent != "" {
		if _, err := o.Node(parent); err != nil {
			return nil, err
		}
	}
	n := newNode(NewID(), parent)
	o.nodes[n.ID] = n
	if parent == "" {
		o.roots = insertAt(o.roots, n.ID, pos)
	} else {
		p := o.nodes[parent]
		p.Children = insertAt(p.Children, n.ID, pos)
	}
	o.version++
	return n, nil
}

// Delete removes a node and its entire subtree. It returns the removed ids;
// those ids are invalidated for future reference.
func (o *Outline) Delete(id ID) ([]ID, error) {
	removed, err := o.Subtree(id)
	if err != nil {
		return nil, err
	}
	n := o.nodes[id]
	if n.Parent == "" {
		o.roots = removeID(o.roots, id)
	} else if p, ok := o.nodes[n.Parent]; ok {
		p.Children = removeID(p.Children, id)
	}
	for _, rid := range removed {
		delete(o.nodes, rid)
		o.deleted[rid] = struct{}{}
	}
	o.version++
	return removed, nil
}

// Move reparents a node to newParent at the given sibling position. Moving a
// node under its own descendant would create a tree cycle and is rejected.
// An empty newParent makes the node a root.
func (o *Outline) Move(id, newParent ID, pos int) error {
	n, err := o.Node(id)
	if err != nil {
		return err
	}
	if newParent != "" {
		if _, err := o.Node(newParent); err != nil {
			return err
		}
		if Reachable(id, newParent, o.childEdges) {
			return fmt.Errorf("move %s under %s: %w", id, newParent, apperr.ErrCycleRejected)
		}
	}

	if n.Parent == "" {
		o.roots = removeID(o.roots, id)
	} else {
		o.nodes[n.Parent].Children = removeID(o.nodes[n.Parent].Children, id)
	}
	n.Parent = newParent
	if newParent == "" {
		o.roots = insertAt(o.roots, id, pos)
	} else {
		p := o.nodes[newParent]
		p.Children = insertAt(p.Children, id, pos)
	}
	n.State = StateDirty
	o.version++
	return nil
}

// SetText replaces a node's text and marks it dirty.
func (o *Outline) SetText(id ID, text string) error {
	n, err := o.Node(id)
	if err != nil {
		return err
	}
	n.Text = text
	n.State = StateDirty
	o.version++
	return nil
}

// SetField sets a metadata field and marks the node dirty.
func (o *Outline) SetField(id ID, key string, v FieldValue) error {
	n, err := o.Node(id)
	if err != nil {
		return err
	}
	n.Meta[key] = v
	n.State = StateDirty
	o.version++
	return nil
}

// RemoveField deletes a metadata field and marks the node dirty. Removing an
// absent field is a no-op.
func (o *Outline) RemoveField(id ID, key string) error {
	n, err := o.Node(id)
	if err != nil {
		return err
	}
	if _, ok := n.Meta[key]; !ok {
		return nil
	}
	delete(n.Meta, key)
	n.State = StateDirty
	o.version++
	return nil
}

// SetComputed records a successful evaluation result.
func (o *Outline) SetComputed(id ID, v *FieldValue) error {
	n, err := o.Node(id)
	if err != nil {
		return err
	}
	n.Computed = v
	n.State = StateClean
	n.Version = o.version
	n.EvalErr = ""
	return nil
}

// SetState moves a node to the given evaluation state without touching its
// cached value. errMsg describes cycle or script failures.
func (o *Outline) SetState(id ID, s State, errMsg string) error {
	n, err := o.Node(id)
	if err != nil {
		return err
	}
	n.State = s
	n.EvalErr = errMsg
	return nil
}

// Adopt inserts a pre-built node with its existing id. Used by loaders;
// parent/children wiring is the loader's responsibility, finished by Seal.
func (o *Outline) Adopt(n *Node) error {
	if n.ID == "" {
		return fmt.Errorf("adopt: empty id")
	}
	if _, exists := o.nodes[n.ID]; exists {
		return fmt.Errorf("adopt %s: duplicate id", n.ID)
	}
	if n.Meta == nil {
		n.Meta = make(map[string]FieldValue)
	}
	if n.State == "" {
		n.State = StateDirty
	}
	o.nodes[n.ID] = n
	if n.Parent == "" {
		o.roots = append(o.roots, n.ID)
	}
	return nil
}

// Seal validates an adopted forest: every child link must resolve and the
// parent/children relation must form a tree.
func (o *Outline) Seal() error {
	for id, n := range o.nodes {
		for _, c := range n.Children {
			child, ok := o.nodes[c]
			if !ok {
				return fmt.Errorf("node %s: child %s: %w", id, c, apperr.ErrNotFound)
			}
			if child.Parent != id {
				return fmt.Errorf("node %s: child %s has parent %s", id, c, child.Parent)
			}
		}
	}
	for _, root := range o.roots {
		if w := CycleFrom(root, o.childEdges); w != nil {
			return fmt.Errorf("tree cycle through %s: %w", w[0], apperr.ErrCycleRejected)
		}
	}
	o.version++
	return nil
}

// Clone returns a deep copy of the outline.
func (o *Outline) Clone() *Outline {
	c := New()
	for id, n := range o.nodes {
		c.nodes[id] = n.Clone()
	}
	for id := range o.deleted {
		c.deleted[id] = struct{}{}
	}
	c.roots = append([]ID(nil), o.roots...)
	c.version = o.version
	return c
}

func (o *Outline) childEdges(id ID) []ID {
	if n, ok := o.nodes[id]; ok {
		return n.Children
	}
	return nil
}

func insertAt(s []ID, id ID, pos int) []ID {
	if pos < 0 || pos > len(s) {
		pos = len(s)
	}
	s = append(s, "")
	copy(s[pos+1:], s[pos:])
	s[pos] = id
	return s
}

func removeID(s []ID, id ID) []ID {
	for i, v := range s {
		if v == id {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}
