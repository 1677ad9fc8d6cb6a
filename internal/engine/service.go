// Package engine exposes the outline evaluation engine to front-ends: tree
// mutation, queries, evaluation triggers and templates, all funneled through
// a single mutation queue per outline.
package engine

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/starford/sofer/internal/apperr"
	"github.com/starford/sofer/internal/depgraph"
	"github.com/starford/sofer/internal/eval"
	"github.com/starford/sofer/internal/outline"
	"github.com/starford/sofer/internal/script"
	"github.com/starford/sofer/internal/template"
)

// Event is a change notification for front-ends.
type Event struct {
	// Type is one of node.created, node.updated, node.deleted, node.state,
	// eval.completed.
	Type  string
	Node  outline.ID
	State outline.State
}

// Notifier receives engine events. It must not block.
type Notifier func(Event)

// Config tunes one engine instance.
type Config struct {
	Eval eval.Config
	// AutoEval runs an incremental evaluation pass after every mutation
	// batch.
	AutoEval bool
}

// NodeView is a stable copy of one node for callers outside the mutation
// queue.
type NodeView struct {
	ID       outline.ID
	Parent   outline.ID
	Text     string
	Children []outline.ID
	Meta     map[string]outline.FieldValue
	Computed *outline.FieldValue
	State    outline.State
	Version  uint64
	EvalErr  string
}

// Service owns one outline and serializes every read and write against it.
//
// Concurrency model: a single internal goroutine owns the outline, the
// dependency graph and the evaluator. Public methods submit closures to that
// goroutine and wait, giving the single-writer discipline the engine
// requires without exposing locks.
type Service struct {
	ops     chan func()
	quit    chan struct{}
	stopped chan struct{}
	closed  atomic.Bool

	out      *outline.Outline
	graph    *depgraph.Graph
	eval     *eval.Evaluator
	registry *template.Registry
	engine   script.Engine
	cfg      Config
	logger   *slog.Logger
	notify   Notifier
}

// New creates a service over the given outline and starts its queue.
func New(out *outline.Outline, sc script.Engine, cfg Config, logger *slog.Logger, notify Notifier) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	graph := depgraph.New()
	s := &Service{
		ops:      make(chan func()),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		out:      out,
		graph:    graph,
		eval:     eval.New(out, graph, sc, cfg.Eval, logger),
		registry: template.NewRegistry(),
		engine:   sc,
		cfg:      cfg,
		logger:   logger,
		notify:   notify,
	}
	go s.run()
	return s
}

func (s *Service) run() {
	defer close(s.stopped)
	for {
		select {
		case <-s.quit:
			return
		case fn := <-s.ops:
			fn()
		}
	}
}

// Close stops the queue. Pending evaluation is abandoned; values already
// written stay valid.
func (s *Service) Close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.quit)
	}
	<-s.stopped
}

// do submits a closure to the queue and waits for it. A context cancelled
// before submission aborts the call; once submitted the closure runs to
// completion so the outline never observes a half-applied operation.
func (s *Service) do(ctx context.Context, fn func()) error {
	if s.closed.Load() {
		return apperr.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case s.ops <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return apperr.ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-s.stopped:
		return apperr.ErrClosed
	}
}

func (s *Service) emit(ev Event) {
	if s.notify != nil {
		s.notify(ev)
	}
}

// afterMutation propagates dirtiness and, when AutoEval is on, runs an
// incremental pass.
func (s *Service) afterMutation(ctx context.Context, touched ...outline.ID) {
	live := touched[:0]
	for _, id := range touched {
		if id != "" && s.out.Has(id) {
			live = append(live, id)
		}
	}
	s.eval.Invalidate(live...)
	if s.cfg.AutoEval {
		res, err := s.eval.Evaluate(ctx)
		if err != nil {
			s.logger.Warn("incremental evaluation interrupted", slog.String("error", err.Error()))
		}
		if res != nil {
			s.emitResult(res)
		}
	}
}

func (s *Service) emitResult(res *eval.Result) {
	for _, id := range res.Evaluated {
		s.emit(Event{Type: "node.state", Node: id, State: outline.StateClean})
	}
	for _, id := range res.CycleErrors {
		s.emit(Event{Type: "node.state", Node: id, State: outline.StateCycleError})
	}
	for _, id := range res.ScriptErrors {
		s.emit(Event{Type: "node.state", Node: id, State: outline.StateScriptError})
	}
	s.emit(Event{Type: "eval.completed"})
}

// CreateNode adds a new empty node under parent at pos; empty parent creates
// a root.
func (s *Service) CreateNode(ctx context.Context, parent outline.ID, pos int) (NodeView, error) {
	var view NodeView
	var opErr error
	err := s.do(ctx, func() {
		n, err := s.out.Create(parent, pos)
		if err != nil {
			opErr = err
			return
		}
		view = s.view(n)
		s.emit(Event{Type: "node.created", Node: n.ID})
		s.afterMutation(ctx, n.ID, parent)
	})
	if err != nil {
		return NodeView{}, err
	}
	return view, opErr
}

// DeleteNode removes a node and its subtree. Dependents of removed nodes are
// re-dirtied and report the stale reference on their next evaluation.
func (s *Service) DeleteNode(ctx context.Context, id outline.ID) error {
	var opErr error
	err := s.do(ctx, func() {
		n, err := s.out.Node(id)
		if err != nil {
			opErr = err
			return
		}
		parent := n.Parent
		removed, err := s.out.Delete(id)
		if err != nil {
			opErr = err
			return
		}
		s.eval.Forget(removed...)
		for _, rid := range removed {
			s.emit(Event{Type: "node.deleted", Node: rid})
		}
		s.afterMutation(ctx, parent)
	})
	if err != nil {
		return err
	}
	return opErr
}

// MoveNode reparents a node; a move under the node's own descendant is
// rejected with CycleRejected and leaves the tree unchanged.
func (s *Service) MoveNode(ctx context.Context, id, newParent outline.ID, pos int) error {
	var opErr error
	err := s.do(ctx, func() {
		n, err := s.out.Node(id)
		if err != nil {
			opErr = err
			return
		}
		oldParent := n.Parent
		if opErr = s.out.Move(id, newParent, pos); opErr != nil {
			return
		}
		s.emit(Event{Type: "node.updated", Node: id})
		s.afterMutation(ctx, id, oldParent, newParent)
	})
	if err != nil {
		return err
	}
	return opErr
}

// SetText replaces a node's text.
func (s *Service) SetText(ctx context.Context, id outline.ID, text string) error {
	return s.write(ctx, id, func() error { return s.out.SetText(id, text) })
}

// SetField sets a metadata field.
func (s *Service) SetField(ctx context.Context, id outline.ID, key string, v outline.FieldValue) error {
	return s.write(ctx, id, func() error { return s.out.SetField(id, key, v) })
}

// RemoveField removes a metadata field.
func (s *Service) RemoveField(ctx context.Context, id outline.ID, key string) error {
	return s.write(ctx, id, func() error { return s.out.RemoveField(id, key) })
}

func (s *Service) write(ctx context.Context, id outline.ID, op func() error) error {
	var opErr error
	err := s.do(ctx, func() {
		if opErr = op(); opErr != nil {
			return
		}
		s.emit(Event{Type: "node.updated", Node: id})
		s.afterMutation(ctx, id)
	})
	if err != nil {
		return err
	}
	return opErr
}

// GetNode returns a stable view of one node.
func (s *Service) GetNode(ctx context.Context, id outline.ID) (NodeView, error) {
	var view NodeView
	var opErr error
	err := s.do(ctx, func() {
		n, err := s.out.Node(id)
		if err != nil {
			opErr = err
			return
		}
		view = s.view(n)
	})
	if err != nil {
		return NodeView{}, err
	}
	return view, opErr
}

// Roots returns the root ids in order.
func (s *Service) Roots(ctx context.Context) ([]outline.ID, error) {
	var out []outline.ID
	err := s.do(ctx, func() { out = s.out.Roots() })
	return out, err
}

// Children returns the ordered children of a node.
func (s *Service) Children(ctx context.Context, id outline.ID) ([]outline.ID, error) {
	var out []outline.ID
	var opErr error
	err := s.do(ctx, func() { out, opErr = s.out.Children(id) })
	if err != nil {
		return nil, err
	}
	return out, opErr
}

// Dependents returns the nodes whose scripts read id (diagnostics).
func (s *Service) Dependents(ctx context.Context, id outline.ID) ([]outline.ID, error) {
	var out []outline.ID
	err := s.do(ctx, func() { out = s.graph.Dependents(id) })
	return out, err
}

// DependsOn returns the nodes id's script reads (diagnostics).
func (s *Service) DependsOn(ctx context.Context, id outline.ID) ([]outline.ID, error) {
	var out []outline.ID
	err := s.do(ctx, func() { out = s.graph.Reads(id) })
	return out, err
}

// Evaluate runs a full pass to quiescence: no dirty nodes remain, or every
// remaining one is a cycle error.
func (s *Service) Evaluate(ctx context.Context) (*eval.Result, error) {
	var res *eval.Result
	var opErr error
	err := s.do(ctx, func() {
		res, opErr = s.eval.Evaluate(ctx)
		if res != nil {
			s.emitResult(res)
		}
	})
	if err != nil {
		return nil, err
	}
	return res, opErr
}

// RegisterTemplate validates and stores a template definition.
func (s *Service) RegisterTemplate(ctx context.Context, def template.Definition) error {
	var opErr error
	err := s.do(ctx, func() { opErr = s.registry.Register(def) })
	if err != nil {
		return err
	}
	return opErr
}

// Templates returns registered template ids.
func (s *Service) Templates(ctx context.Context) ([]string, error) {
	var out []string
	err := s.do(ctx, func() { out = s.registry.IDs() })
	return out, err
}

// ExpandTemplate materializes a template subtree under parent at pos.
func (s *Service) ExpandTemplate(ctx context.Context, templateID string, parent outline.ID, pos int) (outline.ID, []template.RequiredField, error) {
	var rootID outline.ID
	var required []template.RequiredField
	var opErr error
	err := s.do(ctx, func() {
		def, derr := s.registry.Get(templateID)
		if derr != nil {
			opErr = derr
			return
		}
		rootID, required, opErr = template.Expand(s.out, def, parent, pos)
		if opErr != nil {
			return
		}
		s.emit(Event{Type: "node.created", Node: rootID})
		s.afterMutation(ctx, rootID, parent)
	})
	if err != nil {
		return "", nil, err
	}
	return rootID, required, opErr
}

// ApplyTemplate merges a template's root fields into an existing node,
// skipping fields already present.
func (s *Service) ApplyTemplate(ctx context.Context, templateID string, id outline.ID) ([]template.RequiredField, error) {
	var required []template.RequiredField
	var opErr error
	err := s.do(ctx, func() {
		def, derr := s.registry.Get(templateID)
		if derr != nil {
			opErr = derr
			return
		}
		required, opErr = template.Apply(s.out, def, id)
		if opErr != nil {
			return
		}
		s.emit(Event{Type: "node.updated", Node: id})
		s.afterMutation(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return required, opErr
}

// Export returns a deep copy of the outline for persistence.
func (s *Service) Export(ctx context.Context) (*outline.Outline, error) {
	var clone *outline.Outline
	err := s.do(ctx, func() { clone = s.out.Clone() })
	return clone, err
}

// Replace swaps in a freshly loaded outline (e.g. after an external file
// edit) and re-evaluates it.
func (s *Service) Replace(ctx context.Context, out *outline.Outline) error {
	return s.do(ctx, func() {
		s.out = out
		s.graph = depgraph.New()
		s.eval = eval.New(out, s.graph, s.engine, s.cfg.Eval, s.logger)
		s.emit(Event{Type: "node.updated"})
		if s.cfg.AutoEval {
			res, err := s.eval.Evaluate(ctx)
			if err != nil {
				s.logger.Warn("evaluation after reload interrupted", slog.String("error", err.Error()))
			}
			if res != nil {
				s.emitResult(res)
			}
		}
	})
}

func (s *Service) view(n *outline.Node) NodeView {
	c := n.Clone()
	return NodeView{
		ID:       c.ID,
		Parent:   c.Parent,
		Text:     c.Text,
		Children: c.Children,
		Meta:     c.Meta,
		Computed: c.Computed,
		State:    c.State,
		Version:  c.Version,
		EvalErr:  c.EvalErr,
	}
}
