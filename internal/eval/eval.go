// Package eval implements incremental re-evaluation of outline scripts: dirty
// tracking, dependency-ordered scheduling, cycle detection and bounded
// script-driven mutation.
package eval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/starford/sofer/internal/depgraph"
	"github.com/starford/sofer/internal/outline"
	"github.com/starford/sofer/internal/script"
)

// Config bounds one evaluation trigger.
type Config struct {
	// ScriptTimeout is the wall-clock limit per script execution.
	ScriptTimeout time.Duration
	// MaxMutationRounds caps chained re-dirtying caused by script mutation
	// requests within a single trigger.
	MaxMutationRounds int
}

// DefaultConfig returns the default evaluation bounds.
func DefaultConfig() Config {
	return Config{
		ScriptTimeout:     250 * time.Millisecond,
		MaxMutationRounds: 8,
	}
}

// Result summarizes one evaluation pass.
type Result struct {
	// Evaluated lists nodes whose scripts ran successfully, in run order.
	Evaluated []outline.ID
	// CycleErrors lists nodes that ended the pass in CycleError.
	CycleErrors []outline.ID
	// ScriptErrors lists nodes that ended the pass in ScriptError.
	ScriptErrors []outline.ID
	// MutationLimited lists nodes whose mutation requests were discarded
	// because the chain exceeded MaxMutationRounds.
	MutationLimited []outline.ID
	// Rounds is the number of mutation-driven re-dirtying rounds consumed.
	Rounds int
}

// MutationLimitHit reports whether any mutation chain was cut short.
func (r *Result) MutationLimitHit() bool { return len(r.MutationLimited) > 0 }

type parsedEntry struct {
	text     string
	parsed   *script.Parsed
	parseErr error
}

// Evaluator re-computes dirty nodes against one outline. It is not safe for
// concurrent use; the engine serializes all access.
type Evaluator struct {
	out    *outline.Outline
	graph  *depgraph.Graph
	engine script.Engine
	cfg    Config
	logger *slog.Logger

	cache map[outline.ID]*parsedEntry
}

// New returns an evaluator over the given outline and dependency graph.
func New(out *outline.Outline, graph *depgraph.Graph, engine script.Engine, cfg Config, logger *slog.Logger) *Evaluator {
	if cfg.ScriptTimeout <= 0 {
		cfg.ScriptTimeout = DefaultConfig().ScriptTimeout
	}
	if cfg.MaxMutationRounds <= 0 {
		cfg.MaxMutationRounds = DefaultConfig().MaxMutationRounds
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		out:    out,
		graph:  graph,
		engine: engine,
		cfg:    cfg,
		logger: logger,
		cache:  make(map[outline.ID]*parsedEntry),
	}
}

// Invalidate marks the given nodes and every transitive dependent dirty.
// The closure is a pure set union over reverse edges, so marking order is
// irrelevant.
func (e *Evaluator) Invalidate(ids ...outline.ID) {
	for id := range e.graph.Closure(ids...) {
		if e.out.Has(id) {
			_ = e.out.SetState(id, outline.StateDirty, "")
		}
	}
}

// Forget drops deleted nodes from the dependency graph and parse cache, and
// dirties their surviving dependents (whose next evaluation reports the
// stale reference).
func (e *Evaluator) Forget(removed ...outline.ID) {
	for _, id := range removed {
		for _, dep := range e.graph.Dependents(id) {
			if e.out.Has(dep) {
				e.Invalidate(dep)
			}
		}
		e.graph.Remove(id)
		delete(e.cache, id)
	}
}

// Evaluate runs one pass to quiescence: no dirty nodes remain, or every
// remaining dirty node is in a cycle. Cancelling ctx aborts the pass; values
// already written stay valid and the in-flight node returns to dirty.
func (e *Evaluator) Evaluate(ctx context.Context) (*Result, error) {
	e.refreshGraph()

	res := &Result{}
	mutationsAllowed := true

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		ready, blocked := e.schedule()
		if len(ready) == 0 {
			if len(blocked) == 0 {
				return res, nil
			}
			// No dirty node has settled inputs: the remainder is cyclic.
			for _, id := range blocked {
				witness := e.graph.CycleFrom(id)
				msg := "dependency cycle"
				if len(witness) > 0 {
					msg = fmt.Sprintf("dependency cycle: %s", joinIDs(witness))
				}
				_ = e.out.SetState(id, outline.StateCycleError, msg)
				res.CycleErrors = append(res.CycleErrors, id)
			}
			return res, nil
		}

		var roundMuts []pendingMutation
		for _, id := range ready {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			muts, err := e.evalNode(ctx, id, res)
			if err != nil {
				return res, err
			}
			for _, m := range muts {
				roundMuts = append(roundMuts, pendingMutation{source: id, mut: m})
			}
		}

		if len(roundMuts) == 0 {
			continue
		}
		if !mutationsAllowed {
			for _, pm := range roundMuts {
				res.MutationLimited = appendUnique(res.MutationLimited, pm.source)
			}
			continue
		}
		res.Rounds++
		if res.Rounds >= e.cfg.MaxMutationRounds {
			mutationsAllowed = false
		}
		e.applyMutations(roundMuts, res)
	}
}

type pendingMutation struct {
	source outline.ID
	mut    script.Mutation
}

// schedule partitions dirty nodes into those ready to run (all declared reads
// settled) and those blocked. Ready order is sorted by id: any fixed rule
// yields a valid topological order, and a fixed rule makes passes
// deterministic.
func (e *Evaluator) schedule() (ready, blocked []outline.ID) {
	for _, id := range e.out.IDs() {
		n, err := e.out.Node(id)
		if err != nil || n.State != outline.StateDirty {
			continue
		}
		ok := true
		for _, read := range e.graph.Reads(id) {
			rn, rerr := e.out.Node(read)
			if rerr != nil {
				continue // deleted read: surfaces as a stale reference at run time
			}
			if rn.State == outline.StateDirty || rn.State == outline.StateEvaluating {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		} else {
			blocked = append(blocked, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
	sort.Slice(blocked, func(i, j int) bool { return blocked[i] < blocked[j] })
	return ready, blocked
}

// evalNode runs one node. Script failures are node-local: the state moves to
// ScriptError, the last-known-good value survives, and the pass continues.
func (e *Evaluator) evalNode(ctx context.Context, id outline.ID, res *Result) ([]script.Mutation, error) {
	n, err := e.out.Node(id)
	if err != nil {
		return nil, nil
	}
	if n.State != outline.StateDirty {
		// Revisiting a node mid-evaluation is an immediate cycle.
		if n.State == outline.StateEvaluating {
			_ = e.out.SetState(id, outline.StateCycleError, "revisited while evaluating")
			res.CycleErrors = append(res.CycleErrors, id)
		}
		return nil, nil
	}

	entry := e.cache[id]
	if entry != nil && entry.parseErr != nil {
		_ = e.out.SetState(id, outline.StateScriptError, entry.parseErr.Error())
		res.ScriptErrors = append(res.ScriptErrors, id)
		return nil, nil
	}
	if entry == nil || entry.parsed == nil {
		// No script: the computed value is the literal text.
		v := outline.String(n.Text)
		_ = e.out.SetComputed(id, &v)
		res.Evaluated = append(res.Evaluated, id)
		return nil, nil
	}

	snap, snapErr := e.buildSnapshot(id, entry.parsed)
	if snapErr != nil {
		_ = e.out.SetState(id, outline.StateScriptError, snapErr.Error())
		res.ScriptErrors = append(res.ScriptErrors, id)
		return nil, nil
	}

	_ = e.out.SetState(id, outline.StateEvaluating, "")

	execCtx, cancel := context.WithTimeout(ctx, e.cfg.ScriptTimeout)
	value, muts, execErr := e.engine.Execute(execCtx, entry.parsed, snap)
	cancel()

	if execErr != nil {
		if ctx.Err() != nil {
			// Pass cancelled: the node stays dirty, prior clean work stands.
			_ = e.out.SetState(id, outline.StateDirty, "")
			return nil, ctx.Err()
		}
		_ = e.out.SetState(id, outline.StateScriptError, execErr.Error())
		res.ScriptErrors = append(res.ScriptErrors, id)
		e.logger.Debug("script failed", slog.String("node", string(id)), slog.String("error", execErr.Error()))
		return nil, nil
	}

	_ = e.out.SetComputed(id, value)
	res.Evaluated = append(res.Evaluated, id)
	return muts, nil
}

// applyMutations writes script mutation requests back to the store as
// ordinary writes, re-dirtying dependents.
func (e *Evaluator) applyMutations(muts []pendingMutation, res *Result) {
	var touched []outline.ID
	for _, pm := range muts {
		m := pm.mut
		var err error
		switch m.Kind {
		case script.MutateSetText:
			err = e.out.SetText(m.Node, m.Text)
		case script.MutateSetField:
			err = e.out.SetField(m.Node, m.Key, m.Value)
		case script.MutateRemoveField:
			err = e.out.RemoveField(m.Node, m.Key)
		default:
			err = fmt.Errorf("unknown mutation kind %q", m.Kind)
		}
		if err != nil {
			e.logger.Warn("mutation request rejected",
				slog.String("source", string(pm.source)),
				slog.String("target", string(m.Node)),
				slog.String("error", err.Error()))
			continue
		}
		touched = append(touched, m.Node)
	}
	if len(touched) > 0 {
		e.refreshGraph()
		e.Invalidate(touched...)
	}
}

// refreshGraph re-parses changed scripts and re-resolves every declared read
// selector against the current tree, atomically replacing edge sets. Stale
// edges never survive a text or structure change.
func (e *Evaluator) refreshGraph() {
	for _, id := range e.out.IDs() {
		n, err := e.out.Node(id)
		if err != nil {
			continue
		}
		entry := e.cache[id]
		if entry == nil || entry.text != n.Text {
			parsed, perr := e.engine.Parse(n.Text)
			entry = &parsedEntry{text: n.Text, parsed: parsed, parseErr: perr}
			e.cache[id] = entry
		}
		if entry.parsed == nil || entry.parseErr != nil {
			e.graph.RecordReads(id, nil)
			continue
		}
		e.graph.RecordReads(id, e.resolveReads(id, entry.parsed.Reads))
	}
}

// resolveReads maps declared selectors to concrete node ids. Selectors over
// missing nodes keep the id in the set so the dependency is visible; the
// execution snapshot reports it as a stale reference or not found.
func (e *Evaluator) resolveReads(id outline.ID, reads []script.ReadSelector) map[outline.ID]struct{} {
	set := make(map[outline.ID]struct{})
	for _, sel := range reads {
		switch sel.Kind {
		case script.SelectChildren:
			children, err := e.out.Children(id)
			if err != nil {
				continue
			}
			for _, c := range children {
				set[c] = struct{}{}
			}
		case script.SelectDescendants:
			sub, err := e.out.Subtree(id)
			if err != nil {
				continue
			}
			for _, d := range sub {
				if d != id {
					set[d] = struct{}{}
				}
			}
		case script.SelectNode:
			set[sel.Node] = struct{}{}
		}
	}
	return set
}

// buildSnapshot assembles the read-only input view for one execution.
// A declared read of a removed or unknown id fails the node instead of being
// silently treated as empty.
func (e *Evaluator) buildSnapshot(id outline.ID, parsed *script.Parsed) (script.Snapshot, error) {
	n, err := e.out.Node(id)
	if err != nil {
		return script.Snapshot{}, err
	}
	snap := script.Snapshot{
		Self: script.Input{ID: id, Text: n.Text, Meta: copyMeta(n.Meta)},
	}

	for _, read := range e.graph.Reads(id) {
		rn, rerr := e.out.Node(read)
		if rerr != nil {
			// Removed or unknown read ids carry NotFound / stale-reference.
			return script.Snapshot{}, fmt.Errorf("read: %w", rerr)
		}
		in := script.Input{ID: read, Text: rn.Text, Meta: copyMeta(rn.Meta)}
		if rn.Computed != nil {
			cv := *rn.Computed
			in.Computed = &cv
		}
		snap.Nodes = append(snap.Nodes, in)
	}

	// Children inputs in sibling order, restricted to declared reads.
	declared := make(map[outline.ID]script.Input, len(snap.Nodes))
	for _, in := range snap.Nodes {
		declared[in.ID] = in
	}
	for _, c := range n.Children {
		if in, ok := declared[c]; ok {
			snap.Children = append(snap.Children, in)
		}
	}
	return snap, nil
}

func copyMeta(meta map[string]outline.FieldValue) map[string]outline.FieldValue {
	out := make(map[string]outline.FieldValue, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func appendUnique(s []outline.ID, id outline.ID) []outline.ID {
	for _, v := range s {
		if v == id {
			return s
		}
	}
	return append(s, id)
}

func joinIDs(ids []outline.ID) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += " -> "
		}
		out += string(id)
	}
	return out
}
