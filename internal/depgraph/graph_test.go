package depgraph

import (
	"testing"

	"github.com/starford/sofer/internal/outline"
)

func set(ids ...outline.ID) map[outline.ID]struct{} {
	m := make(map[outline.ID]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

func equalIDs(a []outline.ID, b ...outline.ID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRecordReads_ReplacesOldEdges(t *testing.T) {
	g := New()
	g.RecordReads("sum", set("a", "b"))
	if !equalIDs(g.Reads("sum"), "a", "b") {
		t.Fatalf("reads = %v", g.Reads("sum"))
	}
	if !equalIDs(g.Dependents("a"), "sum") {
		t.Fatalf("dependents(a) = %v", g.Dependents("a"))
	}

	// New script version reads c only; a and b must be forgotten.
	g.RecordReads("sum", set("c"))
	if !equalIDs(g.Reads("sum"), "c") {
		t.Errorf("reads after replace = %v", g.Reads("sum"))
	}
	if len(g.Dependents("a")) != 0 || len(g.Dependents("b")) != 0 {
		t.Errorf("stale reverse edges survive: a=%v b=%v", g.Dependents("a"), g.Dependents("b"))
	}
	if !equalIDs(g.Dependents("c"), "sum") {
		t.Errorf("dependents(c) = %v", g.Dependents("c"))
	}
}

func TestClosure_TransitiveDependents(t *testing.T) {
	g := New()
	// c reads b, b reads a: editing a dirties a, b and c.
	g.RecordReads("b", set("a"))
	g.RecordReads("c", set("b"))

	got := g.Closure("a")
	for _, want := range []outline.ID{"a", "b", "c"} {
		if _, ok := got[want]; !ok {
			t.Errorf("closure missing %s: %v", want, got)
		}
	}
	if len(got) != 3 {
		t.Errorf("closure = %v, want 3 entries", got)
	}

	// Unrelated node stays out.
	g.RecordReads("x", set("y"))
	if _, ok := g.Closure("a")["x"]; ok {
		t.Error("closure includes unrelated reader")
	}
}

func TestClosure_OrderIndependent(t *testing.T) {
	g := New()
	g.RecordReads("b", set("a"))
	g.RecordReads("c", set("a", "b"))

	first := g.Closure("a", "b")
	second := g.Closure("b", "a")
	if len(first) != len(second) {
		t.Fatalf("closure size differs: %v vs %v", first, second)
	}
	for id := range first {
		if _, ok := second[id]; !ok {
			t.Errorf("closures differ at %s", id)
		}
	}
}

func TestRemove_DropsBothDirections(t *testing.T) {
	g := New()
	g.RecordReads("b", set("a"))
	g.RecordReads("c", set("b"))

	g.Remove("b")
	if len(g.Reads("b")) != 0 {
		t.Errorf("reads(b) after remove = %v", g.Reads("b"))
	}
	if len(g.Dependents("a")) != 0 {
		t.Errorf("dependents(a) after remove = %v", g.Dependents("a"))
	}
	if len(g.Reads("c")) != 0 {
		t.Errorf("c still reads removed node: %v", g.Reads("c"))
	}
}

func TestCycleFrom_ReadCycle(t *testing.T) {
	g := New()
	g.RecordReads("x", set("y"))
	g.RecordReads("y", set("x"))

	w := g.CycleFrom("x")
	if w == nil {
		t.Fatal("expected cycle witness")
	}
	if w[0] != w[len(w)-1] {
		t.Errorf("witness %v not closed", w)
	}

	if g.CycleFrom("z") != nil {
		t.Error("node with no reads should have no cycle")
	}
}

func TestCycleFrom_SelfRead(t *testing.T) {
	g := New()
	g.RecordReads("s", set("s"))
	w := g.CycleFrom("s")
	if !equalIDs(w, "s", "s") {
		t.Errorf("self read witness = %v, want [s s]", w)
	}
}
