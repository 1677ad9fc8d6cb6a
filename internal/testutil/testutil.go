// Package testutil provides shared test helpers for building outlines and
// engines.
package testutil

import (
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/starford/sofer/internal/depgraph"
	"github.com/starford/sofer/internal/eval"
	"github.com/starford/sofer/internal/outline"
	"github.com/starford/sofer/internal/script"
	"github.com/starford/sofer/internal/snapshot"
)

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestDB creates a temporary snapshot database that is automatically
// cleaned up.
func TestDB(t *testing.T) *snapshot.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "sofer-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := snapshot.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// MustCreate adds a node with the given text and fails the test on error.
// An empty parent creates a root.
func MustCreate(t *testing.T, out *outline.Outline, parent outline.ID, text string) outline.ID {
	t.Helper()
	n, err := out.Create(parent, out.Len())
	if err != nil {
		t.Fatalf("create node: %v", err)
	}
	if text != "" {
		if err := out.SetText(n.ID, text); err != nil {
			t.Fatalf("set text: %v", err)
		}
	}
	return n.ID
}

// NewEvaluator wires an evaluator with a fresh graph and Lua engine over
// the given outline.
func NewEvaluator(t *testing.T, out *outline.Outline) *eval.Evaluator {
	t.Helper()
	return eval.New(out, depgraph.New(), script.NewLuaEngine(), eval.DefaultConfig(), DiscardLogger())
}
