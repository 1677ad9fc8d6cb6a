package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/sofer/internal/engine"
	"github.com/starford/sofer/internal/eval"
	"github.com/starford/sofer/internal/outline"
	"github.com/starford/sofer/internal/script"
	"github.com/starford/sofer/internal/sofer"
	"github.com/starford/sofer/internal/testutil"
)

const (
	idA = "11111111-1111-1111-1111-111111111111"
	idB = "22222222-2222-2222-2222-222222222222"
)

func pollRoots(t *testing.T, svc *engine.Service, want int) []outline.ID {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		roots, err := svc.Roots(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if len(roots) == want {
			return roots
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("outline never reached %d roots", want)
	return nil
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "outline.sofer")
	if err := os.WriteFile(path, []byte(idA+" "+sofer.NilID+" k=1; first\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	initial, err := sofer.Parse([]byte(idA + " " + sofer.NilID + " k=1; first\n"))
	if err != nil {
		t.Fatal(err)
	}
	cfg := engine.Config{Eval: eval.DefaultConfig()}
	svc := engine.New(initial, script.NewLuaEngine(), cfg, testutil.DiscardLogger(), nil)
	t.Cleanup(svc.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, svc, path, testutil.DiscardLogger()) }()

	// Give the watcher a moment to register before touching the file.
	time.Sleep(100 * time.Millisecond)

	next := idA + " " + sofer.NilID + " k=1; first\n" + idB + " " + sofer.NilID + " k=2; second\n"
	if err := os.WriteFile(path, []byte(next), 0o644); err != nil {
		t.Fatal(err)
	}

	roots := pollRoots(t, svc, 2)
	if roots[0] != outline.ID(idA) || roots[1] != outline.ID(idB) {
		t.Errorf("roots = %v", roots)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("watch returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("watcher did not stop on cancel")
	}
}

func TestWatch_KeepsOutlineOnParseFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "outline.sofer")
	if err := os.WriteFile(path, []byte(idA+" "+sofer.NilID+" k=1; first\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	initial, err := sofer.Parse([]byte(idA + " " + sofer.NilID + " k=1; first\n"))
	if err != nil {
		t.Fatal(err)
	}
	cfg := engine.Config{Eval: eval.DefaultConfig()}
	svc := engine.New(initial, script.NewLuaEngine(), cfg, testutil.DiscardLogger(), nil)
	t.Cleanup(svc.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Watch(ctx, svc, path, testutil.DiscardLogger()) //nolint:errcheck

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("garbage\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	// The broken write must not wipe the engine's outline.
	time.Sleep(500 * time.Millisecond)
	roots, err := svc.Roots(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(roots) != 1 || roots[0] != outline.ID(idA) {
		t.Errorf("roots = %v, want previous outline kept", roots)
	}
}
