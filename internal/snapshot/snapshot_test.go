package snapshot

import (
	"os"
	"testing"

	"github.com/starford/sofer/internal/outline"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	f, err := os.CreateTemp("", "sofer-snap-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	db, err := Open(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func buildOutline(t *testing.T) (*outline.Outline, outline.ID, []outline.ID) {
	t.Helper()
	out := outline.New()
	r, err := out.Create("", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := out.SetText(r.ID, "Total: @40 + 2"); err != nil {
		t.Fatal(err)
	}
	if err := out.SetField(r.ID, "rate", outline.Number(1.5)); err != nil {
		t.Fatal(err)
	}
	cv := outline.String("Total: 42")
	if err := out.SetComputed(r.ID, &cv); err != nil {
		t.Fatal(err)
	}

	var kids []outline.ID
	for _, text := range []string{"zeta", "alpha"} {
		c, cerr := out.Create(r.ID, 1<<30)
		if cerr != nil {
			t.Fatal(cerr)
		}
		if err := out.SetText(c.ID, text); err != nil {
			t.Fatal(err)
		}
		kids = append(kids, c.ID)
	}
	if err := out.SetField(kids[0], "done", outline.Bool(true)); err != nil {
		t.Fatal(err)
	}
	return out, r.ID, kids
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	db := testDB(t)
	out, root, kids := buildOutline(t)

	if err := db.Save(out); err != nil {
		t.Fatal(err)
	}
	back, err := db.Load()
	if err != nil {
		t.Fatal(err)
	}

	if back.Len() != out.Len() {
		t.Fatalf("len = %d, want %d", back.Len(), out.Len())
	}
	rn, err := back.Node(root)
	if err != nil {
		t.Fatal(err)
	}
	if rn.Text != "Total: @40 + 2" {
		t.Errorf("text = %q", rn.Text)
	}
	if rn.Computed == nil || rn.Computed.Str != "Total: 42" {
		t.Errorf("computed = %+v, cached value lost", rn.Computed)
	}
	if rn.State != outline.StateClean {
		t.Errorf("state = %q, want clean preserved", rn.State)
	}
	if !rn.Meta["rate"].Equal(outline.Number(1.5)) {
		t.Errorf("rate = %+v", rn.Meta["rate"])
	}

	gotKids, _ := back.Children(root)
	if len(gotKids) != 2 || gotKids[0] != kids[0] || gotKids[1] != kids[1] {
		t.Errorf("sibling order = %v, want %v", gotKids, kids)
	}
	kn, _ := back.Node(kids[0])
	if !kn.Meta["done"].Equal(outline.Bool(true)) {
		t.Errorf("child meta = %+v", kn.Meta)
	}
}

func TestSave_ReplacesPrevious(t *testing.T) {
	db := testDB(t)
	out, _, _ := buildOutline(t)
	if err := db.Save(out); err != nil {
		t.Fatal(err)
	}

	small := outline.New()
	n, err := small.Create("", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := small.SetText(n.ID, "only one"); err != nil {
		t.Fatal(err)
	}
	if err := db.Save(small); err != nil {
		t.Fatal(err)
	}

	back, err := db.Load()
	if err != nil {
		t.Fatal(err)
	}
	if back.Len() != 1 {
		t.Errorf("len = %d, want 1 (old snapshot must not leak)", back.Len())
	}
}

func TestLoad_Empty(t *testing.T) {
	db := testDB(t)
	back, err := db.Load()
	if err != nil {
		t.Fatal(err)
	}
	if back.Len() != 0 {
		t.Errorf("len = %d", back.Len())
	}
}
