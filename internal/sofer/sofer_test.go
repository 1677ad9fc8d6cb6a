package sofer

import (
	"bytes"
	"strings"
	"testing"

	"github.com/starford/sofer/internal/outline"
)

const (
	idA = "11111111-1111-1111-1111-111111111111"
	idB = "22222222-2222-2222-2222-222222222222"
	idC = "33333333-3333-3333-3333-333333333333"
)

func TestParse_Basic(t *testing.T) {
	data := idA + " " + NilID + ` done=T;n=3.5; root line
` + idB + " " + idA + ` name="x"; child line with spaces
`
	out, err := Parse([]byte(data))
	if err != nil {
		t.Fatal(err)
	}
	if out.Len() != 2 {
		t.Fatalf("len = %d", out.Len())
	}
	roots := out.Roots()
	if len(roots) != 1 || roots[0] != outline.ID(idA) {
		t.Fatalf("roots = %v", roots)
	}

	a, _ := out.Node(outline.ID(idA))
	if a.Text != "root line" {
		t.Errorf("text = %q", a.Text)
	}
	if !a.Meta["done"].Equal(outline.Bool(true)) {
		t.Errorf("done = %+v", a.Meta["done"])
	}
	if !a.Meta["n"].Equal(outline.Number(3.5)) {
		t.Errorf("n = %+v", a.Meta["n"])
	}

	b, _ := out.Node(outline.ID(idB))
	if b.Parent != outline.ID(idA) {
		t.Errorf("parent = %q", b.Parent)
	}
	if b.Text != "child line with spaces" {
		t.Errorf("text = %q", b.Text)
	}
	if !b.Meta["name"].Equal(outline.String("x")) {
		t.Errorf("name = %+v", b.Meta["name"])
	}
	if a.State != outline.StateDirty {
		t.Errorf("loaded node state = %q, want dirty", a.State)
	}
}

func TestParse_RefAttribute(t *testing.T) {
	data := idA + " " + NilID + " link=&" + idB + "; text\n"
	out, err := Parse([]byte(data))
	if err != nil {
		t.Fatal(err)
	}
	n, _ := out.Node(outline.ID(idA))
	if !n.Meta["link"].Equal(outline.Ref(outline.ID(idB))) {
		t.Errorf("link = %+v", n.Meta["link"])
	}
}

func TestParse_MissingParentBecomesRoot(t *testing.T) {
	data := idB + " " + idC + " " + `k=1; orphan` + "\n"
	out, err := Parse([]byte(data))
	if err != nil {
		t.Fatal(err)
	}
	roots := out.Roots()
	if len(roots) != 1 || roots[0] != outline.ID(idB) {
		t.Fatalf("roots = %v", roots)
	}
}

func TestParse_Errors(t *testing.T) {
	cases := map[string]string{
		"short line":   idA + " " + NilID + " attrs-only\n",
		"bad id":       "not-a-uuid " + NilID + " k=1; text\n",
		"bad parent":   idA + " nope k=1; text\n",
		"bad attr":     idA + " " + NilID + " justkey; text\n",
		"bad number":   idA + " " + NilID + " k=zzz; text\n",
		"duplicate id": idA + " " + NilID + " k=1; one\n" + idA + " " + NilID + " k=2; two\n",
	}
	for name, data := range cases {
		if _, err := Parse([]byte(data)); err == nil {
			t.Errorf("%s: want error", name)
		}
	}
}

func TestParse_EmptyAndBlankLines(t *testing.T) {
	out, err := Parse([]byte("\n\n  \n"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Len() != 0 {
		t.Errorf("len = %d", out.Len())
	}
}

func TestRoundTrip_PreservesStructure(t *testing.T) {
	out := outline.New()
	r, err := out.Create("", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := out.SetText(r.ID, "Total: @40 + 2"); err != nil {
		t.Fatal(err)
	}
	if err := out.SetField(r.ID, "rate", outline.Number(0.5)); err != nil {
		t.Fatal(err)
	}
	// Children in a deliberate, non-sorted order.
	var kids []outline.ID
	for _, text := range []string{"zeta", "alpha", "mid"} {
		c, cerr := out.Create(r.ID, 1<<30)
		if cerr != nil {
			t.Fatal(cerr)
		}
		if err := out.SetText(c.ID, text); err != nil {
			t.Fatal(err)
		}
		kids = append(kids, c.ID)
	}
	if err := out.SetField(kids[1], "done", outline.Bool(false)); err != nil {
		t.Fatal(err)
	}

	data := Write(out)
	back, err := Parse(data)
	if err != nil {
		t.Fatalf("parse written data: %v\n%s", err, data)
	}

	if back.Len() != out.Len() {
		t.Fatalf("len = %d, want %d", back.Len(), out.Len())
	}
	gotKids, _ := back.Children(r.ID)
	if len(gotKids) != 3 {
		t.Fatalf("children = %v", gotKids)
	}
	for i := range kids {
		if gotKids[i] != kids[i] {
			t.Fatalf("sibling order lost: %v vs %v", gotKids, kids)
		}
	}
	rn, _ := back.Node(r.ID)
	if rn.Text != "Total: @40 + 2" {
		t.Errorf("text = %q", rn.Text)
	}
	if !rn.Meta["rate"].Equal(outline.Number(0.5)) {
		t.Errorf("rate = %+v", rn.Meta["rate"])
	}
	an, _ := back.Node(kids[1])
	if !an.Meta["done"].Equal(outline.Bool(false)) {
		t.Errorf("done = %+v", an.Meta["done"])
	}

	// A second write is byte-identical.
	if again := Write(back); !bytes.Equal(again, data) {
		t.Errorf("second write differs:\n%s\nvs\n%s", again, data)
	}
}

func TestRoundTrip_SpacedStringAttribute(t *testing.T) {
	out := outline.New()
	r, err := out.Create("", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := out.SetText(r.ID, "report"); err != nil {
		t.Fatal(err)
	}
	if err := out.SetField(r.ID, "title", outline.String("a b")); err != nil {
		t.Fatal(err)
	}
	if err := out.SetField(r.ID, "note", outline.String(" lead and\ttab ")); err != nil {
		t.Fatal(err)
	}

	data := Write(out)
	line := strings.TrimSuffix(string(data), "\n")
	attrs := strings.SplitN(line, " ", 4)[2]
	if strings.Contains(attrs, " ") {
		t.Fatalf("attrs token contains a literal space: %q", attrs)
	}

	back, err := Parse(data)
	if err != nil {
		t.Fatalf("parse written data: %v\n%s", err, data)
	}
	n, _ := back.Node(r.ID)
	if !n.Meta["title"].Equal(outline.String("a b")) {
		t.Errorf("title = %+v", n.Meta["title"])
	}
	if !n.Meta["note"].Equal(outline.String(" lead and\ttab ")) {
		t.Errorf("note = %+v", n.Meta["note"])
	}
	if again := Write(back); !bytes.Equal(again, data) {
		t.Errorf("second write differs:\n%s\nvs\n%s", again, data)
	}
}

func TestWrite_RootParentIsNilID(t *testing.T) {
	out := outline.New()
	r, err := out.Create("", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := out.SetText(r.ID, "top"); err != nil {
		t.Fatal(err)
	}
	line := strings.TrimSpace(string(Write(out)))
	fields := strings.SplitN(line, " ", 4)
	if len(fields) != 4 {
		t.Fatalf("line = %q", line)
	}
	if fields[1] != NilID {
		t.Errorf("parent field = %q, want nil id", fields[1])
	}
}
