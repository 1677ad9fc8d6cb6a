package mcpserver

import (
	"context"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/sofer/internal/engine"
	"github.com/starford/sofer/internal/eval"
	"github.com/starford/sofer/internal/outline"
	"github.com/starford/sofer/internal/script"
	"github.com/starford/sofer/internal/template"
	"github.com/starford/sofer/internal/testutil"
)

func testServer(t *testing.T) (*Server, *engine.Service) {
	t.Helper()
	cfg := engine.Config{Eval: eval.DefaultConfig()}
	svc := engine.New(outline.New(), script.NewLuaEngine(), cfg, testutil.DiscardLogger(), nil)
	t.Cleanup(svc.Close)
	return New(svc), svc
}

func toolRequest(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content type %T", res.Content[0])
	}
	return tc.Text
}

func TestReadNode(t *testing.T) {
	ctx := context.Background()
	s, svc := testServer(t)

	n, err := svc.CreateNode(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.SetText(ctx, n.ID, "hello"); err != nil {
		t.Fatal(err)
	}

	res, err := s.readNode(ctx, toolRequest("read_node", map[string]any{"id": string(n.ID)}))
	if err != nil {
		t.Fatal(err)
	}
	text := resultText(t, res)
	if !strings.Contains(text, `"text": "hello"`) || !strings.Contains(text, `"state": "dirty"`) {
		t.Errorf("result = %s", text)
	}

	res, err = s.readNode(ctx, toolRequest("read_node", map[string]any{"id": "missing"}))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Error("missing node should produce a tool error")
	}
}

func TestListChildren(t *testing.T) {
	ctx := context.Background()
	s, svc := testServer(t)

	root, err := svc.CreateNode(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	child, err := svc.CreateNode(ctx, root.ID, 0)
	if err != nil {
		t.Fatal(err)
	}

	res, err := s.listChildren(ctx, toolRequest("list_children", map[string]any{}))
	if err != nil {
		t.Fatal(err)
	}
	if got := resultText(t, res); got != string(root.ID) {
		t.Errorf("roots = %q", got)
	}

	res, err = s.listChildren(ctx, toolRequest("list_children", map[string]any{"id": string(root.ID)}))
	if err != nil {
		t.Fatal(err)
	}
	if got := resultText(t, res); got != string(child.ID) {
		t.Errorf("children = %q", got)
	}
}

func TestSetTextAndEvaluate(t *testing.T) {
	ctx := context.Background()
	s, svc := testServer(t)

	n, err := svc.CreateNode(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}

	res, err := s.setText(ctx, toolRequest("set_text", map[string]any{
		"id":   string(n.ID),
		"text": "@6 * 7",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("set_text failed: %s", resultText(t, res))
	}

	res, err = s.evaluate(ctx, toolRequest("evaluate", nil))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resultText(t, res), string(n.ID)) {
		t.Errorf("evaluate result = %s", resultText(t, res))
	}

	view, err := svc.GetNode(ctx, n.ID)
	if err != nil {
		t.Fatal(err)
	}
	if view.Computed == nil || view.Computed.Num != 42 {
		t.Errorf("computed = %+v", view.Computed)
	}
}

func TestSetField(t *testing.T) {
	ctx := context.Background()
	s, svc := testServer(t)

	n, err := svc.CreateNode(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}

	res, err := s.setField(ctx, toolRequest("set_field", map[string]any{
		"id": string(n.ID), "key": "rate", "type": "number", "value": "2.5",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("set_field failed: %s", resultText(t, res))
	}
	view, err := svc.GetNode(ctx, n.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !view.Meta["rate"].Equal(outline.Number(2.5)) {
		t.Errorf("meta = %+v", view.Meta)
	}

	res, err = s.setField(ctx, toolRequest("set_field", map[string]any{
		"id": string(n.ID), "key": "bad", "type": "number", "value": "zzz",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Error("undecodable value should produce a tool error")
	}
}

func TestExpandTemplate(t *testing.T) {
	ctx := context.Background()
	s, svc := testServer(t)

	def := template.Definition{
		ID: "task",
		Root: template.Entry{
			Text: "New task",
			Fields: []template.Field{
				{Key: "estimate", Type: outline.TypeNumber, Prompt: true},
			},
		},
	}
	if err := svc.RegisterTemplate(ctx, def); err != nil {
		t.Fatal(err)
	}

	res, err := s.expandTemplate(ctx, toolRequest("expand_template", map[string]any{"template": "task"}))
	if err != nil {
		t.Fatal(err)
	}
	text := resultText(t, res)
	if !strings.HasPrefix(text, "expanded: ") {
		t.Fatalf("result = %q", text)
	}
	if !strings.Contains(text, ".estimate") {
		t.Errorf("prompt field not reported: %q", text)
	}

	res, err = s.expandTemplate(ctx, toolRequest("expand_template", map[string]any{"template": "missing"}))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Error("unknown template should produce a tool error")
	}
}

func TestScriptContract(t *testing.T) {
	ctx := context.Background()
	s, _ := testServer(t)

	res, err := s.getScriptContract(ctx, toolRequest("get_script_contract", nil))
	if err != nil {
		t.Fatal(err)
	}
	text := resultText(t, res)
	for _, want := range []string{"@", "--@reads", "mutate.set_field"} {
		if !strings.Contains(text, want) {
			t.Errorf("contract missing %q", want)
		}
	}

	contents, err := s.readScriptFormatResource(ctx, mcp.ReadResourceRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if len(contents) != 1 {
		t.Fatalf("contents = %+v", contents)
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok || tc.Text != ScriptFormatContract {
		t.Errorf("resource = %+v", contents[0])
	}
}
