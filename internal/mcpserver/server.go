// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes the outline engine to LLM clients via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/sofer/internal/engine"
	"github.com/starford/sofer/internal/outline"
)

// Server wraps the MCP server with outline tools.
type Server struct {
	mcp *server.MCPServer
	svc *engine.Service
}

// New creates a new MCP server with all outline tools registered.
func New(svc *engine.Service) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"Sofer",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("read_node",
		mcp.WithDescription("Read one outline node: text, metadata, computed value and evaluation state."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Node id (uuid)")),
	), s.readNode)

	s.mcp.AddTool(mcp.NewTool("list_children",
		mcp.WithDescription("List the ordered children of a node, or the roots when id is omitted."),
		mcp.WithString("id", mcp.Description("Node id (empty for roots)")),
	), s.listChildren)

	s.mcp.AddTool(mcp.NewTool("set_text",
		mcp.WithDescription("Replace a node's text. Text containing '@' embeds a Lua script; read the "+
			"get_script_contract tool or the sofer://script-format resource first."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Node id")),
		mcp.WithString("text", mcp.Required(), mcp.Description("New node text")),
	), s.setText)

	s.mcp.AddTool(mcp.NewTool("set_field",
		mcp.WithDescription("Set a typed metadata field on a node."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Node id")),
		mcp.WithString("key", mcp.Required(), mcp.Description("Field key")),
		mcp.WithString("type", mcp.Required(), mcp.Description("Field type: string, number, bool or ref")),
		mcp.WithString("value", mcp.Required(), mcp.Description("Field value, encoded as text")),
	), s.setField)

	s.mcp.AddTool(mcp.NewTool("evaluate",
		mcp.WithDescription("Run the outline's scripts to quiescence and report per-node outcomes."),
	), s.evaluate)

	s.mcp.AddTool(mcp.NewTool("expand_template",
		mcp.WithDescription("Materialize a registered template as a new subtree."),
		mcp.WithString("template", mcp.Required(), mcp.Description("Template id")),
		mcp.WithString("parent", mcp.Description("Parent node id (empty for a new root)")),
	), s.expandTemplate)

	s.mcp.AddTool(mcp.NewTool("get_script_contract",
		mcp.WithDescription("Returns the node script format contract. "+
			"Call this before writing scripted nodes."),
	), s.getScriptContract)

	// Resource: script format contract.
	s.mcp.AddResource(
		mcp.NewResource("sofer://script-format", "Node Script Contract",
			mcp.WithResourceDescription("Canonical format for scripted outline nodes."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readScriptFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) readNode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	view, err := s.svc.GetNode(ctx, outline.ID(id))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("node %s: %s", id, err)), nil
	}
	out, _ := json.MarshalIndent(nodeSummaryOf(view), "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) listChildren(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var ids []outline.ID
	var err error
	if id, idErr := req.RequireString("id"); idErr == nil && id != "" {
		ids, err = s.svc.Children(ctx, outline.ID(id))
	} else {
		ids, err = s.svc.Roots(ctx)
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	lines := make([]string, len(ids))
	for i, c := range ids {
		lines[i] = string(c)
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (s *Server) setText(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.svc.SetText(ctx, outline.ID(id), text); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("updated: %s", id)), nil
}

func (s *Server) setField(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	key, err := req.RequireString("key")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	typ, err := req.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	raw, err := req.RequireString("value")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	v, err := outline.Decode(outline.FieldType(typ), raw)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.svc.SetField(ctx, outline.ID(id), key, v); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("updated: %s", id)), nil
}

func (s *Server) evaluate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := s.svc.Evaluate(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, _ := json.MarshalIndent(res, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) expandTemplate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tpl, err := req.RequireString("template")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	parent := ""
	if p, pErr := req.RequireString("parent"); pErr == nil {
		parent = p
	}
	root, required, err := s.svc.ExpandTemplate(ctx, tpl, outline.ID(parent), 0)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	msg := fmt.Sprintf("expanded: %s", root)
	if len(required) > 0 {
		var lines []string
		for _, r := range required {
			lines = append(lines, fmt.Sprintf("%s.%s", r.Node, r.Key))
		}
		msg += "\nfields awaiting values:\n" + strings.Join(lines, "\n")
	}
	return mcp.NewToolResultText(msg), nil
}

func (s *Server) getScriptContract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(ScriptFormatContract), nil
}

func (s *Server) readScriptFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "sofer://script-format",
			MIMEType: "text/markdown",
			Text:     ScriptFormatContract,
		},
	}, nil
}

// nodeSummary is the JSON shape read_node returns.
type nodeSummary struct {
	ID       string            `json:"id"`
	Parent   string            `json:"parent,omitempty"`
	Text     string            `json:"text"`
	Children []string          `json:"children"`
	Meta     map[string]string `json:"meta,omitempty"`
	Computed string            `json:"computed,omitempty"`
	State    string            `json:"state"`
	Error    string            `json:"error,omitempty"`
}

func nodeSummaryOf(v engine.NodeView) nodeSummary {
	meta := make(map[string]string, len(v.Meta))
	for k, fv := range v.Meta {
		meta[k] = fv.Render()
	}
	children := make([]string, len(v.Children))
	for i, c := range v.Children {
		children[i] = string(c)
	}
	sum := nodeSummary{
		ID:       string(v.ID),
		Parent:   string(v.Parent),
		Text:     v.Text,
		Children: children,
		Meta:     meta,
		State:    string(v.State),
		Error:    v.EvalErr,
	}
	if v.Computed != nil {
		sum.Computed = v.Computed.Render()
	}
	return sum
}
