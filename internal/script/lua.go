package script

import (
	"context"
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
	luaparse "github.com/yuin/gopher-lua/parse"

	"github.com/starford/sofer/internal/outline"
)

// LuaEngine executes script bodies as Lua. It is the reference Engine
// implementation: the body is either an expression or a chunk returning a
// function; a returned function is called with the node view table.
//
// The sandbox opens only the base, table, string and math libraries and
// removes every escape hatch to the host (load, dofile, io, os, print).
type LuaEngine struct{}

// NewLuaEngine returns the Lua script engine.
func NewLuaEngine() *LuaEngine { return &LuaEngine{} }

var _ Engine = (*LuaEngine)(nil)

type luaForm struct {
	proto *lua.FunctionProto
}

// Parse implements Engine. The declared read set comes from "--@reads"
// directive comments inside the body; without one, a script reads its
// children.
func (e *LuaEngine) Parse(text string) (*Parsed, error) {
	idx := strings.Index(text, Marker)
	if idx < 0 {
		return nil, nil
	}
	prefix := text[:idx]
	src := text[idx+len(Marker):]

	p := &Parsed{Prefix: prefix, Source: src}
	if strings.TrimSpace(src) == "" {
		// Bare marker: literal prefix, nothing to execute.
		return p, nil
	}

	reads, err := parseReadDirectives(src)
	if err != nil {
		return nil, &Error{Kind: KindParse, Msg: err.Error()}
	}
	p.Reads = reads

	proto, err := compileLua(src)
	if err != nil {
		return nil, &Error{Kind: KindParse, Msg: err.Error()}
	}
	p.Form = &luaForm{proto: proto}
	return p, nil
}

// Execute implements Engine.
func (e *LuaEngine) Execute(ctx context.Context, p *Parsed, snap Snapshot) (*outline.FieldValue, []Mutation, error) {
	if p.Form == nil {
		v := outline.String(p.Prefix)
		return &v, nil, nil
	}
	form, ok := p.Form.(*luaForm)
	if !ok {
		return nil, nil, &Error{Kind: KindRuntime, Msg: "executable form is not a lua script"}
	}

	L := newSandbox()
	defer L.Close()
	L.SetContext(ctx)

	var muts []Mutation
	L.SetGlobal("mutate", mutateAPI(L, &muts))

	view := nodeView(L, snap)

	L.Push(L.NewFunctionFromProto(form.proto))
	if err := L.PCall(0, 1, nil); err != nil {
		return nil, nil, execError(ctx, err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	if fn, isFn := ret.(*lua.LFunction); isFn {
		L.Push(fn)
		L.Push(view)
		if err := L.PCall(1, 1, nil); err != nil {
			return nil, nil, execError(ctx, err)
		}
		ret = L.Get(-1)
		L.Pop(1)
	}

	value, err := resultValue(ret)
	if err != nil {
		return nil, nil, err
	}
	return combinePrefix(p.Prefix, value), muts, nil
}

// combinePrefix applies the original outliner rule: a non-empty literal
// prefix makes the computed value a string concatenation; otherwise the
// script result keeps its type.
func combinePrefix(prefix string, value *outline.FieldValue) *outline.FieldValue {
	if prefix == "" {
		return value
	}
	s := prefix
	if value != nil {
		s += value.Render()
	}
	v := outline.String(s)
	return &v
}

func resultValue(ret lua.LValue) (*outline.FieldValue, error) {
	switch v := ret.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LString:
		fv := outline.String(string(v))
		return &fv, nil
	case lua.LNumber:
		fv := outline.Number(float64(v))
		return &fv, nil
	case lua.LBool:
		fv := outline.Bool(bool(v))
		return &fv, nil
	}
	return nil, &Error{Kind: KindRuntime, Msg: fmt.Sprintf("script returned unsupported type %s", ret.Type())}
}

func execError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return &Error{Kind: KindTimeout, Msg: ctx.Err().Error()}
	}
	return &Error{Kind: KindRuntime, Msg: err.Error()}
}

// compileLua compiles the body without executing it. Expression bodies
// ("function(node) ... end") are wrapped in a return statement first, the
// way a REPL would.
func compileLua(src string) (*lua.FunctionProto, error) {
	if proto, err := compileChunk("return " + src); err == nil {
		return proto, nil
	}
	return compileChunk(src)
}

func compileChunk(src string) (*lua.FunctionProto, error) {
	chunk, err := luaparse.Parse(strings.NewReader(src), "script")
	if err != nil {
		return nil, err
	}
	return lua.Compile(chunk, "script")
}

// parseReadDirectives scans for "--@reads sel, sel" comment lines.
func parseReadDirectives(src string) ([]ReadSelector, error) {
	var reads []ReadSelector
	declared := false
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "--") {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, "--"))
		if !strings.HasPrefix(rest, "@reads") {
			continue
		}
		declared = true
		for _, tok := range strings.Split(strings.TrimPrefix(rest, "@reads"), ",") {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			sel, err := ParseSelector(tok)
			if err != nil {
				return nil, err
			}
			reads = append(reads, sel)
		}
	}
	if !declared {
		return []ReadSelector{{Kind: SelectChildren}}, nil
	}
	return reads, nil
}

func newSandbox() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	// No ambient access beyond the snapshot: strip host escape hatches.
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "print", "module", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

// nodeView builds the read-only table handed to the script function.
func nodeView(L *lua.LState, snap Snapshot) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("id", lua.LString(snap.Self.ID))
	t.RawSetString("text", lua.LString(snap.Self.Text))
	t.RawSetString("meta", metaTable(L, snap.Self.Meta))

	children := L.NewTable()
	for _, in := range snap.Children {
		children.Append(inputTable(L, in))
	}
	t.RawSetString("children", children)

	nodes := L.NewTable()
	for _, in := range snap.Nodes {
		nodes.RawSetString(string(in.ID), inputTable(L, in))
	}
	t.RawSetString("nodes", nodes)
	return t
}

func inputTable(L *lua.LState, in Input) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("id", lua.LString(in.ID))
	t.RawSetString("text", lua.LString(in.Text))
	if in.Computed != nil {
		t.RawSetString("value", luaValue(*in.Computed))
	}
	t.RawSetString("meta", metaTable(L, in.Meta))
	return t
}

func metaTable(L *lua.LState, meta map[string]outline.FieldValue) *lua.LTable {
	t := L.NewTable()
	for k, v := range meta {
		t.RawSetString(k, luaValue(v))
	}
	return t
}

func luaValue(v outline.FieldValue) lua.LValue {
	switch v.Type {
	case outline.TypeString:
		return lua.LString(v.Str)
	case outline.TypeNumber:
		return lua.LNumber(v.Num)
	case outline.TypeBool:
		return lua.LBool(v.Bool)
	case outline.TypeRef:
		return lua.LString(v.Ref)
	}
	return lua.LNil
}

func fieldFromLua(v lua.LValue) (outline.FieldValue, error) {
	switch lv := v.(type) {
	case lua.LString:
		return outline.String(string(lv)), nil
	case lua.LNumber:
		return outline.Number(float64(lv)), nil
	case lua.LBool:
		return outline.Bool(bool(lv)), nil
	}
	return outline.FieldValue{}, fmt.Errorf("unsupported field value type %s", v.Type())
}

// mutateAPI exposes mutation request collectors. Requests are applied by the
// evaluator after execution; the store is never touched from inside Lua.
func mutateAPI(L *lua.LState, muts *[]Mutation) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("set_text", L.NewFunction(func(L *lua.LState) int {
		*muts = append(*muts, Mutation{
			Kind: MutateSetText,
			Node: outline.ID(L.CheckString(1)),
			Text: L.CheckString(2),
		})
		return 0
	}))
	t.RawSetString("set_field", L.NewFunction(func(L *lua.LState) int {
		fv, err := fieldFromLua(L.Get(3))
		if err != nil {
			L.RaiseError("set_field: %s", err.Error())
			return 0
		}
		*muts = append(*muts, Mutation{
			Kind:  MutateSetField,
			Node:  outline.ID(L.CheckString(1)),
			Key:   L.CheckString(2),
			Value: fv,
		})
		return 0
	}))
	t.RawSetString("remove_field", L.NewFunction(func(L *lua.LState) int {
		*muts = append(*muts, Mutation{
			Kind: MutateRemoveField,
			Node: outline.ID(L.CheckString(1)),
			Key:  L.CheckString(2),
		})
		return 0
	}))
	return t
}
