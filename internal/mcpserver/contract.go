package mcpserver

// ScriptFormatContract describes the node script format that LLM consumers
// should follow when writing scripted outline nodes.
const ScriptFormatContract = `# Sofer Node Script Contract

A node whose text contains the marker ` + "`@`" + ` embeds a Lua script. Everything
before the marker is a literal prefix, everything after it is the script.

## Structure

` + "```" + `
<prefix>@<lua expression or function>
` + "```" + `

- ` + "`@2 + 3`" + ` computes the number 5.
- ` + "`Total: @40 + 2`" + ` computes the string "Total: 42" (a non-empty prefix
  always renders the result as text and concatenates).
- A bare ` + "`@`" + ` with nothing after it is not a script; the node's value is the
  literal prefix.

## Script body

The body is either a Lua expression or code evaluating to a function. When
it evaluates to a function, the function is called with a view of the data
the node reads:

` + "```" + `lua
function(view)
  local sum = 0
  for _, child in ipairs(view.children) do
    if child.value ~= nil then sum = sum + child.value end
  end
  return sum
end
` + "```" + `

- ` + "`view.id`" + `, ` + "`view.text`" + `, ` + "`view.meta`" + ` describe the scripted node itself.
- ` + "`view.children`" + ` is an array of inputs in sibling order; each has
  ` + "`id`" + `, ` + "`text`" + `, ` + "`value`" + ` (the computed value, may be nil) and ` + "`meta`" + `.
- ` + "`view.nodes`" + ` maps node id to the same input shape for every node the
  script declared as read.
- ` + "`mutate.set_text(id, text)`" + `, ` + "`mutate.set_field(id, key, value)`" + ` and
  ` + "`mutate.remove_field(id, key)`" + ` request writes; they are applied after the
  script returns and re-trigger evaluation of affected nodes.

## Declaring reads

Scripts read their direct children unless they declare otherwise with a
directive comment inside the script body:

` + "```" + `lua
--@reads descendants
` + "```" + `

Selectors: ` + "`children`" + ` (default), ` + "`descendants`" + `, ` + "`node:<id>`" + ` (repeatable,
comma separated). The engine evaluates readers after the nodes they read and
flags circular reads as cycle errors.

## Rules

1. Return a string, number or boolean (or nil for no value). Tables are not
   values.
2. Scripts run sandboxed: no io, no os, no require, no load. Only base,
   table, string and math libraries are available.
3. Scripts must finish within the configured timeout (default 250ms).
4. Do not mutate the node the script lives on from its own script; that is
   a self-dependency and becomes a cycle error.
`
