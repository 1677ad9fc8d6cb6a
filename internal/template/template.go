// Package template materializes pre-populated subtrees from reusable
// definitions and merges default metadata into existing nodes.
package template

import (
	"fmt"
	"os"
	"sort"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	"github.com/starford/sofer/internal/apperr"
	"github.com/starford/sofer/internal/outline"
)

// Field is one metadata field definition.
type Field struct {
	Key  string            `yaml:"key"`
	Type outline.FieldType `yaml:"type"`
	// Default is the value set on expansion. Ignored when Prompt is true.
	Default any `yaml:"default"`
	// Prompt defers the value to the external editing surface: the field is
	// left unset and reported as required.
	Prompt bool `yaml:"prompt"`
}

// Validate validates a field definition.
func (f Field) Validate() error {
	if err := validation.ValidateStruct(&f,
		validation.Field(&f.Key, validation.Required),
		validation.Field(&f.Type, validation.Required, validation.In(
			outline.TypeString, outline.TypeNumber, outline.TypeBool, outline.TypeRef)),
	); err != nil {
		return err
	}
	if f.Prompt {
		return nil
	}
	if _, err := f.value(); err != nil {
		return fmt.Errorf("field %q: %w", f.Key, err)
	}
	return nil
}

func (f Field) value() (outline.FieldValue, error) {
	if f.Default == nil {
		// Typed zero value.
		switch f.Type {
		case outline.TypeString:
			return outline.String(""), nil
		case outline.TypeNumber:
			return outline.Number(0), nil
		case outline.TypeBool:
			return outline.Bool(false), nil
		case outline.TypeRef:
			return outline.Ref(""), nil
		}
		return outline.FieldValue{}, fmt.Errorf("unknown type %q", f.Type)
	}
	return outline.FromAny(f.Type, f.Default)
}

// Entry is one node in the template's subtree shape.
type Entry struct {
	Text     string  `yaml:"text"`
	Fields   []Field `yaml:"fields"`
	Children []Entry `yaml:"children"`
}

// Validate validates an entry and its subtree.
func (e Entry) Validate() error {
	for _, f := range e.Fields {
		if err := f.Validate(); err != nil {
			return err
		}
	}
	for _, c := range e.Children {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Definition is a registered template.
type Definition struct {
	ID   string `yaml:"id"`
	Root Entry  `yaml:"root"`
}

// Validate validates the definition.
func (d Definition) Validate() error {
	if err := validation.ValidateStruct(&d,
		validation.Field(&d.ID, validation.Required),
	); err != nil {
		return err
	}
	return d.Root.Validate()
}

// RequiredField names a prompt-for-value field left unset on a new node.
type RequiredField struct {
	Node outline.ID
	Key  string
}

// Registry holds template definitions by id.
type Registry struct {
	defs map[string]Definition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register validates and stores a definition, replacing any previous one
// with the same id.
func (r *Registry) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return fmt.Errorf("template %q: %w", def.ID, err)
	}
	r.defs[def.ID] = def
	return nil
}

// Get returns a definition by id.
func (r *Registry) Get(id string) (Definition, error) {
	def, ok := r.defs[id]
	if !ok {
		return Definition{}, fmt.Errorf("template %q: %w", id, apperr.ErrNotFound)
	}
	return def, nil
}

// IDs returns the registered template ids sorted.
func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.defs))
	for id := range r.defs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// LoadDefinitions reads template definitions from a YAML file holding a
// list of definitions. Definitions are not validated here; Register does
// that.
func LoadDefinitions(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates %s: %w", path, err)
	}
	var defs []Definition
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("parse templates %s: %w", path, err)
	}
	return defs, nil
}

// LoadFile reads template definitions from a YAML file and registers them
// all.
func (r *Registry) LoadFile(path string) error {
	defs, err := LoadDefinitions(path)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// Expand materializes a new subtree from def under targetParent at the given
// sibling position. It is a constructor, not a merge: each invocation creates
// an independent subtree. Returns the new root id and any prompt-for-value
// fields left unset.
func Expand(out *outline.Outline, def Definition, targetParent outline.ID, pos int) (outline.ID, []RequiredField, error) {
	var required []RequiredField
	rootID, err := expandEntry(out, def.Root, targetParent, pos, &required)
	if err != nil {
		return "", nil, err
	}
	return rootID, required, nil
}

func expandEntry(out *outline.Outline, e Entry, parent outline.ID, pos int, required *[]RequiredField) (outline.ID, error) {
	n, err := out.Create(parent, pos)
	if err != nil {
		return "", err
	}
	if e.Text != "" {
		if err := out.SetText(n.ID, e.Text); err != nil {
			return "", err
		}
	}
	if err := applyFields(out, n.ID, e.Fields, required); err != nil {
		return "", err
	}
	for i, child := range e.Children {
		if _, err := expandEntry(out, child, n.ID, i, required); err != nil {
			return "", err
		}
	}
	return n.ID, nil
}

// Apply merges def's root fields into an existing node (re-templating).
// Fields the node already has keep their value, making re-application
// idempotent.
func Apply(out *outline.Outline, def Definition, id outline.ID) ([]RequiredField, error) {
	if _, err := out.Node(id); err != nil {
		return nil, err
	}
	var required []RequiredField
	if err := applyFields(out, id, def.Root.Fields, &required); err != nil {
		return nil, err
	}
	return required, nil
}

func applyFields(out *outline.Outline, id outline.ID, fields []Field, required *[]RequiredField) error {
	n, err := out.Node(id)
	if err != nil {
		return err
	}
	for _, f := range fields {
		if _, exists := n.Meta[f.Key]; exists {
			continue
		}
		if f.Prompt {
			*required = append(*required, RequiredField{Node: id, Key: f.Key})
			continue
		}
		v, verr := f.value()
		if verr != nil {
			return verr
		}
		if err := out.SetField(id, f.Key, v); err != nil {
			return err
		}
	}
	return nil
}
