package api

import (
	"fmt"

	"github.com/starford/sofer/internal/engine"
	"github.com/starford/sofer/internal/eval"
	"github.com/starford/sofer/internal/outline"
	"github.com/starford/sofer/internal/template"
)

// CreateNodeRequest is the request body for creating a node. An empty parent
// creates a new root.
type CreateNodeRequest struct {
	Parent   string `json:"parent" example:"8b6e..."`
	Position int    `json:"position" example:"0"`
}

// MoveNodeRequest is the request body for reparenting a node.
type MoveNodeRequest struct {
	Parent   string `json:"parent" validate:"required"`
	Position int    `json:"position"`
}

// SetTextRequest is the request body for replacing a node's text.
type SetTextRequest struct {
	Text string `json:"text"`
}

// FieldDTO is the wire form of a typed field value.
type FieldDTO struct {
	Type  string `json:"type" example:"number" validate:"required"`
	Value any    `json:"value" validate:"required"`
}

// ExpandTemplateRequest is the request body for template expansion.
type ExpandTemplateRequest struct {
	Parent   string `json:"parent"`
	Position int    `json:"position"`
}

// RequiredFieldDTO names a prompt-for-value field left unset.
type RequiredFieldDTO struct {
	Node string `json:"node" validate:"required"`
	Key  string `json:"key" validate:"required"`
}

// ExpandTemplateResponse reports the new subtree root and unresolved fields.
type ExpandTemplateResponse struct {
	Root     string             `json:"root" validate:"required"`
	Required []RequiredFieldDTO `json:"required" validate:"required"`
}

// NodeResponse is the full node payload.
type NodeResponse struct {
	ID       string              `json:"id" validate:"required"`
	Parent   string              `json:"parent,omitempty"`
	Text     string              `json:"text"`
	Children []string            `json:"children" validate:"required"`
	Meta     map[string]FieldDTO `json:"meta" validate:"required"`
	Computed *FieldDTO           `json:"computed,omitempty"`
	State    string              `json:"state" validate:"required"`
	Version  uint64              `json:"version"`
	Error    string              `json:"error,omitempty"`
}

// EvaluateResponse summarizes one evaluation pass.
type EvaluateResponse struct {
	Evaluated       []string `json:"evaluated" validate:"required"`
	CycleErrors     []string `json:"cycle_errors" validate:"required"`
	ScriptErrors    []string `json:"script_errors" validate:"required"`
	MutationLimited []string `json:"mutation_limited" validate:"required"`
	Rounds          int      `json:"rounds"`
}

func fieldDTO(v outline.FieldValue) FieldDTO {
	switch v.Type {
	case outline.TypeString:
		return FieldDTO{Type: string(v.Type), Value: v.Str}
	case outline.TypeNumber:
		return FieldDTO{Type: string(v.Type), Value: v.Num}
	case outline.TypeBool:
		return FieldDTO{Type: string(v.Type), Value: v.Bool}
	case outline.TypeRef:
		return FieldDTO{Type: string(v.Type), Value: string(v.Ref)}
	}
	return FieldDTO{Type: string(v.Type)}
}

func (d FieldDTO) value() (outline.FieldValue, error) {
	if d.Type == "" {
		return outline.FieldValue{}, fmt.Errorf("field type is required")
	}
	return outline.FromAny(outline.FieldType(d.Type), d.Value)
}

func nodeResponse(v engine.NodeView) NodeResponse {
	meta := make(map[string]FieldDTO, len(v.Meta))
	for k, fv := range v.Meta {
		meta[k] = fieldDTO(fv)
	}
	children := make([]string, len(v.Children))
	for i, c := range v.Children {
		children[i] = string(c)
	}
	resp := NodeResponse{
		ID:       string(v.ID),
		Parent:   string(v.Parent),
		Text:     v.Text,
		Children: children,
		Meta:     meta,
		State:    string(v.State),
		Version:  v.Version,
		Error:    v.EvalErr,
	}
	if v.Computed != nil {
		d := fieldDTO(*v.Computed)
		resp.Computed = &d
	}
	return resp
}

func evaluateResponse(res *eval.Result) EvaluateResponse {
	return EvaluateResponse{
		Evaluated:       idStrings(res.Evaluated),
		CycleErrors:     idStrings(res.CycleErrors),
		ScriptErrors:    idStrings(res.ScriptErrors),
		MutationLimited: idStrings(res.MutationLimited),
		Rounds:          res.Rounds,
	}
}

func requiredDTOs(required []template.RequiredField) []RequiredFieldDTO {
	out := make([]RequiredFieldDTO, len(required))
	for i, r := range required {
		out[i] = RequiredFieldDTO{Node: string(r.Node), Key: r.Key}
	}
	return out
}

func idStrings(ids []outline.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
