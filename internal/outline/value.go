package outline

import (
	"fmt"
	"strconv"
)

// FieldType tags the type of a metadata or computed value.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeNumber FieldType = "number"
	TypeBool   FieldType = "bool"
	TypeRef    FieldType = "ref"
)

// FieldValue is a typed metadata or computed value. Exactly one of the value
// fields is meaningful, selected by Type.
type FieldValue struct {
	Type FieldType
	Str  string
	Num  float64
	Bool bool
	Ref  ID
}

// String constructs a string value.
func String(s string) FieldValue { return FieldValue{Type: TypeString, Str: s} }

// Number constructs a number value.
func Number(f float64) FieldValue { return FieldValue{Type: TypeNumber, Num: f} }

// Bool constructs a boolean value.
func Bool(b bool) FieldValue { return FieldValue{Type: TypeBool, Bool: b} }

// Ref constructs a node reference value.
func Ref(id ID) FieldValue { return FieldValue{Type: TypeRef, Ref: id} }

// Equal reports whether two values have the same type and content.
func (v FieldValue) Equal(o FieldValue) bool {
	return v == o
}

// Render returns the display form of the value: plain string, %g number,
// true/false, or the referenced id.
func (v FieldValue) Render() string {
	switch v.Type {
	case TypeString:
		return v.Str
	case TypeNumber:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case TypeBool:
		return strconv.FormatBool(v.Bool)
	case TypeRef:
		return string(v.Ref)
	}
	return ""
}

// Encode returns the storage form of the value payload. Decode inverts it.
func (v FieldValue) Encode() string {
	return v.Render()
}

// Decode rebuilds a FieldValue from its type tag and encoded payload.
func Decode(t FieldType, s string) (FieldValue, error) {
	switch t {
	case TypeString:
		return String(s), nil
	case TypeNumber:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return FieldValue{}, fmt.Errorf("decode number %q: %w", s, err)
		}
		return Number(f), nil
	case TypeBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return FieldValue{}, fmt.Errorf("decode bool %q: %w", s, err)
		}
		return Bool(b), nil
	case TypeRef:
		return Ref(ID(s)), nil
	}
	return FieldValue{}, fmt.Errorf("unknown field type %q", t)
}

// FromAny converts a dynamically typed value (YAML/JSON decode output) into a
// FieldValue of the given type.
func FromAny(t FieldType, raw any) (FieldValue, error) {
	switch t {
	case TypeString:
		if s, ok := raw.(string); ok {
			return String(s), nil
		}
	case TypeNumber:
		switch n := raw.(type) {
		case float64:
			return Number(n), nil
		case int:
			return Number(float64(n)), nil
		case int64:
			return Number(float64(n)), nil
		}
	case TypeBool:
		if b, ok := raw.(bool); ok {
			return Bool(b), nil
		}
	case TypeRef:
		if s, ok := raw.(string); ok {
			return Ref(ID(s)), nil
		}
	default:
		return FieldValue{}, fmt.Errorf("unknown field type %q", t)
	}
	return FieldValue{}, fmt.Errorf("value %v does not match type %q", raw, t)
}
