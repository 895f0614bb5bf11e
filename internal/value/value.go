// Package value implements Lineup's dynamic tagged value type: the
// representation of variables whose shape is unknown until a manifest is
// loaded (null, bool, int, float, string, array, object).
package value

import (
	"encoding/json"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"

	lerrors "github.com/obirvalger/lineup/internal/errors"
)

// Kind tags the underlying representation of a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is a dynamic JSON-like value: null, bool, int, float, string, array
// of Value, or object (string-keyed map of Value).
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	arr  []Value
	obj  map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{kind: KindNull} }

// Bool wraps a bool.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int wraps an int64.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float wraps a float64.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Array wraps a slice of Value.
func Array(items []Value) Value { return Value{kind: KindArray, arr: items} }

// Object wraps a string-keyed map of Value.
func Object(fields map[string]Value) Value { return Value{kind: KindObject, obj: fields} }

// Kind reports the value's tag.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Bool returns the boolean payload and whether v is a bool.
func (v Value) Bool() (bool, bool) { return v.b, v.kind == KindBool }

// Int returns the integer payload and whether v is an int.
func (v Value) Int() (int64, bool) { return v.i, v.kind == KindInt }

// Float returns the float payload, coercing int, and whether v is numeric.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	default:
		return 0, false
	}
}

// String returns the string payload and whether v is a string.
func (v Value) String() (string, bool) { return v.s, v.kind == KindString }

// Array returns the element slice and whether v is an array.
func (v Value) Array() ([]Value, bool) { return v.arr, v.kind == KindArray }

// Object returns the field map and whether v is an object.
func (v Value) Object() (map[string]Value, bool) { return v.obj, v.kind == KindObject }

// Truthy implements the `if` boolean-gate coercion from spec.md §4.4: the
// strings "true"/"1" are true, "false"/"0" are false, any other non-empty
// string is true, an empty string is false; non-string values use their
// natural zero-value test.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNull:
		return false
	case KindBool:
		return v.b
	case KindInt:
		return v.i != 0
	case KindFloat:
		return v.f != 0
	case KindString:
		switch v.s {
		case "true", "1":
			return true
		case "false", "0", "":
			return false
		default:
			return true
		}
	case KindArray:
		return len(v.arr) > 0
	case KindObject:
		return len(v.obj) > 0
	default:
		return false
	}
}

// AsDisplayString renders v the way a shell result or log line would show
// it: scalars print plainly, composite values are JSON-encoded.
func (v Value) AsDisplayString() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return v.s
	default:
		data, err := json.Marshal(v.toAny())
		if err != nil {
			return ""
		}
		return string(data)
	}
}

func (v Value) toAny() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindArray:
		out := make([]any, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.toAny()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.obj))
		for k, e := range v.obj {
			out[k] = e.toAny()
		}
		return out
	default:
		return nil
	}
}

// FromAny converts a decoded any (as produced by encoding/json,
// gopkg.in/yaml.v3, or BurntSushi/toml) into a Value.
func FromAny(a any) Value {
	switch x := a.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(x)
	case int:
		return Int(int64(x))
	case int64:
		return Int(x)
	case float64:
		return Float(x)
	case string:
		return String(x)
	case []any:
		items := make([]Value, len(x))
		for i, e := range x {
			items[i] = FromAny(e)
		}
		return Array(items)
	case map[string]any:
		fields := make(map[string]Value, len(x))
		for k, e := range x {
			fields[k] = FromAny(e)
		}
		return Object(fields)
	default:
		return String(fmt.Sprintf("%v", x))
	}
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.toAny())
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var a any
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*v = FromAny(a)
	return nil
}

// ParseJSON decodes a JSON document into a Value, for the `json` variable
// kind and the `json|j` template filter's inverse.
func ParseJSON(name, data string) (Value, error) {
	var a any
	if err := json.Unmarshal([]byte(data), &a); err != nil {
		return Value{}, lerrors.TypeDecode("json", name, err)
	}
	return FromAny(a), nil
}

// ParseYAML decodes a YAML document into a Value, for the `yaml` variable
// kind.
func ParseYAML(name, data string) (Value, error) {
	var a any
	if err := yaml.Unmarshal([]byte(data), &a); err != nil {
		return Value{}, lerrors.TypeDecode("yaml", name, err)
	}
	return FromAny(normalizeYAML(a)), nil
}

// normalizeYAML converts yaml.v3's map[string]interface{} (already the
// default for mapping nodes) and recurses into nested maps/slices so
// FromAny's type switch matches uniformly regardless of decoder origin.
func normalizeYAML(a any) any {
	switch x := a.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, v := range x {
			out[k] = normalizeYAML(v)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, v := range x {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(v)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, v := range x {
			out[i] = normalizeYAML(v)
		}
		return out
	default:
		return x
	}
}

// ToJSON encodes v as a JSON document, for the `json|j` filter.
func (v Value) ToJSON() (string, error) {
	data, err := json.Marshal(v.toAny())
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ToYAML encodes v as a YAML document.
func (v Value) ToYAML() (string, error) {
	data, err := yaml.Marshal(v.toAny())
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// TypeName is the `ensure`-style type-union vocabulary from spec.md §3:
// bool|b, number|n, u64|u, i64|i, f64|f, string|s, array|a, object|o.
type TypeName string

const (
	TypeBool   TypeName = "bool"
	TypeNumber TypeName = "number"
	TypeU64    TypeName = "u64"
	TypeI64    TypeName = "i64"
	TypeF64    TypeName = "f64"
	TypeString TypeName = "string"
	TypeArray  TypeName = "array"
	TypeObject TypeName = "object"
)

var typeAliases = map[string]TypeName{
	"bool": TypeBool, "b": TypeBool,
	"number": TypeNumber, "n": TypeNumber,
	"u64": TypeU64, "u": TypeU64,
	"i64": TypeI64, "i": TypeI64,
	"f64": TypeF64, "f": TypeF64,
	"string": TypeString, "s": TypeString,
	"array": TypeArray, "a": TypeArray,
	"object": TypeObject, "o": TypeObject,
}

// ResolveTypeName maps an alias (e.g. "s", "a") to its canonical TypeName.
func ResolveTypeName(alias string) (TypeName, bool) {
	t, ok := typeAliases[alias]
	return t, ok
}

// MatchesType reports whether v satisfies the named declared type.
func (v Value) MatchesType(t TypeName) bool {
	switch t {
	case TypeBool:
		return v.kind == KindBool
	case TypeNumber:
		return v.kind == KindInt || v.kind == KindFloat
	case TypeU64:
		return v.kind == KindInt && v.i >= 0
	case TypeI64:
		return v.kind == KindInt
	case TypeF64:
		return v.kind == KindFloat || v.kind == KindInt
	case TypeString:
		return v.kind == KindString
	case TypeArray:
		return v.kind == KindArray
	case TypeObject:
		return v.kind == KindObject
	default:
		return false
	}
}
