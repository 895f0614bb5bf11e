// Package items expands an `items` specification (spec.md §4.3) into a
// finite ordered sequence of item values against the active scope: a
// literal array, a half-open integer range, a rendered JSON expression, a
// referenced variable, or the output lines of a command.
package items

import (
	"sort"
	"strings"

	lerrors "github.com/obirvalger/lineup/internal/errors"
	"github.com/obirvalger/lineup/internal/manifestdoc"
	"github.com/obirvalger/lineup/internal/value"
	"github.com/obirvalger/lineup/internal/vars"
)

// CommandRunner executes a command-kind items spec and returns its
// standard output. Injected so this package never imports internal/dispatch
// or internal/backend; callers (internal/taskline, internal/run) supply it.
type CommandRunner func(command string) (string, error)

// Expand produces the ordered item sequence for spec against scope.
func Expand(spec *manifestdoc.ItemsSpec, scope *vars.Scope, render vars.RenderFunc, run CommandRunner) ([]value.Value, error) {
	switch spec.Kind {
	case "array":
		out := make([]value.Value, len(spec.Array))
		for i, raw := range spec.Array {
			out[i] = value.FromAny(raw)
		}
		return out, nil

	case "range":
		return expandRange(spec), nil

	case "json":
		rendered, err := render(spec.JSONExpr, scope)
		if err != nil {
			return nil, err
		}
		v, err := value.ParseJSON("items", rendered)
		if err != nil {
			return nil, err
		}
		return itemsOf("items", v)

	case "var":
		v, ok := scope.Get(spec.VarName)
		if !ok {
			return nil, lerrors.ResolveUnknownRef("var", spec.VarName)
		}
		return itemsOf(spec.VarName, v)

	case "command":
		if run == nil {
			return nil, lerrors.Internal("items.command requires a CommandRunner", nil)
		}
		out, err := run(spec.Command)
		if err != nil {
			return nil, err
		}
		return linesOf(out), nil

	default:
		return nil, lerrors.ParseInvalidValue("items", "items", "unknown items kind: "+spec.Kind)
	}
}

// itemsOf expands v into an item sequence: array elements in order, or the
// keys of an object (sorted for a stable iteration order) bound as strings.
// Any other kind is a type error.
func itemsOf(name string, v value.Value) ([]value.Value, error) {
	if arr, ok := v.Array(); ok {
		return arr, nil
	}
	if obj, ok := v.Object(); ok {
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]value.Value, len(keys))
		for i, k := range keys {
			out[i] = value.String(k)
		}
		return out, nil
	}
	return nil, lerrors.TypeMismatch(name, "array or object", v.Kind().String())
}

func expandRange(spec *manifestdoc.ItemsSpec) []value.Value {
	var out []value.Value
	if spec.Step > 0 {
		for i := spec.Start; i < spec.End; i += spec.Step {
			out = append(out, value.Int(i))
		}
	} else {
		for i := spec.Start; i > spec.End; i += spec.Step {
			out = append(out, value.Int(i))
		}
	}
	return out
}

func linesOf(s string) []value.Value {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	out := make([]value.Value, len(lines))
	for i, l := range lines {
		out[i] = value.String(l)
	}
	return out
}

// ChildScope returns a child of parent with `item` bound as a special
// variable, for the per-iteration frame spec.md §4.3 describes.
func ChildScope(parent *vars.Scope, item value.Value) *vars.Scope {
	child := parent.Child()
	child.SetSpecial("item", item)
	return child
}
