package items

import (
	"testing"

	lerrors "github.com/obirvalger/lineup/internal/errors"
	"github.com/obirvalger/lineup/internal/manifestdoc"
	"github.com/obirvalger/lineup/internal/value"
	"github.com/obirvalger/lineup/internal/vars"
)

func noopRender(tmpl string, s *vars.Scope) (string, error) { return tmpl, nil }

func TestExpand_Array(t *testing.T) {
	spec := &manifestdoc.ItemsSpec{Kind: "array", Array: []any{"a", int64(2), true}}
	out, err := Expand(spec, vars.NewScope(), noopRender, nil)
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("len = %d, want 3", len(out))
	}
	if s, _ := out[0].String(); s != "a" {
		t.Errorf("out[0] = %v, want a", out[0])
	}
}

func TestExpand_Range(t *testing.T) {
	spec := &manifestdoc.ItemsSpec{Kind: "range", Start: 1, End: 4, Step: 1}
	out, err := Expand(spec, vars.NewScope(), noopRender, nil)
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}
	want := []int64{1, 2, 3}
	if len(out) != len(want) {
		t.Fatalf("len = %d, want %d", len(out), len(want))
	}
	for i, w := range want {
		if v, _ := out[i].Int(); v != w {
			t.Errorf("out[%d] = %d, want %d", i, v, w)
		}
	}
}

func TestExpand_RangeDescending(t *testing.T) {
	spec := &manifestdoc.ItemsSpec{Kind: "range", Start: 3, End: 0, Step: -1}
	out, err := Expand(spec, vars.NewScope(), noopRender, nil)
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}
	want := []int64{3, 2, 1}
	for i, w := range want {
		if v, _ := out[i].Int(); v != w {
			t.Errorf("out[%d] = %d, want %d", i, v, w)
		}
	}
}

func TestExpand_JSON(t *testing.T) {
	spec := &manifestdoc.ItemsSpec{Kind: "json", JSONExpr: `[1, 2, 3]`}
	out, err := Expand(spec, vars.NewScope(), noopRender, nil)
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("len = %d, want 3", len(out))
	}
}

func TestExpand_JSON_Object(t *testing.T) {
	spec := &manifestdoc.ItemsSpec{Kind: "json", JSONExpr: `{"b": 1, "a": 2}`}
	out, err := Expand(spec, vars.NewScope(), noopRender, nil)
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}
	want := []string{"a", "b"}
	if len(out) != len(want) {
		t.Fatalf("len = %d, want %d", len(out), len(want))
	}
	for i, w := range want {
		if s, _ := out[i].String(); s != w {
			t.Errorf("out[%d] = %q, want %q", i, s, w)
		}
	}
}

func TestExpand_JSON_Scalar(t *testing.T) {
	spec := &manifestdoc.ItemsSpec{Kind: "json", JSONExpr: `5`}
	_, err := Expand(spec, vars.NewScope(), noopRender, nil)
	if !lerrors.HasCode(err, lerrors.CodeTypeMismatch) {
		t.Errorf("expected TYPE_001, got %v", err)
	}
}

func TestExpand_Var(t *testing.T) {
	scope := vars.NewScope()
	scope.Set("hosts", value.Array([]value.Value{value.String("a"), value.String("b")}))
	spec := &manifestdoc.ItemsSpec{Kind: "var", VarName: "hosts"}

	out, err := Expand(spec, scope, noopRender, nil)
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
}

func TestExpand_Var_Object(t *testing.T) {
	scope := vars.NewScope()
	scope.Set("m", value.Object(map[string]value.Value{"y": value.Int(1), "x": value.Int(2)}))
	spec := &manifestdoc.ItemsSpec{Kind: "var", VarName: "m"}

	out, err := Expand(spec, scope, noopRender, nil)
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}
	want := []string{"x", "y"}
	for i, w := range want {
		if s, _ := out[i].String(); s != w {
			t.Errorf("out[%d] = %q, want %q", i, s, w)
		}
	}
}

func TestExpand_Var_Unknown(t *testing.T) {
	spec := &manifestdoc.ItemsSpec{Kind: "var", VarName: "missing"}
	_, err := Expand(spec, vars.NewScope(), noopRender, nil)
	if !lerrors.HasCode(err, lerrors.CodeResolveUnknownRef) {
		t.Errorf("expected RESOLVE_005, got %v", err)
	}
}

func TestExpand_Command(t *testing.T) {
	run := func(cmd string) (string, error) { return "a\nb\nc\n", nil }
	spec := &manifestdoc.ItemsSpec{Kind: "command", Command: "list-hosts"}

	out, err := Expand(spec, vars.NewScope(), noopRender, run)
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}
	want := []string{"a", "b", "c"}
	for i, w := range want {
		if s, _ := out[i].String(); s != w {
			t.Errorf("out[%d] = %q, want %q", i, s, w)
		}
	}
}

func TestChildScope_BindsItem(t *testing.T) {
	parent := vars.NewScope()
	child := ChildScope(parent, value.Int(5))

	v, ok := child.GetSpecial("item")
	if !ok {
		t.Fatal("expected item special bound")
	}
	if i, _ := v.Int(); i != 5 {
		t.Errorf("item = %d, want 5", i)
	}
}
