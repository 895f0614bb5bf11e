package vars

import (
	"os"
	"path/filepath"
	"testing"

	lerrors "github.com/obirvalger/lineup/internal/errors"
	"github.com/obirvalger/lineup/internal/manifestdoc"
	"github.com/obirvalger/lineup/internal/value"
)

func TestScope_GetSetChain(t *testing.T) {
	root := NewScope()
	root.Set("a", value.String("root-a"))

	child := root.Child()
	child.Set("b", value.String("child-b"))

	if v, ok := child.Get("a"); !ok || mustString(v) != "root-a" {
		t.Errorf("child.Get(a) = %v, %v, want root-a, true", v, ok)
	}
	if v, ok := child.Get("b"); !ok || mustString(v) != "child-b" {
		t.Errorf("child.Get(b) = %v, %v, want child-b, true", v, ok)
	}
	if _, ok := root.Get("b"); ok {
		t.Error("root.Get(b) should not see child's frame")
	}
}

func TestScope_CleanChildHidesVarsButNotSpecials(t *testing.T) {
	root := NewScope()
	root.Set("a", value.String("root-a"))
	root.SetSpecial("worker", value.String("h1"))

	clean := root.CleanChild()
	if _, ok := clean.Get("a"); ok {
		t.Error("clean child should not see parent's user vars")
	}
	if v, ok := clean.GetSpecial("worker"); !ok || mustString(v) != "h1" {
		t.Errorf("clean child should still resolve specials, got %v, %v", v, ok)
	}
}

func TestScope_Export(t *testing.T) {
	root := NewScope()
	child := root.Child()
	child.Set("result", value.Int(42))

	if err := child.Export("result"); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if v, ok := root.Get("result"); !ok {
		t.Fatal("expected result exported into parent")
	} else if i, _ := v.Int(); i != 42 {
		t.Errorf("exported value = %d, want 42", i)
	}
}

func TestScope_ExportUnknown(t *testing.T) {
	root := NewScope()
	child := root.Child()
	if err := child.Export("missing"); err == nil {
		t.Error("expected error exporting unset var")
	}
}

func TestEvalVarDef_Default(t *testing.T) {
	vd := manifestdoc.VarDef{Name: "greeting"}
	render := func(tmpl string, s *Scope) (string, error) { return "rendered:" + tmpl, nil }

	v, err := EvalVarDef(vd, "hello {{ name }}", NewScope(), render, nil)
	if err != nil {
		t.Fatalf("EvalVarDef failed: %v", err)
	}
	if s, _ := v.String(); s != "rendered:hello {{ name }}" {
		t.Errorf("value = %q, want rendered string", s)
	}
}

func TestEvalVarDef_Raw(t *testing.T) {
	vd := manifestdoc.VarDef{Kind: "raw", Name: "tmpl"}
	render := func(tmpl string, s *Scope) (string, error) { return "SHOULD NOT BE CALLED", nil }

	v, err := EvalVarDef(vd, "{{ literal }}", NewScope(), render, nil)
	if err != nil {
		t.Fatalf("EvalVarDef failed: %v", err)
	}
	if s, _ := v.String(); s != "{{ literal }}" {
		t.Errorf("raw value = %q, want unrendered literal", s)
	}
}

func TestEvalVarDef_JSON(t *testing.T) {
	vd := manifestdoc.VarDef{Kind: "json", Name: "cfg"}
	render := func(tmpl string, s *Scope) (string, error) { return tmpl, nil }

	v, err := EvalVarDef(vd, `{"a": 1}`, NewScope(), render, nil)
	if err != nil {
		t.Fatalf("EvalVarDef failed: %v", err)
	}
	obj, ok := v.Object()
	if !ok {
		t.Fatalf("expected object value, got %v", v.Kind())
	}
	if i, _ := obj["a"].Int(); i != 1 {
		t.Errorf("a = %v, want 1", obj["a"])
	}
}

func TestEvalVarDef_JSON_Invalid(t *testing.T) {
	vd := manifestdoc.VarDef{Kind: "json", Name: "cfg"}
	render := func(tmpl string, s *Scope) (string, error) { return tmpl, nil }

	_, err := EvalVarDef(vd, `not json`, NewScope(), render, nil)
	if !lerrors.HasCode(err, lerrors.CodeTypeDecode) {
		t.Errorf("expected TYPE_002, got %v", err)
	}
}

func TestEvalVarDef_TypeMismatch(t *testing.T) {
	vd := manifestdoc.VarDef{Name: "count", Types: []value.TypeName{value.TypeNumber}}
	render := func(tmpl string, s *Scope) (string, error) { return "not-a-number", nil }

	_, err := EvalVarDef(vd, "{{ x }}", NewScope(), render, nil)
	if !lerrors.HasCode(err, lerrors.CodeTypeMismatch) {
		t.Errorf("expected TYPE_001, got %v", err)
	}
}

func TestEvalVarDef_Fs(t *testing.T) {
	dir := t.TempDir()
	store := NewFsStore(dir)
	vd := manifestdoc.VarDef{Kind: "fs", Name: "cache"}
	render := func(tmpl string, s *Scope) (string, error) { return "cached-content", nil }

	v, err := EvalVarDef(vd, "{{ expr }}", NewScope(), render, store)
	if err != nil {
		t.Fatalf("EvalVarDef failed: %v", err)
	}
	if s, _ := v.String(); s != "cached-content" {
		t.Errorf("value = %q, want cached-content", s)
	}

	data, readErr := os.ReadFile(filepath.Join(dir, ".lineup", "vars", "cache"))
	if readErr != nil {
		t.Fatalf("expected fs file written: %v", readErr)
	}
	if string(data) != "cached-content" {
		t.Errorf("file content = %q, want cached-content", data)
	}
}

func TestFsStore_ConcurrentWrite(t *testing.T) {
	store := NewFsStore(t.TempDir())
	store.writing["busy"] = true

	if err := store.Write("busy", "x"); !lerrors.HasCode(err, lerrors.CodeResolveFsConcurrentWrite) {
		t.Errorf("expected RESOLVE_007, got %v", err)
	}
}

func TestExportSet_Collision(t *testing.T) {
	set := NewExportSet()
	if err := set.Claim("result"); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	if err := set.Claim("result"); !lerrors.HasCode(err, lerrors.CodeResolveExportCollision) {
		t.Errorf("expected RESOLVE_006 on second claim, got %v", err)
	}
	if err := set.Claim("other"); err != nil {
		t.Errorf("claiming a distinct name should succeed, got %v", err)
	}
}

func mustString(v value.Value) string {
	s, _ := v.String()
	return s
}
