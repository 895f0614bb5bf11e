package resolver

import (
	"testing"

	"github.com/obirvalger/lineup/internal/manifestdoc"
)

func TestLoadContext_CycleDetection(t *testing.T) {
	ctx := NewLoadContext("root.toml")
	if err := ctx.Enter("a.toml"); err != nil {
		t.Fatalf("Enter(a.toml) failed: %v", err)
	}
	if err := ctx.Enter("b.toml"); err != nil {
		t.Fatalf("Enter(b.toml) failed: %v", err)
	}
	if err := ctx.Enter("a.toml"); err == nil {
		t.Error("expected cycle error re-entering a.toml")
	}
}

func TestLoadContext_ExitAllowsReentry(t *testing.T) {
	ctx := NewLoadContext("root.toml")
	if err := ctx.Enter("a.toml"); err != nil {
		t.Fatalf("Enter failed: %v", err)
	}
	ctx.Exit("a.toml")
	if err := ctx.Enter("a.toml"); err != nil {
		t.Errorf("re-entering after Exit should succeed, got %v", err)
	}
}

func TestResolve_SimpleUse(t *testing.T) {
	imported := &manifestdoc.Manifest{
		Path:    "lib.toml",
		VarDefs: map[string]any{"greeting": "hi"},
		Tasklines: map[string][]*manifestdoc.Task{
			"hello": {{Kind: "shell", Name: "say-hi"}},
		},
	}

	root := &manifestdoc.Manifest{
		Path: "root.toml",
		Use: []*manifestdoc.Use{
			{Module: "lib.toml", HasPrefix: true, Prefix: "lib"},
		},
		Tasklines: map[string][]*manifestdoc.Task{},
		Workers:   map[string]*manifestdoc.Worker{},
	}

	l := &Loader{ReadManifest: func(path string) (*manifestdoc.Manifest, error) {
		if path == "lib.toml" {
			return imported, nil
		}
		return nil, errNotFound(path)
	}}

	rm, err := l.Resolve(root)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if _, ok := rm.Vars["lib.greeting"]; !ok {
		t.Errorf("expected lib.greeting bound, got %v", rm.Vars)
	}
	if _, ok := rm.Tasklines["lib.hello"]; !ok {
		t.Errorf("expected lib.hello taskline bound, got %v", rm.Tasklines)
	}
}

func TestResolve_BadPrefix(t *testing.T) {
	root := &manifestdoc.Manifest{
		Path: "root.toml",
		Use: []*manifestdoc.Use{
			{Module: "lib.toml", HasPrefix: true, Prefix: "bad prefix"},
		},
	}
	l := &Loader{ReadManifest: func(path string) (*manifestdoc.Manifest, error) {
		return &manifestdoc.Manifest{Path: path}, nil
	}}
	if _, err := l.Resolve(root); err == nil {
		t.Error("expected error for invalid prefix")
	}
}

func TestApplyExtend_LastWriterWins(t *testing.T) {
	rm := &ResolvedManifest{Vars: map[string]any{}}
	ext := &manifestdoc.Extend{VarsMaps: []map[string]any{
		{"a": "1", "b": "2"},
		{"a": "3"},
	}}
	if err := applyExtend(rm, ext); err != nil {
		t.Fatalf("applyExtend failed: %v", err)
	}
	if rm.Vars["a"] != "3" {
		t.Errorf("a = %v, want 3 (last writer wins)", rm.Vars["a"])
	}
	if rm.Vars["b"] != "2" {
		t.Errorf("b = %v, want 2", rm.Vars["b"])
	}
}

func TestMaterializeWorkers_DefaultMerge(t *testing.T) {
	root := &manifestdoc.Manifest{
		Default: map[string]any{"image": "ubuntu", "net": "bridge"},
		Workers: map[string]*manifestdoc.Worker{
			"h": {Name: "h", Engine: "docker", EngineFields: map[string]any{"image": "alpine"}},
		},
	}
	l := NewLoader()
	rm := &ResolvedManifest{Workers: map[string]*manifestdoc.Worker{}}
	if err := l.materializeWorkers(root, rm); err != nil {
		t.Fatalf("materializeWorkers failed: %v", err)
	}
	w := rm.Workers["h"]
	if w.EngineFields["image"] != "alpine" {
		t.Errorf("image = %v, want alpine (worker overrides default)", w.EngineFields["image"])
	}
	if w.EngineFields["net"] != "bridge" {
		t.Errorf("net = %v, want bridge (from default)", w.EngineFields["net"])
	}
}

func TestExpandWorkerItems_DuplicateName(t *testing.T) {
	w := &manifestdoc.Worker{Name: "w{{ item }}"}
	render := func(tmpl string, i int, item any) (string, error) {
		return "same", nil
	}
	_, err := ExpandWorkerItems(w, []any{"a", "b"}, render)
	if err == nil {
		t.Error("expected DuplicateWorker error")
	}
}

type testErr string

func (e testErr) Error() string { return string(e) }

func errNotFound(path string) error {
	return testErr("not found: " + path)
}
