package taskline

import (
	"context"
	"log/slog"
	"testing"

	"github.com/obirvalger/lineup/internal/backend"
	lerrors "github.com/obirvalger/lineup/internal/errors"
	"github.com/obirvalger/lineup/internal/manifestdoc"
	"github.com/obirvalger/lineup/internal/value"
	"github.com/obirvalger/lineup/internal/vars"
)

func identityRender(tmpl string, s *vars.Scope) (string, error) { return tmpl, nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func mustTask(t *testing.T, kind string, body map[string]any) *manifestdoc.Task {
	t.Helper()
	task, err := manifestdoc.ParseTask(kind, body)
	if err != nil {
		t.Fatalf("ParseTask(%s) failed: %v", kind, err)
	}
	return task
}

func newHostRunner(t *testing.T) *Runner {
	t.Helper()
	be, err := backend.New("w", "host", nil)
	if err != nil {
		t.Fatalf("backend.New failed: %v", err)
	}
	return NewRunner(be, identityRender, nil, discardLogger())
}

func TestRun_SequentialResult(t *testing.T) {
	r := newHostRunner(t)
	tasks := []*manifestdoc.Task{
		mustTask(t, "dummy", map[string]any{"result": "first"}),
		mustTask(t, "dummy", map[string]any{"result": "second"}),
	}
	v, err := r.Run(context.Background(), "t", tasks, vars.NewScope())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if s, _ := v.String(); s != "second" {
		t.Errorf("result = %q, want second (last task wins)", s)
	}
}

func TestRun_ConditionSkips(t *testing.T) {
	r := newHostRunner(t)
	task := mustTask(t, "dummy", map[string]any{"result": "ran", "condition": "exit 1"})
	v, err := r.Run(context.Background(), "t", []*manifestdoc.Task{task}, vars.NewScope())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !v.IsNull() {
		t.Errorf("result = %v, want null (skipped)", v)
	}
}

func TestRun_IfFalseSkips(t *testing.T) {
	r := newHostRunner(t)
	task := mustTask(t, "dummy", map[string]any{"result": "ran", "if": "false"})
	v, err := r.Run(context.Background(), "t", []*manifestdoc.Task{task}, vars.NewScope())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !v.IsNull() {
		t.Errorf("result = %v, want null (skipped)", v)
	}
}

func TestRun_ExportVarsLift(t *testing.T) {
	r := newHostRunner(t)
	task := mustTask(t, "dummy", map[string]any{
		"result":      "exported",
		"vars":        map[string]any{"x": "exported"},
		"export-vars": []any{"x"},
	})
	scope := vars.NewScope()
	if _, err := r.Run(context.Background(), "t", []*manifestdoc.Task{task}, scope); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	v, ok := scope.Get("x")
	if !ok {
		t.Fatal("expected x exported into parent scope")
	}
	if s, _ := v.String(); s != "exported" {
		t.Errorf("x = %q, want exported", s)
	}
}

func TestRun_BreakAbsorbedByInnermost(t *testing.T) {
	r := newHostRunner(t)
	tasks := []*manifestdoc.Task{
		mustTask(t, "break", map[string]any{"result": "broke"}),
		mustTask(t, "dummy", map[string]any{"result": "unreached"}),
	}
	v, err := r.Run(context.Background(), "t", tasks, vars.NewScope())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if s, _ := v.String(); s != "broke" {
		t.Errorf("result = %q, want broke", s)
	}
}

func TestRun_BreakNamedOuterPropagates(t *testing.T) {
	r := newHostRunner(t)
	tasks := []*manifestdoc.Task{
		mustTask(t, "break", map[string]any{"taskline": "outer", "result": "broke"}),
	}
	_, err := r.Run(context.Background(), "inner", tasks, vars.NewScope())
	if err == nil {
		t.Fatal("expected break to propagate past non-matching taskline name")
	}
}

func TestRun_ErrorTaskAborts(t *testing.T) {
	r := newHostRunner(t)
	tasks := []*manifestdoc.Task{
		mustTask(t, "error", map[string]any{"msg": "boom"}),
		mustTask(t, "dummy", map[string]any{"result": "unreached"}),
	}
	_, err := r.Run(context.Background(), "t", tasks, vars.NewScope())
	if err == nil {
		t.Fatal("expected error task to abort taskline")
	}
}

func TestRun_ShellFailureAborts(t *testing.T) {
	r := newHostRunner(t)
	tasks := []*manifestdoc.Task{mustTask(t, "shell", map[string]any{"cmd": "exit 1"})}
	_, err := r.Run(context.Background(), "t", tasks, vars.NewScope())
	if !lerrors.HasCode(err, lerrors.CodeCmdNonZeroExit) {
		t.Errorf("expected CMD_002, got %v", err)
	}
}

func TestRun_RetryExhausted(t *testing.T) {
	r := newHostRunner(t)
	task := mustTask(t, "shell", map[string]any{
		"cmd": "exit 1",
		"try": map[string]any{"attempts": int64(2), "sleep": 0.01},
	})
	_, err := r.Run(context.Background(), "t", []*manifestdoc.Task{task}, vars.NewScope())
	if !lerrors.HasCode(err, lerrors.CodeRetryExhausted) {
		t.Errorf("expected RETRY_001, got %v", err)
	}
}

func TestRun_RetrySucceedsAfterTransientFailure(t *testing.T) {
	r := newHostRunner(t)
	scope := vars.NewScope()
	// The first attempt creates the marker file and fails; the next one
	// finds it and succeeds.
	marker := t.TempDir() + "/attempted"
	scope.Set("marker", value.String(marker))
	task := mustTask(t, "shell", map[string]any{
		"cmd": "test -f " + marker + " || { touch " + marker + "; exit 1; }",
		"try": map[string]any{"attempts": int64(3), "sleep": 0.01},
	})
	v, err := r.Run(context.Background(), "t", []*manifestdoc.Task{task}, scope)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if v.Kind() != value.KindString {
		t.Errorf("result kind = %v, want string", v.Kind())
	}
}

func TestRun_ItemsSequential(t *testing.T) {
	r := newHostRunner(t)
	task := mustTask(t, "dummy", map[string]any{
		"result":   "done",
		"items":    []any{"a", "b", "c"},
		"parallel": false,
	})
	v, err := r.Run(context.Background(), "t", []*manifestdoc.Task{task}, vars.NewScope())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if s, _ := v.String(); s != "done" {
		t.Errorf("result = %q, want done", s)
	}
}

func TestRun_ItemsParallelExportCollision(t *testing.T) {
	r := newHostRunner(t)
	task := mustTask(t, "dummy", map[string]any{
		"result":      "x",
		"vars":        map[string]any{"x": "x"},
		"export-vars": []any{"x"},
		"items":       []any{"a", "b"},
	})
	_, err := r.Run(context.Background(), "t", []*manifestdoc.Task{task}, vars.NewScope())
	if !lerrors.HasCode(err, lerrors.CodeResolveExportCollision) {
		t.Errorf("expected RESOLVE_006, got %v", err)
	}
}

func TestRun_RunTasklineLocal(t *testing.T) {
	r := newHostRunner(t)
	inner := []*manifestdoc.Task{mustTask(t, "dummy", map[string]any{"result": "inner-result"})}
	r.Lookup = func(name string) ([]*manifestdoc.Task, bool) {
		if name == "inner" {
			return inner, true
		}
		return nil, false
	}
	task := mustTask(t, "run", map[string]any{"taskline": "inner"})
	v, err := r.Run(context.Background(), "outer", []*manifestdoc.Task{task}, vars.NewScope())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if s, _ := v.String(); s != "inner-result" {
		t.Errorf("result = %q, want inner-result", s)
	}
}

func TestRun_RunTasklineUnknown(t *testing.T) {
	r := newHostRunner(t)
	r.Lookup = func(name string) ([]*manifestdoc.Task, bool) { return nil, false }
	task := mustTask(t, "run", map[string]any{"taskline": "missing"})
	_, err := r.Run(context.Background(), "outer", []*manifestdoc.Task{task}, vars.NewScope())
	if !lerrors.HasCode(err, lerrors.CodeResolveUnknownRef) {
		t.Errorf("expected RESOLVE_005, got %v", err)
	}
}

func TestRun_RunTasksetNotWired(t *testing.T) {
	r := newHostRunner(t)
	task := mustTask(t, "run-taskset", map[string]any{"module": "x"})
	_, err := r.Run(context.Background(), "t", []*manifestdoc.Task{task}, vars.NewScope())
	if !lerrors.HasCode(err, lerrors.CodeInternal) {
		t.Errorf("expected INTERNAL_001 for unwired run-taskset, got %v", err)
	}
}
