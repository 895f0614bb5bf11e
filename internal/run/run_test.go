package run

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/obirvalger/lineup/internal/config"
	"github.com/obirvalger/lineup/internal/dispatch"
	lerrors "github.com/obirvalger/lineup/internal/errors"
	"github.com/obirvalger/lineup/internal/logging"
	"github.com/obirvalger/lineup/internal/taskset"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "lineup.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func testOrchestrator() *Orchestrator {
	return New(config.Default(), logging.NewForTest())
}

const simpleManifest = `
[workers.w]
engine = "host"

[[taskline]]
  [taskline.dummy]
  result = "ok"
`

func TestExecute_SimpleTasklineSucceeds(t *testing.T) {
	path := writeManifest(t, simpleManifest)
	o := testOrchestrator()
	err := o.Execute(context.Background(), Options{ManifestPath: path})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
}

const failingManifest = `
[workers.w]
engine = "host"

[[taskline]]
  [taskline.shell]
  cmd = "exit 1"
`

func TestExecute_TaskFailurePropagates(t *testing.T) {
	path := writeManifest(t, failingManifest)
	o := testOrchestrator()
	err := o.Execute(context.Background(), Options{ManifestPath: path})
	if err == nil {
		t.Fatal("expected failure to propagate")
	}
	if exitCode(err, false) != ExitRuntime {
		t.Errorf("exitCode = %d, want ExitRuntime", exitCode(err, false))
	}
}

const tasksetManifest = `
[workers.w]
engine = "host"

[taskset.a]
[taskset.a.shell]
cmd = "true"

[taskset.b]
requires = ["a"]
[taskset.b.shell]
cmd = "true"
`

func TestExecute_TasksetEntrypointRuns(t *testing.T) {
	path := writeManifest(t, tasksetManifest)
	o := testOrchestrator()
	err := o.Execute(context.Background(), Options{ManifestPath: path, RunTaskset: true})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
}

func TestExecute_UnknownEntrypointFails(t *testing.T) {
	path := writeManifest(t, simpleManifest)
	o := testOrchestrator()
	err := o.Execute(context.Background(), Options{ManifestPath: path, Entrypoint: "missing"})
	if !lerrors.HasCode(err, lerrors.CodeResolveUnknownRef) {
		t.Errorf("expected RESOLVE_005, got %v", err)
	}
}

func TestExecute_ManifestParseErrorMapsToExitParse(t *testing.T) {
	path := writeManifest(t, "this is not valid toml [[[")
	o := testOrchestrator()
	err := o.Execute(context.Background(), Options{ManifestPath: path})
	if err == nil {
		t.Fatal("expected parse error")
	}
	if exitCode(err, false) != ExitParse {
		t.Errorf("exitCode = %d, want ExitParse", exitCode(err, false))
	}
}

func TestExecute_WorkersFilterNarrowsRun(t *testing.T) {
	manifest := `
[workers.db1]
engine = "host"
[workers.web1]
engine = "host"

[[taskline]]
  [taskline.dummy]
  result = "ok"
`
	path := writeManifest(t, manifest)
	o := testOrchestrator()
	err := o.Execute(context.Background(), Options{ManifestPath: path, Workers: []string{"^db.*"}})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
}

func TestExecute_CancelledContextAborts(t *testing.T) {
	path := writeManifest(t, simpleManifest)
	o := testOrchestrator()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := o.Execute(ctx, Options{ManifestPath: path})
	if !lerrors.HasCode(err, lerrors.CodeCancelled) {
		t.Errorf("expected CANCEL_001, got %v", err)
	}
	if exitCode(err, true) != ExitCancelled {
		t.Errorf("exitCode = %d, want ExitCancelled", exitCode(err, true))
	}
}

func TestRun_SuccessExitCode(t *testing.T) {
	path := writeManifest(t, simpleManifest)
	o := testOrchestrator()
	code, err := Run(context.Background(), o, Options{ManifestPath: path})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if code != ExitSuccess {
		t.Errorf("code = %d, want 0", code)
	}
}

func TestExitCode_Success(t *testing.T) {
	if got := exitCode(nil, false); got != ExitSuccess {
		t.Errorf("exitCode(nil) = %d, want 0", got)
	}
}

func TestExitCode_ErrorTaskWithCode(t *testing.T) {
	err := &dispatch.ErrorTask{Msg: "boom", Code: 7}
	if got := exitCode(err, false); got != 7 {
		t.Errorf("exitCode = %d, want 7", got)
	}
}

func TestExitCode_ErrorTaskDefaultsToOne(t *testing.T) {
	err := &dispatch.ErrorTask{Msg: "boom"}
	if got := exitCode(err, false); got != ExitError {
		t.Errorf("exitCode = %d, want 1", got)
	}
}

func TestExitCode_CancelledFlagWins(t *testing.T) {
	if got := exitCode(errors.New("whatever"), true); got != ExitCancelled {
		t.Errorf("exitCode = %d, want 130", got)
	}
}

func TestExitCode_ParsePrefixMapsToTwo(t *testing.T) {
	err := lerrors.ParseMissingField("worker", "engine")
	if got := exitCode(err, false); got != ExitParse {
		t.Errorf("exitCode = %d, want 2", got)
	}
}

func TestExitCode_RuntimeFallback(t *testing.T) {
	err := lerrors.CmdNonZeroExit("false", 1)
	if got := exitCode(err, false); got != ExitRuntime {
		t.Errorf("exitCode = %d, want 3", got)
	}
}

func TestParseWorkerRemap_All(t *testing.T) {
	remap, err := parseWorkerRemap(nil)
	if err != nil {
		t.Fatalf("parseWorkerRemap failed: %v", err)
	}
	if remap.mode != "all" {
		t.Errorf("mode = %s, want all", remap.mode)
	}
}

func TestParseWorkerRemap_Names(t *testing.T) {
	remap, err := parseWorkerRemap(map[string]any{"names": []any{"a", "b"}})
	if err != nil {
		t.Fatalf("parseWorkerRemap failed: %v", err)
	}
	if len(remap.names) != 2 {
		t.Errorf("names = %v", remap.names)
	}
}

func TestParseWorkerRemap_Maps(t *testing.T) {
	remap, err := parseWorkerRemap(map[string]any{"maps": []any{[]any{"a", "x"}, []any{"b", "y"}}})
	if err != nil {
		t.Fatalf("parseWorkerRemap failed: %v", err)
	}
	if len(remap.pairs) != 2 || remap.pairs[0] != [2]string{"a", "x"} {
		t.Errorf("pairs = %v", remap.pairs)
	}
}

func TestApplyWorkerRemap_NamesFiltersAndErrorsOnMissing(t *testing.T) {
	workers := taskset.WorkerSet{"a": nil, "b": nil}
	remap := &workerRemap{mode: "names", names: []string{"a"}}
	out, err := applyWorkerRemap(workers, remap)
	if err != nil {
		t.Fatalf("applyWorkerRemap failed: %v", err)
	}
	if _, ok := out["a"]; !ok || len(out) != 1 {
		t.Errorf("out = %v, want only a", out)
	}

	_, err = applyWorkerRemap(workers, &workerRemap{mode: "names", names: []string{"missing"}})
	if !lerrors.HasCode(err, lerrors.CodeResolveUnknownRef) {
		t.Errorf("expected RESOLVE_005, got %v", err)
	}
}

func TestApplyWorkerRemap_MapsRenames(t *testing.T) {
	workers := taskset.WorkerSet{"a": nil}
	remap := &workerRemap{mode: "maps", pairs: [][2]string{{"a", "x"}}}
	out, err := applyWorkerRemap(workers, remap)
	if err != nil {
		t.Fatalf("applyWorkerRemap failed: %v", err)
	}
	if _, ok := out["x"]; !ok {
		t.Errorf("out = %v, want renamed to x", out)
	}
}

func TestRestrictWorkers(t *testing.T) {
	workers := taskset.WorkerSet{"a": nil, "b": nil}
	out := restrictWorkers(workers, []string{"a"})
	if len(out) != 1 {
		t.Errorf("len(out) = %d, want 1", len(out))
	}
}

func TestFirstString(t *testing.T) {
	m := map[string]any{"file": "f.toml"}
	s, ok := firstString(m, "module", "file")
	if !ok || s != "f.toml" {
		t.Errorf("got %q, %v", s, ok)
	}
	if _, ok := firstString(m, "missing"); ok {
		t.Error("expected not found")
	}
}

func TestHandleRunLineup_NestedManifestRuns(t *testing.T) {
	nestedPath := writeManifest(t, simpleManifest)
	outerDir := filepath.Dir(nestedPath)
	outerManifest := `
[workers.w]
engine = "host"

[[taskline]]
  [taskline.run-lineup]
  manifest = "` + filepath.Base(nestedPath) + `"
`
	outerPath := filepath.Join(outerDir, "outer.toml")
	if err := os.WriteFile(outerPath, []byte(outerManifest), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	o := testOrchestrator()
	err := o.Execute(context.Background(), Options{ManifestPath: outerPath})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
}

func TestExecute_RunLineupTimesOutGracefully(t *testing.T) {
	// A sanity check that a simple manifest (no run-lineup task) completes
	// without error under a 2s context deadline.
	nestedPath := writeManifest(t, simpleManifest)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	o := testOrchestrator()
	err := o.Execute(ctx, Options{ManifestPath: nestedPath})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
}
