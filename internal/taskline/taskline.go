// Package taskline executes an ordered sequence of tasks against a single
// worker (spec.md §4.4): condition and if gates, per-task scope building,
// items iteration, dispatch, export-vars lifting, and try/retry, with
// break-task unwinding to a named enclosing taskline.
package taskline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/obirvalger/lineup/internal/backend"
	"github.com/obirvalger/lineup/internal/dispatch"
	lerrors "github.com/obirvalger/lineup/internal/errors"
	"github.com/obirvalger/lineup/internal/items"
	"github.com/obirvalger/lineup/internal/manifestdoc"
	"github.com/obirvalger/lineup/internal/value"
	"github.com/obirvalger/lineup/internal/vars"
)

// Lookup resolves a local taskline name to its task list, for the `run` and
// bare `run-taskline` task kinds.
type Lookup func(name string) ([]*manifestdoc.Task, bool)

// ExternalRunner hooks out the task kinds that need the wider run context
// (cross-manifest taskset/lineup invocation) that a single taskline Runner
// does not hold. internal/run wires these; an unset hook hit at dispatch
// time is an internal/run wiring bug, not a manifest error.
type ExternalRunner struct {
	RunTaskset func(ctx context.Context, task *manifestdoc.Task, scope *vars.Scope) error
	RunLineup  func(ctx context.Context, task *manifestdoc.Task, scope *vars.Scope) error
}

// Runner executes task sequences against one worker backend.
type Runner struct {
	Backend  backend.Backend
	Render   vars.RenderFunc
	Lookup   Lookup
	External ExternalRunner
	FsStore  *vars.FsStore
	Logger   *slog.Logger
}

// NewRunner creates a Runner for one worker backend.
func NewRunner(be backend.Backend, render vars.RenderFunc, lookup Lookup, logger *slog.Logger) *Runner {
	return &Runner{Backend: be, Render: render, Lookup: lookup, Logger: logger}
}

// Run executes tasks in order under name (the break target name), returning
// the taskline's result: the last task's result, or a break's supplied
// result. A break naming a different enclosing taskline propagates upward
// unresolved so an outer Run call can catch it.
func (r *Runner) Run(ctx context.Context, name string, tasks []*manifestdoc.Task, scope *vars.Scope) (value.Value, error) {
	result := value.Null()
	for _, task := range tasks {
		v, err := r.runTask(ctx, task, scope)
		if err != nil {
			if brk, ok := err.(*dispatch.BreakSignal); ok && (brk.Taskline == "" || brk.Taskline == name) {
				return brk.Result, nil
			}
			return value.Value{}, err
		}
		result = v
	}
	return result, nil
}

func (r *Runner) runTask(ctx context.Context, task *manifestdoc.Task, parent *vars.Scope) (value.Value, error) {
	if task.Condition != "" {
		cmd, err := r.Render(task.Condition, parent)
		if err != nil {
			return value.Value{}, err
		}
		res, err := r.Backend.Run(ctx, cmd, nil, "", nil)
		if err != nil {
			return value.Value{}, err
		}
		if res.Exit != 0 {
			return value.Null(), nil
		}
	}

	if task.If != "" {
		rendered, err := r.Render(task.If, parent)
		if err != nil {
			return value.Value{}, err
		}
		if !value.String(rendered).Truthy() {
			return value.Null(), nil
		}
	}

	scope := r.buildScope(task, parent)
	if err := r.applyVars(scope, task); err != nil {
		return value.Value{}, err
	}

	if task.Items != nil {
		return r.runItems(ctx, task, scope)
	}
	return r.dispatchWithRetry(ctx, task, scope, nil)
}

func (r *Runner) buildScope(task *manifestdoc.Task, parent *vars.Scope) *vars.Scope {
	if task.CleanVars {
		return parent.CleanChild()
	}
	return parent.Child()
}

func (r *Runner) applyVars(scope *vars.Scope, task *manifestdoc.Task) error {
	if task.VarsMap != nil {
		if err := r.applyVarsMap(scope, task.VarsMap); err != nil {
			return err
		}
	}
	for _, m := range task.VarsList {
		if err := r.applyVarsMap(scope, m); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) applyVarsMap(scope *vars.Scope, m map[string]any) error {
	for defStr, raw := range m {
		vd, err := manifestdoc.ParseVarDef(defStr)
		if err != nil {
			return err
		}
		v, err := vars.EvalVarDef(vd, raw, scope, r.Render, r.FsStore)
		if err != nil {
			return err
		}
		scope.Set(vd.Name, v)
	}
	return nil
}

func (r *Runner) runItems(ctx context.Context, task *manifestdoc.Task, scope *vars.Scope) (value.Value, error) {
	cmdRunner := func(cmd string) (string, error) {
		res, err := r.Backend.Run(ctx, cmd, nil, "", nil)
		if err != nil {
			return "", err
		}
		return res.Stdout, nil
	}

	vals, err := items.Expand(task.Items, scope, r.Render, cmdRunner)
	if err != nil {
		return value.Value{}, err
	}

	parallel := true
	if task.Parallel != nil {
		parallel = *task.Parallel
	}
	exportSet := vars.NewExportSet()

	if !parallel {
		result := value.Null()
		for _, item := range vals {
			child := items.ChildScope(scope, item)
			v, err := r.dispatchWithRetry(ctx, task, child, exportSet)
			if err != nil {
				return value.Value{}, err
			}
			result = v
		}
		return result, nil
	}

	type outcome struct {
		v   value.Value
		err error
	}
	outcomes := make([]outcome, len(vals))
	var wg sync.WaitGroup
	for i, item := range vals {
		wg.Add(1)
		go func(i int, item value.Value) {
			defer wg.Done()
			child := items.ChildScope(scope, item)
			v, err := r.dispatchWithRetry(ctx, task, child, exportSet)
			outcomes[i] = outcome{v, err}
		}(i, item)
	}
	wg.Wait()

	result := value.Null()
	for _, o := range outcomes {
		if o.err != nil {
			return value.Value{}, o.err
		}
		result = o.v
	}
	return result, nil
}

// dispatchWithRetry executes task's body once, or repeatedly per task.Try
// (spec.md §4.4 step 7), lifting export-vars on success. break/error/
// cancellation signals are never retried.
func (r *Runner) dispatchWithRetry(ctx context.Context, task *manifestdoc.Task, scope *vars.Scope, exportSet *vars.ExportSet) (value.Value, error) {
	attempts := 1
	sleep := 1.0
	var cleanup map[string]any
	hasTry := task.Try != nil
	if hasTry {
		attempts = task.Try.Attempts
		sleep = task.Try.Sleep
		cleanup = task.Try.CleanupTask
	}
	if attempts < 1 {
		attempts = 1
	}

	var result value.Value
	var lastErr error

	op := func() error {
		v, err := r.dispatchOne(ctx, task, scope)
		if err != nil {
			if isControlError(err) {
				return backoff.Permanent(err)
			}
			lastErr = err
			return err
		}
		result = v
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Duration(sleep*float64(time.Second))), uint64(attempts-1))
	notify := func(err error, _ time.Duration) {
		if cleanup != nil {
			r.runCleanup(ctx, cleanup, scope)
		}
	}

	err := backoff.RetryNotify(op, policy, notify)
	if err != nil {
		if isControlError(err) {
			return value.Value{}, err
		}
		if hasTry {
			return value.Value{}, lerrors.RetryExhausted(task.Name, attempts, lastErr)
		}
		return value.Value{}, err
	}

	if exportErr := r.applyExports(task, scope, exportSet); exportErr != nil {
		return value.Value{}, exportErr
	}
	return result, nil
}

func (r *Runner) runCleanup(ctx context.Context, raw map[string]any, scope *vars.Scope) {
	task, err := manifestdoc.ParseTaskTable(raw)
	if err != nil {
		return
	}
	_, _ = r.dispatchOne(ctx, task, scope)
}

func isControlError(err error) bool {
	if _, ok := err.(*dispatch.BreakSignal); ok {
		return true
	}
	if _, ok := err.(*dispatch.ErrorTask); ok {
		return true
	}
	return lerrors.HasCode(err, lerrors.CodeCancelled)
}

func (r *Runner) applyExports(task *manifestdoc.Task, scope *vars.Scope, exportSet *vars.ExportSet) error {
	for _, name := range task.ExportVars {
		if exportSet != nil {
			if err := exportSet.Claim(name); err != nil {
				return err
			}
		}
		if err := scope.Export(name); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) dispatchOne(ctx context.Context, task *manifestdoc.Task, scope *vars.Scope) (value.Value, error) {
	switch task.Kind {
	case "run", "run-taskline":
		return r.runLocal(ctx, task, scope)
	case "run-taskset":
		if r.External.RunTaskset == nil {
			return value.Value{}, lerrors.Internal("run-taskset not wired", nil)
		}
		return value.Null(), r.External.RunTaskset(ctx, task, scope)
	case "run-lineup":
		if r.External.RunLineup == nil {
			return value.Value{}, lerrors.Internal("run-lineup not wired", nil)
		}
		return value.Null(), r.External.RunLineup(ctx, task, scope)
	default:
		return dispatch.Dispatch(ctx, task, r.Backend, scope, r.Render, r.Logger)
	}
}

func (r *Runner) runLocal(ctx context.Context, task *manifestdoc.Task, scope *vars.Scope) (value.Value, error) {
	name, _ := task.Body["taskline"].(string)
	if name == "" {
		return value.Value{}, lerrors.ParseMissingField(task.Kind, "taskline")
	}
	if r.Lookup == nil {
		return value.Value{}, lerrors.Internal("taskline lookup not wired", nil)
	}
	tasks, ok := r.Lookup(name)
	if !ok {
		return value.Value{}, lerrors.ResolveUnknownRef("taskline", name)
	}
	return r.Run(ctx, name, tasks, scope.Child())
}
