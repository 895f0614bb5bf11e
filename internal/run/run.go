// Package run implements Lineup's top-level orchestration (spec.md §4.1,
// §5, §6, §7): load a manifest, resolve it, materialize and set up its
// workers, dispatch into the selected taskline or taskset entrypoint,
// wire the run-taskset/run-lineup task kinds back into nested orchestration,
// and map the outcome onto spec.md §6's process exit codes under a
// SIGINT/SIGTERM-aware cancellation token. Adapted from the teacher
// `internal/orchestrator/orchestrator.go`'s Run/signal-handling skeleton,
// generalized from its async poll loop to Lineup's single synchronous pass.
package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/obirvalger/lineup/internal/backend"
	"github.com/obirvalger/lineup/internal/config"
	"github.com/obirvalger/lineup/internal/dispatch"
	"github.com/obirvalger/lineup/internal/engine"
	lerrors "github.com/obirvalger/lineup/internal/errors"
	"github.com/obirvalger/lineup/internal/items"
	"github.com/obirvalger/lineup/internal/logging"
	"github.com/obirvalger/lineup/internal/manifestdoc"
	"github.com/obirvalger/lineup/internal/resolver"
	"github.com/obirvalger/lineup/internal/taskline"
	"github.com/obirvalger/lineup/internal/taskset"
	"github.com/obirvalger/lineup/internal/value"
	"github.com/obirvalger/lineup/internal/vars"
)

// Process exit codes (spec.md §6).
const (
	ExitSuccess   = 0
	ExitError     = 1 // default for an `error` task with no explicit code
	ExitParse     = 2 // manifest parse/resolve/DAG-validation errors
	ExitRuntime   = 3 // task/command failures during execution
	ExitCancelled = 130
)

// Options configures one orchestration run.
type Options struct {
	ManifestPath string

	// Entrypoint names the taskline to run (default "", the manifest's
	// default/shorthand taskline). Ignored when RunTaskset is set, since a
	// manifest owns exactly one taskset table.
	Entrypoint string
	RunTaskset bool

	// Workers filters the resolved worker set by regex (default: all).
	Workers []string

	// VarOverrides are applied as raw (already-rendered) string values on
	// top of the manifest's own vars, for CLI `--var name=value` flags and
	// a `run-lineup` task's `vars` table.
	VarOverrides map[string]string

	// ExistsOverride, if set, overrides every worker's `exists` policy for
	// this run (a `run-lineup` task's `exists?` field).
	ExistsOverride string

	// CleanOverride, if set, overrides the effective `clean` setting for
	// this run (a `run-lineup` task's `clean?` field).
	CleanOverride *bool

	Config *config.Config
	Logger *slog.Logger
}

// Orchestrator executes manifests. It holds no per-run state so a single
// instance can serve nested run-lineup invocations concurrently.
type Orchestrator struct {
	cfg    *config.Config
	logger *slog.Logger
}

// New creates an Orchestrator, filling in defaults for a nil cfg/logger.
func New(cfg *config.Config, logger *slog.Logger) *Orchestrator {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = logging.NewDefault()
	}
	return &Orchestrator{cfg: cfg, logger: logger}
}

// built is everything one Execute call needs once a manifest has been
// loaded, resolved, and had its workers materialized.
type built struct {
	rm      *resolver.ResolvedManifest
	engine  *engine.Engine
	fsStore *vars.FsStore
	workers taskset.WorkerSet
	specs   map[string]*manifestdoc.Worker
	scope   *vars.Scope
	render  vars.RenderFunc
}

// Run is the entrypoint cmd/lineup calls: it wraps Execute in a
// SIGINT/SIGTERM-aware cancellation token (spec.md §5) and maps the result
// to a process exit code (spec.md §6).
func Run(parent context.Context, o *Orchestrator, opts Options) (int, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	done := make(chan struct{})
	var mu sync.Mutex
	var cancelledBySignal bool
	go func() {
		select {
		case <-sigChan:
			mu.Lock()
			cancelledBySignal = true
			mu.Unlock()
			cancel()
		case <-done:
		}
	}()

	err := o.Execute(ctx, opts)
	close(done)

	mu.Lock()
	cancelled := cancelledBySignal
	mu.Unlock()

	return exitCode(err, cancelled), err
}

func exitCode(err error, cancelled bool) int {
	if err == nil {
		return ExitSuccess
	}
	if cancelled || lerrors.HasCode(err, lerrors.CodeCancelled) {
		return ExitCancelled
	}

	var et *dispatch.ErrorTask
	if errors.As(err, &et) {
		if et.Code != 0 {
			return et.Code
		}
		return ExitError
	}

	code := lerrors.Code(err)
	if strings.HasPrefix(code, "PARSE_") || strings.HasPrefix(code, "RESOLVE_") || strings.HasPrefix(code, "DAG_") {
		return ExitParse
	}
	return ExitRuntime
}

// Execute loads and resolves opts.ManifestPath, sets up its workers, runs
// the selected entrypoint, and tears down workers that finished setup
// (spec.md §5) when the effective `clean` setting requests it.
func (o *Orchestrator) Execute(ctx context.Context, opts Options) error {
	b, err := o.load(opts)
	if err != nil {
		return err
	}
	defer b.engine.Cleanup()

	effectiveClean := o.cfg.Clean
	if b.rm.Source.HasClean {
		effectiveClean = b.rm.Source.Clean
	}
	if opts.CleanOverride != nil {
		effectiveClean = *opts.CleanOverride
	}

	setupDone, cancelledDuringSetup, err := o.setupWorkers(ctx, b)
	if effectiveClean && !cancelledDuringSetup {
		defer o.teardownWorkers(context.Background(), b, setupDone)
	}
	if err != nil {
		return err
	}

	names, err := taskset.MatchWorkers(b.workers, opts.Workers)
	if err != nil {
		return err
	}
	filtered := restrictWorkers(b.workers, names)

	if opts.RunTaskset {
		return o.runTaskset(ctx, b, filtered)
	}
	return o.runTaskline(ctx, b, opts.Entrypoint, filtered)
}

func (o *Orchestrator) load(opts Options) (*built, error) {
	manifest, err := manifestdoc.ParseManifestFile(opts.ManifestPath)
	if err != nil {
		return nil, err
	}

	rm, err := resolver.NewLoader().Resolve(manifest)
	if err != nil {
		return nil, err
	}

	manifestDir := filepath.Dir(manifest.Path)
	fsStore := vars.NewFsStore(manifestDir)
	eng := engine.New(fsStore)
	render := eng.Render

	scope := vars.NewScope()
	scope.SetSpecial("manifest_dir", value.String(manifestDir))

	for defStr, raw := range rm.Vars {
		vd, err := manifestdoc.ParseVarDef(defStr)
		if err != nil {
			return nil, err
		}
		v, err := vars.EvalVarDef(vd, raw, scope, render, fsStore)
		if err != nil {
			return nil, err
		}
		scope.Set(vd.Name, v)
	}
	for name, raw := range opts.VarOverrides {
		scope.Set(name, value.String(raw))
	}

	workers, specs, err := o.buildWorkers(rm, scope, render, opts.ExistsOverride)
	if err != nil {
		return nil, err
	}

	return &built{
		rm:      rm,
		engine:  eng,
		fsStore: fsStore,
		workers: workers,
		specs:   specs,
		scope:   scope,
		render:  render,
	}, nil
}

// buildWorkers materializes every resolved worker into a Backend, expanding
// items-multiplied workers via internal/items + resolver.ExpandWorkerItems
// first (spec.md §3/§4.3). Items commands for worker expansion run on the
// host, since the worker backends they describe don't exist yet.
func (o *Orchestrator) buildWorkers(rm *resolver.ResolvedManifest, scope *vars.Scope, render vars.RenderFunc, existsOverride string) (taskset.WorkerSet, map[string]*manifestdoc.Worker, error) {
	workers := taskset.WorkerSet{}
	specs := map[string]*manifestdoc.Worker{}

	for name, w := range rm.Workers {
		spec := w
		if existsOverride != "" {
			spec = cloneWorkerWithExists(w, existsOverride)
		}

		if spec.Items == nil {
			be, err := backend.New(spec.Name, spec.Engine, spec.EngineFields)
			if err != nil {
				return nil, nil, err
			}
			workers[name] = be
			specs[name] = spec
			continue
		}

		vals, err := items.Expand(spec.Items, scope, render, runHostCommand)
		if err != nil {
			return nil, nil, err
		}
		rawItems := make([]any, len(vals))
		for i, v := range vals {
			rawItems[i] = v
		}
		nameFunc := func(tmpl string, _ int, item any) (string, error) {
			iv := item.(value.Value)
			child := items.ChildScope(scope, iv)
			return render(tmpl, child)
		}

		expanded, err := resolver.ExpandWorkerItems(spec, rawItems, nameFunc)
		if err != nil {
			return nil, nil, err
		}
		for ename, ew := range expanded {
			be, err := backend.New(ew.Name, ew.Engine, ew.EngineFields)
			if err != nil {
				return nil, nil, err
			}
			workers[ename] = be
			specs[ename] = ew
		}
	}

	return workers, specs, nil
}

func cloneWorkerWithExists(w *manifestdoc.Worker, policy string) *manifestdoc.Worker {
	clone := *w
	clone.Exists = policy
	return &clone
}

func runHostCommand(cmd string) (string, error) {
	be, err := backend.New("host", "host", nil)
	if err != nil {
		return "", err
	}
	res, err := be.Run(context.Background(), cmd, nil, "", nil)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// setupWorkers runs each materialized worker's setup/ensure step one at a
// time, in map iteration order (not manifest order), stopping (but not unwinding already-finished workers) if
// ctx is cancelled before every worker has been handled.
func (o *Orchestrator) setupWorkers(ctx context.Context, b *built) (done []string, cancelledDuringSetup bool, err error) {
	for name, spec := range b.specs {
		select {
		case <-ctx.Done():
			return done, true, lerrors.Cancelled("run aborted before all workers finished setup")
		default:
		}

		be := b.workers[name]
		if setupErr := setupOneWorker(ctx, be, spec); setupErr != nil {
			return done, false, lerrors.BackendSetupFailed(name, setupErr)
		}
		done = append(done, name)
	}
	return done, false, nil
}

func setupOneWorker(ctx context.Context, be backend.Backend, w *manifestdoc.Worker) error {
	if w.HasSetup && !w.Setup {
		return nil
	}
	exists, err := be.Exists(ctx)
	if err != nil {
		return err
	}
	if exists {
		return be.Ensure(ctx, backend.ExistsPolicy(w.Exists))
	}
	return be.Setup(ctx)
}

func (o *Orchestrator) teardownWorkers(ctx context.Context, b *built, names []string) {
	for _, name := range names {
		be, ok := b.workers[name]
		if !ok {
			continue
		}
		if err := be.Teardown(ctx); err != nil {
			o.logger.Warn("worker teardown failed", "worker", name, "error", err)
		}
	}
}

func restrictWorkers(workers taskset.WorkerSet, names []string) taskset.WorkerSet {
	allowed := make(map[string]bool, len(names))
	for _, n := range names {
		allowed[n] = true
	}
	out := taskset.WorkerSet{}
	for name, be := range workers {
		if allowed[name] {
			out[name] = be
		}
	}
	return out
}

func lookupFor(rm *resolver.ResolvedManifest) taskline.Lookup {
	return func(name string) ([]*manifestdoc.Task, bool) {
		tasks, ok := rm.Tasklines[name]
		return tasks, ok
	}
}

// runTaskline runs name's task list on every matched worker concurrently,
// the taskline-entrypoint analogue of a taskset entry's per-worker fan-out
// (spec.md §4.5's concurrency model generalized to the top-level run).
func (o *Orchestrator) runTaskline(ctx context.Context, b *built, name string, workers taskset.WorkerSet) error {
	tasks, ok := b.rm.Tasklines[name]
	if !ok {
		return lerrors.ResolveUnknownRef("taskline", name)
	}
	if len(workers) == 0 {
		return lerrors.BackendNotFound("no workers matched entrypoint filter")
	}

	g, gctx := errgroup.WithContext(ctx)
	for wname, be := range workers {
		wname, be := wname, be
		g.Go(func() error {
			runner := taskline.NewRunner(be, b.render, lookupFor(b.rm), o.logger)
			runner.External = o.externalRunner(b.rm, b)
			runner.FsStore = b.fsStore

			childScope := b.scope.Child()
			childScope.SetSpecial("worker", value.String(wname))
			childScope.SetSpecial("taskline", value.String(name))

			_, err := runner.Run(gctx, name, tasks, childScope)
			return err
		})
	}
	return g.Wait()
}

func (o *Orchestrator) runTaskset(ctx context.Context, b *built, workers taskset.WorkerSet) error {
	sched := &taskset.Scheduler{
		Render:   b.render,
		Lookup:   lookupFor(b.rm),
		External: o.externalRunner(b.rm, b),
		FsStore:  b.fsStore,
		Logger:   o.logger,
	}
	results, err := sched.Run(ctx, b.rm.Taskset, workers, b.scope)
	if err != nil {
		return err
	}
	return firstFailure(results)
}

func firstFailure(results map[string]*taskset.EntryResult) error {
	for _, r := range results {
		if r.Status == taskset.StatusFailed {
			return r.Err
		}
	}
	return nil
}

// externalRunner wires run-taskset/run-lineup back into this Orchestrator.
// rm supplies the taskline/taskset tables run-taskset/run-taskline see (the
// currently executing manifest, or a nested one loaded via module/file); b
// still supplies the shared worker set, fs store, renderer, and logger.
func (o *Orchestrator) externalRunner(rm *resolver.ResolvedManifest, b *built) taskline.ExternalRunner {
	return taskline.ExternalRunner{
		RunTaskset: func(ctx context.Context, task *manifestdoc.Task, scope *vars.Scope) error {
			return o.handleRunTaskset(ctx, task, scope, rm, b)
		},
		RunLineup: func(ctx context.Context, task *manifestdoc.Task, scope *vars.Scope) error {
			return o.handleRunLineup(ctx, task, scope, b)
		},
	}
}

func (o *Orchestrator) handleRunTaskset(ctx context.Context, task *manifestdoc.Task, scope *vars.Scope, rm *resolver.ResolvedManifest, b *built) error {
	targetRM := rm
	if mod, ok := firstString(task.Body, "module", "file"); ok && mod != "" {
		nested, err := o.loadNested(rm.Source.Path, mod)
		if err != nil {
			return err
		}
		targetRM = nested
	}

	remap, err := parseWorkerRemap(task.Body["worker"])
	if err != nil {
		return err
	}

	universe := b.workers
	if names, ok := taskset.WorkerUniverseFrom(ctx); ok {
		universe = restrictWorkers(universe, names)
	}
	remapped, err := applyWorkerRemap(universe, remap)
	if err != nil {
		return err
	}

	sched := &taskset.Scheduler{
		Render:   b.render,
		Lookup:   lookupFor(targetRM),
		External: o.externalRunner(targetRM, b),
		FsStore:  b.fsStore,
		Logger:   o.logger,
	}
	results, err := sched.Run(ctx, targetRM.Taskset, remapped, scope.Child())
	if err != nil {
		return err
	}
	return firstFailure(results)
}

func (o *Orchestrator) handleRunLineup(ctx context.Context, task *manifestdoc.Task, _ *vars.Scope, b *built) error {
	manifestPath, _ := task.Body["manifest"].(string)
	if manifestPath == "" {
		return lerrors.ParseMissingField("run-lineup", "manifest")
	}
	if !filepath.IsAbs(manifestPath) {
		manifestPath = filepath.Join(filepath.Dir(b.rm.Source.Path), manifestPath)
	}

	overrides := map[string]string{}
	if raw, ok := task.Body["vars"].(map[string]any); ok {
		for k, v := range raw {
			overrides[k] = fmt.Sprintf("%v", v)
		}
	}

	nested := Options{
		ManifestPath: manifestPath,
		VarOverrides: overrides,
		Config:       o.cfg,
		Logger:       o.logger,
	}
	if exists, ok := task.Body["exists"].(string); ok {
		nested.ExistsOverride = exists
	}
	if clean, ok := task.Body["clean"].(bool); ok {
		nested.CleanOverride = &clean
	}

	return o.Execute(ctx, nested)
}

func (o *Orchestrator) loadNested(basePath, moduleOrFile string) (*resolver.ResolvedManifest, error) {
	path := moduleOrFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(filepath.Dir(basePath), path)
	}
	m, err := manifestdoc.ParseManifestFile(path)
	if err != nil {
		return nil, err
	}
	return resolver.NewLoader().Resolve(m)
}

func firstString(m map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if s, ok := m[k].(string); ok {
			return s, true
		}
	}
	return "", false
}

// workerRemap is a run-taskset task's `worker` field, parsed per spec.md
// §4.6's `worker ∈ {all, {names:[]}, {maps:[[from,to]]}}` contract. §9
// records `maps` as an ordered [from, to] rename-pair list (described by
// example only in spec.md).
type workerRemap struct {
	mode  string
	names []string
	pairs [][2]string
}

func parseWorkerRemap(raw any) (*workerRemap, error) {
	switch v := raw.(type) {
	case nil:
		return &workerRemap{mode: "all"}, nil
	case string:
		if v == "all" {
			return &workerRemap{mode: "all"}, nil
		}
		return nil, lerrors.ParseInvalidValue("run-taskset", "worker", "unknown worker mode: "+v)
	case map[string]any:
		if namesRaw, ok := v["names"].([]any); ok {
			names := make([]string, 0, len(namesRaw))
			for _, n := range namesRaw {
				if s, ok := n.(string); ok {
					names = append(names, s)
				}
			}
			return &workerRemap{mode: "names", names: names}, nil
		}
		if mapsRaw, ok := v["maps"].([]any); ok {
			pairs := make([][2]string, 0, len(mapsRaw))
			for _, p := range mapsRaw {
				pair, ok := p.([]any)
				if !ok || len(pair) != 2 {
					return nil, lerrors.ParseInvalidValue("run-taskset", "worker", "maps entries must be [from, to] pairs")
				}
				from, _ := pair[0].(string)
				to, _ := pair[1].(string)
				pairs = append(pairs, [2]string{from, to})
			}
			return &workerRemap{mode: "maps", pairs: pairs}, nil
		}
		return nil, lerrors.ParseInvalidValue("run-taskset", "worker", "must have names or maps")
	default:
		return nil, lerrors.ParseMissingField("run-taskset", "worker")
	}
}

func applyWorkerRemap(workers taskset.WorkerSet, remap *workerRemap) (taskset.WorkerSet, error) {
	switch remap.mode {
	case "", "all":
		return workers, nil
	case "names":
		out := taskset.WorkerSet{}
		for _, n := range remap.names {
			be, ok := workers[n]
			if !ok {
				return nil, lerrors.ResolveUnknownRef("worker", n)
			}
			out[n] = be
		}
		return out, nil
	case "maps":
		out := taskset.WorkerSet{}
		for _, pair := range remap.pairs {
			be, ok := workers[pair[0]]
			if !ok {
				return nil, lerrors.ResolveUnknownRef("worker", pair[0])
			}
			out[pair[1]] = be
		}
		return out, nil
	default:
		return nil, lerrors.ParseInvalidValue("run-taskset", "worker", "unknown mode")
	}
}
