// Package taskset implements Lineup's taskset DAG scheduler (spec.md §4.5):
// a dependency graph built from each entry's `requires`, cycle rejection,
// worker-set intersection by regex, concurrent execution of eligible
// entries and their per-worker runs, and cooperative cancellation.
package taskset

import (
	"context"
	"regexp"
	"sync"

	"github.com/pyr-sh/dag"

	"github.com/obirvalger/lineup/internal/backend"
	lerrors "github.com/obirvalger/lineup/internal/errors"
	"github.com/obirvalger/lineup/internal/manifestdoc"
	"github.com/obirvalger/lineup/internal/taskline"
	"github.com/obirvalger/lineup/internal/value"
	"github.com/obirvalger/lineup/internal/vars"

	"log/slog"
)

// Status is an entry's terminal outcome.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// EntryResult is one taskset entry's outcome.
type EntryResult struct {
	Name   string
	Status Status
	Err    error
}

// WorkerSet is the worker universe available to a taskset run: name ->
// backend.
type WorkerSet map[string]backend.Backend

type workerUniverseKey struct{}

// WithWorkerUniverse attaches the worker-name universe a `provide-workers`
// entry restricts nested run-taskset/run-lineup invocations to. internal/run
// reads this back via WorkerUniverseFrom when constructing a nested call's
// own WorkerSet.
func WithWorkerUniverse(ctx context.Context, names []string) context.Context {
	return context.WithValue(ctx, workerUniverseKey{}, names)
}

// WorkerUniverseFrom returns the restricted worker-name universe set by an
// enclosing `provide-workers` entry, if any.
func WorkerUniverseFrom(ctx context.Context) ([]string, bool) {
	v, ok := ctx.Value(workerUniverseKey{}).([]string)
	return v, ok
}

// Scheduler runs a taskset's entries to completion.
type Scheduler struct {
	Render   vars.RenderFunc
	Lookup   taskline.Lookup
	External taskline.ExternalRunner
	FsStore  *vars.FsStore
	Logger   *slog.Logger
}

type node struct {
	name       string
	entry      *manifestdoc.TasksetEntry
	requires   []string
	dependents []string

	mu        sync.Mutex
	remaining int
	blocked   bool
	settled   bool
}

// Run executes every entry in taskset against workers, honoring `requires`
// dependency order, `workers` regex intersection, and `provide-workers`
// universe restriction, returning each entry's terminal result.
func (s *Scheduler) Run(ctx context.Context, tset map[string]*manifestdoc.TasksetEntry, workers WorkerSet, scope *vars.Scope) (map[string]*EntryResult, error) {
	nodes, err := buildGraph(tset)
	if err != nil {
		return nil, err
	}

	results := map[string]*EntryResult{}
	var resultsMu sync.Mutex
	setResult := func(r *EntryResult) {
		resultsMu.Lock()
		results[r.Name] = r
		resultsMu.Unlock()
	}

	var wg sync.WaitGroup

	var markSkipped func(n *node)
	markSkipped = func(n *node) {
		n.mu.Lock()
		if n.settled {
			n.mu.Unlock()
			return
		}
		n.settled = true
		n.mu.Unlock()

		setResult(&EntryResult{Name: n.name, Status: StatusSkipped})
		for _, depName := range n.dependents {
			d := nodes[depName]
			d.mu.Lock()
			d.blocked = true
			d.mu.Unlock()
			markSkipped(d)
		}
	}

	var onComplete func(n *node, err error)
	onComplete = func(n *node, err error) {
		n.mu.Lock()
		n.settled = true
		n.mu.Unlock()

		if err != nil {
			setResult(&EntryResult{Name: n.name, Status: StatusFailed, Err: err})
		} else {
			setResult(&EntryResult{Name: n.name, Status: StatusSucceeded})
		}

		for _, depName := range n.dependents {
			d := nodes[depName]
			d.mu.Lock()
			if err != nil {
				d.blocked = true
			}
			d.remaining--
			ready := d.remaining == 0
			blocked := d.blocked
			d.mu.Unlock()

			if !ready {
				continue
			}
			if blocked {
				markSkipped(d)
				continue
			}
			d.mu.Lock()
			alreadySettled := d.settled
			d.mu.Unlock()
			if !alreadySettled {
				wg.Add(1)
				ready2 := d
				go func() {
					defer wg.Done()
					runOneEntry(ctx, s, ready2, workers, scope, onComplete)
				}()
			}
		}
	}

	for _, n := range nodes {
		if len(n.requires) == 0 {
			n := n
			wg.Add(1)
			go func() {
				defer wg.Done()
				runOneEntry(ctx, s, n, workers, scope, onComplete)
			}()
		}
	}

	wg.Wait()
	return results, nil
}

func runOneEntry(ctx context.Context, s *Scheduler, n *node, workers WorkerSet, scope *vars.Scope, onComplete func(*node, error)) {
	select {
	case <-ctx.Done():
		onComplete(n, lerrors.Cancelled("taskset run aborted before entry started"))
		return
	default:
	}

	err := s.runEntry(ctx, n.name, n.entry, workers, scope)
	onComplete(n, err)
}

func (s *Scheduler) runEntry(ctx context.Context, name string, entry *manifestdoc.TasksetEntry, workers WorkerSet, scope *vars.Scope) error {
	names, err := matchWorkers(workers, entry.Task.Workers)
	if err != nil {
		return err
	}

	entryCtx := ctx
	if len(entry.Task.ProvideWorkers) > 0 {
		entryCtx = WithWorkerUniverse(ctx, entry.Task.ProvideWorkers)
	}

	if len(names) == 0 {
		if s.Logger != nil {
			s.Logger.Warn("taskset entry matched no workers", "entry", name)
		}
		return nil
	}

	errs := make([]error, len(names))
	var wg sync.WaitGroup
	for i, wname := range names {
		wg.Add(1)
		go func(i int, wname string) {
			defer wg.Done()
			be := workers[wname]
			runner := taskline.NewRunner(be, s.Render, s.Lookup, s.Logger)
			runner.External = s.External
			runner.FsStore = s.FsStore

			childScope := scope.Child()
			childScope.SetSpecial("worker", value.String(wname))
			childScope.SetSpecial("taskline", value.String(name))

			_, runErr := runner.Run(entryCtx, name, []*manifestdoc.Task{entry.Task}, childScope)
			errs[i] = runErr
		}(i, wname)
	}
	wg.Wait()

	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

// MatchWorkers matches worker names against regex patterns (default ".*"
// when patterns is empty), the same intersection logic a taskset entry's
// `workers` field uses, exported for internal/run's top-level --workers
// filter.
func MatchWorkers(workers WorkerSet, patterns []string) ([]string, error) {
	return matchWorkers(workers, patterns)
}

func matchWorkers(workers WorkerSet, patterns []string) ([]string, error) {
	if len(patterns) == 0 {
		patterns = []string{".*"}
	}
	res := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, lerrors.ParseInvalidValue("taskset entry", "workers", "invalid regex: "+p)
		}
		res[i] = re
	}

	var names []string
	for name := range workers {
		for _, re := range res {
			if re.MatchString(name) {
				names = append(names, name)
				break
			}
		}
	}
	return names, nil
}

func buildGraph(tset map[string]*manifestdoc.TasksetEntry) (map[string]*node, error) {
	nodes := make(map[string]*node, len(tset))
	for name, entry := range tset {
		nodes[name] = &node{name: name, entry: entry, requires: entry.Task.Requires}
	}

	g := &dag.AcyclicGraph{}
	for name := range nodes {
		g.Add(name)
	}
	for name, n := range nodes {
		for _, req := range n.requires {
			dep, ok := nodes[req]
			if !ok {
				return nil, lerrors.DAGUnknownNode(req)
			}
			dep.dependents = append(dep.dependents, name)
			g.Connect(dag.BasicEdge(req, name))
		}
	}
	for _, n := range nodes {
		n.remaining = len(n.requires)
	}

	// A taskset graph has as many roots as it has dependency-free entries,
	// so Validate (which mandates a single root) can't be used here; Cycles
	// reports cyclic vertex groups directly regardless of root count.
	if cycles := g.Cycles(); len(cycles) > 0 {
		return nil, lerrors.DAGCycle(cycleVertexNames(cycles))
	}

	return nodes, nil
}

func cycleVertexNames(cycles [][]dag.Vertex) []string {
	var names []string
	for _, cycle := range cycles {
		for _, v := range cycle {
			if s, ok := v.(string); ok {
				names = append(names, s)
			}
		}
	}
	return names
}
