// Package resolver applies `use`/`extend`/`default` manifest composition
// (spec.md §4.1): it loads imported manifests with import-cycle detection,
// binds prefixed references into the importing manifest's namespace,
// evaluates `extend.vars.maps`, and materializes workers (applying
// `default`; worker `items` are expanded later, by ExpandWorkerItems).
package resolver

import (
	"path/filepath"
	"regexp"
	"strings"

	lerrors "github.com/obirvalger/lineup/internal/errors"
	"github.com/obirvalger/lineup/internal/manifestdoc"
)

// LoadContext tracks the import chain during resolution for cycle
// detection, the same Enter/Exit/Child shape the teacher uses for
// recursive workflow loading.
type LoadContext struct {
	path    string
	visited map[string]bool
	stack   []string
}

// NewLoadContext creates a LoadContext rooted at the given manifest path.
func NewLoadContext(path string) *LoadContext {
	return &LoadContext{path: path, visited: map[string]bool{path: true}, stack: []string{path}}
}

// Enter records that ref is about to be loaded, failing with
// ResolveImportCycle if ref is already on the active load stack.
func (c *LoadContext) Enter(ref string) error {
	if c.visited[ref] {
		cycle := make([]string, len(c.stack)+1)
		copy(cycle, c.stack)
		cycle[len(c.stack)] = ref
		return lerrors.ResolveImportCycle(cycle)
	}
	c.visited[ref] = true
	c.stack = append(c.stack, ref)
	return nil
}

// Exit marks ref as no longer on the active load stack.
func (c *LoadContext) Exit(ref string) {
	if len(c.stack) > 0 && c.stack[len(c.stack)-1] == ref {
		c.stack = c.stack[:len(c.stack)-1]
		delete(c.visited, ref)
	}
}

// Child returns a LoadContext for a nested import, sharing the visited set
// for cycle detection but copying the stack for accurate error paths.
func (c *LoadContext) Child(path string) *LoadContext {
	stackCopy := make([]string, len(c.stack))
	copy(stackCopy, c.stack)
	return &LoadContext{path: path, visited: c.visited, stack: stackCopy}
}

// Loader resolves manifest `use` imports against a filesystem loader
// function, so tests can substitute an in-memory map instead of touching
// disk.
type Loader struct {
	// ReadManifest loads and parses a manifest at the given path (absolute
	// or relative to the importing manifest's directory).
	ReadManifest func(path string) (*manifestdoc.Manifest, error)
}

// NewLoader creates a Loader that reads real files via manifestdoc.
func NewLoader() *Loader {
	return &Loader{ReadManifest: manifestdoc.ParseManifestFile}
}

// ResolvedManifest is a manifest after `use`/`extend`/`default` have been
// applied: imported vars/tasklines are merged in under their prefix, and
// worker engine fields have `default` shallow-merged in.
type ResolvedManifest struct {
	Source *manifestdoc.Manifest

	// Vars holds both this manifest's own `vars` table and every imported
	// `prefix.name` var-definition binding.
	Vars map[string]any

	// Tasklines holds both this manifest's own tasklines and every
	// imported `prefix.name` taskline.
	Tasklines map[string][]*manifestdoc.Task

	Taskset map[string]*manifestdoc.TasksetEntry

	// Workers holds workers after `default` has been shallow-merged onto
	// their engine fields; `items` is kept unexpanded (see
	// ExpandWorkerItems).
	Workers map[string]*manifestdoc.Worker
}

var prefixRe = regexp.MustCompile(`^[A-Za-z0-9_]*$`)

// Resolve loads and merges imports and applies extend and default,
// starting from an already-parsed root manifest. Worker items are not
// expanded here.
func (l *Loader) Resolve(root *manifestdoc.Manifest) (*ResolvedManifest, error) {
	rm := &ResolvedManifest{
		Source:    root,
		Vars:      map[string]any{},
		Tasklines: map[string][]*manifestdoc.Task{},
		Taskset:   map[string]*manifestdoc.TasksetEntry{},
		Workers:   map[string]*manifestdoc.Worker{},
	}

	for k, v := range root.VarDefs {
		rm.Vars[k] = v
	}
	for name, tasks := range root.Tasklines {
		rm.Tasklines[name] = tasks
	}
	for name, entry := range root.Taskset {
		rm.Taskset[name] = entry
	}

	ctx := NewLoadContext(root.Path)
	for _, use := range root.Use {
		if err := l.applyUse(ctx, rm, use, filepath.Dir(root.Path)); err != nil {
			return nil, err
		}
	}

	if err := applyExtend(rm, root.Extend); err != nil {
		return nil, err
	}

	if err := l.materializeWorkers(root, rm); err != nil {
		return nil, err
	}

	return rm, nil
}

func (l *Loader) applyUse(ctx *LoadContext, rm *ResolvedManifest, use *manifestdoc.Use, baseDir string) error {
	path := use.Module
	if !filepath.IsAbs(path) && (strings.HasPrefix(path, "/") || strings.HasPrefix(path, ".")) {
		path = filepath.Join(baseDir, path)
	}

	if err := ctx.Enter(path); err != nil {
		return err
	}
	defer ctx.Exit(path)

	imported, err := l.ReadManifest(path)
	if err != nil {
		return lerrors.ResolveImportNotFound(path)
	}

	childCtx := ctx.Child(path)
	for _, nested := range imported.Use {
		nestedRM := &ResolvedManifest{Vars: map[string]any{}, Tasklines: map[string][]*manifestdoc.Task{}}
		if err := l.applyUse(childCtx, nestedRM, nested, filepath.Dir(path)); err != nil {
			return err
		}
		for k, v := range nestedRM.Vars {
			imported.VarDefs[k] = v
		}
		for k, v := range nestedRM.Tasklines {
			imported.Tasklines[k] = v
		}
	}

	prefix := use.Prefix
	if !use.HasPrefix {
		base := filepath.Base(path)
		base = strings.TrimSuffix(base, filepath.Ext(base))
		prefix = strings.ReplaceAll(base, "-", "_")
	}
	if !prefixRe.MatchString(prefix) {
		return lerrors.ResolveBadPrefix(prefix)
	}

	bindKey := func(name string) string {
		if prefix == "" {
			return name
		}
		return prefix + "." + name
	}

	wantVars := use.Vars
	if wantVars == nil {
		for name := range imported.VarDefs {
			wantVars = append(wantVars, name)
		}
	}
	for _, name := range wantVars {
		v, ok := imported.VarDefs[name]
		if !ok {
			return lerrors.ResolveUnknownRef("var", name)
		}
		rm.Vars[bindKey(name)] = v
	}

	wantTasklines := use.Tasklines
	if wantTasklines == nil {
		for name := range imported.Tasklines {
			wantTasklines = append(wantTasklines, name)
		}
	}
	for _, name := range wantTasklines {
		tasks, ok := imported.Tasklines[name]
		if !ok {
			return lerrors.ResolveUnknownRef("taskline", name)
		}
		key := name
		if prefix != "" {
			if name == "" {
				key = prefix
			} else {
				key = prefix + "." + name
			}
		}
		rm.Tasklines[key] = tasks
	}

	return nil
}

// applyExtend evaluates `extend.vars.maps`: an ordered list of variable
// maps where later maps override earlier ones, each seeing the values of
// all prior maps (spec.md §4.1). Template evaluation of each map's values
// happens in internal/vars against the accumulating scope; here we only
// perform the last-write-wins merge of raw (not-yet-rendered) values.
func applyExtend(rm *ResolvedManifest, ext *manifestdoc.Extend) error {
	if ext == nil {
		return nil
	}
	for _, m := range ext.VarsMaps {
		for k, v := range m {
			rm.Vars[k] = v
		}
	}
	return nil
}

// materializeWorkers shallow-merges `default` onto each worker's engine
// fields, per spec.md §3/§4.3. Workers keep their `items` unexpanded:
// splitting them into distinct named workers needs a template renderer,
// so ExpandWorkerItems performs that step once one is available.
func (l *Loader) materializeWorkers(root *manifestdoc.Manifest, rm *ResolvedManifest) error {
	for name, w := range root.Workers {
		merged := &manifestdoc.Worker{
			Name:         w.Name,
			Engine:       w.Engine,
			Setup:        w.Setup,
			HasSetup:     w.HasSetup,
			Exists:       w.Exists,
			Items:        w.Items,
			EngineFields: map[string]any{},
		}
		for k, v := range root.Default {
			merged.EngineFields[k] = v
		}
		for k, v := range w.EngineFields {
			merged.EngineFields[k] = v
		}
		rm.Workers[name] = merged
	}
	return nil
}

// RenderNameFunc renders a worker name template against a per-item scope.
type RenderNameFunc func(nameTemplate string, itemIndex int, itemValue any) (string, error)

// ExpandWorkerItems expands a single items-multiplied worker into distinct
// named workers. It is a standalone function (not a ResolvedManifest
// method) so internal/run can call it once the template engine and the
// items-expansion results are available.
func ExpandWorkerItems(w *manifestdoc.Worker, items []any, render RenderNameFunc) (map[string]*manifestdoc.Worker, error) {
	out := map[string]*manifestdoc.Worker{}
	for i, item := range items {
		name, err := render(w.Name, i, item)
		if err != nil {
			return nil, err
		}
		if _, exists := out[name]; exists {
			return nil, lerrors.ResolveDuplicateWorker(name)
		}
		clone := *w
		clone.Name = name
		clone.Items = nil
		out[name] = &clone
	}
	return out, nil
}
