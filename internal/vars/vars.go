// Package vars implements Lineup's variable environment (spec.md §3, §4.2,
// §4.3, §5): a scope chain that resolves names from the innermost frame
// outward, the special variables that are always visible regardless of
// clean-vars, fs-kind variable storage, and export-vars collision detection
// for parallel task iterations.
package vars

import (
	"os"
	"path/filepath"
	"sync"

	lerrors "github.com/obirvalger/lineup/internal/errors"
	"github.com/obirvalger/lineup/internal/manifestdoc"
	"github.com/obirvalger/lineup/internal/value"
)

// Scope is one frame of the variable chain: process defaults -> manifest
// vars -> taskline frame -> task frame -> per-iteration item frame, mirroring
// the nesting teacher `internal/workflow/vars.go`'s VarContext resolves
// through when it walks a chain of maps looking up a substitution.
type Scope struct {
	parent   *Scope
	vars     map[string]value.Value
	specials map[string]value.Value
	clean    bool
}

// NewScope creates a root scope with no parent, for process-default
// variables (spec.md §3's "process defaults" frame).
func NewScope() *Scope {
	return &Scope{vars: map[string]value.Value{}, specials: map[string]value.Value{}}
}

// Child returns a new frame nested under s that still resolves names in s
// and its ancestors when not locally set.
func (s *Scope) Child() *Scope {
	return &Scope{parent: s, vars: map[string]value.Value{}, specials: map[string]value.Value{}}
}

// CleanChild returns a new frame implementing a task's `clean-vars = true`:
// the user-variable frame starts empty and does not see any ancestor's user
// variables, but special variables (item/result/worker/taskline/manifest_dir)
// still resolve through the parent chain per spec.md §3.
func (s *Scope) CleanChild() *Scope {
	return &Scope{parent: s, vars: map[string]value.Value{}, specials: map[string]value.Value{}, clean: true}
}

// Set binds name in this frame.
func (s *Scope) Set(name string, v value.Value) {
	s.vars[name] = v
}

// SetSpecial binds a special variable (item/result/worker/taskline/
// manifest_dir) in this frame.
func (s *Scope) SetSpecial(name string, v value.Value) {
	s.specials[name] = v
}

// Get resolves name by walking outward from this frame. A clean frame does
// not delegate user-variable lookups to its parent.
func (s *Scope) Get(name string) (value.Value, bool) {
	if v, ok := s.vars[name]; ok {
		return v, true
	}
	if s.clean {
		return value.Value{}, false
	}
	if s.parent != nil {
		return s.parent.Get(name)
	}
	return value.Value{}, false
}

// GetSpecial resolves a special variable by walking outward from this
// frame, regardless of clean-vars.
func (s *Scope) GetSpecial(name string) (value.Value, bool) {
	if v, ok := s.specials[name]; ok {
		return v, true
	}
	if s.parent != nil {
		return s.parent.GetSpecial(name)
	}
	return value.Value{}, false
}

// Export lifts name's current value from s into the parent frame, for a
// task's `export-vars` list (spec.md §4.2). It is the caller's
// responsibility to run this through an ExportSet when sibling iterations
// run in parallel.
func (s *Scope) Export(name string) error {
	v, ok := s.Get(name)
	if !ok {
		return lerrors.ResolveUnknownRef("var", name)
	}
	if s.parent == nil {
		return lerrors.Internal("cannot export from root scope", nil)
	}
	s.parent.Set(name, v)
	return nil
}

// All flattens the scope chain into a single map, innermost frame winning,
// for handing a template engine a full name->value context in one shot.
func (s *Scope) All() map[string]value.Value {
	out := map[string]value.Value{}
	var collect func(sc *Scope)
	collect = func(sc *Scope) {
		if sc == nil {
			return
		}
		if !sc.clean {
			collect(sc.parent)
		}
		for k, v := range sc.vars {
			out[k] = v
		}
	}
	collect(s)
	return out
}

// RenderFunc renders a template string against a scope, injected by
// internal/engine so this package never imports it (the engine in turn
// needs a Scope to resolve names, so a direct import would cycle).
type RenderFunc func(tmpl string, scope *Scope) (string, error)

// EvalVarDef evaluates a single variable definition's raw TOML value
// against a scope, implementing the kind rules from spec.md §4.2:
// `raw` suppresses template rendering entirely, `json`/`yaml` render then
// parse the rendered text, `fs` renders and additionally persists the
// rendered text under a deterministic path, and the default (untyped) kind
// renders string values and passes non-string TOML values through
// unchanged. A declared type union is checked last via value.MatchesType.
func EvalVarDef(vd manifestdoc.VarDef, raw any, scope *Scope, render RenderFunc, fsStore *FsStore) (value.Value, error) {
	rendered, err := renderIfString(vd, raw, scope, render)
	if err != nil {
		return value.Value{}, err
	}

	var result value.Value
	switch vd.Kind {
	case "json":
		s, ok := rendered.(string)
		if !ok {
			return value.Value{}, lerrors.ParseInvalidValue("var", vd.Name, "json kind requires a string value")
		}
		result, err = value.ParseJSON(vd.Name, s)
		if err != nil {
			return value.Value{}, err
		}
	case "yaml":
		s, ok := rendered.(string)
		if !ok {
			return value.Value{}, lerrors.ParseInvalidValue("var", vd.Name, "yaml kind requires a string value")
		}
		result, err = value.ParseYAML(vd.Name, s)
		if err != nil {
			return value.Value{}, err
		}
	case "fs":
		s, ok := rendered.(string)
		if !ok {
			return value.Value{}, lerrors.ParseInvalidValue("var", vd.Name, "fs kind requires a string value")
		}
		if fsStore != nil {
			if err := fsStore.Write(vd.Name, s); err != nil {
				return value.Value{}, err
			}
		}
		result = value.String(s)
	default: // "" or "raw"
		result = value.FromAny(rendered)
	}

	if len(vd.Types) > 0 {
		matched := false
		for _, t := range vd.Types {
			if result.MatchesType(t) {
				matched = true
				break
			}
		}
		if !matched {
			return value.Value{}, lerrors.TypeMismatch(vd.Name, typeUnionString(vd.Types), result.Kind().String())
		}
	}

	return result, nil
}

func renderIfString(vd manifestdoc.VarDef, raw any, scope *Scope, render RenderFunc) (any, error) {
	if vd.Kind == "raw" {
		return raw, nil
	}
	s, ok := raw.(string)
	if !ok {
		return raw, nil
	}
	if render == nil {
		return s, nil
	}
	return render(s, scope)
}

func typeUnionString(types []value.TypeName) string {
	out := ""
	for i, t := range types {
		if i > 0 {
			out += "|"
		}
		out += string(t)
	}
	return out
}

// FsStore persists `fs`-kind variable values under a deterministic path
// derived from the manifest directory and variable name (spec.md §6), with
// best-effort detection of two writers touching the same variable at once.
type FsStore struct {
	dir string

	mu      sync.Mutex
	writing map[string]bool
}

// NewFsStore creates an FsStore rooted under manifestDir's `.lineup/vars`
// subdirectory.
func NewFsStore(manifestDir string) *FsStore {
	return &FsStore{dir: filepath.Join(manifestDir, ".lineup", "vars"), writing: map[string]bool{}}
}

// Path returns the deterministic on-disk path for a variable name.
func (f *FsStore) Path(name string) string {
	return filepath.Join(f.dir, sanitizeName(name))
}

// Write persists data for name, failing with FsConcurrentWrite if another
// writer is already in flight for the same name.
func (f *FsStore) Write(name, data string) error {
	f.mu.Lock()
	if f.writing[name] {
		f.mu.Unlock()
		return lerrors.FsConcurrentWrite(name)
	}
	f.writing[name] = true
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.writing, name)
		f.mu.Unlock()
	}()

	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return lerrors.Internal("failed to create fs variable directory", err)
	}
	if err := os.WriteFile(f.Path(name), []byte(data), 0o644); err != nil {
		return lerrors.Internal("failed to write fs variable", err)
	}
	return nil
}

// Read loads a previously written fs-kind variable's content.
func (f *FsStore) Read(name string) (string, error) {
	data, err := os.ReadFile(f.Path(name))
	if err != nil {
		return "", lerrors.Internal("failed to read fs variable", err)
	}
	return string(data), nil
}

func sanitizeName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r == '/' || r == '\\' || r == os.PathSeparator:
			out = append(out, '_')
		default:
			out = append(out, r)
		}
	}
	return string(out)
}

// ExportSet detects two parallel items iterations exporting the same
// variable name (spec.md §9 open question: decided as collision detection,
// not last-writer-wins).
type ExportSet struct {
	mu      sync.Mutex
	claimed map[string]bool
}

// NewExportSet creates an empty ExportSet.
func NewExportSet() *ExportSet {
	return &ExportSet{claimed: map[string]bool{}}
}

// Claim records that name has been exported by this iteration, failing with
// ExportCollision if another iteration already claimed it.
func (e *ExportSet) Claim(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.claimed[name] {
		return lerrors.ExportCollision(name)
	}
	e.claimed[name] = true
	return nil
}
