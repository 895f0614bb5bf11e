// Package manifestdoc is the raw TOML document model for Lineup manifests:
// it decodes a manifest file into map[string]any via BurntSushi/toml and
// then extracts the typed sections (vars, use, workers, tasklines, taskset,
// extend, ...) by hand, the way a config key can appear in more than one
// shape (a task's `vars` as either a map or an extend-list, for instance).
package manifestdoc

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"

	lerrors "github.com/obirvalger/lineup/internal/errors"
	"github.com/obirvalger/lineup/internal/value"
)

var prefixRe = regexp.MustCompile(`^[A-Za-z0-9_]*$`)

// VarDef is a parsed var definition string: `[kind %] name [: type]`.
type VarDef struct {
	Kind  string // "", "fs", "json", "raw", "yaml" (aliases j/r normalized)
	Name  string
	Types []value.TypeName // union of declared types, empty if untyped
}

var kindAliases = map[string]string{
	"fs": "fs", "json": "json", "j": "json", "raw": "raw", "r": "raw", "yaml": "yaml",
}

// ParseVarDef parses a var definition string of the form
// `[kind %] name [: type]` per spec.md §3.
func ParseVarDef(def string) (VarDef, error) {
	s := strings.TrimSpace(def)
	vd := VarDef{}

	if idx := strings.Index(s, "%"); idx >= 0 {
		kindRaw := strings.TrimSpace(s[:idx])
		kind, ok := kindAliases[kindRaw]
		if !ok {
			return vd, lerrors.ParseInvalidValue("var definition", def, fmt.Sprintf("unknown kind %q", kindRaw))
		}
		vd.Kind = kind
		s = strings.TrimSpace(s[idx+1:])
	}

	name := s
	if idx := strings.Index(s, ":"); idx >= 0 {
		name = strings.TrimSpace(s[:idx])
		typesRaw := strings.TrimSpace(s[idx+1:])
		for _, part := range strings.Split(typesRaw, "|") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			t, ok := value.ResolveTypeName(part)
			if !ok {
				return vd, lerrors.ParseInvalidValue("var definition", def, fmt.Sprintf("unknown type %q", part))
			}
			vd.Types = append(vd.Types, t)
		}
	}

	if name == "" {
		return vd, lerrors.ParseMissingField("var definition", "name")
	}
	vd.Name = name
	return vd, nil
}

// ItemsSpec is one of the five shapes in spec.md §3: explicit array,
// half-open integer range, JSON expression, variable reference, or command.
type ItemsSpec struct {
	Kind string // "array", "range", "json", "var", "command"

	Array []any

	Start int64
	End   int64
	Step  int64

	JSONExpr string
	VarName  string
	Command  string
}

// ParseItemsSpec interprets a raw `items` value decoded from TOML.
func ParseItemsSpec(raw any) (*ItemsSpec, error) {
	switch v := raw.(type) {
	case []any:
		return &ItemsSpec{Kind: "array", Array: v}, nil
	case map[string]any:
		if _, ok := v["start"]; ok {
			return parseRangeItems(v)
		}
		if _, ok := v["end"]; ok {
			return parseRangeItems(v)
		}
		if expr, ok := v["json"].(string); ok {
			return &ItemsSpec{Kind: "json", JSONExpr: expr}, nil
		}
		if name, ok := v["var"].(string); ok {
			return &ItemsSpec{Kind: "var", VarName: name}, nil
		}
		if cmd, ok := v["command"].(string); ok {
			return &ItemsSpec{Kind: "command", Command: cmd}, nil
		}
		return nil, lerrors.ParseInvalidValue("items", "items", "unrecognized items table shape")
	default:
		return nil, lerrors.ParseInvalidValue("items", "items", "must be an array or table")
	}
}

func parseRangeItems(v map[string]any) (*ItemsSpec, error) {
	spec := &ItemsSpec{Kind: "range", Start: 0, Step: 1}
	if s, ok := asInt64(v["start"]); ok {
		spec.Start = s
	}
	if e, ok := asInt64(v["end"]); ok {
		spec.End = e
	} else {
		return nil, lerrors.ParseMissingField("items", "end")
	}
	if st, ok := asInt64(v["step"]); ok {
		spec.Step = st
	}
	if spec.Step == 0 {
		return nil, lerrors.ParseInvalidValue("items", "step", "must be non-zero")
	}
	diff := spec.End - spec.Start
	if (spec.Step > 0 && diff < 0) || (spec.Step < 0 && diff > 0) {
		return nil, lerrors.ParseInvalidValue("items", "step", "sign disagrees with end-start")
	}
	return spec, nil
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

// TryConfig is a task's `try` retry configuration.
type TryConfig struct {
	Attempts     int
	Sleep        float64
	CleanupTask  map[string]any
}

func parseTryConfig(raw any) (*TryConfig, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, lerrors.ParseInvalidValue("try", "try", "must be a table")
	}
	tc := &TryConfig{Attempts: 1, Sleep: 1.0}
	if a, ok := asInt64(m["attempts"]); ok {
		tc.Attempts = int(a)
	}
	if s, ok := m["sleep"].(float64); ok {
		tc.Sleep = s
	} else if s, ok := asInt64(m["sleep"]); ok {
		tc.Sleep = float64(s)
	}
	if cleanup, ok := m["cleanup"].(map[string]any); ok {
		if task, ok := cleanup["task"].(map[string]any); ok {
			tc.CleanupTask = task
		}
	}
	return tc, nil
}

// CommandResultSpec configures result packaging for shell/exec tasks.
type CommandResultSpec struct {
	Lines       bool
	Matched     bool
	ReturnCode  bool
	Stream      string // "stdout" or "stderr"
	Strip       bool
}

// StreamSpec configures stdout/stderr handling: {log, print}.
type StreamSpec struct {
	Log   string // level name or "off"
	Print bool
}

func parseStreamSpec(raw any) StreamSpec {
	s := StreamSpec{Log: "off", Print: false}
	m, ok := raw.(map[string]any)
	if !ok {
		return s
	}
	if l, ok := m["log"].(string); ok {
		s.Log = l
	}
	if p, ok := m["print"].(bool); ok {
		s.Print = p
	}
	return s
}

// MatchFormula is a boolean formula over out-re/err-re/any-re leaves and
// and/or internal nodes, per spec.md §4.6.
type MatchFormula struct {
	OutRe string
	ErrRe string
	AnyRe string
	And   []*MatchFormula
	Or    []*MatchFormula
}

func parseMatchFormula(raw any) (*MatchFormula, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, lerrors.ParseInvalidValue("match formula", "match", "must be a table")
	}
	f := &MatchFormula{}
	if re, ok := m["out-re"].(string); ok {
		f.OutRe = re
	}
	if re, ok := m["err-re"].(string); ok {
		f.ErrRe = re
	}
	if re, ok := m["any-re"].(string); ok {
		f.AnyRe = re
	}
	if and, ok := m["and"].([]any); ok {
		for _, sub := range and {
			child, err := parseMatchFormula(sub)
			if err != nil {
				return nil, err
			}
			f.And = append(f.And, child)
		}
	}
	if or, ok := m["or"].([]any); ok {
		for _, sub := range or {
			child, err := parseMatchFormula(sub)
			if err != nil {
				return nil, err
			}
			f.Or = append(f.Or, child)
		}
	}
	return f, nil
}

// CommandSpec carries the common command params shared by shell/exec,
// per spec.md §4.6.
type CommandSpec struct {
	Check          bool
	HasCheck       bool
	Stdin          string
	Stdout         StreamSpec
	Stderr         StreamSpec
	SuccessCodes   []int
	SuccessMatches *MatchFormula
	FailureMatches *MatchFormula
	Result         *CommandResultSpec
}

func parseCommandSpec(m map[string]any) (CommandSpec, error) {
	cs := CommandSpec{SuccessCodes: []int{0}}
	if c, ok := m["check"].(bool); ok {
		cs.Check = c
		cs.HasCheck = true
	}
	if s, ok := m["stdin"].(string); ok {
		cs.Stdin = s
	}
	cs.Stdout = parseStreamSpec(m["stdout"])
	cs.Stderr = parseStreamSpec(m["stderr"])
	if codes, ok := m["success-codes"].([]any); ok {
		cs.SuccessCodes = nil
		for _, c := range codes {
			if i, ok := asInt64(c); ok {
				cs.SuccessCodes = append(cs.SuccessCodes, int(i))
			}
		}
	}
	if sm, ok := m["success-matches"]; ok {
		f, err := parseMatchFormula(sm)
		if err != nil {
			return cs, err
		}
		cs.SuccessMatches = f
	}
	if fm, ok := m["failure-matches"]; ok {
		f, err := parseMatchFormula(fm)
		if err != nil {
			return cs, err
		}
		cs.FailureMatches = f
	}
	if r, ok := m["result"].(map[string]any); ok {
		spec := &CommandResultSpec{Stream: "stdout", Strip: true}
		if v, ok := r["lines"].(bool); ok {
			spec.Lines = v
		}
		if v, ok := r["matched"].(bool); ok {
			spec.Matched = v
		}
		if v, ok := r["return-code"].(bool); ok {
			spec.ReturnCode = v
		}
		if v, ok := r["stream"].(string); ok {
			spec.Stream = v
		}
		if v, ok := r["strip"].(bool); ok {
			spec.Strip = v
		}
		cs.Result = spec
	}
	return cs, nil
}

// Task is the tagged union over task bodies from spec.md §3/§4.6. The
// type-specific body fields that don't need structural parsing ahead of
// dispatch time (file/get/ensure/test/... arguments) are kept in Body as a
// raw map and interpreted by internal/dispatch, mirroring the teacher's own
// deferred-field-extraction style in parseModuleStep.
type Task struct {
	Kind string

	Name       string
	Condition  string
	If         string
	Items      *ItemsSpec
	Parallel   *bool
	VarsMap    map[string]any
	VarsList   []map[string]any
	CleanVars  bool
	ExportVars []string
	Try        *TryConfig
	Table      map[string]any

	Command CommandSpec
	Body    map[string]any

	// Taskset-only fields.
	Requires       []string
	Workers        []string
	ProvideWorkers []string
}

var knownTaskKinds = map[string]bool{
	"shell": true, "exec": true, "file": true, "get": true, "run": true,
	"run-taskline": true, "run-taskset": true, "run-lineup": true,
	"ensure": true, "test": true, "break": true, "dummy": true, "error": true,
	"debug": true, "info": true, "trace": true, "warn": true, "special": true,
}

// ParseTask extracts a Task from its raw decoded TOML table. kind is the
// already-determined task type tag (the caller resolves which key names
// the type, since a bare taskline entry may just be `{shell={...}}` or the
// shorthand `{shell.cmd=...}` flattened by the TOML decoder).
func ParseTask(kind string, m map[string]any) (*Task, error) {
	if !knownTaskKinds[kind] {
		return nil, lerrors.ParseUnknownTask(kind)
	}
	t := &Task{Kind: kind, Body: m}

	if v, ok := m["name"].(string); ok {
		t.Name = v
	}
	if v, ok := m["condition"].(string); ok {
		t.Condition = v
	}
	if v, ok := m["if"].(string); ok {
		t.If = v
	}
	if v, ok := m["clean-vars"].(bool); ok {
		t.CleanVars = v
	}
	if v, ok := m["parallel"].(bool); ok {
		t.Parallel = &v
	}
	if v, ok := m["export-vars"].([]any); ok {
		for _, e := range v {
			if s, ok := e.(string); ok {
				t.ExportVars = append(t.ExportVars, s)
			}
		}
	}
	if v, ok := m["table"].(map[string]any); ok {
		t.Table = v
	}
	if raw, ok := m["items"]; ok {
		spec, err := ParseItemsSpec(raw)
		if err != nil {
			return nil, err
		}
		t.Items = spec
	}
	if raw, ok := m["try"]; ok {
		tc, err := parseTryConfig(raw)
		if err != nil {
			return nil, err
		}
		t.Try = tc
	}
	if raw, ok := m["vars"]; ok {
		switch vv := raw.(type) {
		case map[string]any:
			t.VarsMap = vv
		case []any:
			for _, e := range vv {
				if em, ok := e.(map[string]any); ok {
					t.VarsList = append(t.VarsList, em)
				}
			}
		}
	}

	if kind == "shell" || kind == "exec" {
		cs, err := parseCommandSpec(m)
		if err != nil {
			return nil, err
		}
		t.Command = cs
	}

	if kind == "run" {
		if v, ok := m["taskline"].(string); ok {
			t.Body = map[string]any{"taskline": v}
		}
	}

	return t, nil
}

// Worker is a named execution endpoint from spec.md §3.
type Worker struct {
	Name         string
	Engine       string
	EngineFields map[string]any
	Setup        bool
	HasSetup     bool
	Exists       string // fail|ignore|replace
	Items        *ItemsSpec
}

// ParseWorker extracts a Worker from its raw decoded TOML table.
func ParseWorker(name string, m map[string]any) (*Worker, error) {
	w := &Worker{Name: name, Exists: "fail", EngineFields: map[string]any{}}

	engine, ok := m["engine"].(string)
	if !ok {
		return nil, lerrors.ParseMissingField(fmt.Sprintf("worker %q", name), "engine")
	}
	w.Engine = engine

	if v, ok := m["setup"].(bool); ok {
		w.Setup = v
		w.HasSetup = true
	} else {
		w.Setup = true
	}
	if v, ok := m["exists"].(string); ok {
		w.Exists = v
	}
	if raw, ok := m["items"]; ok {
		spec, err := ParseItemsSpec(raw)
		if err != nil {
			return nil, err
		}
		w.Items = spec
	}

	for k, v := range m {
		switch k {
		case "engine", "setup", "exists", "items", "name":
		default:
			w.EngineFields[k] = v
		}
	}

	return w, nil
}

// TasksetEntry is a taskset's per-entry task augmented with DAG fields.
type TasksetEntry struct {
	Name string
	Task *Task
}

// Use is a single `use` import.
type Use struct {
	Module    string
	Prefix    string
	HasPrefix bool
	Vars      []string
	Tasklines []string
}

// Extend is the `extend.vars.maps` ordered list of variable maps.
type Extend struct {
	VarsMaps []map[string]any
}

// Manifest is the parsed, not-yet-resolved document: sections are raw
// (use/extend resolution and default-merge happen in internal/resolver).
type Manifest struct {
	Path string

	VarDefs map[string]any // raw `vars` table, var-definition-string keyed

	Use []*Use

	Networks map[string]any
	Storages map[string]any

	Workers map[string]*Worker

	Default map[string]any

	Tasklines map[string][]*Task
	Taskset   map[string]*TasksetEntry

	Extend *Extend

	LogLevel               string
	HasClean               bool
	Clean                  bool
	InstallEmbeddedModules bool
}

// ParseManifestFile reads and parses a manifest from disk.
func ParseManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, lerrors.ParseSyntax(path, err)
	}
	return ParseManifestString(string(data), path)
}

// ParseManifestString parses a manifest from an in-memory TOML document.
func ParseManifestString(content, path string) (*Manifest, error) {
	var raw map[string]any
	if _, err := toml.Decode(content, &raw); err != nil {
		return nil, lerrors.ParseSyntax(path, err)
	}

	m := &Manifest{
		Path:      path,
		Workers:   map[string]*Worker{},
		Tasklines: map[string][]*Task{},
		Taskset:   map[string]*TasksetEntry{},
	}

	if v, ok := raw["vars"].(map[string]any); ok {
		m.VarDefs = v
	}
	if v, ok := raw["networks"].(map[string]any); ok {
		m.Networks = v
	}
	if v, ok := raw["storages"].(map[string]any); ok {
		m.Storages = v
	}
	if v, ok := raw["default"].(map[string]any); ok {
		m.Default = v
	}
	if v, ok := raw["log-level"].(string); ok {
		m.LogLevel = v
	}
	if v, ok := raw["clean"].(bool); ok {
		m.Clean = v
		m.HasClean = true
	}
	if v, ok := raw["install-embedded-modules"].(bool); ok {
		m.InstallEmbeddedModules = v
	}

	if err := parseUseSection(m, raw); err != nil {
		return nil, err
	}
	if err := parseExtendSection(m, raw); err != nil {
		return nil, err
	}
	if err := parseWorkersSection(m, raw); err != nil {
		return nil, err
	}
	if err := parseTasklinesSection(m, raw); err != nil {
		return nil, err
	}
	if err := parseTasksetSection(m, raw); err != nil {
		return nil, err
	}

	return m, nil
}

func parseUseSection(m *Manifest, raw map[string]any) error {
	uv, ok := raw["use"]
	if !ok {
		return nil
	}
	list, ok := uv.([]map[string]any)
	if !ok {
		if single, ok := uv.(map[string]any); ok {
			list = []map[string]any{single}
		}
	}
	for _, entry := range list {
		u := &Use{}
		if mod, ok := entry["module"].(string); ok {
			u.Module = mod
		} else if f, ok := entry["file"].(string); ok {
			u.Module = f
		} else {
			return lerrors.ParseMissingField("use", "module")
		}
		if p, ok := entry["prefix"].(string); ok {
			u.Prefix = p
			u.HasPrefix = true
			if !prefixRe.MatchString(p) {
				return lerrors.ResolveBadPrefix(p)
			}
		}
		if vs, ok := entry["vars"].([]any); ok {
			for _, v := range vs {
				if s, ok := v.(string); ok {
					u.Vars = append(u.Vars, s)
				}
			}
		}
		if ts, ok := entry["tasklines"].([]any); ok {
			for _, v := range ts {
				if s, ok := v.(string); ok {
					u.Tasklines = append(u.Tasklines, s)
				}
			}
		}
		m.Use = append(m.Use, u)
	}
	return nil
}

func parseExtendSection(m *Manifest, raw map[string]any) error {
	ev, ok := raw["extend"].(map[string]any)
	if !ok {
		return nil
	}
	varsSec, ok := ev["vars"].(map[string]any)
	if !ok {
		return nil
	}
	maps, ok := varsSec["maps"].([]any)
	if !ok {
		return nil
	}
	ext := &Extend{}
	for _, e := range maps {
		if em, ok := e.(map[string]any); ok {
			ext.VarsMaps = append(ext.VarsMaps, em)
		}
	}
	m.Extend = ext
	return nil
}

func parseWorkersSection(m *Manifest, raw map[string]any) error {
	ws, ok := raw["workers"].(map[string]any)
	if !ok {
		return nil
	}
	for name, wv := range ws {
		wm, ok := wv.(map[string]any)
		if !ok {
			continue
		}
		w, err := ParseWorker(name, wm)
		if err != nil {
			return err
		}
		if _, exists := m.Workers[w.Name]; exists {
			return lerrors.ResolveDuplicateWorker(w.Name)
		}
		m.Workers[name] = w
	}
	return nil
}

func parseTasklinesSection(m *Manifest, raw map[string]any) error {
	if tl, ok := raw["taskline"].([]any); ok {
		tasks, err := parseTaskList(tl)
		if err != nil {
			return err
		}
		m.Tasklines[""] = tasks
	}

	tls, ok := raw["tasklines"].(map[string]any)
	if !ok {
		return nil
	}
	for name, tv := range tls {
		list, ok := tv.([]any)
		if !ok {
			continue
		}
		tasks, err := parseTaskList(list)
		if err != nil {
			return fmt.Errorf("taskline %q: %w", name, err)
		}
		m.Tasklines[name] = tasks
	}
	return nil
}

// ParseTaskTable detects a raw decoded task table's kind and parses it, for
// callers outside this package that hold a standalone task table (a `try`
// retry's `cleanup.task`, for instance) rather than a taskline/taskset list
// entry.
func ParseTaskTable(m map[string]any) (*Task, error) {
	kind, body, err := detectTaskKind(m)
	if err != nil {
		return nil, err
	}
	return ParseTask(kind, body)
}

func parseTaskList(list []any) ([]*Task, error) {
	var tasks []*Task
	for _, e := range list {
		em, ok := e.(map[string]any)
		if !ok {
			continue
		}
		kind, body, err := detectTaskKind(em)
		if err != nil {
			return nil, err
		}
		t, err := ParseTask(kind, body)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// detectTaskKind finds which of the known task-type keys is present on a
// decoded task table (e.g. `{shell={cmd="echo hi"}}`) and flattens its body
// together with the task's common fields (name/condition/if/items/...).
func detectTaskKind(m map[string]any) (string, map[string]any, error) {
	for kind := range knownTaskKinds {
		if body, ok := m[kind].(map[string]any); ok {
			flat := map[string]any{}
			for k, v := range m {
				if k != kind {
					flat[k] = v
				}
			}
			for k, v := range body {
				flat[k] = v
			}
			return kind, flat, nil
		}
	}
	// Shorthand: a table with no recognized nested key but a `cmd` field is
	// treated as `shell`.
	if _, ok := m["cmd"]; ok {
		return "shell", m, nil
	}
	return "", nil, lerrors.ParseInvalidValue("task", "type", "no recognized task-type key present")
}

func parseTasksetSection(m *Manifest, raw map[string]any) error {
	ts, ok := raw["taskset"].(map[string]any)
	if !ok {
		return nil
	}
	for name, ev := range ts {
		em, ok := ev.(map[string]any)
		if !ok {
			continue
		}
		kind, body, err := detectTaskKind(em)
		if err != nil {
			return fmt.Errorf("taskset entry %q: %w", name, err)
		}
		t, err := ParseTask(kind, body)
		if err != nil {
			return fmt.Errorf("taskset entry %q: %w", name, err)
		}
		if reqs, ok := em["requires"].([]any); ok {
			for _, r := range reqs {
				if s, ok := r.(string); ok {
					t.Requires = append(t.Requires, s)
				}
			}
		}
		if wks, ok := em["workers"].([]any); ok {
			for _, w := range wks {
				if s, ok := w.(string); ok {
					t.Workers = append(t.Workers, s)
				}
			}
		}
		if pw, ok := em["provide-workers"].([]any); ok {
			for _, w := range pw {
				if s, ok := w.(string); ok {
					t.ProvideWorkers = append(t.ProvideWorkers, s)
				}
			}
		}
		m.Taskset[name] = &TasksetEntry{Name: name, Task: t}
	}
	return nil
}
