// Package engine wires the pongo2 template engine into Lineup's variable
// environment (spec.md §4.2, §5): it renders a template string against a
// Scope, and registers the domain filters and functions manifests and
// templates rely on (path helpers, shell quoting, regex matching, the `fs`
// function, interactive prompts, and `host_cmd`). There is no `fs` filter.
package engine

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"

	"github.com/flosch/pongo2/v6"
	"github.com/mattn/go-isatty"

	lerrors "github.com/obirvalger/lineup/internal/errors"
	"github.com/obirvalger/lineup/internal/value"
	"github.com/obirvalger/lineup/internal/vars"
)

var registerOnce sync.Once

// Engine renders pongo2 templates against Lineup scopes and answers the
// fs/host_cmd/confirm/input/tmpdir functions available to them.
type Engine struct {
	fsStore *vars.FsStore

	promptMu sync.Mutex
	stdin    *bufio.Reader
	stdout   *os.File

	tmpDirOnce sync.Once
	tmpDir     string
	tmpDirErr  error
}

// New creates an Engine bound to an FsStore for the `fs` function; no `fs`
// filter is registered.
// fsStore may be nil for contexts that never use fs-kind variables (e.g.
// unit tests of unrelated template expressions).
func New(fsStore *vars.FsStore) *Engine {
	registerOnce.Do(registerFilters)
	return &Engine{fsStore: fsStore, stdin: bufio.NewReader(os.Stdin), stdout: os.Stdout}
}

// Render implements vars.RenderFunc: it compiles tmpl and executes it
// against scope's flattened variable set plus this engine's functions.
func (e *Engine) Render(tmpl string, scope *vars.Scope) (string, error) {
	t, err := pongo2.FromString(tmpl)
	if err != nil {
		return "", lerrors.TemplateParse(tmpl, err)
	}

	ctx := pongo2.Context{}
	for name, v := range scope.All() {
		ctx[name] = valueToNative(v)
	}
	ctx["confirm"] = e.confirm
	ctx["input"] = e.input
	ctx["fs"] = e.fsFunc
	ctx["host_cmd"] = e.hostCmd
	ctx["tmpdir"] = e.tmpdirFunc

	out, err := t.Execute(ctx)
	if err != nil {
		return "", lerrors.TemplateEval(tmpl, err)
	}
	return out, nil
}

func valueToNative(v value.Value) any {
	switch v.Kind() {
	case value.KindNull:
		return nil
	case value.KindBool:
		b, _ := v.Bool()
		return b
	case value.KindInt:
		i, _ := v.Int()
		return i
	case value.KindFloat:
		f, _ := v.Float()
		return f
	case value.KindString:
		s, _ := v.String()
		return s
	case value.KindArray:
		arr, _ := v.Array()
		out := make([]any, len(arr))
		for i, e := range arr {
			out[i] = valueToNative(e)
		}
		return out
	case value.KindObject:
		obj, _ := v.Object()
		out := make(map[string]any, len(obj))
		for k, e := range obj {
			out[k] = valueToNative(e)
		}
		return out
	default:
		return nil
	}
}

// --- Functions (spec.md §5) ---

func (e *Engine) confirm(msg string, def any) (bool, error) {
	e.promptMu.Lock()
	defer e.promptMu.Unlock()

	hasDefault := def != nil
	defBool, _ := def.(bool)

	if !isatty.IsTerminal(os.Stdin.Fd()) {
		if hasDefault {
			return defBool, nil
		}
		return false, lerrors.PromptEOF(msg)
	}

	fmt.Fprintf(e.stdout, "%s [y/n]: ", msg)
	line, err := e.stdin.ReadString('\n')
	line = strings.TrimSpace(line)
	if err != nil || line == "" {
		if hasDefault {
			return defBool, nil
		}
		return false, lerrors.PromptEOF(msg)
	}
	switch strings.ToLower(line) {
	case "y", "yes", "true":
		return true, nil
	case "n", "no", "false":
		return false, nil
	default:
		return false, lerrors.PromptInvalid(msg, line)
	}
}

func (e *Engine) input(msg string) (string, error) {
	e.promptMu.Lock()
	defer e.promptMu.Unlock()

	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return "", lerrors.PromptEOF(msg)
	}

	fmt.Fprintf(e.stdout, "%s: ", msg)
	line, err := e.stdin.ReadString('\n')
	if err != nil && line == "" {
		return "", lerrors.PromptEOF(msg)
	}
	return strings.TrimRight(line, "\n"), nil
}

func (e *Engine) fsFunc(name string) (string, error) {
	if e.fsStore == nil {
		return "", lerrors.Internal("fs() called with no fs storage configured", nil)
	}
	return e.fsStore.Read(name)
}

func (e *Engine) hostCmd(cmdSpec any, kwargs ...any) (string, error) {
	check := true
	capture := "stdout"
	for i := 0; i+1 < len(kwargs); i += 2 {
		key, _ := kwargs[i].(string)
		switch key {
		case "check":
			if b, ok := kwargs[i+1].(bool); ok {
				check = b
			}
		case "capture":
			if s, ok := kwargs[i+1].(string); ok {
				capture = s
			}
		}
	}

	var cmd *exec.Cmd
	switch c := cmdSpec.(type) {
	case string:
		cmd = exec.Command("sh", "-c", c)
	case []any:
		args := make([]string, len(c))
		for i, a := range c {
			args[i] = fmt.Sprintf("%v", a)
		}
		if len(args) == 0 {
			return "", lerrors.ParseInvalidValue("host_cmd", "cmd", "empty argv")
		}
		cmd = exec.Command(args[0], args[1:]...)
	default:
		return "", lerrors.ParseInvalidValue("host_cmd", "cmd", "must be a string or array")
	}

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil && check {
		return "", lerrors.Wrap(lerrors.CodeCmdStartFailed, "host_cmd failed", err)
	}

	if capture == "stderr" {
		return stderr.String(), nil
	}
	return stdout.String(), nil
}

func (e *Engine) tmpdirFunc() (string, error) {
	e.tmpDirOnce.Do(func() {
		e.tmpDir, e.tmpDirErr = os.MkdirTemp("", "lineup-")
	})
	return e.tmpDir, e.tmpDirErr
}

// Cleanup removes the process-scoped tmpdir created by tmpdir(), if any.
// Called once at normal process exit (spec.md §5).
func (e *Engine) Cleanup() {
	if e.tmpDir != "" {
		os.RemoveAll(e.tmpDir)
	}
}

// --- Filters (spec.md §5) ---

func registerFilters() {
	register("basename", filterBasename)
	register("dirname", filterDirname)
	register("is_empty", filterIsEmpty)
	register("lines", filterLines)
	register("json", filterJSON)
	register("j", filterJSON)
	register("quote", filterQuote)
	register("q", filterQuote)
	register("cond", filterCond)
	register("re_match", filterReMatch)
	register("re_sub", filterReSub)
}

func register(name string, fn pongo2.FilterFunction) {
	if pongo2.FilterExists(name) {
		return
	}
	if err := pongo2.RegisterFilter(name, fn); err != nil {
		panic(err)
	}
}

func filterBasename(in, _ *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
	s := in.String()
	idx := strings.LastIndexByte(s, '/')
	if idx < 0 {
		return pongo2.AsValue(s), nil
	}
	return pongo2.AsValue(s[idx+1:]), nil
}

func filterDirname(in, _ *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
	s := in.String()
	idx := strings.LastIndexByte(s, '/')
	if idx < 0 {
		return pongo2.AsValue("."), nil
	}
	if idx == 0 {
		return pongo2.AsValue("/"), nil
	}
	return pongo2.AsValue(s[:idx]), nil
}

func filterIsEmpty(in, _ *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
	return pongo2.AsValue(in.Len() == 0), nil
}

func filterLines(in, _ *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
	s := in.String()
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, l)
	}
	return pongo2.AsValue(out), nil
}

func filterJSON(in, _ *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
	v := value.FromAny(in.Interface())
	s, err := v.ToJSON()
	if err != nil {
		return nil, &pongo2.Error{Sender: "json", OrigError: err}
	}
	return pongo2.AsValue(s), nil
}

func filterQuote(in, param *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
	sep := " "
	if param != nil && !param.IsNil() && param.String() != "" {
		sep = param.String()
	}
	if in.CanSlice() && !in.IsString() {
		parts := make([]string, 0, in.Len())
		for i := 0; i < in.Len(); i++ {
			parts = append(parts, shellQuote(in.Index(i).String()))
		}
		return pongo2.AsValue(strings.Join(parts, sep)), nil
	}
	return pongo2.AsValue(shellQuote(in.String())), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func filterCond(in, param *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
	v := value.FromAny(in.Interface())
	ifVal, elseVal, err := condArgs(param)
	if err != nil {
		return nil, &pongo2.Error{Sender: "cond", OrigError: err}
	}
	if v.Truthy() {
		return pongo2.AsValue(ifVal), nil
	}
	return pongo2.AsValue(elseVal), nil
}

// condArgs reads cond's if=/else= keyword params from a map-valued param, or
// treats a bare scalar param as `if` with `else` defaulting to "".
func condArgs(param *pongo2.Value) (ifVal, elseVal string, err error) {
	if param == nil || param.IsNil() {
		return "", "", nil
	}
	m, ok := param.Interface().(map[string]any)
	if !ok {
		return param.String(), "", nil
	}
	for k, v := range m {
		switch k {
		case "if":
			ifVal, _ = v.(string)
		case "else":
			elseVal, _ = v.(string)
		default:
			return "", "", fmt.Errorf("cond: unknown argument %q", k)
		}
	}
	return ifVal, elseVal, nil
}

func filterReMatch(in, param *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
	pattern, fix, err := reMatchArgs(param)
	if err != nil {
		return nil, &pongo2.Error{Sender: "re_match", OrigError: err}
	}
	if fix {
		pattern = regexp.QuoteMeta(pattern)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, &pongo2.Error{Sender: "re_match", OrigError: err}
	}
	if in.CanSlice() && !in.IsString() {
		out := make([]bool, 0, in.Len())
		for i := 0; i < in.Len(); i++ {
			out = append(out, re.MatchString(in.Index(i).String()))
		}
		return pongo2.AsValue(out), nil
	}
	return pongo2.AsValue(re.MatchString(in.String())), nil
}

// reMatchArgs reads re_match's re= and fix= keyword params from a map-valued
// param, or treats a bare scalar param as the pattern with fix=false.
func reMatchArgs(param *pongo2.Value) (pattern string, fix bool, err error) {
	m, ok := param.Interface().(map[string]any)
	if !ok {
		return param.String(), false, nil
	}
	for k, v := range m {
		switch k {
		case "re":
			pattern, _ = v.(string)
		case "fix":
			fix, _ = v.(bool)
		default:
			return "", false, fmt.Errorf("re_match: unknown argument %q", k)
		}
	}
	if pattern == "" {
		return "", false, fmt.Errorf("re_match requires a re= pattern")
	}
	return pattern, fix, nil
}

func filterReSub(in, param *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
	m, ok := param.Interface().(map[string]any)
	if !ok {
		return nil, &pongo2.Error{Sender: "re_sub", OrigError: fmt.Errorf("re_sub requires re= and str= keyword params")}
	}
	var pattern, repl string
	var fix, matchesOnly bool
	for k, v := range m {
		switch k {
		case "re":
			pattern, _ = v.(string)
		case "str":
			repl, _ = v.(string)
		case "fix":
			fix, _ = v.(bool)
		case "matches_only":
			matchesOnly, _ = v.(bool)
		default:
			return nil, &pongo2.Error{Sender: "re_sub", OrigError: fmt.Errorf("re_sub: unknown argument %q", k)}
		}
	}
	if fix {
		pattern = regexp.QuoteMeta(pattern)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, &pongo2.Error{Sender: "re_sub", OrigError: err}
	}
	goRepl := convertBackreferences(repl)

	if matchesOnly {
		matches := re.FindAllString(in.String(), -1)
		out := make([]string, len(matches))
		for i, mt := range matches {
			out[i] = re.ReplaceAllString(mt, goRepl)
		}
		return pongo2.AsValue(strings.Join(out, "\n")), nil
	}
	return pongo2.AsValue(re.ReplaceAllString(in.String(), goRepl)), nil
}

// convertBackreferences rewrites `$N` group references (spec.md §5's
// documented syntax) into Go regexp's `${N}` form.
func convertBackreferences(repl string) string {
	re := regexp.MustCompile(`\$(\d+)`)
	return re.ReplaceAllString(repl, "$${$1}")
}
