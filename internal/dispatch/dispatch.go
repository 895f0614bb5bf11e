// Package dispatch executes a single task's type-specific body against a
// worker backend (spec.md §4.6, §4.8): shell/exec command execution with
// match-formula success determination and result packaging, file transfer,
// variable presence/type checks, multi-command tests, and the
// debug/info/trace/warn/dummy/error/break/special leaf tasks. The
// taskline/taskset control-flow tasks (`run`, `run-taskline`, `run-taskset`,
// `run-lineup`) are handled by internal/taskline/internal/taskset directly,
// since they need the resolved manifest's taskline/taskset tables rather
// than a single backend call.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/obirvalger/lineup/internal/backend"
	lerrors "github.com/obirvalger/lineup/internal/errors"
	"github.com/obirvalger/lineup/internal/manifestdoc"
	"github.com/obirvalger/lineup/internal/value"
	"github.com/obirvalger/lineup/internal/vars"
)

// BreakSignal unwinds a taskline when a `break` task runs. It is not an
// execution failure: internal/taskline catches it to stop the named
// enclosing taskline (default innermost) and adopt its result.
type BreakSignal struct {
	Taskline string
	Result   value.Value
}

func (b *BreakSignal) Error() string { return "break: " + b.Taskline }

// ErrorTask signals an `error` task: manifest-requested process
// termination with a message, exit code, and optional backtrace.
type ErrorTask struct {
	Msg   string
	Code  int
	Trace bool
}

func (e *ErrorTask) Error() string { return e.Msg }

// Dispatch executes task's body and returns the value left in `result`.
func Dispatch(ctx context.Context, task *manifestdoc.Task, be backend.Backend, scope *vars.Scope, render vars.RenderFunc, log *slog.Logger) (value.Value, error) {
	switch task.Kind {
	case "shell":
		return dispatchCommand(ctx, task, be, scope, render, log, true)
	case "exec":
		return dispatchCommand(ctx, task, be, scope, render, log, false)
	case "file":
		return dispatchFile(ctx, task, be, scope, render)
	case "get":
		return dispatchGet(ctx, task, be, scope, render)
	case "ensure":
		return dispatchEnsure(task, scope)
	case "test":
		return dispatchTest(ctx, task, be, scope, render, log)
	case "break":
		return dispatchBreak(task, scope, render)
	case "dummy":
		return dispatchDummy(task, scope, render)
	case "error":
		return dispatchError(task, scope, render)
	case "debug", "info", "trace", "warn":
		return dispatchLog(task, scope, render, log)
	case "special":
		return value.Null(), dispatchSpecial(ctx, task, be)
	default:
		return value.Value{}, lerrors.ParseUnknownTask(task.Kind)
	}
}

func renderField(m map[string]any, key string, scope *vars.Scope, render vars.RenderFunc) (string, bool, error) {
	raw, ok := m[key]
	if !ok {
		return "", false, nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", false, nil
	}
	out, err := render(s, scope)
	return out, true, err
}

// --- shell / exec ---

func dispatchCommand(ctx context.Context, task *manifestdoc.Task, be backend.Backend, scope *vars.Scope, render vars.RenderFunc, log *slog.Logger, isShell bool) (value.Value, error) {
	var shellCmd string
	var argv []string

	if isShell {
		s, _, err := renderField(task.Body, "cmd", scope, render)
		if err != nil {
			return value.Value{}, err
		}
		shellCmd = s
	} else {
		raw, ok := task.Body["args"].([]any)
		if !ok {
			return value.Value{}, lerrors.ParseMissingField("exec", "args")
		}
		for _, a := range raw {
			s, ok := a.(string)
			if !ok {
				continue
			}
			rendered, err := render(s, scope)
			if err != nil {
				return value.Value{}, err
			}
			argv = append(argv, rendered)
		}
	}

	stdin := task.Command.Stdin
	if stdin != "" {
		rendered, err := render(stdin, scope)
		if err != nil {
			return value.Value{}, err
		}
		stdin = rendered
	}

	res, runErr := be.Run(ctx, shellCmd, argv, stdin, nil)
	if runErr != nil && lerrors.HasCode(runErr, lerrors.CodeCancelled) {
		return value.Value{}, runErr
	}

	emitStream(log, task.Command.Stdout, res.Stdout, "stdout")
	emitStream(log, task.Command.Stderr, res.Stderr, "stderr")

	succeeded, err := evaluateSuccess(task, res)
	if err != nil {
		return value.Value{}, err
	}

	check := true
	if task.Command.HasCheck {
		check = task.Command.Check
	}
	if check && !succeeded {
		return value.Value{}, lerrors.CmdNonZeroExit(displayCommand(shellCmd, argv), res.Exit)
	}

	return packageResult(task.Command.Result, res, succeeded), nil
}

func displayCommand(shellCmd string, argv []string) string {
	if len(argv) > 0 {
		return strings.Join(argv, " ")
	}
	return shellCmd
}

func emitStream(log *slog.Logger, spec manifestdoc.StreamSpec, text, streamName string) {
	if text == "" {
		return
	}
	if spec.Print {
		if streamName == "stderr" {
			fmt.Fprint(os.Stderr, text)
		} else {
			fmt.Fprint(os.Stdout, text)
		}
	}
	if spec.Log == "" || spec.Log == "off" || log == nil {
		return
	}
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		logAtLevel(log, spec.Log, line, streamName)
	}
}

func logAtLevel(log *slog.Logger, level, msg, stream string) {
	switch level {
	case "debug":
		log.Debug(msg, "stream", stream)
	case "warn":
		log.Warn(msg, "stream", stream)
	case "error":
		log.Error(msg, "stream", stream)
	default:
		log.Info(msg, "stream", stream)
	}
}

func evaluateSuccess(task *manifestdoc.Task, res backend.RunResult) (bool, error) {
	codes := task.Command.SuccessCodes
	if len(codes) == 0 {
		codes = []int{0}
	}
	codeOK := false
	for _, c := range codes {
		if c == res.Exit {
			codeOK = true
			break
		}
	}
	if !codeOK {
		return false, nil
	}

	if task.Command.SuccessMatches != nil {
		matched, err := evalMatchFormula(task.Command.SuccessMatches, res)
		if err != nil {
			return false, lerrors.CmdMatchFailed(displayCommand("", nil), err)
		}
		if !matched {
			return false, nil
		}
	}

	if task.Command.FailureMatches != nil {
		matched, err := evalMatchFormula(task.Command.FailureMatches, res)
		if err != nil {
			return false, lerrors.CmdMatchFailed(displayCommand("", nil), err)
		}
		if matched {
			return false, nil
		}
	}

	return true, nil
}

func evalMatchFormula(f *manifestdoc.MatchFormula, res backend.RunResult) (bool, error) {
	if f.OutRe != "" {
		return matchRe(f.OutRe, res.Stdout)
	}
	if f.ErrRe != "" {
		return matchRe(f.ErrRe, res.Stderr)
	}
	if f.AnyRe != "" {
		out, err := matchRe(f.AnyRe, res.Stdout)
		if err != nil {
			return false, err
		}
		if out {
			return true, nil
		}
		return matchRe(f.AnyRe, res.Stderr)
	}
	if len(f.And) > 0 {
		for _, sub := range f.And {
			ok, err := evalMatchFormula(sub, res)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	}
	if len(f.Or) > 0 {
		for _, sub := range f.Or {
			ok, err := evalMatchFormula(sub, res)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
	return true, nil
}

func matchRe(pattern, text string) (bool, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(text), nil
}

func packageResult(spec *manifestdoc.CommandResultSpec, res backend.RunResult, succeeded bool) value.Value {
	if spec == nil {
		return value.String(strings.TrimSpace(res.Stdout))
	}
	stream := res.Stdout
	if spec.Stream == "stderr" {
		stream = res.Stderr
	}
	if spec.Strip {
		stream = strings.TrimSpace(stream)
	}

	if spec.ReturnCode {
		return value.Int(int64(res.Exit))
	}
	if spec.Matched {
		return value.Bool(succeeded)
	}
	if spec.Lines {
		parts := strings.Split(strings.TrimRight(stream, "\n"), "\n")
		items := make([]value.Value, len(parts))
		for i, p := range parts {
			items[i] = value.String(p)
		}
		return value.Array(items)
	}
	return value.String(stream)
}

// --- file / get ---

func dispatchFile(ctx context.Context, task *manifestdoc.Task, be backend.Backend, scope *vars.Scope, render vars.RenderFunc) (value.Value, error) {
	dst, ok, err := renderField(task.Body, "dst", scope, render)
	if err != nil {
		return value.Value{}, err
	}
	if !ok {
		return value.Value{}, lerrors.ParseMissingField("file", "dst")
	}

	_, hasSrc := task.Body["src"]
	_, hasContent := task.Body["content"]
	if hasSrc == hasContent {
		return value.Value{}, lerrors.ParseInvalidValue("file", "src/content", "exactly one of src or content must be set")
	}

	var content []byte
	if hasSrc {
		src, _, err := renderField(task.Body, "src", scope, render)
		if err != nil {
			return value.Value{}, err
		}
		data, err := os.ReadFile(src)
		if err != nil {
			return value.Value{}, lerrors.Internal("failed to read file src", err)
		}
		content = data
	} else {
		text, _, err := renderField(task.Body, "content", scope, render)
		if err != nil {
			return value.Value{}, err
		}
		content = []byte(text)
	}

	chown, _, _ := renderField(task.Body, "chown", scope, render)
	chmod, _, _ := renderField(task.Body, "chmod", scope, render)

	if err := be.PutFile(ctx, dst, content, chown, chmod); err != nil {
		return value.Value{}, err
	}
	return value.String(dst), nil
}

func dispatchGet(ctx context.Context, task *manifestdoc.Task, be backend.Backend, scope *vars.Scope, render vars.RenderFunc) (value.Value, error) {
	src, ok, err := renderField(task.Body, "src", scope, render)
	if err != nil {
		return value.Value{}, err
	}
	if !ok {
		return value.Value{}, lerrors.ParseMissingField("get", "src")
	}

	dst, hasDst, err := renderField(task.Body, "dst", scope, render)
	if err != nil {
		return value.Value{}, err
	}
	if !hasDst {
		manifestDir, _ := scope.GetSpecial("manifest_dir")
		dir, _ := manifestDir.String()
		dst = dir + "/" + basename(src)
	}

	data, err := be.GetFile(ctx, src)
	if err != nil {
		return value.Value{}, err
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return value.Value{}, lerrors.Internal("failed to write local get destination", err)
	}
	return value.String(dst), nil
}

func basename(p string) string {
	idx := strings.LastIndexByte(p, '/')
	if idx < 0 {
		return p
	}
	return p[idx+1:]
}

// --- ensure ---

func dispatchEnsure(task *manifestdoc.Task, scope *vars.Scope) (value.Value, error) {
	raw, ok := task.Body["vars"].([]any)
	if !ok {
		return value.Value{}, lerrors.ParseMissingField("ensure", "vars")
	}
	for _, e := range raw {
		s, ok := e.(string)
		if !ok {
			continue
		}
		vd, err := manifestdoc.ParseVarDef(s)
		if err != nil {
			return value.Value{}, err
		}
		v, ok := scope.Get(vd.Name)
		if !ok {
			return value.Value{}, lerrors.ResolveUnknownRef("var", vd.Name)
		}
		for _, t := range vd.Types {
			if !v.MatchesType(t) {
				return value.Value{}, lerrors.TypeMismatch(vd.Name, string(t), v.Kind().String())
			}
		}
	}
	return value.Bool(true), nil
}

// --- test ---

func dispatchTest(ctx context.Context, task *manifestdoc.Task, be backend.Backend, scope *vars.Scope, render vars.RenderFunc, log *slog.Logger) (value.Value, error) {
	raw, ok := task.Body["commands"].([]any)
	if !ok {
		return value.Value{}, lerrors.ParseMissingField("test", "commands")
	}
	check := true
	if c, ok := task.Body["check"].(bool); ok {
		check = c
	}

	allOK := true
	for _, entry := range raw {
		shellCmd, argv, err := commandEntryArgs(entry, scope, render)
		if err != nil {
			return value.Value{}, err
		}
		res, runErr := be.Run(ctx, shellCmd, argv, "", nil)
		if runErr != nil && lerrors.HasCode(runErr, lerrors.CodeCancelled) {
			return value.Value{}, runErr
		}
		if res.Exit != 0 {
			allOK = false
			if check {
				break
			}
		}
	}
	return value.Bool(allOK), nil
}

func commandEntryArgs(entry any, scope *vars.Scope, render vars.RenderFunc) (string, []string, error) {
	switch e := entry.(type) {
	case string:
		rendered, err := render(e, scope)
		return rendered, nil, err
	case []any:
		var argv []string
		for _, a := range e {
			s, _ := a.(string)
			rendered, err := render(s, scope)
			if err != nil {
				return "", nil, err
			}
			argv = append(argv, rendered)
		}
		return "", argv, nil
	case map[string]any:
		if cmd, ok := e["cmd"].(string); ok {
			rendered, err := render(cmd, scope)
			return rendered, nil, err
		}
		if rawArgs, ok := e["args"].([]any); ok {
			var argv []string
			for _, a := range rawArgs {
				s, _ := a.(string)
				rendered, err := render(s, scope)
				if err != nil {
					return "", nil, err
				}
				argv = append(argv, rendered)
			}
			return "", argv, nil
		}
	}
	return "", nil, lerrors.ParseInvalidValue("test", "commands", "unrecognized command entry shape")
}

// --- break / dummy / error / debug-info-trace-warn / special ---

func dispatchBreak(task *manifestdoc.Task, scope *vars.Scope, render vars.RenderFunc) (value.Value, error) {
	taskline := ""
	if s, ok := task.Body["taskline"].(string); ok {
		taskline = s
	}
	result := value.Null()
	if s, ok, err := renderField(task.Body, "result", scope, render); err != nil {
		return value.Value{}, err
	} else if ok {
		result = value.String(s)
	}
	return value.Value{}, &BreakSignal{Taskline: taskline, Result: result}
}

func dispatchDummy(task *manifestdoc.Task, scope *vars.Scope, render vars.RenderFunc) (value.Value, error) {
	if s, ok, err := renderField(task.Body, "result", scope, render); err != nil {
		return value.Value{}, err
	} else if ok {
		return value.String(s), nil
	}
	return value.Null(), nil
}

func dispatchError(task *manifestdoc.Task, scope *vars.Scope, render vars.RenderFunc) (value.Value, error) {
	msg, _, err := renderField(task.Body, "msg", scope, render)
	if err != nil {
		return value.Value{}, err
	}
	code := 1
	if c, ok := task.Body["code"]; ok {
		if i, err := strconv.Atoi(fmt.Sprintf("%v", c)); err == nil {
			code = i
		}
	}
	trace := true
	if t, ok := task.Body["trace"].(bool); ok {
		trace = t
	}
	return value.Value{}, &ErrorTask{Msg: msg, Code: code, Trace: trace}
}

func dispatchLog(task *manifestdoc.Task, scope *vars.Scope, render vars.RenderFunc, log *slog.Logger) (value.Value, error) {
	msg, _, err := renderField(task.Body, "msg", scope, render)
	if err != nil {
		return value.Value{}, err
	}
	if log != nil {
		logAtLevel(log, task.Kind, msg, "task")
	}
	if s, ok, err := renderField(task.Body, "result", scope, render); err != nil {
		return value.Value{}, err
	} else if ok {
		return value.String(s), nil
	}
	return value.Null(), nil
}

func dispatchSpecial(ctx context.Context, task *manifestdoc.Task, be backend.Backend) error {
	for _, op := range []string{"restart", "start", "stop"} {
		if v, ok := task.Body[op].(bool); ok && v {
			return be.Special(ctx, op)
		}
	}
	return lerrors.ParseMissingField("special", "restart|start|stop")
}
