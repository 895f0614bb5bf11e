// Package errors provides structured error types for Lineup.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error codes for Lineup operations.
const (
	// Manifest parse errors
	CodeParseSyntax       = "PARSE_001" // TOML syntax error
	CodeParseMissingField = "PARSE_002" // Missing required field
	CodeParseInvalidValue = "PARSE_003" // Invalid value type
	CodeParseUnknownTask  = "PARSE_004" // Unknown task type

	// use/extend resolution errors
	CodeResolveImportCycle    = "RESOLVE_001" // Cycle among `use` imports
	CodeResolveImportNotFound = "RESOLVE_002" // Imported manifest not found
	CodeResolveBadPrefix      = "RESOLVE_003" // Import prefix fails [A-Za-z0-9_]+
	CodeResolveDuplicateWorker = "RESOLVE_004" // Two workers resolve to the same name
	CodeResolveUnknownRef     = "RESOLVE_005" // Reference to unknown taskline/taskset/worker
	CodeResolveExportCollision = "RESOLVE_006" // Two parallel iterations exported the same var name
	CodeResolveFsConcurrentWrite = "RESOLVE_007" // Concurrent writers to the same fs variable

	// Template errors
	CodeTemplateParse     = "TEMPLATE_001" // pongo2 compile error
	CodeTemplateEval      = "TEMPLATE_002" // pongo2 execution error
	CodeTemplateUndefined = "TEMPLATE_003" // Undefined variable referenced

	// Typed value errors
	CodeTypeMismatch = "TYPE_001" // ensure-style type check failed
	CodeTypeDecode   = "TYPE_002" // fs/json/yaml decode failure

	// Interactive prompt errors
	CodePromptEOF     = "PROMPT_001" // confirm/input needs a TTY but none is attached and no default given
	CodePromptInvalid = "PROMPT_002" // confirm/input received an unparsable response

	// Worker backend errors
	CodeBackendUnsupportedSpecial = "BACKEND_001" // special op not supported by this engine
	CodeBackendSetupFailed        = "BACKEND_002" // setup/ensure failed
	CodeBackendNotFound           = "BACKEND_003" // referenced worker/engine not found
	CodeBackendTransferFailed     = "BACKEND_004" // put_file/get_file failed

	// Command execution errors
	CodeCmdStartFailed = "CMD_001" // exec.Command start failure
	CodeCmdNonZeroExit = "CMD_002" // process exited with unexpected code
	CodeCmdMatchFailed = "CMD_003" // success-matches/failure-matches evaluation failed

	// Retry errors
	CodeRetryExhausted = "RETRY_001" // try.attempts exhausted

	// Taskset DAG errors
	CodeDAGCycle       = "DAG_001" // dependency cycle in a taskset
	CodeDAGUnknownNode = "DAG_002" // requires references an unknown entry

	// Cancellation
	CodeCancelled = "CANCEL_001" // run was cancelled (signal or parent failure)

	// Internal/unexpected
	CodeInternal = "INTERNAL_001"
)

// LineupError is the structured error type for Lineup operations.
type LineupError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

// Error implements the error interface.
func (e *LineupError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *LineupError) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error.
func (e *LineupError) WithDetail(key string, value any) *LineupError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause wraps an underlying error.
func (e *LineupError) WithCause(err error) *LineupError {
	e.Cause = err
	return e
}

// MarshalJSON implements json.Marshaler with cause error message.
func (e *LineupError) MarshalJSON() ([]byte, error) {
	type alias LineupError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// New creates a new LineupError.
func New(code, message string) *LineupError {
	return &LineupError{Code: code, Message: message}
}

// Newf creates a new LineupError with a formatted message.
func Newf(code, format string, args ...any) *LineupError {
	return &LineupError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an error with a LineupError.
func Wrap(code, message string, err error) *LineupError {
	return &LineupError{Code: code, Message: message, Cause: err}
}

// Wrapf wraps an error with a formatted LineupError.
func Wrapf(code string, err error, format string, args ...any) *LineupError {
	return &LineupError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// --- Parse errors ---

func ParseSyntax(path string, err error) *LineupError {
	return Wrap(CodeParseSyntax, "failed to parse manifest", err).WithDetail("path", path)
}

func ParseMissingField(context, field string) *LineupError {
	return Newf(CodeParseMissingField, "%s missing required field: %s", context, field).
		WithDetail("context", context).
		WithDetail("field", field)
}

func ParseInvalidValue(context, field, reason string) *LineupError {
	return Newf(CodeParseInvalidValue, "%s field %s invalid: %s", context, field, reason).
		WithDetail("context", context).
		WithDetail("field", field).
		WithDetail("reason", reason)
}

func ParseUnknownTask(kind string) *LineupError {
	return Newf(CodeParseUnknownTask, "unknown task type: %s", kind).WithDetail("type", kind)
}

// --- Resolution errors ---

func ResolveImportCycle(cycle []string) *LineupError {
	return New(CodeResolveImportCycle, "cycle detected among `use` imports").WithDetail("cycle", cycle)
}

func ResolveImportNotFound(path string) *LineupError {
	return Newf(CodeResolveImportNotFound, "imported manifest not found: %s", path).WithDetail("path", path)
}

func ResolveBadPrefix(prefix string) *LineupError {
	return Newf(CodeResolveBadPrefix, "import prefix %q must match [A-Za-z0-9_]+", prefix).
		WithDetail("prefix", prefix)
}

func ResolveDuplicateWorker(name string) *LineupError {
	return Newf(CodeResolveDuplicateWorker, "duplicate worker name: %s", name).WithDetail("worker", name)
}

func ResolveUnknownRef(kind, name string) *LineupError {
	return Newf(CodeResolveUnknownRef, "reference to unknown %s: %s", kind, name).
		WithDetail("kind", kind).
		WithDetail("name", name)
}

func ExportCollision(name string) *LineupError {
	return Newf(CodeResolveExportCollision, "parallel iterations both exported var: %s", name).
		WithDetail("name", name)
}

func FsConcurrentWrite(name string) *LineupError {
	return Newf(CodeResolveFsConcurrentWrite, "concurrent writers detected for fs variable: %s", name).
		WithDetail("name", name)
}

// --- Template errors ---

func TemplateParse(src string, err error) *LineupError {
	return Wrap(CodeTemplateParse, "failed to parse template", err).WithDetail("template", src)
}

func TemplateEval(src string, err error) *LineupError {
	return Wrap(CodeTemplateEval, "failed to evaluate template", err).WithDetail("template", src)
}

func TemplateUndefined(name string) *LineupError {
	return Newf(CodeTemplateUndefined, "undefined variable: %s", name).WithDetail("variable", name)
}

// --- Typed value errors ---

func TypeMismatch(name, expected, actual string) *LineupError {
	return Newf(CodeTypeMismatch, "%s: expected %s, got %s", name, expected, actual).
		WithDetail("name", name).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func TypeDecode(kind, name string, err error) *LineupError {
	return Wrap(CodeTypeDecode, fmt.Sprintf("failed to decode %s variable %s", kind, name), err).
		WithDetail("kind", kind).
		WithDetail("name", name)
}

// --- Prompt errors ---

func PromptEOF(name string) *LineupError {
	return Newf(CodePromptEOF, "no TTY attached and no default given for prompt: %s", name).
		WithDetail("name", name)
}

func PromptInvalid(name, input string) *LineupError {
	return Newf(CodePromptInvalid, "unparsable response to prompt %s: %q", name, input).
		WithDetail("name", name).
		WithDetail("input", input)
}

// --- Backend errors ---

func BackendUnsupportedSpecial(engine, op string) *LineupError {
	return Newf(CodeBackendUnsupportedSpecial, "engine %s does not support special op %q", engine, op).
		WithDetail("engine", engine).
		WithDetail("op", op)
}

func BackendSetupFailed(worker string, err error) *LineupError {
	return Wrap(CodeBackendSetupFailed, "worker setup failed", err).WithDetail("worker", worker)
}

func BackendNotFound(worker string) *LineupError {
	return Newf(CodeBackendNotFound, "worker not found: %s", worker).WithDetail("worker", worker)
}

func BackendTransferFailed(worker, src, dst string, err error) *LineupError {
	return Wrap(CodeBackendTransferFailed, "file transfer failed", err).
		WithDetail("worker", worker).
		WithDetail("src", src).
		WithDetail("dst", dst)
}

// --- Command errors ---

func CmdStartFailed(command string, err error) *LineupError {
	return Wrap(CodeCmdStartFailed, "failed to start command", err).WithDetail("command", command)
}

func CmdNonZeroExit(command string, code int) *LineupError {
	return Newf(CodeCmdNonZeroExit, "command exited with code %d: %s", code, command).
		WithDetail("command", command).
		WithDetail("code", code)
}

func CmdMatchFailed(command string, err error) *LineupError {
	return Wrap(CodeCmdMatchFailed, "match formula evaluation failed", err).WithDetail("command", command)
}

// --- Retry errors ---

func RetryExhausted(task string, attempts int, last error) *LineupError {
	return Wrap(CodeRetryExhausted, fmt.Sprintf("retry exhausted after %d attempts for %s", attempts, task), last).
		WithDetail("task", task).
		WithDetail("attempts", attempts)
}

// --- DAG errors ---

func DAGCycle(cycle []string) *LineupError {
	return New(CodeDAGCycle, "dependency cycle detected in taskset").WithDetail("cycle", cycle)
}

func DAGUnknownNode(name string) *LineupError {
	return Newf(CodeDAGUnknownNode, "requires references unknown entry: %s", name).WithDetail("entry", name)
}

// --- Cancellation ---

func Cancelled(reason string) *LineupError {
	return Newf(CodeCancelled, "run cancelled: %s", reason).WithDetail("reason", reason)
}

// --- Internal ---

func Internal(message string, err error) *LineupError {
	return Wrap(CodeInternal, message, err)
}

// HasCode checks if an error is a LineupError with the given code.
// It handles wrapped errors by unwrapping to find a LineupError.
func HasCode(err error, code string) bool {
	var lerr *LineupError
	if errors.As(err, &lerr) {
		return lerr.Code == code
	}
	return false
}

// Code returns the error code if err is a LineupError, empty string otherwise.
// It handles wrapped errors by unwrapping to find a LineupError.
func Code(err error) string {
	var lerr *LineupError
	if errors.As(err, &lerr) {
		return lerr.Code
	}
	return ""
}
