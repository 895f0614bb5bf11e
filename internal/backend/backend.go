// Package backend implements Lineup's worker backend interface (spec.md
// §4.7): setup/exists/ensure/run/put_file/get_file/special/teardown over
// the engine variants host/dbg/ssh/docker/podman/incus/vml. Command
// execution follows the teacher's own process-group kill pattern
// (cancellation, not just exit-code capture).
package backend

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	lerrors "github.com/obirvalger/lineup/internal/errors"
)

// RunResult is a completed command's captured outcome.
type RunResult struct {
	Exit   int
	Stdout string
	Stderr string
}

// ExistsPolicy controls what happens when a worker's backing resource
// already exists at setup time (spec.md §3).
type ExistsPolicy string

const (
	ExistsFail    ExistsPolicy = "fail"
	ExistsIgnore  ExistsPolicy = "ignore"
	ExistsReplace ExistsPolicy = "replace"
)

// Backend is the per-engine execution surface a worker is materialized
// into. Run and the file-transfer calls take a context so the taskset
// scheduler's cancellation token can abort in-flight work cooperatively.
type Backend interface {
	Setup(ctx context.Context) error
	Exists(ctx context.Context) (bool, error)
	Ensure(ctx context.Context, policy ExistsPolicy) error
	Run(ctx context.Context, shellCmd string, argv []string, stdin string, env map[string]string) (RunResult, error)
	PutFile(ctx context.Context, dst string, content []byte, chown, chmod string) error
	GetFile(ctx context.Context, src string) ([]byte, error)
	Special(ctx context.Context, op string) error
	Teardown(ctx context.Context) error
}

// New resolves an engine variant and its fields into a Backend.
func New(name, engine string, fields map[string]any) (Backend, error) {
	switch engine {
	case "host":
		return &hostBackend{name: name}, nil
	case "dbg":
		return &dbgBackend{name: name}, nil
	case "ssh":
		host, _ := fields["host"].(string)
		if host == "" {
			return nil, lerrors.ParseMissingField(fmt.Sprintf("worker %q", name), "host")
		}
		user, _ := fields["user"].(string)
		port, _ := fields["port"].(string)
		return &cliBackend{name: name, engine: engine, prefix: sshPrefix(user, host, port)}, nil
	case "docker":
		container, _ := fields["container"].(string)
		if container == "" {
			return nil, lerrors.ParseMissingField(fmt.Sprintf("worker %q", name), "container")
		}
		return &cliBackend{name: name, engine: engine, prefix: []string{"docker", "exec", "-i", container}, target: container}, nil
	case "podman":
		container, _ := fields["container"].(string)
		if container == "" {
			return nil, lerrors.ParseMissingField(fmt.Sprintf("worker %q", name), "container")
		}
		return &cliBackend{name: name, engine: engine, prefix: []string{"podman", "exec", "-i", container}, target: container}, nil
	case "incus":
		instance, _ := fields["instance"].(string)
		if instance == "" {
			return nil, lerrors.ParseMissingField(fmt.Sprintf("worker %q", name), "instance")
		}
		return &cliBackend{name: name, engine: engine, prefix: []string{"incus", "exec", instance, "--"}, target: instance}, nil
	case "vml":
		instance, _ := fields["instance"].(string)
		if instance == "" {
			return nil, lerrors.ParseMissingField(fmt.Sprintf("worker %q", name), "instance")
		}
		return &cliBackend{name: name, engine: engine, prefix: []string{"vml", "exec", instance, "--"}, target: instance}, nil
	default:
		return nil, lerrors.ParseInvalidValue(fmt.Sprintf("worker %q", name), "engine", "unknown engine: "+engine)
	}
}

func sshPrefix(user, host, port string) []string {
	target := host
	if user != "" {
		target = user + "@" + host
	}
	prefix := []string{"ssh"}
	if port != "" {
		prefix = append(prefix, "-p", port)
	}
	return append(prefix, target)
}

// runCommand starts argv (or a shell -c cmd) with the given stdin/env and
// waits for completion, killing the process group on context cancellation.
// Grounded on the teacher's shell executor: Setpgid + SIGTERM-then-SIGKILL.
func runCommand(ctx context.Context, argv []string, stdin string, env map[string]string) (RunResult, error) {
	if len(argv) == 0 {
		return RunResult{}, lerrors.CmdStartFailed("", fmt.Errorf("empty command"))
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	if len(env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	cmd.Stdin = strings.NewReader(stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return RunResult{}, lerrors.CmdStartFailed(strings.Join(argv, " "), err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
			select {
			case <-done:
			case <-time.After(3 * time.Second):
				_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
				<-done
			}
		}
		return RunResult{Exit: -1, Stdout: stdout.String(), Stderr: stderr.String()}, lerrors.Cancelled("command terminated by context cancellation")

	case err := <-done:
		exit := 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				exit = exitErr.ExitCode()
			} else {
				return RunResult{}, lerrors.CmdStartFailed(strings.Join(argv, " "), err)
			}
		}
		return RunResult{Exit: exit, Stdout: stdout.String(), Stderr: stderr.String()}, nil
	}
}

func argvFor(shellCmd string, argv []string) []string {
	if len(argv) > 0 {
		return argv
	}
	return []string{"/bin/sh", "-c", shellCmd}
}

// --- host ---

type hostBackend struct {
	name string
}

func (b *hostBackend) Setup(ctx context.Context) error                      { return nil }
func (b *hostBackend) Exists(ctx context.Context) (bool, error)             { return true, nil }
func (b *hostBackend) Ensure(ctx context.Context, policy ExistsPolicy) error { return nil }

func (b *hostBackend) Run(ctx context.Context, shellCmd string, argv []string, stdin string, env map[string]string) (RunResult, error) {
	return runCommand(ctx, argvFor(shellCmd, argv), stdin, env)
}

func (b *hostBackend) PutFile(ctx context.Context, dst string, content []byte, chown, chmod string) error {
	if err := os.WriteFile(dst, content, 0o644); err != nil {
		return lerrors.BackendTransferFailed(b.name, "<content>", dst, err)
	}
	if chmod != "" {
		if mode, err := parseMode(chmod); err == nil {
			_ = os.Chmod(dst, mode)
		}
	}
	return nil
}

func (b *hostBackend) GetFile(ctx context.Context, src string) ([]byte, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return nil, lerrors.BackendTransferFailed(b.name, src, "<content>", err)
	}
	return data, nil
}

func (b *hostBackend) Special(ctx context.Context, op string) error {
	return lerrors.BackendUnsupportedSpecial("host", op)
}

func (b *hostBackend) Teardown(ctx context.Context) error { return nil }

func parseMode(s string) (os.FileMode, error) {
	var mode uint32
	if _, err := fmt.Sscanf(s, "%o", &mode); err != nil {
		return 0, err
	}
	return os.FileMode(mode), nil
}

// --- dbg ---

// dbgBackend is a no-op engine that prints call information, for dry-run
// manifests and engine-agnostic template development (spec.md §4.7).
type dbgBackend struct {
	name string
}

func (b *dbgBackend) Setup(ctx context.Context) error {
	fmt.Fprintf(os.Stderr, "[dbg:%s] setup\n", b.name)
	return nil
}

func (b *dbgBackend) Exists(ctx context.Context) (bool, error) { return false, nil }

func (b *dbgBackend) Ensure(ctx context.Context, policy ExistsPolicy) error {
	fmt.Fprintf(os.Stderr, "[dbg:%s] ensure(%s)\n", b.name, policy)
	return nil
}

func (b *dbgBackend) Run(ctx context.Context, shellCmd string, argv []string, stdin string, env map[string]string) (RunResult, error) {
	fmt.Fprintf(os.Stderr, "[dbg:%s] run shell=%q argv=%v\n", b.name, shellCmd, argv)
	return RunResult{Exit: 0}, nil
}

func (b *dbgBackend) PutFile(ctx context.Context, dst string, content []byte, chown, chmod string) error {
	fmt.Fprintf(os.Stderr, "[dbg:%s] put_file %s (%d bytes)\n", b.name, dst, len(content))
	return nil
}

func (b *dbgBackend) GetFile(ctx context.Context, src string) ([]byte, error) {
	fmt.Fprintf(os.Stderr, "[dbg:%s] get_file %s\n", b.name, src)
	return nil, nil
}

func (b *dbgBackend) Special(ctx context.Context, op string) error {
	fmt.Fprintf(os.Stderr, "[dbg:%s] special %s\n", b.name, op)
	return nil
}

func (b *dbgBackend) Teardown(ctx context.Context) error {
	fmt.Fprintf(os.Stderr, "[dbg:%s] teardown\n", b.name)
	return nil
}

// --- CLI-wrapping backends: ssh/docker/podman/incus/vml ---

// cliBackend wraps an external CLI that can run a command against a
// remote/contained target by prepending a fixed prefix to the argv.
type cliBackend struct {
	name   string
	engine string
	prefix []string
	// target is the container name or instance name Special/PutFile's
	// docker-cp path address by, separate from prefix since incus/vml's
	// prefix ends in "--" rather than the instance.
	target string
}

func (b *cliBackend) Setup(ctx context.Context) error          { return nil }
func (b *cliBackend) Exists(ctx context.Context) (bool, error) { return true, nil }
func (b *cliBackend) Ensure(ctx context.Context, policy ExistsPolicy) error {
	return nil
}

func (b *cliBackend) Run(ctx context.Context, shellCmd string, argv []string, stdin string, env map[string]string) (RunResult, error) {
	full := append(append([]string{}, b.prefix...), argvFor(shellCmd, argv)...)
	return runCommand(ctx, full, stdin, env)
}

func (b *cliBackend) PutFile(ctx context.Context, dst string, content []byte, chown, chmod string) error {
	switch b.engine {
	case "docker", "podman":
		tmp, err := os.CreateTemp("", "lineup-put-*")
		if err != nil {
			return lerrors.BackendTransferFailed(b.name, "<content>", dst, err)
		}
		defer os.Remove(tmp.Name())
		if _, err := tmp.Write(content); err != nil {
			tmp.Close()
			return lerrors.BackendTransferFailed(b.name, "<content>", dst, err)
		}
		tmp.Close()
		_, err = runCommand(ctx, []string{b.engine, "cp", tmp.Name(), b.target + ":" + dst}, "", nil)
		if err != nil {
			return lerrors.BackendTransferFailed(b.name, tmp.Name(), dst, err)
		}
		return nil
	default:
		full := append(append([]string{}, b.prefix...), "sh", "-c", "cat > "+shellQuotePath(dst))
		if _, err := runCommand(ctx, full, string(content), nil); err != nil {
			return lerrors.BackendTransferFailed(b.name, "<content>", dst, err)
		}
		return nil
	}
}

func (b *cliBackend) GetFile(ctx context.Context, src string) ([]byte, error) {
	full := append(append([]string{}, b.prefix...), "cat", src)
	res, err := runCommand(ctx, full, "", nil)
	if err != nil {
		return nil, lerrors.BackendTransferFailed(b.name, src, "<content>", err)
	}
	return []byte(res.Stdout), nil
}

func (b *cliBackend) Special(ctx context.Context, op string) error {
	switch b.engine {
	case "docker", "podman", "incus", "vml":
		switch op {
		case "restart", "start", "stop":
			_, err := runCommand(ctx, []string{b.engine, op, b.target}, "", nil)
			return err
		}
	}
	return lerrors.BackendUnsupportedSpecial(b.engine, op)
}

func (b *cliBackend) Teardown(ctx context.Context) error { return nil }

func shellQuotePath(p string) string {
	return "'" + strings.ReplaceAll(p, "'", `'\''`) + "'"
}
