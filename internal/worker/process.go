package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// CommandSpec is the payload shape for "command" tasks: a subprocess to run
// with its environment, working directory, and time budget.
type CommandSpec struct {
	Command        []string          `json:"command"`
	Dir            string            `json:"dir,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Stdin          string            `json:"stdin,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// CommandResult is what a successful command task stores as its result.
type CommandResult struct {
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMS int64  `json:"duration_ms"`
}

// ProcessRunner executes command tasks as subprocesses. Each subprocess runs
// in its own process group so cancellation takes down the whole tree, and
// every live process is tracked so shutdown can kill stragglers.
type ProcessRunner struct {
	procs *ProcessManager
}

func NewProcessRunner(pm *ProcessManager) *ProcessRunner {
	if pm == nil {
		pm = NewProcessManager()
	}
	return &ProcessRunner{procs: pm}
}

// Handle runs the job's CommandSpec payload. A non-zero exit is a task
// failure; the error carries the stderr tail so the failure reason says what
// actually went wrong.
func (r *ProcessRunner) Handle(ctx context.Context, job Job) (json.RawMessage, error) {
	var spec CommandSpec
	if err := json.Unmarshal(job.Payload, &spec); err != nil {
		return nil, fmt.Errorf("invalid command payload: %w", err)
	}
	if len(spec.Command) == 0 {
		return nil, errors.New("invalid command payload: empty command")
	}

	if spec.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(spec.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	cmd := newCommand(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = job.Workspace
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	if len(spec.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range spec.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}

	started := time.Now()
	stdout, stderr, err := r.runCommand(ctx, cmd)
	elapsed := time.Since(started)

	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("command killed after %s: %w", elapsed.Round(time.Millisecond), ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if tail := stderrTail(stderr); tail != "" {
				return nil, fmt.Errorf("command exited %d: %s", exitErr.ExitCode(), tail)
			}
			return nil, fmt.Errorf("command exited %d", exitErr.ExitCode())
		}
		return nil, err
	}

	result := CommandResult{
		ExitCode:   0,
		Stdout:     string(stdout),
		Stderr:     string(stderr),
		DurationMS: elapsed.Milliseconds(),
	}
	return json.Marshal(result)
}

// runCommand starts cmd, drains stdout and stderr concurrently, and waits.
// Both pipes must be fully read before cmd.Wait or a chatty subprocess can
// deadlock against the pipe buffer.
func (r *ProcessRunner) runCommand(ctx context.Context, cmd *exec.Cmd) (stdout, stderr []byte, err error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start command: %w", err)
	}
	r.procs.Track(cmd)
	defer r.procs.Untrack(cmd)

	var wg sync.WaitGroup
	var stdoutBuf, stderrBuf bytes.Buffer
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(&stdoutBuf, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderrBuf, stderrPipe)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	return stdoutBuf.Bytes(), stderrBuf.Bytes(), waitErr
}

// newCommand builds an exec.Cmd whose subprocess runs in its own process
// group, so cancellation can terminate the entire subprocess tree rather
// than just the immediate child.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}
	return cmd
}

// killProcessGroup sends SIGKILL to the command's process group. The
// negative PID targets the group, catching any children the subprocess
// spawned.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return errors.New("process not started")
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill process group: %w", err)
	}
	return nil
}

// stderrTail keeps the last chunk of stderr for failure reasons; full output
// stays on the subprocess side.
func stderrTail(stderr []byte) string {
	const limit = 2048
	s := strings.TrimSpace(string(stderr))
	if len(s) > limit {
		s = "..." + s[len(s)-limit:]
	}
	return s
}

// ProcessManager tracks running subprocesses so shutdown can terminate them
// all instead of leaving orphans behind.
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

func NewProcessManager() *ProcessManager {
	return &ProcessManager{procs: make(map[int]*exec.Cmd)}
}

// Track registers a started subprocess. Call after cmd.Start.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// Untrack forgets a subprocess. Call after cmd.Wait.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// KillAll terminates every tracked process group.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for pid, cmd := range pm.procs {
		if err := killProcessGroup(cmd); err != nil {
			errs = append(errs, fmt.Errorf("failed to kill process %d: %w", pid, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors killing processes: %v", errs)
	}
	return nil
}

// Count reports how many subprocesses are live.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
