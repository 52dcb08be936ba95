package supervisor

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
)

// Exit codes used when the child never ran.
const (
	ExitCannotExecute = 126
	ExitNotFound      = 127
)

// ExitInfo describes how the child terminated.
type ExitInfo struct {
	Code     int // own exit code, or 128+signal when Signaled
	Signaled bool
	Signal   syscall.Signal
}

func (e ExitInfo) String() string {
	if e.Signaled {
		return fmt.Sprintf("terminated by %s (exit code %d)", SignalName(e.Signal), e.Code)
	}
	return fmt.Sprintf("exited with code %d", e.Code)
}

// ExitInfoFromState maps a finished process to ExitInfo.
func ExitInfoFromState(state *os.ProcessState) ExitInfo {
	if state == nil {
		return ExitInfo{Code: -1}
	}
	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		sig := status.Signal()
		return ExitInfo{Code: SignalExitCode(sig), Signaled: true, Signal: sig}
	}
	return ExitInfo{Code: state.ExitCode()}
}

// Output is one readable output stream of a spawned process.
type Output struct {
	Name string
	Src  io.Reader
}

// Process is the platform capability the Supervisor drives. Outputs is valid
// after a successful Spawn. Wait returns an error only when waiting itself
// failed; a non-zero exit is reported by ExitInfo.
type Process interface {
	Spawn() error
	Outputs() []Output
	Wait() error
	Forward(sig os.Signal) error
	ExitInfo() ExitInfo
}

// LaunchError reports a command that could not be started.
type LaunchError struct {
	Args []string
	Err  error
}

func (e *LaunchError) Error() string {
	name := ""
	if len(e.Args) > 0 {
		name = e.Args[0]
	}
	return fmt.Sprintf("failed to start %s: %v", name, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// ExitCode returns 127 when the executable does not exist and 126 otherwise.
func (e *LaunchError) ExitCode() int {
	if errors.Is(e.Err, exec.ErrNotFound) || errors.Is(e.Err, fs.ErrNotExist) {
		return ExitNotFound
	}
	return ExitCannotExecute
}

// ExecOptions configures an ExecProcess.
type ExecOptions struct {
	Stdin io.Reader // nil reads from the null device
	Dir   string
	Env   []string

	// NewProcessGroup puts the child in its own process group and forwards
	// signals to the whole group.
	NewProcessGroup bool

	// SkipTTYSignals drops forwarded signals that a terminal sends to its whole
	// foreground group. Set it when the child shares that group with ets.
	SkipTTYSignals bool
}

// ExecProcess runs a command with stdout and stderr connected to pipes.
type ExecProcess struct {
	args []string
	opts ExecOptions
	cmd  *exec.Cmd

	stdout *os.File
	stderr *os.File

	mu   sync.Mutex
	exit ExitInfo
}

var _ Process = &ExecProcess{}

// NewExecProcess prepares args[0] with arguments args[1:].
func NewExecProcess(args []string, opts ExecOptions) (*ExecProcess, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no command given")
	}
	return &ExecProcess{args: args, opts: opts}, nil
}

// Spawn starts the command. The parent's copies of the pipe write ends are
// closed, so the readers see EOF once the child and its descendants close
// theirs.
func (p *ExecProcess) Spawn() error {
	if p.cmd != nil {
		return fmt.Errorf("%s already spawned", strings.Join(p.args, " "))
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	cmd := exec.Command(p.args[0], p.args[1:]...)
	cmd.Stdin = p.opts.Stdin
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.Dir = p.opts.Dir
	cmd.Env = p.opts.Env
	if p.opts.NewProcessGroup {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	err = cmd.Start()
	_ = stdoutW.Close()
	_ = stderrW.Close()
	if err != nil {
		_ = stdoutR.Close()
		_ = stderrR.Close()
		return &LaunchError{Args: p.args, Err: err}
	}

	p.cmd = cmd
	p.stdout = stdoutR
	p.stderr = stderrR
	return nil
}

// Outputs returns the stdout and stderr pipes.
func (p *ExecProcess) Outputs() []Output {
	return []Output{
		{Name: "stdout", Src: p.stdout},
		{Name: "stderr", Src: p.stderr},
	}
}

// Pid returns the child's process id, or 0 before Spawn.
func (p *ExecProcess) Pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Wait waits for the child to exit. The output pipes stay open for the relays.
func (p *ExecProcess) Wait() error {
	if p.cmd == nil {
		return fmt.Errorf("process not spawned")
	}
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return fmt.Errorf("failed to wait for %s: %w", p.args[0], err)
	}

	p.mu.Lock()
	p.exit = ExitInfoFromState(p.cmd.ProcessState)
	p.mu.Unlock()
	return nil
}

// Forward sends sig to the child, or to its process group when it has one.
func (p *ExecProcess) Forward(sig os.Signal) error {
	pid := p.Pid()
	if pid == 0 {
		return fmt.Errorf("process not spawned")
	}
	s, ok := sig.(syscall.Signal)
	if !ok {
		return fmt.Errorf("unsupported signal %v", sig)
	}
	if p.opts.NewProcessGroup {
		return syscall.Kill(-pid, s)
	}
	if entry, ok := LookupSignal(s); ok && entry.FromTTY && p.opts.SkipTTYSignals {
		return nil
	}
	return syscall.Kill(pid, s)
}

// ExitInfo returns the exit status after Wait has returned.
func (p *ExecProcess) ExitInfo() ExitInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

// Close releases the read ends of the pipes.
func (p *ExecProcess) Close() error {
	var errs []error
	for _, f := range []*os.File{p.stdout, p.stderr} {
		// A relay closes its pipe itself after a read error.
		if f != nil {
			if err := f.Close(); !errors.Is(err, os.ErrClosed) {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
