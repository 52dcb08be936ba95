// Package ptyrun runs a command on a pseudo-terminal so that it behaves as if
// attached to the user's terminal. stdout and stderr arrive merged on the
// single pty stream.
package ptyrun

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"regexp"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/mattn/go-runewidth"

	"ets/internal/supervisor"
)

// StreamName is the name of the single merged output stream.
const StreamName = "pty"

var ansiEscapes = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)|\x1b[()#][0-9A-Za-z]`)

// PrefixWidth returns the number of terminal columns taken by a rendered
// timestamp followed by delim. Color codes take no room.
func PrefixWidth(stamp, delim string) int {
	return runewidth.StringWidth(ansiEscapes.ReplaceAllString(stamp+delim, ""))
}

// FitWinsize shrinks the columns of size by prefix columns and scales the pixel
// width accordingly. Columns never go below zero.
func FitWinsize(size pty.Winsize, prefix int) *pty.Winsize {
	total := size.Cols
	var cols uint16
	if prefix >= 0 && int(total) > prefix {
		cols = total - uint16(prefix)
	}
	if total > 0 {
		size.X = uint16(uint32(size.X) * uint32(cols) / uint32(total))
	}
	size.Cols = cols
	return &size
}

// Options configures a Process.
type Options struct {
	// Stdin is copied into the pty. Nil copies nothing.
	Stdin io.Reader
	// Terminal is the terminal whose size the pty follows. Nil leaves the pty
	// at its default size.
	Terminal *os.File
	// PrefixWidth returns the columns the timestamp prefix occupies.
	PrefixWidth func() int
	// Size is used when Terminal is nil or not a terminal.
	Size   *pty.Winsize
	Logger *slog.Logger
}

// Process runs a command on a pty. It implements supervisor.Process.
type Process struct {
	args []string
	opts Options

	cmd  *exec.Cmd
	ptmx *os.File

	winch chan os.Signal
	done  chan struct{}

	mu   sync.Mutex
	exit supervisor.ExitInfo
}

var _ supervisor.Process = &Process{}

// New prepares args[0] with arguments args[1:].
func New(args []string, opts Options) (*Process, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no command given")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Process{args: args, opts: opts, done: make(chan struct{})}, nil
}

// Winsize returns the size the pty should have right now, or nil when it is
// unknown.
func (p *Process) Winsize() *pty.Winsize {
	size := p.opts.Size
	if p.opts.Terminal != nil {
		if ws, err := pty.GetsizeFull(p.opts.Terminal); err == nil {
			size = ws
		}
	}
	if size == nil {
		return nil
	}
	prefix := 0
	if p.opts.PrefixWidth != nil {
		prefix = p.opts.PrefixWidth()
	}
	return FitWinsize(*size, prefix)
}

// Spawn starts the command on a new pty. The child becomes a session leader
// with the pty as its controlling terminal.
func (p *Process) Spawn() error {
	if p.cmd != nil {
		return fmt.Errorf("%s already spawned", p.args[0])
	}
	cmd := exec.Command(p.args[0], p.args[1:]...)
	ptmx, err := pty.StartWithSize(cmd, p.Winsize())
	if err != nil {
		return &supervisor.LaunchError{Args: p.args, Err: err}
	}
	p.cmd = cmd
	p.ptmx = ptmx

	if p.opts.Terminal != nil {
		p.winch = make(chan os.Signal, 1)
		signal.Notify(p.winch, syscall.SIGWINCH)
		go p.followResize()
	}
	if p.opts.Stdin != nil {
		go func() { _, _ = io.Copy(ptmx, p.opts.Stdin) }()
	}
	return nil
}

func (p *Process) followResize() {
	for {
		select {
		case <-p.winch:
			if size := p.Winsize(); size != nil {
				if err := pty.Setsize(p.ptmx, size); err != nil {
					p.opts.Logger.Warn("Error resizing pty", "error", err)
				}
			}
		case <-p.done:
			return
		}
	}
}

// Outputs returns the pty master as the single output stream.
func (p *Process) Outputs() []supervisor.Output {
	return []supervisor.Output{{Name: StreamName, Src: eioReader{p.ptmx}}}
}

// Wait waits for the child to exit.
func (p *Process) Wait() error {
	if p.cmd == nil {
		return fmt.Errorf("process not spawned")
	}
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return fmt.Errorf("failed to wait for %s: %w", p.args[0], err)
	}
	p.mu.Lock()
	p.exit = supervisor.ExitInfoFromState(p.cmd.ProcessState)
	p.mu.Unlock()
	return nil
}

// Forward sends sig to the child's process group.
func (p *Process) Forward(sig os.Signal) error {
	if p.cmd == nil || p.cmd.Process == nil {
		return fmt.Errorf("process not spawned")
	}
	s, ok := sig.(syscall.Signal)
	if !ok {
		return fmt.Errorf("unsupported signal %v", sig)
	}
	return syscall.Kill(-p.cmd.Process.Pid, s)
}

// ExitInfo returns the exit status after Wait has returned.
func (p *Process) ExitInfo() supervisor.ExitInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

// Close stops following resizes and closes the pty master.
func (p *Process) Close() error {
	select {
	case <-p.done:
		return nil
	default:
		close(p.done)
	}
	if p.winch != nil {
		signal.Stop(p.winch)
	}
	if p.ptmx != nil {
		return p.ptmx.Close()
	}
	return nil
}

// eioReader reports EIO as end of stream. Linux returns EIO from the pty
// master once the last slave descriptor is closed.
type eioReader struct {
	r io.Reader
}

func (e eioReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if errors.Is(err, syscall.EIO) {
		return n, io.EOF
	}
	return n, err
}
