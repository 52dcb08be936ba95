// Package session turns a resolved Config into a timestamped run: it picks the
// execution mode, wires the relays to the child and maps the outcome to the
// exit code of ets.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/riywo/loginshell"
	"golang.org/x/term"

	"ets/internal/linesplit"
	"ets/internal/ptyrun"
	"ets/internal/record"
	"ets/internal/relay"
	"ets/internal/supervisor"
	"ets/internal/timestamp"
)

const (
	// ExitFailure is returned for internal errors of ets itself.
	ExitFailure = 1
	// ExitUsage is returned for invalid flags or configuration.
	ExitUsage = 2
)

// ErrConflictingFlags reports options that cannot be combined.
var ErrConflictingFlags = errors.New("conflicting flags")

var whitespace = regexp.MustCompile(`\s`)

// Config is a fully resolved ets invocation.
type Config struct {
	// Args is the command and its arguments. Empty stamps Stdin instead.
	Args []string

	Mode timestamp.Mode
	// Format is a strftime format. Empty selects timestamp.DefaultFormat(Mode).
	Format   string
	Location *time.Location
	// Delimiter is written between timestamp and line as is.
	Delimiter string
	Color     bool
	Policy    linesplit.Policy
	PTY       bool

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	// Record, if set, receives every line of every stream in the record
	// format, unstamped.
	Record io.Writer

	Logger *slog.Logger
}

// Validate reports configuration errors that make a run impossible.
func (c Config) Validate() error {
	switch c.Mode {
	case timestamp.Absolute, timestamp.Elapsed, timestamp.Incremental:
	default:
		return fmt.Errorf("unknown timestamp mode %d", int(c.Mode))
	}
	switch c.Policy {
	case linesplit.PolicyAny, linesplit.PolicyLF:
	default:
		return fmt.Errorf("unknown line policy %d", int(c.Policy))
	}
	if c.PTY && len(c.Args) == 0 {
		return fmt.Errorf("%w: --pty needs a command", ErrConflictingFlags)
	}
	if c.Stdout == nil {
		return errors.New("no stdout writer")
	}
	if len(c.Args) > 0 && !c.PTY && c.Stderr == nil {
		return errors.New("no stderr writer")
	}
	return nil
}

// Formatter compiles the timestamp format of c.
func (c Config) Formatter() (*timestamp.Formatter, error) {
	format := c.Format
	if format == "" {
		format = timestamp.DefaultFormat(c.Mode)
	}
	if c.Color {
		format = timestamp.WithColor(format)
	}
	return timestamp.New(format, c.Mode, c.Location)
}

// Command returns the argv to execute. A single argument containing whitespace
// is a shell command line and runs through the user's login shell.
func (c Config) Command() []string {
	if len(c.Args) != 1 || !whitespace.MatchString(c.Args[0]) {
		return c.Args
	}
	shell, err := loginshell.Shell()
	if err != nil || shell == "" {
		shell = "sh"
	}
	return []string{shell, "-c", c.Args[0]}
}

// Run executes c and returns the exit code ets should exit with. The error is
// non-nil when ets itself failed; the code is still meaningful then.
func Run(ctx context.Context, c Config) (int, error) {
	if err := c.Validate(); err != nil {
		return ExitUsage, err
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	f, err := c.Formatter()
	if err != nil {
		return ExitUsage, err
	}

	relayOpts := []relay.Option{
		relay.WithDelimiter(c.Delimiter),
		relay.WithPolicy(c.Policy),
		relay.WithLogger(logger),
	}
	if c.Record != nil {
		rec := record.NewWriter(c.Record)
		defer func() {
			if err := rec.Close(); err != nil {
				logger.Warn("Failed to write record", "error", err)
			}
		}()
		relayOpts = append(relayOpts, relay.WithRecorder(rec))
	}

	if len(c.Args) == 0 {
		return runFilter(c, f, relayOpts)
	}

	args := c.Command()
	stdinTTY := terminal(c.Stdin)

	var proc supervisor.Process
	if c.PTY {
		proc, err = ptyrun.New(args, ptyrun.Options{
			Stdin:    c.Stdin,
			Terminal: stdinTTY,
			PrefixWidth: func() int {
				return ptyrun.PrefixWidth(f.Format(time.Now(), time.Now()), c.Delimiter)
			},
			Logger: logger,
		})
	} else {
		// A child sharing the terminal's foreground group already receives the
		// keyboard signals itself.
		proc, err = supervisor.NewExecProcess(args, supervisor.ExecOptions{
			Stdin:           c.Stdin,
			NewProcessGroup: stdinTTY == nil,
			SkipTTYSignals:  stdinTTY != nil,
		})
	}
	if err != nil {
		return ExitUsage, err
	}

	start := time.Now()
	attach := func(name string, src io.Reader) *relay.Relay {
		dst := c.Stdout
		if name == "stderr" {
			dst = c.Stderr
		}
		return relay.New(relay.Stream{Name: name, Src: src, Dst: dst}, timestamp.NewStamper(f, start), relayOpts...)
	}

	report, err := supervisor.New(logger).Run(ctx, proc, attach)
	var launchErr *supervisor.LaunchError
	if errors.As(err, &launchErr) {
		return launchErr.ExitCode(), err
	}
	if err != nil {
		return ExitFailure, err
	}
	return report.Exit.Code, nil
}

// runFilter stamps the lines of c.Stdin onto c.Stdout.
func runFilter(c Config, f *timestamp.Formatter, opts []relay.Option) (int, error) {
	if c.Stdin == nil {
		return ExitUsage, errors.New("no command and no stdin to read")
	}
	r := relay.New(relay.Stream{Name: "stdin", Src: c.Stdin, Dst: c.Stdout}, timestamp.NewStamper(f, time.Now()), opts...)
	res := r.Run()
	if err := res.Err(); err != nil {
		return ExitFailure, fmt.Errorf("failed to stamp stdin: %w", err)
	}
	return 0, nil
}

// terminal returns r as a file when it is a terminal, nil otherwise.
func terminal(r io.Reader) *os.File {
	f, ok := r.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return nil
	}
	return f
}
