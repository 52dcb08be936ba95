package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"ets/internal/linesplit"
	"ets/internal/logging"
	"ets/internal/session"
	"ets/internal/timestamp"

	"github.com/spf13/cobra"
)

// version is set with -ldflags "-X main.version=...".
var version = "unknown"

type options struct {
	elapsed     bool
	incremental bool
	format      string
	delim       string
	utc         bool
	timezone    string
	color       bool
	lfOnly      bool
	pty         bool
	record      string
}

// config resolves the flags into a session config for the command args.
func (o options) config(args []string) (session.Config, error) {
	if o.elapsed && o.incremental {
		return session.Config{}, fmt.Errorf("%w: --elapsed and --incremental", session.ErrConflictingFlags)
	}
	if o.utc && o.timezone != "" {
		return session.Config{}, fmt.Errorf("%w: --utc and --timezone", session.ErrConflictingFlags)
	}

	cfg := session.Config{
		Args:      args,
		Mode:      timestamp.Absolute,
		Format:    o.format,
		Location:  time.Local,
		Delimiter: unescape(o.delim),
		Color:     o.color,
		Policy:    linesplit.PolicyAny,
		PTY:       o.pty,
	}
	switch {
	case o.elapsed:
		cfg.Mode = timestamp.Elapsed
	case o.incremental:
		cfg.Mode = timestamp.Incremental
	}
	switch {
	case o.utc:
		cfg.Location = time.UTC
	case o.timezone != "":
		loc, err := time.LoadLocation(o.timezone)
		if err != nil {
			return session.Config{}, fmt.Errorf("invalid timezone %q: %w", o.timezone, err)
		}
		cfg.Location = loc
	}
	if o.lfOnly {
		cfg.Policy = linesplit.PolicyLF
	}
	return cfg, nil
}

// unescape interprets Go escape sequences such as \t. Anything that does not
// parse is used literally.
func unescape(s string) string {
	if u, err := strconv.Unquote(`"` + s + `"`); err == nil {
		return u
	}
	return s
}

func newRootCmd(exitCode *int) *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "ets [flags] [command [arg ...]]",
		Short: "Timestamp the output of a command",
		Long: `ets runs a command and prefixes every line it writes with a timestamp.
stdout stays stdout and stderr stays stderr, and the exit code of the command
is passed on. Without a command, ets timestamps its own stdin.

A single argument containing whitespace is run through your login shell, so
ets 'make | tee build.log' works.

The format is strftime(3) style with the extra directives %L (milliseconds),
%f (microseconds) and %s (unix seconds). The defaults are "[%F %T]" and,
with -s or -i, "[%T]".

When stdin is a terminal the command shares its foreground process group and
gets Ctrl-C, Ctrl-\ and hangups from the terminal itself, so ets does not pass
SIGINT, SIGHUP or SIGQUIT on. A kill -INT, -HUP or -QUIT sent to ets alone
then does not reach the command; use SIGTERM or signal the process group.`,
		Version:       version,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config(args)
			if err != nil {
				*exitCode = session.ExitUsage
				return err
			}
			cfg.Stdin = cmd.InOrStdin()
			cfg.Stdout = cmd.OutOrStdout()
			cfg.Stderr = cmd.ErrOrStderr()
			if opts.record != "" {
				f, err := os.Create(opts.record)
				if err != nil {
					*exitCode = session.ExitFailure
					return fmt.Errorf("failed to create record file: %w", err)
				}
				defer func() { _ = f.Close() }()
				cfg.Record = f
			}

			code, err := session.Run(cmd.Context(), cfg)
			*exitCode = code
			return err
		},
	}
	cmd.SetVersionTemplate("ets {{.Version}}\n")
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		*exitCode = session.ExitUsage
		return err
	})

	flags := cmd.Flags()
	// Flags after the command belong to the command.
	flags.SetInterspersed(false)
	flags.BoolVarP(&opts.elapsed, "elapsed", "s", false, "show elapsed timestamps")
	flags.BoolVarP(&opts.incremental, "incremental", "i", false, "show incremental timestamps")
	flags.StringVarP(&opts.format, "format", "f", "", `timestamp format (default "[%F %T]", or "[%T]" with -s/-i)`)
	flags.StringVarP(&opts.delim, "delim", "d", " ", `delimiter after the timestamp, Go escapes like \t allowed`)
	flags.BoolVarP(&opts.utc, "utc", "u", false, "show absolute timestamps in UTC")
	flags.StringVarP(&opts.timezone, "timezone", "z", "", "show absolute timestamps in this timezone, e.g. America/Los_Angeles")
	flags.BoolVarP(&opts.color, "color", "c", false, "show timestamps in color")
	flags.BoolVar(&opts.lfOnly, "lf", false, "split lines on \\n only; \\r stays part of the line")
	flags.BoolVar(&opts.pty, "pty", false, "run the command on a pseudo-terminal (stdout and stderr are merged)")
	flags.StringVar(&opts.record, "record", "", "also write every line of every stream, unstamped, to this file in record format")
	return cmd
}

func main() {
	logging.ConfigureRuntime()
	// A closed stdout or stderr ends that stream's relay with EPIPE; the other
	// stream and the child's exit code still go through. Notify rather than
	// Ignore, so the command starts with the default SIGPIPE action.
	signal.Notify(make(chan os.Signal, 1), syscall.SIGPIPE)

	exitCode := 0
	if err := newRootCmd(&exitCode).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ets:", err)
		if exitCode == 0 {
			exitCode = session.ExitFailure
		}
	}
	os.Exit(exitCode)
}
