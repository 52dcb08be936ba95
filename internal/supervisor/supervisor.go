// Package supervisor runs a child process, relays its output streams and maps
// its termination to an exit code.
package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"ets/internal/relay"
)

// AttachFunc builds the relay for one output of the child.
type AttachFunc func(name string, src io.Reader) *relay.Relay

// Report is the outcome of a supervised run.
type Report struct {
	Exit    ExitInfo
	Results []relay.Result
}

// Err joins the errors of all relays.
func (r Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		errs = append(errs, res.Err())
	}
	return errors.Join(errs...)
}

// Supervisor spawns a Process and waits for it and its relays.
type Supervisor struct {
	// Signals lists the signals caught and forwarded to the child. Nil means
	// ForwardedSignals(); an empty non-nil slice catches nothing.
	Signals []os.Signal
	Logger  *slog.Logger

	// notify and stop replace signal.Notify and signal.Stop in tests.
	notify func(c chan<- os.Signal, sig ...os.Signal)
	stop   func(c chan<- os.Signal)
}

// New returns a Supervisor forwarding ForwardedSignals().
func New(logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{Signals: ForwardedSignals(), Logger: logger}
}

// Run spawns proc, relays each of its outputs through the relay built by
// attach, forwards caught signals until the child exits, and returns once the
// child has exited and every relay is done.
//
// A spawn failure returns a *LaunchError and starts no relay. Cancelling ctx
// forwards SIGTERM to the child; Run still waits for it to exit. Relay errors
// are logged and reported but never change the exit status.
func (s *Supervisor) Run(ctx context.Context, proc Process, attach AttachFunc) (Report, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notify, stop := s.notify, s.stop
	if notify == nil {
		notify, stop = signal.Notify, signal.Stop
	}
	sigs := s.Signals
	if sigs == nil {
		sigs = ForwardedSignals()
	}

	// Catch signals before spawning so none is lost in between.
	sigCh := make(chan os.Signal, 8)
	if len(sigs) > 0 {
		notify(sigCh, sigs...)
		defer stop(sigCh)
	}

	if err := proc.Spawn(); err != nil {
		return Report{}, err
	}

	outputs := proc.Outputs()
	results := make([]relay.Result, len(outputs))
	var wg sync.WaitGroup
	wg.Add(len(outputs))
	for i, out := range outputs {
		i := i
		r := attach(out.Name, out.Src)
		go func() {
			defer wg.Done()
			results[i] = r.Run()
		}()
	}
	relaysDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(relaysDone)
	}()

	waitDone := make(chan error, 1)
	go func() {
		waitDone <- proc.Wait()
	}()

	var waitErr error
	ctxDone := ctx.Done()
wait:
	for {
		select {
		case sig := <-sigCh:
			s.forward(logger, proc, sig)
		case <-ctxDone:
			ctxDone = nil
			logger.Debug("Context cancelled, terminating child", "error", ctx.Err())
			s.forward(logger, proc, syscall.SIGTERM)
		case waitErr = <-waitDone:
			break wait
		}
	}

	// The child is gone; keep catching signals so ets is not killed before the
	// relays have drained the pipes.
drain:
	for {
		select {
		case sig := <-sigCh:
			logger.Debug("Signal received after child exit, ignoring", "signal", SignalName(sig))
		case <-relaysDone:
			break drain
		}
	}

	if c, ok := proc.(io.Closer); ok {
		if err := c.Close(); err != nil {
			logger.Debug("Failed to close output pipes", "error", err)
		}
	}

	report := Report{Exit: proc.ExitInfo(), Results: results}
	for _, res := range results {
		if res.ReadErr != nil {
			logger.Warn("Failed to read child output", "stream", res.Stream, "error", res.ReadErr)
		}
		if res.WriteErr != nil {
			logger.Warn("Failed to write output, remaining output dropped", "stream", res.Stream, "error", res.WriteErr)
		}
	}
	if waitErr != nil {
		return report, waitErr
	}
	logger.Debug("Child finished", "status", report.Exit.String())
	return report, nil
}

func (s *Supervisor) forward(logger *slog.Logger, proc Process, sig os.Signal) {
	if err := proc.Forward(sig); err != nil {
		logger.Debug("Failed to forward signal", "signal", SignalName(sig), "error", err)
		return
	}
	logger.Debug("Forwarded signal", "signal", SignalName(sig))
}
