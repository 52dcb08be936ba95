// Package relay stamps and forwards the lines of one child output stream.
package relay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"ets/internal/linesplit"
	"ets/internal/timestamp"
)

// Stream is one output stream of the child: where lines come from and where
// the stamped lines go. A Stream belongs to exactly one Relay.
type Stream struct {
	Name string // "stdout", "stderr", "pty", ...
	Src  io.Reader
	Dst  io.Writer
}

// State is the lifecycle state of a Relay.
type State int

const (
	Running State = iota
	Draining
	Errored
	Done
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Errored:
		return "errored"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Result summarizes a finished relay.
type Result struct {
	Stream   string
	Lines    int
	ReadErr  error
	WriteErr error
}

// Err returns the read and write errors joined, or nil.
func (r Result) Err() error {
	return errors.Join(r.ReadErr, r.WriteErr)
}

type flusher interface {
	Flush() error
}

// Recorder receives every line of a stream unstamped, together with the time it
// was stamped at. data is only valid for the duration of the call.
type Recorder interface {
	Record(stream string, at time.Time, data []byte)
}

// Relay copies one stream line by line, prefixing each line with a timestamp.
type Relay struct {
	stream   Stream
	stamper  *timestamp.Stamper
	delim    string
	policy   linesplit.Policy
	now      func() time.Time
	logger   *slog.Logger
	recorder Recorder

	mu    sync.Mutex
	state State
}

// Option configures a Relay.
type Option func(*Relay)

// WithDelimiter sets the string written between timestamp and line. Default " ".
func WithDelimiter(delim string) Option {
	return func(r *Relay) { r.delim = delim }
}

// WithPolicy sets the line-termination policy. Default linesplit.PolicyAny.
func WithPolicy(p linesplit.Policy) Option {
	return func(r *Relay) { r.policy = p }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

// WithLogger sets the logger used for relay diagnostics. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) { r.logger = l }
}

// WithRecorder passes every line to rec as well.
func WithRecorder(rec Recorder) Option {
	return func(r *Relay) { r.recorder = rec }
}

// New creates a Relay for stream. The stamper must not be shared with another
// Relay.
func New(stream Stream, stamper *timestamp.Stamper, opts ...Option) *Relay {
	r := &Relay{
		stream:  stream,
		stamper: stamper,
		delim:   " ",
		policy:  linesplit.PolicyAny,
		now:     time.Now,
		state:   Running,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("stream", stream.Name)
	return r
}

// Name returns the stream name.
func (r *Relay) Name() string {
	return r.stream.Name
}

// State returns the current state.
func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Relay) setState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Done {
		r.state = s
	}
}

// Run relays the stream until it is exhausted or fails, and returns what
// happened. Run must be called at most once.
func (r *Relay) Run() Result {
	res := Result{Stream: r.stream.Name}
	defer r.setState(Done)

	splitter := linesplit.New(r.stream.Src, r.policy)
	var buf []byte
	for {
		line, err := splitter.Next()
		if errors.Is(err, io.EOF) {
			r.setState(Draining)
			return res
		}
		if err != nil {
			r.setState(Errored)
			res.ReadErr = fmt.Errorf("%s: %w", r.stream.Name, err)
			r.logger.Debug("Stream read failed", "error", err, "lines", res.Lines)
			// Nobody reads this source anymore; a writer on the other end
			// gets EPIPE instead of blocking on a full pipe.
			if c, ok := r.stream.Src.(io.Closer); ok {
				if err := c.Close(); err != nil {
					r.logger.Debug("Failed to close source", "error", err)
				}
			}
			return res
		}

		// Sample the clock once the line is complete.
		now := r.now()
		stamp := r.stamper.Stamp(now)

		buf = buf[:0]
		buf = append(buf, stamp...)
		buf = append(buf, r.delim...)
		buf = append(buf, line.Data...)
		buf = append(buf, line.Terminator...)
		if r.recorder != nil {
			r.recorder.Record(r.stream.Name, now, buf[len(stamp)+len(r.delim):])
		}
		if err := r.write(buf); err != nil {
			r.setState(Errored)
			res.WriteErr = fmt.Errorf("%s: write: %w", r.stream.Name, err)
			// Keep the pipe flowing so the child never blocks on a full pipe.
			discarded, _ := io.Copy(io.Discard, r.stream.Src)
			r.logger.Debug("Stream write failed, discarding output", "error", err, "discarded_bytes", discarded)
			return res
		}
		res.Lines++
	}
}

func (r *Relay) write(p []byte) error {
	if _, err := r.stream.Dst.Write(p); err != nil {
		return err
	}
	if f, ok := r.stream.Dst.(flusher); ok {
		return f.Flush()
	}
	return nil
}
