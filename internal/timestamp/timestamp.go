// Package timestamp renders line prefixes from strftime(3) style formats.
package timestamp

import (
	"fmt"
	"time"

	"github.com/lestrrat-go/strftime"
)

// Mode selects what a timestamp measures.
type Mode int

const (
	// Absolute shows wall-clock time.
	Absolute Mode = iota
	// Elapsed shows the time since the session started.
	Elapsed
	// Incremental shows the time since the previous line of the same stream.
	Incremental
)

func (m Mode) String() string {
	switch m {
	case Absolute:
		return "absolute"
	case Elapsed:
		return "elapsed"
	case Incremental:
		return "incremental"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Default formats. Sub-second precision is opt-in through %L or %f.
const (
	DefaultAbsoluteFormat = "[%F %T]"
	DefaultDurationFormat = "[%T]"
)

// DefaultFormat returns the format used when none is configured.
func DefaultFormat(mode Mode) string {
	if mode == Absolute {
		return DefaultAbsoluteFormat
	}
	return DefaultDurationFormat
}

// WithColor wraps format in green ANSI color codes.
func WithColor(format string) string {
	return "\x1b[32m" + format + "\x1b[0m"
}

// Formatter renders timestamps. It holds no mutable state and is safe for
// concurrent use.
type Formatter struct {
	mode Mode
	loc  *time.Location
	strf *strftime.Strftime
}

// New compiles format for mode. An empty format selects DefaultFormat(mode) and
// a nil loc selects time.Local. Besides the strftime(3) directives, %L renders
// milliseconds, %f microseconds and %s unix seconds. For durations, %s is the
// number of whole seconds and %H and %T count total hours without wrapping at
// 24.
func New(format string, mode Mode, loc *time.Location) (*Formatter, error) {
	if format == "" {
		format = DefaultFormat(mode)
	}
	if loc == nil {
		loc = time.Local
	}
	opts := []strftime.Option{
		strftime.WithMilliseconds('L'),
		strftime.WithMicroseconds('f'),
		strftime.WithUnixSeconds('s'),
	}
	if mode != Absolute {
		opts = append(opts,
			strftime.WithSpecification('H', strftime.AppendFunc(appendTotalHours)),
			strftime.WithSpecification('T', strftime.AppendFunc(appendDurationClock)),
		)
	}
	strf, err := strftime.New(format, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp format %q: %w", format, err)
	}
	return &Formatter{mode: mode, loc: loc, strf: strf}, nil
}

// Mode returns the mode the formatter was built for.
func (f *Formatter) Mode() Mode {
	return f.mode
}

// Format renders the timestamp for now. Absolute mode ignores ref; the
// duration modes render now-ref, clamped at zero.
func (f *Formatter) Format(ref, now time.Time) string {
	if f.mode == Absolute {
		return f.strf.FormatString(now.In(f.loc))
	}
	return f.FormatDuration(now.Sub(ref))
}

// FormatDuration renders d as a time of day counted from the unix epoch in UTC,
// so %T of 90 minutes is "01:30:00".
func (f *Formatter) FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return f.strf.FormatString(time.Unix(0, d.Nanoseconds()).UTC())
}

// appendTotalHours renders the hours since the epoch, at least two digits.
func appendTotalHours(b []byte, t time.Time) []byte {
	return fmt.Appendf(b, "%02d", t.Unix()/3600)
}

func appendDurationClock(b []byte, t time.Time) []byte {
	return fmt.Appendf(b, "%02d:%02d:%02d", t.Unix()/3600, t.Minute(), t.Second())
}

// Stamper produces the timestamps of one stream. It remembers the previous
// stamp for Incremental mode and must not be shared between streams.
type Stamper struct {
	f     *Formatter
	start time.Time
	last  time.Time
}

// NewStamper returns a Stamper measuring from start.
func NewStamper(f *Formatter, start time.Time) *Stamper {
	return &Stamper{f: f, start: start, last: start}
}

// Stamp renders the timestamp for a line completed at now.
func (s *Stamper) Stamp(now time.Time) string {
	ref := s.start
	if s.f.mode == Incremental {
		ref = s.last
	}
	s.last = now
	return s.f.Format(ref, now)
}
