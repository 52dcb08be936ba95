// Package record writes and reads a combined log of several streams.
//
// Each entry is one line of one stream:
//
//	stream timestamp length: content\n
//
// The stream name matches [a-zA-Z0-9_./-]{1,64}. The timestamp is UTC with
// nanoseconds, e.g. 2025-01-07T12:34:56.789000000Z. length is the number of
// content bytes, which includes the line terminator if the line had one. A
// separating \n always follows the content, so a line without terminator is
// still a complete entry.
//
//	stdout 2025-01-07T12:00:00.000000000Z 4: foo\n\n
//	stderr 2025-01-07T12:00:00.500000000Z 6: oops\r\n\n
//	stdout 2025-01-07T12:00:01.000000000Z 7: prompt>\n
//
// Content may hold any bytes, including NUL and further newlines.
package record

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"sync"
	"time"
)

// TimeLayout is the layout of the timestamp field.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

var validStream = regexp.MustCompile(`^[a-zA-Z0-9_./-]{1,64}$`)

// Entry is one line of one stream.
type Entry struct {
	Stream string
	Time   time.Time
	Data   []byte
}

// AppendEntry appends the encoding of e to b.
func AppendEntry(b []byte, e Entry) []byte {
	b = fmt.Appendf(b, "%s %s %d: ", e.Stream, e.Time.UTC().Format(TimeLayout), len(e.Data))
	b = append(b, e.Data...)
	return append(b, '\n')
}

// Writer encodes entries from any number of goroutines onto one io.Writer. A
// single goroutine owns the io.Writer, so entries never interleave.
type Writer struct {
	entries chan Entry
	done    chan struct{}

	// mu guards closed and is held while queueing.
	mu     sync.Mutex
	closed bool

	errMu sync.Mutex
	err   error
}

// NewWriter starts a Writer on w. Close must be called to release it.
func NewWriter(w io.Writer) *Writer {
	rw := &Writer{
		entries: make(chan Entry, 100),
		done:    make(chan struct{}),
	}
	go rw.loop(w)
	return rw
}

func (w *Writer) loop(dst io.Writer) {
	defer close(w.done)
	var buf []byte
	for e := range w.entries {
		if w.Err() != nil {
			continue
		}
		buf = AppendEntry(buf[:0], e)
		if _, err := dst.Write(buf); err != nil {
			w.errMu.Lock()
			w.err = fmt.Errorf("write record: %w", err)
			w.errMu.Unlock()
		}
	}
}

// Record queues one line of stream. data is copied. Invalid stream names and
// entries recorded after Close are dropped.
func (w *Writer) Record(stream string, at time.Time, data []byte) {
	if !validStream.MatchString(stream) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.entries <- Entry{Stream: stream, Time: at, Data: append([]byte(nil), data...)}
}

// Err returns the first write error, if any.
func (w *Writer) Err() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.err
}

// Close flushes the queued entries and returns the first write error.
func (w *Writer) Close() error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.entries)
	}
	w.mu.Unlock()
	<-w.done
	return w.Err()
}

// Reader decodes entries.
type Reader struct {
	r *bufio.Reader
}

// NewReader returns a Reader for r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next entry. It returns io.EOF at a clean end of input and
// io.ErrUnexpectedEOF when the input ends inside an entry.
func (r *Reader) Next() (Entry, error) {
	var e Entry

	stream, err := r.field(' ')
	if errors.Is(err, io.EOF) && stream == "" {
		return e, io.EOF
	}
	if err != nil {
		return e, fmt.Errorf("read stream: %w", unexpected(err))
	}
	if !validStream.MatchString(stream) {
		return e, fmt.Errorf("invalid stream name %q", stream)
	}
	e.Stream = stream

	ts, err := r.field(' ')
	if err != nil {
		return e, fmt.Errorf("read timestamp: %w", unexpected(err))
	}
	if e.Time, err = time.Parse(TimeLayout, ts); err != nil {
		return e, fmt.Errorf("parse timestamp: %w", err)
	}

	rawLen, err := r.field(':')
	if err != nil {
		return e, fmt.Errorf("read length: %w", unexpected(err))
	}
	length, err := strconv.Atoi(rawLen)
	if err != nil || length < 0 {
		return e, fmt.Errorf("invalid length %q", rawLen)
	}
	if err := r.expect(' '); err != nil {
		return e, err
	}

	e.Data = make([]byte, length)
	if _, err := io.ReadFull(r.r, e.Data); err != nil {
		return e, fmt.Errorf("read content (%d bytes): %w", length, unexpected(err))
	}
	if err := r.expect('\n'); err != nil {
		return e, err
	}
	return e, nil
}

// All reads every entry and returns the content per stream.
func (r *Reader) All() (map[string][]byte, error) {
	out := make(map[string][]byte)
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out[e.Stream] = append(out[e.Stream], e.Data...)
	}
}

// field reads up to delim and returns what came before it.
func (r *Reader) field(delim byte) (string, error) {
	s, err := r.r.ReadString(delim)
	if err != nil {
		return s, err
	}
	return s[:len(s)-1], nil
}

func (r *Reader) expect(want byte) error {
	b, err := r.r.ReadByte()
	if err != nil {
		return fmt.Errorf("read separator: %w", unexpected(err))
	}
	if b != want {
		return fmt.Errorf("expected %q, got %q", want, b)
	}
	return nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
