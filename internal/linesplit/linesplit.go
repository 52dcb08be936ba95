// Package linesplit turns a byte stream into lines without a line-length limit.
//
// Unlike bufio.Scanner, a Splitter keeps the exact terminator of every line and
// hands out a trailing unterminated remainder as a final line, so joining the
// lines back together reproduces the stream byte for byte.
package linesplit

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Policy selects which byte sequences terminate a line.
type Policy int

const (
	// PolicyAny terminates lines on "\r\n", "\r" or "\n".
	PolicyAny Policy = iota
	// PolicyLF terminates lines on "\n" only. A "\r" stays part of the line.
	PolicyLF
)

func (p Policy) String() string {
	switch p {
	case PolicyAny:
		return "any"
	case PolicyLF:
		return "lf"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

const readSize = 32 * 1024

// Line is one line of a stream.
type Line struct {
	Data       []byte // content without the terminator
	Terminator string // "\n", "\r", "\r\n", or "" for an end-of-stream remainder
}

// Terminated reports whether the line ended with a terminator.
func (l Line) Terminated() bool {
	return l.Terminator != ""
}

// Bytes returns the line with its terminator reinserted.
func (l Line) Bytes() []byte {
	b := make([]byte, 0, len(l.Data)+len(l.Terminator))
	b = append(b, l.Data...)
	return append(b, l.Terminator...)
}

// Splitter reads lines from an io.Reader. It is not safe for concurrent use;
// each stream gets its own Splitter.
type Splitter struct {
	r      io.Reader
	policy Policy

	buf   []byte // buf[start:] holds bytes read but not yet returned
	start int
	chunk []byte
	err   error // sticky: io.EOF or a wrapped read error
}

// New returns a Splitter reading from r.
func New(r io.Reader, policy Policy) *Splitter {
	return &Splitter{
		r:      r,
		policy: policy,
		chunk:  make([]byte, readSize),
	}
}

// Next returns the next line. Once the stream is exhausted and any remainder
// has been returned, Next returns io.EOF. A read error is returned after all
// bytes read before it have been handed out, and is returned again on every
// later call.
func (s *Splitter) Next() (Line, error) {
	for {
		if line, ok := s.cut(); ok {
			return line, nil
		}
		if s.err != nil {
			if s.start < len(s.buf) {
				line := Line{Data: bytes.Clone(s.buf[s.start:])}
				s.buf, s.start = s.buf[:0], 0
				return line, nil
			}
			return Line{}, s.err
		}
		s.fill()
	}
}

func (s *Splitter) fill() {
	if s.start > 0 {
		n := copy(s.buf, s.buf[s.start:])
		s.buf, s.start = s.buf[:n], 0
	}
	n, err := s.r.Read(s.chunk)
	s.buf = append(s.buf, s.chunk[:n]...)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		s.err = io.EOF
	default:
		s.err = fmt.Errorf("read: %w", err)
	}
}

// cut removes one terminated line from the front of the buffer.
func (s *Splitter) cut() (Line, bool) {
	pending := s.buf[s.start:]
	var i int
	if s.policy == PolicyLF {
		i = bytes.IndexByte(pending, '\n')
	} else {
		i = bytes.IndexAny(pending, "\r\n")
	}
	if i < 0 {
		return Line{}, false
	}

	term := "\n"
	if pending[i] == '\r' {
		switch {
		case i+1 < len(pending) && pending[i+1] == '\n':
			term = "\r\n"
		case i+1 < len(pending) || s.err != nil:
			term = "\r"
		default:
			// A lone "\r" at the end of the buffer may be the first half of "\r\n".
			return Line{}, false
		}
	}

	line := Line{Data: bytes.Clone(pending[:i]), Terminator: term}
	s.start += i + len(term)
	if s.start == len(s.buf) {
		s.buf, s.start = s.buf[:0], 0
	}
	return line, true
}

// All reads every line from r until end of stream or a read error.
func All(r io.Reader, policy Policy) ([]Line, error) {
	s := New(r, policy)
	var lines []Line
	for {
		line, err := s.Next()
		if errors.Is(err, io.EOF) {
			return lines, nil
		}
		if err != nil {
			return lines, err
		}
		lines = append(lines, line)
	}
}

// Join concatenates lines with their terminators reinserted.
func Join(lines []Line) []byte {
	var b bytes.Buffer
	for _, l := range lines {
		b.Write(l.Data)
		b.WriteString(l.Terminator)
	}
	return b.Bytes()
}
