// Package frame turns raw agent streams into complete line-delimited JSON
// envelopes and back. The codec never closes a stream over bad input:
// malformed and oversize lines are reported per-line so the caller can log
// and keep reading.
package frame

import (
	"bytes"
	"errors"
	"io"
)

// DefaultMaxLineBytes caps the length of a single frame line: 1 MiB.
const DefaultMaxLineBytes = 1 << 20

// ErrLineTooLong is returned by Scanner.Next for a line that exceeded the
// configured maximum. The oversize line is discarded; subsequent calls
// continue with the next line.
var ErrLineTooLong = errors.New("frame: line exceeds maximum length")

const readChunkSize = 4096

// Scanner splits a byte stream on newline boundaries with a bounded maximum
// line length. Unlike bufio.Scanner it survives oversize lines: the
// offending bytes are dropped up to the next delimiter and scanning resumes.
//
// Partial lines are buffered across reads; no line is ever surfaced until
// its delimiter (or EOF) is seen, so results are independent of how the
// underlying reads are chunked.
type Scanner struct {
	r       io.Reader
	max     int
	buf     []byte
	discard bool // inside an oversize line, dropping until next '\n'
	eof     bool
}

// NewScanner wraps r with the given max line length. maxLine <= 0 selects
// DefaultMaxLineBytes.
func NewScanner(r io.Reader, maxLine int) *Scanner {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}
	return &Scanner{r: r, max: maxLine}
}

// Next returns the next complete line without its trailing newline.
//
// Returns ErrLineTooLong for a discarded oversize line (scanning continues),
// io.EOF once the stream is exhausted, or the underlying read error. A final
// unterminated line at EOF is returned before io.EOF.
func (s *Scanner) Next() ([]byte, error) {
	for {
		if line, err, ok := s.takeBuffered(); ok {
			return line, err
		}

		if s.eof {
			if len(s.buf) > 0 && !s.discard {
				line := s.buf
				s.buf = nil
				return line, nil
			}
			s.buf = nil
			return nil, io.EOF
		}

		chunk := make([]byte, readChunkSize)
		n, err := s.r.Read(chunk)
		if n > 0 {
			s.buf = append(s.buf, chunk[:n]...)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return nil, err
			}
			s.eof = true
		}
	}
}

// takeBuffered extracts one complete line from the buffer if present, and
// enforces the length bound on both complete and still-growing lines.
func (s *Scanner) takeBuffered() ([]byte, error, bool) {
	if s.discard {
		idx := bytes.IndexByte(s.buf, '\n')
		if idx < 0 {
			s.buf = s.buf[:0]
			return nil, nil, false
		}
		s.buf = append([]byte(nil), s.buf[idx+1:]...)
		s.discard = false
		return nil, ErrLineTooLong, true
	}

	idx := bytes.IndexByte(s.buf, '\n')
	if idx < 0 {
		if len(s.buf) > s.max {
			// Line already too long without a delimiter in sight.
			s.buf = s.buf[:0]
			s.discard = true
			return nil, nil, false
		}
		return nil, nil, false
	}

	line := append([]byte(nil), s.buf[:idx]...)
	s.buf = append([]byte(nil), s.buf[idx+1:]...)
	if len(line) > s.max {
		return nil, ErrLineTooLong, true
	}
	return line, nil, true
}
