// Package stream consumes the backend's chunked execution event stream:
// frame scanning over raw bytes and decoding of frames into typed events.
package stream

import (
	"bufio"
	"bytes"
	"io"
)

const (
	initialBufSize = 64 * 1024
	maxFrameSize   = 2 * 1024 * 1024
)

// FrameScanner yields complete frames from a chunked, SSE-framed byte
// stream. A frame ends at a blank line; partial data split across chunk
// boundaries is held back until its terminator arrives. An unterminated
// trailing partial is discarded at end of stream.
type FrameScanner struct {
	s *bufio.Scanner
}

// NewFrameScanner wraps the given reader. The reader may deliver chunks of
// arbitrary size, including splits in the middle of a frame terminator.
func NewFrameScanner(r io.Reader) *FrameScanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, initialBufSize), maxFrameSize)
	s.Split(scanFrames)
	return &FrameScanner{s: s}
}

// Scan advances to the next complete frame. It returns false at end of
// stream or on a read error; frames already returned are never rolled back.
func (f *FrameScanner) Scan() bool { return f.s.Scan() }

// Frame returns the current frame, terminator excluded.
func (f *FrameScanner) Frame() string { return f.s.Text() }

// Err returns the first error encountered by the underlying reader.
// It is nil on clean end of stream.
func (f *FrameScanner) Err() error { return f.s.Err() }

var (
	lfTerm   = []byte("\n\n")
	crlfTerm = []byte("\r\n\r\n")
)

// scanFrames is a bufio.SplitFunc producing blank-line-terminated frames.
// Both LF and CRLF framing are accepted; the earliest terminator wins.
func scanFrames(data []byte, atEOF bool) (int, []byte, error) {
	iLF := bytes.Index(data, lfTerm)
	iCRLF := bytes.Index(data, crlfTerm)

	switch {
	case iLF >= 0 && (iCRLF < 0 || iLF < iCRLF):
		return iLF + len(lfTerm), data[:iLF], nil
	case iCRLF >= 0:
		return iCRLF + len(crlfTerm), data[:iCRLF], nil
	}

	if atEOF {
		// Trailing data with no terminator is an incomplete frame; drop it.
		return len(data), nil, nil
	}
	return 0, nil, nil
}
