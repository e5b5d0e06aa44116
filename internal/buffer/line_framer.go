package buffer

import (
	"bytes"
	"strings"
)

// DefaultMaxLineLength bounds a single buffered line. Real NMEA sentences are at most 82 bytes.
const DefaultMaxLineLength = 4096

// LineFramer accumulates a raw byte stream and yields complete candidate sentence lines.
//
// Partial lines are carried across calls to Push, so the output for a stream does not depend
// on how the stream was chunked. Lines are split on '\n' before decoding; because a line-feed
// byte never occurs inside a multi-byte UTF-8 sequence, splitting on raw bytes cannot tear a rune.
//
// A LineFramer is not safe for concurrent use; it is owned by a single read loop.
type LineFramer struct {
	pending []byte
	maxLen  int

	// skipping is set once a partial line overflowed maxLen; bytes are dropped until the next '\n'.
	skipping bool

	discarded  uint64
	overflowed uint64
}

// NewLineFramer creates a LineFramer. A maxLineLength of 0 or less disables the overflow guard.
func NewLineFramer(maxLineLength int) *LineFramer {
	if maxLineLength < 0 {
		maxLineLength = 0
	}
	return &LineFramer{maxLen: maxLineLength}
}

// Push feeds a chunk and returns the accepted sentences completed by it, in arrival order.
// An empty chunk returns nil.
func (f *LineFramer) Push(chunk []byte) []string {
	if len(chunk) == 0 {
		return nil
	}

	var frames []string
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			f.appendPartial(chunk)
			break
		}

		segment := chunk[:i]
		chunk = chunk[i+1:]

		if f.skipping {
			f.skipping = false
			f.overflowed++
			continue
		}

		var line []byte
		if len(f.pending) > 0 {
			line = append(f.pending, segment...)
			f.pending = f.pending[:0]
		} else {
			line = segment
		}

		if f.maxLen > 0 && len(line) > f.maxLen {
			f.overflowed++
			continue
		}

		if frame, ok := Accept(decode(line)); ok {
			frames = append(frames, frame)
		} else {
			f.discarded++
		}
	}

	return frames
}

func (f *LineFramer) appendPartial(p []byte) {
	if f.skipping {
		return
	}
	f.pending = append(f.pending, p...)
	if f.maxLen > 0 && len(f.pending) > f.maxLen {
		f.pending = f.pending[:0]
		f.skipping = true
	}
}

// Buffered returns the number of bytes held as an incomplete line.
func (f *LineFramer) Buffered() int {
	return len(f.pending)
}

// Discarded returns how many complete lines were rejected by the acceptance filter.
func (f *LineFramer) Discarded() uint64 {
	return f.discarded
}

// Overflowed returns how many lines were dropped for exceeding the maximum line length.
func (f *LineFramer) Overflowed() uint64 {
	return f.overflowed
}

// Accept trims a candidate line and reports whether it starts a NMEA ('$') or AIS ('!') sentence.
func Accept(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false
	}
	if line[0] != '!' && line[0] != '$' {
		return "", false
	}
	return line, true
}

// decode converts raw line bytes to text, dropping invalid UTF-8 sequences.
func decode(b []byte) string {
	return strings.ToValidUTF8(string(b), "")
}
