// Splits a streamed response body into newline-delimited lines.

// Package ndjson implements the newline-delimited JSON wire format used to
// stream report generation updates.
package ndjson

import (
	"errors"
	"io"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// ContentType is the media type of an NDJSON stream.
const ContentType = "application/x-ndjson"

const chunkSize = 32 * 1024

// Framer reads chunks from a reader and yields complete lines.
//
// Chunks are decoded with a stateful UTF-8 decoder so a multi-byte character
// split across two reads is reassembled instead of being corrupted. The
// fragment following the last newline is kept until more data arrives and is
// available through [Framer.Rest] once the reader is exhausted.
//
// A Framer is not safe for concurrent use.
type Framer struct {
	r       io.Reader
	dec     transform.Transformer
	chunk   []byte
	scratch []byte
	pending []byte // undecoded tail of a partial rune
	buf     string
	done    bool
}

// NewFramer returns a Framer reading from r.
func NewFramer(r io.Reader) *Framer {
	return &Framer{
		r:       r,
		dec:     unicode.UTF8.NewDecoder(),
		chunk:   make([]byte, chunkSize),
		scratch: make([]byte, chunkSize),
	}
}

// Next performs one read and returns the lines completed by it.
//
// Like [io.Reader.Read], Next may return lines together with a non-nil error;
// callers must process the lines before looking at the error. io.EOF is
// returned once the underlying reader is exhausted, after which the trailing
// fragment is available from [Framer.Rest].
func (f *Framer) Next() ([]string, error) {
	if f.done {
		return nil, io.EOF
	}
	n, readErr := f.r.Read(f.chunk)
	atEOF := errors.Is(readErr, io.EOF)
	text, err := f.decode(f.chunk[:n], atEOF)
	if err != nil {
		return nil, err
	}
	var lines []string
	lines, f.buf = SplitLines(f.buf, text)
	if atEOF {
		f.done = true
		return lines, io.EOF
	}
	return lines, readErr
}

// Rest returns the buffered fragment that was not terminated by a newline.
func (f *Framer) Rest() string {
	return f.buf
}

func (f *Framer) decode(p []byte, atEOF bool) (string, error) {
	if len(p) == 0 && len(f.pending) == 0 && !atEOF {
		return "", nil
	}
	src := make([]byte, 0, len(f.pending)+len(p))
	src = append(append(src, f.pending...), p...)
	f.pending = f.pending[:0]
	var out strings.Builder
	for {
		nDst, nSrc, err := f.dec.Transform(f.scratch, src, atEOF)
		out.Write(f.scratch[:nDst])
		src = src[nSrc:]
		switch {
		case err == nil:
			return out.String(), nil
		case errors.Is(err, transform.ErrShortDst):
			continue
		case errors.Is(err, transform.ErrShortSrc):
			f.pending = append(f.pending, src...)
			return out.String(), nil
		default:
			return "", err
		}
	}
}

// SplitLines appends text to buffer and splits the result on '\n'.
//
// It returns every complete line and the final, possibly empty, segment that
// becomes the new buffer.
func SplitLines(buffer, text string) ([]string, string) {
	s := buffer + text
	parts := strings.Split(s, "\n")
	return parts[:len(parts)-1], parts[len(parts)-1]
}
