// Package stream turns the scrape endpoint's response body into typed events.
//
// The body is a sequence of newline-terminated lines of the form
//
//	data: {"type":"result", ...}
//
// delivered in arbitrarily sized chunks. Decoder reassembles lines across
// chunk boundaries and ParseLine interprets a single line.
package stream

import (
	"bytes"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
)

// Decoder splits a chunked byte stream into complete text lines. A line is
// only emitted once its terminating '\n' has arrived; the unterminated tail
// is carried over to the next Feed.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	buf []byte
	utf *encoding.Decoder
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{utf: unicode.UTF8.NewDecoder()}
}

// Feed appends chunk to the pending buffer and returns every line completed
// by it, in order, without their terminators. Splitting is done on raw bytes
// so a multi-byte rune cut in half by the transport is rejoined before it is
// decoded.
func (d *Decoder) Feed(chunk []byte) []string {
	d.buf = append(d.buf, chunk...)

	var lines []string
	consumed := 0
	for {
		i := bytes.IndexByte(d.buf[consumed:], '\n')
		if i < 0 {
			break
		}
		lines = append(lines, d.decode(d.buf[consumed:consumed+i]))
		consumed += i + 1
	}

	if consumed > 0 {
		rest := make([]byte, len(d.buf)-consumed)
		copy(rest, d.buf[consumed:])
		d.buf = rest
	}
	return lines
}

// Pending returns the buffered partial line.
func (d *Decoder) Pending() string {
	return d.decode(d.buf)
}

// End signals that the stream is over. The unterminated remainder is dropped
// and returned so callers can log it; it is never parsed as an event.
func (d *Decoder) End() string {
	rest := d.Pending()
	d.buf = nil
	return rest
}

// Reset discards all buffered input.
func (d *Decoder) Reset() {
	d.buf = nil
}

// decode converts raw line bytes to text, replacing invalid UTF-8 with
// U+FFFD, and strips a trailing carriage return.
func (d *Decoder) decode(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	s, err := d.utf.String(string(b))
	if err != nil {
		s = strings.ToValidUTF8(string(b), "\uFFFD")
	}
	return strings.TrimSuffix(s, "\r")
}
