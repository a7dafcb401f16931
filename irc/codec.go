package irc

import "bytes"

var crlf = []byte("\r\n")

// LineBuffer assembles CRLF-terminated lines from an arbitrarily chunked
// byte stream. Bytes after the last CRLF are retained until the next Feed,
// so the sequence of lines produced is independent of read boundaries.
type LineBuffer struct {
	buf []byte
}

// Feed appends p to the buffer and returns all complete lines, without
// their CRLF terminators. Empty lines are dropped.
func (b *LineBuffer) Feed(p []byte) []string {
	b.buf = append(b.buf, p...)

	var lines []string
	for {
		i := bytes.Index(b.buf, crlf)
		if i < 0 {
			break
		}
		if i > 0 {
			lines = append(lines, string(b.buf[:i]))
		}
		b.buf = b.buf[i+len(crlf):]
	}
	return lines
}

// Pending reports how many bytes of an unterminated line are buffered.
func (b *LineBuffer) Pending() int {
	return len(b.buf)
}
