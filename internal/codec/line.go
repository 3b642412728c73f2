// Package codec implements the line framing used on the archiver's SMTP
// socket: arbitrary byte chunks in, discrete 7-bit text lines out, and
// CRLF-terminated response lines back.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

// ErrInvalidText is returned when a line cannot be interpreted as text at all.
var ErrInvalidText = errors.New("invalid string")

var crlf = []byte{'\r', '\n'}

// asciiOnly drops every rune outside 7-bit ASCII. Invalid UTF-8 bytes reach
// the predicate as utf8.RuneError and are dropped as well.
func asciiOnly() transform.Transformer {
	return runes.Remove(runes.Predicate(func(r rune) bool {
		return r > unicode.MaxASCII
	}))
}

// Decoder splits buffered bytes into lines terminated by CRLF, LF, CR or LFCR.
//
// The zero value is ready to use. A Decoder remembers a terminator that was
// the last buffered byte so that the second half of a pair arriving in the
// next chunk is still consumed as part of the same terminator.
type Decoder struct {
	// pair is the byte that would complete the last terminator, or 0.
	pair byte
}

// Decode removes at most one complete line from buf and returns it without
// its terminator. ok is false when buf holds no complete line yet; buf is
// then left untouched apart from a pending pair byte.
func (d *Decoder) Decode(buf *bytes.Buffer) (line string, ok bool, err error) {
	if d.pair != 0 && buf.Len() > 0 {
		if buf.Bytes()[0] == d.pair {
			buf.Next(1)
		}
		d.pair = 0
	}

	b := buf.Bytes()
	i := bytes.IndexAny(b, "\r\n")
	if i < 0 {
		return "", false, nil
	}

	raw := b[:i]
	term := b[i]
	n := i + 1

	var other byte = '\n'
	if term == '\n' {
		other = '\r'
	}
	switch {
	case n < len(b) && b[n] == other:
		n++
	case n == len(b):
		d.pair = other
	}

	text, _, terr := transform.Bytes(asciiOnly(), raw)
	buf.Next(n)
	if terr != nil {
		return "", false, fmt.Errorf("%w: %v", ErrInvalidText, terr)
	}
	return string(text), true, nil
}

// Reset forgets any pending terminator half.
func (d *Decoder) Reset() {
	d.pair = 0
}

// Encode converts line to 7-bit text, dropping anything unrepresentable, and
// appends CRLF unconditionally.
func Encode(line string) []byte {
	text, _, err := transform.String(asciiOnly(), line)
	if err != nil {
		text = ""
	}
	out := make([]byte, 0, len(text)+len(crlf))
	out = append(out, text...)
	return append(out, crlf...)
}
