package codec

import (
	"bytes"
	"io"
)

const readChunk = 4096

// LineReader reads decoded lines from an io.Reader, buffering partial lines
// between reads.
type LineReader struct {
	r     io.Reader
	buf   bytes.Buffer
	dec   Decoder
	chunk []byte
}

// NewLineReader returns a LineReader reading from r.
func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{r: r, chunk: make([]byte, readChunk)}
}

// ReadLine blocks until a complete line is available or the underlying reader
// fails. Bytes of an unterminated trailing line are never returned; on EOF
// they stay buffered.
func (lr *LineReader) ReadLine() (string, error) {
	for {
		line, ok, err := lr.dec.Decode(&lr.buf)
		if err != nil {
			return "", err
		}
		if ok {
			return line, nil
		}

		n, err := lr.r.Read(lr.chunk)
		if n > 0 {
			lr.buf.Write(lr.chunk[:n])
		}
		if err != nil {
			// deliver what is already complete before surfacing the error
			if n > 0 {
				if line, ok, derr := lr.dec.Decode(&lr.buf); derr == nil && ok {
					return line, nil
				}
			}
			return "", err
		}
	}
}

// Buffered returns the number of bytes read but not yet consumed.
func (lr *LineReader) Buffered() int {
	return lr.buf.Len()
}

// WriteLine encodes line and writes it to w.
func WriteLine(w io.Writer, line string) error {
	_, err := w.Write(Encode(line))
	return err
}
