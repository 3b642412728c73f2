package archive

import (
	"errors"
	"strings"
)

// MessageIDHeader is the case-sensitive header prefix that selects the spool
// file name.
const MessageIDHeader = "Message-ID:"

// minMessageIDLen is the shortest identifier considered unique enough to be
// used as a file name.
const minMessageIDLen = 12

// ErrNoMessageID reports a Message-ID header without a usable identifier.
var ErrNoMessageID = errors.New("no usable message id")

// ParseMessageID extracts the identifier from a Message-ID header line and
// returns it together with its file-system safe variant.
func ParseMessageID(line string) (id, safe string, err error) {
	if !strings.HasPrefix(line, MessageIDHeader) {
		return "", "", ErrNoMessageID
	}
	id = strings.Trim(line[len(MessageIDHeader):], " <>")
	if len(id) < minMessageIDLen {
		return "", "", ErrNoMessageID
	}
	return id, SafeName(id), nil
}

// SafeName replaces every byte outside [A-Za-z0-9.+@=-] with 'X', keeping
// length and positions.
func SafeName(id string) string {
	b := []byte(id)
	for i, c := range b {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '.', c == '-', c == '+', c == '@', c == '=':
		default:
			b[i] = 'X'
		}
	}
	return string(b)
}
