// Package nmea frames the PMTK/PQTM command lines written to the module.
// Sentence content is neither parsed nor checked; the module answers for it.
package nmea

import (
	"errors"
	"fmt"
	"strings"
)

var ErrFraming = errors.New("nmea: bad framing")

// Checksum is the XOR of every byte between '$' and '*'.
func Checksum(body string) byte {
	var ck byte
	for i := 0; i < len(body); i++ {
		ck ^= body[i]
	}
	return ck
}

// Format wraps body into "$body*CS\r\n".
func Format(body string) []byte {
	return []byte(fmt.Sprintf("$%s*%02X\r\n", body, Checksum(body)))
}

// Command turns user input into one line for the module. A line starting
// with '$' is sent as given; anything else is treated as a bare body such as
// "PMTK605" and gets the '$', checksum and line end added.
func Command(in string) ([]byte, error) {
	in = strings.TrimSpace(in)
	if in == "" {
		return nil, fmt.Errorf("%w: empty command", ErrFraming)
	}
	if strings.ContainsAny(in, "\r\n") {
		return nil, fmt.Errorf("%w: more than one line", ErrFraming)
	}
	if strings.HasPrefix(in, "$") {
		return []byte(in + "\r\n"), nil
	}
	if strings.ContainsAny(in, "$*") {
		return nil, fmt.Errorf("%w: reserved character in %q", ErrFraming, in)
	}
	return Format(in), nil
}
