package trace

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// Reader streams events from a trace file.
type Reader struct {
	f   *os.File
	dec *cbor.Decoder

	// Session, when set, skips events from other sessions.
	Session string
}

func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{f: f, dec: newDecoder(f)}, nil
}

// Next returns the next event, or io.EOF at the end of the file.
func (r *Reader) Next() (Event, error) {
	for {
		var raw cbor.RawMessage
		if err := r.dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				return Event{}, io.EOF
			}
			return Event{}, fmt.Errorf("trace: read: %w", err)
		}
		e, err := DecodeEvent(raw)
		if err != nil {
			return Event{}, fmt.Errorf("trace: decode: %w", err)
		}
		if r.Session != "" && e.SessionID != r.Session {
			continue
		}
		return e, nil
	}
}

func (r *Reader) ReadAll() ([]Event, error) {
	var out []Event
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
}

func (r *Reader) Close() error {
	return r.f.Close()
}
