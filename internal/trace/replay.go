package trace

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"lc29h-spi/internal/protocol"
)

var (
	// ErrReplayDiverged means the host sent a frame other than the recorded
	// one at this point of the session.
	ErrReplayDiverged = errors.New("replay diverged")

	// ErrReplayExhausted means the recording has no more exchanges.
	ErrReplayExhausted = errors.New("replay exhausted")
)

// Replay answers exchanges from a recording.
//
// Frames are matched in order. Data-write payloads and data-read placeholder
// bytes are not compared, only opcode and length, so a recording of a write
// can be replayed with different content of the same size.
type Replay struct {
	mu   sync.Mutex
	recs []ExchangeEvent
	pos  int
}

// NewReplay keeps the exchange events of events in order. When several
// sessions are present, only the first one is used.
func NewReplay(events []Event) *Replay {
	r := &Replay{}
	session := ""
	for _, e := range events {
		if e.Kind != KindExchange || e.Exchange == nil {
			continue
		}
		if session == "" {
			session = e.SessionID
		}
		if e.SessionID != session {
			continue
		}
		r.recs = append(r.recs, *e.Exchange)
	}
	return r
}

// LoadReplay reads a trace file into a Replay.
func LoadReplay(path string) (*Replay, error) {
	rd, err := NewReader(path)
	if err != nil {
		return nil, err
	}
	defer rd.Close()
	events, err := rd.ReadAll()
	if err != nil {
		return nil, err
	}
	return NewReplay(events), nil
}

func (r *Replay) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.recs) - r.pos
}

func (r *Replay) Exchange(tx []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pos >= len(r.recs) {
		return nil, ErrReplayExhausted
	}
	rec := r.recs[r.pos]
	if len(tx) == 0 || len(tx) != len(rec.TX) || tx[0] != rec.TX[0] {
		return nil, fmt.Errorf("trace: exchange %d: sent % X, recorded % X: %w", r.pos+1, head(tx), head(rec.TX), ErrReplayDiverged)
	}
	if !payloadFrame(rec) && !bytes.Equal(tx, rec.TX) {
		return nil, fmt.Errorf("trace: exchange %d: sent % X, recorded % X: %w", r.pos+1, head(tx), head(rec.TX), ErrReplayDiverged)
	}
	r.pos++
	if rec.Err != "" {
		return nil, errors.New(rec.Err)
	}
	return append([]byte(nil), rec.RX...), nil
}

func payloadFrame(rec ExchangeEvent) bool {
	return rec.Opcode == protocol.OpDataWrite || rec.Opcode == protocol.OpDataRead
}

func head(b []byte) []byte {
	if len(b) > 9 {
		return b[:9]
	}
	return b
}
