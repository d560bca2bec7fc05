package trace

import (
	"time"

	"lc29h-spi/internal/protocol"
)

// Event is one traced occurrence on the bus.
type Event struct {
	Timestamp time.Time `cbor:"1,keyasint"`

	// SessionID groups the events of one opened transport.
	SessionID string `cbor:"2,keyasint"`

	// Seq numbers exchanges within a session, starting at 1.
	Seq uint64 `cbor:"3,keyasint"`

	Kind Kind `cbor:"4,keyasint"`

	Exchange *ExchangeEvent `cbor:"5,keyasint,omitempty"`
	Note     *NoteEvent     `cbor:"6,keyasint,omitempty"`
}

type Kind uint8

const (
	KindExchange Kind = 0
	KindNote     Kind = 1
)

func (k Kind) String() string {
	switch k {
	case KindExchange:
		return "EXCHANGE"
	case KindNote:
		return "NOTE"
	default:
		return "UNKNOWN"
	}
}

// ExchangeEvent is a full-duplex frame exchange.
type ExchangeEvent struct {
	Opcode   protocol.Opcode `cbor:"1,keyasint"`
	TX       []byte          `cbor:"2,keyasint"`
	RX       []byte          `cbor:"3,keyasint,omitempty"`
	Err      string          `cbor:"4,keyasint,omitempty"`
	Duration time.Duration   `cbor:"5,keyasint"`
}

// NoteEvent is a free-form annotation such as "opened /dev/spidev0.0".
type NoteEvent struct {
	Text string `cbor:"1,keyasint"`
}
