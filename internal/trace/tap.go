package trace

import (
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"lc29h-spi/internal/protocol"
)

type exchanger interface {
	Exchange(tx []byte) ([]byte, error)
}

var now = time.Now

// Tap is a transport that forwards to another transport and logs every
// exchange.
type Tap struct {
	next   exchanger
	logger Logger
	id     string

	mu  sync.Mutex
	seq uint64
}

// NewTap wraps next. A nil logger disables tracing but keeps forwarding.
func NewTap(next exchanger, logger Logger) *Tap {
	if logger == nil {
		logger = NoopLogger{}
	}
	return &Tap{next: next, logger: logger, id: uuid.NewString()}
}

func (t *Tap) SessionID() string { return t.id }

func (t *Tap) Exchange(tx []byte) ([]byte, error) {
	start := now()
	rx, err := t.next.Exchange(tx)
	took := now().Sub(start)

	t.mu.Lock()
	t.seq++
	seq := t.seq
	t.mu.Unlock()

	x := &ExchangeEvent{
		Opcode:   protocol.Frame(tx).Opcode(),
		TX:       append([]byte(nil), tx...),
		RX:       append([]byte(nil), rx...),
		Duration: took,
	}
	if err != nil {
		x.Err = err.Error()
	}
	t.logger.Log(Event{Timestamp: start, SessionID: t.id, Seq: seq, Kind: KindExchange, Exchange: x})
	return rx, err
}

// Note logs an annotation in this tap's session.
func (t *Tap) Note(text string) {
	t.logger.Log(Event{Timestamp: now(), SessionID: t.id, Kind: KindNote, Note: &NoteEvent{Text: text}})
}

// Close closes the wrapped transport when it is closable.
func (t *Tap) Close() error {
	if c, ok := t.next.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
