package bridge

import (
	"io"
	"time"

	"go.bug.st/serial"
)

type serialPort interface {
	io.ReadWriteCloser
}

var openSerialFn = openSerial

func openSerial(device string, baud int) (serialPort, error) {
	p, err := serial.Open(device, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, err
	}
	// Reads return periodically so the reader notices shutdown.
	if err := p.SetReadTimeout(500 * time.Millisecond); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

// lineBuffer accumulates bytes and yields complete lines ending in '\n'.
type lineBuffer struct {
	buf []byte
	max int
}

func (b *lineBuffer) feed(p []byte, emit func(line []byte)) {
	for _, c := range p {
		b.buf = append(b.buf, c)
		if c == '\n' {
			emit(append([]byte(nil), b.buf...))
			b.buf = b.buf[:0]
			continue
		}
		if b.max > 0 && len(b.buf) >= b.max {
			// Oversized junk without a line end; drop it.
			b.buf = b.buf[:0]
		}
	}
}
