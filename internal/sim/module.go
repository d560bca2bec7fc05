package sim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"lc29h-spi/internal/protocol"
)

// Module simulates the SPI slave side of an LC29H.
//
// It models the status byte, the four slave registers and the config/data
// handshake closely enough to drive lc29h.Session end to end. Everything the
// host sends is recorded for assertions.
type Module struct {
	cfg Config

	mu      sync.Mutex
	powered bool
	slaveOn bool
	polls   int

	txFIFO []byte // module -> host
	rxData []byte // host -> module

	pending   *pendingConfig
	readyIn   int
	written   bool
	finishIn  int
	frames    []protocol.Frame
	closed    bool
	failAfter int
}

type Config struct {
	// SlaveOnAfter is the status poll (1-based, counted from power-on) at
	// which SLAVE_ON first appears. Zero means the first poll; negative
	// means never.
	SlaveOnAfter int

	// FIFOReadyAfter is how many status polls after a config frame report
	// FIFO ready. Zero means the first poll; negative means never.
	FIFOReadyAfter int

	// FinishedAfter is how many status polls after a data write report
	// RDWR_FINISH. Zero means the first poll; negative means never.
	FinishedAfter int

	// StallConfigWrite withholds FIFO ready after every config-write frame,
	// while config reads behave as FIFOReadyAfter says.
	StallConfigWrite bool

	// RxCapacity is the module's receive buffer size. Zero means 4096.
	RxCapacity int

	// Echo copies every write into the TX FIFO, so the host reads back what
	// it wrote.
	Echo bool
}

type pendingConfig struct {
	op     protocol.Opcode
	reg    protocol.Register
	length uint32
}

var ErrClosed = errors.New("sim: module closed")

func NewModule(cfg Config) *Module {
	if cfg.RxCapacity <= 0 {
		cfg.RxCapacity = protocol.MaxBufferLength
	}
	return &Module{cfg: cfg}
}

// QueueTX appends bytes to the module's outgoing FIFO. Bytes that do not fit
// in the 4 KiB buffer are dropped, as the receiver does when the host falls
// behind.
func (m *Module) QueueTX(p []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueTXLocked(p)
}

func (m *Module) queueTXLocked(p []byte) {
	if room := protocol.MaxBufferLength - len(m.txFIFO); len(p) > room {
		p = p[:max(room, 0)]
	}
	m.txFIFO = append(m.txFIFO, p...)
}

// Received returns a copy of everything the host has written.
func (m *Module) Received() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.rxData...)
}

// TakeReceived returns and clears what the host has written.
func (m *Module) TakeReceived() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.rxData
	m.rxData = nil
	return out
}

// Frames returns a copy of every frame the host sent, in order.
func (m *Module) Frames() []protocol.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]protocol.Frame, len(m.frames))
	for i, f := range m.frames {
		out[i] = append(protocol.Frame(nil), f...)
	}
	return out
}

// ResetFrames clears the frame log.
func (m *Module) ResetFrames() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = nil
}

// FailAfter makes the n-th following exchange return an error. Zero disables.
func (m *Module) FailAfter(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
}

func (m *Module) Powered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.powered
}

func (m *Module) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Module) Exchange(tx []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if len(tx) == 0 {
		return nil, fmt.Errorf("sim: empty frame")
	}
	if m.failAfter > 0 {
		m.failAfter--
		if m.failAfter == 0 {
			return nil, fmt.Errorf("sim: injected bus failure")
		}
	}
	m.frames = append(m.frames, append(protocol.Frame(nil), tx...))

	rx := make([]byte, len(tx))
	f := protocol.Frame(tx)
	switch f.Opcode() {
	case protocol.OpPowerOn:
		m.powered = true
		m.slaveOn = false
		m.polls = 0
	case protocol.OpPowerOff:
		m.powered = false
		m.slaveOn = false
		m.pending = nil
	case protocol.OpStatusRead:
		if len(rx) > 1 {
			rx[1] = m.statusLocked()
		}
	case protocol.OpConfigRead, protocol.OpConfigWrite:
		if !m.slaveOn {
			break
		}
		op, addr, n, err := protocol.DecodeConfig(f)
		if err != nil {
			break
		}
		reg, ok := protocol.RegisterAt(addr)
		if !ok {
			break
		}
		m.pending = &pendingConfig{op: op, reg: reg, length: n}
		m.readyIn = m.cfg.FIFOReadyAfter
		if op == protocol.OpConfigWrite && m.cfg.StallConfigWrite {
			m.readyIn = -1
		}
		m.written = false
	case protocol.OpDataRead:
		m.dataReadLocked(rx)
	case protocol.OpDataWrite:
		m.dataWriteLocked(protocol.Payload(f))
	}
	return rx, nil
}

func (m *Module) statusLocked() byte {
	if !m.powered {
		return byte(protocol.StatusNotPresent)
	}
	m.polls++
	if !m.slaveOn && m.cfg.SlaveOnAfter >= 0 && m.polls >= m.cfg.SlaveOnAfter {
		m.slaveOn = true
	}
	var st protocol.Status
	if m.slaveOn {
		st |= protocol.StatusSlaveOn
	}
	if m.pending != nil && m.cfg.FIFOReadyAfter >= 0 && m.readyIn >= 0 {
		if m.readyIn == 0 {
			st |= protocol.StatusFIFOReady
		} else {
			m.readyIn--
		}
	}
	if m.written && m.cfg.FinishedAfter >= 0 {
		if m.finishIn <= 0 {
			st |= protocol.StatusRdWrFinished
		} else {
			m.finishIn--
		}
	}
	return byte(st)
}

func (m *Module) dataReadLocked(rx []byte) {
	p := m.pending
	m.pending = nil
	if p == nil || p.op != protocol.OpConfigRead {
		return
	}
	out := rx[1:]
	switch p.reg {
	case protocol.RegTxLen:
		if len(out) >= protocol.LengthWordLen {
			binary.LittleEndian.PutUint32(out, uint32(len(m.txFIFO)))
		}
	case protocol.RegRxLen:
		if len(out) >= protocol.LengthWordLen {
			free := m.cfg.RxCapacity - len(m.rxData)
			if free < 0 {
				free = 0
			}
			binary.LittleEndian.PutUint32(out, uint32(free))
		}
	case protocol.RegTxBuf:
		n := copy(out[:min(len(out), int(p.length))], m.txFIFO)
		m.txFIFO = m.txFIFO[n:]
	}
}

func (m *Module) dataWriteLocked(payload []byte) {
	p := m.pending
	m.pending = nil
	if p == nil || p.op != protocol.OpConfigWrite || p.reg != protocol.RegRxBuf {
		return
	}
	if int(p.length) < len(payload) {
		payload = payload[:p.length]
	}
	m.rxData = append(m.rxData, payload...)
	if m.cfg.Echo {
		m.queueTXLocked(payload)
	}
	m.written = true
	m.finishIn = m.cfg.FinishedAfter
}
