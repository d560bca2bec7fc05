package lc29h

import (
	"fmt"

	"lc29h-spi/internal/protocol"
)

// Diagnosis is one raw status read, classified.
type Diagnosis struct {
	Raw     byte
	Present bool
	Status  protocol.Status
}

func (d Diagnosis) String() string {
	if !d.Present {
		return fmt.Sprintf("no response or SPI not ready (0x%02X)", d.Raw)
	}
	switch {
	case d.Status.Errored():
		return fmt.Sprintf("module reports error (0x%02X %s)", d.Raw, d.Status)
	case d.Status.Has(protocol.StatusSlaveOn):
		return fmt.Sprintf("SPI slave on (0x%02X %s)", d.Raw, d.Status)
	default:
		return fmt.Sprintf("SPI active, slave off (0x%02X %s)", d.Raw, d.Status)
	}
}

// Diagnose issues a single status read. It works in every state except
// closed, so it can be used to see why a power-on failed.
func (s *Session) Diagnose() (Diagnosis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Diagnosis{}, fmt.Errorf("lc29h: session closed: %w", ErrNotReady)
	}
	rx, err := s.exchange(protocol.EncodeStatusRead())
	if err != nil {
		return Diagnosis{}, s.failLocked(err)
	}
	st, ok := protocol.DecodeStatus(rx)
	d := Diagnosis{Raw: rx[1], Present: ok}
	if ok {
		d.Status = st
	}
	sleep(s.cfg.PollInterval)
	return d, nil
}
