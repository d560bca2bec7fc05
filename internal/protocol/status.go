package protocol

import (
	"fmt"
	"strings"
)

// Status is the module's status byte.
type Status byte

const (
	StatusSlaveOn      Status = 0x01
	StatusFIFOReady    Status = 0x04
	StatusError        Status = 0x08
	StatusAltError     Status = 0x10
	StatusRdWrFinished Status = 0x20

	// StatusNotPresent is what the bus floats to when nobody answers.
	StatusNotPresent Status = 0xFF
)

// DecodeStatus extracts the status byte from a status-read response.
//
// ok is false when the response is short or reads all-ones; in that case the
// returned Status must not be tested for flags.
func DecodeStatus(resp []byte) (s Status, ok bool) {
	if len(resp) < statusFrameLen {
		return 0, false
	}
	s = Status(resp[1])
	if s == StatusNotPresent {
		return s, false
	}
	return s, true
}

// Has reports whether any bit of flag is set. A not-present status never has
// any flag.
func (s Status) Has(flag Status) bool {
	if s == StatusNotPresent {
		return false
	}
	return s&flag != 0
}

func (s Status) Errored() bool {
	return s.Has(StatusError | StatusAltError)
}

func (s Status) String() string {
	if s == StatusNotPresent {
		return "NOT_PRESENT"
	}
	if s == 0 {
		return "NONE"
	}
	var parts []string
	if s&StatusSlaveOn != 0 {
		parts = append(parts, "SLAVE_ON")
	}
	if s&StatusFIFOReady != 0 {
		parts = append(parts, "FIFO_READY")
	}
	if s&StatusError != 0 {
		parts = append(parts, "ERROR")
	}
	if s&StatusAltError != 0 {
		parts = append(parts, "ERROR2")
	}
	if s&StatusRdWrFinished != 0 {
		parts = append(parts, "RDWR_FINISHED")
	}
	if rest := s &^ (StatusSlaveOn | StatusFIFOReady | StatusError | StatusAltError | StatusRdWrFinished); rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%02X", byte(rest)))
	}
	return strings.Join(parts, "|")
}
