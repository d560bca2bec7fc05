package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Register/command framing for the LC29H SPI slave interface.
//
// Every frame starts with an opcode byte. The bus is half-duplex per byte
// position: the module answers in the bytes that follow the opcode, so the
// response to an N-byte frame is N bytes and byte 0 is always garbage.

var ErrInvalidArgument = errors.New("invalid argument")

type Opcode byte

const (
	OpPowerOff    Opcode = 0x02
	OpPowerOn     Opcode = 0x04
	OpStatusRead  Opcode = 0x06
	OpWriteStatus Opcode = 0x08
	OpConfigRead  Opcode = 0x0A
	OpConfigWrite Opcode = 0x0C
	OpDataWrite   Opcode = 0x0E
	OpDataRead    Opcode = 0x81
)

func (o Opcode) String() string {
	switch o {
	case OpPowerOff:
		return "POWER_OFF"
	case OpPowerOn:
		return "POWER_ON"
	case OpStatusRead:
		return "STATUS_READ"
	case OpWriteStatus:
		return "WRITE_STATUS"
	case OpConfigRead:
		return "CONFIG_READ"
	case OpConfigWrite:
		return "CONFIG_WRITE"
	case OpDataWrite:
		return "DATA_WRITE"
	case OpDataRead:
		return "DATA_READ"
	default:
		return fmt.Sprintf("OPCODE(0x%02X)", byte(o))
	}
}

// Register is one of the module's fixed slave registers.
type Register uint8

const (
	RegTxLen Register = iota + 1
	RegTxBuf
	RegRxLen
	RegRxBuf
)

// Address returns the 32-bit bus address of r, or 0 for an unknown register.
func (r Register) Address() uint32 {
	switch r {
	case RegTxLen:
		return 0x00000008
	case RegTxBuf:
		return 0x00002000
	case RegRxLen:
		return 0x00000004
	case RegRxBuf:
		return 0x00001000
	default:
		return 0
	}
}

func (r Register) String() string {
	switch r {
	case RegTxLen:
		return "TX_LEN"
	case RegTxBuf:
		return "TX_BUF"
	case RegRxLen:
		return "RX_LEN"
	case RegRxBuf:
		return "RX_BUF"
	default:
		return fmt.Sprintf("REG(%d)", uint8(r))
	}
}

// RegisterAt maps a bus address back to its Register.
func RegisterAt(addr uint32) (Register, bool) {
	for _, r := range []Register{RegTxLen, RegTxBuf, RegRxLen, RegRxBuf} {
		if r.Address() == addr {
			return r, true
		}
	}
	return 0, false
}

// Frame is an encoded command, ready to be exchanged on the bus.
type Frame []byte

func (f Frame) Opcode() Opcode {
	if len(f) == 0 {
		return 0
	}
	return Opcode(f[0])
}

const (
	statusFrameLen = 2
	configFrameLen = 9

	// LengthWordLen is the size of the TX_LEN/RX_LEN register contents.
	LengthWordLen = 4

	// MaxBufferLength is the module's SPI_MAX_BUFF_LENGTH.
	MaxBufferLength = 0x1000
)

func EncodePowerOn() Frame  { return Frame{byte(OpPowerOn)} }
func EncodePowerOff() Frame { return Frame{byte(OpPowerOff)} }

// EncodeStatusRead returns the opcode plus one placeholder byte; the status
// is clocked out in the placeholder position.
func EncodeStatusRead() Frame {
	return Frame{byte(OpStatusRead), 0x00}
}

func EncodeConfigRead(reg Register, length uint32) (Frame, error) {
	return encodeConfig(OpConfigRead, reg, length)
}

func EncodeConfigWrite(reg Register, length uint32) (Frame, error) {
	return encodeConfig(OpConfigWrite, reg, length)
}

func encodeConfig(op Opcode, reg Register, length uint32) (Frame, error) {
	if length == 0 {
		return nil, fmt.Errorf("protocol: %s %s length must be >= 1: %w", op, reg, ErrInvalidArgument)
	}
	addr := reg.Address()
	if addr == 0 {
		return nil, fmt.Errorf("protocol: %s unknown register %s: %w", op, reg, ErrInvalidArgument)
	}
	f := make(Frame, configFrameLen)
	f[0] = byte(op)
	binary.LittleEndian.PutUint32(f[1:5], addr)
	binary.LittleEndian.PutUint32(f[5:9], length-1)
	return f, nil
}

// EncodeDataRead returns the opcode followed by length placeholder bytes.
func EncodeDataRead(length int) (Frame, error) {
	if length <= 0 {
		return nil, fmt.Errorf("protocol: data read length %d: %w", length, ErrInvalidArgument)
	}
	f := make(Frame, 1+length)
	f[0] = byte(OpDataRead)
	return f, nil
}

func EncodeDataWrite(payload []byte) (Frame, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("protocol: data write payload is empty: %w", ErrInvalidArgument)
	}
	f := make(Frame, 1+len(payload))
	f[0] = byte(OpDataWrite)
	copy(f[1:], payload)
	return f, nil
}

// DecodeConfig is the inverse of EncodeConfigRead/EncodeConfigWrite.
func DecodeConfig(f Frame) (op Opcode, addr uint32, length uint32, err error) {
	if len(f) != configFrameLen {
		return 0, 0, 0, fmt.Errorf("protocol: config frame len=%d want %d", len(f), configFrameLen)
	}
	op = f.Opcode()
	if op != OpConfigRead && op != OpConfigWrite {
		return 0, 0, 0, fmt.Errorf("protocol: not a config frame: %s", op)
	}
	addr = binary.LittleEndian.Uint32(f[1:5])
	length = binary.LittleEndian.Uint32(f[5:9]) + 1
	return op, addr, length, nil
}

// Payload returns the data bytes carried by a data-read response (or a
// data-write frame): everything after the opcode position.
func Payload(resp []byte) []byte {
	if len(resp) <= 1 {
		return nil
	}
	return resp[1:]
}

// DecodeLength reads the little-endian length word from a 4-byte data-read
// response.
func DecodeLength(resp []byte) (uint32, error) {
	if len(resp) < 1+LengthWordLen {
		return 0, fmt.Errorf("protocol: length response len=%d want %d", len(resp), 1+LengthWordLen)
	}
	return binary.LittleEndian.Uint32(resp[1 : 1+LengthWordLen]), nil
}
