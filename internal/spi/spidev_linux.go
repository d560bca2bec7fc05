//go:build linux

package spi

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Minimal Linux spidev implementation backed by /dev/spidevB.C.
//
// Every Exchange is a single SPI_IOC_MESSAGE(1) so chip select stays asserted
// for the whole frame, which the module requires.

const (
	spiIocWrMode        = 0x40016b01
	spiIocWrBitsPerWord = 0x40016b03
	spiIocWrMaxSpeedHz  = 0x40046b04
	spiIocMessage1      = 0x40206b00
)

// spiIocTransfer mirrors struct spi_ioc_transfer (32 bytes).
type spiIocTransfer struct {
	txBuf          uint64
	rxBuf          uint64
	length         uint32
	speedHz        uint32
	delayUsecs     uint16
	bitsPerWord    uint8
	csChange       uint8
	txNbits        uint8
	rxNbits        uint8
	wordDelayUsecs uint8
	pad            uint8
}

// Dev is an opened spidev device.
//
// Dev is not safe for concurrent transfers; the driver session serializes
// access.
type Dev struct {
	f    *os.File
	path string
	cfg  Config
}

func Open(path string, cfg Config) (*Dev, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	path = filepath.Clean(path)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	d := &Dev{f: f, path: path, cfg: cfg}
	if err := d.configure(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return d, nil
}

func (d *Dev) configure() error {
	mode := uint8(d.cfg.Mode)
	if err := d.ioctl(spiIocWrMode, unsafe.Pointer(&mode)); err != nil {
		return fmt.Errorf("spi: set mode %d on %s: %w", d.cfg.Mode, d.path, err)
	}
	bits := uint8(d.cfg.BitsPerWord)
	if err := d.ioctl(spiIocWrBitsPerWord, unsafe.Pointer(&bits)); err != nil {
		return fmt.Errorf("spi: set bits per word %d on %s: %w", d.cfg.BitsPerWord, d.path, err)
	}
	speed := uint32(d.cfg.SpeedHz)
	if err := d.ioctl(spiIocWrMaxSpeedHz, unsafe.Pointer(&speed)); err != nil {
		return fmt.Errorf("spi: set speed %d on %s: %w", d.cfg.SpeedHz, d.path, err)
	}
	return nil
}

func (d *Dev) Close() error {
	if d == nil || d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}

func (d *Dev) Exchange(tx []byte) ([]byte, error) {
	if d == nil || d.f == nil {
		return nil, errors.New("spi device is not open")
	}
	if len(tx) == 0 {
		return nil, errors.New("spi: empty transfer")
	}
	rx := make([]byte, len(tx))
	xfer := spiIocTransfer{
		txBuf:       uint64(uintptr(unsafe.Pointer(&tx[0]))),
		rxBuf:       uint64(uintptr(unsafe.Pointer(&rx[0]))),
		length:      uint32(len(tx)),
		speedHz:     uint32(d.cfg.SpeedHz),
		bitsPerWord: uint8(d.cfg.BitsPerWord),
	}
	err := d.ioctl(spiIocMessage1, unsafe.Pointer(&xfer))
	runtime.KeepAlive(tx)
	runtime.KeepAlive(rx)
	if err != nil {
		return nil, fmt.Errorf("spi: transfer of %d bytes on %s: %w", len(tx), d.path, err)
	}
	return rx, nil
}

func (d *Dev) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}
