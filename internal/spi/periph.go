package spi

import (
	"fmt"

	"periph.io/x/conn/v3/physic"
	pspi "periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// PeriphDev is a bus opened through periph.io's registry, for boards where
// the periph host drivers are preferred over raw spidev (or spidev is not
// exposed). name is a periph port name such as "SPI0.1"; empty picks the
// first registered port.
type PeriphDev struct {
	port pspi.PortCloser
	conn pspi.Conn
}

var hostInit = host.Init

func OpenPeriph(name string, cfg Config) (*PeriphDev, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	if _, err := hostInit(); err != nil {
		return nil, fmt.Errorf("spi: periph host init: %w", err)
	}
	port, err := spireg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("spi: periph open %q: %w", name, err)
	}
	conn, err := port.Connect(physic.Frequency(cfg.SpeedHz)*physic.Hertz, pspi.Mode(cfg.Mode), cfg.BitsPerWord)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("spi: periph connect %q: %w", name, err)
	}
	return &PeriphDev{port: port, conn: conn}, nil
}

func (d *PeriphDev) Exchange(tx []byte) ([]byte, error) {
	if d == nil || d.conn == nil {
		return nil, fmt.Errorf("spi: periph device is not open")
	}
	rx := make([]byte, len(tx))
	if err := d.conn.Tx(tx, rx); err != nil {
		return nil, fmt.Errorf("spi: periph transfer of %d bytes: %w", len(tx), err)
	}
	return rx, nil
}

func (d *PeriphDev) Close() error {
	if d == nil || d.port == nil {
		return nil
	}
	err := d.port.Close()
	d.port = nil
	d.conn = nil
	return err
}
