package spi

import "fmt"

// Config describes the bus settings used when opening a device. Bus number,
// chip enable and clock are deployment choices; the LC29H works in mode 0 at
// anything up to a few MHz.
type Config struct {
	SpeedHz     int
	Mode        int
	BitsPerWord int
}

func (c Config) withDefaults() (Config, error) {
	if c.SpeedHz <= 0 {
		c.SpeedHz = 1000000
	}
	if c.BitsPerWord <= 0 {
		c.BitsPerWord = 8
	}
	if c.Mode < 0 || c.Mode > 3 {
		return c, fmt.Errorf("spi: invalid mode %d", c.Mode)
	}
	return c, nil
}
