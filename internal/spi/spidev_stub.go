//go:build !linux

package spi

import "fmt"

type Dev struct{}

func Open(path string, cfg Config) (*Dev, error) {
	return nil, fmt.Errorf("spi: spidev unsupported OS (need linux)")
}

func (d *Dev) Close() error { return nil }

func (d *Dev) Exchange(tx []byte) ([]byte, error) { return nil, fmt.Errorf("spi: unsupported OS") }
