// Package chipselect routes the SPI bus to one of several module instances by
// driving GPIO select lines. The lines are held at their values until Close.
package chipselect

import (
	"errors"
	"fmt"
)

type Line struct {
	Offset int
	Value  int
}

type Config struct {
	// Chip is a gpiochip name or path, e.g. "gpiochip0".
	Chip     string
	Lines    []Line
	Consumer string
}

type chip interface {
	RequestOutput(offset, value int, consumer string) (line, error)
	Close() error
}

type line interface {
	Close() error
}

var openChipFn = openChip

// Selector holds the requested select lines.
type Selector struct {
	chip  chip
	lines []line
}

func Select(cfg Config) (*Selector, error) {
	if len(cfg.Lines) == 0 {
		return nil, fmt.Errorf("chipselect: no lines configured")
	}
	if cfg.Chip == "" {
		cfg.Chip = "gpiochip0"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "lc29h-spi"
	}
	seen := make(map[int]bool, len(cfg.Lines))
	for _, l := range cfg.Lines {
		if l.Offset < 0 {
			return nil, fmt.Errorf("chipselect: invalid line offset %d", l.Offset)
		}
		if l.Value != 0 && l.Value != 1 {
			return nil, fmt.Errorf("chipselect: line %d value must be 0 or 1, got %d", l.Offset, l.Value)
		}
		if seen[l.Offset] {
			return nil, fmt.Errorf("chipselect: line %d listed twice", l.Offset)
		}
		seen[l.Offset] = true
	}

	c, err := openChipFn(cfg.Chip)
	if err != nil {
		return nil, fmt.Errorf("chipselect: open %s: %w", cfg.Chip, err)
	}
	s := &Selector{chip: c}
	for _, l := range cfg.Lines {
		ln, err := c.RequestOutput(l.Offset, l.Value, cfg.Consumer)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("chipselect: request %s line %d: %w", cfg.Chip, l.Offset, err)
		}
		s.lines = append(s.lines, ln)
	}
	return s, nil
}

// Close releases the lines. The kernel keeps or resets their level depending
// on the chip driver.
func (s *Selector) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	for _, l := range s.lines {
		errs = append(errs, l.Close())
	}
	s.lines = nil
	if s.chip != nil {
		errs = append(errs, s.chip.Close())
		s.chip = nil
	}
	return errors.Join(errs...)
}
