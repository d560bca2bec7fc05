//go:build linux

package chipselect

import "github.com/warthog618/go-gpiocdev"

func openChip(name string) (chip, error) {
	c, err := gpiocdev.NewChip(name)
	if err != nil {
		return nil, err
	}
	return &cdevChip{c: c}, nil
}

type cdevChip struct {
	c *gpiocdev.Chip
}

func (c *cdevChip) RequestOutput(offset, value int, consumer string) (line, error) {
	l, err := c.c.RequestLine(offset, gpiocdev.AsOutput(value), gpiocdev.WithConsumer(consumer))
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (c *cdevChip) Close() error {
	return c.c.Close()
}
