//go:build !linux

package chipselect

import "fmt"

func openChip(name string) (chip, error) {
	return nil, fmt.Errorf("chipselect: gpio unsupported on this platform")
}
