package chipselect

import (
	"errors"
	"strings"
	"testing"
)

type fakeLine struct {
	offset, value int
	closed        bool
}

func (l *fakeLine) Close() error { l.closed = true; return nil }

type fakeChip struct {
	name    string
	lines   []*fakeLine
	failAt  int
	closed  bool
	consume string
}

func (c *fakeChip) RequestOutput(offset, value int, consumer string) (line, error) {
	if c.failAt >= 0 && offset == c.failAt {
		return nil, errors.New("busy")
	}
	c.consume = consumer
	l := &fakeLine{offset: offset, value: value}
	c.lines = append(c.lines, l)
	return l, nil
}

func (c *fakeChip) Close() error { c.closed = true; return nil }

func withFakeChip(t *testing.T, c *fakeChip) {
	t.Helper()
	old := openChipFn
	openChipFn = func(name string) (chip, error) {
		c.name = name
		return c, nil
	}
	t.Cleanup(func() { openChipFn = old })
}

func TestSelect_DrivesLines(t *testing.T) {
	c := &fakeChip{failAt: -1}
	withFakeChip(t, c)

	s, err := Select(Config{Lines: []Line{{Offset: 24, Value: 1}, {Offset: 23, Value: 0}}})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if c.name != "gpiochip0" {
		t.Fatalf("chip=%q want gpiochip0", c.name)
	}
	if c.consume != "lc29h-spi" {
		t.Fatalf("consumer=%q", c.consume)
	}
	if len(c.lines) != 2 || c.lines[0].offset != 24 || c.lines[0].value != 1 || c.lines[1].offset != 23 || c.lines[1].value != 0 {
		t.Fatalf("lines=%+v", c.lines)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !c.closed || !c.lines[0].closed || !c.lines[1].closed {
		t.Fatalf("lines/chip not released")
	}
}

func TestSelect_ReleasesOnFailure(t *testing.T) {
	c := &fakeChip{failAt: 23}
	withFakeChip(t, c)

	_, err := Select(Config{Chip: "gpiochip4", Lines: []Line{{Offset: 24, Value: 1}, {Offset: 23, Value: 0}}})
	if err == nil || !strings.Contains(err.Error(), "line 23") {
		t.Fatalf("err=%v want line 23 failure", err)
	}
	if !c.closed || !c.lines[0].closed {
		t.Fatalf("partial request not released")
	}
}

func TestSelect_Validation(t *testing.T) {
	c := &fakeChip{failAt: -1}
	withFakeChip(t, c)

	cases := []struct {
		name  string
		lines []Line
		want  string
	}{
		{"Empty", nil, "no lines configured"},
		{"BadValue", []Line{{Offset: 1, Value: 2}}, "value must be 0 or 1"},
		{"Negative", []Line{{Offset: -1}}, "invalid line offset"},
		{"Duplicate", []Line{{Offset: 5}, {Offset: 5, Value: 1}}, "listed twice"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Select(Config{Lines: tc.lines})
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v want %q", err, tc.want)
			}
		})
	}
}

func TestClose_Nil(t *testing.T) {
	var s *Selector
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
