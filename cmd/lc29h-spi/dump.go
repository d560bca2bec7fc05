package main

import (
	"errors"
	"io"
	"log/slog"

	"lc29h-spi/internal/trace"
)

// dumpTrace prints every event of a recorded trace, one per line.
func dumpTrace(path string, w io.Writer) error {
	r, err := trace.NewReader(path)
	if err != nil {
		return err
	}
	defer r.Close()

	h := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Events carry their own timestamps.
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		},
	})
	out := trace.NewSlogAdapter(slog.New(h))
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		out.Log(e)
	}
}
