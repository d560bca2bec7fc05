package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"

	"lc29h-spi/internal/bridge"
	"lc29h-spi/internal/chipselect"
	"lc29h-spi/internal/config"
	"lc29h-spi/internal/lc29h"
	"lc29h-spi/internal/sim"
	"lc29h-spi/internal/spi"
	"lc29h-spi/internal/trace"
	"lc29h-spi/internal/udp"
	"lc29h-spi/internal/web"
)

// bus is the transport plus everything that must outlive the session.
type bus struct {
	t    lc29h.Transport
	sim  *sim.Module
	sel  *chipselect.Selector
	rec  *trace.FileLogger
	info web.Info
}

var stdout io.Writer = os.Stdout

func openBus(cfg config.Config) (*bus, error) {
	b := &bus{info: web.Info{Backend: cfg.SPI.Backend, Device: cfg.SPI.Device, SpeedHz: uint32(cfg.SPI.SpeedHz)}}

	if cfg.Select.Enable {
		lines := make([]chipselect.Line, 0, len(cfg.Select.Lines))
		for _, l := range cfg.Select.Lines {
			lines = append(lines, chipselect.Line{Offset: l.Offset, Value: l.Value})
		}
		sel, err := chipselect.Select(chipselect.Config{Chip: cfg.Select.Chip, Lines: lines})
		if err != nil {
			return nil, err
		}
		b.sel = sel
		log.Printf("chip select chip=%s lines=%d", cfg.Select.Chip, len(lines))
	}

	var t lc29h.Transport
	spiCfg := spi.Config{SpeedHz: cfg.SPI.SpeedHz, Mode: cfg.SPI.Mode}
	switch {
	case cfg.Trace.ReplayPath != "":
		r, err := trace.LoadReplay(cfg.Trace.ReplayPath)
		if err != nil {
			b.closeAux()
			return nil, err
		}
		t = r
		b.info.Backend = "replay"
		b.info.Trace = cfg.Trace.ReplayPath
		log.Printf("bus replay path=%s exchanges=%d", cfg.Trace.ReplayPath, r.Remaining())
	case cfg.SPI.Backend == "sim":
		b.sim = sim.NewModule(sim.Config{
			SlaveOnAfter:   cfg.Sim.SlaveOnAfter,
			FIFOReadyAfter: cfg.Sim.FIFOReadyAfter,
			RxCapacity:     cfg.Sim.RxCapacity,
			Echo:           cfg.Sim.Echo,
		})
		t = b.sim
		b.info.Device = "sim"
		log.Printf("bus sim rx_capacity=%d", cfg.Sim.RxCapacity)
	case cfg.SPI.Backend == "periph":
		d, err := spi.OpenPeriph(cfg.SPI.Device, spiCfg)
		if err != nil {
			b.closeAux()
			return nil, err
		}
		t = d
		log.Printf("bus periph port=%q speed_hz=%d mode=%d", cfg.SPI.Device, cfg.SPI.SpeedHz, cfg.SPI.Mode)
	default:
		d, err := spi.Open(cfg.SPI.Device, spiCfg)
		if err != nil {
			b.closeAux()
			return nil, err
		}
		t = d
		log.Printf("bus spidev device=%s speed_hz=%d mode=%d", cfg.SPI.Device, cfg.SPI.SpeedHz, cfg.SPI.Mode)
	}

	var loggers trace.MultiLogger
	if cfg.Trace.RecordPath != "" {
		rec, err := trace.NewFileLogger(cfg.Trace.RecordPath)
		if err != nil {
			if c, ok := t.(io.Closer); ok {
				_ = c.Close()
			}
			b.closeAux()
			return nil, fmt.Errorf("trace record: %w", err)
		}
		b.rec = rec
		b.info.Trace = cfg.Trace.RecordPath
		loggers = append(loggers, rec)
	}
	if cfg.Trace.LogExchanges {
		h := slog.NewTextHandler(log.Writer(), &slog.HandlerOptions{Level: slog.LevelDebug})
		loggers = append(loggers, trace.NewSlogAdapter(slog.New(h)))
	}
	if len(loggers) > 0 {
		tap := trace.NewTap(t, loggers)
		tap.Note(fmt.Sprintf("backend=%s device=%s", b.info.Backend, b.info.Device))
		t = tap
		log.Printf("bus trace record_path=%q log_exchanges=%t session=%s", cfg.Trace.RecordPath, cfg.Trace.LogExchanges, tap.SessionID())
	}

	b.t = t
	return b, nil
}

// closeAux releases the select lines and the trace file. The transport
// itself belongs to the session.
func (b *bus) closeAux() {
	if b.rec != nil {
		_ = b.rec.Close()
	}
	if b.sel != nil {
		_ = b.sel.Close()
	}
}

func (b *bus) closeTransport() {
	if c, ok := b.t.(io.Closer); ok {
		_ = c.Close()
	}
}

func sessionConfig(cfg config.Config) lc29h.Config {
	p := cfg.Protocol
	return lc29h.Config{
		PowerOnDelay:    p.PowerOnDelay,
		PowerOnAttempts: p.PowerOnAttempts,
		PowerOnInterval: p.PowerOnInterval,
		PollAttempts:    p.PollAttempts,
		PollInterval:    p.PollInterval,
		MaxTransfer:     p.MaxTransfer,
	}
}

// probe powers the module on (best effort), prints one classified status
// read, and powers it off again.
func probe(ctx context.Context, cfg config.Config, w io.Writer) error {
	b, err := openBus(cfg)
	if err != nil {
		return err
	}
	defer b.closeAux()

	s, err := lc29h.New(b.t, sessionConfig(cfg))
	if err != nil {
		b.closeTransport()
		return err
	}
	defer s.Close()

	powerErr := s.PowerOn(ctx)
	d, err := s.Diagnose()
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "status: %s\n", d)
	if powerErr != nil {
		_, _ = fmt.Fprintf(w, "power-on: %v\n", powerErr)
	} else {
		_, _ = fmt.Fprintf(w, "power-on: ok after %d polls\n", s.Stats().PowerOnPolls)
	}
	return nil
}

func run(ctx context.Context, cfg config.Config, logs *web.LogBuffer) error {
	b, err := openBus(cfg)
	if err != nil {
		return err
	}
	defer b.closeAux()

	if b.sim != nil {
		go b.sim.Run(ctx, cfg.Sim.NMEAInterval)
	}

	s, err := lc29h.Initialize(ctx, b.t, sessionConfig(cfg))
	if err != nil {
		b.closeTransport()
		return fmt.Errorf("module init: %w", err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Printf("session close: %v", err)
		}
	}()
	log.Printf("module on after %d polls", s.Stats().PowerOnPolls)

	var sinks []io.Writer
	if cfg.Bridge.UDPDest != "" {
		bc, err := udp.NewBroadcaster(cfg.Bridge.UDPDest)
		if err != nil {
			return fmt.Errorf("udp broadcaster init failed: %w", err)
		}
		defer bc.Close()
		sinks = append(sinks, bc)
		b.info.UDPDest = bc.Dest()
		log.Printf("udp dest=%s", bc.Dest())
	}
	if cfg.Bridge.Stdout {
		sinks = append(sinks, stdout)
	}

	bcfg := bridge.Config{
		PollInterval: cfg.Bridge.PollInterval,
		WriteChunk:   cfg.Bridge.WriteChunk,
		Sinks:        sinks,
	}
	if cfg.Bridge.Serial.Enable {
		bcfg.SerialDevice = cfg.Bridge.Serial.Device
		bcfg.SerialBaud = cfg.Bridge.Serial.Baud
	}
	br := bridge.New(s, bcfg)
	if err := br.Start(ctx); err != nil {
		return err
	}
	defer br.Close()

	webErr := make(chan error, 1)
	if cfg.Web.Listen != "" {
		h := web.Handler(web.NewStatus(b.info), br, logs)
		go func() {
			webErr <- web.Serve(ctx, cfg.Web.Listen, h)
		}()
		log.Printf("web listen=%s", cfg.Web.Listen)
	}

	select {
	case <-ctx.Done():
		return nil
	case <-br.Done():
		if err := br.Err(); err != nil {
			return fmt.Errorf("bridge: %w", err)
		}
		return nil
	case err := <-webErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("web server: %w", err)
		}
		return nil
	}
}
