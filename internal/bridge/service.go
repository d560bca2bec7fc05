package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"lc29h-spi/internal/lc29h"
	"lc29h-spi/internal/nmea"
)

// Driver is the part of *lc29h.Session the bridge needs.
type Driver interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, p []byte) error
	Stats() lc29h.Stats
}

type Config struct {
	// PollInterval is how often the module is drained.
	PollInterval time.Duration

	// WriteChunk is the largest single write issued to the module.
	WriteChunk int

	// Sinks receive every byte read from the module.
	Sinks []io.Writer

	// SerialDevice, when set, is opened as both a sink and a command source.
	SerialDevice string
	SerialBaud   int
}

type Snapshot struct {
	Running bool `json:"running"`

	BytesIn      uint64 `json:"bytes_in"`
	LinesIn      uint64 `json:"lines_in"`
	CommandsSent uint64 `json:"commands_sent"`
	BytesSent    uint64 `json:"bytes_sent"`

	SerialDevice string `json:"serial_device,omitempty"`

	LastReadUTC string      `json:"last_read_utc,omitempty"`
	LastError   string      `json:"last_error,omitempty"`
	Driver      lc29h.Stats `json:"driver"`
}

// maxDrainReads bounds how many back-to-back reads one tick may issue.
const maxDrainReads = 8

// maxCommandLen drops serial input that never ends a line.
const maxCommandLen = 1024

var afterFn = time.After

// ErrNotRunning is returned by Submit when the bridge loop is not active.
var ErrNotRunning = errors.New("bridge: not running")

type command struct {
	payload []byte
	done    chan error
}

type Service struct {
	cfg Config
	drv Driver

	cancel context.CancelFunc
	wg     sync.WaitGroup

	cmds    chan command
	stopped chan struct{}

	mu      sync.Mutex
	snap    Snapshot
	sinks   []io.Writer
	serial  serialPort
	stopErr error

	bytesIn   atomic.Uint64
	linesIn   atomic.Uint64
	cmdsSent  atomic.Uint64
	bytesSent atomic.Uint64
}

func New(drv Driver, cfg Config) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.WriteChunk <= 0 {
		cfg.WriteChunk = 256
	}
	if cfg.SerialBaud <= 0 {
		cfg.SerialBaud = 115200
	}
	return &Service{cfg: cfg, drv: drv, cmds: make(chan command, 16)}
}

func (s *Service) Start(ctx context.Context) error {
	if s == nil || s.drv == nil {
		return fmt.Errorf("bridge: driver is nil")
	}
	if ctx == nil {
		return fmt.Errorf("ctx is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}

	s.sinks = append([]io.Writer(nil), s.cfg.Sinks...)
	if s.cfg.SerialDevice != "" {
		p, err := openSerialFn(s.cfg.SerialDevice, s.cfg.SerialBaud)
		if err != nil {
			s.snap.LastError = fmt.Sprintf("serial open failed device=%s baud=%d: %v", s.cfg.SerialDevice, s.cfg.SerialBaud, err)
			return fmt.Errorf("bridge: open serial %s: %w", s.cfg.SerialDevice, err)
		}
		s.serial = p
		s.sinks = append(s.sinks, p)
		s.snap.SerialDevice = s.cfg.SerialDevice
	}

	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.snap.Running = true
	stopped := make(chan struct{})
	s.stopped = stopped

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(stopped)
		s.run(childCtx)
	}()

	if s.serial != nil {
		port := s.serial
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.readCommands(childCtx, port)
		}()
		log.Printf("bridge serial enabled device=%s baud=%d", s.cfg.SerialDevice, s.cfg.SerialBaud)
	}
	log.Printf("bridge started poll=%s sinks=%d", s.cfg.PollInterval, len(s.sinks))
	return nil
}

func (s *Service) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	cancel := s.cancel
	port := s.serial
	s.cancel = nil
	s.serial = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if port != nil {
		_ = port.Close()
	}
	s.wg.Wait()

	s.mu.Lock()
	s.snap.Running = false
	s.mu.Unlock()
}

// Submit queues p for writing to the module and waits for the outcome.
func (s *Service) Submit(ctx context.Context, p []byte) error {
	if len(p) == 0 {
		return fmt.Errorf("bridge: empty command")
	}
	s.mu.Lock()
	stopped := s.stopped
	running := s.snap.Running
	s.mu.Unlock()
	if !running || stopped == nil {
		return ErrNotRunning
	}

	c := command{payload: append([]byte(nil), p...), done: make(chan error, 1)}
	select {
	case s.cmds <- c:
	case <-stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.done:
		return err
	case <-stopped:
		// The loop may have answered just before exiting.
		select {
		case err := <-c.done:
			return err
		default:
			return ErrNotRunning
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the bridge loop exits, either because ctx ended or
// because the module became unusable. It is nil before Start.
func (s *Service) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Err returns the error that stopped the loop, or nil if it is still running
// or was stopped by its context.
func (s *Service) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopErr
}

func (s *Service) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.Lock()
	snap := s.snap
	s.mu.Unlock()
	snap.BytesIn = s.bytesIn.Load()
	snap.LinesIn = s.linesIn.Load()
	snap.CommandsSent = s.cmdsSent.Load()
	snap.BytesSent = s.bytesSent.Load()
	if s.drv != nil {
		snap.Driver = s.drv.Stats()
	}
	return snap
}

func (s *Service) run(ctx context.Context) {
	for {
		if err := s.drain(ctx); err != nil {
			if fatal(err) {
				s.setError(fmt.Sprintf("bridge stopped: %v", err))
				log.Printf("bridge stopped: %v", err)
				s.stop(err)
				return
			}
			s.setError(err.Error())
		}

		select {
		case <-ctx.Done():
			s.failPending(ctx.Err())
			return
		case c := <-s.cmds:
			err := s.write(ctx, c.payload)
			c.done <- err
			if err != nil {
				s.setError(fmt.Sprintf("command write failed: %v", err))
				if fatal(err) {
					log.Printf("bridge stopped: %v", err)
					s.stop(err)
					return
				}
			}
		case <-afterFn(s.cfg.PollInterval):
		}
	}
}

// drain reads until the module has nothing queued or the per-tick budget is
// spent.
func (s *Service) drain(ctx context.Context) error {
	for i := 0; i < maxDrainReads; i++ {
		p, err := s.drv.Read(ctx)
		if err != nil {
			return err
		}
		if len(p) == 0 {
			return nil
		}
		s.bytesIn.Add(uint64(len(p)))
		s.linesIn.Add(uint64(bytes.Count(p, []byte{'\n'})))
		s.mu.Lock()
		s.snap.LastReadUTC = time.Now().UTC().Format(time.RFC3339Nano)
		sinks := s.sinks
		s.mu.Unlock()
		for _, w := range sinks {
			if _, err := w.Write(p); err != nil {
				s.setError(fmt.Sprintf("sink write failed: %v", err))
			}
		}
	}
	return nil
}

// write splits p into WriteChunk pieces. A chunk that does not fit is
// retried after a poll interval, a few times, before giving up.
func (s *Service) write(ctx context.Context, p []byte) error {
	const tries = 3
	for len(p) > 0 {
		n := min(len(p), s.cfg.WriteChunk)
		var err error
		for i := 0; i < tries; i++ {
			err = s.drv.Write(ctx, p[:n])
			if err == nil || !lc29h.IsRetryable(err) {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-afterFn(s.cfg.PollInterval):
			}
		}
		if err != nil {
			return err
		}
		s.bytesSent.Add(uint64(n))
		p = p[n:]
	}
	s.cmdsSent.Add(1)
	return nil
}

func (s *Service) readCommands(ctx context.Context, port serialPort) {
	lb := lineBuffer{max: maxCommandLen}
	buf := make([]byte, 256)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := port.Read(buf)
		if n > 0 {
			lb.feed(buf[:n], func(raw []byte) {
				if len(bytes.TrimSpace(raw)) == 0 {
					return
				}
				line, err := nmea.Command(string(raw))
				if err != nil {
					s.setError(fmt.Sprintf("serial command rejected: %v", err))
					return
				}
				if err := s.Submit(ctx, line); err != nil && ctx.Err() == nil {
					s.setError(fmt.Sprintf("serial command failed: %v", err))
				}
			})
		}
		if err != nil {
			if ctx.Err() == nil {
				s.setError(fmt.Sprintf("serial read stopped: %v", err))
			}
			return
		}
	}
}

func (s *Service) failPending(err error) {
	s.mu.Lock()
	s.snap.Running = false
	s.mu.Unlock()
	for {
		select {
		case c := <-s.cmds:
			c.done <- err
		default:
			return
		}
	}
}

// stop records a fatal error and fails queued commands with it.
func (s *Service) stop(err error) {
	s.mu.Lock()
	s.stopErr = err
	s.mu.Unlock()
	s.failPending(err)
}

func (s *Service) setError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.LastError = msg
}

func fatal(err error) bool {
	return errors.Is(err, lc29h.ErrBusUnavailable) || errors.Is(err, lc29h.ErrNotReady)
}
