package lc29h

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"lc29h-spi/internal/protocol"
)

// Config holds protocol timing. Zero fields take the defaults below, which
// match the module's documented turnaround times.
type Config struct {
	// PowerOnDelay is waited after the power-on frame before the first status
	// poll.
	PowerOnDelay    time.Duration
	PowerOnAttempts int
	PowerOnInterval time.Duration

	// PollAttempts/PollInterval bound every status wait inside a transfer.
	PollAttempts int
	PollInterval time.Duration

	// MaxTransfer caps a single read or write. The module buffer is 4 KiB.
	MaxTransfer int
}

const (
	defaultPowerOnDelay    = 10 * time.Millisecond
	defaultPowerOnAttempts = 10
	defaultPowerOnInterval = 10 * time.Millisecond
	defaultPollAttempts    = 100
	defaultPollInterval    = 1 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.PowerOnDelay <= 0 {
		c.PowerOnDelay = defaultPowerOnDelay
	}
	if c.PowerOnAttempts <= 0 {
		c.PowerOnAttempts = defaultPowerOnAttempts
	}
	if c.PowerOnInterval <= 0 {
		c.PowerOnInterval = defaultPowerOnInterval
	}
	if c.PollAttempts <= 0 {
		c.PollAttempts = defaultPollAttempts
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MaxTransfer <= 0 || c.MaxTransfer > protocol.MaxBufferLength {
		c.MaxTransfer = protocol.MaxBufferLength
	}
	return c
}

type State int

const (
	StateOff State = iota
	StatePoweringOn
	StateOn
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateOff:
		return "off"
	case StatePoweringOn:
		return "powering_on"
	case StateOn:
		return "on"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Stats are cumulative counters for one session.
type Stats struct {
	State        string `json:"state"`
	PowerOnPolls int    `json:"power_on_polls"`

	Reads        uint64 `json:"reads"`
	EmptyReads   uint64 `json:"empty_reads"`
	BytesRead    uint64 `json:"bytes_read"`
	Writes       uint64 `json:"writes"`
	BytesWritten uint64 `json:"bytes_written"`
	PollTimeouts uint64 `json:"poll_timeouts"`
	Exchanges    uint64 `json:"exchanges"`

	LastError string `json:"last_error,omitempty"`
}

// Session is one powered-on connection to the module.
type Session struct {
	cfg Config

	mu     sync.Mutex
	t      Transport
	state  State
	closed bool
	poll   poller
	stats  Stats
}

// New wraps t in a session in the Off state. Most callers want Initialize.
func New(t Transport, cfg Config) (*Session, error) {
	if t == nil {
		return nil, fmt.Errorf("lc29h: transport is nil")
	}
	s := &Session{cfg: cfg.withDefaults(), t: t, state: StateOff}
	s.poll.exchange = s.exchange
	return s, nil
}

// Initialize powers the module on and returns a session in the On state.
//
// On failure the transport is not closed; the caller still owns it.
func Initialize(ctx context.Context, t Transport, cfg Config) (*Session, error) {
	s, err := New(t, cfg)
	if err != nil {
		return nil, err
	}
	if err := s.PowerOn(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// PowerOn runs the power-on handshake: send the power-on frame, then poll
// until SLAVE_ON. It is a no-op when already on, and restarts the retry
// budget when called again after a failure.
func (s *Session) PowerOn(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("lc29h: session closed: %w", ErrNotReady)
	}
	if s.state == StateOn {
		return nil
	}

	s.state = StatePoweringOn
	s.stats.PowerOnPolls = 0
	if _, err := s.exchange(protocol.EncodePowerOn()); err != nil {
		return s.failLocked(err)
	}
	sleep(s.cfg.PowerOnDelay)

	n, err := s.poll.pollUntil(ctx, protocol.StatusSlaveOn, s.cfg.PowerOnAttempts, s.cfg.PowerOnInterval)
	s.stats.PowerOnPolls = n
	if err != nil {
		if errors.Is(err, ErrPollTimeout) {
			err = fmt.Errorf("lc29h: SLAVE_ON not reported after %d polls (last status %s): %w", n, s.poll.last, ErrPowerOnTimeout)
		}
		err = s.failLocked(err)
		if s.state == StatePoweringOn {
			// Cancelled between polls; the handshake can simply be rerun.
			s.state = StateOff
		}
		return err
	}
	s.state = StateOn
	return nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.State = s.state.String()
	return st
}

// PollUntil waits for flag using the session's transfer poll budget.
func (s *Session) PollUntil(ctx context.Context, flag protocol.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readyLocked(); err != nil {
		return err
	}
	_, err := s.pollLocked(ctx, flag)
	return err
}

// Close powers the module off (best effort) and releases the transport.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.state == StateOn {
		_, _ = s.t.Exchange(protocol.EncodePowerOff())
	}
	s.state = StateOff
	if c, ok := s.t.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (s *Session) readyLocked() error {
	if s.closed {
		return fmt.Errorf("lc29h: session closed: %w", ErrNotReady)
	}
	if s.state != StateOn {
		return fmt.Errorf("lc29h: session is %s: %w", s.state, ErrNotReady)
	}
	return nil
}

func (s *Session) pollLocked(ctx context.Context, flag protocol.Status) (int, error) {
	n, err := s.poll.pollUntil(ctx, flag, s.cfg.PollAttempts, s.cfg.PollInterval)
	if errors.Is(err, ErrPollTimeout) {
		s.stats.PollTimeouts++
	}
	return n, err
}

// exchange sends one frame. Any transport error, or a response of the wrong
// size, is reported as ErrBusUnavailable.
func (s *Session) exchange(tx []byte) ([]byte, error) {
	s.stats.Exchanges++
	rx, err := s.t.Exchange(tx)
	if err != nil {
		return nil, fmt.Errorf("lc29h: %s exchange: %w: %w", protocol.Frame(tx).Opcode(), ErrBusUnavailable, err)
	}
	if len(rx) != len(tx) {
		return nil, fmt.Errorf("lc29h: %s exchange returned %d bytes for %d: %w", protocol.Frame(tx).Opcode(), len(rx), len(tx), ErrBusUnavailable)
	}
	return rx, nil
}

// failLocked records err and, for fatal errors, moves the session to Failed.
func (s *Session) failLocked(err error) error {
	s.stats.LastError = err.Error()
	if errors.Is(err, ErrBusUnavailable) || errors.Is(err, ErrPowerOnTimeout) {
		s.state = StateFailed
	}
	return err
}
