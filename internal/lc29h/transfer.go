package lc29h

import (
	"context"
	"errors"
	"fmt"

	"lc29h-spi/internal/protocol"
)

// Read drains the module's TX FIFO, at most MaxTransfer bytes per call.
// Anything beyond that stays queued in the module for the next Read.
//
// It returns an empty slice and no error when nothing is queued, and also
// when the module does not report FIFO ready in time: from the caller's side
// both mean "nothing to read yet".
func (s *Session) Read(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readyLocked(); err != nil {
		return nil, err
	}

	p, err := s.readLocked(ctx)
	if err != nil {
		return nil, s.failLocked(err)
	}
	s.stats.Reads++
	if len(p) == 0 {
		s.stats.EmptyReads++
		return nil, nil
	}
	s.stats.BytesRead += uint64(len(p))
	return p, nil
}

func (s *Session) readLocked(ctx context.Context) ([]byte, error) {
	available, err := s.queryLengthLocked(ctx, protocol.RegTxLen)
	if errors.Is(err, ErrPollTimeout) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if available == 0 {
		return nil, nil
	}
	if available > protocol.MaxBufferLength {
		return nil, fmt.Errorf("lc29h: module reports %d bytes available, buffer is %d: %w", available, protocol.MaxBufferLength, ErrProtocol)
	}
	n := min(available, uint32(s.cfg.MaxTransfer))

	if err := s.configLocked(protocol.OpConfigRead, protocol.RegTxBuf, n); err != nil {
		return nil, err
	}
	if _, err := s.pollLocked(ctx, protocol.StatusFIFOReady); err != nil {
		if errors.Is(err, ErrPollTimeout) {
			return nil, nil
		}
		return nil, err
	}

	f, err := protocol.EncodeDataRead(int(n))
	if err != nil {
		return nil, err
	}
	rx, err := s.exchange(f)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, protocol.Payload(rx))
	return out, nil
}

// Write sends p to the module's RX FIFO in one transfer. If the module does
// not have room for all of p, nothing is sent and the error wraps
// ErrInsufficientSpace; callers should split the payload.
func (s *Session) Write(ctx context.Context, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readyLocked(); err != nil {
		return err
	}
	if len(p) == 0 {
		return fmt.Errorf("lc29h: write payload is empty: %w", ErrInvalidArgument)
	}
	if len(p) > s.cfg.MaxTransfer {
		return s.failLocked(fmt.Errorf("lc29h: write of %d bytes exceeds max transfer %d: %w", len(p), s.cfg.MaxTransfer, ErrInsufficientSpace))
	}

	if err := s.writeLocked(ctx, p); err != nil {
		return s.failLocked(err)
	}
	s.stats.Writes++
	s.stats.BytesWritten += uint64(len(p))
	return nil
}

func (s *Session) writeLocked(ctx context.Context, p []byte) error {
	free, err := s.queryLengthLocked(ctx, protocol.RegRxLen)
	if err != nil {
		return err
	}
	if uint64(free) < uint64(len(p)) {
		return fmt.Errorf("lc29h: write of %d bytes, module has %d free: %w", len(p), free, ErrInsufficientSpace)
	}

	if err := s.configLocked(protocol.OpConfigWrite, protocol.RegRxBuf, uint32(len(p))); err != nil {
		return err
	}
	if _, err := s.pollLocked(ctx, protocol.StatusFIFOReady); err != nil {
		return err
	}

	f, err := protocol.EncodeDataWrite(p)
	if err != nil {
		return err
	}
	if _, err := s.exchange(f); err != nil {
		return err
	}
	_, err = s.pollLocked(ctx, protocol.StatusRdWrFinished)
	return err
}

// queryLengthLocked reads one of the 4-byte length registers.
func (s *Session) queryLengthLocked(ctx context.Context, reg protocol.Register) (uint32, error) {
	if err := s.configLocked(protocol.OpConfigRead, reg, protocol.LengthWordLen); err != nil {
		return 0, err
	}
	if _, err := s.pollLocked(ctx, protocol.StatusFIFOReady); err != nil {
		return 0, err
	}
	f, err := protocol.EncodeDataRead(protocol.LengthWordLen)
	if err != nil {
		return 0, err
	}
	rx, err := s.exchange(f)
	if err != nil {
		return 0, err
	}
	return protocol.DecodeLength(rx)
}

func (s *Session) configLocked(op protocol.Opcode, reg protocol.Register, length uint32) error {
	var (
		f   protocol.Frame
		err error
	)
	if op == protocol.OpConfigWrite {
		f, err = protocol.EncodeConfigWrite(reg, length)
	} else {
		f, err = protocol.EncodeConfigRead(reg, length)
	}
	if err != nil {
		return err
	}
	_, err = s.exchange(f)
	return err
}
