package lc29h

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"lc29h-spi/internal/nmea"
	"lc29h-spi/internal/protocol"
	"lc29h-spi/internal/sim"
)

// noSleep disables real delays and counts how often the driver waited.
func noSleep(t *testing.T) *int {
	t.Helper()
	n := 0
	old := sleep
	sleep = func(time.Duration) { n++ }
	t.Cleanup(func() { sleep = old })
	return &n
}

// scriptBus answers status reads from a script and records every frame.
// Length-sized data reads return lengthWord.
type scriptBus struct {
	statuses   []byte
	fallback   byte
	lengthWord uint32
	frames     [][]byte
	err        error
	closed     bool
}

func (b *scriptBus) Exchange(tx []byte) ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	b.frames = append(b.frames, append([]byte(nil), tx...))
	rx := make([]byte, len(tx))
	if protocol.Frame(tx).Opcode() == protocol.OpStatusRead {
		st := b.fallback
		if len(b.statuses) > 0 {
			st = b.statuses[0]
			b.statuses = b.statuses[1:]
		}
		rx[1] = st
	}
	if protocol.Frame(tx).Opcode() == protocol.OpDataRead && len(tx) == 1+protocol.LengthWordLen {
		binary.LittleEndian.PutUint32(rx[1:], b.lengthWord)
	}
	return rx, nil
}

func (b *scriptBus) Close() error {
	b.closed = true
	return nil
}

func (b *scriptBus) count(op protocol.Opcode) int {
	n := 0
	for _, f := range b.frames {
		if protocol.Frame(f).Opcode() == op {
			n++
		}
	}
	return n
}

func countFrames(frames []protocol.Frame, op protocol.Opcode, reg protocol.Register) int {
	n := 0
	for _, f := range frames {
		if f.Opcode() != op {
			continue
		}
		if op == protocol.OpConfigRead || op == protocol.OpConfigWrite {
			_, addr, _, err := protocol.DecodeConfig(f)
			if err != nil || addr != reg.Address() {
				continue
			}
		}
		n++
	}
	return n
}

func newSimSession(t *testing.T, cfg sim.Config) (*Session, *sim.Module) {
	t.Helper()
	m := sim.NewModule(cfg)
	s, err := Initialize(context.Background(), m, Config{PollAttempts: 5})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	m.ResetFrames()
	return s, m
}

func TestRetry_StopsOnSuccessAndSleepsEveryAttempt(t *testing.T) {
	sleeps := noSleep(t)
	calls := 0
	n, err := retry(context.Background(), 10, time.Millisecond, func() (bool, error) {
		calls++
		return calls == 4, nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if n != 4 || calls != 4 {
		t.Fatalf("n=%d calls=%d want 4", n, calls)
	}
	if *sleeps != 4 {
		t.Fatalf("sleeps=%d want 4", *sleeps)
	}
}

func TestRetry_Exhausted(t *testing.T) {
	noSleep(t)
	n, err := retry(context.Background(), 3, time.Millisecond, func() (bool, error) { return false, nil })
	if !errors.Is(err, errExhausted) {
		t.Fatalf("err=%v want errExhausted", err)
	}
	if n != 3 {
		t.Fatalf("n=%d want 3", n)
	}
}

func TestRetry_StopsOnCancel(t *testing.T) {
	noSleep(t)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := retry(ctx, 10, time.Millisecond, func() (bool, error) {
		calls++
		cancel()
		return false, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("calls=%d want 1", calls)
	}
}

func TestRetry_RejectsZeroAttempts(t *testing.T) {
	if _, err := retry(context.Background(), 0, time.Millisecond, func() (bool, error) { return true, nil }); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("err=%v want ErrInvalidArgument", err)
	}
}

func TestPollUntil_SucceedsOnFirstAttemptWithFlag(t *testing.T) {
	noSleep(t)
	for k := 1; k <= 5; k++ {
		statuses := make([]byte, 5)
		statuses[k-1] = byte(protocol.StatusFIFOReady)
		bus := &scriptBus{statuses: statuses}
		p := poller{exchange: bus.Exchange}

		n, err := p.pollUntil(context.Background(), protocol.StatusFIFOReady, 5, time.Millisecond)
		if err != nil {
			t.Fatalf("k=%d: %v", k, err)
		}
		if n != k || bus.count(protocol.OpStatusRead) != k {
			t.Fatalf("k=%d: n=%d reads=%d", k, n, bus.count(protocol.OpStatusRead))
		}
	}
}

func TestPollUntil_TimesOut(t *testing.T) {
	noSleep(t)
	bus := &scriptBus{statuses: []byte{0x01, 0x20, 0x00}, fallback: 0x01}
	p := poller{exchange: bus.Exchange}

	n, err := p.pollUntil(context.Background(), protocol.StatusFIFOReady, 4, time.Millisecond)
	if !errors.Is(err, ErrPollTimeout) {
		t.Fatalf("err=%v want ErrPollTimeout", err)
	}
	if n != 4 || bus.count(protocol.OpStatusRead) != 4 {
		t.Fatalf("n=%d reads=%d want 4", n, bus.count(protocol.OpStatusRead))
	}
}

func TestPollUntil_NotPresentNeverMatches(t *testing.T) {
	noSleep(t)
	bus := &scriptBus{fallback: 0xFF}
	p := poller{exchange: bus.Exchange}

	_, err := p.pollUntil(context.Background(), protocol.Status(0xFF), 3, time.Millisecond)
	if !errors.Is(err, ErrPollTimeout) {
		t.Fatalf("err=%v want ErrPollTimeout", err)
	}
}

func TestInitialize_SlaveOnAfterThirdPoll(t *testing.T) {
	noSleep(t)
	bus := &scriptBus{statuses: []byte{0x00, 0xFF, 0x01}}

	s, err := Initialize(context.Background(), bus, Config{})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if s.State() != StateOn {
		t.Fatalf("state=%s want on", s.State())
	}
	if got := s.Stats().PowerOnPolls; got != 3 {
		t.Fatalf("power-on polls=%d want 3", got)
	}
	if got := bus.count(protocol.OpStatusRead); got != 3 {
		t.Fatalf("status reads=%d want 3", got)
	}
	if bus.frames[0][0] != byte(protocol.OpPowerOn) {
		t.Fatalf("first frame=% X want power-on", bus.frames[0])
	}
}

func TestInitialize_WithSimulatedModule(t *testing.T) {
	noSleep(t)
	m := sim.NewModule(sim.Config{SlaveOnAfter: 3})
	s, err := Initialize(context.Background(), m, Config{})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := s.Stats().PowerOnPolls; got != 3 {
		t.Fatalf("power-on polls=%d want 3", got)
	}
}

func TestInitialize_PowerOnTimeout(t *testing.T) {
	noSleep(t)
	bus := &scriptBus{fallback: 0x00}

	s, err := New(bus, Config{PowerOnAttempts: 7})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = s.PowerOn(context.Background())
	if !errors.Is(err, ErrPowerOnTimeout) {
		t.Fatalf("err=%v want ErrPowerOnTimeout", err)
	}
	if got := bus.count(protocol.OpStatusRead); got != 7 {
		t.Fatalf("status reads=%d want 7", got)
	}
	if s.State() != StateFailed {
		t.Fatalf("state=%s want failed", s.State())
	}
	if _, err := s.Read(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Read err=%v want ErrNotReady", err)
	}
	if bus.closed {
		t.Fatalf("transport closed on power-on failure")
	}

	if _, err := Initialize(context.Background(), &scriptBus{fallback: 0xFF}, Config{}); !errors.Is(err, ErrPowerOnTimeout) {
		t.Fatalf("Initialize err=%v want ErrPowerOnTimeout", err)
	}
}

func TestPowerOn_RetryAfterFailure(t *testing.T) {
	noSleep(t)
	bus := &scriptBus{statuses: []byte{0, 0, 0x01}}
	s, err := New(bus, Config{PowerOnAttempts: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.PowerOn(context.Background()); !errors.Is(err, ErrPowerOnTimeout) {
		t.Fatalf("err=%v want ErrPowerOnTimeout", err)
	}
	if err := s.PowerOn(context.Background()); err != nil {
		t.Fatalf("second PowerOn: %v", err)
	}
	if s.State() != StateOn {
		t.Fatalf("state=%s want on", s.State())
	}
}

func TestNotReadyBeforePowerOn(t *testing.T) {
	s, err := New(&scriptBus{}, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Read(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Read err=%v want ErrNotReady", err)
	}
	if err := s.Write(context.Background(), []byte("x")); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Write err=%v want ErrNotReady", err)
	}
	if err := s.PollUntil(context.Background(), protocol.StatusFIFOReady); !errors.Is(err, ErrNotReady) {
		t.Fatalf("PollUntil err=%v want ErrNotReady", err)
	}
}

func TestNew_NilTransport(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRead_NothingAvailableSkipsBufferRead(t *testing.T) {
	noSleep(t)
	s, m := newSimSession(t, sim.Config{})

	p, err := s.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(p) != 0 {
		t.Fatalf("payload=%q want empty", p)
	}
	frames := m.Frames()
	if n := countFrames(frames, protocol.OpConfigRead, protocol.RegTxBuf); n != 0 {
		t.Fatalf("TX_BUF config reads=%d want 0", n)
	}
	if n := countFrames(frames, protocol.OpDataRead, 0); n != 1 {
		t.Fatalf("data reads=%d want 1 (length only)", n)
	}
	if st := s.Stats(); st.EmptyReads != 1 || st.Reads != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestRead_ReturnsQueuedBytes(t *testing.T) {
	noSleep(t)
	s, m := newSimSession(t, sim.Config{})
	want := nmea.Format("GNGGA,000000.00,,,,,0,00,99.99,,,,,,")
	m.QueueTX(want)

	got, err := s.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got=%q want %q", got, want)
	}
	frames := m.Frames()
	wantOps := []protocol.Opcode{protocol.OpConfigRead, protocol.OpStatusRead, protocol.OpDataRead, protocol.OpConfigRead, protocol.OpStatusRead, protocol.OpDataRead}
	if len(frames) != len(wantOps) {
		t.Fatalf("frames=%d want %d", len(frames), len(wantOps))
	}
	for i, op := range wantOps {
		if frames[i].Opcode() != op {
			t.Fatalf("frame[%d]=%s want %s", i, frames[i].Opcode(), op)
		}
	}
	if _, _, n, _ := protocol.DecodeConfig(frames[3]); n != uint32(len(want)) {
		t.Fatalf("TX_BUF length=%d want %d", n, len(want))
	}
	if len(frames[5]) != 1+len(want) {
		t.Fatalf("data read frame len=%d want %d", len(frames[5]), 1+len(want))
	}

	// FIFO is drained.
	got, err = s.Read(context.Background())
	if err != nil || len(got) != 0 {
		t.Fatalf("second Read=%q,%v want empty", got, err)
	}
}

func TestRead_FIFONeverReadyIsEmpty(t *testing.T) {
	noSleep(t)
	s, m := newSimSession(t, sim.Config{FIFOReadyAfter: -1})
	m.QueueTX([]byte("data"))

	p, err := s.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(p) != 0 {
		t.Fatalf("payload=%q want empty", p)
	}
	if st := s.Stats(); st.PollTimeouts != 1 {
		t.Fatalf("poll timeouts=%d want 1", st.PollTimeouts)
	}
	if n := countFrames(m.Frames(), protocol.OpDataRead, 0); n != 0 {
		t.Fatalf("data reads=%d want 0", n)
	}
}

func TestRead_LengthAboveBufferIsProtocolError(t *testing.T) {
	noSleep(t)
	bus := &scriptBus{fallback: byte(protocol.StatusSlaveOn | protocol.StatusFIFOReady), lengthWord: protocol.MaxBufferLength + 1}
	s, err := Initialize(context.Background(), bus, Config{})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	_, err = s.Read(context.Background())
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("err=%v want ErrProtocol", err)
	}
	if s.State() != StateOn {
		t.Fatalf("state=%s want on", s.State())
	}
	for _, f := range bus.frames {
		if protocol.Frame(f).Opcode() != protocol.OpConfigRead {
			continue
		}
		if _, addr, _, _ := protocol.DecodeConfig(f); addr == protocol.RegTxBuf.Address() {
			t.Fatalf("TX_BUF read issued for an impossible length")
		}
	}
}

// A full 4096-byte FIFO is drained MaxTransfer bytes at a time.
func TestRead_FullFIFODrainsInChunks(t *testing.T) {
	noSleep(t)
	m := sim.NewModule(sim.Config{})
	s, err := Initialize(context.Background(), m, Config{PollAttempts: 5, MaxTransfer: 4095})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	want := make([]byte, protocol.MaxBufferLength)
	for i := range want {
		want[i] = byte(i % 251)
	}
	m.QueueTX(want)
	m.ResetFrames()

	first, err := s.Read(context.Background())
	if err != nil {
		t.Fatalf("first Read: %v", err)
	}
	if len(first) != 4095 {
		t.Fatalf("first Read len=%d want 4095", len(first))
	}
	for _, f := range m.Frames() {
		if f.Opcode() == protocol.OpDataRead && len(f) > 1+4095 {
			t.Fatalf("data read frame len=%d exceeds max transfer", len(f))
		}
	}
	second, err := s.Read(context.Background())
	if err != nil {
		t.Fatalf("second Read: %v", err)
	}
	if got := append(first, second...); !bytes.Equal(got, want) {
		t.Fatalf("drained %d bytes, content mismatch", len(got))
	}
	third, err := s.Read(context.Background())
	if err != nil || len(third) != 0 {
		t.Fatalf("third Read=%d bytes,%v want empty", len(third), err)
	}
	if st := s.Stats(); st.BytesRead != protocol.MaxBufferLength || st.LastError != "" {
		t.Fatalf("stats=%+v", st)
	}
}

func TestWrite_InsufficientSpaceWritesNothing(t *testing.T) {
	noSleep(t)
	s, m := newSimSession(t, sim.Config{RxCapacity: 8})

	err := s.Write(context.Background(), []byte("$PMTK000*32\r\n"))
	if !errors.Is(err, ErrInsufficientSpace) {
		t.Fatalf("err=%v want ErrInsufficientSpace", err)
	}
	if !IsRetryable(err) {
		t.Fatalf("IsRetryable=false for %v", err)
	}
	frames := m.Frames()
	if n := countFrames(frames, protocol.OpConfigWrite, protocol.RegRxBuf); n != 0 {
		t.Fatalf("config writes=%d want 0", n)
	}
	if n := countFrames(frames, protocol.OpDataWrite, 0); n != 0 {
		t.Fatalf("data writes=%d want 0", n)
	}
	if len(m.Received()) != 0 {
		t.Fatalf("module received %q", m.Received())
	}
}

func TestWrite_AboveMaxTransferNeverTouchesBus(t *testing.T) {
	noSleep(t)
	s, m := newSimSession(t, sim.Config{})

	err := s.Write(context.Background(), make([]byte, protocol.MaxBufferLength+1))
	if !errors.Is(err, ErrInsufficientSpace) {
		t.Fatalf("err=%v want ErrInsufficientSpace", err)
	}
	if len(m.Frames()) != 0 {
		t.Fatalf("frames=%d want 0", len(m.Frames()))
	}
}

func TestWrite_EmptyPayload(t *testing.T) {
	noSleep(t)
	s, _ := newSimSession(t, sim.Config{})
	if err := s.Write(context.Background(), nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("err=%v want ErrInvalidArgument", err)
	}
}

func TestWrite_FIFONeverReady(t *testing.T) {
	noSleep(t)
	s, _ := newSimSession(t, sim.Config{FIFOReadyAfter: -1})

	err := s.Write(context.Background(), []byte("x"))
	if !errors.Is(err, ErrPollTimeout) {
		t.Fatalf("err=%v want ErrPollTimeout", err)
	}
	if !IsRetryable(err) {
		t.Fatalf("IsRetryable=false")
	}
	if s.State() != StateOn {
		t.Fatalf("state=%s want on", s.State())
	}
	if s.Stats().LastError == "" {
		t.Fatalf("last error not recorded")
	}
}

// The data write went out but RDWR_FINISH never came: the write fails.
func TestWrite_UnfinishedTransferIsPollTimeout(t *testing.T) {
	noSleep(t)
	s, m := newSimSession(t, sim.Config{FinishedAfter: -1})

	err := s.Write(context.Background(), []byte("$PMTK605*31\r\n"))
	if !errors.Is(err, ErrPollTimeout) {
		t.Fatalf("err=%v want ErrPollTimeout", err)
	}
	if n := countFrames(m.Frames(), protocol.OpDataWrite, 0); n != 1 {
		t.Fatalf("data writes=%d want 1", n)
	}
	if st := s.Stats(); st.Writes != 0 || st.PollTimeouts != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestWrite_FIFONotReadyAfterConfigWriteSendsNoData(t *testing.T) {
	noSleep(t)
	s, m := newSimSession(t, sim.Config{StallConfigWrite: true})

	err := s.Write(context.Background(), []byte("x"))
	if !errors.Is(err, ErrPollTimeout) {
		t.Fatalf("err=%v want ErrPollTimeout", err)
	}
	frames := m.Frames()
	if n := countFrames(frames, protocol.OpConfigWrite, protocol.RegRxBuf); n != 1 {
		t.Fatalf("config writes=%d want 1", n)
	}
	if n := countFrames(frames, protocol.OpDataWrite, 0); n != 0 {
		t.Fatalf("data writes=%d want 0", n)
	}
	if len(m.Received()) != 0 {
		t.Fatalf("module received %q", m.Received())
	}
}

func TestWriteThenRead_EchoRoundTrip(t *testing.T) {
	noSleep(t)
	s, m := newSimSession(t, sim.Config{Echo: true, FIFOReadyAfter: 2})
	want := []byte("$PMTK314,0,1,0,1,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0*28\r\n")

	if err := s.Write(context.Background(), want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !bytes.Equal(m.Received(), want) {
		t.Fatalf("module received %q", m.Received())
	}
	got, err := s.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got=%q want %q", got, want)
	}
	st := s.Stats()
	if st.Writes != 1 || st.BytesWritten != uint64(len(want)) || st.BytesRead != uint64(len(want)) {
		t.Fatalf("stats=%+v", st)
	}
}

func TestBusFailureIsFatal(t *testing.T) {
	noSleep(t)
	s, m := newSimSession(t, sim.Config{})
	m.FailAfter(1)

	_, err := s.Read(context.Background())
	if !errors.Is(err, ErrBusUnavailable) {
		t.Fatalf("err=%v want ErrBusUnavailable", err)
	}
	if IsRetryable(err) {
		t.Fatalf("bus failure reported retryable")
	}
	if s.State() != StateFailed {
		t.Fatalf("state=%s want failed", s.State())
	}
	if _, err := s.Read(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("err=%v want ErrNotReady", err)
	}
}

func TestShortResponseIsBusFailure(t *testing.T) {
	s, err := New(shortBus{}, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.PowerOn(context.Background()); !errors.Is(err, ErrBusUnavailable) {
		t.Fatalf("err=%v want ErrBusUnavailable", err)
	}
}

type shortBus struct{}

func (shortBus) Exchange(tx []byte) ([]byte, error) { return nil, nil }

func TestClose_PowersOffAndReleasesTransport(t *testing.T) {
	noSleep(t)
	bus := &scriptBus{fallback: 0x01}
	s, err := Initialize(context.Background(), bus, Config{})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !bus.closed {
		t.Fatalf("transport not closed")
	}
	if last := bus.frames[len(bus.frames)-1]; last[0] != byte(protocol.OpPowerOff) {
		t.Fatalf("last frame=% X want power-off", last)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := s.Read(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("err=%v want ErrNotReady", err)
	}
}

func TestDiagnose(t *testing.T) {
	noSleep(t)
	s, err := New(&scriptBus{statuses: []byte{0xFF, 0x01, 0x08}}, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d, err := s.Diagnose()
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if d.Present || d.Raw != 0xFF {
		t.Fatalf("diagnosis=%+v want not present", d)
	}
	d, _ = s.Diagnose()
	if !d.Present || !d.Status.Has(protocol.StatusSlaveOn) {
		t.Fatalf("diagnosis=%+v want slave on", d)
	}
	d, _ = s.Diagnose()
	if !d.Status.Errored() {
		t.Fatalf("diagnosis=%+v want error", d)
	}
}
