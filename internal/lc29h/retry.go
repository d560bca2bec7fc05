package lc29h

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lc29h-spi/internal/protocol"
)

var sleep = time.Sleep

var errExhausted = errors.New("attempts exhausted")

// retry calls fn up to attempts times and sleeps interval after every call,
// including the last one, so the next bus frame always respects the module's
// turnaround time. It returns the number of calls made.
//
// ctx is only checked between attempts.
func retry(ctx context.Context, attempts int, interval time.Duration, fn func() (done bool, err error)) (int, error) {
	if attempts <= 0 {
		return 0, fmt.Errorf("retry attempts=%d: %w", attempts, ErrInvalidArgument)
	}
	for i := 1; i <= attempts; i++ {
		done, err := fn()
		sleep(interval)
		if err != nil {
			return i, err
		}
		if done {
			return i, nil
		}
		if i < attempts {
			if err := ctx.Err(); err != nil {
				return i, err
			}
		}
	}
	return attempts, errExhausted
}

// poller issues status reads until a flag shows up.
type poller struct {
	exchange func(tx []byte) ([]byte, error)

	// last is the raw status of the most recent poll, for diagnostics only.
	last protocol.Status
}

// pollUntil returns the number of status reads issued. When the flag is not
// seen in time the error wraps ErrPollTimeout.
func (p *poller) pollUntil(ctx context.Context, flag protocol.Status, attempts int, interval time.Duration) (int, error) {
	n, err := retry(ctx, attempts, interval, func() (bool, error) {
		rx, err := p.exchange(protocol.EncodeStatusRead())
		if err != nil {
			return false, err
		}
		st, ok := protocol.DecodeStatus(rx)
		p.last = st
		if !ok {
			return false, nil
		}
		return st.Has(flag), nil
	})
	if errors.Is(err, errExhausted) {
		return n, fmt.Errorf("lc29h: waiting for %s, last status %s after %d polls: %w", flag, p.last, n, ErrPollTimeout)
	}
	return n, err
}
