package sim

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"lc29h-spi/internal/nmea"
)

// Fixed position reported by Run.
const (
	simLat = "4807.038"
	simLon = "01131.000"
)

// Run feeds the module like a receiver would: every interval it queues an
// RMC, a GGA and a text sentence, and any command the host wrote is consumed
// and answered with an acknowledgement line. It returns when ctx is done.
func (m *Module) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			seq++
			m.QueueTX(epoch(now.UTC(), seq))

			for _, cmd := range bytes.SplitAfter(m.TakeReceived(), []byte("\n")) {
				cmd = bytes.TrimSpace(cmd)
				if len(cmd) == 0 {
					continue
				}
				m.QueueTX(nmea.Format(fmt.Sprintf("GNTXT,01,01,02,ack %s", commandBody(cmd))))
			}
		}
	}
}

func epoch(now time.Time, seq uint64) []byte {
	hms := now.Format("150405.000")
	var b []byte
	b = append(b, nmea.Format(fmt.Sprintf("GNRMC,%s,A,%s,N,%s,E,0.0,0.0,%s,,,A", hms, simLat, simLon, now.Format("020106")))...)
	b = append(b, nmea.Format(fmt.Sprintf("GNGGA,%s,%s,N,%s,E,1,12,0.8,545.4,M,46.9,M,,", hms, simLat, simLon))...)
	b = append(b, nmea.Format(fmt.Sprintf("GNTXT,01,01,02,sim seq=%d", seq))...)
	return b
}

// commandBody strips the leading '$' and the trailing checksum of a command
// line.
func commandBody(cmd []byte) []byte {
	body := bytes.TrimPrefix(cmd, []byte("$"))
	if i := bytes.LastIndexByte(body, '*'); i >= 0 {
		body = body[:i]
	}
	return body
}
