package web

import (
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"lc29h-spi/internal/bridge"
)

// Info is fixed at startup and echoed in every status response.
type Info struct {
	Backend string `json:"backend"`
	Device  string `json:"device"`
	SpeedHz uint32 `json:"speed_hz,omitempty"`
	UDPDest string `json:"udp_dest,omitempty"`
	Trace   string `json:"trace,omitempty"`
}

type Build struct {
	GoVersion string `json:"go_version"`
	Version   string `json:"version,omitempty"`
	Commit    string `json:"commit,omitempty"`
	Dirty     bool   `json:"dirty,omitempty"`
}

type Status struct {
	startUnixNano int64
	info          atomic.Value // Info
}

func NewStatus(info Info) *Status {
	s := &Status{}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.info.Store(info)
	return s
}

type StatusSnapshot struct {
	Service   string          `json:"service"`
	NowUTC    string          `json:"now_utc"`
	UptimeSec int64           `json:"uptime_sec"`
	Info      Info            `json:"info"`
	Build     Build           `json:"build"`
	Bridge    bridge.Snapshot `json:"bridge"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()
	return StatusSnapshot{
		Service:   "lc29h-spi",
		NowUTC:    nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec: int64(nowUTC.Sub(start).Seconds()),
		Info:      s.info.Load().(Info),
		Build:     buildInfo(),
	}
}

func buildInfo() Build {
	b := Build{GoVersion: runtime.Version()}
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi == nil {
		return b
	}
	b.Version = bi.Main.Version
	for _, kv := range bi.Settings {
		switch kv.Key {
		case "vcs.revision":
			b.Commit = kv.Value
		case "vcs.modified":
			b.Dirty = kv.Value == "true"
		}
	}
	return b
}
