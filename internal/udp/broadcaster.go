package udp

import (
	"bytes"
	"fmt"
	"io"
	"net"
)

// maxDatagram keeps datagrams under a typical Ethernet MTU.
const maxDatagram = 1400

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type resolveFunc func(network, address string) (*net.UDPAddr, error)
type dialFunc func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)

// Broadcaster forwards NMEA bytes to a UDP destination (unicast or
// broadcast), the way chart plotters expect them on port 10110.
//
// Datagrams end on sentence boundaries whenever the input allows it.
type Broadcaster struct {
	dest string
	conn udpConn
}

func NewBroadcaster(dest string) (*Broadcaster, error) {
	return newBroadcaster(dest, net.ResolveUDPAddr, func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		return net.DialUDP(network, laddr, raddr)
	})
}

func newBroadcaster(dest string, resolve resolveFunc, dial dialFunc) (*Broadcaster, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve dest: %w", err)
	}

	// DialUDP selects a suitable local address automatically.
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}

	return &Broadcaster{dest: dest, conn: conn}, nil
}

func (b *Broadcaster) Dest() string { return b.dest }

// Write sends p as one or more datagrams. It implements io.Writer.
func (b *Broadcaster) Write(p []byte) (int, error) {
	sent := 0
	for len(p) > 0 {
		n := datagramLen(p)
		if _, err := b.conn.Write(p[:n]); err != nil {
			return sent, err
		}
		sent += n
		p = p[n:]
	}
	return sent, nil
}

// datagramLen picks how much of p goes into the next datagram: everything if
// it fits, else up to the last line end that fits, else a hard cut.
func datagramLen(p []byte) int {
	if len(p) <= maxDatagram {
		return len(p)
	}
	if i := bytes.LastIndexByte(p[:maxDatagram], '\n'); i >= 0 {
		return i + 1
	}
	return maxDatagram
}

func (b *Broadcaster) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}

var _ io.WriteCloser = (*Broadcaster)(nil)
