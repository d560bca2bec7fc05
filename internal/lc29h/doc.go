// Package lc29h drives a Quectel LC29H GNSS module over its SPI slave
// interface.
//
// The module is register addressed and half-duplex: every transaction is a
// command frame whose response is clocked back in the same transfer. There is
// no hardware flow control, so each read or write is gated by status polls
// (FIFO ready, read/write finished) and by the module's length registers
// (bytes available to read, free space to write).
//
// A Session owns the Transport for its lifetime and serializes every
// multi-frame sequence; it is safe to call from multiple goroutines.
package lc29h
